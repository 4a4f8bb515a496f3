package app

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/flagext"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildApp(t *testing.T, cfg Config) *App {
	t.Helper()

	reg := prometheus.NewPedanticRegistry()
	a, err := newApp(cfg, log.NewNopLogger(), reg, reg)
	require.NoError(t, err)
	return a
}

func TestNewWiresAllModules(t *testing.T) {
	a := buildApp(t, defaultConfig())

	assert.NotNil(t, a.store)
	assert.NotNil(t, a.hub)
	assert.NotNil(t, a.commands)
	assert.NotNil(t, a.engine)
	assert.NotNil(t, a.subscriber)
	assert.Nil(t, a.sinkWriter, "sink stays off while the timeseries section is empty")
}

func TestNewEnablesSinkWhenConfigured(t *testing.T) {
	cfg := defaultConfig()
	cfg.Timeseries.URL = "http://influx:8086"
	cfg.Timeseries.Token = flagext.SecretWithValue("tkn")
	cfg.Timeseries.Org = "shopfloor"
	cfg.Timeseries.Bucket = "oee"

	a := buildApp(t, cfg)
	assert.NotNil(t, a.sinkWriter)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := defaultConfig()
	cfg.RefData.BaseURL = ""

	reg := prometheus.NewPedanticRegistry()
	_, err := newApp(cfg, log.NewNopLogger(), reg, reg)
	require.ErrorContains(t, err, "reference data base url is required")
}

func TestConfigEndpointMasksSecrets(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, cfg.Broker.Password.Set("hunter2"))
	cfg.Timeseries.URL = "http://influx:8086"
	cfg.Timeseries.Token = flagext.SecretWithValue("influx-secret")
	cfg.Timeseries.Org = "shopfloor"
	cfg.Timeseries.Bucket = "oee"
	a := buildApp(t, cfg)

	rec := httptest.NewRecorder()
	a.configHandler()(rec, httptest.NewRequest("GET", "/config", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "http_listen_port: 3001")
	assert.NotContains(t, body, "hunter2")
	assert.NotContains(t, body, "influx-secret")
	assert.Contains(t, body, "********")
}

func TestReadyFollowsServiceStates(t *testing.T) {
	a := buildApp(t, defaultConfig())

	idle := services.NewIdleService(nil, nil)
	sm, err := services.NewManager(idle)
	require.NoError(t, err)
	handler := a.readyHandler(sm)

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, 503, rec.Code)
	assert.Contains(t, rec.Body.String(), "Some services are not Running")

	require.NoError(t, sm.StartAsync(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sm.AwaitHealthy(ctx))
	t.Cleanup(func() {
		sm.StopAsync()
		_ = sm.AwaitStopped(context.Background())
	})

	rec = httptest.NewRecorder()
	handler(rec, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "ready")
}
