package refdata

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopfloorlabs/pulse/pkg/factory"
)

func testClient(t *testing.T, handler http.Handler) (Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &Config{
		BaseURL:        srv.URL,
		Timeout:        5 * time.Second,
		ActiveOrderTTL: 15 * time.Second,
	}
	c, err := NewClient(cfg)
	require.NoError(t, err)
	return c, srv
}

func TestClientMachines(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/machines", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"id":"m1","lineCode":"line-1","plant":"berlin","area":"packaging","oeeEnabled":true},
			{"id":"m2","lineCode":"line-2","plant":"berlin","area":"packaging","oeeEnabled":false}
		]`))
	}))

	machines, err := c.Machines(context.Background())
	require.NoError(t, err)
	require.Len(t, machines, 2)
	assert.Equal(t, "line-1", machines[0].LineCode)
	assert.True(t, machines[0].OEEEnabled)
	assert.False(t, machines[1].OEEEnabled)
}

func TestClientActiveOrder(t *testing.T) {
	t.Run("first element wins", func(t *testing.T) {
		c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/processorders/rel", r.URL.Path)
			assert.Equal(t, "m1", r.URL.Query().Get("machineId"))
			assert.Equal(t, "true", r.URL.Query().Get("mark"))
			_, _ = w.Write([]byte(`[
				{"id":"o1","orderNumber":"1000123","machineId":"m1","status":"released",
				 "start":"2024-05-01T08:00:00Z","end":"2024-05-01T09:00:00Z"},
				{"id":"o2","orderNumber":"1000124","machineId":"m1","status":"planned",
				 "start":"2024-05-01T09:00:00Z","end":"2024-05-01T10:00:00Z"}
			]`))
		}))

		order, err := c.ActiveOrder(context.Background(), "m1")
		require.NoError(t, err)
		require.NotNil(t, order)
		assert.Equal(t, "o1", order.ID)
		assert.Equal(t, factory.OrderReleased, order.Status)
	})

	t.Run("none active", func(t *testing.T) {
		c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`[]`))
		}))

		order, err := c.ActiveOrder(context.Background(), "m1")
		require.NoError(t, err)
		assert.Nil(t, order)
	})

	t.Run("inconsistent interval", func(t *testing.T) {
		c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`[
				{"id":"o1","orderNumber":"1000123","machineId":"m1","status":"released",
				 "start":"2024-05-01T09:00:00Z","end":"2024-05-01T08:00:00Z"}
			]`))
		}))

		_, err := c.ActiveOrder(context.Background(), "m1")
		require.ErrorIs(t, err, ErrDecode)
	})
}

func TestClientShiftModels(t *testing.T) {
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/shiftmodels/machine/m1", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"id":"s1","machineId":"m1","shiftStart":"06:00","shiftEnd":"14:00","breakStart":"09:30","breakEnd":"10:00"}
		]`))
	}))

	shifts, err := c.ShiftModels(context.Background(), "m1")
	require.NoError(t, err)
	require.Len(t, shifts, 1)
	assert.Equal(t, factory.ClockTime{Hour: 9, Minute: 30}, shifts[0].BreakStart)
}

func TestClientPlannedDowntimeOverride(t *testing.T) {
	alt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/alternate", r.URL.Path)
		_, _ = w.Write([]byte(`[{"id":"d1","machineId":"m1","start":"2024-05-01T08:00:00Z","end":"2024-05-01T08:10:00Z","reason":"maintenance","durationSeconds":600}]`))
	}))
	t.Cleanup(alt.Close)

	cfg := &Config{
		BaseURL:            "http://localhost:1", // must not be contacted
		PlannedDowntimeURL: alt.URL + "/alternate",
		Timeout:            5 * time.Second,
		ActiveOrderTTL:     15 * time.Second,
	}
	c, err := NewClient(cfg)
	require.NoError(t, err)

	records, err := c.PlannedDowntimes(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "maintenance", records[0].Reason)
}

func TestClientErrorKinds(t *testing.T) {
	t.Run("upstream 500", func(t *testing.T) {
		c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		_, err := c.Machines(context.Background())
		require.ErrorIs(t, err, ErrSourceUnavailable)
	})

	t.Run("unreachable", func(t *testing.T) {
		c, srv := testClient(t, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		srv.Close()
		_, err := c.Machines(context.Background())
		require.ErrorIs(t, err, ErrSourceUnavailable)
	})

	t.Run("malformed body", func(t *testing.T) {
		c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"not":"an array"`))
		}))
		_, err := c.Machines(context.Background())
		require.ErrorIs(t, err, ErrDecode)
	})
}

func TestClientAppendUnplannedDowntime(t *testing.T) {
	var got factory.DowntimeRecord
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/unplanneddowntime", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))

	rec := factory.DowntimeRecord{
		ID:              "u1",
		MachineID:       "m1",
		OrderNumber:     "1000123",
		Start:           factory.NewTimestamp(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)),
		End:             factory.NewTimestamp(time.Date(2024, 5, 1, 8, 10, 0, 0, time.UTC)),
		Reason:          "tbd",
		DurationSeconds: 600,
	}
	require.NoError(t, c.AppendUnplannedDowntime(context.Background(), rec))
	assert.Equal(t, rec, got)

	t.Run("rejected write", func(t *testing.T) {
		c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", http.StatusBadRequest)
		}))
		err := c.AppendUnplannedDowntime(context.Background(), rec)
		require.ErrorIs(t, err, ErrSourceUnavailable)
	})
}
