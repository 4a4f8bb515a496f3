package app

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v2"

	"github.com/shopfloorlabs/pulse/modules/command"
	"github.com/shopfloorlabs/pulse/modules/engine"
	"github.com/shopfloorlabs/pulse/modules/fanout"
	"github.com/shopfloorlabs/pulse/modules/refdata"
	"github.com/shopfloorlabs/pulse/modules/sink"
	"github.com/shopfloorlabs/pulse/modules/subscriber"
	"github.com/shopfloorlabs/pulse/pkg/factory"
	util_log "github.com/shopfloorlabs/pulse/pkg/util/log"
)

// App wires the reference data store, the broker subscriber, the
// compute engine and both output paths into one process.
type App struct {
	cfg      Config
	logger   log.Logger
	gatherer prometheus.Gatherer

	store      *refdata.Store
	hub        *fanout.Hub
	sinkWriter *sink.Writer
	commands   *command.Handler
	engine     *engine.Engine
	subscriber *subscriber.Subscriber
}

func New(cfg Config) (*App, error) {
	return newApp(cfg, util_log.Logger, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

func newApp(cfg Config, logger log.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		gatherer: gatherer,
	}
	clock := clockwork.NewRealClock()

	client, err := refdata.NewClient(&cfg.RefData)
	if err != nil {
		return nil, errors.Wrap(err, "building reference data client")
	}
	a.store = refdata.NewStore(client, &cfg.RefData, logger)

	a.hub = fanout.New(&cfg.WebSocket, a.snapshotStoppages, logger, reg)

	// The engine takes the sink through an interface. Leave it a nil
	// interface when disabled, a typed nil would dodge the engine's
	// guard.
	var sampleWriter engine.SampleWriter
	if cfg.Timeseries.Enabled() {
		w, err := sink.NewWriter(&cfg.Timeseries, logger, reg)
		if err != nil {
			return nil, errors.Wrap(err, "building timeseries sink")
		}
		a.sinkWriter = w
		sampleWriter = w
	}

	a.commands = command.NewHandler(&cfg.Command, a.store, a, clock, logger)
	a.engine = engine.New(&cfg.OEE, a.store, a.commands, a.hub, sampleWriter, clock, logger, reg)

	sub, err := subscriber.New(cfg.Broker, cfg.Topics.Scheme(), a.store, a.engine, clock, logger, reg)
	if err != nil {
		return nil, errors.Wrap(err, "building broker subscriber")
	}
	a.subscriber = sub

	return a, nil
}

var _ command.Notifier = (*App)(nil)

// StoppagesChanged pushes a fresh stoppage snapshot to connected
// clients and recomputes the affected machine.
func (a *App) StoppagesChanged(ctx context.Context, machineID string) {
	records, err := a.store.StoppageSnapshot(ctx)
	if err != nil {
		level.Warn(a.logger).Log("msg", "stoppage snapshot failed after append", "machine_id", machineID, "err", err)
	} else {
		a.hub.BroadcastStoppages(records)
	}

	if a.engine != nil {
		a.engine.Trigger(machineID)
	}
}

func (a *App) snapshotStoppages(r *http.Request) ([]factory.DowntimeRecord, error) {
	return a.store.StoppageSnapshot(r.Context())
}

// Run starts every service and blocks until shutdown. A signal stops
// the manager, a failed service stops everything else.
func (a *App) Run() error {
	type namedService struct {
		name string
		svc  services.Service
	}
	named := []namedService{
		{"engine", a.engine},
		{"subscriber", a.subscriber},
	}
	if a.cfg.WebSocket.Enabled {
		named = append(named, namedService{"fanout", a.hub})
	}
	if a.sinkWriter != nil {
		named = append(named, namedService{"sink", a.sinkWriter})
	}

	servs := make([]services.Service, 0, len(named))
	for _, s := range named {
		servs = append(servs, s.svc)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return errors.Wrap(err, "building service manager")
	}

	router := mux.NewRouter()
	if a.cfg.WebSocket.Enabled {
		router.HandleFunc("/ws", a.hub.ServeWS)
	}
	router.Path("/metrics").Handler(promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	router.Path("/ready").Handler(a.readyHandler(sm))
	router.Path("/config").Handler(a.configHandler())

	server := &http.Server{
		Addr:              net.JoinHostPort(a.cfg.HTTPListenAddress, strconv.Itoa(a.cfg.HTTPListenPort)),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			sm.StopAsync()
			return
		}
		serverErr <- nil
	}()

	healthy := func() {
		level.Info(a.logger).Log("msg", "pulse started", "http", server.Addr)
	}
	stopped := func() {
		level.Info(a.logger).Log("msg", "pulse stopped")
	}
	serviceFailed := func(service services.Service) {
		// One failed service takes the process down.
		sm.StopAsync()

		for _, s := range named {
			if s.svc == service {
				level.Error(a.logger).Log("msg", "service failed", "service", s.name, "err", service.FailureCase())
				return
			}
		}
		level.Error(a.logger).Log("msg", "service failed", "service", "unknown", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	handler := signals.NewHandler(a.logger)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	if err := sm.StartAsync(context.Background()); err != nil {
		return errors.Wrap(err, "starting services")
	}

	stopErr := sm.AwaitStopped(context.Background())

	// Hijacked WebSocket connections are closed by the hub already, this
	// drains plain HTTP requests.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		level.Warn(a.logger).Log("msg", "http server did not drain in time", "err", err)
	}
	if err := <-serverErr; err != nil {
		return errors.Wrap(err, "http server failed")
	}

	return stopErr
}

func (a *App) configHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out, err := yaml.Marshal(a.cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/yaml")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(out); err != nil {
			level.Error(a.logger).Log("msg", "error writing config response", "err", err)
		}
	}
}

func (a *App) readyHandler(sm *services.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !sm.IsHealthy() {
			msg := bytes.Buffer{}
			msg.WriteString("Some services are not Running:\n")

			for st, ls := range sm.ServicesByState() {
				msg.WriteString(fmt.Sprintf("%v: %d\n", st, len(ls)))
			}

			http.Error(w, msg.String(), http.StatusServiceUnavailable)
			return
		}

		http.Error(w, "ready", http.StatusOK)
	}
}
