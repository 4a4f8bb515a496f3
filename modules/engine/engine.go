// Package engine routes decoded line messages into per-machine compute
// cycles and owns the per-machine workers that run them.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/shopfloorlabs/pulse/modules/command"
	"github.com/shopfloorlabs/pulse/modules/refdata"
	"github.com/shopfloorlabs/pulse/modules/sink"
	"github.com/shopfloorlabs/pulse/pkg/factory"
	"github.com/shopfloorlabs/pulse/pkg/oee"
	"github.com/shopfloorlabs/pulse/pkg/sparkplug"
	util_log "github.com/shopfloorlabs/pulse/pkg/util/log"
)

const (
	cycleComputed = "computed"
	cycleSkipped  = "skipped"
	cycleInvalid  = "invalid"
	cycleAborted  = "aborted"

	reasonUnknownType      = "unknown_message_type"
	reasonUnknownSignal    = "unknown_signal"
	reasonStaticMetric     = "static_metric"
	reasonNoValue          = "no_value"
	reasonOrderUnavailable = "order_unavailable"
)

// ReferenceData is the slice of the reference data store the engine
// consumes.
type ReferenceData interface {
	ActiveOrder(ctx context.Context, machineID string) (*factory.ProcessOrder, error)
	ShiftModels(ctx context.Context, machineID string) ([]factory.Shift, error)
	PlannedDowntimes(ctx context.Context) ([]factory.DowntimeRecord, error)
	UnplannedDowntimes(ctx context.Context) ([]factory.DowntimeRecord, error)
	Microstops(ctx context.Context) ([]factory.DowntimeRecord, error)
	MachineByID(ctx context.Context, machineID string) (factory.Machine, bool, error)
}

var _ ReferenceData = (*refdata.Store)(nil)

// CommandHandler consumes operator signals arriving on DCMD topics.
type CommandHandler interface {
	Handle(ctx context.Context, machineID string, order *factory.ProcessOrder, sig command.Signal, value float64)
}

var _ CommandHandler = (*command.Handler)(nil)

// Broadcaster pushes a computed payload to connected clients.
type Broadcaster interface {
	BroadcastOEE(data interface{})
}

// SampleWriter persists a computed cycle. A nil writer disables
// persistence.
type SampleWriter interface {
	Write(ctx context.Context, s sink.Sample)
}

var _ SampleWriter = (*sink.Writer)(nil)

type engineMetrics struct {
	unknownMetric prometheus.Counter
	dropped       *prometheus.CounterVec
	unchanged     prometheus.Counter
	coalesced     prometheus.Counter
	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	machines      prometheus.Gauge
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	return &engineMetrics{
		unknownMetric: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "engine_unknown_metric_total",
			Help:      "Messages dropped because the metric segment is not in the catalog.",
		}),
		dropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "engine_dropped_messages_total",
			Help:      "Messages dropped before reaching a compute cycle, by reason.",
		}, []string{"reason"}),
		unchanged: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "engine_unchanged_values_total",
			Help:      "Machine-connect values identical to the buffered one.",
		}),
		coalesced: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "engine_coalesced_triggers_total",
			Help:      "Compute requests absorbed by an already pending trigger.",
		}),
		cycles: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "engine_compute_cycles_total",
			Help:      "Compute cycles by outcome.",
		}, []string{"status"}),
		cycleDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "pulse",
			Name:      "engine_cycle_duration_seconds",
			Help:      "Duration of one compute cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		machines: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "pulse",
			Name:      "engine_machines",
			Help:      "Machines with a live instance.",
		}),
	}
}

// Engine owns one instance and one worker goroutine per machine.
// Messages mutate the instance buffer and request a cycle; the worker
// serializes cycles so there is never more than one in flight per
// machine.
type Engine struct {
	services.Service

	cfg         *Config
	store       ReferenceData
	commands    CommandHandler
	broadcaster Broadcaster
	sink        SampleWriter
	clock       clockwork.Clock
	logger      log.Logger
	debounce    *util_log.Debouncer
	metrics     *engineMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	instancesMtx sync.RWMutex
	instances    map[string]*instance
}

func New(cfg *Config, store ReferenceData, commands CommandHandler, broadcaster Broadcaster, sinkWriter SampleWriter, clock clockwork.Clock, logger log.Logger, reg prometheus.Registerer) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	logger = log.With(logger, "component", "engine")
	e := &Engine{
		cfg:         cfg,
		store:       store,
		commands:    commands,
		broadcaster: broadcaster,
		sink:        sinkWriter,
		clock:       clock,
		logger:      logger,
		debounce:    util_log.NewDebouncer(logger, time.Minute),
		metrics:     newEngineMetrics(reg),
		ctx:         ctx,
		cancel:      cancel,
		instances:   make(map[string]*instance),
	}
	e.Service = services.NewIdleService(nil, e.stopping)
	return e
}

func (e *Engine) stopping(_ error) error {
	// Workers observe the canceled context between cycles; an in-flight
	// upstream fetch is aborted by the same context.
	e.cancel()
	e.wg.Wait()
	return nil
}

// Route takes one decoded message. It never blocks on a compute cycle:
// data messages mutate the buffer and request a cycle, command
// messages go straight to the command handler.
func (e *Engine) Route(ctx context.Context, machineID string, msgType sparkplug.MessageType, metric string, env sparkplug.Envelope) {
	switch msgType {
	case sparkplug.MessageDDATA:
		e.routeData(machineID, metric, env)
	case sparkplug.MessageDCMD:
		e.routeCommand(ctx, machineID, metric, env)
	default:
		e.metrics.dropped.WithLabelValues(reasonUnknownType).Inc()
		level.Warn(e.logger).Log("msg", "message with unroutable type dropped", "machine_id", machineID, "type", msgType)
	}
}

func (e *Engine) routeData(machineID, metric string, env sparkplug.Envelope) {
	class, ok := catalog[metric]
	if !ok {
		e.metrics.unknownMetric.Inc()
		e.debounce.Warn("metric not in catalog, dropped", "machine_id", machineID, "metric", metric)
		return
	}
	if class.MandatoryStatic {
		// The authoritative copy comes from the process order.
		e.metrics.dropped.WithLabelValues(reasonStaticMetric).Inc()
		level.Debug(e.logger).Log("msg", "static metric from the wire ignored", "machine_id", machineID, "metric", metric)
		return
	}

	value, ok := firstValue(env)
	if !ok {
		e.metrics.dropped.WithLabelValues(reasonNoValue).Inc()
		level.Warn(e.logger).Log("msg", "data message without usable value dropped", "machine_id", machineID, "metric", metric)
		return
	}

	inst := e.getOrCreateInstance(machineID)
	if !inst.observe(metric, value) {
		e.metrics.unchanged.Inc()
		level.Debug(inst.logger).Log("msg", "unchanged value, no recomputation", "metric", metric, "value", value)
		return
	}
	if !inst.schedule() {
		e.metrics.coalesced.Inc()
	}
}

func (e *Engine) routeCommand(ctx context.Context, machineID, metric string, env sparkplug.Envelope) {
	sig := command.ParseSignal(metric)
	if sig == command.SignalUnknown {
		e.metrics.dropped.WithLabelValues(reasonUnknownSignal).Inc()
		level.Warn(e.logger).Log("msg", "unknown command segment dropped", "machine_id", machineID, "segment", metric)
		return
	}

	value, _ := firstValue(env)

	order, err := e.store.ActiveOrder(ctx, machineID)
	if err != nil {
		e.metrics.dropped.WithLabelValues(reasonOrderUnavailable).Inc()
		level.Warn(e.logger).Log("msg", "command dropped, active order unavailable", "machine_id", machineID, "signal", sig, "err", err)
		return
	}
	e.commands.Handle(ctx, machineID, order, sig, value)
}

// Trigger requests a compute cycle outside the data path, e.g. after
// the stoppage dataset changed. Machines that never streamed data have
// no instance and nothing to recompute.
func (e *Engine) Trigger(machineID string) {
	e.instancesMtx.RLock()
	inst, ok := e.instances[machineID]
	e.instancesMtx.RUnlock()
	if !ok {
		return
	}
	if !inst.schedule() {
		e.metrics.coalesced.Inc()
	}
}

func (e *Engine) getOrCreateInstance(machineID string) *instance {
	e.instancesMtx.RLock()
	inst, ok := e.instances[machineID]
	e.instancesMtx.RUnlock()
	if ok {
		return inst
	}

	e.instancesMtx.Lock()
	defer e.instancesMtx.Unlock()

	// Double-check in case another goroutine created it.
	if inst, ok := e.instances[machineID]; ok {
		return inst
	}

	inst = newInstance(e.lookupMachine(machineID), e.logger)
	e.instances[machineID] = inst
	e.metrics.machines.Inc()

	e.wg.Add(1)
	go e.worker(inst)

	return inst
}

// lookupMachine resolves plant and area for the payload tags. The
// instance still works without them.
func (e *Engine) lookupMachine(machineID string) factory.Machine {
	machine, ok, err := e.store.MachineByID(e.ctx, machineID)
	if err != nil || !ok {
		level.Debug(e.logger).Log("msg", "machine metadata unavailable", "machine_id", machineID, "err", err)
		return factory.Machine{ID: machineID}
	}
	return machine
}

func (e *Engine) worker(inst *instance) {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-inst.trigger:
			start := e.clock.Now()
			status := e.cycle(e.ctx, inst)
			e.metrics.cycles.WithLabelValues(status).Inc()
			e.metrics.cycleDuration.Observe(e.clock.Since(start).Seconds())
		}
	}
}

// cycle runs one computation for the machine: active order, downtime
// and shift reads, hourly timeline, calculator, then fan-out. Any
// upstream failure aborts the cycle; the next trigger retries it.
func (e *Engine) cycle(ctx context.Context, inst *instance) string {
	order, err := e.store.ActiveOrder(ctx, inst.machine.ID)
	if err != nil {
		level.Warn(inst.logger).Log("msg", "cycle aborted, active order unavailable", "err", err)
		return cycleAborted
	}
	if order == nil || order.Status == factory.OrderPlanned {
		level.Debug(inst.logger).Log("msg", "no released order, cycle skipped")
		return cycleSkipped
	}

	state := inst.stateFor(order)

	shifts, err := e.store.ShiftModels(ctx, inst.machine.ID)
	if err != nil {
		level.Warn(inst.logger).Log("msg", "cycle aborted, shift models unavailable", "err", err)
		return cycleAborted
	}
	planned, err := e.store.PlannedDowntimes(ctx)
	if err != nil {
		level.Warn(inst.logger).Log("msg", "cycle aborted, planned downtime unavailable", "err", err)
		return cycleAborted
	}
	unplanned, err := e.store.UnplannedDowntimes(ctx)
	if err != nil {
		level.Warn(inst.logger).Log("msg", "cycle aborted, unplanned downtime unavailable", "err", err)
		return cycleAborted
	}
	micro, err := e.store.Microstops(ctx)
	if err != nil {
		level.Warn(inst.logger).Log("msg", "cycle aborted, microstops unavailable", "err", err)
		return cycleAborted
	}

	timeline := oee.SliceOrderWindow(inst.logger, order, planned, unplanned, micro, shifts)

	produced, yield := inst.snapshot()
	metrics, err := state.Compute(oee.Inputs{
		UnplannedMinutes: timeline.TotalUnplanned(),
		PlannedMinutes:   timeline.TotalPlanned(),
		BreakMinutes:     timeline.TotalBreaks(),
		MicrostopMinutes: timeline.TotalMicrostops(),
		Produced:         produced,
		Yield:            yield,
	}, e.clock.Now())
	if err != nil {
		var verr *oee.ValidationError
		if errors.As(err, &verr) {
			level.Warn(inst.logger).Log("msg", "inputs failed validation, previous metrics stay current", "reason", verr.Reason)
			return cycleInvalid
		}
		level.Error(inst.logger).Log("msg", "computation failed", "err", err)
		return cycleAborted
	}

	if e.cfg.AsPercent {
		metrics = metrics.InPercent()
	}

	e.broadcaster.BroadcastOEE(e.buildPayload(inst.machine, order, state, metrics, produced, yield, timeline))
	if e.sink != nil {
		e.sink.Write(ctx, buildSample(inst.machine, order, state, metrics, timeline))
	}
	return cycleComputed
}

// firstValue picks the first metric in the envelope carrying a usable
// numeric value.
func firstValue(env sparkplug.Envelope) (float64, bool) {
	for i := range env.Metrics {
		if v, ok := env.Metrics[i].Float64(); ok {
			return v, true
		}
	}
	return 0, false
}
