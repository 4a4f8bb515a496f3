// Package command turns Hold/Unhold operator signals into durable
// unplanned downtime records. Start/End signals are observed but have
// no effect yet.
package command

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/shopfloorlabs/pulse/pkg/factory"
)

var (
	metricSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Name:      "command_signals_total",
		Help:      "Command signals handled, by signal.",
	}, []string{"signal"})
	metricRecordsAppended = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Name:      "command_records_appended_total",
		Help:      "Unplanned downtime records written from unhold signals.",
	})
	metricBelowThreshold = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Name:      "command_below_threshold_total",
		Help:      "Hold/unhold pairs discarded because the stoppage was shorter than the threshold.",
	})
	metricUnmatchedUnholds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Name:      "command_unmatched_unholds_total",
		Help:      "Unhold signals that had no hold on the stack.",
	})
)

// Signal is one recognized command.
type Signal int

const (
	SignalUnknown Signal = iota
	SignalHold
	SignalUnhold
	SignalStart
	SignalEnd
)

func (s Signal) String() string {
	switch s {
	case SignalHold:
		return "hold"
	case SignalUnhold:
		return "unhold"
	case SignalStart:
		return "start"
	case SignalEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Segments lists the canonical DCMD topic segments. Matching on
// receipt stays case-insensitive.
func Segments() []string {
	return []string{"Hold", "UnHold", "Start", "End"}
}

// ParseSignal maps a DCMD topic's metric segment onto a signal,
// case-insensitively.
func ParseSignal(segment string) Signal {
	switch strings.ToLower(segment) {
	case "hold":
		return SignalHold
	case "unhold":
		return SignalUnhold
	case "start":
		return SignalStart
	case "end":
		return SignalEnd
	default:
		return SignalUnknown
	}
}

// Appender persists unplanned downtime records.
type Appender interface {
	AppendUnplannedDowntime(ctx context.Context, rec factory.DowntimeRecord) error
}

// Notifier is told whenever the stoppage dataset gained a record.
type Notifier interface {
	StoppagesChanged(ctx context.Context, machineID string)
}

// Handler keeps one stack of open hold instants per order number. The
// mutex serializes hold/unhold pairs even when two machines share an
// order number.
type Handler struct {
	cfg      *Config
	appender Appender
	notifier Notifier
	clock    clockwork.Clock
	logger   log.Logger

	mtx   sync.Mutex
	holds map[string][]time.Time
}

func NewHandler(cfg *Config, appender Appender, notifier Notifier, clock clockwork.Clock, logger log.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		appender: appender,
		notifier: notifier,
		clock:    clock,
		logger:   log.With(logger, "component", "command"),
		holds:    make(map[string][]time.Time),
	}
}

// Handle processes one command signal. order is the machine's released
// order and may be nil when none is active.
func (h *Handler) Handle(ctx context.Context, machineID string, order *factory.ProcessOrder, sig Signal, value float64) {
	metricSignals.WithLabelValues(sig.String()).Inc()

	switch sig {
	case SignalHold:
		h.hold(machineID, order, value)
	case SignalUnhold:
		h.unhold(ctx, machineID, order)
	case SignalStart, SignalEnd:
		level.Info(h.logger).Log("msg", "order signal observed", "signal", sig, "machine_id", machineID)
	default:
		level.Warn(h.logger).Log("msg", "unknown command signal dropped", "machine_id", machineID)
	}
}

func (h *Handler) hold(machineID string, order *factory.ProcessOrder, value float64) {
	if value != 1 {
		level.Debug(h.logger).Log("msg", "hold with non-trigger value ignored", "machine_id", machineID, "value", value)
		return
	}
	if order == nil {
		level.Warn(h.logger).Log("msg", "hold without released order ignored", "machine_id", machineID)
		return
	}

	now := h.clock.Now().UTC()
	h.mtx.Lock()
	h.holds[order.OrderNumber] = append(h.holds[order.OrderNumber], now)
	depth := len(h.holds[order.OrderNumber])
	h.mtx.Unlock()

	level.Info(h.logger).Log("msg", "hold recorded", "machine_id", machineID, "order", order.OrderNumber, "depth", depth)
}

func (h *Handler) unhold(ctx context.Context, machineID string, order *factory.ProcessOrder) {
	if order == nil {
		level.Warn(h.logger).Log("msg", "unhold without released order ignored", "machine_id", machineID)
		return
	}

	now := h.clock.Now().UTC()

	h.mtx.Lock()
	stack := h.holds[order.OrderNumber]
	if len(stack) == 0 {
		h.mtx.Unlock()
		metricUnmatchedUnholds.Inc()
		level.Warn(h.logger).Log("msg", "unhold without matching hold ignored", "machine_id", machineID, "order", order.OrderNumber)
		return
	}
	held := stack[len(stack)-1]
	if len(stack) == 1 {
		delete(h.holds, order.OrderNumber)
	} else {
		h.holds[order.OrderNumber] = stack[:len(stack)-1]
	}
	h.mtx.Unlock()

	elapsed := now.Sub(held)
	if elapsed < h.cfg.Threshold {
		metricBelowThreshold.Inc()
		level.Debug(h.logger).Log("msg", "stoppage below threshold discarded", "machine_id", machineID, "order", order.OrderNumber, "elapsed", elapsed)
		return
	}

	rec := factory.DowntimeRecord{
		ID:              uuid.NewString(),
		MachineID:       machineID,
		OrderID:         order.ID,
		OrderNumber:     order.OrderNumber,
		Start:           factory.NewTimestamp(held),
		End:             factory.NewTimestamp(now),
		Reason:          "tbd",
		DurationSeconds: int(elapsed.Seconds()),
	}
	if err := h.appender.AppendUnplannedDowntime(ctx, rec); err != nil {
		level.Error(h.logger).Log("msg", "failed to append unplanned downtime record", "machine_id", machineID, "order", order.OrderNumber, "err", err)
		return
	}
	metricRecordsAppended.Inc()
	level.Info(h.logger).Log("msg", "unplanned downtime recorded", "machine_id", machineID, "order", order.OrderNumber, "duration_seconds", rec.DurationSeconds)

	if h.notifier != nil {
		h.notifier.StoppagesChanged(ctx, machineID)
	}
}

// holdDepth reports how many holds are open for an order.
func (h *Handler) holdDepth(orderNumber string) int {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return len(h.holds[orderNumber])
}
