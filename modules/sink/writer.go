package sink

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxapi "github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const measurement = "oee_metrics"

// Sample is one compute cycle flattened for the timeseries store.
// Ratio fields arrive already converted to the configured presentation,
// fractional or percent.
type Sample struct {
	Time time.Time

	Plant               string
	Area                string
	MachineID           string
	OrderNumber         string
	MaterialNumber      string
	MaterialDescription string

	OEE          float64
	Availability float64
	Performance  float64
	Quality      float64

	PlannedQuantity          float64
	PlannedDowntimeMinutes   int
	UnplannedDowntimeMinutes int
	MicrostopMinutes         int

	// Completed reports whether the order behind this cycle reached
	// its completed status. The write_on_completion gate keys off it.
	Completed bool
}

type writerMetrics struct {
	points   prometheus.Counter
	failures prometheus.Counter
}

func newWriterMetrics(reg prometheus.Registerer) *writerMetrics {
	return &writerMetrics{
		points: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "sink_points_written_total",
			Help:      "Total points written to the timeseries store.",
		}),
		failures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "pulse",
			Name:      "sink_write_failures_total",
			Help:      "Total point writes that failed.",
		}),
	}
}

// Writer pushes one point per compute cycle into InfluxDB. Write
// failures are logged and counted but never propagate: losing a point
// must not take the live pipeline down.
type Writer struct {
	services.Service

	cfg     *Config
	logger  log.Logger
	metrics *writerMetrics

	client influxdb2.Client
	write  influxapi.WriteAPIBlocking
}

func NewWriter(cfg *Config, logger log.Logger, reg prometheus.Registerer) (*Writer, error) {
	if !cfg.Enabled() {
		return nil, errors.New("timeseries sink is not configured")
	}
	w := &Writer{
		cfg:     cfg,
		logger:  log.With(logger, "component", "sink"),
		metrics: newWriterMetrics(reg),
	}
	w.Service = services.NewIdleService(w.starting, w.stopping)
	return w, nil
}

func (w *Writer) starting(ctx context.Context) error {
	opts := influxdb2.DefaultOptions()
	if secs := uint(w.cfg.WriteTimeout.Seconds()); secs > 0 {
		opts = opts.SetHTTPRequestTimeout(secs)
	}
	w.client = influxdb2.NewClientWithOptions(w.cfg.URL, w.cfg.Token.String(), opts)
	w.write = w.client.WriteAPIBlocking(w.cfg.Org, w.cfg.Bucket)

	if ok, err := w.client.Ping(ctx); err != nil || !ok {
		level.Warn(w.logger).Log("msg", "timeseries endpoint did not answer ping, writes will keep retrying per cycle", "url", w.cfg.URL, "err", err)
	}
	return nil
}

func (w *Writer) stopping(_ error) error {
	if w.client != nil {
		w.client.Close()
	}
	return nil
}

// Write sends one sample. It honors the completion gate and swallows
// write errors after logging them.
func (w *Writer) Write(ctx context.Context, s Sample) {
	if w.cfg.WriteOnCompletion && !s.Completed {
		return
	}
	if w.write == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
	defer cancel()

	if err := w.write.WritePoint(ctx, w.point(s)); err != nil {
		w.metrics.failures.Inc()
		level.Warn(w.logger).Log("msg", "timeseries write failed", "machine_id", s.MachineID, "order_number", s.OrderNumber, "err", err)
		return
	}
	w.metrics.points.Inc()
}

func (w *Writer) point(s Sample) *write.Point {
	tags := map[string]string{}
	for k, v := range map[string]string{
		"plant":               s.Plant,
		"area":                s.Area,
		"machineId":           s.MachineID,
		"orderNumber":         s.OrderNumber,
		"materialNumber":      s.MaterialNumber,
		"materialDescription": s.MaterialDescription,
	} {
		// The line protocol encoder rejects empty tag values.
		if v != "" {
			tags[k] = v
		}
	}

	fields := map[string]interface{}{
		"oee":                      s.OEE,
		"availability":             s.Availability,
		"performance":              s.Performance,
		"quality":                  s.Quality,
		"plannedQuantity":          s.PlannedQuantity,
		"plannedDowntimeMinutes":   s.PlannedDowntimeMinutes,
		"unplannedDowntimeMinutes": s.UnplannedDowntimeMinutes,
		"microstopMinutes":         s.MicrostopMinutes,
	}

	return write.NewPoint(measurement, tags, fields, s.Time)
}
