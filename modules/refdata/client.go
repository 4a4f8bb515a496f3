// Package refdata reads machines, process orders, shift models and
// downtime records from the external reference data provider and
// serves them through a process-wide read-through cache.
package refdata

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/cristalhq/hedgedhttp"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/shopfloorlabs/pulse/pkg/factory"
	"github.com/shopfloorlabs/pulse/pkg/hedgedmetrics"
)

var (
	// ErrSourceUnavailable marks provider endpoints that could not be
	// reached or answered with a failure status.
	ErrSourceUnavailable = errors.New("reference data source unavailable")
	// ErrDecode marks provider responses that were not valid JSON of
	// the expected shape.
	ErrDecode = errors.New("reference data decode failed")
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Name:      "refdata_requests_total",
		Help:      "Requests issued against the reference data provider.",
	}, []string{"endpoint"})
	metricRequestFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Name:      "refdata_request_failures_total",
		Help:      "Reference data requests that failed or decoded badly.",
	}, []string{"endpoint"})
	metricHedgedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pulse",
		Name:      "refdata_hedged_requests_total",
		Help:      "Hedged reference data requests.",
	})
)

// Client is the raw provider accessor. Production code reaches it
// through the Store so every read is cached.
type Client interface {
	Machines(ctx context.Context) ([]factory.Machine, error)
	ActiveOrder(ctx context.Context, machineID string) (*factory.ProcessOrder, error)
	ShiftModels(ctx context.Context, machineID string) ([]factory.Shift, error)
	PlannedDowntimes(ctx context.Context) ([]factory.DowntimeRecord, error)
	UnplannedDowntimes(ctx context.Context) ([]factory.DowntimeRecord, error)
	Microstops(ctx context.Context) ([]factory.DowntimeRecord, error)
	AppendUnplannedDowntime(ctx context.Context, rec factory.DowntimeRecord) error
}

type httpClient struct {
	cfg    *Config
	client *http.Client

	// hedge stays nil when hedging is disabled, Publish tolerates that.
	hedge *hedgedmetrics.Publisher
}

var _ Client = (*httpClient)(nil)

func NewClient(cfg *Config) (Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	c := &httpClient{cfg: cfg}

	var rt http.RoundTripper = transport
	if cfg.HedgeRequestsAt != 0 {
		var stats *hedgedhttp.Stats
		var err error
		rt, stats, err = hedgedhttp.NewRoundTripperAndStats(cfg.HedgeRequestsAt, cfg.HedgeRequestsUpTo, rt)
		if err != nil {
			return nil, fmt.Errorf("creating hedged transport: %w", err)
		}
		c.hedge = hedgedmetrics.New(stats, metricHedgedRequests)
	}

	c.client = &http.Client{
		Transport: rt,
		Timeout:   cfg.Timeout,
	}
	return c, nil
}

func (c *httpClient) Machines(ctx context.Context) ([]factory.Machine, error) {
	var machines []factory.Machine
	err := c.getJSON(ctx, "machines", c.cfg.BaseURL+"/machines", &machines)
	return machines, err
}

// ActiveOrder returns the released order currently marked active for
// the machine, or nil when the machine has none.
func (c *httpClient) ActiveOrder(ctx context.Context, machineID string) (*factory.ProcessOrder, error) {
	u := fmt.Sprintf("%s/processorders/rel?machineId=%s&mark=true", c.cfg.BaseURL, url.QueryEscape(machineID))

	var orders []factory.ProcessOrder
	if err := c.getJSON(ctx, "active_order", u, &orders); err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, nil
	}
	order := orders[0]
	if err := order.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDecode, err)
	}
	return &order, nil
}

func (c *httpClient) ShiftModels(ctx context.Context, machineID string) ([]factory.Shift, error) {
	u := c.cfg.BaseURL + "/shiftmodels/machine/" + url.PathEscape(machineID)

	var shifts []factory.Shift
	err := c.getJSON(ctx, "shift_models", u, &shifts)
	return shifts, err
}

// PlannedDowntimes honors the configured override source when set.
func (c *httpClient) PlannedDowntimes(ctx context.Context) ([]factory.DowntimeRecord, error) {
	u := c.cfg.BaseURL + "/planneddowntime"
	if c.cfg.PlannedDowntimeURL != "" {
		u = c.cfg.PlannedDowntimeURL
	}

	var records []factory.DowntimeRecord
	err := c.getJSON(ctx, "planned_downtime", u, &records)
	return records, err
}

func (c *httpClient) UnplannedDowntimes(ctx context.Context) ([]factory.DowntimeRecord, error) {
	var records []factory.DowntimeRecord
	err := c.getJSON(ctx, "unplanned_downtime", c.cfg.BaseURL+"/unplanneddowntime", &records)
	return records, err
}

func (c *httpClient) Microstops(ctx context.Context) ([]factory.DowntimeRecord, error) {
	var records []factory.DowntimeRecord
	err := c.getJSON(ctx, "microstops", c.cfg.BaseURL+"/microstops", &records)
	return records, err
}

// AppendUnplannedDowntime is the single write the pipeline performs
// against the provider.
func (c *httpClient) AppendUnplannedDowntime(ctx context.Context, rec factory.DowntimeRecord) (err error) {
	const endpoint = "append_unplanned"
	metricRequests.WithLabelValues(endpoint).Inc()
	defer func() {
		if err != nil {
			metricRequestFailures.WithLabelValues(endpoint).Inc()
		}
	}()

	body, err := jsoniter.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrDecode, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/unplanneddowntime", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSourceUnavailable, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	c.hedge.Publish()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: POST /unplanneddowntime returned %s", ErrSourceUnavailable, resp.Status)
	}
	return nil
}

func (c *httpClient) getJSON(ctx context.Context, endpoint, u string, out interface{}) (err error) {
	metricRequests.WithLabelValues(endpoint).Inc()
	defer func() {
		if err != nil {
			metricRequestFailures.WithLabelValues(endpoint).Inc()
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSourceUnavailable, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	c.hedge.Publish()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: GET %s returned %s", ErrSourceUnavailable, endpoint, resp.Status)
	}

	if err := jsoniter.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrDecode, endpoint, err)
	}
	return nil
}
