// Package hedgedmetrics surfaces the extra roundtrips a hedged HTTP
// transport performs as a prometheus counter.
package hedgedmetrics

import (
	"github.com/cristalhq/hedgedhttp"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// Source yields cumulative transport statistics. *hedgedhttp.Stats
// satisfies it.
type Source interface {
	Snapshot() hedgedhttp.StatsSnapshot
}

// Publisher moves a counter forward by the number of hedged roundtrips
// observed since the previous publish. Snapshot totals only ever grow,
// so each call adds the diff against the last published value instead
// of the running total.
type Publisher struct {
	source  Source
	counter prometheus.Counter
	last    atomic.Int64
}

func New(source Source, counter prometheus.Counter) *Publisher {
	return &Publisher{source: source, counter: counter}
}

// Publish folds hedged roundtrips into the counter. The nil receiver
// is a no-op so callers with hedging disabled can publish blindly.
// Safe for concurrent use.
func (p *Publisher) Publish() {
	if p == nil {
		return
	}
	snap := p.source.Snapshot()
	hedged := int64(snap.ActualRoundTrips) - int64(snap.RequestedRoundTrips)
	if hedged < 0 {
		hedged = 0
	}
	if delta := hedged - p.last.Swap(hedged); delta > 0 {
		p.counter.Add(float64(delta))
	}
}
