package command

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopfloorlabs/pulse/pkg/factory"
)

type fakeAppender struct {
	mtx     sync.Mutex
	records []factory.DowntimeRecord
	err     error
}

func (f *fakeAppender) AppendUnplannedDowntime(_ context.Context, rec factory.DowntimeRecord) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeAppender) appended() []factory.DowntimeRecord {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return append([]factory.DowntimeRecord(nil), f.records...)
}

type fakeNotifier struct {
	mtx      sync.Mutex
	count    int
	machines []string
}

func (f *fakeNotifier) StoppagesChanged(_ context.Context, machineID string) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.count++
	f.machines = append(f.machines, machineID)
}

func (f *fakeNotifier) notified() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return f.count
}

func testHandler(threshold time.Duration) (*Handler, *fakeAppender, *fakeNotifier, *clockwork.FakeClock) {
	appender := &fakeAppender{}
	notifier := &fakeNotifier{}
	clock := clockwork.NewFakeClock()
	h := NewHandler(&Config{Threshold: threshold}, appender, notifier, clock, log.NewNopLogger())
	return h, appender, notifier, clock
}

func releasedOrder() *factory.ProcessOrder {
	return &factory.ProcessOrder{
		ID:          "order-1",
		OrderNumber: "1000123",
		MachineID:   "m1",
		Status:      factory.OrderReleased,
	}
}

func TestHoldBelowThreshold(t *testing.T) {
	h, appender, notifier, clock := testHandler(300 * time.Second)
	ctx := context.Background()
	order := releasedOrder()

	h.Handle(ctx, "m1", order, SignalHold, 1)
	clock.Advance(200 * time.Second)
	h.Handle(ctx, "m1", order, SignalUnhold, 1)

	assert.Empty(t, appender.appended())
	assert.Equal(t, 0, notifier.notified())
	assert.Equal(t, 0, h.holdDepth(order.OrderNumber))
}

func TestHoldAboveThreshold(t *testing.T) {
	h, appender, notifier, clock := testHandler(300 * time.Second)
	ctx := context.Background()
	order := releasedOrder()

	held := clock.Now().UTC()
	h.Handle(ctx, "m1", order, SignalHold, 1)
	clock.Advance(600 * time.Second)
	h.Handle(ctx, "m1", order, SignalUnhold, 1)

	records := appender.appended()
	require.Len(t, records, 1)
	rec := records[0]
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "m1", rec.MachineID)
	assert.Equal(t, "order-1", rec.OrderID)
	assert.Equal(t, "1000123", rec.OrderNumber)
	assert.Equal(t, held, rec.Start.Time)
	assert.Equal(t, held.Add(600*time.Second), rec.End.Time)
	assert.Equal(t, "tbd", rec.Reason)
	assert.Equal(t, 600, rec.DurationSeconds)

	assert.Equal(t, 1, notifier.notified())
	assert.Equal(t, []string{"m1"}, notifier.machines)
	assert.Equal(t, 0, h.holdDepth(order.OrderNumber))
}

func TestHoldRequiresTriggerValue(t *testing.T) {
	h, appender, _, clock := testHandler(0)
	ctx := context.Background()
	order := releasedOrder()

	h.Handle(ctx, "m1", order, SignalHold, 0)
	h.Handle(ctx, "m1", order, SignalHold, 2)
	assert.Equal(t, 0, h.holdDepth(order.OrderNumber))

	clock.Advance(time.Second)
	h.Handle(ctx, "m1", order, SignalUnhold, 1)
	assert.Empty(t, appender.appended())
}

func TestHoldWithoutOrderIgnored(t *testing.T) {
	h, appender, _, _ := testHandler(0)
	ctx := context.Background()

	h.Handle(ctx, "m1", nil, SignalHold, 1)
	h.Handle(ctx, "m1", nil, SignalUnhold, 1)

	assert.Empty(t, appender.appended())
}

func TestUnholdWithoutHoldIgnored(t *testing.T) {
	h, appender, notifier, _ := testHandler(0)

	h.Handle(context.Background(), "m1", releasedOrder(), SignalUnhold, 1)

	assert.Empty(t, appender.appended())
	assert.Equal(t, 0, notifier.notified())
}

func TestNestedHoldsPopInOrder(t *testing.T) {
	h, appender, _, clock := testHandler(time.Second)
	ctx := context.Background()
	order := releasedOrder()

	first := clock.Now().UTC()
	h.Handle(ctx, "m1", order, SignalHold, 1)
	clock.Advance(10 * time.Second)
	second := clock.Now().UTC()
	h.Handle(ctx, "m1", order, SignalHold, 1)
	assert.Equal(t, 2, h.holdDepth(order.OrderNumber))

	clock.Advance(10 * time.Second)
	h.Handle(ctx, "m1", order, SignalUnhold, 1)
	assert.Equal(t, 1, h.holdDepth(order.OrderNumber))

	clock.Advance(10 * time.Second)
	h.Handle(ctx, "m1", order, SignalUnhold, 1)
	assert.Equal(t, 0, h.holdDepth(order.OrderNumber))

	records := appender.appended()
	require.Len(t, records, 2)
	// most recent hold pops first
	assert.Equal(t, second, records[0].Start.Time)
	assert.Equal(t, 10, records[0].DurationSeconds)
	assert.Equal(t, first, records[1].Start.Time)
	assert.Equal(t, 30, records[1].DurationSeconds)
}

func TestStartEndAreObservedOnly(t *testing.T) {
	h, appender, notifier, _ := testHandler(0)
	ctx := context.Background()
	order := releasedOrder()

	h.Handle(ctx, "m1", order, SignalStart, 1)
	h.Handle(ctx, "m1", order, SignalEnd, 1)

	assert.Equal(t, 0, h.holdDepth(order.OrderNumber))
	assert.Empty(t, appender.appended())
	assert.Equal(t, 0, notifier.notified())
}

func TestAppendFailureKeepsQuiet(t *testing.T) {
	h, appender, notifier, clock := testHandler(time.Second)
	appender.err = context.DeadlineExceeded
	ctx := context.Background()
	order := releasedOrder()

	h.Handle(ctx, "m1", order, SignalHold, 1)
	clock.Advance(time.Minute)
	h.Handle(ctx, "m1", order, SignalUnhold, 1)

	assert.Empty(t, appender.appended())
	assert.Equal(t, 0, notifier.notified())
}

func TestParseSignal(t *testing.T) {
	tests := map[string]Signal{
		"Hold":    SignalHold,
		"hold":    SignalHold,
		"HOLD":    SignalHold,
		"UnHold":  SignalUnhold,
		"unhold":  SignalUnhold,
		"Start":   SignalStart,
		"End":     SignalEnd,
		"Restart": SignalUnknown,
		"":        SignalUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseSignal(in), "segment %q", in)
	}
}
