package oee

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopfloorlabs/pulse/pkg/factory"
)

func calcOrder() *factory.ProcessOrder {
	return &factory.ProcessOrder{
		ID:                "order-1",
		OrderNumber:       "1000123",
		MachineID:         testMachine,
		Status:            factory.OrderReleased,
		Start:             factory.NewTimestamp(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)),
		End:               factory.NewTimestamp(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)),
		ProcessingMinutes: 60,
		PlannedQuantity:   60,
		TargetPerformance: 60,
	}
}

func TestComputePerfectHour(t *testing.T) {
	s := NewState(calcOrder())
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	m, err := s.Compute(Inputs{Produced: 60, Yield: 60}, now)
	require.NoError(t, err)

	assert.Equal(t, 1.0, m.Availability)
	assert.Equal(t, 1.0, m.Performance)
	assert.Equal(t, 1.0, m.Quality)
	assert.Equal(t, 1.0, m.OEE)
	assert.Equal(t, WorldClass, m.Classification)
	assert.Equal(t, 0.0, m.Scrap)
	assert.Equal(t, now, m.ComputedAt)
}

func TestComputeDegraded(t *testing.T) {
	s := NewState(calcOrder())

	m, err := s.Compute(Inputs{UnplannedMinutes: 15, Produced: 50, Yield: 40}, time.Now())
	require.NoError(t, err)

	assert.InDelta(t, 0.75, m.Availability, 1e-9)
	assert.Equal(t, 1.0, m.Performance)
	assert.InDelta(t, 0.8, m.Quality, 1e-9)
	assert.InDelta(t, m.Availability*m.Performance*m.Quality, m.OEE, 1e-9)
	assert.Equal(t, Good, m.Classification)
	assert.Equal(t, 10.0, m.Scrap)
}

func TestComputeRatiosStayInUnitRange(t *testing.T) {
	s := NewState(calcOrder())

	// more unplanned downtime than runtime
	m, err := s.Compute(Inputs{UnplannedMinutes: 90, Produced: 10, Yield: 10}, time.Now())
	require.NoError(t, err)

	assert.Equal(t, 0.0, m.Availability)
	assert.Equal(t, 0.0, m.OEE)
	for _, v := range []float64{m.Availability, m.Performance, m.Quality, m.OEE} {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}

func TestComputeZeroProduced(t *testing.T) {
	s := NewState(calcOrder())

	m, err := s.Compute(Inputs{}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.Quality)
	assert.Equal(t, 0.0, m.OEE)
	assert.Equal(t, BelowAverage, m.Classification)
}

func TestComputeValidation(t *testing.T) {
	tests := []struct {
		name  string
		order func(*factory.ProcessOrder)
		in    Inputs
	}{
		{
			name:  "zero runtime",
			order: func(o *factory.ProcessOrder) { o.ProcessingMinutes = 0 },
			in:    Inputs{Produced: 10, Yield: 10},
		},
		{
			name:  "zero planned quantity",
			order: func(o *factory.ProcessOrder) { o.PlannedQuantity = 0 },
			in:    Inputs{Produced: 10, Yield: 10},
		},
		{
			name: "negative produced",
			in:   Inputs{Produced: -1},
		},
		{
			name: "negative yield",
			in:   Inputs{Produced: 10, Yield: -1},
		},
		{
			name: "yield above produced",
			in:   Inputs{Produced: 10, Yield: 11},
		},
		{
			name: "produced above target",
			in:   Inputs{Produced: 61, Yield: 10},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			order := calcOrder()
			if tc.order != nil {
				tc.order(order)
			}
			s := NewState(order)

			_, err := s.Compute(tc.in, time.Now())
			require.Error(t, err)

			var verr *ValidationError
			assert.True(t, errors.As(err, &verr), "expected validation error, got %v", err)

			_, err = s.Metrics()
			assert.ErrorIs(t, err, ErrNotComputed)
		})
	}
}

func TestFailedComputeKeepsLastMetrics(t *testing.T) {
	s := NewState(calcOrder())

	good, err := s.Compute(Inputs{Produced: 30, Yield: 30}, time.Now())
	require.NoError(t, err)

	_, err = s.Compute(Inputs{Produced: 10, Yield: 20}, time.Now())
	require.Error(t, err)

	last, err := s.Metrics()
	require.NoError(t, err)
	assert.Equal(t, good, last)
}

func TestMetricsBeforeCompute(t *testing.T) {
	s := NewState(calcOrder())
	_, err := s.Metrics()
	require.ErrorIs(t, err, ErrNotComputed)
}

func TestTakt(t *testing.T) {
	t.Run("planned only", func(t *testing.T) {
		order := calcOrder()
		order.End = factory.NewTimestamp(order.Start.Add(2 * time.Hour))
		order.PlannedQuantity = 100

		s := NewState(order)
		assert.InDelta(t, 1.2, s.PlannedTakt, 1e-9)
		assert.Equal(t, s.PlannedTakt, s.ActualTakt)
		assert.Equal(t, order.End.Time, s.ExpectedEnd)
	})

	t.Run("actual start only", func(t *testing.T) {
		order := calcOrder()
		start := factory.NewTimestamp(order.Start.Add(10 * time.Minute))
		order.ActualStart = &start

		s := NewState(order)
		assert.Equal(t, s.PlannedTakt, s.ActualTakt)
		assert.Equal(t, order.End.Time, s.ExpectedEnd)
	})

	t.Run("both actuals project expected end", func(t *testing.T) {
		order := calcOrder()
		order.End = factory.NewTimestamp(order.Start.Add(2 * time.Hour))
		order.PlannedQuantity = 100
		order.ProducedQuantity = 40

		start := factory.NewTimestamp(order.Start.Time)
		end := factory.NewTimestamp(order.Start.Add(time.Hour))
		order.ActualStart, order.ActualEnd = &start, &end

		s := NewState(order)
		assert.InDelta(t, 0.6, s.ActualTakt, 1e-9)
		// 60 units remaining at 0.6 min each
		assert.Equal(t, end.Add(36*time.Minute), s.ExpectedEnd)
	})

	t.Run("faster than planned clamps performance", func(t *testing.T) {
		order := calcOrder()
		order.End = factory.NewTimestamp(order.Start.Add(2 * time.Hour))
		order.PlannedQuantity = 100
		start := factory.NewTimestamp(order.Start.Time)
		end := factory.NewTimestamp(order.Start.Add(time.Hour))
		order.ActualStart, order.ActualEnd = &start, &end
		order.TargetPerformance = 100

		s := NewState(order)
		m, err := s.Compute(Inputs{Produced: 100, Yield: 100}, time.Now())
		require.NoError(t, err)
		assert.Equal(t, 1.0, m.Performance)
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		oee  float64
		want Classification
	}{
		{1.0, WorldClass},
		{0.85, WorldClass},
		{0.8499, Excellent},
		{0.70, Excellent},
		{0.6999, Good},
		{0.60, Good},
		{0.5999, Average},
		{0.40, Average},
		{0.3999, BelowAverage},
		{0, BelowAverage},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Classify(tc.oee), "oee=%v", tc.oee)
	}
}

func TestInPercent(t *testing.T) {
	m := Metrics{Availability: 0.5, Performance: 0.25, Quality: 1, OEE: 0.125, Scrap: 3}
	p := m.InPercent()

	assert.Equal(t, 50.0, p.Availability)
	assert.Equal(t, 25.0, p.Performance)
	assert.Equal(t, 100.0, p.Quality)
	assert.Equal(t, 12.5, p.OEE)
	assert.Equal(t, 3.0, p.Scrap)
}

func TestInputsNonProductive(t *testing.T) {
	in := Inputs{PlannedMinutes: 10, BreakMinutes: 15, MicrostopMinutes: 5, UnplannedMinutes: 99}
	assert.Equal(t, 30, in.NonProductiveMinutes())
}

func TestComputeIdempotent(t *testing.T) {
	s := NewState(calcOrder())
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	first, err := s.Compute(Inputs{Produced: 42, Yield: 40}, now)
	require.NoError(t, err)
	second, err := s.Compute(Inputs{Produced: 42, Yield: 40}, now)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
