package oee

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopfloorlabs/pulse/pkg/factory"
)

// ErrNotComputed is returned when metrics are queried before the first
// successful computation for a machine.
var ErrNotComputed = errors.New("oee metrics not computed yet")

// ValidationError marks OEE inputs that violate the quantity or
// duration invariants. A failed validation leaves the previously
// computed metrics in place.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid oee inputs: " + e.Reason
}

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Classification buckets a fractional OEE score.
type Classification string

const (
	WorldClass   Classification = "World-Class"
	Excellent    Classification = "Excellent"
	Good         Classification = "Good"
	Average      Classification = "Average"
	BelowAverage Classification = "Below Average"
)

// Classify maps a fractional OEE score onto its classification band.
func Classify(oee float64) Classification {
	switch {
	case oee >= 0.85:
		return WorldClass
	case oee >= 0.70:
		return Excellent
	case oee >= 0.60:
		return Good
	case oee >= 0.40:
		return Average
	default:
		return BelowAverage
	}
}

// Inputs are the aggregates one computation consumes. Minutes come
// from the window engine, quantities from the live metric buffer.
type Inputs struct {
	UnplannedMinutes int
	PlannedMinutes   int
	BreakMinutes     int
	MicrostopMinutes int
	Produced         float64
	Yield            float64
}

// NonProductiveMinutes is downtime that does not count against
// availability: planned stops, shift breaks and micro-stops.
func (in Inputs) NonProductiveMinutes() int {
	return in.PlannedMinutes + in.BreakMinutes + in.MicrostopMinutes
}

// Metrics is one computed OEE result. The four ratios are fractions in
// [0,1]; percent scaling happens at the sink boundary.
type Metrics struct {
	Availability   float64        `json:"availability"`
	Performance    float64        `json:"performance"`
	Quality        float64        `json:"quality"`
	OEE            float64        `json:"oee"`
	Classification Classification `json:"classification"`
	Scrap          float64        `json:"scrap"`
	ComputedAt     time.Time      `json:"computedAt"`
}

// InPercent rescales the four ratios to [0,100]. Scrap is a quantity
// and stays as is.
func (m Metrics) InPercent() Metrics {
	m.Availability *= 100
	m.Performance *= 100
	m.Quality *= 100
	m.OEE *= 100
	return m
}

// State is the per-machine calculator state derived from the active
// process order. It survives across computations; counters and window
// aggregates are passed per call.
type State struct {
	OrderID             string
	OrderNumber         string
	MachineID           string
	MaterialNumber      string
	MaterialDescription string

	PlannedStart time.Time
	PlannedEnd   time.Time
	ActualStart  *time.Time
	ActualEnd    *time.Time

	RuntimeMinutes    float64
	PlannedQuantity   float64
	TargetPerformance float64

	PlannedTakt float64
	ActualTakt  float64
	ExpectedEnd time.Time

	last *Metrics
}

// NewState initialises calculator state from the active order. Takt is
// time per unit. The actual takt falls back to the planned takt until
// the order has finished once; a finished order projects its expected
// end from the remaining quantity at the actual pace.
func NewState(order *factory.ProcessOrder) *State {
	s := &State{
		OrderID:             order.ID,
		OrderNumber:         order.OrderNumber,
		MachineID:           order.MachineID,
		MaterialNumber:      order.MaterialNumber,
		MaterialDescription: order.MaterialDescription,
		PlannedStart:        order.Start.Time,
		PlannedEnd:          order.End.Time,
		RuntimeMinutes:      order.RuntimeMinutes(),
		PlannedQuantity:     order.PlannedQuantity,
		TargetPerformance:   order.TargetPerformance,
		ExpectedEnd:         order.End.Time,
	}
	if order.ActualStart != nil {
		t := order.ActualStart.Time
		s.ActualStart = &t
	}
	if order.ActualEnd != nil {
		t := order.ActualEnd.Time
		s.ActualEnd = &t
	}

	if order.PlannedQuantity > 0 {
		s.PlannedTakt = order.PlannedMinutes() / order.PlannedQuantity
	}
	s.ActualTakt = s.PlannedTakt

	if s.ActualStart != nil && s.ActualEnd != nil && order.PlannedQuantity > 0 {
		actualMinutes := s.ActualEnd.Sub(*s.ActualStart).Minutes()
		s.ActualTakt = actualMinutes / order.PlannedQuantity
		remaining := (order.PlannedQuantity - order.ProducedQuantity) * s.ActualTakt
		s.ExpectedEnd = s.ActualEnd.Add(time.Duration(remaining * float64(time.Minute)))
	}

	return s
}

// Compute validates the inputs and produces a classified metric set.
// On validation failure the previous metrics remain current.
func (s *State) Compute(in Inputs, now time.Time) (Metrics, error) {
	if err := s.validate(in); err != nil {
		return Metrics{}, err
	}

	availability := clamp01((s.RuntimeMinutes - float64(in.UnplannedMinutes)) / s.RuntimeMinutes)

	performance := 0.0
	if s.ActualTakt > 0 {
		performance = clamp01(s.PlannedTakt / s.ActualTakt)
	}

	quality := 0.0
	if in.Produced > 0 {
		quality = clamp01(in.Yield / in.Produced)
	}

	oee := clamp01(availability * performance * quality)

	m := Metrics{
		Availability:   availability,
		Performance:    performance,
		Quality:        quality,
		OEE:            oee,
		Classification: Classify(oee),
		Scrap:          in.Produced - in.Yield,
		ComputedAt:     now.UTC(),
	}
	s.last = &m
	return m, nil
}

// Metrics returns the last computed result.
func (s *State) Metrics() (Metrics, error) {
	if s.last == nil {
		return Metrics{}, ErrNotComputed
	}
	return *s.last, nil
}

func (s *State) validate(in Inputs) error {
	switch {
	case s.RuntimeMinutes <= 0:
		return validationErrorf("order %s has runtime %v, expected > 0", s.OrderNumber, s.RuntimeMinutes)
	case s.PlannedQuantity <= 0:
		return validationErrorf("order %s has planned quantity %v, expected > 0", s.OrderNumber, s.PlannedQuantity)
	case in.Produced < 0:
		return validationErrorf("produced quantity %v is negative", in.Produced)
	case in.Yield < 0:
		return validationErrorf("yield quantity %v is negative", in.Yield)
	case in.Yield > in.Produced:
		return validationErrorf("yield %v exceeds produced %v", in.Yield, in.Produced)
	case in.Produced > s.TargetPerformance:
		return validationErrorf("produced %v exceeds target performance %v", in.Produced, s.TargetPerformance)
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
