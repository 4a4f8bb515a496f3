// Package factory holds the reference-data model shared by the ingest
// pipeline: machines, process orders, shift models and downtime records.
// All instants are UTC; times of day are materialized against a UTC
// calendar day.
package factory

import (
	"fmt"
	"time"
)

// Machine is one production line. Machines are immutable within a run
// and reloaded on demand through the refdata store.
type Machine struct {
	ID         string `json:"id"`
	LineCode   string `json:"lineCode"`
	Plant      string `json:"plant"`
	Area       string `json:"area"`
	OEEEnabled bool   `json:"oeeEnabled"`
}

// OrderStatus is the lifecycle state of a process order.
type OrderStatus string

const (
	OrderPlanned   OrderStatus = "planned"
	OrderReleased  OrderStatus = "released"
	OrderCompleted OrderStatus = "completed"
)

func (s *OrderStatus) UnmarshalJSON(b []byte) error {
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("order status must be a string, got %s", string(b))
	}
	switch v := OrderStatus(b[1 : len(b)-1]); v {
	case OrderPlanned, OrderReleased, OrderCompleted:
		*s = v
		return nil
	default:
		return fmt.Errorf("unknown order status %q", string(v))
	}
}

// ProcessOrder is a unit of production work with planned and actual
// intervals, duration components and quantity targets. The produced and
// yield counters move while the order runs.
type ProcessOrder struct {
	ID                  string      `json:"id"`
	OrderNumber         string      `json:"orderNumber"`
	MachineID           string      `json:"machineId"`
	Status              OrderStatus `json:"status"`
	Start               Timestamp   `json:"start"`
	End                 Timestamp   `json:"end"`
	ActualStart         *Timestamp  `json:"actualStart,omitempty"`
	ActualEnd           *Timestamp  `json:"actualEnd,omitempty"`
	SetupMinutes        float64     `json:"setupMinutes"`
	ProcessingMinutes   float64     `json:"processingMinutes"`
	TeardownMinutes     float64     `json:"teardownMinutes"`
	PlannedQuantity     float64     `json:"plannedQuantity"`
	TargetPerformance   float64     `json:"targetPerformance"`
	ProducedQuantity    float64     `json:"producedQuantity"`
	YieldQuantity       float64     `json:"yieldQuantity"`
	MaterialNumber      string      `json:"materialNumber"`
	MaterialDescription string      `json:"materialDescription"`
}

// RuntimeMinutes is the planned machine occupancy of the order.
func (o *ProcessOrder) RuntimeMinutes() float64 {
	return o.SetupMinutes + o.ProcessingMinutes + o.TeardownMinutes
}

// PlannedMinutes is the length of the planned interval.
func (o *ProcessOrder) PlannedMinutes() float64 {
	return o.End.Sub(o.Start.Time).Minutes()
}

// WindowStart is the instant hourly slicing starts from: the actual
// start when the order has begun, the planned start otherwise.
func (o *ProcessOrder) WindowStart() time.Time {
	if o.ActualStart != nil {
		return o.ActualStart.Time
	}
	return o.Start.Time
}

// Validate checks interval ordering. Quantity ordering is deliberately
// not checked here: counters are validated at calculation time so a
// transiently inconsistent snapshot surfaces as a calculation failure
// instead of poisoning the cache.
func (o *ProcessOrder) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("order has no id")
	}
	if o.MachineID == "" {
		return fmt.Errorf("order %s has no machine id", o.ID)
	}
	if o.End.Before(o.Start.Time) {
		return fmt.Errorf("order %s ends %s before it starts %s", o.ID, o.End.Format(time.RFC3339), o.Start.Format(time.RFC3339))
	}
	if o.ActualStart != nil && o.ActualEnd != nil && o.ActualEnd.Before(o.ActualStart.Time) {
		return fmt.Errorf("order %s actual end %s precedes actual start %s", o.ID, o.ActualEnd.Format(time.RFC3339), o.ActualStart.Format(time.RFC3339))
	}
	return nil
}

// Shift is one entry of a machine's work-time calendar: a working
// window and a break window, both as times of day in UTC.
type Shift struct {
	ID         string    `json:"id"`
	MachineID  string    `json:"machineId"`
	ShiftStart ClockTime `json:"shiftStart"`
	ShiftEnd   ClockTime `json:"shiftEnd"`
	BreakStart ClockTime `json:"breakStart"`
	BreakEnd   ClockTime `json:"breakEnd"`
}

// BreakWindow materializes the break on the given day's UTC calendar
// date. An end before the start means the break crosses midnight and
// the end rolls forward one day.
func (s *Shift) BreakWindow(day time.Time) (start, end time.Time) {
	start = s.BreakStart.At(day)
	end = s.BreakEnd.At(day)
	if end.Before(start) {
		end = end.AddDate(0, 0, 1)
	}
	return start, end
}

// DowntimeRecord is one stoppage interval. The same shape serves
// planned downtime, unplanned downtime and micro-stops; unplanned
// records are the only ones the pipeline itself produces.
type DowntimeRecord struct {
	ID              string    `json:"id"`
	MachineID       string    `json:"machineId"`
	OrderID         string    `json:"orderId,omitempty"`
	OrderNumber     string    `json:"orderNumber,omitempty"`
	Start           Timestamp `json:"start"`
	End             Timestamp `json:"end"`
	Reason          string    `json:"reason"`
	DurationSeconds int       `json:"durationSeconds"`
}

func (r *DowntimeRecord) Duration() time.Duration {
	return r.End.Sub(r.Start.Time)
}
