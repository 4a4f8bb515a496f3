// Package oee implements the hourly window engine and the OEE
// calculator. Both are pure functions over passed-in state. All time
// arithmetic is on UTC instants and durations are integer minutes.
package oee

import (
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/shopfloorlabs/pulse/pkg/factory"
)

// Timeline is the hourly breakdown of an order window: one label per
// hour bucket plus five parallel series of minutes.
type Timeline struct {
	Labels     []string `json:"labels"`
	Production []int    `json:"production"`
	Breaks     []int    `json:"breaks"`
	Planned    []int    `json:"plannedDowntime"`
	Unplanned  []int    `json:"unplannedDowntime"`
	Microstops []int    `json:"microstops"`
}

func sum(vs []int) int {
	total := 0
	for _, v := range vs {
		total += v
	}
	return total
}

func (t *Timeline) TotalProduction() int { return sum(t.Production) }
func (t *Timeline) TotalBreaks() int     { return sum(t.Breaks) }
func (t *Timeline) TotalPlanned() int    { return sum(t.Planned) }
func (t *Timeline) TotalUnplanned() int  { return sum(t.Unplanned) }
func (t *Timeline) TotalMicrostops() int { return sum(t.Microstops) }

// SliceOrderWindow splits the order interval into one-hour buckets and
// computes per-bucket overlap minutes against planned downtime,
// unplanned downtime, micro-stops and shift breaks. The window opens
// at the actual start when the order has begun, floored to the hour,
// and closes at the planned end, ceilinged to the hour.
//
// Downtime records contribute only their overlap with the order
// window; records and shifts of other machines are ignored. Breaks are
// materialized on each bucket's own UTC calendar day.
func SliceOrderWindow(logger log.Logger, order *factory.ProcessOrder, planned, unplanned, micro []factory.DowntimeRecord, shifts []factory.Shift) Timeline {
	var tl Timeline

	orderStart := order.WindowStart().UTC()
	orderEnd := order.End.Time
	if !orderEnd.After(orderStart) {
		return tl
	}

	windowStart := orderStart.Truncate(time.Hour)
	windowEnd := ceilHour(orderEnd)

	seen := make(map[string]struct{})
	for t := windowStart; t.Before(windowEnd); t = t.Add(time.Hour) {
		label := t.Format(time.RFC3339)
		if _, ok := seen[label]; ok {
			level.Warn(logger).Log("msg", "duplicate hour bucket skipped", "label", label, "order", order.OrderNumber)
			continue
		}
		seen[label] = struct{}{}

		bucketEnd := t.Add(time.Hour)

		breaks := 0
		for i := range shifts {
			if shifts[i].MachineID != order.MachineID {
				continue
			}
			bs, be := shifts[i].BreakWindow(t)
			breaks += overlapMinutes(t, bucketEnd, bs, be)
		}

		plannedMin := clippedOverlap(t, bucketEnd, orderStart, orderEnd, order.MachineID, planned)
		unplannedMin := clippedOverlap(t, bucketEnd, orderStart, orderEnd, order.MachineID, unplanned)
		microMin := clippedOverlap(t, bucketEnd, orderStart, orderEnd, order.MachineID, micro)

		production := 60 - breaks - plannedMin - unplannedMin - microMin
		if production < 0 {
			production = 0
		}

		tl.Labels = append(tl.Labels, label)
		tl.Production = append(tl.Production, production)
		tl.Breaks = append(tl.Breaks, breaks)
		tl.Planned = append(tl.Planned, plannedMin)
		tl.Unplanned = append(tl.Unplanned, unplannedMin)
		tl.Microstops = append(tl.Microstops, microMin)
	}

	return tl
}

// clippedOverlap sums the overlap of each record with the bucket,
// after clipping the record to the order window.
func clippedOverlap(bucketStart, bucketEnd, orderStart, orderEnd time.Time, machineID string, records []factory.DowntimeRecord) int {
	total := 0
	for i := range records {
		if records[i].MachineID != machineID {
			continue
		}
		start := records[i].Start.Time
		end := records[i].End.Time
		if start.Before(orderStart) {
			start = orderStart
		}
		if end.After(orderEnd) {
			end = orderEnd
		}
		total += overlapMinutes(bucketStart, bucketEnd, start, end)
	}
	return total
}

// overlapMinutes returns the length of [a,b) ∩ [c,d) in whole minutes.
func overlapMinutes(a, b, c, d time.Time) int {
	lo := a
	if c.After(lo) {
		lo = c
	}
	hi := b
	if d.Before(hi) {
		hi = d
	}
	if !hi.After(lo) {
		return 0
	}
	return int(hi.Sub(lo) / time.Minute)
}

func ceilHour(t time.Time) time.Time {
	floored := t.Truncate(time.Hour)
	if floored.Equal(t) {
		return t
	}
	return floored.Add(time.Hour)
}
