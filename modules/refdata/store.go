package refdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/shopfloorlabs/pulse/pkg/factory"
)

// Kind names one cached collection for invalidation.
type Kind string

const (
	KindMachines          Kind = "machines"
	KindPlannedDowntime   Kind = "planned_downtime"
	KindUnplannedDowntime Kind = "unplanned_downtime"
	KindMicrostops        Kind = "microstops"
	KindShiftModels       Kind = "shift_models"
	KindActiveOrders      Kind = "active_orders"
)

// Kinds enumerates every cached collection.
var Kinds = []Kind{
	KindMachines,
	KindPlannedDowntime,
	KindUnplannedDowntime,
	KindMicrostops,
	KindShiftModels,
	KindActiveOrders,
}

const cleanupInterval = 10 * time.Minute

// Store is the read-through cache in front of the provider Client.
// Collections are fetched once and pinned until invalidated; only
// active orders expire on their own because their counters move while
// an order runs. The store is shared by all machine workers.
type Store struct {
	client Client
	cache  *gocache.Cache
	group  singleflight.Group
	logger log.Logger

	activeOrderTTL time.Duration
}

func NewStore(client Client, cfg *Config, logger log.Logger) *Store {
	return &Store{
		client:         client,
		cache:          gocache.New(gocache.NoExpiration, cleanupInterval),
		logger:         logger,
		activeOrderTTL: cfg.ActiveOrderTTL,
	}
}

// get serves key from the cache, fetching through the client on a
// miss. Concurrent misses for the same key share one upstream fetch.
func (s *Store) get(key string, ttl time.Duration, fetch func() (interface{}, error)) (interface{}, error) {
	if v, ok := s.cache.Get(key); ok {
		return v, nil
	}
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		if v, ok := s.cache.Get(key); ok {
			return v, nil
		}
		v, err := fetch()
		if err != nil {
			return nil, err
		}
		s.cache.Set(key, v, ttl)
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Store) Machines(ctx context.Context) ([]factory.Machine, error) {
	v, err := s.get(string(KindMachines), gocache.NoExpiration, func() (interface{}, error) {
		return s.client.Machines(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]factory.Machine), nil
}

// OEEMachines returns the machines the pipeline subscribes for.
func (s *Store) OEEMachines(ctx context.Context) ([]factory.Machine, error) {
	machines, err := s.Machines(ctx)
	if err != nil {
		return nil, err
	}
	enabled := make([]factory.Machine, 0, len(machines))
	for _, m := range machines {
		if m.OEEEnabled {
			enabled = append(enabled, m)
		}
	}
	return enabled, nil
}

// MachineByID resolves one machine from the cached fleet.
func (s *Store) MachineByID(ctx context.Context, machineID string) (factory.Machine, bool, error) {
	machines, err := s.Machines(ctx)
	if err != nil {
		return factory.Machine{}, false, err
	}
	for _, m := range machines {
		if m.ID == machineID {
			return m, true, nil
		}
	}
	return factory.Machine{}, false, nil
}

// ResolveMachineIDByLineCode maps a topic's lineCode segment onto a
// machine id.
func (s *Store) ResolveMachineIDByLineCode(ctx context.Context, lineCode string) (string, bool, error) {
	machines, err := s.Machines(ctx)
	if err != nil {
		return "", false, err
	}
	for _, m := range machines {
		if m.LineCode == lineCode {
			return m.ID, true, nil
		}
	}
	return "", false, nil
}

func (s *Store) ActiveOrder(ctx context.Context, machineID string) (*factory.ProcessOrder, error) {
	v, err := s.get(string(KindActiveOrders)+"/"+machineID, s.activeOrderTTL, func() (interface{}, error) {
		return s.client.ActiveOrder(ctx, machineID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*factory.ProcessOrder), nil
}

func (s *Store) ShiftModels(ctx context.Context, machineID string) ([]factory.Shift, error) {
	v, err := s.get(string(KindShiftModels)+"/"+machineID, gocache.NoExpiration, func() (interface{}, error) {
		return s.client.ShiftModels(ctx, machineID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]factory.Shift), nil
}

func (s *Store) PlannedDowntimes(ctx context.Context) ([]factory.DowntimeRecord, error) {
	v, err := s.get(string(KindPlannedDowntime), gocache.NoExpiration, func() (interface{}, error) {
		return s.client.PlannedDowntimes(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]factory.DowntimeRecord), nil
}

func (s *Store) UnplannedDowntimes(ctx context.Context) ([]factory.DowntimeRecord, error) {
	v, err := s.get(string(KindUnplannedDowntime), gocache.NoExpiration, func() (interface{}, error) {
		return s.client.UnplannedDowntimes(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]factory.DowntimeRecord), nil
}

func (s *Store) Microstops(ctx context.Context) ([]factory.DowntimeRecord, error) {
	v, err := s.get(string(KindMicrostops), gocache.NoExpiration, func() (interface{}, error) {
		return s.client.Microstops(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]factory.DowntimeRecord), nil
}

// StoppageSnapshot merges unplanned downtime and micro-stop records
// into the dataset the dashboard shows as machine stoppages.
func (s *Store) StoppageSnapshot(ctx context.Context) ([]factory.DowntimeRecord, error) {
	unplanned, err := s.UnplannedDowntimes(ctx)
	if err != nil {
		return nil, err
	}
	micro, err := s.Microstops(ctx)
	if err != nil {
		return nil, err
	}
	merged := make([]factory.DowntimeRecord, 0, len(unplanned)+len(micro))
	merged = append(merged, unplanned...)
	merged = append(merged, micro...)
	return merged, nil
}

// AppendUnplannedDowntime writes through to the provider and drops the
// cached unplanned downtime collection so the next read includes the
// new record.
func (s *Store) AppendUnplannedDowntime(ctx context.Context, rec factory.DowntimeRecord) error {
	if err := s.client.AppendUnplannedDowntime(ctx, rec); err != nil {
		return err
	}
	s.Invalidate(KindUnplannedDowntime)
	return nil
}

// Invalidate drops one cached collection.
func (s *Store) Invalidate(kind Kind) {
	switch kind {
	case KindShiftModels, KindActiveOrders:
		prefix := string(kind) + "/"
		for key := range s.cache.Items() {
			if strings.HasPrefix(key, prefix) {
				s.cache.Delete(key)
			}
		}
	default:
		s.cache.Delete(string(kind))
	}
	level.Debug(s.logger).Log("msg", "reference data invalidated", "kind", kind)
}

// InvalidateAll drops every cached collection.
func (s *Store) InvalidateAll() {
	s.cache.Flush()
	level.Debug(s.logger).Log("msg", "reference data invalidated", "kind", "all")
}

// CheckConfig warns about questionable but usable configuration.
func CheckConfig(cfg *Config) []string {
	var warnings []string
	if cfg.HedgeRequestsAt > 0 && cfg.HedgeRequestsAt >= cfg.Timeout {
		warnings = append(warnings, fmt.Sprintf("refdata hedging at %v never fires within the %v request timeout", cfg.HedgeRequestsAt, cfg.Timeout))
	}
	return warnings
}
