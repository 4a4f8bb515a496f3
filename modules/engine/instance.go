package engine

import (
	"sync"

	"github.com/go-kit/log"

	"github.com/shopfloorlabs/pulse/pkg/factory"
	"github.com/shopfloorlabs/pulse/pkg/oee"
)

// instance is the live state for one machine: the metric buffer fed
// from the wire, the calculator state bound to the current order and
// the trigger that wakes the machine's worker.
type instance struct {
	machine factory.Machine
	logger  log.Logger

	// trigger has capacity 1. A pending trigger absorbs further
	// schedule calls, the cycle that eventually runs reads the newest
	// buffer anyway.
	trigger chan struct{}

	mtx     sync.Mutex
	buffer  map[string]float64
	state   *oee.State
	orderID string
}

func newInstance(machine factory.Machine, logger log.Logger) *instance {
	return &instance{
		machine: machine,
		logger:  log.With(logger, "machine_id", machine.ID),
		trigger: make(chan struct{}, 1),
		buffer:  make(map[string]float64),
	}
}

// observe stores a machine-connect value and reports whether it
// changed. Re-ingesting an identical value is a no-op.
func (i *instance) observe(metric string, value float64) bool {
	i.mtx.Lock()
	defer i.mtx.Unlock()

	if prev, ok := i.buffer[metric]; ok && prev == value {
		return false
	}
	i.buffer[metric] = value
	return true
}

// schedule requests one compute cycle. It reports false when a trigger
// was already pending and the request coalesced into it.
func (i *instance) schedule() bool {
	select {
	case i.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// snapshot reads the produced and yield counters.
func (i *instance) snapshot() (produced, yield float64) {
	i.mtx.Lock()
	defer i.mtx.Unlock()
	return i.buffer[MetricTotalProduction], i.buffer[MetricYield]
}

// stateFor returns the calculator state for the given order. When the
// active order changed identity the state is rebuilt and the metric
// buffer cleared: counters restart per order on the line.
func (i *instance) stateFor(order *factory.ProcessOrder) *oee.State {
	i.mtx.Lock()
	defer i.mtx.Unlock()

	if i.state == nil || i.orderID != order.ID {
		i.state = oee.NewState(order)
		i.orderID = order.ID
		i.buffer = make(map[string]float64)
	}
	return i.state
}
