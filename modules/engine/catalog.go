package engine

// Live metric names as they appear in the topic's metric segment.
const (
	MetricTotalProduction   = "totalProductionQuantity"
	MetricYield             = "yieldQuantity"
	MetricPlannedQuantity   = "plannedProductionQuantity"
	MetricRuntime           = "runtime"
	MetricTargetPerformance = "targetPerformance"
)

// metricClass splits the catalog into metrics streamed by the line
// (machine connect) and metrics that are mandatory but static: those
// are derived from the active process order and ignored when they show
// up on the wire.
type metricClass struct {
	MachineConnect  bool
	MandatoryStatic bool
}

var catalog = map[string]metricClass{
	MetricTotalProduction:   {MachineConnect: true},
	MetricYield:             {MachineConnect: true},
	MetricPlannedQuantity:   {MandatoryStatic: true},
	MetricRuntime:           {MandatoryStatic: true},
	MetricTargetPerformance: {MandatoryStatic: true},
}

// SubscribableMetrics lists the metric segments worth a DDATA
// subscription, in a stable order.
func SubscribableMetrics() []string {
	return []string{MetricTotalProduction, MetricYield}
}
