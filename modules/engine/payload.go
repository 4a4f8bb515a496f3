package engine

import (
	"github.com/shopfloorlabs/pulse/modules/sink"
	"github.com/shopfloorlabs/pulse/pkg/factory"
	"github.com/shopfloorlabs/pulse/pkg/oee"
)

// Payload is the OEEData document broadcast after each computed cycle.
// Ratio fields follow the configured presentation, fractional or
// percent.
type Payload struct {
	MachineID string `json:"machineId"`
	LineCode  string `json:"lineCode,omitempty"`
	Plant     string `json:"plant,omitempty"`
	Area      string `json:"area,omitempty"`

	OrderID             string              `json:"orderId"`
	OrderNumber         string              `json:"orderNumber"`
	OrderStatus         factory.OrderStatus `json:"orderStatus"`
	MaterialNumber      string              `json:"materialNumber,omitempty"`
	MaterialDescription string              `json:"materialDescription,omitempty"`

	PlannedQuantity   float64 `json:"plannedQuantity"`
	ProducedQuantity  float64 `json:"producedQuantity"`
	YieldQuantity     float64 `json:"yieldQuantity"`
	Scrap             float64 `json:"scrap"`
	RuntimeMinutes    float64 `json:"runtimeMinutes"`
	TargetPerformance float64 `json:"targetPerformance"`

	PlannedTakt float64           `json:"plannedTakt"`
	ActualTakt  float64           `json:"actualTakt"`
	ExpectedEnd factory.Timestamp `json:"expectedEnd"`

	Availability   float64            `json:"availability"`
	Performance    float64            `json:"performance"`
	Quality        float64            `json:"quality"`
	OEE            float64            `json:"oee"`
	Classification oee.Classification `json:"classification"`
	ComputedAt     factory.Timestamp  `json:"computedAt"`

	Timeline oee.Timeline `json:"timeline"`
}

func (e *Engine) buildPayload(machine factory.Machine, order *factory.ProcessOrder, state *oee.State, m oee.Metrics, produced, yield float64, timeline oee.Timeline) Payload {
	return Payload{
		MachineID: machine.ID,
		LineCode:  machine.LineCode,
		Plant:     machine.Plant,
		Area:      machine.Area,

		OrderID:             order.ID,
		OrderNumber:         order.OrderNumber,
		OrderStatus:         order.Status,
		MaterialNumber:      order.MaterialNumber,
		MaterialDescription: order.MaterialDescription,

		PlannedQuantity:   state.PlannedQuantity,
		ProducedQuantity:  produced,
		YieldQuantity:     yield,
		Scrap:             m.Scrap,
		RuntimeMinutes:    state.RuntimeMinutes,
		TargetPerformance: state.TargetPerformance,

		PlannedTakt: state.PlannedTakt,
		ActualTakt:  state.ActualTakt,
		ExpectedEnd: factory.NewTimestamp(state.ExpectedEnd),

		Availability:   m.Availability,
		Performance:    m.Performance,
		Quality:        m.Quality,
		OEE:            m.OEE,
		Classification: m.Classification,
		ComputedAt:     factory.NewTimestamp(m.ComputedAt),

		Timeline: timeline,
	}
}

func buildSample(machine factory.Machine, order *factory.ProcessOrder, state *oee.State, m oee.Metrics, timeline oee.Timeline) sink.Sample {
	return sink.Sample{
		Time: m.ComputedAt,

		Plant:               machine.Plant,
		Area:                machine.Area,
		MachineID:           machine.ID,
		OrderNumber:         order.OrderNumber,
		MaterialNumber:      order.MaterialNumber,
		MaterialDescription: order.MaterialDescription,

		OEE:          m.OEE,
		Availability: m.Availability,
		Performance:  m.Performance,
		Quality:      m.Quality,

		PlannedQuantity:          state.PlannedQuantity,
		PlannedDowntimeMinutes:   timeline.TotalPlanned(),
		UnplannedDowntimeMinutes: timeline.TotalUnplanned(),
		MicrostopMinutes:         timeline.TotalMicrostops(),

		Completed: order.Status == factory.OrderCompleted,
	}
}
