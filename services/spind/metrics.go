package spind

import (
	"strconv"

	"spinwin/core/events"
	"spinwin/native/spinwin"
	"spinwin/observability"
)

// metricsEmitter translates engine events into Prometheus updates.
type metricsEmitter struct {
	metrics *observability.SpinMetrics
}

func newMetricsEmitter() metricsEmitter {
	return metricsEmitter{metrics: observability.Spin()}
}

func (m metricsEmitter) Emit(evt events.Event) {
	if evt == nil || evt.Event() == nil {
		return
	}
	attrs := evt.Event().Attributes
	units, _ := strconv.ParseUint(attrs["units"], 10, 64)
	switch evt.EventType() {
	case spinwin.EventTypeEntryAdded:
		m.metrics.RecordDeposit(attrs["mint"], units)
	case spinwin.EventTypeEntryUpdated:
		m.metrics.RecordDeposit(attrs["mint"], units)
		orphaned, _ := strconv.ParseUint(attrs["orphaned"], 10, 64)
		m.metrics.RecordOrphaned(attrs["previousMint"], orphaned)
	case spinwin.EventTypeSpun:
		index, err := strconv.Atoi(attrs["index"])
		if err == nil {
			m.metrics.RecordSpin(index)
		}
	case spinwin.EventTypeSettled:
		m.metrics.RecordSettlement(attrs["mint"], attrs["kind"], units)
	}
}
