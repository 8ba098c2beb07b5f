package dispatcher

import (
	"time"

	"github.com/google/uuid"

	"github.com/traceharbor/gateway/event"
)

// buildAnalysisSignal wraps one Layer-3/4 analysis result as a canonical
// signal event. Tenant/project/trace identity come from the job that
// triggered the analysis; malformed identifiers degrade to the nil UUID
// rather than failing the whole result set.
func buildAnalysisSignal(tenantID, projectID, traceID, layer string, r analysisResult) event.Event {
	tid, _ := uuid.Parse(tenantID)
	pid, _ := uuid.Parse(projectID)
	trid, _ := uuid.Parse(traceID)

	eventLayer := event.Layer3
	if layer == "layer4" {
		eventLayer = event.Layer4
	}

	return event.Event{
		TenantID:  tid,
		ProjectID: pid,
		TraceID:   trid,
		SpanID:    uuid.New(),
		Timestamp: time.Now().UTC(),
		Type:      event.TypeError,
		Attributes: event.Attributes{
			Signal: &event.SignalAttrs{
				SignalName:     r.SignalName,
				SignalType:     "analysis",
				SignalValue:    r.SignalValue,
				SignalSeverity: r.SignalSeverity,
				Layer:          eventLayer,
				Metadata:       r.Metadata,
			},
		},
	}
}
