package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes for kernel telemetry.
var (
	AttrRunID        = attribute.Key("openibank.worldline.run_id")
	AttrEventType    = attribute.Key("openibank.worldline.event_type")
	AttrCommitmentID = attribute.Key("openibank.gate.commitment_id")
	AttrGateOutcome  = attribute.Key("openibank.gate.outcome")
	AttrAgentID      = attribute.Key("openibank.agent.id")
	AttrOperation    = attribute.Key("openibank.kernel.operation")
	AttrErrorKind    = attribute.Key("openibank.error.kind")

	// AttrOperationName carries the span name on metrics, which have no span.
	AttrOperationName = attribute.Key("openibank.operation")
)

// WorldLineOperation creates attributes for a WorldLine append.
func WorldLineOperation(runID, eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrEventType.String(eventType),
	}
}

// GateOperation creates attributes for a commitment gate call.
func GateOperation(agentID, commitmentID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgentID.String(agentID),
		AttrCommitmentID.String(commitmentID),
	}
}

// KernelOperation creates attributes for a kernel pipeline call.
func KernelOperation(agentID, operation string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgentID.String(agentID),
		AttrOperation.String(operation),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
