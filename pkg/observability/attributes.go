package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Dispatch semantic convention attributes.
var (
	AttrSessionID   = attribute.Key("dispatch.session.id")
	AttrChainID     = attribute.Key("dispatch.chain.id")
	AttrWorkOrderID = attribute.Key("dispatch.work_order.id")
	AttrContract    = attribute.Key("dispatch.contract.ref")
	AttrAccepted    = attribute.Key("dispatch.chain.accepted")
	AttrTokens      = attribute.Key("dispatch.tokens")
	AttrToolsOffer  = attribute.Key("dispatch.tools.allowed")
)

// TurnAttributes identifies a turn.
func TurnAttributes(sessionID string, toolsAllowed int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSessionID.String(sessionID),
		AttrToolsOffer.Int(toolsAllowed),
	}
}

// CallAttributes identifies one gateway round trip.
func CallAttributes(sessionID, workOrderID, contractRef string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSessionID.String(sessionID),
		AttrWorkOrderID.String(workOrderID),
		AttrContract.String(contractRef),
	}
}

// ChainOutcome annotates the current span with a finished chain.
func ChainOutcome(ctx context.Context, chainID string, accepted bool, tokens int) {
	trace.SpanFromContext(ctx).SetAttributes(
		AttrChainID.String(chainID),
		AttrAccepted.Bool(accepted),
		AttrTokens.Int(tokens),
	)
}
