package node

import (
	"context"

	"github.com/tap-rsvp/tap-node/pkg/fsm"
)

// DecisionHandler reacts to a fsm.Decision produced by applying an inbound
// event. Exactly one of AutoApprove, EventBus, or Custom is populated;
// Handle dispatches to whichever is set.
type DecisionHandler struct {
	AutoApprove *AutoApproveHandler
	EventBus    *EventBusHandler
	Custom      CustomDecisionFunc
}

// CustomDecisionFunc lets an embedder supply arbitrary decision handling.
type CustomDecisionFunc func(ctx context.Context, transactionID string, decision fsm.Decision) error

// Handle dispatches decision to whichever handler is configured.
func (h DecisionHandler) Handle(ctx context.Context, transactionID string, decision fsm.Decision) error {
	if decision.Kind == fsm.NoDecision {
		return nil
	}
	switch {
	case h.AutoApprove != nil:
		return h.AutoApprove.Handle(ctx, transactionID, decision)
	case h.EventBus != nil:
		return h.EventBus.Handle(ctx, transactionID, decision)
	case h.Custom != nil:
		return h.Custom(ctx, transactionID, decision)
	default:
		return nil
	}
}

// AutoApproveHandler immediately authorizes any AuthorizationRequired
// decision on behalf of this node's own agent — useful for demos and tests,
// never appropriate for a real counterparty-facing deployment.
type AutoApproveHandler struct {
	// Approve is invoked for every AuthorizationRequired/SettlementRequired
	// decision; the caller supplies the side effect (e.g. send an
	// Authorize message) appropriate to its role.
	Approve func(ctx context.Context, transactionID string, decision fsm.Decision) error
}

func (h *AutoApproveHandler) Handle(ctx context.Context, transactionID string, decision fsm.Decision) error {
	if h.Approve == nil {
		return nil
	}
	return h.Approve(ctx, transactionID, decision)
}

// EventBusHandler publishes decisions to a channel for an external consumer
// to react to, decoupling policy/compliance logic from the node pipeline.
type EventBusHandler struct {
	Events chan<- DecisionEvent
}

// DecisionEvent pairs a transaction with the decision the FSM produced.
type DecisionEvent struct {
	TransactionID string
	Decision      fsm.Decision
}

func (h *EventBusHandler) Handle(ctx context.Context, transactionID string, decision fsm.Decision) error {
	select {
	case h.Events <- DecisionEvent{TransactionID: transactionID, Decision: decision}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
