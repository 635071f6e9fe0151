// Package fsm implements the pure, I/O-free transaction lifecycle state
// machine: given a current State and an incoming Event it produces a new
// State plus an optional Decision for the caller to act on. No network,
// storage, or clock access happens here.
package fsm

import "fmt"

// State is a transaction's lifecycle position.
type State string

const (
	Received            State = "received"
	PolicyRequired       State = "policy_required"
	PartiallyAuthorized State = "partially_authorized"
	ReadyToSettle       State = "ready_to_settle"
	Settled             State = "settled"
	Rejected            State = "rejected"
	Cancelled           State = "cancelled"
	Reverted            State = "reverted"
)

// terminal reports whether no further transitions are accepted from s.
// Settled is not terminal: it still accepts a revert, and nothing else.
func (s State) terminal() bool {
	switch s {
	case Rejected, Cancelled, Reverted:
		return true
	default:
		return false
	}
}

// EventKind identifies the shape of an incoming Event.
type EventKind string

const (
	TransactionReceived  EventKind = "transaction_received"
	PoliciesReceived     EventKind = "policies_received"
	PresentationReceived EventKind = "presentation_received"
	AuthorizeReceived    EventKind = "authorize_received"
	RejectReceived       EventKind = "reject_received"
	CancelReceived       EventKind = "cancel_received"
	SettleReceived       EventKind = "settle_received"
	RevertReceived       EventKind = "revert_received"
	AgentsAdded          EventKind = "agents_added"
	AgentRemoved         EventKind = "agent_removed"
)

// Event is a single lifecycle input. AgentID identifies the agent an
// Authorize/Reject applies to; RequiredAgents and AuthorizedAgents carry the
// required and authorizing agent sets computed by the caller (fsm itself
// tracks no agent roster).
type Event struct {
	Kind            EventKind
	AgentID         string
	RequiredAgents  []string
	AuthorizedAgents []string
	Reason          string
	SettlementID    string
}

// DecisionKind classifies what the caller should do after a transition.
type DecisionKind string

const (
	NoDecision                   DecisionKind = ""
	AuthorizationRequired        DecisionKind = "authorization_required"
	PolicySatisfactionRequired   DecisionKind = "policy_satisfaction_required"
	SettlementRequired           DecisionKind = "settlement_required"
)

// Decision is emitted alongside a transition for the caller (typically the
// node's dispatch pipeline) to act on; it carries no instructions, only a
// classification of what became true.
type Decision struct {
	Kind DecisionKind
}

// InvalidTransition reports an Event that the current State does not
// accept.
type InvalidTransition struct {
	State  State
	Event  EventKind
	Reason string
}

func (e *InvalidTransition) Error() string {
	return fmt.Sprintf("fsm: event %q invalid in state %q: %s", e.Event, e.State, e.Reason)
}

// Apply computes the next state and an optional decision for (state, event).
// It never mutates its arguments and never returns a nil error with a zero
// State — on error the returned state equals the input state unchanged.
func Apply(state State, event Event) (State, Decision, error) {
	if state.terminal() {
		return state, Decision{}, &InvalidTransition{State: state, Event: event.Kind, Reason: "state is terminal"}
	}
	if state == Settled && event.Kind != RevertReceived {
		return state, Decision{}, &InvalidTransition{State: state, Event: event.Kind, Reason: "settled transaction only accepts revert"}
	}

	switch event.Kind {
	case TransactionReceived:
		if state != "" && state != Received {
			return state, Decision{}, &InvalidTransition{State: state, Event: event.Kind, Reason: "transaction already received"}
		}
		return Received, Decision{Kind: AuthorizationRequired}, nil

	case PoliciesReceived:
		if state != Received && state != PolicyRequired {
			return state, Decision{}, &InvalidTransition{State: state, Event: event.Kind, Reason: "policies only accepted from received or policy_required"}
		}
		return PolicyRequired, Decision{Kind: PolicySatisfactionRequired}, nil

	case PresentationReceived:
		if state != PolicyRequired {
			return state, Decision{}, &InvalidTransition{State: state, Event: event.Kind, Reason: "presentation only accepted while policy_required"}
		}
		return Received, Decision{Kind: AuthorizationRequired}, nil

	case AuthorizeReceived:
		switch state {
		case Received, PolicyRequired, PartiallyAuthorized, ReadyToSettle:
		default:
			return state, Decision{}, &InvalidTransition{State: state, Event: event.Kind, Reason: "authorize not accepted in this state"}
		}
		if quorumSatisfied(event.RequiredAgents, event.AuthorizedAgents) {
			return ReadyToSettle, Decision{Kind: SettlementRequired}, nil
		}
		return PartiallyAuthorized, Decision{Kind: AuthorizationRequired}, nil

	case RejectReceived:
		// any non-terminal state accepts a reject; the guard above already
		// turned away terminal states.
		return Rejected, Decision{}, nil

	case CancelReceived:
		if state == Settled {
			return state, Decision{}, &InvalidTransition{State: state, Event: event.Kind, Reason: "cannot cancel a settled transaction"}
		}
		return Cancelled, Decision{}, nil

	case SettleReceived:
		if state != ReadyToSettle {
			return state, Decision{}, &InvalidTransition{State: state, Event: event.Kind, Reason: "settle only accepted once ready_to_settle"}
		}
		return Settled, Decision{}, nil

	case RevertReceived:
		if state != Settled {
			return state, Decision{}, &InvalidTransition{State: state, Event: event.Kind, Reason: "revert only accepted once settled"}
		}
		return Reverted, Decision{}, nil

	case AgentsAdded:
		// accepted in any non-terminal state; a new required agent can
		// demote a transaction that already reached ready_to_settle.
		if state == ReadyToSettle && !quorumSatisfied(event.RequiredAgents, event.AuthorizedAgents) {
			return PartiallyAuthorized, Decision{Kind: NoDecision}, nil
		}
		return state, Decision{Kind: NoDecision}, nil

	case AgentRemoved:
		// accepted in any non-terminal state; removing an agent can
		// complete a quorum that was waiting on it. SettlementRequired is
		// emitted only on that promotion, not when already ready_to_settle.
		if state != ReadyToSettle && quorumSatisfied(event.RequiredAgents, event.AuthorizedAgents) {
			return ReadyToSettle, Decision{Kind: SettlementRequired}, nil
		}
		return state, Decision{Kind: NoDecision}, nil

	default:
		return state, Decision{}, &InvalidTransition{State: state, Event: event.Kind, Reason: "unknown event kind"}
	}
}

// quorumSatisfied reports whether every required agent appears in the
// authorized set. An empty required set is satisfied by any authorization.
func quorumSatisfied(required, authorized []string) bool {
	if len(required) == 0 {
		return len(authorized) > 0
	}
	have := make(map[string]bool, len(authorized))
	for _, a := range authorized {
		have[a] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}
