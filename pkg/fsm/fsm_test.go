package fsm

import "testing"

func TestTransactionReceivedFromEmpty(t *testing.T) {
	state, decision, err := Apply("", Event{Kind: TransactionReceived})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != Received {
		t.Fatalf("want %q, got %q", Received, state)
	}
	if decision.Kind != AuthorizationRequired {
		t.Fatalf("want AuthorizationRequired, got %q", decision.Kind)
	}
}

func TestAuthorizeWithoutQuorumStaysPartial(t *testing.T) {
	state, decision, err := Apply(Received, Event{
		Kind:             AuthorizeReceived,
		RequiredAgents:   []string{"agent1", "agent2"},
		AuthorizedAgents: []string{"agent1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != PartiallyAuthorized {
		t.Fatalf("want %q, got %q", PartiallyAuthorized, state)
	}
	if decision.Kind != AuthorizationRequired {
		t.Fatalf("want AuthorizationRequired, got %q", decision.Kind)
	}
}

func TestAuthorizeWithQuorumReachesReadyToSettle(t *testing.T) {
	state, decision, err := Apply(PartiallyAuthorized, Event{
		Kind:             AuthorizeReceived,
		RequiredAgents:   []string{"agent1", "agent2"},
		AuthorizedAgents: []string{"agent1", "agent2"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != ReadyToSettle {
		t.Fatalf("want %q, got %q", ReadyToSettle, state)
	}
	if decision.Kind != SettlementRequired {
		t.Fatalf("want SettlementRequired, got %q", decision.Kind)
	}
}

func TestSettleRequiresReadyToSettle(t *testing.T) {
	_, _, err := Apply(Received, Event{Kind: SettleReceived})
	if err == nil {
		t.Fatal("expected an error settling from received")
	}
	var it *InvalidTransition
	if !asInvalidTransition(err, &it) {
		t.Fatalf("expected *InvalidTransition, got %T", err)
	}
}

func TestSettleFromReadyToSettleSucceeds(t *testing.T) {
	state, _, err := Apply(ReadyToSettle, Event{Kind: SettleReceived})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != Settled {
		t.Fatalf("want %q, got %q", Settled, state)
	}
}

func TestRevertOnlyFromSettled(t *testing.T) {
	if _, _, err := Apply(ReadyToSettle, Event{Kind: RevertReceived}); err == nil {
		t.Fatal("expected an error reverting a non-settled transaction")
	}
	state, _, err := Apply(Settled, Event{Kind: RevertReceived})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != Reverted {
		t.Fatalf("want %q, got %q", Reverted, state)
	}
}

func TestTerminalStatesRejectFurtherEvents(t *testing.T) {
	for _, s := range []State{Settled, Rejected, Cancelled, Reverted} {
		if _, _, err := Apply(s, Event{Kind: AuthorizeReceived}); err == nil {
			t.Fatalf("expected terminal state %q to reject further events", s)
		}
	}
}

func TestCancelAllowedFromMostStatesButNotSettled(t *testing.T) {
	for _, s := range []State{Received, PolicyRequired, PartiallyAuthorized, ReadyToSettle} {
		state, _, err := Apply(s, Event{Kind: CancelReceived})
		if err != nil {
			t.Fatalf("cancel from %q: unexpected error: %v", s, err)
		}
		if state != Cancelled {
			t.Fatalf("cancel from %q: want Cancelled, got %q", s, state)
		}
	}
	if _, _, err := Apply(Settled, Event{Kind: CancelReceived}); err == nil {
		t.Fatal("expected cancel on settled transaction to fail")
	}
}

func TestRejectTransitionsToRejected(t *testing.T) {
	state, decision, err := Apply(PartiallyAuthorized, Event{Kind: RejectReceived})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != Rejected {
		t.Fatalf("want %q, got %q", Rejected, state)
	}
	if decision.Kind != NoDecision {
		t.Fatalf("want NoDecision, got %q", decision.Kind)
	}
}

func TestAgentRemovedCanCompleteQuorum(t *testing.T) {
	state, decision, err := Apply(PartiallyAuthorized, Event{
		Kind:             AgentRemoved,
		RequiredAgents:   []string{"agent1"},
		AuthorizedAgents: []string{"agent1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != ReadyToSettle {
		t.Fatalf("want %q, got %q", ReadyToSettle, state)
	}
	if decision.Kind != SettlementRequired {
		t.Fatalf("want SettlementRequired, got %q", decision.Kind)
	}
}

func TestPoliciesReceivedRequiresEligibleState(t *testing.T) {
	if _, _, err := Apply(ReadyToSettle, Event{Kind: PoliciesReceived}); err == nil {
		t.Fatal("expected an error receiving policies once ready_to_settle")
	}
	state, decision, err := Apply(Received, Event{Kind: PoliciesReceived})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != PolicyRequired {
		t.Fatalf("want %q, got %q", PolicyRequired, state)
	}
	if decision.Kind != PolicySatisfactionRequired {
		t.Fatalf("want PolicySatisfactionRequired, got %q", decision.Kind)
	}
}

func TestAuthorizeFromReadyToSettleStaysReadyWhenStillSatisfied(t *testing.T) {
	state, decision, err := Apply(ReadyToSettle, Event{
		Kind:             AuthorizeReceived,
		AgentID:          "agent2",
		RequiredAgents:   []string{"agent1"},
		AuthorizedAgents: []string{"agent1", "agent2"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != ReadyToSettle {
		t.Fatalf("want %q, got %q", ReadyToSettle, state)
	}
	if decision.Kind != SettlementRequired {
		t.Fatalf("want SettlementRequired, got %q", decision.Kind)
	}
}

func TestAuthorizeFromReadyToSettleDemotesWhenNoLongerSatisfied(t *testing.T) {
	state, decision, err := Apply(ReadyToSettle, Event{
		Kind:             AuthorizeReceived,
		AgentID:          "agent1",
		RequiredAgents:   []string{"agent1", "agent2"},
		AuthorizedAgents: []string{"agent1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != PartiallyAuthorized {
		t.Fatalf("want %q, got %q", PartiallyAuthorized, state)
	}
	if decision.Kind != AuthorizationRequired {
		t.Fatalf("want AuthorizationRequired, got %q", decision.Kind)
	}
}

func TestRejectFromReadyToSettleSucceeds(t *testing.T) {
	state, decision, err := Apply(ReadyToSettle, Event{Kind: RejectReceived})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != Rejected {
		t.Fatalf("want %q, got %q", Rejected, state)
	}
	if decision.Kind != NoDecision {
		t.Fatalf("want NoDecision, got %q", decision.Kind)
	}
}

func TestAgentsAddedFromReadyToSettleDemotesWhenQuorumNoLongerMet(t *testing.T) {
	state, decision, err := Apply(ReadyToSettle, Event{
		Kind:             AgentsAdded,
		RequiredAgents:   []string{"agent1", "agent2"},
		AuthorizedAgents: []string{"agent1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != PartiallyAuthorized {
		t.Fatalf("want %q, got %q", PartiallyAuthorized, state)
	}
	if decision.Kind != NoDecision {
		t.Fatalf("want NoDecision, got %q", decision.Kind)
	}
}

func TestAgentsAddedFromReadyToSettleStaysReadyWhenStillSatisfied(t *testing.T) {
	state, decision, err := Apply(ReadyToSettle, Event{
		Kind:             AgentsAdded,
		RequiredAgents:   []string{"agent1"},
		AuthorizedAgents: []string{"agent1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != ReadyToSettle {
		t.Fatalf("want %q, got %q", ReadyToSettle, state)
	}
	if decision.Kind != NoDecision {
		t.Fatalf("want NoDecision, got %q", decision.Kind)
	}
}

func TestAgentRemovedFromReadyToSettleStaysReady(t *testing.T) {
	state, decision, err := Apply(ReadyToSettle, Event{
		Kind:             AgentRemoved,
		RequiredAgents:   []string{"agent1"},
		AuthorizedAgents: []string{"agent1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != ReadyToSettle {
		t.Fatalf("want %q, got %q", ReadyToSettle, state)
	}
	if decision.Kind != NoDecision {
		t.Fatalf("want NoDecision, got %q", decision.Kind)
	}
}

func asInvalidTransition(err error, target **InvalidTransition) bool {
	it, ok := err.(*InvalidTransition)
	if ok {
		*target = it
	}
	return ok
}
