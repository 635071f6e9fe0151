package message

import (
	"encoding/json"
	"testing"
)

func TestLookupKnownAndUnknownTypes(t *testing.T) {
	info, ok := Lookup(schemaBase + "Transfer")
	if !ok {
		t.Fatal("expected Transfer to be registered")
	}
	if info.Role != RoleInitiating {
		t.Fatalf("Transfer role = %v, want %v", info.Role, RoleInitiating)
	}

	if _, ok := Lookup(schemaBase + "NotARealType"); ok {
		t.Fatal("expected an unregistered type to report false")
	}
}

func TestValidateUnregisteredTypeIsOpaque(t *testing.T) {
	if err := Validate(schemaBase+"SomeCustomExtension", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("unregistered types should not be validated, got %v", err)
	}
}

func TestValidateTransferRequiresAmountAssetAndOriginator(t *testing.T) {
	cases := []struct {
		name string
		body string
		ok   bool
	}{
		{"valid", `{"@type":"Transfer","asset":"eip155:1/slip44:60","amount":"10","originator":{"@id":"did:key:abc"}}`, true},
		{"missing amount", `{"@type":"Transfer","asset":"eip155:1/slip44:60","originator":{"@id":"did:key:abc"}}`, false},
		{"missing originator", `{"@type":"Transfer","asset":"eip155:1/slip44:60","amount":"10"}`, false},
		{"malformed asset", `{"@type":"Transfer","asset":"notcaip19","amount":"10","originator":{"@id":"did:key:abc"}}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(schemaBase+"Transfer", json.RawMessage(tc.body))
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestValidatePaymentRequiresAssetOrCurrencyCode(t *testing.T) {
	if err := Validate(schemaBase+"Payment", json.RawMessage(`{"amount":"5","merchant":{"@id":"did:key:abc"}}`)); err == nil {
		t.Fatal("expected an error when both asset and currency_code are missing")
	}
	if err := Validate(schemaBase+"Payment", json.RawMessage(`{"amount":"5","currencyCode":"USD","merchant":{"@id":"did:key:abc"}}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateAuthorizeRequiresTransactionID(t *testing.T) {
	if err := Validate(schemaBase+"Authorize", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected an error for a missing transaction_id")
	}
	if err := Validate(schemaBase+"Authorize", json.RawMessage(`{"transaction_id":"tx-1"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateSettleRequiresTransactionIDAndSettlementID(t *testing.T) {
	if err := Validate(schemaBase+"Settle", json.RawMessage(`{"transaction_id":"tx-1"}`)); err == nil {
		t.Fatal("expected an error for a missing settlementId")
	}
	if err := Validate(schemaBase+"Settle", json.RawMessage(`{"transaction_id":"tx-1","settlementId":"eip155:1:tx/0xabc"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateAddAgentsRequiresAtLeastOneAgent(t *testing.T) {
	if err := Validate(schemaBase+"AddAgents", json.RawMessage(`{"agents":[]}`)); err == nil {
		t.Fatal("expected an error for an empty agents list")
	}
	if err := Validate(schemaBase+"AddAgents", json.RawMessage(`{"agents":[{"@id":"did:key:abc"}]}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateCAIP19Shapes(t *testing.T) {
	cases := map[string]bool{
		"eip155:1/slip44:60":                        true,
		"eip155:1/erc20:0xdAC17F958D2ee523a2206206994597C13D831ec7": true,
		"not-caip19":                                 false,
		"":                                           false,
		"eip155:1":                                   false,
	}
	for asset, want := range cases {
		err := validateCAIP19(asset)
		if want && err != nil {
			t.Errorf("validateCAIP19(%q): unexpected error %v", asset, err)
		}
		if !want && err == nil {
			t.Errorf("validateCAIP19(%q): expected an error", asset)
		}
	}
}

func TestValidateCAIP220Shapes(t *testing.T) {
	cases := map[string]bool{
		"eip155:1:tx/0xabc123": true,
		"eip155:1/tx/0xabc123": true,
		"not-caip220":          false,
		"":                     false,
	}
	for settlementID, want := range cases {
		err := ValidateCAIP220(settlementID)
		if want && err != nil {
			t.Errorf("ValidateCAIP220(%q): unexpected error %v", settlementID, err)
		}
		if !want && err == nil {
			t.Errorf("ValidateCAIP220(%q): expected an error", settlementID)
		}
	}
}
