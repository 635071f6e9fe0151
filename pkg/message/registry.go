// Package message implements the TAP message type registry: dispatch of
// typed message bodies by @type URI to structural validation and an FSM
// role, plus the shared Participant/agent-management/error body shapes.
package message

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tap-rsvp/tap-node/pkg/errs"
)

const schemaBase = "https://tap.rsvp/schema/1.0#"

// Role classifies how a message type drives the transaction FSM.
type Role string

const (
	RoleInitiating      Role = "initiating"
	RoleAuthorizing     Role = "authorizing"
	RoleRejecting       Role = "rejecting"
	RoleSettling        Role = "settling"
	RoleCancelling      Role = "cancelling"
	RoleReverting       Role = "reverting"
	RolePolicy          Role = "policy"
	RolePresentation    Role = "presentation"
	RoleAgentManagement Role = "agent_management"
	RoleRelationship    Role = "relationship"
	RoleOpaque          Role = "opaque"
)

// Validator checks structural requirements on a message body.
type Validator func(body json.RawMessage) error

// TypeInfo describes one registered message type.
type TypeInfo struct {
	Name     string
	URI      string
	Role     Role
	Validate Validator
}

var registry = map[string]TypeInfo{}

func register(name string, role Role, validate Validator) {
	registry[schemaBase+name] = TypeInfo{Name: name, URI: schemaBase + name, Role: role, Validate: validate}
}

func init() {
	register("Transfer", RoleInitiating, validateTransfer)
	register("Payment", RoleInitiating, validatePayment)
	register("Authorize", RoleAuthorizing, validateAuthorize)
	register("Reject", RoleRejecting, validateReject)
	register("Settle", RoleSettling, validateSettle)
	register("Cancel", RoleCancelling, validateCancel)
	register("Revert", RoleReverting, validateRevert)
	register("UpdatePolicies", RolePolicy, validateUpdatePolicies)
	register("RequestPresentation", RolePresentation, validateNonEmptyBody)
	register("Presentation", RolePresentation, validateNonEmptyBody)
	register("ConfirmRelationship", RolePresentation, validateConfirmRelationship)
	register("AddAgents", RoleAgentManagement, validateAddAgents)
	register("RemoveAgent", RoleAgentManagement, validateRemoveAgent)
	register("ReplaceAgent", RoleAgentManagement, validateReplaceAgent)
	register("UpdateParty", RoleRelationship, validateUpdateParty)
	register("Error", RoleOpaque, validateErrorBody)
}

// Lookup returns the TypeInfo for a full @type URI, or (TypeInfo{}, false)
// for an unregistered type — callers treat unregistered types as opaque
// JSON per scope.
func Lookup(uri string) (TypeInfo, bool) {
	info, ok := registry[uri]
	return info, ok
}

// Validate dispatches body to its registered validator. Unregistered types
// are not validated (treated as opaque).
func Validate(uri string, body json.RawMessage) error {
	info, ok := Lookup(uri)
	if !ok {
		return nil
	}
	return info.Validate(body)
}

// Participant is the shared shape for originator/beneficiary/agents[]
// entries across message bodies.
type Participant struct {
	ID       string          `json:"@id"`
	Role     string          `json:"role,omitempty"`
	Policies json.RawMessage `json:"policies,omitempty"`
	LEICode  string          `json:"leiCode,omitempty"`
}

// Transfer is the body of a Transfer message.
type Transfer struct {
	Type        string          `json:"@type"`
	Asset       string          `json:"asset"`
	Amount      string          `json:"amount"`
	Originator  Participant     `json:"originator"`
	Beneficiary *Participant    `json:"beneficiary,omitempty"`
	Agents      []Participant   `json:"agents,omitempty"`
	Memo        string          `json:"memo,omitempty"`
	Settlement  json.RawMessage `json:"settlementId,omitempty"`
}

// Payment is the body of a Payment message.
type Payment struct {
	Type         string        `json:"@type"`
	Asset        string        `json:"asset,omitempty"`
	CurrencyCode string        `json:"currencyCode,omitempty"`
	Amount       string        `json:"amount"`
	Merchant     Participant   `json:"merchant"`
	Customer     *Participant  `json:"customer,omitempty"`
	Agents       []Participant `json:"agents,omitempty"`
}

// Authorize is the body of an Authorize message.
type Authorize struct {
	Type          string `json:"@type"`
	TransactionID string `json:"transaction_id"`
	SettlementID  string `json:"settlementId,omitempty"`
}

// Reject is the body of a Reject message.
type Reject struct {
	Type          string `json:"@type"`
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
}

// Settle is the body of a Settle message.
type Settle struct {
	Type          string `json:"@type"`
	TransactionID string `json:"transaction_id"`
	SettlementID  string `json:"settlementId"`
}

// Cancel is the body of a Cancel message.
type Cancel struct {
	Type          string `json:"@type"`
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason,omitempty"`
}

// Revert is the body of a Revert message.
type Revert struct {
	Type             string `json:"@type"`
	TransactionID    string `json:"transaction_id"`
	SettlementAddress string `json:"settlementAddress"`
	Reason           string `json:"reason"`
}

// UpdatePolicies is the body of an UpdatePolicies message (TAIP-7).
type UpdatePolicies struct {
	Type     string          `json:"@type"`
	Policies json.RawMessage `json:"policies"`
}

// AddAgents is the body of an AddAgents message (TAIP-5).
type AddAgents struct {
	Type   string        `json:"@type"`
	Agents []Participant `json:"agents"`
}

// RemoveAgent is the body of a RemoveAgent message (TAIP-5).
type RemoveAgent struct {
	Type  string `json:"@type"`
	Agent string `json:"agent"`
}

// ReplaceAgent is the body of a ReplaceAgent message (TAIP-5).
type ReplaceAgent struct {
	Type     string      `json:"@type"`
	Original string      `json:"original"`
	Replacement Participant `json:"replacement"`
}

// ConfirmRelationship is the body of a ConfirmRelationship message.
type ConfirmRelationship struct {
	Type string `json:"@type"`
	Agent string `json:"@id"`
	For   string `json:"for"`
}

// UpdateParty is the body of an UpdateParty message.
type UpdateParty struct {
	Type  string      `json:"@type"`
	Party Participant `json:"party"`
}

// ErrorBody is the body of an Error message.
type ErrorBody struct {
	Type               string `json:"@type"`
	Code               string `json:"code"`
	Description        string `json:"description"`
	OriginalMessageID  string `json:"original_message_id,omitempty"`
}

func validateTransfer(body json.RawMessage) error {
	var t Transfer
	if err := json.Unmarshal(body, &t); err != nil {
		return errs.Wrap(errs.Serialization, "unmarshal transfer body", err)
	}
	if strings.TrimSpace(t.Amount) == "" {
		return errs.New(errs.Validation, "transfer requires a non-empty amount")
	}
	if err := validateCAIP19(t.Asset); err != nil {
		return err
	}
	if strings.TrimSpace(t.Originator.ID) == "" {
		return errs.New(errs.Validation, "transfer requires a non-empty originator.id")
	}
	return nil
}

func validatePayment(body json.RawMessage) error {
	var p Payment
	if err := json.Unmarshal(body, &p); err != nil {
		return errs.Wrap(errs.Serialization, "unmarshal payment body", err)
	}
	if strings.TrimSpace(p.Asset) == "" && strings.TrimSpace(p.CurrencyCode) == "" {
		return errs.New(errs.Validation, "payment requires either asset or currency_code")
	}
	if strings.TrimSpace(p.Amount) == "" {
		return errs.New(errs.Validation, "payment requires a non-empty amount")
	}
	return nil
}

func validateAuthorize(body json.RawMessage) error {
	return requireField(body, "transaction_id")
}

func validateReject(body json.RawMessage) error {
	return requireField(body, "transaction_id")
}

func validateSettle(body json.RawMessage) error {
	if err := requireField(body, "transaction_id"); err != nil {
		return err
	}
	return requireField(body, "settlementId")
}

func validateCancel(body json.RawMessage) error {
	return requireField(body, "transaction_id")
}

func validateRevert(body json.RawMessage) error {
	if err := requireField(body, "transaction_id"); err != nil {
		return err
	}
	return requireField(body, "settlementAddress")
}

func validateUpdatePolicies(body json.RawMessage) error {
	return requireField(body, "policies")
}

func validateAddAgents(body json.RawMessage) error {
	var a AddAgents
	if err := json.Unmarshal(body, &a); err != nil {
		return errs.Wrap(errs.Serialization, "unmarshal add_agents body", err)
	}
	if len(a.Agents) == 0 {
		return errs.New(errs.Validation, "add_agents requires at least one agent")
	}
	return nil
}

func validateRemoveAgent(body json.RawMessage) error {
	return requireField(body, "agent")
}

func validateReplaceAgent(body json.RawMessage) error {
	return requireField(body, "original")
}

func validateConfirmRelationship(body json.RawMessage) error {
	return requireField(body, "for")
}

func validateUpdateParty(body json.RawMessage) error {
	return requireField(body, "party")
}

func validateErrorBody(body json.RawMessage) error {
	return requireField(body, "code")
}

func validateNonEmptyBody(body json.RawMessage) error {
	if len(body) == 0 {
		return errs.New(errs.Validation, "body must not be empty")
	}
	return nil
}

func requireField(body json.RawMessage, field string) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return errs.Wrap(errs.Serialization, "unmarshal body", err)
	}
	raw, ok := m[field]
	if !ok || len(raw) == 0 || string(raw) == `""` || string(raw) == "null" {
		return errs.New(errs.Validation, fmt.Sprintf("%s requires a non-empty %q", "message", field))
	}
	return nil
}

// validateCAIP19 does a structural (not registry) check that asset follows
// <chain-namespace>:<chain-ref>/<asset-namespace>:<asset-ref>.
func validateCAIP19(asset string) error {
	if strings.TrimSpace(asset) == "" {
		return errs.New(errs.Validation, "transfer requires a CAIP-19 asset identifier")
	}
	chainPart, assetPart, ok := strings.Cut(asset, "/")
	if !ok {
		return errs.New(errs.Validation, "asset identifier is not CAIP-19 shaped (missing '/')")
	}
	if !strings.Contains(chainPart, ":") || !strings.Contains(assetPart, ":") {
		return errs.New(errs.Validation, "asset identifier is not CAIP-19 shaped")
	}
	return nil
}

// ValidateCAIP220 does a structural check that a settlement identifier
// follows CAIP-220's <chain-namespace>:<chain-ref>:tx/<tx-ref> shape; any
// non-blank identifier containing ":tx/" or "/tx/" passes.
func ValidateCAIP220(settlementID string) error {
	if strings.TrimSpace(settlementID) == "" {
		return errs.New(errs.Validation, "settlement identifier must not be empty")
	}
	if !strings.Contains(settlementID, ":tx/") && !strings.Contains(settlementID, "/tx/") {
		return errs.New(errs.Validation, "settlement identifier is not CAIP-220 shaped")
	}
	return nil
}
