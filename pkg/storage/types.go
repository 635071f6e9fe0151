package storage

import "time"

// TransactionRecord is the persisted row backing one transaction's FSM
// state, keyed by the protocol's transaction_id (natural key).
type TransactionRecord struct {
	TransactionID    string
	ThreadID         string
	State            string
	MessageType      string
	Body             string
	RequiredAgents   []string
	AuthorizedAgents []string
	SettlementID     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewTransaction is the input to creating a TransactionRecord.
type NewTransaction struct {
	TransactionID string
	ThreadID      string
	State         string
	MessageType   string
	Body          string
}

// MessageDirection distinguishes inbound from outbound message log entries.
type MessageDirection string

const (
	Inbound  MessageDirection = "inbound"
	Outbound MessageDirection = "outbound"
)

// MessageRecord is a single logged DIDComm message, packed or plaintext.
type MessageRecord struct {
	MessageID     string
	TransactionID string
	Direction     MessageDirection
	MessageType   string
	FromDID       string
	ToDIDs        []string
	PackedMode    string
	Raw           string
	CreatedAt     time.Time
}

// DeliveryStatus is the lifecycle of an outbound delivery attempt.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryAbandoned DeliveryStatus = "abandoned"
)

// DeliveryRecord tracks one recipient's delivery of one message.
type DeliveryRecord struct {
	DeliveryID    string
	MessageID     string
	RecipientDID  string
	Endpoint      string
	Status        DeliveryStatus
	AttemptCount  int
	LastError     string
	NextAttemptAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CustomerRecord is a known counterparty's profile (TAIP-9 customer data).
type CustomerRecord struct {
	CustomerID  string
	DID         string
	DisplayName string
	LEICode     string
	Metadata    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
