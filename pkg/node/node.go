// Package node implements the TAP node's inbound message pipeline: unpack,
// log, classify, reconstruct transaction context, apply the state machine,
// persist, dispatch a Decision, then pack and enqueue any outbound
// messages.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/tap-rsvp/tap-node/pkg/didcomm"
	"github.com/tap-rsvp/tap-node/pkg/errs"
	"github.com/tap-rsvp/tap-node/pkg/fsm"
	"github.com/tap-rsvp/tap-node/pkg/message"
	"github.com/tap-rsvp/tap-node/pkg/pack"
	"github.com/tap-rsvp/tap-node/pkg/storage"
)

// Dispatcher delivers a packed outbound message to one recipient DID;
// pkg/delivery supplies the HTTPS/WebSocket implementations.
type Dispatcher interface {
	Dispatch(ctx context.Context, recipientDID, endpoint, packed string) error
}

// Node wires together packing, persistence, the state machine, and
// delivery into the inbound/outbound message pipeline.
type Node struct {
	DID      string
	Packer   *pack.Packer
	Resolver EndpointResolver

	Transactions *storage.TransactionRepository
	Messages     *storage.MessageRepository
	Deliveries   *storage.DeliveryRepository

	Decisions  DecisionHandler
	Dispatcher Dispatcher

	logger *log.Logger
	locks  *txLocks
}

// EndpointResolver maps a recipient DID to the service endpoint its
// DIDComm messaging should be delivered to.
type EndpointResolver interface {
	ServiceEndpoint(ctx context.Context, did string) (string, error)
}

// Option configures a Node at construction.
type Option func(*Node)

func WithLogger(logger *log.Logger) Option {
	return func(n *Node) { n.logger = logger }
}

func New(did string, packer *pack.Packer, resolver EndpointResolver, transactions *storage.TransactionRepository, messages *storage.MessageRepository, deliveries *storage.DeliveryRepository, decisions DecisionHandler, dispatcher Dispatcher, opts ...Option) *Node {
	n := &Node{
		DID: did, Packer: packer, Resolver: resolver,
		Transactions: transactions, Messages: messages, Deliveries: deliveries,
		Decisions: decisions, Dispatcher: dispatcher,
		logger: log.New(log.Writer(), "[Node] ", log.LstdFlags),
		locks:  newTxLocks(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// ProcessInbound runs the six-step inbound pipeline over one packed DIDComm
// envelope. It does not pack or send replies; outbound messages go through
// SendOutbound.
func (n *Node) ProcessInbound(ctx context.Context, packed string) error {
	// 1. unpack
	result, err := n.Packer.Unpack(packed, n.DID)
	if err != nil {
		return errs.Wrap(errs.Dispatch, "unpack inbound message", err)
	}
	msg := result.Message

	transactionID := transactionIDFor(msg)

	unlock := n.locks.acquire(transactionID)
	defer unlock()

	// 2. log incoming
	fromDID := msg.From
	if _, err := n.Messages.Log(ctx, transactionID, storage.Inbound, msg.Type, fromDID, msg.To, modeName(result.Mode), packed); err != nil {
		n.logger.Printf("failed to log inbound message %s: %v", msg.ID, err)
	}

	// 3. classify by type
	info, known := message.Lookup(msg.Type)
	if !known {
		n.logger.Printf("received unregistered message type %q on transaction %s, storing as opaque", msg.Type, transactionID)
		return nil
	}
	if err := message.Validate(msg.Type, msg.Body); err != nil {
		return errs.Wrap(errs.Validation, fmt.Sprintf("validate %s body", info.Name), err)
	}

	// 4. load or reconstruct transaction context. Only a Transfer/Payment
	// may originate a transaction; any other message type that names an
	// unknown thread is logged and dropped without dispatch.
	txRecord, err := n.loadOrCreateTransaction(ctx, transactionID, msg, info.Role == message.RoleInitiating)
	if err == storage.ErrTransactionNotFound {
		n.logger.Printf("%s references unknown transaction %s, dropping", info.Name, transactionID)
		return nil
	}
	if err != nil {
		return err
	}

	// 5. build event
	event, err := buildEvent(info, msg, txRecord)
	if err != nil {
		return err
	}

	// 6. apply FSM, persist, dispatch decision
	newState, decision, err := fsm.Apply(fsm.State(txRecord.State), event)
	if err != nil {
		n.logger.Printf("invalid transition for transaction %s: %v", transactionID, err)
		return nil
	}
	required, authorized := mergeAgents(txRecord, event)
	if err := n.Transactions.UpdateState(ctx, transactionID, string(newState), required, authorized); err != nil {
		return errs.Wrap(errs.Storage, "persist transaction state", err)
	}
	if err := n.Decisions.Handle(ctx, transactionID, decision); err != nil {
		n.logger.Printf("decision handler failed for transaction %s: %v", transactionID, err)
	}

	return nil
}

// SendOutbound packs msg for recipientDID using the given mode-appropriate
// options, logs it, creates a delivery record, and hands it to the
// Dispatcher.
func (n *Node) SendOutbound(ctx context.Context, msg *didcomm.PlainMessage, opts pack.Options, recipientDID string) error {
	transactionID := transactionIDFor(msg)

	packed, err := n.Packer.Pack(msg, opts)
	if err != nil {
		return errs.Wrap(errs.Dispatch, "pack outbound message", err)
	}

	record, err := n.Messages.Log(ctx, transactionID, storage.Outbound, msg.Type, n.DID, []string{recipientDID}, modeName(opts.Mode), packed)
	if err != nil {
		return errs.Wrap(errs.Storage, "log outbound message", err)
	}

	endpoint, err := n.Resolver.ServiceEndpoint(ctx, recipientDID)
	if err != nil {
		return errs.Wrap(errs.DidResolution, "resolve recipient endpoint", err)
	}

	delivery, err := n.Deliveries.Create(ctx, record.MessageID, recipientDID, endpoint)
	if err != nil {
		return errs.Wrap(errs.Storage, "create delivery record", err)
	}

	if err := n.Dispatcher.Dispatch(ctx, recipientDID, endpoint, packed); err != nil {
		return errs.Wrap(errs.Dispatch, fmt.Sprintf("dispatch to delivery %s", delivery.DeliveryID), err)
	}
	return n.Deliveries.MarkDelivered(ctx, delivery.DeliveryID)
}

func (n *Node) loadOrCreateTransaction(ctx context.Context, transactionID string, msg *didcomm.PlainMessage, mayCreate bool) (*storage.TransactionRecord, error) {
	existing, err := n.Transactions.GetByThreadID(ctx, transactionID)
	if err == nil {
		return existing, nil
	}
	if err != storage.ErrTransactionNotFound {
		return nil, errs.Wrap(errs.Storage, "load transaction", err)
	}
	if !mayCreate {
		return nil, storage.ErrTransactionNotFound
	}

	bodyJSON, err := json.Marshal(msg.Body)
	if err != nil {
		return nil, errs.Wrap(errs.Serialization, "marshal message body", err)
	}
	created, err := n.Transactions.Insert(ctx, &storage.NewTransaction{
		TransactionID: transactionID,
		ThreadID:      transactionID,
		State:         string(fsm.Received),
		MessageType:   msg.Type,
		Body:          string(bodyJSON),
	})
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "create transaction", err)
	}
	return created, nil
}

func transactionIDFor(msg *didcomm.PlainMessage) string {
	if msg.ThID != "" {
		return msg.ThID
	}
	return msg.ID
}

func modeName(m pack.Mode) string {
	switch m {
	case pack.Plain:
		return "plain"
	case pack.Signed:
		return "signed"
	case pack.AuthCrypt:
		return "authcrypt"
	default:
		return "unknown"
	}
}

func mergeAgents(txRecord *storage.TransactionRecord, event fsm.Event) (required, authorized []string) {
	required = txRecord.RequiredAgents
	if len(event.RequiredAgents) > 0 {
		required = event.RequiredAgents
	}
	authorized = txRecord.AuthorizedAgents
	if event.AgentID != "" {
		authorized = appendUnique(authorized, event.AgentID)
	}
	if len(event.AuthorizedAgents) > 0 {
		authorized = event.AuthorizedAgents
	}
	return required, authorized
}

func appendUnique(set []string, v string) []string {
	for _, s := range set {
		if s == v {
			return set
		}
	}
	return append(set, v)
}

func buildEvent(info message.TypeInfo, msg *didcomm.PlainMessage, txRecord *storage.TransactionRecord) (fsm.Event, error) {
	switch info.Role {
	case message.RoleInitiating:
		return fsm.Event{Kind: fsm.TransactionReceived}, nil
	case message.RolePolicy:
		return fsm.Event{Kind: fsm.PoliciesReceived}, nil
	case message.RolePresentation:
		if info.Name == "ConfirmRelationship" {
			return fsm.Event{Kind: fsm.PresentationReceived}, nil
		}
		return fsm.Event{Kind: fsm.PresentationReceived}, nil
	case message.RoleAuthorizing:
		var body message.Authorize
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			return fsm.Event{}, errs.Wrap(errs.Serialization, "unmarshal authorize body", err)
		}
		agent := msg.From
		return fsm.Event{Kind: fsm.AuthorizeReceived, AgentID: agent, RequiredAgents: txRecord.RequiredAgents, AuthorizedAgents: appendUnique(txRecord.AuthorizedAgents, agent)}, nil
	case message.RoleRejecting:
		return fsm.Event{Kind: fsm.RejectReceived}, nil
	case message.RoleSettling:
		var body message.Settle
		if err := json.Unmarshal(msg.Body, &body); err != nil {
			return fsm.Event{}, errs.Wrap(errs.Serialization, "unmarshal settle body", err)
		}
		return fsm.Event{Kind: fsm.SettleReceived, SettlementID: body.SettlementID}, nil
	case message.RoleCancelling:
		return fsm.Event{Kind: fsm.CancelReceived}, nil
	case message.RoleReverting:
		return fsm.Event{Kind: fsm.RevertReceived}, nil
	case message.RoleAgentManagement:
		if info.Name == "RemoveAgent" {
			return fsm.Event{Kind: fsm.AgentRemoved, RequiredAgents: txRecord.RequiredAgents, AuthorizedAgents: txRecord.AuthorizedAgents}, nil
		}
		return fsm.Event{Kind: fsm.AgentsAdded, RequiredAgents: txRecord.RequiredAgents, AuthorizedAgents: txRecord.AuthorizedAgents}, nil
	default:
		return fsm.Event{}, errs.New(errs.Validation, fmt.Sprintf("message type %q does not drive the transaction state machine", info.Name))
	}
}
