package node

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/tap-rsvp/tap-node/pkg/config"
	"github.com/tap-rsvp/tap-node/pkg/didcomm"
	"github.com/tap-rsvp/tap-node/pkg/fsm"
	"github.com/tap-rsvp/tap-node/pkg/keymanager"
	"github.com/tap-rsvp/tap-node/pkg/pack"
	"github.com/tap-rsvp/tap-node/pkg/storage"
)

type fakeResolver struct{ endpoint string }

func (r fakeResolver) ServiceEndpoint(_ context.Context, _ string) (string, error) {
	return r.endpoint, nil
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []string
}

func (d *fakeDispatcher) Dispatch(_ context.Context, recipientDID, _, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, recipientDID)
	return nil
}

func newTestNode(t *testing.T) (*Node, *storage.TransactionRepository) {
	t.Helper()
	cfg := &config.Config{DBPath: filepath.Join(t.TempDir(), "node.db"), DBMaxOpenConns: 5}

	client, err := storage.NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	if err := client.MigrateUp(context.Background()); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}

	transactions := storage.NewTransactionRepository(client)
	messages := storage.NewMessageRepository(client)
	deliveries := storage.NewDeliveryRepository(client)

	keys := keymanager.New()
	packer := pack.New(keys)

	n := New("did:key:node", packer, fakeResolver{endpoint: "https://example.com/didcomm"}, transactions, messages, deliveries, DecisionHandler{}, &fakeDispatcher{})
	return n, transactions
}

func transferMessage() *didcomm.PlainMessage {
	body := json.RawMessage(`{"@type":"https://tap.rsvp/schema/1.0#Transfer","asset":"eip155:1/slip44:60","amount":"10","originator":{"@id":"did:key:originator"}}`)
	return &didcomm.PlainMessage{
		ID:   "tx-1",
		Type: "https://tap.rsvp/schema/1.0#Transfer",
		Body: body,
		From: "did:key:originator",
		To:   []string{"did:key:node"},
	}
}

func TestProcessInboundCreatesTransactionInReceivedState(t *testing.T) {
	n, transactions := newTestNode(t)

	packed, err := json.Marshal(transferMessage())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if err := n.ProcessInbound(context.Background(), string(packed)); err != nil {
		t.Fatalf("ProcessInbound: %v", err)
	}

	record, err := transactions.GetByThreadID(context.Background(), "tx-1")
	if err != nil {
		t.Fatalf("GetByThreadID: %v", err)
	}
	if record.State != string(fsm.Received) {
		t.Fatalf("State = %q, want %q", record.State, fsm.Received)
	}
}

func TestProcessInboundRejectsInvalidBody(t *testing.T) {
	n, _ := newTestNode(t)

	msg := transferMessage()
	msg.ID = "tx-2"
	msg.Body = json.RawMessage(`{"@type":"https://tap.rsvp/schema/1.0#Transfer"}`)

	packed, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if err := n.ProcessInbound(context.Background(), string(packed)); err == nil {
		t.Fatal("expected an error for a Transfer body missing required fields")
	}
}

func TestProcessInboundIgnoresUnregisteredType(t *testing.T) {
	n, transactions := newTestNode(t)

	msg := &didcomm.PlainMessage{ID: "tx-3", Type: "https://tap.rsvp/schema/1.0#SomeExtension", Body: json.RawMessage(`{}`)}
	packed, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	if err := n.ProcessInbound(context.Background(), string(packed)); err != nil {
		t.Fatalf("ProcessInbound should tolerate unregistered types, got %v", err)
	}
	if _, err := transactions.GetByThreadID(context.Background(), "tx-3"); err != storage.ErrTransactionNotFound {
		t.Fatalf("expected no transaction to be created for an unregistered type, got err=%v", err)
	}
}

func TestProcessInboundAuthorizeAdvancesState(t *testing.T) {
	n, transactions := newTestNode(t)

	packed, err := json.Marshal(transferMessage())
	if err != nil {
		t.Fatalf("marshal transfer: %v", err)
	}
	if err := n.ProcessInbound(context.Background(), string(packed)); err != nil {
		t.Fatalf("ProcessInbound(transfer): %v", err)
	}

	authorize := &didcomm.PlainMessage{
		ID:   "auth-1",
		ThID: "tx-1",
		Type: "https://tap.rsvp/schema/1.0#Authorize",
		Body: json.RawMessage(`{"transaction_id":"tx-1"}`),
		From: "did:key:beneficiary-agent",
	}
	packedAuth, err := json.Marshal(authorize)
	if err != nil {
		t.Fatalf("marshal authorize: %v", err)
	}
	if err := n.ProcessInbound(context.Background(), string(packedAuth)); err != nil {
		t.Fatalf("ProcessInbound(authorize): %v", err)
	}

	record, err := transactions.GetByThreadID(context.Background(), "tx-1")
	if err != nil {
		t.Fatalf("GetByThreadID: %v", err)
	}
	if record.State != string(fsm.ReadyToSettle) {
		t.Fatalf("State = %q, want %q (no required agents means any authorization satisfies quorum)", record.State, fsm.ReadyToSettle)
	}
}

func TestSendOutboundPacksLogsAndDispatches(t *testing.T) {
	n, _ := newTestNode(t)
	dispatcher := n.Dispatcher.(*fakeDispatcher)

	msg := &didcomm.PlainMessage{ID: "out-1", ThID: "tx-9", Type: "https://tap.rsvp/schema/1.0#Authorize", Body: json.RawMessage(`{"transaction_id":"tx-9"}`)}

	if err := n.SendOutbound(context.Background(), msg, pack.Options{Mode: pack.Plain}, "did:key:recipient"); err != nil {
		t.Fatalf("SendOutbound: %v", err)
	}

	dispatcher.mu.Lock()
	defer dispatcher.mu.Unlock()
	if len(dispatcher.calls) != 1 || dispatcher.calls[0] != "did:key:recipient" {
		t.Fatalf("unexpected dispatcher calls: %v", dispatcher.calls)
	}
}
