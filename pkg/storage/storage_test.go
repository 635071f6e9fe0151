package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tap-rsvp/tap-node/pkg/config"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	cfg := &config.Config{DBPath: dbPath, DBMaxOpenConns: 5, DBMaxIdleConns: 2}
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	if err := client.MigrateUp(ctx); err != nil {
		t.Fatalf("MigrateUp: %v", err)
	}
	return client
}

func TestTransactionInsertRejectsDuplicate(t *testing.T) {
	client := newTestClient(t)
	repo := NewTransactionRepository(client)
	ctx := context.Background()

	input := &NewTransaction{TransactionID: "tx-1", ThreadID: "thread-1", State: "received", MessageType: "Transfer", Body: "{}"}
	if _, err := repo.Insert(ctx, input); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := repo.Insert(ctx, input); err != ErrDuplicateTransaction {
		t.Fatalf("want ErrDuplicateTransaction on re-insert, got %v", err)
	}

	var count int
	row := client.QueryRowContext(ctx, "SELECT COUNT(*) FROM transactions WHERE transaction_id = ?", "tx-1")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("want 1 row after duplicate insert, got %d", count)
	}
}

func TestTransactionUpdateStateRoundTrips(t *testing.T) {
	client := newTestClient(t)
	repo := NewTransactionRepository(client)
	ctx := context.Background()

	if _, err := repo.Insert(ctx, &NewTransaction{TransactionID: "tx-2", ThreadID: "thread-2", State: "received", MessageType: "Transfer", Body: "{}"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := repo.UpdateState(ctx, "tx-2", "partially_authorized", []string{"a1", "a2"}, []string{"a1"}); err != nil {
		t.Fatalf("UpdateState: %v", err)
	}

	tx, err := repo.Get(ctx, "tx-2")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tx.State != "partially_authorized" {
		t.Fatalf("want state partially_authorized, got %q", tx.State)
	}
	if len(tx.RequiredAgents) != 2 || len(tx.AuthorizedAgents) != 1 {
		t.Fatalf("agent rosters did not round-trip: %+v", tx)
	}
}

func TestTransactionUpdateStateNotFound(t *testing.T) {
	client := newTestClient(t)
	repo := NewTransactionRepository(client)
	ctx := context.Background()

	if err := repo.UpdateState(ctx, "missing", "settled", nil, nil); err != ErrTransactionNotFound {
		t.Fatalf("want ErrTransactionNotFound, got %v", err)
	}
}

func TestMessageLogAndList(t *testing.T) {
	client := newTestClient(t)
	txRepo := NewTransactionRepository(client)
	msgRepo := NewMessageRepository(client)
	ctx := context.Background()

	if _, err := txRepo.Insert(ctx, &NewTransaction{TransactionID: "tx-3", ThreadID: "thread-3", State: "received", MessageType: "Transfer", Body: "{}"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if _, err := msgRepo.Log(ctx, "tx-3", Inbound, "Transfer", "did:key:sender", []string{"did:key:recipient"}, "signed", "{}"); err != nil {
		t.Fatalf("Log: %v", err)
	}

	msgs, err := msgRepo.ListByTransaction(ctx, "tx-3")
	if err != nil {
		t.Fatalf("ListByTransaction: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("want 1 message, got %d", len(msgs))
	}
	if msgs[0].Direction != Inbound {
		t.Fatalf("want Inbound, got %q", msgs[0].Direction)
	}
}

func TestDeliveryLifecycle(t *testing.T) {
	client := newTestClient(t)
	txRepo := NewTransactionRepository(client)
	msgRepo := NewMessageRepository(client)
	delRepo := NewDeliveryRepository(client)
	ctx := context.Background()

	if _, err := txRepo.Insert(ctx, &NewTransaction{TransactionID: "tx-4", ThreadID: "thread-4", State: "received", MessageType: "Transfer", Body: "{}"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	msg, err := msgRepo.Log(ctx, "tx-4", Outbound, "Transfer", "did:key:sender", []string{"did:key:recipient"}, "signed", "{}")
	if err != nil {
		t.Fatalf("Log: %v", err)
	}

	delivery, err := delRepo.Create(ctx, msg.MessageID, "did:key:recipient", "https://recipient.example/didcomm")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if delivery.Status != DeliveryPending {
		t.Fatalf("want DeliveryPending, got %q", delivery.Status)
	}

	due, err := delRepo.DueForRetry(ctx, time.Now())
	if err != nil {
		t.Fatalf("DueForRetry: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("want 1 due delivery, got %d", len(due))
	}

	if err := delRepo.MarkDelivered(ctx, delivery.DeliveryID); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	due, err = delRepo.DueForRetry(ctx, time.Now())
	if err != nil {
		t.Fatalf("DueForRetry: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("want 0 due deliveries after delivered, got %d", len(due))
	}
}

func TestCustomerUpsert(t *testing.T) {
	client := newTestClient(t)
	repo := NewCustomerRepository(client)
	ctx := context.Background()

	if _, err := repo.Upsert(ctx, "did:key:customer1", "Alice", "", "{}"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	updated, err := repo.Upsert(ctx, "did:key:customer1", "Alice Smith", "529900T8BM49AURSDO55", "{}")
	if err != nil {
		t.Fatalf("Upsert (update): %v", err)
	}
	if updated.DisplayName != "Alice Smith" {
		t.Fatalf("want updated display name, got %q", updated.DisplayName)
	}
}
