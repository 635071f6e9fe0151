package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TransactionRepository handles transaction lifecycle persistence.
type TransactionRepository struct {
	client *Client
}

func NewTransactionRepository(client *Client) *TransactionRepository {
	return &TransactionRepository{client: client}
}

// Insert creates a transaction keyed by its natural transaction_id and
// unique thread_id. A second Insert for either key is a protocol-level
// signal, not a retry to swallow: it returns ErrDuplicateTransaction so the
// caller can observe and log it rather than silently keeping the first row.
func (r *TransactionRepository) Insert(ctx context.Context, input *NewTransaction) (*TransactionRecord, error) {
	now := time.Now()
	query := `
		INSERT INTO transactions (
			transaction_id, thread_id, state, message_type, body,
			required_agents, authorized_agents, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, '[]', '[]', ?, ?)`

	if _, err := r.client.ExecContext(ctx, query,
		input.TransactionID, input.ThreadID, input.State, input.MessageType, input.Body, now, now,
	); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrDuplicateTransaction
		}
		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return r.Get(ctx, input.TransactionID)
}

// Get retrieves a transaction by its transaction_id.
func (r *TransactionRepository) Get(ctx context.Context, transactionID string) (*TransactionRecord, error) {
	query := `
		SELECT transaction_id, thread_id, state, message_type, body,
			required_agents, authorized_agents, settlement_id, created_at, updated_at
		FROM transactions WHERE transaction_id = ?`

	return r.scanRow(r.client.QueryRowContext(ctx, query, transactionID))
}

// GetByThreadID retrieves a transaction by its DIDComm thread id.
func (r *TransactionRepository) GetByThreadID(ctx context.Context, threadID string) (*TransactionRecord, error) {
	query := `
		SELECT transaction_id, thread_id, state, message_type, body,
			required_agents, authorized_agents, settlement_id, created_at, updated_at
		FROM transactions WHERE thread_id = ?`

	return r.scanRow(r.client.QueryRowContext(ctx, query, threadID))
}

func (r *TransactionRepository) scanRow(row *sql.Row) (*TransactionRecord, error) {
	var (
		tx               TransactionRecord
		requiredJSON     string
		authorizedJSON   string
		settlementID     sql.NullString
	)
	err := row.Scan(
		&tx.TransactionID, &tx.ThreadID, &tx.State, &tx.MessageType, &tx.Body,
		&requiredJSON, &authorizedJSON, &settlementID, &tx.CreatedAt, &tx.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	if err := json.Unmarshal([]byte(requiredJSON), &tx.RequiredAgents); err != nil {
		return nil, fmt.Errorf("failed to decode required_agents: %w", err)
	}
	if err := json.Unmarshal([]byte(authorizedJSON), &tx.AuthorizedAgents); err != nil {
		return nil, fmt.Errorf("failed to decode authorized_agents: %w", err)
	}
	tx.SettlementID = settlementID.String
	return &tx, nil
}

// UpdateState persists a new FSM state and agent rosters for a transaction.
func (r *TransactionRepository) UpdateState(ctx context.Context, transactionID, state string, required, authorized []string) error {
	requiredJSON, err := json.Marshal(required)
	if err != nil {
		return fmt.Errorf("failed to encode required_agents: %w", err)
	}
	authorizedJSON, err := json.Marshal(authorized)
	if err != nil {
		return fmt.Errorf("failed to encode authorized_agents: %w", err)
	}

	query := `
		UPDATE transactions
		SET state = ?, required_agents = ?, authorized_agents = ?, updated_at = ?
		WHERE transaction_id = ?`

	result, err := r.client.ExecContext(ctx, query, state, string(requiredJSON), string(authorizedJSON), time.Now(), transactionID)
	if err != nil {
		return fmt.Errorf("failed to update transaction state: %w", err)
	}
	return requireRowAffected(result, ErrTransactionNotFound)
}

// UpdateSettlementID records the settlement identifier once known.
func (r *TransactionRepository) UpdateSettlementID(ctx context.Context, transactionID, settlementID string) error {
	query := `UPDATE transactions SET settlement_id = ?, updated_at = ? WHERE transaction_id = ?`
	result, err := r.client.ExecContext(ctx, query, settlementID, time.Now(), transactionID)
	if err != nil {
		return fmt.Errorf("failed to update settlement id: %w", err)
	}
	return requireRowAffected(result, ErrTransactionNotFound)
}

// ListByState returns all transactions currently in one of the given
// states, oldest first.
func (r *TransactionRepository) ListByState(ctx context.Context, states ...string) ([]*TransactionRecord, error) {
	placeholders := make([]string, len(states))
	args := make([]any, len(states))
	for i, s := range states {
		placeholders[i] = "?"
		args[i] = s
	}
	query := fmt.Sprintf(`
		SELECT transaction_id, thread_id, state, message_type, body,
			required_agents, authorized_agents, settlement_id, created_at, updated_at
		FROM transactions WHERE state IN (%s) ORDER BY created_at ASC`, strings.Join(placeholders, ","))

	rows, err := r.client.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []*TransactionRecord
	for rows.Next() {
		var (
			tx             TransactionRecord
			requiredJSON   string
			authorizedJSON string
			settlementID   sql.NullString
		)
		if err := rows.Scan(
			&tx.TransactionID, &tx.ThreadID, &tx.State, &tx.MessageType, &tx.Body,
			&requiredJSON, &authorizedJSON, &settlementID, &tx.CreatedAt, &tx.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		json.Unmarshal([]byte(requiredJSON), &tx.RequiredAgents)
		json.Unmarshal([]byte(authorizedJSON), &tx.AuthorizedAgents)
		tx.SettlementID = settlementID.String
		out = append(out, &tx)
	}
	return out, rows.Err()
}

func requireRowAffected(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
