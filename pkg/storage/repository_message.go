package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageRepository logs inbound and outbound DIDComm messages.
type MessageRepository struct {
	client *Client
}

func NewMessageRepository(client *Client) *MessageRepository {
	return &MessageRepository{client: client}
}

// Log records one message exchange, idempotent on message_id: a retried
// inbound delivery logs once rather than duplicating history or raising.
func (r *MessageRepository) Log(ctx context.Context, transactionID string, direction MessageDirection, messageType, fromDID string, toDIDs []string, packedMode, raw string) (*MessageRecord, error) {
	toDIDsJSON, err := json.Marshal(toDIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode to_dids: %w", err)
	}

	id := uuid.New().String()
	now := time.Now()
	query := `
		INSERT INTO messages (
			message_id, transaction_id, direction, message_type,
			from_did, to_dids, packed_mode, raw, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING`

	if _, err := r.client.ExecContext(ctx, query,
		id, transactionID, string(direction), messageType, fromDID, string(toDIDsJSON), packedMode, raw, now,
	); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return r.Get(ctx, id)
		}
		return nil, fmt.Errorf("failed to log message: %w", err)
	}

	return &MessageRecord{
		MessageID: id, TransactionID: transactionID, Direction: direction, MessageType: messageType,
		FromDID: fromDID, ToDIDs: toDIDs, PackedMode: packedMode, Raw: raw, CreatedAt: now,
	}, nil
}

// ListByTransaction returns every logged message for a transaction, oldest
// first.
func (r *MessageRepository) ListByTransaction(ctx context.Context, transactionID string) ([]*MessageRecord, error) {
	query := `
		SELECT message_id, transaction_id, direction, message_type, from_did, to_dids, packed_mode, raw, created_at
		FROM messages WHERE transaction_id = ? ORDER BY created_at ASC`

	rows, err := r.client.QueryContext(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*MessageRecord
	for rows.Next() {
		var (
			m          MessageRecord
			direction  string
			toDIDsJSON string
		)
		if err := rows.Scan(&m.MessageID, &m.TransactionID, &direction, &m.MessageType, &m.FromDID, &toDIDsJSON, &m.PackedMode, &m.Raw, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Direction = MessageDirection(direction)
		json.Unmarshal([]byte(toDIDsJSON), &m.ToDIDs)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Get retrieves a single message by id.
func (r *MessageRepository) Get(ctx context.Context, messageID string) (*MessageRecord, error) {
	query := `
		SELECT message_id, transaction_id, direction, message_type, from_did, to_dids, packed_mode, raw, created_at
		FROM messages WHERE message_id = ?`

	var (
		m          MessageRecord
		direction  string
		toDIDsJSON string
	)
	err := r.client.QueryRowContext(ctx, query, messageID).Scan(
		&m.MessageID, &m.TransactionID, &direction, &m.MessageType, &m.FromDID, &toDIDsJSON, &m.PackedMode, &m.Raw, &m.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	m.Direction = MessageDirection(direction)
	json.Unmarshal([]byte(toDIDsJSON), &m.ToDIDs)
	return &m, nil
}
