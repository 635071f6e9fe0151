package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeliveryRepository tracks per-recipient outbound delivery attempts.
type DeliveryRepository struct {
	client *Client
}

func NewDeliveryRepository(client *Client) *DeliveryRepository {
	return &DeliveryRepository{client: client}
}

// Create records a new pending delivery for one recipient of one message.
func (r *DeliveryRepository) Create(ctx context.Context, messageID, recipientDID, endpoint string) (*DeliveryRecord, error) {
	id := uuid.New().String()
	now := time.Now()
	query := `
		INSERT INTO deliveries (delivery_id, message_id, recipient_did, endpoint, status, attempt_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`

	if _, err := r.client.ExecContext(ctx, query, id, messageID, recipientDID, endpoint, string(DeliveryPending), now, now); err != nil {
		return nil, fmt.Errorf("failed to create delivery: %w", err)
	}
	return &DeliveryRecord{
		DeliveryID: id, MessageID: messageID, RecipientDID: recipientDID, Endpoint: endpoint,
		Status: DeliveryPending, CreatedAt: now, UpdatedAt: now,
	}, nil
}

// MarkDelivered transitions a delivery to the terminal delivered state.
func (r *DeliveryRepository) MarkDelivered(ctx context.Context, deliveryID string) error {
	query := `UPDATE deliveries SET status = ?, updated_at = ? WHERE delivery_id = ?`
	result, err := r.client.ExecContext(ctx, query, string(DeliveryDelivered), time.Now(), deliveryID)
	if err != nil {
		return fmt.Errorf("failed to mark delivery delivered: %w", err)
	}
	return requireRowAffected(result, ErrDeliveryNotFound)
}

// MarkFailed records a failed attempt and schedules the next retry. When
// abandon is true the delivery moves to the terminal abandoned state
// instead of scheduling another attempt.
func (r *DeliveryRepository) MarkFailed(ctx context.Context, deliveryID string, attemptErr error, nextAttempt time.Time, abandon bool) error {
	status := DeliveryFailed
	var next *time.Time
	if abandon {
		status = DeliveryAbandoned
	} else {
		next = &nextAttempt
	}

	query := `
		UPDATE deliveries
		SET status = ?, attempt_count = attempt_count + 1, last_error = ?, next_attempt_at = ?, updated_at = ?
		WHERE delivery_id = ?`

	result, err := r.client.ExecContext(ctx, query, string(status), attemptErr.Error(), next, time.Now(), deliveryID)
	if err != nil {
		return fmt.Errorf("failed to mark delivery failed: %w", err)
	}
	return requireRowAffected(result, ErrDeliveryNotFound)
}

// DueForRetry returns pending/failed deliveries whose next_attempt_at has
// passed, oldest first.
func (r *DeliveryRepository) DueForRetry(ctx context.Context, now time.Time) ([]*DeliveryRecord, error) {
	query := `
		SELECT delivery_id, message_id, recipient_did, endpoint, status, attempt_count, last_error, next_attempt_at, created_at, updated_at
		FROM deliveries
		WHERE status IN (?, ?) AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at ASC`

	rows, err := r.client.QueryContext(ctx, query, string(DeliveryPending), string(DeliveryFailed), now)
	if err != nil {
		return nil, fmt.Errorf("failed to query due deliveries: %w", err)
	}
	defer rows.Close()

	var out []*DeliveryRecord
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDelivery(rows *sql.Rows) (*DeliveryRecord, error) {
	var (
		d         DeliveryRecord
		status    string
		lastError sql.NullString
		nextAt    sql.NullTime
	)
	if err := rows.Scan(&d.DeliveryID, &d.MessageID, &d.RecipientDID, &d.Endpoint, &status, &d.AttemptCount, &lastError, &nextAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to scan delivery: %w", err)
	}
	d.Status = DeliveryStatus(status)
	d.LastError = lastError.String
	if nextAt.Valid {
		d.NextAttemptAt = &nextAt.Time
	}
	return &d, nil
}
