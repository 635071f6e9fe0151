package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CustomerRepository persists known counterparty profiles (TAIP-9 customer
// data shared between VASPs during a transaction).
type CustomerRepository struct {
	client *Client
}

func NewCustomerRepository(client *Client) *CustomerRepository {
	return &CustomerRepository{client: client}
}

// Upsert idempotently creates or refreshes a customer keyed by DID.
func (r *CustomerRepository) Upsert(ctx context.Context, did, displayName, leiCode, metadata string) (*CustomerRecord, error) {
	now := time.Now()
	id := uuid.New().String()

	query := `
		INSERT INTO customers (customer_id, did, display_name, lei_code, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(did) DO UPDATE SET
			display_name = excluded.display_name,
			lei_code = excluded.lei_code,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`

	if _, err := r.client.ExecContext(ctx, query, id, did, displayName, leiCode, metadata, now, now); err != nil {
		return nil, fmt.Errorf("failed to upsert customer: %w", err)
	}
	return r.GetByDID(ctx, did)
}

// GetByDID retrieves a customer by their DID.
func (r *CustomerRepository) GetByDID(ctx context.Context, did string) (*CustomerRecord, error) {
	query := `
		SELECT customer_id, did, display_name, lei_code, metadata, created_at, updated_at
		FROM customers WHERE did = ?`

	var c CustomerRecord
	err := r.client.QueryRowContext(ctx, query, did).Scan(&c.CustomerID, &c.DID, &c.DisplayName, &c.LEICode, &c.Metadata, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	return &c, nil
}
