package storage

import "errors"

// Sentinel errors for repository operations.
var (
	ErrNotFound             = errors.New("entity not found")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrDeliveryNotFound     = errors.New("delivery not found")
	ErrCustomerNotFound     = errors.New("customer not found")
	ErrDuplicateTransaction = errors.New("transaction already exists")
)
