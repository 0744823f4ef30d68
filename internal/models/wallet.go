package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType represents the cause of a balance change
type TransactionType string

const (
	TransactionTypeTopUp      TransactionType = "top_up"
	TransactionTypeAgentUsage TransactionType = "agent_usage"
	TransactionTypeRefund     TransactionType = "refund"
)

// WalletTransaction is an append-only record of one balance mutation.
// Rows are never updated or deleted. Amount is signed: debits are
// negative, credits positive.
type WalletTransaction struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	UserID          uuid.UUID       `json:"user_id" db:"user_id"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	Type            TransactionType `json:"type" db:"type"`
	Description     *string         `json:"description,omitempty" db:"description"`
	StripeSessionID *string         `json:"stripe_session_id,omitempty" db:"stripe_session_id"`
	ExecutionID     *uuid.UUID      `json:"execution_id,omitempty" db:"execution_id"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}
