package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ExecutionStatus represents the lifecycle state of an execution.
// Transitions are linear: pending -> running -> completed | failed.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// IsTerminal reports whether the status is a terminal state
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// AgentExecution records one invocation of one agent by one user
type AgentExecution struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	AgentID      uuid.UUID       `json:"agent_id" db:"agent_id"`
	AgentSlug    string          `json:"agent_slug" db:"agent_slug"`
	UserID       uuid.UUID       `json:"user_id" db:"user_id"`
	InputData    map[string]any  `json:"input_data" db:"input_data"`
	OutputData   map[string]any  `json:"output_data,omitempty" db:"output_data"`
	Status       ExecutionStatus `json:"status" db:"status"`
	ErrorMessage *string         `json:"error_message,omitempty" db:"error_message"`
	FeeCharged   decimal.Decimal `json:"fee_charged" db:"fee_charged"`
	FeeRefunded  bool            `json:"fee_refunded" db:"fee_refunded"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}
