package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quantumtasks/platform/internal/catalog"
	"github.com/quantumtasks/platform/internal/logging"
	"github.com/quantumtasks/platform/internal/models"
	"github.com/quantumtasks/platform/internal/monitoring"
	"github.com/quantumtasks/platform/internal/wallet"
	"github.com/quantumtasks/platform/internal/webhook"
	"github.com/rs/zerolog"
)

// Service errors
var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrInvalidInput      = errors.New("input does not match the agent form schema")
)

// ValidationError carries per-field input errors
type ValidationError struct {
	Fields []catalog.FieldError
}

func (e *ValidationError) Error() string { return ErrInvalidInput.Error() }

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// Service orchestrates paid agent executions: it charges the fee, records
// the execution, relays webhook agents to their workflow endpoint, and
// refunds the fee when the relay fails.
type Service struct {
	db      *pgxpool.Pool
	catalog *catalog.Service
	wallet  *wallet.Service
	webhook *webhook.Client
	logger  zerolog.Logger
}

// NewService creates a new execution service
func NewService(db *pgxpool.Pool, cat *catalog.Service, w *wallet.Service, wh *webhook.Client) *Service {
	return &Service{
		db:      db,
		catalog: cat,
		wallet:  w,
		webhook: wh,
		logger:  logging.NewLogger("execution"),
	}
}

// ExecuteRequest represents a request to run an agent
type ExecuteRequest struct {
	AgentSlug string         `json:"agent_slug" binding:"required"`
	InputData map[string]any `json:"input_data"`
}

// ExecuteResponse represents the outcome of a synchronous execution
type ExecuteResponse struct {
	Execution *models.AgentExecution `json:"execution"`
}

// ListExecutionsResponse represents a page of a user's execution history
type ListExecutionsResponse struct {
	Executions []models.AgentExecution `json:"executions"`
	Total      int                     `json:"total"`
	Page       int                     `json:"page"`
	PageSize   int                     `json:"page_size"`
	TotalPages int                     `json:"total_pages"`
}

// Execute runs an agent for a user. The fee is charged before the upstream
// call; a webhook failure after the charge refunds it in full. The returned
// execution is always terminal: completed or failed.
func (s *Service) Execute(ctx context.Context, userID uuid.UUID, req *ExecuteRequest) (*ExecuteResponse, error) {
	agent, err := s.catalog.GetAgentBySlug(ctx, req.AgentSlug)
	if err != nil {
		return nil, err
	}

	input := req.InputData
	if input == nil {
		input = map[string]any{}
	}
	if fieldErrs := catalog.ValidateInput(agent, input); len(fieldErrs) > 0 {
		return nil, &ValidationError{Fields: fieldErrs}
	}

	executionID := uuid.New()

	// Charge before the upstream call. Zero-price agents skip the wallet
	// entirely.
	charged := agent.Price.IsPositive()
	if charged {
		description := fmt.Sprintf("Agent execution: %s", agent.Name)
		if _, err := s.wallet.Debit(ctx, userID, agent.Price, models.TransactionTypeAgentUsage, description, &executionID); err != nil {
			return nil, err
		}
	}

	exec := &models.AgentExecution{
		ID:         executionID,
		AgentID:    agent.ID,
		AgentSlug:  agent.Slug,
		UserID:     userID,
		InputData:  input,
		Status:     models.ExecutionStatusPending,
		FeeCharged: agent.Price,
	}
	err = s.db.QueryRow(ctx, `
		INSERT INTO agent_executions (id, agent_id, agent_slug, user_id, input_data, status, fee_charged)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, exec.ID, exec.AgentID, exec.AgentSlug, exec.UserID, exec.InputData, exec.Status, exec.FeeCharged).Scan(&exec.CreatedAt)
	if err != nil {
		// The fee is already charged; without an execution row there is
		// nothing to attach the failure to, so refund before bailing.
		if charged {
			s.refund(ctx, userID, agent, executionID)
		}
		return nil, fmt.Errorf("failed to record execution: %w", err)
	}

	switch agent.AgentType {
	case models.AgentTypeExternalForm:
		err = s.completeExternalForm(ctx, exec, agent)
	default:
		err = s.runWebhook(ctx, exec, agent)
	}
	if err != nil {
		return nil, err
	}

	monitoring.RecordExecution(agent.Slug, string(exec.Status))
	return &ExecuteResponse{Execution: exec}, nil
}

// completeExternalForm finishes an external-form execution immediately: the
// paid output is the form URL itself.
func (s *Service) completeExternalForm(ctx context.Context, exec *models.AgentExecution, agent *models.Agent) error {
	output := map[string]any{}
	if agent.ExternalFormURL != nil {
		output["external_form_url"] = *agent.ExternalFormURL
	}
	return s.markCompleted(ctx, exec, models.ExecutionStatusPending, output)
}

// runWebhook drives a webhook execution through running to a terminal state.
// The upstream error is returned after the failure is recorded so callers
// can surface it; the execution itself is terminal either way.
func (s *Service) runWebhook(ctx context.Context, exec *models.AgentExecution, agent *models.Agent) error {
	if err := s.markRunning(ctx, exec); err != nil {
		return err
	}

	payload := webhook.BuildPayload(exec.ID.String(), agent.Slug, exec.UserID.String(), exec.InputData)

	start := time.Now()
	response, err := s.webhook.Invoke(ctx, *agent.WebhookURL, payload)
	latency := time.Since(start)

	// The terminal write and any refund must land even when the caller has
	// disconnected and ctx is already canceled.
	dbCtx := context.WithoutCancel(ctx)

	requestID := logging.RequestIDFromContext(ctx)
	if err != nil {
		if ferr := s.markFailed(dbCtx, exec, agent, err); ferr != nil {
			return ferr
		}
		logging.LogExecution(requestID, exec.ID.String(), agent.Slug, exec.UserID.String(),
			string(models.ExecutionStatusFailed), agent.Price.InexactFloat64(), latency)
		monitoring.RecordExecution(agent.Slug, string(models.ExecutionStatusFailed))
		return fmt.Errorf("agent workflow call failed: %w", err)
	}

	output := webhook.ExtractOutput(response)
	if err := s.markCompleted(dbCtx, exec, models.ExecutionStatusRunning, output); err != nil {
		return err
	}
	logging.LogExecution(requestID, exec.ID.String(), agent.Slug, exec.UserID.String(),
		string(models.ExecutionStatusCompleted), agent.Price.InexactFloat64(), latency)
	return nil
}

// markRunning advances pending to running. The status guard makes the
// transition idempotent under races.
func (s *Service) markRunning(ctx context.Context, exec *models.AgentExecution) error {
	now := time.Now()
	result, err := s.db.Exec(ctx, `
		UPDATE agent_executions
		SET status = $1, started_at = $2
		WHERE id = $3 AND status = $4
	`, models.ExecutionStatusRunning, now, exec.ID, models.ExecutionStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark execution running: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("execution %s is not pending", exec.ID)
	}
	exec.Status = models.ExecutionStatusRunning
	exec.StartedAt = &now
	return nil
}

func (s *Service) markCompleted(ctx context.Context, exec *models.AgentExecution, from models.ExecutionStatus, output map[string]any) error {
	now := time.Now()
	result, err := s.db.Exec(ctx, `
		UPDATE agent_executions
		SET status = $1, output_data = $2, completed_at = $3
		WHERE id = $4 AND status = $5
	`, models.ExecutionStatusCompleted, output, now, exec.ID, from)
	if err != nil {
		return fmt.Errorf("failed to mark execution completed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("execution %s is not %s", exec.ID, from)
	}
	exec.Status = models.ExecutionStatusCompleted
	exec.OutputData = output
	exec.CompletedAt = &now
	return nil
}

// markFailed records the upstream failure and refunds the fee. The
// fee_refunded flag is only set once the refund credit is actually in the
// ledger, so a false flag on a failed execution means the refund needs
// reconciliation.
func (s *Service) markFailed(ctx context.Context, exec *models.AgentExecution, agent *models.Agent, cause error) error {
	message := failureMessage(cause)
	now := time.Now()

	result, err := s.db.Exec(ctx, `
		UPDATE agent_executions
		SET status = $1, error_message = $2, completed_at = $3
		WHERE id = $4 AND status = $5
	`, models.ExecutionStatusFailed, message, now, exec.ID, models.ExecutionStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to mark execution failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("execution %s is not running", exec.ID)
	}

	exec.Status = models.ExecutionStatusFailed
	exec.ErrorMessage = &message
	exec.CompletedAt = &now

	if agent.Price.IsPositive() && s.refund(ctx, exec.UserID, agent, exec.ID) == nil {
		if _, err := s.db.Exec(ctx, `
			UPDATE agent_executions SET fee_refunded = TRUE
			WHERE id = $1 AND fee_refunded = FALSE
		`, exec.ID); err != nil {
			s.logger.Error().Err(err).
				Str("execution_id", exec.ID.String()).
				Msg("failed to flag execution as refunded")
		} else {
			exec.FeeRefunded = true
		}
	}
	return nil
}

func (s *Service) refund(ctx context.Context, userID uuid.UUID, agent *models.Agent, executionID uuid.UUID) error {
	description := fmt.Sprintf("Refund for failed execution: %s", agent.Name)
	_, err := s.wallet.Credit(ctx, userID, agent.Price, models.TransactionTypeRefund, description, nil, &executionID)
	if err != nil {
		// The ledger row is recoverable from the execution record; log loudly
		// instead of failing the response.
		s.logger.Error().Err(err).
			Str("execution_id", executionID.String()).
			Str("user_id", userID.String()).
			Msg("failed to refund execution fee")
	}
	return err
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, webhook.ErrWebhookTimeout):
		return "The agent timed out. The execution fee is returned to your balance."
	case errors.Is(err, webhook.ErrCircuitOpen):
		return "The agent is temporarily unavailable. The execution fee is returned to your balance."
	default:
		return "The agent failed to produce a result. The execution fee is returned to your balance."
	}
}

const executionColumns = `id, agent_id, agent_slug, user_id, input_data, output_data,
	       status, error_message, fee_charged, fee_refunded, created_at, started_at, completed_at`

func scanExecution(row pgx.Row) (*models.AgentExecution, error) {
	var e models.AgentExecution
	err := row.Scan(
		&e.ID, &e.AgentID, &e.AgentSlug, &e.UserID, &e.InputData, &e.OutputData,
		&e.Status, &e.ErrorMessage, &e.FeeCharged, &e.FeeRefunded,
		&e.CreatedAt, &e.StartedAt, &e.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrExecutionNotFound
		}
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}
	return &e, nil
}

// GetExecution returns one execution owned by the user
func (s *Service) GetExecution(ctx context.Context, userID, executionID uuid.UUID) (*models.AgentExecution, error) {
	row := s.db.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM agent_executions WHERE id = $1 AND user_id = $2
	`, executionColumns), executionID, userID)
	return scanExecution(row)
}

// ListExecutions returns a page of the user's executions, newest first,
// optionally filtered by agent slug
func (s *Service) ListExecutions(ctx context.Context, userID uuid.UUID, agentSlug string, page, pageSize int) (*ListExecutionsResponse, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	where := "WHERE user_id = $1"
	args := []any{userID}
	if agentSlug != "" {
		where += " AND agent_slug = $2"
		args = append(args, agentSlug)
	}

	var total int
	err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM agent_executions "+where, args...).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count executions: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM agent_executions %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, executionColumns, where, len(args)+1, len(args)+2)
	args = append(args, pageSize, offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var executions []models.AgentExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, *e)
	}

	return &ListExecutionsResponse{
		Executions: executions,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: (total + pageSize - 1) / pageSize,
	}, nil
}
