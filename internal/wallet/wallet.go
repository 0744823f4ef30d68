package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quantumtasks/platform/internal/cache"
	"github.com/quantumtasks/platform/internal/logging"
	"github.com/quantumtasks/platform/internal/models"
	"github.com/quantumtasks/platform/internal/monitoring"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Service errors
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUserNotFound        = errors.New("user not found")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// Service handles wallet balance and ledger operations
type Service struct {
	db     *pgxpool.Pool
	cache  *cache.Redis
	logger zerolog.Logger
}

// NewService creates a new wallet service. The cache is optional; when nil
// every balance read goes to the database.
func NewService(db *pgxpool.Pool, c *cache.Redis) *Service {
	return &Service{
		db:     db,
		cache:  c,
		logger: logging.NewLogger("wallet"),
	}
}

// BalanceResponse represents a wallet balance view
type BalanceResponse struct {
	UserID  uuid.UUID       `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

// TransactionHistoryResponse represents a page of ledger entries
type TransactionHistoryResponse struct {
	Transactions []models.WalletTransaction `json:"transactions"`
	Total        int                        `json:"total"`
	Page         int                        `json:"page"`
	PageSize     int                        `json:"page_size"`
	TotalPages   int                        `json:"total_pages"`
}

// Debit atomically deducts amount from the user's balance and records a
// negative ledger entry. Returns ErrInsufficientBalance when the balance
// would go below zero; the balance is never partially applied.
func (s *Service) Debit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, txType models.TransactionType, description string, executionID *uuid.UUID) (*models.WalletTransaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Conditional update rejects the debit when funds are short, without a
	// read-then-write race between concurrent debits.
	result, err := tx.Exec(ctx, `
		UPDATE users
		SET balance = balance - $1, updated_at = NOW()
		WHERE id = $2 AND balance >= $1
	`, amount, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to debit balance: %w", err)
	}
	if result.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)", userID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check user existence: %w", err)
		}
		if !exists {
			return nil, ErrUserNotFound
		}
		return nil, ErrInsufficientBalance
	}

	entry := models.WalletTransaction{
		ID:          uuid.New(),
		UserID:      userID,
		Amount:      amount.Neg(),
		Type:        txType,
		ExecutionID: executionID,
	}
	if description != "" {
		entry.Description = &description
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO wallet_transactions (id, user_id, amount, type, description, execution_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, entry.ID, entry.UserID, entry.Amount, entry.Type, entry.Description, entry.ExecutionID).Scan(&entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record ledger entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.invalidate(ctx, userID)
	monitoring.RecordWalletDebit(amount.InexactFloat64())
	logging.LogWalletChange(userID.String(), string(txType), amount.Neg().InexactFloat64())

	return &entry, nil
}

// Credit atomically adds amount to the user's balance and records a positive
// ledger entry. When stripeSessionID is set the credit is idempotent: a
// second call with the same session ID is a no-op and returns the existing
// ledger entry.
func (s *Service) Credit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, txType models.TransactionType, description string, stripeSessionID *string, executionID *uuid.UUID) (*models.WalletTransaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	entry := models.WalletTransaction{
		ID:              uuid.New(),
		UserID:          userID,
		Amount:          amount,
		Type:            txType,
		StripeSessionID: stripeSessionID,
		ExecutionID:     executionID,
	}
	if description != "" {
		entry.Description = &description
	}

	// The partial unique index on stripe_session_id turns replayed Stripe
	// events into conflict no-ops.
	err = tx.QueryRow(ctx, `
		INSERT INTO wallet_transactions (id, user_id, amount, type, description, stripe_session_id, execution_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (stripe_session_id) WHERE stripe_session_id IS NOT NULL DO NOTHING
		RETURNING created_at
	`, entry.ID, entry.UserID, entry.Amount, entry.Type, entry.Description, entry.StripeSessionID, entry.ExecutionID).Scan(&entry.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Duplicate session: the balance was already credited.
			return s.transactionBySessionID(ctx, *stripeSessionID)
		}
		return nil, fmt.Errorf("failed to record ledger entry: %w", err)
	}

	result, err := tx.Exec(ctx, `
		UPDATE users
		SET balance = balance + $1, updated_at = NOW()
		WHERE id = $2
	`, amount, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to credit balance: %w", err)
	}
	if result.RowsAffected() == 0 {
		return nil, ErrUserNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.invalidate(ctx, userID)
	monitoring.RecordWalletCredit(amount.InexactFloat64())
	logging.LogWalletChange(userID.String(), string(txType), amount.InexactFloat64())

	return &entry, nil
}

// Balance returns the user's current balance, served from the Redis cache
// when fresh and read through the database otherwise.
func (s *Service) Balance(ctx context.Context, userID uuid.UUID) (*BalanceResponse, error) {
	if s.cache != nil {
		if cached, err := s.cache.GetBalance(ctx, userID.String()); err == nil {
			if balance, perr := decimal.NewFromString(cached); perr == nil {
				return &BalanceResponse{UserID: userID, Balance: balance}, nil
			}
		}
	}

	var balance decimal.Decimal
	err := s.db.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.SetBalance(ctx, userID.String(), balance.String()); err != nil {
			s.logger.Warn().Err(err).Msg("failed to cache balance")
		}
	}

	return &BalanceResponse{UserID: userID, Balance: balance}, nil
}

// Transactions returns a page of the user's ledger, newest first.
func (s *Service) Transactions(ctx context.Context, userID uuid.UUID, page, pageSize int) (*TransactionHistoryResponse, error) {
	return s.transactions(ctx, userID, "", page, pageSize)
}

// TransactionsByType returns a page of the user's ledger restricted to one
// transaction type, newest first.
func (s *Service) TransactionsByType(ctx context.Context, userID uuid.UUID, txType models.TransactionType, page, pageSize int) (*TransactionHistoryResponse, error) {
	return s.transactions(ctx, userID, txType, page, pageSize)
}

func (s *Service) transactions(ctx context.Context, userID uuid.UUID, txType models.TransactionType, page, pageSize int) (*TransactionHistoryResponse, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	where := "WHERE user_id = $1"
	args := []any{userID}
	if txType != "" {
		where += " AND type = $2"
		args = append(args, txType)
	}

	var total int
	err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM wallet_transactions "+where, args...).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, user_id, amount, type, description, stripe_session_id, execution_id, created_at
		FROM wallet_transactions
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2)
	args = append(args, pageSize, offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []models.WalletTransaction
	for rows.Next() {
		var t models.WalletTransaction
		err := rows.Scan(
			&t.ID, &t.UserID, &t.Amount, &t.Type,
			&t.Description, &t.StripeSessionID, &t.ExecutionID, &t.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, t)
	}

	return &TransactionHistoryResponse{
		Transactions: transactions,
		Total:        total,
		Page:         page,
		PageSize:     pageSize,
		TotalPages:   (total + pageSize - 1) / pageSize,
	}, nil
}

// transactionBySessionID fetches the ledger entry recorded for a Stripe
// checkout session.
func (s *Service) transactionBySessionID(ctx context.Context, sessionID string) (*models.WalletTransaction, error) {
	var t models.WalletTransaction
	err := s.db.QueryRow(ctx, `
		SELECT id, user_id, amount, type, description, stripe_session_id, execution_id, created_at
		FROM wallet_transactions
		WHERE stripe_session_id = $1
	`, sessionID).Scan(
		&t.ID, &t.UserID, &t.Amount, &t.Type,
		&t.Description, &t.StripeSessionID, &t.ExecutionID, &t.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction by session: %w", err)
	}
	return &t, nil
}

func (s *Service) invalidate(ctx context.Context, userID uuid.UUID) {
	if s.cache != nil {
		s.cache.InvalidateBalance(ctx, userID.String())
	}
}
