package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/quantumtasks/platform/internal/config"
	"github.com/quantumtasks/platform/internal/logging"
	"github.com/quantumtasks/platform/internal/models"
	"github.com/quantumtasks/platform/internal/monitoring"
	"github.com/quantumtasks/platform/internal/wallet"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
	stripewebhook "github.com/stripe/stripe-go/v76/webhook"
)

// Service errors
var (
	ErrAmountOutOfRange  = errors.New("top-up amount out of allowed range")
	ErrInvalidWebhookSig = errors.New("invalid webhook signature")
	ErrMalformedEvent    = errors.New("malformed webhook event")
)

// Service handles Stripe top-ups for wallet balances
type Service struct {
	wallet       *wallet.Service
	stripeConfig *config.StripeConfig
	walletConfig *config.WalletConfig
	appURL       string
	logger       zerolog.Logger
}

// NewService creates a new payment service
func NewService(w *wallet.Service, stripeCfg *config.StripeConfig, walletCfg *config.WalletConfig, appURL string) *Service {
	if stripeCfg.SecretKey != "" {
		stripe.Key = stripeCfg.SecretKey
	}
	return &Service{
		wallet:       w,
		stripeConfig: stripeCfg,
		walletConfig: walletCfg,
		appURL:       appURL,
		logger:       logging.NewLogger("payment"),
	}
}

// CreateCheckoutRequest represents a top-up checkout request
type CreateCheckoutRequest struct {
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

// CreateCheckoutResponse represents a created checkout session
type CreateCheckoutResponse struct {
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

// CreateCheckoutSession creates a Stripe Checkout session for a wallet
// top-up. The amount is bounded by the configured self-serve limits and
// must be a whole number of cents.
func (s *Service) CreateCheckoutSession(ctx context.Context, userID uuid.UUID, req *CreateCheckoutRequest) (*CreateCheckoutResponse, error) {
	min := decimal.NewFromFloat(s.walletConfig.MinTopUpUSD)
	max := decimal.NewFromFloat(s.walletConfig.MaxTopUpUSD)
	if req.Amount.LessThan(min) || req.Amount.GreaterThan(max) {
		return nil, ErrAmountOutOfRange
	}

	cents := req.Amount.Mul(decimal.NewFromInt(100))
	if !cents.Equal(cents.Truncate(0)) {
		return nil, ErrAmountOutOfRange
	}

	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String("usd"),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String("Wallet top-up"),
						Description: stripe.String(fmt.Sprintf("Add $%s to your balance", req.Amount.StringFixed(2))),
					},
					UnitAmount: stripe.Int64(cents.IntPart()),
				},
				Quantity: stripe.Int64(1),
			},
		},
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(fmt.Sprintf("%s/wallet/top-up/success?session_id={CHECKOUT_SESSION_ID}", s.appURL)),
		CancelURL:  stripe.String(fmt.Sprintf("%s/wallet/top-up/cancel", s.appURL)),
		Metadata: map[string]string{
			"user_id": userID.String(),
			"amount":  req.Amount.StringFixed(2),
		},
		ClientReferenceID: stripe.String(userID.String()),
	}

	sess, err := session.New(params)
	if err != nil {
		monitoring.RecordPayment("session_error")
		return nil, fmt.Errorf("failed to create Stripe checkout session: %w", err)
	}

	monitoring.RecordPayment("session_created")
	return &CreateCheckoutResponse{
		SessionID:   sess.ID,
		CheckoutURL: sess.URL,
	}, nil
}

// HandleStripeWebhook verifies and processes a Stripe webhook delivery.
// Only checkout.session.completed credits the wallet; replayed deliveries
// are absorbed by the idempotent credit.
func (s *Service) HandleStripeWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := stripewebhook.ConstructEvent(payload, signature, s.stripeConfig.WebhookSecret)
	if err != nil {
		return ErrInvalidWebhookSig
	}

	switch event.Type {
	case "checkout.session.completed":
		return s.handleCheckoutCompleted(ctx, event)
	default:
		return nil
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	sessionID := event.GetObjectValue("id")
	if sessionID == "" {
		return fmt.Errorf("%w: missing session id", ErrMalformedEvent)
	}

	userIDStr := event.GetObjectValue("metadata", "user_id")
	if userIDStr == "" {
		userIDStr = event.GetObjectValue("client_reference_id")
	}
	if userIDStr == "" {
		return fmt.Errorf("%w: missing user_id metadata", ErrMalformedEvent)
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return fmt.Errorf("%w: invalid user_id", ErrMalformedEvent)
	}

	amountStr := event.GetObjectValue("metadata", "amount")
	amount, err := decimal.NewFromString(amountStr)
	if err != nil || !amount.IsPositive() {
		// Fall back to the charged total in cents
		totalStr := event.GetObjectValue("amount_total")
		cents, cerr := decimal.NewFromString(totalStr)
		if cerr != nil || !cents.IsPositive() {
			return fmt.Errorf("%w: no usable amount", ErrMalformedEvent)
		}
		amount = cents.Div(decimal.NewFromInt(100))
	}

	_, err = s.wallet.Credit(ctx, userID, amount, models.TransactionTypeTopUp, "Wallet top-up", &sessionID, nil)
	if err != nil {
		monitoring.RecordPayment("credit_failed")
		return fmt.Errorf("failed to credit top-up: %w", err)
	}

	monitoring.RecordPayment("completed")
	logging.LogPayment("", userID.String(), sessionID, "completed", amount.InexactFloat64())
	return nil
}

// TopUpHistory returns the user's top-up ledger entries, newest first
func (s *Service) TopUpHistory(ctx context.Context, userID uuid.UUID, page, pageSize int) (*wallet.TransactionHistoryResponse, error) {
	return s.wallet.TransactionsByType(ctx, userID, models.TransactionTypeTopUp, page, pageSize)
}
