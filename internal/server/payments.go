package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	apierrors "github.com/quantumtasks/platform/internal/errors"
	"github.com/quantumtasks/platform/internal/payment"
)

// Stripe webhook deliveries stay well under this cap
const maxStripeWebhookBody = 64 << 10

// handleCheckout creates a Stripe Checkout session for a wallet top-up
func (s *APIServer) handleCheckout(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req payment.CreateCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	resp, err := s.paymentService.CreateCheckoutSession(c.Request.Context(), userID, &req)
	if err != nil {
		if err == payment.ErrAmountOutOfRange {
			respondError(c, apierrors.NewValidationError(
				"Top-up amount must be between the configured minimum and maximum, in whole cents"))
		} else {
			respondError(c, apierrors.ErrInternalServerError)
		}
		return
	}

	c.JSON(http.StatusOK, resp)
}

// handleStripeWebhook receives Stripe event deliveries. Stripe signs the raw
// body, so it is read unparsed and verified in the service.
func (s *APIServer) handleStripeWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxStripeWebhookBody))
	if err != nil {
		respondError(c, apierrors.NewInvalidRequestError("Failed to read request body"))
		return
	}

	signature := c.GetHeader("Stripe-Signature")
	if err := s.paymentService.HandleStripeWebhook(c.Request.Context(), body, signature); err != nil {
		switch {
		case errors.Is(err, payment.ErrInvalidWebhookSig):
			respondError(c, apierrors.NewInvalidRequestError("Invalid webhook signature"))
		case errors.Is(err, payment.ErrMalformedEvent):
			respondError(c, apierrors.NewInvalidRequestError("Malformed webhook event"))
		default:
			// Non-2xx makes Stripe retry the delivery
			respondError(c, apierrors.ErrInternalServerError)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// handleTopUpHistory returns the authenticated user's top-up ledger
func (s *APIServer) handleTopUpHistory(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	page, pageSize := pagination(c)
	resp, err := s.paymentService.TopUpHistory(c.Request.Context(), userID, page, pageSize)
	if err != nil {
		respondError(c, apierrors.ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, resp)
}
