package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/quantumtasks/platform/internal/catalog"
	apierrors "github.com/quantumtasks/platform/internal/errors"
	"github.com/quantumtasks/platform/internal/execution"
	"github.com/quantumtasks/platform/internal/wallet"
	"github.com/quantumtasks/platform/internal/webhook"
)

// handleListAgents returns the public catalog
func (s *APIServer) handleListAgents(c *gin.Context) {
	page, pageSize := pagination(c)
	category := c.Query("category")

	resp, err := s.catalogService.ListAgents(c.Request.Context(), category, page, pageSize)
	if err != nil {
		respondError(c, apierrors.ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// handleGetAgent returns one catalog entry by slug
func (s *APIServer) handleGetAgent(c *gin.Context) {
	agent, err := s.catalogService.GetAgentBySlug(c.Request.Context(), c.Param("slug"))
	if err != nil {
		if err == catalog.ErrAgentNotFound {
			respondError(c, apierrors.ErrAgentNotFoundError)
		} else {
			respondError(c, apierrors.ErrInternalServerError)
		}
		return
	}

	c.JSON(http.StatusOK, agent)
}

// handleGetCategories returns the distinct catalog categories
func (s *APIServer) handleGetCategories(c *gin.Context) {
	categories, err := s.catalogService.Categories(c.Request.Context())
	if err != nil {
		respondError(c, apierrors.ErrInternalServerError)
		return
	}
	if categories == nil {
		categories = []string{}
	}

	c.JSON(http.StatusOK, gin.H{"categories": categories})
}

// handleExecuteAgent runs an agent synchronously for the authenticated user
func (s *APIServer) handleExecuteAgent(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req execution.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	resp, err := s.executionService.Execute(c.Request.Context(), userID, &req)
	if err != nil {
		var verr *execution.ValidationError
		switch {
		case errors.As(err, &verr):
			respondError(c, apierrors.NewValidationError(verr.Fields))
		case errors.Is(err, catalog.ErrAgentNotFound):
			respondError(c, apierrors.ErrAgentNotFoundError)
		case errors.Is(err, wallet.ErrInsufficientBalance):
			respondError(c, apierrors.ErrInsufficientBalanceError)
		case errors.Is(err, wallet.ErrUserNotFound):
			respondError(c, apierrors.ErrUserNotFoundError)
		case errors.Is(err, webhook.ErrWebhookTimeout):
			respondError(c, apierrors.ErrUpstreamTimeoutError)
		case errors.Is(err, webhook.ErrWebhookUnavailable), errors.Is(err, webhook.ErrCircuitOpen):
			respondError(c, apierrors.ErrUpstreamUnavailableError)
		default:
			respondError(c, apierrors.ErrInternalServerError)
		}
		return
	}

	c.JSON(http.StatusOK, resp)
}

// handleListExecutions returns the authenticated user's execution history
func (s *APIServer) handleListExecutions(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	page, pageSize := pagination(c)
	resp, err := s.executionService.ListExecutions(c.Request.Context(), userID, c.Query("agent"), page, pageSize)
	if err != nil {
		respondError(c, apierrors.ErrInternalServerError)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// handleGetExecution returns one execution owned by the authenticated user
func (s *APIServer) handleGetExecution(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	executionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, apierrors.ErrExecutionNotFoundError)
		return
	}

	exec, err := s.executionService.GetExecution(c.Request.Context(), userID, executionID)
	if err != nil {
		if err == execution.ErrExecutionNotFound {
			respondError(c, apierrors.ErrExecutionNotFoundError)
		} else {
			respondError(c, apierrors.ErrInternalServerError)
		}
		return
	}

	c.JSON(http.StatusOK, exec)
}

// handleCreateAgent publishes a new catalog entry (operator only)
func (s *APIServer) handleCreateAgent(c *gin.Context) {
	var req catalog.CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	agent, err := s.catalogService.CreateAgent(c.Request.Context(), &req)
	if err != nil {
		respondCatalogError(c, err)
		return
	}

	c.JSON(http.StatusCreated, agent)
}

// handleUpdateAgent applies a partial update to a catalog entry (operator only)
func (s *APIServer) handleUpdateAgent(c *gin.Context) {
	var req catalog.UpdateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	agent, err := s.catalogService.UpdateAgent(c.Request.Context(), c.Param("slug"), &req)
	if err != nil {
		respondCatalogError(c, err)
		return
	}

	c.JSON(http.StatusOK, agent)
}

// handleDeactivateAgent hides an agent from the catalog (operator only)
func (s *APIServer) handleDeactivateAgent(c *gin.Context) {
	if err := s.catalogService.DeactivateAgent(c.Request.Context(), c.Param("slug")); err != nil {
		respondCatalogError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Agent deactivated"})
}

func respondCatalogError(c *gin.Context, err error) {
	switch err {
	case catalog.ErrAgentNotFound:
		respondError(c, apierrors.ErrAgentNotFoundError)
	case catalog.ErrSlugAlreadyTaken:
		respondError(c, apierrors.NewInvalidRequestError("Agent slug already taken"))
	case catalog.ErrInvalidSlug:
		respondError(c, apierrors.NewValidationError("Slug must be lowercase letters, digits, and hyphens"))
	case catalog.ErrInvalidPrice:
		respondError(c, apierrors.NewValidationError("Price must be non-negative"))
	case catalog.ErrInvalidSchema:
		respondError(c, apierrors.NewValidationError("Invalid form schema"))
	case catalog.ErrMissingTargetURL:
		respondError(c, apierrors.NewValidationError("Agent type requires a valid target URL"))
	default:
		respondError(c, apierrors.ErrInternalServerError)
	}
}
