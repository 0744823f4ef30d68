package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quantumtasks/platform/internal/models"
	"github.com/shopspring/decimal"
)

// Service errors
var (
	ErrAgentNotFound    = errors.New("agent not found")
	ErrSlugAlreadyTaken = errors.New("agent slug already taken")
	ErrInvalidSlug      = errors.New("invalid agent slug")
	ErrInvalidPrice     = errors.New("agent price must be non-negative")
	ErrInvalidSchema    = errors.New("invalid form schema")
	ErrMissingTargetURL = errors.New("agent type requires a target URL")
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// Service handles the agent catalog
type Service struct {
	db *pgxpool.Pool
}

// NewService creates a new catalog service
func NewService(db *pgxpool.Pool) *Service {
	return &Service{db: db}
}

// CreateAgentRequest represents an operator request to publish an agent
type CreateAgentRequest struct {
	Slug            string            `json:"slug" binding:"required"`
	Name            string            `json:"name" binding:"required"`
	Description     *string           `json:"description,omitempty"`
	Category        *string           `json:"category,omitempty"`
	AgentType       models.AgentType  `json:"agent_type" binding:"required,oneof=webhook external_form"`
	Price           decimal.Decimal   `json:"price"`
	FormSchema      models.FormSchema `json:"form_schema"`
	WebhookURL      *string           `json:"webhook_url,omitempty"`
	ExternalFormURL *string           `json:"external_form_url,omitempty"`
}

// UpdateAgentRequest represents a partial update to a catalog entry
type UpdateAgentRequest struct {
	Name            *string            `json:"name,omitempty"`
	Description     *string            `json:"description,omitempty"`
	Category        *string            `json:"category,omitempty"`
	Price           *decimal.Decimal   `json:"price,omitempty"`
	FormSchema      *models.FormSchema `json:"form_schema,omitempty"`
	WebhookURL      *string            `json:"webhook_url,omitempty"`
	ExternalFormURL *string            `json:"external_form_url,omitempty"`
	IsActive        *bool              `json:"is_active,omitempty"`
}

// ListAgentsResponse represents a page of catalog entries
type ListAgentsResponse struct {
	Agents     []models.Agent `json:"agents"`
	Total      int            `json:"total"`
	Page       int            `json:"page"`
	PageSize   int            `json:"page_size"`
	TotalPages int            `json:"total_pages"`
}

const agentColumns = `id, slug, name, description, category, agent_type, price,
	       form_schema, webhook_url, external_form_url, is_active, created_at, updated_at`

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var a models.Agent
	err := row.Scan(
		&a.ID, &a.Slug, &a.Name, &a.Description, &a.Category, &a.AgentType, &a.Price,
		&a.FormSchema, &a.WebhookURL, &a.ExternalFormURL, &a.IsActive, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	return &a, nil
}

// ListAgents returns a page of active agents, optionally filtered by category
func (s *Service) ListAgents(ctx context.Context, category string, page, pageSize int) (*ListAgentsResponse, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	where := "WHERE is_active = true"
	args := []any{}
	if category != "" {
		where += " AND category = $1"
		args = append(args, category)
	}

	var total int
	err := s.db.QueryRow(ctx, "SELECT COUNT(*) FROM agents "+where, args...).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count agents: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM agents %s
		ORDER BY name ASC
		LIMIT $%d OFFSET $%d
	`, agentColumns, where, len(args)+1, len(args)+2)
	args = append(args, pageSize, offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, *a)
	}

	return &ListAgentsResponse{
		Agents:     agents,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: (total + pageSize - 1) / pageSize,
	}, nil
}

// GetAgentBySlug returns one active agent by its slug
func (s *Service) GetAgentBySlug(ctx context.Context, slug string) (*models.Agent, error) {
	row := s.db.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM agents WHERE slug = $1 AND is_active = true
	`, agentColumns), slug)
	return scanAgent(row)
}

// GetAgentBySlugAny returns one agent by its slug regardless of active state.
// Used by operator endpoints.
func (s *Service) GetAgentBySlugAny(ctx context.Context, slug string) (*models.Agent, error) {
	row := s.db.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM agents WHERE slug = $1
	`, agentColumns), slug)
	return scanAgent(row)
}

// Categories returns the distinct categories of active agents
func (s *Service) Categories(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT category FROM agents
		WHERE is_active = true AND category IS NOT NULL
		ORDER BY category ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories: %w", err)
	}
	defer rows.Close()

	var categories []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan category: %w", err)
		}
		categories = append(categories, c)
	}
	return categories, nil
}

// CreateAgent publishes a new catalog entry
func (s *Service) CreateAgent(ctx context.Context, req *CreateAgentRequest) (*models.Agent, error) {
	if !slugPattern.MatchString(req.Slug) {
		return nil, ErrInvalidSlug
	}
	if req.Price.IsNegative() {
		return nil, ErrInvalidPrice
	}
	if err := validateSchema(&req.FormSchema); err != nil {
		return nil, err
	}
	if err := validateTargetURL(req.AgentType, req.WebhookURL, req.ExternalFormURL); err != nil {
		return nil, err
	}

	var exists bool
	err := s.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM agents WHERE slug = $1)", req.Slug).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check slug: %w", err)
	}
	if exists {
		return nil, ErrSlugAlreadyTaken
	}

	row := s.db.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO agents (id, slug, name, description, category, agent_type, price,
		                    form_schema, webhook_url, external_form_url, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, true)
		RETURNING %s
	`, agentColumns), uuid.New(), req.Slug, req.Name, req.Description, req.Category,
		req.AgentType, req.Price, req.FormSchema, req.WebhookURL, req.ExternalFormURL)
	return scanAgent(row)
}

// UpdateAgent applies a partial update to a catalog entry
func (s *Service) UpdateAgent(ctx context.Context, slug string, req *UpdateAgentRequest) (*models.Agent, error) {
	agent, err := s.GetAgentBySlugAny(ctx, slug)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		agent.Name = *req.Name
	}
	if req.Description != nil {
		agent.Description = req.Description
	}
	if req.Category != nil {
		agent.Category = req.Category
	}
	if req.Price != nil {
		if req.Price.IsNegative() {
			return nil, ErrInvalidPrice
		}
		agent.Price = *req.Price
	}
	if req.FormSchema != nil {
		if err := validateSchema(req.FormSchema); err != nil {
			return nil, err
		}
		agent.FormSchema = *req.FormSchema
	}
	if req.WebhookURL != nil {
		agent.WebhookURL = req.WebhookURL
	}
	if req.ExternalFormURL != nil {
		agent.ExternalFormURL = req.ExternalFormURL
	}
	if req.IsActive != nil {
		agent.IsActive = *req.IsActive
	}
	if err := validateTargetURL(agent.AgentType, agent.WebhookURL, agent.ExternalFormURL); err != nil {
		return nil, err
	}

	row := s.db.QueryRow(ctx, fmt.Sprintf(`
		UPDATE agents
		SET name = $1, description = $2, category = $3, price = $4, form_schema = $5,
		    webhook_url = $6, external_form_url = $7, is_active = $8, updated_at = NOW()
		WHERE slug = $9
		RETURNING %s
	`, agentColumns), agent.Name, agent.Description, agent.Category, agent.Price, agent.FormSchema,
		agent.WebhookURL, agent.ExternalFormURL, agent.IsActive, slug)
	return scanAgent(row)
}

// DeactivateAgent hides an agent from the catalog without deleting its
// execution history
func (s *Service) DeactivateAgent(ctx context.Context, slug string) error {
	result, err := s.db.Exec(ctx, `
		UPDATE agents SET is_active = false, updated_at = NOW() WHERE slug = $1
	`, slug)
	if err != nil {
		return fmt.Errorf("failed to deactivate agent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// FieldError describes one invalid form input
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidateInput checks user-supplied input against an agent's form schema.
// Unknown keys are rejected; required fields must be present and non-blank;
// select fields must match one of the declared options.
func ValidateInput(agent *models.Agent, input map[string]any) []FieldError {
	var errs []FieldError

	for key := range input {
		if agent.FormSchema.Field(key) == nil {
			errs = append(errs, FieldError{Field: key, Message: "unknown field"})
		}
	}

	for _, field := range agent.FormSchema.Fields {
		value, present := input[field.Name]
		str, isStr := value.(string)

		if field.Required {
			if !present || (isStr && strings.TrimSpace(str) == "") {
				errs = append(errs, FieldError{Field: field.Name, Message: "field is required"})
				continue
			}
		}
		if !present {
			continue
		}

		if field.Type == "select" && len(field.Options) > 0 && isStr {
			valid := false
			for _, opt := range field.Options {
				if opt == str {
					valid = true
					break
				}
			}
			if !valid {
				errs = append(errs, FieldError{Field: field.Name, Message: "value not in options"})
			}
		}
	}

	return errs
}

func validateSchema(schema *models.FormSchema) error {
	seen := make(map[string]bool, len(schema.Fields))
	for _, f := range schema.Fields {
		if f.Name == "" {
			return ErrInvalidSchema
		}
		if seen[f.Name] {
			return ErrInvalidSchema
		}
		seen[f.Name] = true
		switch f.Type {
		case "text", "textarea", "select", "number", "email":
		default:
			return ErrInvalidSchema
		}
		if f.Type == "select" && len(f.Options) == 0 {
			return ErrInvalidSchema
		}
	}
	return nil
}

func validateTargetURL(agentType models.AgentType, webhookURL, externalFormURL *string) error {
	var target *string
	switch agentType {
	case models.AgentTypeWebhook:
		target = webhookURL
	case models.AgentTypeExternalForm:
		target = externalFormURL
	default:
		return ErrInvalidSchema
	}
	if target == nil || *target == "" {
		return ErrMissingTargetURL
	}
	u, err := url.Parse(*target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrMissingTargetURL
	}
	return nil
}
