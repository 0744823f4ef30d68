package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AgentType distinguishes how an agent fulfills an execution
type AgentType string

const (
	// AgentTypeWebhook relays form input to an external workflow endpoint
	AgentTypeWebhook AgentType = "webhook"
	// AgentTypeExternalForm grants access to an embedded third-party form
	AgentTypeExternalForm AgentType = "external_form"
)

// Agent represents a purchasable catalog entry
type Agent struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	Slug            string          `json:"slug" db:"slug"`
	Name            string          `json:"name" db:"name"`
	Description     *string         `json:"description,omitempty" db:"description"`
	Category        *string         `json:"category,omitempty" db:"category"`
	AgentType       AgentType       `json:"agent_type" db:"agent_type"`
	Price           decimal.Decimal `json:"price" db:"price"`
	FormSchema      FormSchema      `json:"form_schema" db:"form_schema"`
	WebhookURL      *string         `json:"-" db:"webhook_url"`
	ExternalFormURL *string         `json:"-" db:"external_form_url"`
	IsActive        bool            `json:"is_active" db:"is_active"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// FormSchema describes the input form an agent expects
type FormSchema struct {
	Fields []FormField `json:"fields"`
}

// FormField is one input in an agent's form schema
type FormField struct {
	Name     string   `json:"name"`
	Label    string   `json:"label,omitempty"`
	Type     string   `json:"type"` // text, textarea, select, number, email
	Required bool     `json:"required"`
	Options  []string `json:"options,omitempty"`
}

// Field returns the field with the given name, or nil
func (s *FormSchema) Field(name string) *FormField {
	for i := range s.Fields {
		if s.Fields[i].Name == name {
			return &s.Fields[i]
		}
	}
	return nil
}
