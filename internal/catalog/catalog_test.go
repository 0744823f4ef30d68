package catalog_test

import (
	"fmt"
	"testing"

	"github.com/quantumtasks/platform/internal/catalog"
	"github.com/quantumtasks/platform/internal/models"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func strPtr(s string) *string { return &s }

func webhookAgent(schema models.FormSchema) *models.Agent {
	return &models.Agent{
		Slug:       "test-agent",
		Name:       "Test Agent",
		AgentType:  models.AgentTypeWebhook,
		FormSchema: schema,
		WebhookURL: strPtr("https://workflows.example.com/hook"),
	}
}

// generateFieldName generates a plausible schema field name
func generateFieldName(t *rapid.T, label string) string {
	return rapid.StringMatching(`[a-z][a-z_]{2,15}`).Draw(t, label)
}

// Input that supplies every required field with non-blank values and uses
// only declared field names always validates.
func TestValidateInputAcceptsCompleteInput(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		numFields := rapid.IntRange(1, 6).Draw(t, "numFields")
		schema := models.FormSchema{}
		input := map[string]any{}
		seen := map[string]bool{}

		for i := 0; i < numFields; i++ {
			name := generateFieldName(t, fmt.Sprintf("field%d", i))
			if seen[name] {
				continue
			}
			seen[name] = true

			field := models.FormField{
				Name:     name,
				Type:     rapid.SampledFrom([]string{"text", "textarea", "number", "email"}).Draw(t, fmt.Sprintf("type%d", i)),
				Required: rapid.Bool().Draw(t, fmt.Sprintf("required%d", i)),
			}
			schema.Fields = append(schema.Fields, field)
			input[name] = rapid.StringMatching(`[a-zA-Z0-9][a-zA-Z0-9 ]{0,39}`).Draw(t, fmt.Sprintf("value%d", i))
		}

		errs := catalog.ValidateInput(webhookAgent(schema), input)
		if len(errs) != 0 {
			t.Fatalf("Complete input should validate, got errors: %v", errs)
		}
	})
}

// Missing or blank required fields are always reported.
func TestValidateInputRejectsMissingRequired(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		name := generateFieldName(t, "name")
		schema := models.FormSchema{Fields: []models.FormField{
			{Name: name, Type: "text", Required: true},
		}}

		input := map[string]any{}
		if rapid.Bool().Draw(t, "blank") {
			input[name] = rapid.SampledFrom([]string{"", "   ", "\t"}).Draw(t, "blankValue")
		}

		errs := catalog.ValidateInput(webhookAgent(schema), input)
		if len(errs) != 1 || errs[0].Field != name {
			t.Fatalf("Missing required field should be reported, got: %v", errs)
		}
	})
}

// Keys outside the declared schema are rejected.
func TestValidateInputRejectsUnknownFields(t *testing.T) {
	schema := models.FormSchema{Fields: []models.FormField{
		{Name: "message", Type: "textarea", Required: true},
	}}

	errs := catalog.ValidateInput(webhookAgent(schema), map[string]any{
		"message": "hello",
		"extra":   "nope",
	})

	assert.Len(t, errs, 1)
	assert.Equal(t, "extra", errs[0].Field)
	assert.Equal(t, "unknown field", errs[0].Message)
}

// Select fields only accept declared options.
func TestValidateInputSelectOptions(t *testing.T) {
	schema := models.FormSchema{Fields: []models.FormField{
		{Name: "tone", Type: "select", Required: true, Options: []string{"formal", "casual"}},
	}}
	agent := webhookAgent(schema)

	assert.Empty(t, catalog.ValidateInput(agent, map[string]any{"tone": "formal"}))

	errs := catalog.ValidateInput(agent, map[string]any{"tone": "sarcastic"})
	assert.Len(t, errs, 1)
	assert.Equal(t, "tone", errs[0].Field)
}
