package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/quantumtasks/platform/internal/config"
	"github.com/quantumtasks/platform/internal/logging"
	"github.com/quantumtasks/platform/internal/monitoring"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Client errors
var (
	ErrWebhookTimeout     = errors.New("webhook timed out")
	ErrWebhookUnavailable = errors.New("webhook returned an error")
	ErrCircuitOpen        = errors.New("webhook circuit breaker is open")
	ErrInvalidWebhookURL  = errors.New("invalid webhook url")
)

// Client relays execution input to agent workflow endpoints. One circuit
// breaker per upstream host keeps a failing workflow from dragging down
// executions against healthy ones.
type Client struct {
	httpClient *http.Client
	config     *config.WebhookConfig
	logger     zerolog.Logger

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient creates a new webhook client
func NewClient(cfg *config.WebhookConfig) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		config:   cfg,
		logger:   logging.NewLogger("webhook"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Payload is the request body sent to a workflow endpoint
type Payload struct {
	ExecutionID string         `json:"execution_id"`
	AgentSlug   string         `json:"agent_slug"`
	UserID      string         `json:"user_id"`
	InputData   map[string]any `json:"input_data"`
	SessionID   string         `json:"sessionId,omitempty"`
	Message     *ChatMessage   `json:"message,omitempty"`
}

// ChatMessage mirrors the chat-trigger shape some workflow endpoints expect
type ChatMessage struct {
	Text string `json:"text"`
}

// BuildPayload assembles the webhook request body. Single-field forms whose
// field is named "message" additionally get the chat-trigger shape so both
// workflow trigger styles work without per-agent configuration.
func BuildPayload(executionID, agentSlug, userID string, input map[string]any) *Payload {
	p := &Payload{
		ExecutionID: executionID,
		AgentSlug:   agentSlug,
		UserID:      userID,
		InputData:   input,
	}
	if len(input) == 1 {
		if text, ok := input["message"].(string); ok {
			p.SessionID = executionID
			p.Message = &ChatMessage{Text: text}
		}
	}
	return p
}

// Invoke POSTs the payload to the workflow endpoint and returns the parsed
// response body. The call is bounded by the configured timeout and the
// response body by the configured size cap.
func (c *Client) Invoke(ctx context.Context, webhookURL string, payload *Payload) (map[string]any, error) {
	parsed, err := url.Parse(webhookURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, ErrInvalidWebhookURL
	}

	cb := c.getBreaker(parsed.Host)
	result, err := cb.Execute(func() (interface{}, error) {
		return c.post(ctx, webhookURL, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.logger.Warn().Str("host", parsed.Host).Msg("circuit breaker open, rejecting webhook call")
			return nil, ErrCircuitOpen
		}
		return nil, err
	}

	return result.(map[string]any), nil
}

func (c *Client) post(ctx context.Context, webhookURL string, payload *Payload) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			monitoring.RecordWebhookCall(payload.AgentSlug, "timeout", time.Since(start))
			return nil, ErrWebhookTimeout
		}
		monitoring.RecordWebhookCall(payload.AgentSlug, "error", time.Since(start))
		return nil, fmt.Errorf("%w: %v", ErrWebhookUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBodyBytes))
	if err != nil {
		monitoring.RecordWebhookCall(payload.AgentSlug, "error", time.Since(start))
		return nil, fmt.Errorf("%w: failed to read response", ErrWebhookUnavailable)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		monitoring.RecordWebhookCall(payload.AgentSlug, "upstream_error", time.Since(start))
		return nil, fmt.Errorf("%w: status %d", ErrWebhookUnavailable, resp.StatusCode)
	}

	monitoring.RecordWebhookCall(payload.AgentSlug, "success", time.Since(start))

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// Non-JSON responses are still a success; keep the text.
		return map[string]any{"raw": string(raw)}, nil
	}
	return parsed, nil
}

var outputKeys = []string{"output", "text", "content", "result", "message", "response"}

// ExtractOutput pulls the displayable result out of a workflow response.
// Workflow endpoints are inconsistent about where they put it, so a set of
// conventional keys is probed before falling back to the whole body. A
// map-valued "data" envelope is probed one level deep with the same keys.
func ExtractOutput(response map[string]any) map[string]any {
	if out, ok := probeKeys(response); ok {
		return out
	}
	if value, ok := response["data"]; ok {
		switch v := value.(type) {
		case map[string]any:
			if out, ok := probeKeys(v); ok {
				return out
			}
			return v
		case string:
			return map[string]any{"output": v}
		default:
			return map[string]any{"output": v}
		}
	}
	return response
}

func probeKeys(body map[string]any) (map[string]any, bool) {
	for _, key := range outputKeys {
		if value, ok := body[key]; ok {
			switch v := value.(type) {
			case string:
				return map[string]any{"output": v}, true
			case map[string]any:
				return v, true
			default:
				return map[string]any{"output": v}, true
			}
		}
	}
	return nil, false
}

func (c *Client) getBreaker(host string) *gobreaker.CircuitBreaker {
	c.mu.RLock()
	cb, exists := c.breakers[host]
	c.mu.RUnlock()
	if exists {
		return cb
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, exists = c.breakers[host]; exists {
		return cb
	}

	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        fmt.Sprintf("webhook-%s", host),
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.Info().
				Str("circuit_breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
			monitoring.SetCircuitBreakerState(host, breakerStateValue(to))
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return !errors.Is(err, ErrWebhookTimeout) && !errors.Is(err, ErrWebhookUnavailable)
		},
	})
	c.breakers[host] = cb
	return cb
}

func breakerStateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 0.5
	default:
		return 0
	}
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
