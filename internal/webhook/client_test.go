package webhook_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/quantumtasks/platform/internal/config"
	"github.com/quantumtasks/platform/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(timeout time.Duration) *webhook.Client {
	return webhook.NewClient(&config.WebhookConfig{
		Timeout:      timeout,
		MaxBodyBytes: 1 << 20,
	})
}

func TestBuildPayloadChatShape(t *testing.T) {
	// Single "message" field gets the chat-trigger shape
	p := webhook.BuildPayload("exec-1", "copywriter", "user-1", map[string]any{"message": "hello"})
	require.NotNil(t, p.Message)
	assert.Equal(t, "hello", p.Message.Text)
	assert.Equal(t, "exec-1", p.SessionID)

	// Multi-field forms do not
	p = webhook.BuildPayload("exec-2", "copywriter", "user-1", map[string]any{
		"message": "hello",
		"tone":    "formal",
	})
	assert.Nil(t, p.Message)
	assert.Empty(t, p.SessionID)

	// A single field with a different name does not either
	p = webhook.BuildPayload("exec-3", "copywriter", "user-1", map[string]any{"topic": "go"})
	assert.Nil(t, p.Message)
}

func TestInvokeSuccess(t *testing.T) {
	var received webhook.Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"output": "generated text"}`))
	}))
	defer srv.Close()

	client := testClient(5 * time.Second)
	payload := webhook.BuildPayload("exec-1", "copywriter", "user-1", map[string]any{"topic": "go"})

	resp, err := client.Invoke(context.Background(), srv.URL, payload)
	require.NoError(t, err)
	assert.Equal(t, "generated text", resp["output"])
	assert.Equal(t, "exec-1", received.ExecutionID)
	assert.Equal(t, "copywriter", received.AgentSlug)
	assert.Equal(t, "go", received.InputData["topic"])
}

func TestInvokeNonJSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("plain text result"))
	}))
	defer srv.Close()

	client := testClient(5 * time.Second)
	resp, err := client.Invoke(context.Background(), srv.URL, &webhook.Payload{AgentSlug: "a"})
	require.NoError(t, err)
	assert.Equal(t, "plain text result", resp["raw"])
}

func TestInvokeUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := testClient(5 * time.Second)
	_, err := client.Invoke(context.Background(), srv.URL, &webhook.Payload{AgentSlug: "a"})
	assert.ErrorIs(t, err, webhook.ErrWebhookUnavailable)
}

func TestInvokeTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client := testClient(50 * time.Millisecond)
	_, err := client.Invoke(context.Background(), srv.URL, &webhook.Payload{AgentSlug: "a"})
	assert.ErrorIs(t, err, webhook.ErrWebhookTimeout)
}

func TestInvokeInvalidURL(t *testing.T) {
	client := testClient(time.Second)
	for _, u := range []string{"", "not-a-url", "ftp://example.com/hook"} {
		_, err := client.Invoke(context.Background(), u, &webhook.Payload{AgentSlug: "a"})
		assert.ErrorIs(t, err, webhook.ErrInvalidWebhookURL, "url %q", u)
	}
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := testClient(time.Second)
	payload := &webhook.Payload{AgentSlug: "a"}

	for i := 0; i < 5; i++ {
		_, err := client.Invoke(context.Background(), srv.URL, payload)
		assert.ErrorIs(t, err, webhook.ErrWebhookUnavailable)
	}

	_, err := client.Invoke(context.Background(), srv.URL, payload)
	assert.ErrorIs(t, err, webhook.ErrCircuitOpen)
}

func TestResponseBodyCapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer srv.Close()

	client := webhook.NewClient(&config.WebhookConfig{
		Timeout:      time.Second,
		MaxBodyBytes: 1024,
	})
	resp, err := client.Invoke(context.Background(), srv.URL, &webhook.Payload{AgentSlug: "a"})
	require.NoError(t, err)
	assert.Len(t, resp["raw"], 1024)
}

func TestExtractOutput(t *testing.T) {
	// Conventional keys are probed in order
	out := webhook.ExtractOutput(map[string]any{"text": "hi", "other": 1})
	assert.Equal(t, map[string]any{"output": "hi"}, out)

	// "output" wins over later keys
	out = webhook.ExtractOutput(map[string]any{"output": "a", "text": "b"})
	assert.Equal(t, map[string]any{"output": "a"}, out)

	// Nested objects are returned as-is
	out = webhook.ExtractOutput(map[string]any{"result": map[string]any{"summary": "s"}})
	assert.Equal(t, map[string]any{"summary": "s"}, out)

	// A "data" envelope is probed one level deep
	out = webhook.ExtractOutput(map[string]any{"data": map[string]any{"output": "x"}})
	assert.Equal(t, map[string]any{"output": "x"}, out)

	// "data" holding a string is the output itself
	out = webhook.ExtractOutput(map[string]any{"data": "plain"})
	assert.Equal(t, map[string]any{"output": "plain"}, out)

	// "data" with no conventional key inside: the inner object
	inner := map[string]any{"rows": []any{1.0, 2.0}}
	assert.Equal(t, inner, webhook.ExtractOutput(map[string]any{"data": inner}))

	// Top-level keys win over the "data" envelope
	out = webhook.ExtractOutput(map[string]any{"text": "top", "data": map[string]any{"output": "nested"}})
	assert.Equal(t, map[string]any{"output": "top"}, out)

	// No conventional key: whole body
	body := map[string]any{"foo": "bar"}
	assert.Equal(t, body, webhook.ExtractOutput(body))
}
