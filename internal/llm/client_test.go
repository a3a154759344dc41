package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/bookforge/bookforge/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.ProviderConfig{
		BaseURL:            srv.URL,
		ModelName:          "writer-large",
		RateLimitPerMinute: 6000,
		MaxOutputTokens:    4096,
		TimeoutSeconds:     5,
	}
	client := NewClient("writer", cfg, "sk-test", NewRateLimiterPool(), nil, testLogger())
	return client, srv
}

func completionBody(text, finishReason string) []byte {
	body, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": text}, "finish_reason": finishReason},
		},
		"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 40},
	})
	return body
}

func TestGenerateSuccess(t *testing.T) {
	var gotAuth string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req["model"] != "writer-large" {
			t.Errorf("model = %v", req["model"])
		}
		_, _ = w.Write(completionBody("The keeper climbed the stairs.", "stop"))
	})

	resp, err := client.Generate(context.Background(), GenerateRequest{Prompt: "write a scene"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Text != "The keeper climbed the stairs." {
		t.Errorf("Text = %q", resp.Text)
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 40 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestGenerateRateLimitedWithRetryAfter(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "rate limit exceeded", "type": "rate_limit_error"}}`))
	})

	_, err := client.Generate(context.Background(), GenerateRequest{Prompt: "x"})
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Kind != KindRateLimited {
		t.Errorf("Kind = %v, want rate_limited", pe.Kind)
	}
	if pe.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", pe.RetryAfter)
	}
	if !pe.Retryable() {
		t.Error("rate-limited errors must be retryable")
	}
}

func TestGenerateAuthFailure(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error": {"message": "invalid api key", "type": "invalid_request_error"}}`))
	})

	_, err := client.Generate(context.Background(), GenerateRequest{Prompt: "x"})
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Kind != KindAuth {
		t.Errorf("Kind = %v, want auth_failed", pe.Kind)
	}
	if pe.Retryable() {
		t.Error("auth errors must not be retryable")
	}
}

func TestGenerateContentFilterFinish(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(completionBody("", "content_filter"))
	})

	_, err := client.Generate(context.Background(), GenerateRequest{Prompt: "x"})
	if KindOf(err) != KindContentPolicy {
		t.Errorf("KindOf = %v, want content_policy", KindOf(err))
	}
}

func TestGenerateRefusalText(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(completionBody("I'm sorry, but I can't help with that request.", "stop"))
	})

	_, err := client.Generate(context.Background(), GenerateRequest{Prompt: "x"})
	if KindOf(err) != KindContentPolicy {
		t.Errorf("KindOf = %v, want content_policy", KindOf(err))
	}
}

func TestGenerateQuotaExhausted(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "you have run out of credits", "type": "insufficient_quota", "code": "insufficient_quota"}}`))
	})

	_, err := client.Generate(context.Background(), GenerateRequest{Prompt: "x"})
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Kind != KindQuota {
		t.Errorf("Kind = %v, want quota_exceeded", pe.Kind)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	for i := 0; i < breakerFailureThreshold; i++ {
		_, _ = client.Generate(context.Background(), GenerateRequest{Prompt: "x"})
	}

	_, err := client.Generate(context.Background(), GenerateRequest{Prompt: "x"})
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Message != "circuit breaker open" {
		t.Errorf("expected breaker-open error, got %v", pe)
	}
	if pe.Kind != KindTransient {
		t.Errorf("breaker-open Kind = %v, want transient", pe.Kind)
	}
}

func TestIsRefusal(t *testing.T) {
	if !isRefusal("I cannot help with that.") {
		t.Error("short refusal not detected")
	}
	longScene := "The keeper said \"I cannot help with that\" and turned away. " +
		"Outside, the storm pressed against the glass, and the lamp's beam swept the bay as it had every night for thirty years. " +
		"She thought of the letters stacked on the table, each one unopened, each one a small accusation. " +
		"The stairs creaked under her boots as she descended into the dark of the keeper's quarters below."
	if isRefusal(longScene) {
		t.Error("long prose misclassified as refusal")
	}
}
