package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/bookforge/bookforge/internal/config"
	"github.com/bookforge/bookforge/internal/metrics"
	"github.com/bookforge/bookforge/pkg/models"
)

const (
	// DefaultHTTPTimeout is the fallback timeout for HTTP requests
	DefaultHTTPTimeout = 120 * time.Second

	breakerFailureThreshold = 5
	breakerOpenDuration     = 30 * time.Second
)

// Client is an OpenAI-compatible text provider. It rate-limits, classifies
// errors, and trips a circuit breaker on consecutive failures; it never
// retries. Retry policy belongs to the phase that issued the call.
type Client struct {
	name       string
	cfg        config.ProviderConfig
	apiKey     string
	httpClient *http.Client
	limiters   *RateLimiterPool
	breaker    *gobreaker.CircuitBreaker
	collector  *metrics.Collector
	logger     *slog.Logger
}

// NewClient creates a text provider client for one named provider endpoint
func NewClient(name string, cfg config.ProviderConfig, apiKey string, limiters *RateLimiterPool, collector *metrics.Collector, logger *slog.Logger) *Client {
	timeout := DefaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &Client{
		name:       name,
		cfg:        cfg,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		limiters:   limiters,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    name,
			Timeout: breakerOpenDuration,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerFailureThreshold
			},
			IsSuccessful: func(err error) bool {
				// Policy refusals and auth failures are caller problems,
				// not provider health signals
				if err == nil {
					return true
				}
				k := KindOf(err)
				return k == KindContentPolicy || k == KindAuth
			},
		}),
		collector: collector,
		logger:    logger.With("provider", name),
	}
}

// Generate sends one chat completion request
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	providerID := fmt.Sprintf("%s:%s", c.cfg.BaseURL, c.cfg.ModelName)
	waited, err := c.limiters.Wait(ctx, providerID, c.cfg.RateLimitPerMinute)
	if err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}
	if c.collector != nil {
		c.collector.RecordRateLimiterWait(c.name, waited)
	}

	messages := []Message{}
	if req.System != "" {
		messages = append(messages, Message{Role: "system", Content: req.System})
	}
	messages = append(messages, Message{Role: "user", Content: req.Prompt})

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.cfg.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxOutputTokens
	}

	body := chatCompletionRequest{
		Model:       c.cfg.ModelName,
		Messages:    messages,
		Temperature: temperature,
		TopP:        c.cfg.TopP,
		MaxTokens:   maxTokens,
		N:           1,
	}

	start := time.Now()
	result, err := c.breaker.Execute(func() (any, error) {
		return c.doRequest(ctx, body)
	})
	if c.collector != nil {
		c.collector.RecordProviderRequest(c.name, time.Since(start), err == nil)
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &ProviderError{
				Provider: c.name,
				Message:  "circuit breaker open",
				Kind:     KindTransient,
			}
		}
		return nil, err
	}

	resp := result.(*chatCompletionResponse)
	text := resp.Choices[0].Message.Content

	if resp.Choices[0].FinishReason == "content_filter" || isRefusal(text) {
		return nil, &ProviderError{
			Provider: c.name,
			Message:  "provider refused the prompt",
			Kind:     KindContentPolicy,
		}
	}

	return &GenerateResponse{
		Text: text,
		Usage: models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			Duration:         time.Since(start),
		},
	}, nil
}

func (c *Client) doRequest(ctx context.Context, req chatCompletionRequest) (*chatCompletionResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	} else {
		c.logger.Warn("API request without key", "endpoint", endpoint)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ProviderError{
			Provider: c.name,
			Message:  fmt.Sprintf("request failed: %v", err),
			Kind:     KindTransient,
		}
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, c.errorFromResponse(httpResp, respBody)
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ProviderError{
			Provider: c.name,
			Message:  "no choices returned in response",
			Kind:     KindTransient,
		}
	}

	return &resp, nil
}

func (c *Client) errorFromResponse(httpResp *http.Response, respBody []byte) error {
	var errResp errorResponse
	message := fmt.Sprintf("request failed with status %d", httpResp.StatusCode)
	var errType, errCode string
	if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
		errType = errResp.Error.Type
		errCode = errResp.Error.Code
	}

	pe := &ProviderError{
		Provider:   c.name,
		Message:    message,
		StatusCode: httpResp.StatusCode,
		Kind:       classifyStatus(httpResp.StatusCode, errType, errCode),
	}
	if pe.Kind == KindRateLimited {
		pe.RetryAfter = parseRetryAfter(httpResp.Header.Get("Retry-After"))
	}
	return pe
}

// parseRetryAfter handles the delta-seconds form of the Retry-After header
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
