package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bookforge/bookforge/internal/config"
	"github.com/bookforge/bookforge/internal/llm"
)

// SpeechProvider is the contract the finalize phase consumes for optional
// audio rendering
type SpeechProvider interface {
	Synthesize(ctx context.Context, text, voiceID string) ([]byte, error)
}

// Client talks to a speech synthesis endpoint
type Client struct {
	name       string
	cfg        config.ProviderConfig
	apiKey     string
	httpClient *http.Client
	limiters   *llm.RateLimiterPool
	logger     *slog.Logger
}

// NewClient creates a speech provider client
func NewClient(name string, cfg config.ProviderConfig, apiKey string, limiters *llm.RateLimiterPool, logger *slog.Logger) *Client {
	timeout := 300 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &Client{
		name:       name,
		cfg:        cfg,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		limiters:   limiters,
		logger:     logger.With("provider", name),
	}
}

type synthesizeRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
	Voice string `json:"voice"`
}

// Synthesize renders text to audio bytes
func (c *Client) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	if _, err := c.limiters.Wait(ctx, c.cfg.BaseURL+":"+c.cfg.ModelName, c.cfg.RateLimitPerMinute); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}
	if voiceID == "" {
		voiceID = c.cfg.VoiceID
	}

	body, err := json.Marshal(synthesizeRequest{
		Model: c.cfg.ModelName,
		Input: text,
		Voice: voiceID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/audio/speech"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &llm.ProviderError{
			Provider: c.name,
			Message:  fmt.Sprintf("request failed: %v", err),
			Kind:     llm.KindTransient,
		}
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	audio, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, llm.ErrorFromStatus(c.name, httpResp.StatusCode, audio)
	}
	return audio, nil
}
