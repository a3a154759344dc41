package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
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

// ImageProvider is the contract the cover subsystem consumes for generation
type ImageProvider interface {
	Generate(ctx context.Context, prompt string, seed int64) ([]byte, error)
}

// Inspection is the vision quality-check verdict for a candidate cover
type Inspection struct {
	HasText         bool     `json:"hasText"`
	SlopPatterns    []string `json:"slopPatterns"`
	SubjectCoverage float64  `json:"subjectCoverage"`
}

// Inspector is the contract the cover subsystem consumes for quality checks
type Inspector interface {
	Inspect(ctx context.Context, image []byte) (*Inspection, error)
}

// Client talks to an image generation endpoint and, optionally, a vision
// inspection endpoint on the same provider
type Client struct {
	name       string
	cfg        config.ProviderConfig
	apiKey     string
	httpClient *http.Client
	limiters   *llm.RateLimiterPool
	logger     *slog.Logger
}

// NewClient creates an image provider client
func NewClient(name string, cfg config.ProviderConfig, apiKey string, limiters *llm.RateLimiterPool, logger *slog.Logger) *Client {
	timeout := 120 * time.Second
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

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Seed   int64  `json:"seed,omitempty"`
	N      int    `json:"n"`
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

// Generate produces one image for the prompt. The seed makes retries with
// the same variation reproducible where the provider supports it.
func (c *Client) Generate(ctx context.Context, prompt string, seed int64) ([]byte, error) {
	if _, err := c.limiters.Wait(ctx, c.cfg.BaseURL+":"+c.cfg.ModelName, c.cfg.RateLimitPerMinute); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	respBody, err := c.post(ctx, "/images/generations", imageRequest{
		Model:  c.cfg.ModelName,
		Prompt: prompt,
		Seed:   seed,
		N:      1,
	})
	if err != nil {
		return nil, err
	}

	var resp imageResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse image response: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, &llm.ProviderError{Provider: c.name, Message: "no image returned", Kind: llm.KindTransient}
	}

	img, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image payload: %w", err)
	}
	return img, nil
}

type inspectRequest struct {
	Model    string `json:"model"`
	ImageB64 string `json:"image_b64"`
}

// Inspect runs the vision quality check over a candidate image
func (c *Client) Inspect(ctx context.Context, image []byte) (*Inspection, error) {
	if _, err := c.limiters.Wait(ctx, c.cfg.BaseURL+":"+c.cfg.ModelName, c.cfg.RateLimitPerMinute); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	respBody, err := c.post(ctx, "/inspections", inspectRequest{
		Model:    c.cfg.ModelName,
		ImageB64: base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return nil, err
	}

	var insp Inspection
	if err := json.Unmarshal(respBody, &insp); err != nil {
		return nil, fmt.Errorf("failed to parse inspection response: %w", err)
	}
	return &insp, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + path
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

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, llm.ErrorFromStatus(c.name, httpResp.StatusCode, respBody)
	}
	return respBody, nil
}
