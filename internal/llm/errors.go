package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a provider error for retry decisions upstream
type Kind string

const (
	KindTransient     Kind = "transient"
	KindRateLimited   Kind = "rate_limited"
	KindQuota         Kind = "quota_exceeded"
	KindAuth          Kind = "auth_failed"
	KindContentPolicy Kind = "content_policy"
)

// ProviderError represents an error returned by an external provider
type ProviderError struct {
	Provider   string
	Message    string
	StatusCode int
	Kind       Kind
	RetryAfter time.Duration // Only set for rate-limited responses
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s provider error (status %d, %s): %s", e.Provider, e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s provider error (%s): %s", e.Provider, e.Kind, e.Message)
}

// Retryable reports whether a later attempt may succeed
func (e *ProviderError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

// KindOf extracts the error kind from any error chain. Unrecognized errors
// are treated as transient.
func KindOf(err error) Kind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}

// ErrorFromStatus builds a classified ProviderError from a non-200 response.
// Shared by the image and speech clients, which use the same error envelope.
func ErrorFromStatus(provider string, statusCode int, respBody []byte) error {
	message := fmt.Sprintf("request failed with status %d", statusCode)
	var errType, errCode string
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
		errType = envelope.Error.Type
		errCode = envelope.Error.Code
	}
	return &ProviderError{
		Provider:   provider,
		Message:    message,
		StatusCode: statusCode,
		Kind:       classifyStatus(statusCode, errType, errCode),
	}
}

// classifyStatus maps an HTTP status and provider error code onto a Kind
func classifyStatus(statusCode int, errType, errCode string) Kind {
	switch {
	case errCode == "content_policy_violation" || errType == "content_filter":
		return KindContentPolicy
	case errCode == "insufficient_quota" || errType == "insufficient_quota":
		return KindQuota
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return KindAuth
	case statusCode == http.StatusTooManyRequests:
		return KindRateLimited
	default:
		return KindTransient
	}
}
