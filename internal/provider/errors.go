package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAPIKey is returned when a provider requiring credentials is
	// constructed without one.
	ErrNoAPIKey = errors.New("api key is required")

	// ErrInvalidProvider is returned for unknown provider names.
	ErrInvalidProvider = errors.New("invalid provider")
)

// APIError represents a non-2xx response from an upstream provider. The
// status and body are preserved so the gateway can forward them to the
// client verbatim.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
	Retryable  bool
}

// NewAPIError creates an APIError from an upstream status and body.
// 429 and 5xx are retryable.
func NewAPIError(provider string, statusCode int, body string) *APIError {
	return &APIError{
		Provider:   provider,
		StatusCode: statusCode,
		Body:       body,
		Retryable:  statusCode == 429 || (statusCode >= 500 && statusCode <= 504),
	}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: upstream returned %d: %s", e.Provider, e.StatusCode, e.Body)
}

// WrapError wraps an error with the provider name for context.
func WrapError(provider string, err error) error {
	return fmt.Errorf("%s: %w", provider, err)
}
