package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/modelgate/modelgate/internal/adapter"
	"github.com/modelgate/modelgate/internal/provider"
	"github.com/modelgate/modelgate/internal/router"
)

// Kind classifies a pipeline failure for clients and metrics.
type Kind string

const (
	KindInvalidInput    Kind = "invalid_input"
	KindUnauthorized    Kind = "unauthorized"
	KindNoProviders     Kind = "no_providers_configured"
	KindModelNotFound   Kind = "model_not_supported"
	KindProviderError   Kind = "provider_error"
	KindGatewayTimeout  Kind = "gateway_timeout"
	KindAdapterFailure  Kind = "adapter_failure"
	KindStorageError    Kind = "storage_error"
)

// Classify maps an error to its kind and HTTP status. Upstream API errors
// keep their original status so the client sees what the provider said.
func Classify(err error) (Kind, int) {
	var apiErr *provider.APIError
	switch {
	case errors.As(err, &apiErr):
		return KindProviderError, apiErr.StatusCode
	case errors.Is(err, adapter.ErrInvalidInput):
		return KindInvalidInput, http.StatusBadRequest
	case errors.Is(err, router.ErrNoProviders):
		return KindNoProviders, http.StatusServiceUnavailable
	case errors.Is(err, router.ErrModelNotSupported):
		return KindModelNotFound, http.StatusBadRequest
	case errors.Is(err, provider.ErrNoAPIKey):
		return KindUnauthorized, http.StatusUnauthorized
	case errors.Is(err, context.DeadlineExceeded):
		return KindGatewayTimeout, http.StatusGatewayTimeout
	default:
		return KindAdapterFailure, http.StatusInternalServerError
	}
}

type openAIErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

type anthropicErrorBody struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// ErrorBody renders an error payload in the client's native shape.
func ErrorBody(format adapter.Format, kind Kind, message string) []byte {
	if format == adapter.FormatAnthropic {
		body := anthropicErrorBody{Type: "error"}
		body.Error.Type = string(kind)
		body.Error.Message = message
		out, _ := json.Marshal(body)
		return out
	}
	body := openAIErrorBody{}
	body.Error.Message = message
	body.Error.Type = string(kind)
	body.Error.Code = string(kind)
	out, _ := json.Marshal(body)
	return out
}

// WriteError sends an error response in the client's native format.
// Upstream provider bodies are forwarded verbatim; everything else gets a
// structured body derived from the kind.
func WriteError(w http.ResponseWriter, format adapter.Format, err error) {
	kind, status := Classify(err)

	var apiErr *provider.APIError
	if errors.As(err, &apiErr) && apiErr.Body != "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(apiErr.Body))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(ErrorBody(format, kind, err.Error()))
}
