package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatewayError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *GatewayError
		expected string
	}{
		{
			name:     "error with provider",
			err:      &GatewayError{Type: ErrorTypeProvider, Message: "upstream error", Provider: "anthropic"},
			expected: "[anthropic] provider_error: upstream error",
		},
		{
			name:     "error without provider",
			err:      &GatewayError{Type: ErrorTypeConfiguration, Message: "model not selected"},
			expected: "configuration_error: model not selected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestGatewayError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		errType  ErrorType
		expected int
	}{
		{ErrorTypeRateLimit, http.StatusTooManyRequests},
		{ErrorTypeInvalidRequest, http.StatusBadRequest},
		{ErrorTypeAuthentication, http.StatusUnauthorized},
		{ErrorTypeNotFound, http.StatusNotFound},
		{ErrorTypeProvider, http.StatusBadGateway},
		{ErrorTypeConfiguration, http.StatusInternalServerError},
		{ErrorTypeCancelled, 499},
		{ErrorType("unknown"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.errType), func(t *testing.T) {
			err := &GatewayError{Type: tt.errType}
			assert.Equal(t, tt.expected, err.HTTPStatusCode())
		})
	}
}

func TestIsCancellation(t *testing.T) {
	assert.True(t, IsCancellation(ErrCancelled))
	assert.True(t, IsCancellation(fmt.Errorf("stream: %w", ErrCancelled)))
	assert.True(t, IsCancellation(context.Canceled))
	assert.False(t, IsCancellation(nil))
	assert.False(t, IsCancellation(errors.New("boom")))
	assert.False(t, IsCancellation(NewRateLimitError("openai", "slow down")))
}

func TestParseProviderError(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantType    ErrorType
		wantStatus  int
		wantMessage string
	}{
		{
			name:        "openai style body",
			status:      http.StatusBadRequest,
			body:        `{"error":{"message":"bad model","type":"invalid_request_error"}}`,
			wantType:    ErrorTypeInvalidRequest,
			wantStatus:  http.StatusBadRequest,
			wantMessage: "bad model",
		},
		{
			name:        "gemini array body",
			status:      http.StatusForbidden,
			body:        `[{"error":{"code":403,"message":"key rejected"}}]`,
			wantType:    ErrorTypeAuthentication,
			wantStatus:  http.StatusUnauthorized,
			wantMessage: "key rejected",
		},
		{
			name:        "rate limit",
			status:      http.StatusTooManyRequests,
			body:        `{"error":{"message":"slow down"}}`,
			wantType:    ErrorTypeRateLimit,
			wantStatus:  http.StatusTooManyRequests,
			wantMessage: "slow down",
		},
		{
			name:        "plain text 5xx",
			status:      http.StatusInternalServerError,
			body:        "upstream exploded",
			wantType:    ErrorTypeProvider,
			wantStatus:  http.StatusBadGateway,
			wantMessage: "upstream exploded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ParseProviderError("vendor", tt.status, []byte(tt.body), nil)
			require.NotNil(t, err)
			assert.Equal(t, tt.wantType, err.Type)
			assert.Equal(t, tt.wantStatus, err.HTTPStatusCode())
			assert.Equal(t, tt.wantMessage, err.Message)
			assert.Equal(t, "vendor", err.Provider)
		})
	}
}

func TestGatewayError_AsError(t *testing.T) {
	wrapped := fmt.Errorf("while streaming: %w", NewConfigurationError("no url", nil))

	var gwErr *GatewayError
	require.True(t, errors.As(wrapped, &gwErr))
	assert.Equal(t, ErrorTypeConfiguration, gwErr.Type)
}
