package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProviderErrorMessage(t *testing.T) {
	cause := errors.New("socket closed")
	err := NewProviderErrorFromStatus(ProviderFailure{
		Provider:  "bedrock",
		Operation: "converse",
		Status:    503,
		Code:      "ServiceUnavailable",
		RequestID: "req-1",
		Cause:     cause,
	})

	require.Equal(t, "bedrock unavailable 503 (converse): ServiceUnavailable: socket closed", err.Error())
	require.ErrorIs(t, err, cause)
	require.Equal(t, ProviderErrorKindUnavailable, err.Kind())
	require.True(t, err.Retryable())
	require.Equal(t, "req-1", err.RequestID())
}

func TestProviderErrorRateLimited(t *testing.T) {
	err := fmt.Errorf("call: %w", NewProviderErrorFromStatus(ProviderFailure{Provider: "openai", Status: 429, Message: "slow down"}))
	require.ErrorIs(t, err, ErrRateLimited)

	pe, ok := AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, ProviderErrorKindRateLimited, pe.Kind())
	require.Equal(t, "openai rate_limited 429 (request): slow down", pe.Error())
}

func TestProviderErrorExplicitKindWins(t *testing.T) {
	err := NewProviderErrorFromStatus(ProviderFailure{Provider: "bedrock", Kind: ProviderErrorKindInvalidRequest, Code: "ValidationException"})

	require.Equal(t, ProviderErrorKindInvalidRequest, err.Kind())
	require.False(t, err.Retryable())
	require.NotErrorIs(t, err, ErrRateLimited)
	require.Equal(t, "bedrock invalid_request (request): ValidationException: provider error", err.Error())
}

func TestProviderErrorRequiresProvider(t *testing.T) {
	require.Panics(t, func() { NewProviderErrorFromStatus(ProviderFailure{Status: 500}) })
}

func TestKindForStatus(t *testing.T) {
	cases := []struct {
		status int
		kind   ProviderErrorKind
	}{
		{400, ProviderErrorKindInvalidRequest},
		{401, ProviderErrorKindAuth},
		{403, ProviderErrorKindAuth},
		{429, ProviderErrorKindRateLimited},
		{500, ProviderErrorKindUnavailable},
		{529, ProviderErrorKindUnavailable},
		{302, ProviderErrorKindUnknown},
		{0, ProviderErrorKindUnknown},
	}
	for _, tt := range cases {
		require.Equal(t, tt.kind, KindForStatus(tt.status), "status %d", tt.status)
	}
}
