package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func allSentinels() []error {
	return []error{
		ErrAuthentication,
		ErrInvalidCredentials,
		ErrValidation,
		ErrNotFound,
		ErrMalformedBatch,
		ErrPersistence,
		ErrTransport,
		ErrRoundInFlight,
	}
}

func TestSentinelErrors_ImplementErrorInterface(t *testing.T) {
	for _, err := range allSentinels() {
		assert.NotEmpty(t, err.Error(), "sentinel error should have non-empty message")
	}
}

func TestSentinelErrors_AreDistinct(t *testing.T) {
	sentinels := allSentinels()
	for i := 0; i < len(sentinels); i++ {
		for j := i + 1; j < len(sentinels); j++ {
			assert.NotEqual(t, sentinels[i], sentinels[j],
				"sentinel errors should be distinct: %q vs %q", sentinels[i], sentinels[j])
			assert.False(t, errors.Is(sentinels[i], sentinels[j]))
		}
	}
}

func TestSentinelErrors_SurviveWrapping(t *testing.T) {
	for _, err := range allSentinels() {
		wrapped := fmt.Errorf("applying action 3: %w", err)
		assert.ErrorIs(t, wrapped, err)
	}
}

func TestSentinelErrors_ExpectedMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrAuthentication, "authentication required"},
		{ErrInvalidCredentials, "invalid username or password"},
		{ErrValidation, "validation failed"},
		{ErrNotFound, "task not found"},
		{ErrMalformedBatch, "malformed sync batch"},
		{ErrPersistence, "storage unavailable"},
		{ErrTransport, "sync request failed"},
		{ErrRoundInFlight, "sync round already in flight"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.Error())
	}
}
