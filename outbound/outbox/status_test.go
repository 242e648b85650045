//go:build unit

package outbox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"pending", "delivered", "failed"} {
		status, err := ParseStatus(raw)
		require.NoError(t, err)
		require.Equal(t, raw, status.String())
	}

	_, err := ParseStatus("shipped")
	require.ErrorIs(t, err, ErrStatusInvalid)
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, StatusPending.Terminal())
	require.True(t, StatusDelivered.Terminal())
	require.True(t, StatusFailed.Terminal())
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusPending, StatusDelivered, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusPending, false},
		{StatusDelivered, StatusPending, false},
		{StatusDelivered, StatusFailed, false},
		{StatusFailed, StatusPending, false},
		{StatusFailed, StatusDelivered, false},
	}

	for _, tt := range tests {
		require.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestValidateTransition(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateTransition("pending", "delivered"))
	require.ErrorIs(t, ValidateTransition("delivered", "pending"), ErrStatusTransitionInvalid)
	require.ErrorIs(t, ValidateTransition("bogus", "pending"), ErrStatusInvalid)
	require.ErrorIs(t, ValidateTransition("pending", "bogus"), ErrStatusInvalid)
}
