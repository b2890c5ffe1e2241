package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusDraft, StatusSubmitted, true},
		{StatusDraft, StatusFailed, true},
		{StatusDraft, StatusCanceled, true},
		{StatusDraft, StatusAccepted, false},
		{StatusDraft, StatusSettled, false},
		{StatusSubmitted, StatusAccepted, true},
		{StatusSubmitted, StatusFailed, true},
		{StatusSubmitted, StatusCanceled, true},
		{StatusSubmitted, StatusSettled, false},
		{StatusAccepted, StatusSettled, true},
		{StatusAccepted, StatusReturned, true},
		{StatusAccepted, StatusFailed, false},
		{StatusSettled, StatusReturned, true},
		{StatusSettled, StatusAccepted, false},
		{StatusReturned, StatusSettled, false},
		{StatusFailed, StatusSubmitted, false},
		{StatusCanceled, StatusSubmitted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTransitionPath(t *testing.T) {
	// Single legal step.
	path, err := TransitionPath(StatusAccepted, StatusSettled)
	require.NoError(t, err)
	assert.Equal(t, []Status{StatusSettled}, path)

	// The one promote-through: a settlement confirmation on a still
	// submitted instruction passes through accepted.
	path, err = TransitionPath(StatusSubmitted, StatusSettled)
	require.NoError(t, err)
	assert.Equal(t, []Status{StatusAccepted, StatusSettled}, path)

	// No other multi-step shortcut exists.
	_, err = TransitionPath(StatusDraft, StatusSettled)
	assert.ErrorIs(t, err, ErrIllegalTransition)

	_, err = TransitionPath(StatusReturned, StatusSettled)
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestTerminal(t *testing.T) {
	assert.True(t, Terminal(StatusReturned))
	assert.True(t, Terminal(StatusFailed))
	assert.True(t, Terminal(StatusCanceled))
	assert.False(t, Terminal(StatusDraft))
	assert.False(t, Terminal(StatusSubmitted))
	assert.False(t, Terminal(StatusAccepted))
	assert.False(t, Terminal(StatusSettled))
}
