package action

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	a, err := New("proj", "add logging", PermissionAuto)
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, PermissionAuto, a.Permission)
	assert.False(t, a.CreatedAt.IsZero())

	_, err = New("proj", "", PermissionAuto)
	require.ErrorIs(t, err, ErrEmptyIntent)
}

func TestParsePermissionLevel(t *testing.T) {
	assert.Equal(t, PermissionAuto, ParsePermissionLevel("auto"))
	assert.Equal(t, PermissionNone, ParsePermissionLevel("none"))
	assert.Equal(t, PermissionReview, ParsePermissionLevel("anything else"))
}

func TestTransition_HappyPath(t *testing.T) {
	a, err := New("proj", "x", PermissionAuto)
	require.NoError(t, err)

	for _, next := range []Status{StatusPlanning, StatusExecuting, StatusVerifying, StatusCompleted} {
		require.NoError(t, a.Transition(next))
	}
	assert.True(t, a.Status.Terminal())
	assert.False(t, a.FinishedAt.IsZero())
}

func TestTransition_FailureAndRollback(t *testing.T) {
	a, err := New("proj", "x", PermissionAuto)
	require.NoError(t, err)
	require.NoError(t, a.Transition(StatusPlanning))
	require.NoError(t, a.Transition(StatusExecuting))
	require.NoError(t, a.Fail("generation failed"))

	assert.Equal(t, StatusFailed, a.Status)
	assert.Equal(t, "generation failed", a.Error)
	assert.False(t, a.Status.Terminal())

	require.NoError(t, a.Transition(StatusRolledBack))
	assert.True(t, a.Status.Terminal())
}

func TestTransition_ApprovalGateRoundTrip(t *testing.T) {
	a, err := New("proj", "x", PermissionReview)
	require.NoError(t, err)
	require.NoError(t, a.Transition(StatusPlanning))
	// Plan requires approval: back to pending until a decision arrives.
	require.NoError(t, a.Transition(StatusPending))
	require.NoError(t, a.Transition(StatusPlanning))
	require.NoError(t, a.Transition(StatusExecuting))
}

func TestTransition_CancelFromAnyNonTerminal(t *testing.T) {
	for _, start := range []Status{StatusPending, StatusPlanning, StatusExecuting, StatusVerifying, StatusFailed} {
		assert.True(t, start.CanTransition(StatusCancelled), string(start))
	}
	for _, terminal := range []Status{StatusCompleted, StatusRolledBack, StatusCancelled} {
		assert.False(t, terminal.CanTransition(StatusCancelled), string(terminal))
	}
}

func TestTransition_IllegalMovesRejected(t *testing.T) {
	a, err := New("proj", "x", PermissionAuto)
	require.NoError(t, err)

	err = a.Transition(StatusCompleted)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusPending, a.Status)

	require.NoError(t, a.Transition(StatusPlanning))
	err = a.Transition(StatusVerifying)
	require.ErrorIs(t, err, ErrInvalidTransition)
}
