package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCallAttemptValidates(t *testing.T) {
	now := time.Now()
	_, err := NewCallAttempt(NewCallID(), "chat", "alice", "alice", MediaAudio, now)
	assert.ErrorIs(t, err, ErrInvalidCall)
	_, err = NewCallAttempt(NewCallID(), "chat", "", "bob", MediaAudio, now)
	assert.ErrorIs(t, err, ErrInvalidCall)
	_, err = NewCallAttempt(NewCallID(), "chat", "alice", "bob", "hologram", now)
	assert.ErrorIs(t, err, ErrInvalidCall)

	call, err := NewCallAttempt(CallID{}, "chat", "alice", "bob", MediaVideo, now)
	require.NoError(t, err)
	assert.False(t, call.ID.IsZero())
	assert.Equal(t, StatusCalling, call.Status)
	assert.True(t, call.Involves("bob"))
	assert.False(t, call.Involves("carol"))
}

func TestStatusOnlyMovesForward(t *testing.T) {
	cases := []struct {
		from, to CallStatus
		ok       bool
	}{
		{StatusCalling, StatusConnected, true},
		{StatusCalling, StatusMissed, true},
		{StatusCalling, StatusBusy, true},
		{StatusConnected, StatusEnded, true},
		{StatusConnected, StatusCalling, false},
		{StatusEnded, StatusConnected, false},
		{StatusEnded, StatusRejected, false},
		{StatusEnded, StatusEnded, false},
		{StatusCalling, "paused", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanAdvanceTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestApplyStampsTimes(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	call, err := NewCallAttempt(NewCallID(), "chat", "alice", "bob", MediaAudio, start)
	require.NoError(t, err)

	require.NoError(t, call.Apply(StatusUpdate{Status: StatusConnected, At: start.Add(2 * time.Second)}))
	require.NoError(t, call.Apply(StatusUpdate{Status: StatusEnded, At: start.Add(92 * time.Second)}))
	assert.Equal(t, 90, call.DurationSeconds)
	assert.Equal(t, 90*time.Second, call.Duration())

	err = call.Apply(StatusUpdate{Status: StatusConnected, At: start})
	assert.ErrorIs(t, err, ErrStatusRegression)
	assert.Equal(t, StatusEnded, call.Status)

	assert.ErrorIs(t, call.Apply(StatusUpdate{Status: "paused"}), ErrInvalidCall)
}

func TestUnansweredCallHasNoDuration(t *testing.T) {
	call, err := NewCallAttempt(NewCallID(), "chat", "alice", "bob", MediaAudio, time.Now())
	require.NoError(t, err)
	require.NoError(t, call.Apply(StatusUpdate{Status: StatusMissed, At: time.Now()}))
	assert.Nil(t, call.ConnectedAt)
	assert.NotNil(t, call.EndedAt)
	assert.Zero(t, call.DurationSeconds)
}
