package sqlstore

import (
	"context"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), SQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE b = ? AND c = ?`
	assert.Equal(t, q, SQLite.rebind(q))
	assert.Equal(t, `SELECT a FROM t WHERE b = $1 AND c = $2`, Postgres.rebind(q))
}

func TestOpenRejectsUnknownDialect(t *testing.T) {
	_, err := Open(context.Background(), Dialect("oracle"), "")
	assert.Error(t, err)
}

func TestStore_CallRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	start := time.Date(2026, 3, 4, 12, 0, 0, 123456789, time.UTC)

	call, err := domain.NewCallAttempt(domain.CallID{}, "chat-9", "alice", "bob", domain.MediaVideo, start)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, *call))

	got, err := s.Get(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, *call, got)

	_, err = s.Get(ctx, domain.NewCallID())
	assert.ErrorIs(t, err, domain.ErrCallNotFound)

	active, err := s.ActiveByChat(ctx, "chat-9")
	require.NoError(t, err)
	assert.Equal(t, call.ID, active.ID)

	got, err = s.Update(ctx, call.ID, domain.StatusUpdate{Status: domain.StatusConnected, At: start.Add(time.Second)})
	require.NoError(t, err)
	require.NotNil(t, got.ConnectedAt)

	got, err = s.Update(ctx, call.ID, domain.StatusUpdate{Status: domain.StatusEnded, At: start.Add(61 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, 60, got.DurationSeconds)

	_, err = s.Update(ctx, call.ID, domain.StatusUpdate{Status: domain.StatusMissed, At: start.Add(70 * time.Second)})
	assert.ErrorIs(t, err, domain.ErrStatusRegression)

	stored, err := s.Get(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, stored.Status)
	require.NotNil(t, stored.EndedAt)
	assert.True(t, stored.EndedAt.Equal(start.Add(61*time.Second)))

	_, err = s.ActiveByChat(ctx, "chat-9")
	assert.ErrorIs(t, err, domain.ErrCallNotFound)
}

func TestStore_ListByUser(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Now().Add(-time.Hour)

	var newest domain.CallID
	for i := range 4 {
		call, err := domain.NewCallAttempt(domain.CallID{}, "c", "alice", "bob", domain.MediaAudio, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		require.NoError(t, s.Create(ctx, *call))
		newest = call.ID
	}

	calls, err := s.ListByUser(ctx, "alice", 2)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, newest, calls[0].ID)

	calls, err = s.ListByUser(ctx, "bob", 0)
	require.NoError(t, err)
	assert.Len(t, calls, 4)
}

func TestStore_SignalLog(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	call, err := domain.NewCallAttempt(domain.CallID{}, "c", "alice", "bob", domain.MediaAudio, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, *call))

	mid := "0"
	idx := uint16(0)
	records := []domain.SignalRecord{
		{ID: domain.NewSignalID(), CallID: call.ID, SenderID: "alice", Kind: domain.SignalOffer,
			Description: &domain.SessionDescription{Type: "offer", SDP: "v=0 offer"}},
		{ID: domain.NewSignalID(), CallID: call.ID, SenderID: "alice", Kind: domain.SignalCandidate,
			Candidate: &domain.ICECandidate{Candidate: "candidate:1", SDPMid: &mid, SDPMLineIndex: &idx}},
		{ID: domain.NewSignalID(), CallID: call.ID, SenderID: "bob", Kind: domain.SignalAnswer,
			Description: &domain.SessionDescription{Type: "answer", SDP: "v=0 answer"}},
	}
	for _, r := range records {
		r.CreatedAt = time.Now().UTC()
		require.NoError(t, s.AppendSignal(ctx, r))
	}

	sigs, err := s.Signals(ctx, call.ID)
	require.NoError(t, err)
	require.Len(t, sigs, 3)
	for i, r := range records {
		assert.Equal(t, r.ID, sigs[i].ID)
		assert.Equal(t, r.Kind, sigs[i].Kind)
	}
	assert.Equal(t, "v=0 offer", sigs[0].Description.SDP)
	require.NotNil(t, sigs[1].Candidate)
	assert.Equal(t, "candidate:1", sigs[1].Candidate.Candidate)
	assert.Equal(t, "0", *sigs[1].Candidate.SDPMid)

	require.NoError(t, s.Delete(ctx, call.ID))
	assert.ErrorIs(t, s.Delete(ctx, call.ID), domain.ErrCallNotFound)
	sigs, err = s.Signals(ctx, call.ID)
	require.NoError(t, err)
	assert.Empty(t, sigs)
}
