package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/persistence/memory"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startCallAsync(p *participant, to domain.UserID) <-chan error {
	errc := make(chan error, 1)
	go func() {
		_, err := p.session.StartCall(context.Background(), to, "chat-1", domain.MediaAudio)
		errc <- err
	}()
	return errc
}

func result(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("operation never returned")
		return nil
	}
}

func TestEndCallWhileAcquiringMedia(t *testing.T) {
	ctx := context.Background()
	net := newNetwork()
	rec, repo := newRecorder()
	alice := join(t, net, rec, "alice", testConfig)
	g := newGate()
	alice.media.gate = g

	errc := startCallAsync(alice, "bob")
	g.waitEntered(t)
	require.NoError(t, alice.session.EndCall(ctx))
	assert.Equal(t, PhaseEnded, alice.phase(t))

	g.open()
	assert.ErrorIs(t, result(t, errc), ErrCallCancelled)

	require.Equal(t, 1, alice.media.count())
	assert.Equal(t, 1, alice.media.last().releasedCount())
	assert.Empty(t, net.sentBy("alice", domain.TypeCallInvite))
	assert.Nil(t, alice.peers.last())
	history, err := repo.ListByUser(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestEndCallWhileCreatingPeer(t *testing.T) {
	ctx := context.Background()
	net := newNetwork()
	rec, repo := newRecorder()
	alice := join(t, net, rec, "alice", testConfig)
	g := newGate()
	alice.peers.gate = g

	errc := startCallAsync(alice, "bob")
	g.waitEntered(t)
	require.NoError(t, alice.session.EndCall(ctx))
	g.open()
	assert.ErrorIs(t, result(t, errc), ErrCallCancelled)

	assert.Equal(t, 1, alice.media.last().releasedCount())
	require.NotNil(t, alice.peers.last())
	_, _, closed := alice.peers.last().state()
	assert.True(t, closed)
	assert.Empty(t, net.sentBy("alice", domain.TypeCallInvite))
	history, err := repo.ListByUser(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestEndCallWhileOpeningRecord(t *testing.T) {
	ctx := context.Background()
	net := newNetwork()
	repo := &gatedRepo{CallRepository: memory.NewCallRepository(), gate: newGate()}
	rec := NewCallRecorder(repo)
	alice := join(t, net, rec, "alice", testConfig)

	errc := startCallAsync(alice, "bob")
	repo.gate.waitEntered(t)
	require.NoError(t, alice.session.EndCall(ctx))
	repo.gate.open()
	assert.ErrorIs(t, result(t, errc), ErrCallCancelled)

	history, err := repo.ListByUser(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	waitStatus(t, rec, history[0].ID, domain.StatusEnded)

	assert.Equal(t, 1, alice.media.last().releasedCount())
	_, _, closed := alice.peers.last().state()
	assert.True(t, closed)
	assert.Empty(t, net.sentBy("alice", domain.TypeCallInvite))
}

func TestCallerHangsUpWhileCalleeAcquiresMedia(t *testing.T) {
	ctx := context.Background()
	net := newNetwork()
	rec, _ := newRecorder()
	alice := join(t, net, rec, "alice", testConfig)
	bob := join(t, net, rec, "bob", testConfig)
	g := newGate()
	bob.media.gate = g

	id, err := alice.session.StartCall(ctx, "bob", "chat-1", domain.MediaAudio)
	require.NoError(t, err)
	bob.waitPhase(t, PhaseRinging)

	errc := make(chan error, 1)
	go func() { errc <- bob.session.AnswerCall(ctx) }()
	g.waitEntered(t)

	require.NoError(t, alice.session.EndCall(ctx))
	bob.waitPhase(t, PhaseEnded)
	g.open()
	assert.ErrorIs(t, result(t, errc), ErrCallCancelled)

	assert.Equal(t, 1, bob.media.last().releasedCount())
	assert.Nil(t, bob.peers.last())
	assert.Empty(t, net.sentBy("bob", domain.TypeCallAccept))
	assert.False(t, bob.phases.has(PhaseConnected))
	waitStatus(t, rec, id, domain.StatusEnded)
}

func TestSignalLogKeepsCandidateOrder(t *testing.T) {
	ctx := context.Background()
	net := newNetwork()
	rec, _ := newRecorder()
	alice := join(t, net, rec, "alice", testConfig)

	var want []string
	for i := range 300 {
		c := fmt.Sprintf("c%03d", i)
		want = append(want, c)
		alice.peers.early = append(alice.peers.early, domain.ICECandidate{Candidate: c})
	}

	// bob is offline, so only the signal log carries the candidates.
	id, err := alice.session.StartCall(ctx, "bob", "chat-1", domain.MediaAudio)
	require.NoError(t, err)

	var got []string
	require.Eventually(t, func() bool {
		cands, err := rec.Candidates(ctx, id, "alice")
		if err != nil || len(cands) != len(want) {
			return false
		}
		got = got[:0]
		for _, c := range cands {
			got = append(got, c.Candidate)
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, got)

	bob := join(t, net, rec, "bob", testConfig)
	_, err = bob.session.Resume(ctx, "chat-1")
	require.NoError(t, err)
	require.NoError(t, bob.session.AnswerCall(ctx))
	_, added, _ := bob.peers.last().state()
	assert.Equal(t, want, added)
}

func TestStopWaitsForOrphanedRecordWrite(t *testing.T) {
	ctx := context.Background()
	net := newNetwork()
	repo := &gatedRepo{CallRepository: memory.NewCallRepository(), gate: newGate()}
	rec := NewCallRecorder(repo)
	alice := join(t, net, rec, "alice", testConfig)

	errc := startCallAsync(alice, "bob")
	repo.gate.waitEntered(t)

	stopped := make(chan struct{})
	go func() {
		alice.session.Stop()
		close(stopped)
	}()
	assert.Error(t, result(t, errc))
	assert.Never(t, func() bool {
		select {
		case <-stopped:
			return true
		default:
			return false
		}
	}, 100*time.Millisecond, 10*time.Millisecond)

	repo.gate.open()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop never returned")
	}

	// Stop returned only after the orphaned attempt finished its record.
	history, err := repo.ListByUser(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.StatusEnded, history[0].Status)
	_, _, closed := alice.peers.last().state()
	assert.True(t, closed)
}
