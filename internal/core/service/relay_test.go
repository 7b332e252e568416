package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEndpoint struct {
	id   domain.ConnID
	mu   sync.Mutex
	got  []domain.Envelope
	fail error
}

func newEndpoint() *fakeEndpoint {
	return &fakeEndpoint{id: domain.NewConnID()}
}

func (e *fakeEndpoint) ID() domain.ConnID { return e.id }

func (e *fakeEndpoint) Send(env domain.Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail != nil {
		return e.fail
	}
	e.got = append(e.got, env)
	return nil
}

func (e *fakeEndpoint) Close() error { return nil }

func (e *fakeEndpoint) received() []domain.Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.Envelope(nil), e.got...)
}

// fakeRegistry is a synchronous registry keyed by endpoint.
type fakeRegistry struct {
	mu    sync.Mutex
	users map[domain.UserID]port.Endpoint
	ids   map[domain.ConnID]domain.UserID
}

func newRegistry() *fakeRegistry {
	return &fakeRegistry{users: map[domain.UserID]port.Endpoint{}, ids: map[domain.ConnID]domain.UserID{}}
}

func (r *fakeRegistry) Register(ctx context.Context, userID domain.UserID, ep port.Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[userID] = ep
	r.ids[ep.ID()] = userID
	return nil
}

func (r *fakeRegistry) Resolve(ctx context.Context, userID domain.UserID) (port.Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.users[userID]
	return ep, ok
}

func (r *fakeRegistry) Unregister(ctx context.Context, ep port.Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.ids[ep.ID()]; ok {
		delete(r.ids, ep.ID())
		if cur, ok := r.users[u]; ok && cur.ID() == ep.ID() {
			delete(r.users, u)
		}
	}
	return nil
}

func (r *fakeRegistry) Online(ctx context.Context) []domain.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.UserID, 0, len(r.users))
	for u := range r.users {
		out = append(out, u)
	}
	return out
}

func (r *fakeRegistry) Identity(ctx context.Context, ep port.Endpoint) (domain.UserID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.ids[ep.ID()]
	return u, ok
}

type verifierFunc func(token string, userID domain.UserID) error

func (f verifierFunc) VerifyUser(token string, userID domain.UserID) error { return f(token, userID) }

func registered(t *testing.T, relay *SignalingRelay, user domain.UserID) *fakeEndpoint {
	t.Helper()
	ep := newEndpoint()
	require.NoError(t, relay.Register(context.Background(), ep, domain.Envelope{Type: domain.TypeRegister, UserID: user}))
	return ep
}

func TestRelayRegisterAcknowledges(t *testing.T) {
	relay := NewSignalingRelay(newRegistry(), nil)
	ep := registered(t, relay, "alice")

	got := ep.received()
	require.Len(t, got, 1)
	assert.Equal(t, domain.TypeRegistered, got[0].Type)
	assert.Equal(t, domain.UserID("alice"), got[0].UserID)
}

func TestRelayRegisterVerifiesToken(t *testing.T) {
	reg := newRegistry()
	relay := NewSignalingRelay(reg, verifierFunc(func(token string, userID domain.UserID) error {
		if token != "good" {
			return domain.ErrUnauthorized
		}
		return nil
	}))
	ctx := context.Background()

	ep := newEndpoint()
	err := relay.Register(ctx, ep, domain.Envelope{Type: domain.TypeRegister, UserID: "alice", Token: "bad"})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Empty(t, ep.received())
	_, ok := reg.Resolve(ctx, "alice")
	assert.False(t, ok)

	require.NoError(t, relay.Register(ctx, ep, domain.Envelope{Type: domain.TypeRegister, UserID: "alice", Token: "good"}))
	_, ok = reg.Resolve(ctx, "alice")
	assert.True(t, ok)

	assert.ErrorIs(t, relay.Register(ctx, ep, domain.Envelope{Type: domain.TypeRegister}), domain.ErrInvalidEnvelope)
}

func TestRelayForwardsWithStampedSender(t *testing.T) {
	relay := NewSignalingRelay(newRegistry(), nil)
	alice := registered(t, relay, "alice")
	bob := registered(t, relay, "bob")
	id := domain.NewCallID()

	err := relay.Forward(context.Background(), alice, domain.Envelope{
		Type:        domain.TypeCallInvite,
		CallID:      id,
		To:          "bob",
		From:        "mallory",
		DisplayName: "Alice",
		MediaKind:   domain.MediaVideo,
		ChatID:      "chat-1",
		Offer:       &domain.SessionDescription{Type: "offer", SDP: "v=0"},
	})
	require.NoError(t, err)

	got := bob.received()
	require.Len(t, got, 2)
	in := got[1]
	assert.Equal(t, domain.TypeIncomingCall, in.Type)
	assert.Equal(t, domain.UserID("alice"), in.From)
	assert.Equal(t, id, in.CallID)
	assert.Equal(t, "Alice", in.CallerName)
	assert.Equal(t, domain.MediaVideo, in.MediaKind)
	assert.Equal(t, domain.ChatID("chat-1"), in.ChatID)
	assert.Equal(t, "v=0", in.Offer.SDP)
	assert.Empty(t, in.To)
}

func TestRelayMapsEveryClientType(t *testing.T) {
	id := domain.NewCallID()
	cases := []struct {
		in   domain.Envelope
		want domain.EnvelopeType
	}{
		{domain.Envelope{Type: domain.TypeCallAccept, Answer: &domain.SessionDescription{Type: "answer", SDP: "a"}}, domain.TypeCallAnswered},
		{domain.Envelope{Type: domain.TypeICECandidate, Candidate: &domain.ICECandidate{Candidate: "c"}}, domain.TypeICECandidate},
		{domain.Envelope{Type: domain.TypeEndCall}, domain.TypeCallEnded},
		{domain.Envelope{Type: domain.TypeRejectCall, Reason: domain.ReasonBusy}, domain.TypeCallRejected},
	}
	for _, tc := range cases {
		t.Run(string(tc.in.Type), func(t *testing.T) {
			relay := NewSignalingRelay(newRegistry(), nil)
			alice := registered(t, relay, "alice")
			bob := registered(t, relay, "bob")

			env := tc.in
			env.CallID = id
			env.To = "bob"
			require.NoError(t, relay.Forward(context.Background(), alice, env))

			got := bob.received()
			require.Len(t, got, 2)
			assert.Equal(t, tc.want, got[1].Type)
			assert.Equal(t, domain.UserID("alice"), got[1].From)
			assert.Equal(t, tc.in.Reason, got[1].Reason)
		})
	}
}

func TestRelayFailsClosed(t *testing.T) {
	ctx := context.Background()
	relay := NewSignalingRelay(newRegistry(), nil)
	alice := registered(t, relay, "alice")
	bob := registered(t, relay, "bob")
	id := domain.NewCallID()

	cases := map[string]domain.Envelope{
		"unknown type":      {Type: "dance", CallID: id, To: "bob"},
		"missing to":        {Type: domain.TypeEndCall, CallID: id},
		"missing call id":   {Type: domain.TypeEndCall, To: "bob"},
		"invite no offer":   {Type: domain.TypeCallInvite, CallID: id, To: "bob", MediaKind: domain.MediaAudio},
		"invite bad kind":   {Type: domain.TypeCallInvite, CallID: id, To: "bob", Offer: &domain.SessionDescription{Type: "offer", SDP: "x"}, MediaKind: "smell"},
		"accept with offer": {Type: domain.TypeCallAccept, CallID: id, To: "bob", Answer: &domain.SessionDescription{Type: "offer", SDP: "x"}},
		"bare candidate":    {Type: domain.TypeICECandidate, CallID: id, To: "bob"},
		"relay-side type":   {Type: domain.TypeCallEnded, CallID: id, To: "bob"},
	}
	for name, env := range cases {
		err := relay.Forward(ctx, alice, env)
		assert.ErrorIs(t, err, domain.ErrInvalidEnvelope, name)
	}
	assert.Len(t, bob.received(), 1)
}

func TestRelayRequiresRegistration(t *testing.T) {
	relay := NewSignalingRelay(newRegistry(), nil)
	bob := registered(t, relay, "bob")

	stranger := newEndpoint()
	err := relay.Forward(context.Background(), stranger, domain.Envelope{Type: domain.TypeEndCall, CallID: domain.NewCallID(), To: "bob"})
	assert.ErrorIs(t, err, domain.ErrNotRegistered)
	assert.Len(t, bob.received(), 1)
}

func TestRelayDropsUndeliverable(t *testing.T) {
	ctx := context.Background()
	relay := NewSignalingRelay(newRegistry(), nil)
	alice := registered(t, relay, "alice")

	err := relay.Forward(ctx, alice, domain.Envelope{Type: domain.TypeEndCall, CallID: domain.NewCallID(), To: "nobody"})
	assert.ErrorIs(t, err, domain.ErrDeliveryFailed)

	bob := registered(t, relay, "bob")
	bob.fail = errors.New("queue full")
	err = relay.Forward(ctx, alice, domain.Envelope{Type: domain.TypeEndCall, CallID: domain.NewCallID(), To: "bob"})
	assert.ErrorIs(t, err, domain.ErrDeliveryFailed)
	assert.Len(t, alice.received(), 1)
}

func TestRelayForwardRoutesRegister(t *testing.T) {
	relay := NewSignalingRelay(newRegistry(), nil)
	ep := newEndpoint()
	require.NoError(t, relay.Forward(context.Background(), ep, domain.Envelope{Type: domain.TypeRegister, UserID: "carol"}))
	require.Len(t, ep.received(), 1)
	assert.Equal(t, domain.TypeRegistered, ep.received()[0].Type)
}
