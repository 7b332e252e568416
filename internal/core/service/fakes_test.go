package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/persistence/memory"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/stretchr/testify/require"
)

// network delivers envelopes between in-process sessions the way the relay would.
type network struct {
	mu       sync.Mutex
	sessions map[domain.UserID]*CallSession
	sent     []domain.Envelope
}

func newNetwork() *network {
	return &network{sessions: make(map[domain.UserID]*CallSession)}
}

func (n *network) Send(ctx context.Context, env domain.Envelope) error {
	n.mu.Lock()
	n.sent = append(n.sent, env)
	dest := n.sessions[env.To]
	n.mu.Unlock()

	out, err := relayed(env.From, env)
	if err != nil {
		return err
	}
	if dest != nil {
		dest.HandleEnvelope(out)
	}
	return nil
}

func (n *network) sentBy(user domain.UserID, t domain.EnvelopeType) []domain.Envelope {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.Envelope
	for _, e := range n.sent {
		if e.From == user && e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (n *network) sentFrom(user domain.UserID) []domain.Envelope {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.Envelope
	for _, e := range n.sent {
		if e.From == user {
			out = append(out, e)
		}
	}
	return out
}

type fakeLocal struct {
	mu       sync.Mutex
	kind     domain.MediaKind
	audio    bool
	video    bool
	released int
}

func (l *fakeLocal) Kind() domain.MediaKind { return l.kind }

func (l *fakeLocal) SetAudioEnabled(on bool) {
	l.mu.Lock()
	l.audio = on
	l.mu.Unlock()
}

func (l *fakeLocal) SetVideoEnabled(on bool) {
	l.mu.Lock()
	l.video = on
	l.mu.Unlock()
}

func (l *fakeLocal) Release() {
	l.mu.Lock()
	l.released++
	l.mu.Unlock()
}

func (l *fakeLocal) releasedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

// gate blocks an operation until the test opens it.
type gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) wait() {
	if g == nil {
		return
	}
	g.once.Do(func() { close(g.entered) })
	<-g.release
}

func (g *gate) open() {
	close(g.release)
}

func (g *gate) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("operation never started")
	}
}

type fakeMedia struct {
	mu   sync.Mutex
	err  error
	gate *gate
	held []*fakeLocal
}

func (m *fakeMedia) Acquire(ctx context.Context, kind domain.MediaKind) (port.LocalMedia, error) {
	m.mu.Lock()
	g := m.gate
	m.mu.Unlock()
	g.wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	l := &fakeLocal{kind: kind, audio: true, video: kind.WantsVideo()}
	m.held = append(m.held, l)
	return l, nil
}

func (m *fakeMedia) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

func (m *fakeMedia) last() *fakeLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.held) == 0 {
		return nil
	}
	return m.held[len(m.held)-1]
}

type fakePeer struct {
	mu     sync.Mutex
	name   domain.UserID
	ev     port.PeerEvents
	remote *domain.SessionDescription
	added  []domain.ICECandidate
	closed bool
}

func (p *fakePeer) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	return domain.SessionDescription{Type: "offer", SDP: "offer-" + p.name.String()}, nil
}

func (p *fakePeer) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return domain.SessionDescription{}, errors.New("no remote description")
	}
	return domain.SessionDescription{Type: "answer", SDP: "answer-" + p.name.String()}, nil
}

func (p *fakePeer) SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("peer closed")
	}
	d := desc
	p.remote = &d
	return nil
}

func (p *fakePeer) AddICECandidate(c domain.ICECandidate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("peer closed")
	}
	if p.remote == nil {
		return errors.New("candidate before remote description")
	}
	p.added = append(p.added, c)
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) state() (remote *domain.SessionDescription, added []string, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.added {
		added = append(added, c.Candidate)
	}
	return p.remote, added, p.closed
}

type fakePeers struct {
	mu    sync.Mutex
	name  domain.UserID
	early []domain.ICECandidate
	err   error
	gate  *gate
	peers []*fakePeer
}

func (f *fakePeers) NewPeer(ctx context.Context, media port.LocalMedia, ev port.PeerEvents) (port.PeerConnection, error) {
	f.mu.Lock()
	g := f.gate
	f.mu.Unlock()
	g.wait()

	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return nil, f.err
	}
	p := &fakePeer{name: f.name, ev: ev}
	f.peers = append(f.peers, p)
	early := f.early
	f.mu.Unlock()

	for _, c := range early {
		ev.OnCandidate(c)
	}
	return p, nil
}

func (f *fakePeers) last() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

// phases records every distinct phase a session passes through.
type phases struct {
	mu   sync.Mutex
	seen []Phase
}

func (p *phases) add(s Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.seen); n == 0 || p.seen[n-1] != s.Phase {
		p.seen = append(p.seen, s.Phase)
	}
}

func (p *phases) has(want Phase) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ph := range p.seen {
		if ph == want {
			return true
		}
	}
	return false
}

func (p *phases) list() []Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Phase(nil), p.seen...)
}

type notices struct {
	mu   sync.Mutex
	errs []error
}

func (n *notices) add(err error) {
	n.mu.Lock()
	n.errs = append(n.errs, err)
	n.mu.Unlock()
}

func (n *notices) has(target error) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.errs {
		if errors.Is(e, target) {
			return true
		}
	}
	return false
}

type participant struct {
	session *CallSession
	media   *fakeMedia
	peers   *fakePeers
	phases  *phases
	notices *notices
}

var testConfig = SessionConfig{
	RingTimeout:  2 * time.Second,
	CoolDown:     50 * time.Millisecond,
	TickInterval: 20 * time.Millisecond,
}

func newRecorder() (*CallRecorder, *memory.CallRepository) {
	repo := memory.NewCallRepository()
	return NewCallRecorder(repo), repo
}

// gatedRepo holds Create until its gate opens.
type gatedRepo struct {
	*memory.CallRepository
	gate *gate
}

func (r *gatedRepo) Create(ctx context.Context, call domain.CallAttempt) error {
	r.gate.wait()
	return r.CallRepository.Create(ctx, call)
}

func join(t *testing.T, net *network, rec *CallRecorder, user domain.UserID, cfg SessionConfig) *participant {
	t.Helper()
	p := &participant{
		media:   &fakeMedia{},
		peers:   &fakePeers{name: user},
		phases:  &phases{},
		notices: &notices{},
	}
	cfg.DisplayName = "User " + user.String()
	p.session = NewCallSession(user, cfg, net, p.media, p.peers, rec)
	go p.session.Run()
	p.session.Watch(p.phases.add)
	p.session.OnNotice(p.notices.add)

	net.mu.Lock()
	net.sessions[user] = p.session
	net.mu.Unlock()

	t.Cleanup(p.session.Stop)
	return p
}

func (p *participant) phase(t *testing.T) Phase {
	t.Helper()
	snap, err := p.session.Snapshot(context.Background())
	require.NoError(t, err)
	return snap.Phase
}

func (p *participant) waitPhase(t *testing.T, want Phase) {
	t.Helper()
	require.Eventually(t, func() bool { return p.phases.has(want) }, 2*time.Second, 5*time.Millisecond,
		"never reached %s", want)
}

func waitStatus(t *testing.T, rec *CallRecorder, id domain.CallID, want domain.CallStatus) domain.CallAttempt {
	t.Helper()
	var call domain.CallAttempt
	require.Eventually(t, func() bool {
		c, err := rec.Get(context.Background(), id)
		call = c
		return err == nil && c.Status == want
	}, 2*time.Second, 5*time.Millisecond, "call %s never reached %s", id, want)
	return call
}
