package service

import (
	"context"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Phase is the local state of a participant's call session.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseCalling   Phase = "calling"
	PhaseRinging   Phase = "ringing"
	PhaseConnected Phase = "connected"
	PhaseEnded     Phase = "ended"
	PhaseRejected  Phase = "rejected"
	PhaseBusy      Phase = "busy"
	PhaseMissed    Phase = "missed"
)

// Live reports whether p holds the media device and refuses a second call.
func (p Phase) Live() bool {
	return p == PhaseCalling || p == PhaseRinging || p == PhaseConnected
}

const (
	DefaultRingTimeout  = 45 * time.Second
	DefaultCoolDown     = 2 * time.Second
	DefaultTickInterval = time.Second

	sendTimeout  = 5 * time.Second
	writeTimeout = 10 * time.Second
)

type SessionConfig struct {
	DisplayName string
	// RingTimeout bounds how long an invite may go unanswered, on both sides.
	RingTimeout time.Duration
	// CoolDown is how long a terminal phase stays visible before idle.
	CoolDown time.Duration
	// TickInterval is the granularity of the duration counter.
	TickInterval time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.RingTimeout <= 0 {
		c.RingTimeout = DefaultRingTimeout
	}
	if c.CoolDown <= 0 {
		c.CoolDown = DefaultCoolDown
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	return c
}

// Snapshot is what a UI renders.
type Snapshot struct {
	Phase    Phase
	CallID   domain.CallID
	Peer     domain.UserID
	PeerName string
	ChatID   domain.ChatID
	Kind     domain.MediaKind
	Outgoing bool
	// Duration counts whole ticks since connected.
	Duration int
	Muted    bool
	VideoOff bool
}

// attempt is the live part of one call attempt. Only the run loop touches it.
type attempt struct {
	id       domain.CallID
	peer     domain.UserID
	peerName string
	chatID   domain.ChatID
	kind     domain.MediaKind
	outgoing bool

	ctx    context.Context
	cancel context.CancelFunc

	offer *domain.SessionDescription
	media port.LocalMedia
	pc    port.PeerConnection

	// inbox holds remote candidates that arrived before the remote description.
	inbox     []domain.ICECandidate
	remoteSet bool
	// outbox holds local candidates gathered before our offer/answer went out.
	outbox    []domain.ICECandidate
	announced bool

	answering bool
	answered  bool
	recorded  bool
	terminal  bool
	final     domain.CallStatus

	// logTail is closed when the last queued signal-log write finishes.
	logTail chan struct{}

	seconds  int
	muted    bool
	videoOff bool

	ringTimer *time.Timer
	coolTimer *time.Timer
	tickStop  chan struct{}

	log zerolog.Logger
}

// CallSession is one participant's call state machine. Signaling events,
// timer ticks and user actions are serialized onto the Run loop; blocking
// work (media, negotiation, record writes) runs off the loop and resumes on it
// only if its attempt is still current.
type CallSession struct {
	self     domain.UserID
	cfg      SessionConfig
	signaler port.Signaler
	media    port.MediaSource
	peers    port.PeerFactory
	records  *CallRecorder

	events  chan func()
	quit    chan struct{}
	stopped chan struct{}
	stop    sync.Once
	// pending counts suspended operations and record writes still running.
	pending sync.WaitGroup

	// owned by Run
	phase     Phase
	cur       *attempt
	listeners []func(Snapshot)
	notices   []func(error)
}

func NewCallSession(self domain.UserID, cfg SessionConfig, signaler port.Signaler, media port.MediaSource, peers port.PeerFactory, records *CallRecorder) *CallSession {
	return &CallSession{
		self:     self,
		cfg:      cfg.withDefaults(),
		signaler: signaler,
		media:    media,
		peers:    peers,
		records:  records,
		events:   make(chan func(), 256),
		quit:     make(chan struct{}),
		stopped:  make(chan struct{}),
		phase:    PhaseIdle,
	}
}

func (s *CallSession) Run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.quit:
			if a := s.cur; a != nil && !a.terminal {
				s.terminate(a, PhaseEnded, domain.StatusEnded, s.outbound(a, domain.TypeEndCall, ""))
			}
			s.clearAttempt()
			return
		case fn := <-s.events:
			fn()
		}
	}
}

// Stop hangs up any live call, stops the loop and waits for pending record writes.
func (s *CallSession) Stop() {
	s.stop.Do(func() { close(s.quit) })
	<-s.stopped
	s.pending.Wait()
}

// post queues fn onto the loop. It reports false once the session is stopping.
func (s *CallSession) post(fn func()) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.events <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// do runs fn on the loop and waits for its result.
func (s *CallSession) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	if !s.post(func() { errc <- fn() }) {
		return domain.ErrSessionClosed
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return domain.ErrSessionClosed
	}
}

// suspend runs op off the loop. resume runs on the loop only if a is still the
// current, non-terminal attempt; otherwise orphan (may be nil) runs instead so
// that whatever op produced can be released.
func (s *CallSession) suspend(a *attempt, op func(ctx context.Context) error, resume func(err error), orphan func()) {
	// orphan may add record writes after the loop is gone; holding a count keeps Stop waiting for them.
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		err := op(a.ctx)
		ok := s.post(func() {
			if s.cur != a || a.terminal {
				a.log.Debug().Err(err).Msg("Stale continuation dropped")
				if orphan != nil {
					orphan()
				}
				return
			}
			resume(err)
		})
		if !ok && orphan != nil {
			orphan()
		}
	}()
}

// Watch registers fn to receive every state change. fn runs on the loop and must not block.
func (s *CallSession) Watch(fn func(Snapshot)) {
	s.post(func() {
		s.listeners = append(s.listeners, fn)
		fn(s.snapshot())
	})
}

// OnNotice registers fn for transient, user-facing errors.
func (s *CallSession) OnNotice(fn func(error)) {
	s.post(func() { s.notices = append(s.notices, fn) })
}

func (s *CallSession) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.do(ctx, func() error {
		snap = s.snapshot()
		return nil
	})
	return snap, err
}

func (s *CallSession) snapshot() Snapshot {
	snap := Snapshot{Phase: s.phase}
	if a := s.cur; a != nil {
		snap.CallID = a.id
		snap.Peer = a.peer
		snap.PeerName = a.peerName
		snap.ChatID = a.chatID
		snap.Kind = a.kind
		snap.Outgoing = a.outgoing
		snap.Duration = a.seconds
		snap.Muted = a.muted
		snap.VideoOff = a.videoOff
	}
	return snap
}

func (s *CallSession) setPhase(p Phase) {
	s.phase = p
	s.emit()
}

func (s *CallSession) emit() {
	snap := s.snapshot()
	for _, fn := range s.listeners {
		fn(snap)
	}
}

func (s *CallSession) notice(err error) {
	for _, fn := range s.notices {
		fn(err)
	}
}

func (s *CallSession) newAttempt(id domain.CallID, peer domain.UserID, chatID domain.ChatID, kind domain.MediaKind, outgoing bool) *attempt {
	ctx, cancel := context.WithCancel(context.Background())
	return &attempt{
		id:       id,
		peer:     peer,
		chatID:   chatID,
		kind:     kind,
		outgoing: outgoing,
		ctx:      ctx,
		cancel:   cancel,
		log: log.With().
			Str("user_id", s.self.String()).
			Str("call_id", id.String()).
			Str("peer", peer.String()).
			Logger(),
	}
}

// clearAttempt drops a terminal attempt still in cool-down.
func (s *CallSession) clearAttempt() {
	a := s.cur
	if a == nil || !a.terminal {
		return
	}
	if a.coolTimer != nil {
		a.coolTimer.Stop()
	}
	s.cur = nil
	s.phase = PhaseIdle
}

// reset returns to idle without a terminal phase; used when nothing was placed yet.
func (s *CallSession) reset(a *attempt) {
	a.terminal = true
	a.cancel()
	s.stopTimers(a)
	if a.media != nil {
		a.media.Release()
		a.media = nil
	}
	if a.pc != nil {
		a.pc.Close()
		a.pc = nil
	}
	s.cur = nil
	s.setPhase(PhaseIdle)
}

// terminate is the single exit for a placed attempt. It is a no-op on a terminal attempt.
func (s *CallSession) terminate(a *attempt, phase Phase, status domain.CallStatus, notify *domain.Envelope) {
	if a.terminal {
		return
	}
	a.terminal = true
	a.final = status
	a.cancel()
	s.stopTimers(a)

	if a.media != nil {
		a.media.Release()
		a.media = nil
	}
	if a.pc != nil {
		if err := a.pc.Close(); err != nil {
			a.log.Warn().Err(err).Msg("Error closing peer connection")
		}
		a.pc = nil
	}
	if notify != nil {
		s.send(a, *notify)
	}
	if a.recorded {
		s.finishRecord(a, status)
	}

	a.log.Info().Str("phase", string(phase)).Int("duration", a.seconds).Msg("Call finished")
	s.setPhase(phase)

	a.coolTimer = time.AfterFunc(s.cfg.CoolDown, func() {
		s.post(func() {
			if s.cur == a {
				s.cur = nil
				s.setPhase(PhaseIdle)
			}
		})
	})
}

func (s *CallSession) stopTimers(a *attempt) {
	if a.ringTimer != nil {
		a.ringTimer.Stop()
	}
	if a.tickStop != nil {
		close(a.tickStop)
		a.tickStop = nil
	}
}

func (s *CallSession) finishRecord(a *attempt, status domain.CallStatus) {
	id, l := a.id, a.log
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if _, err := s.records.Finish(ctx, id, status); err != nil {
			if IsRegression(err) {
				l.Debug().Err(err).Msg("Call record already final")
				return
			}
			l.Error().Err(err).Str("status", string(status)).Msg("Failed to finish call record")
		}
	}()
}

// persist runs a best-effort signal-log write off the loop. Writes of one
// attempt are applied in the order they were queued.
func (s *CallSession) persist(a *attempt, what string, fn func(ctx context.Context) error) {
	l := a.log
	prev, done := a.logTail, make(chan struct{})
	a.logTail = done
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			l.Warn().Err(err).Msg("Failed to persist " + what)
		}
	}()
}

// send transmits env; transport failures only get logged since the relay gives
// no acknowledgment anyway.
func (s *CallSession) send(a *attempt, env domain.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := s.signaler.Send(ctx, env); err != nil {
		a.log.Warn().Err(err).Str("type", string(env.Type)).Msg("Failed to send signal")
	}
}

func (s *CallSession) outbound(a *attempt, t domain.EnvelopeType, reason string) *domain.Envelope {
	return &domain.Envelope{Type: t, CallID: a.id, To: a.peer, From: s.self, Reason: reason}
}

func (s *CallSession) startTicker(a *attempt) {
	if a.tickStop != nil {
		return
	}
	stop := make(chan struct{})
	a.tickStop = stop
	ticker := time.NewTicker(s.cfg.TickInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.post(func() {
					if s.cur == a && !a.terminal && s.phase == PhaseConnected {
						a.seconds++
						s.emit()
					}
				})
			}
		}
	}()
}

func (s *CallSession) armRingTimer(a *attempt, d time.Duration) {
	a.ringTimer = time.AfterFunc(d, func() {
		s.post(func() { s.ringTimeout(a) })
	})
}

func (s *CallSession) ringTimeout(a *attempt) {
	if s.cur != a || a.terminal {
		return
	}
	switch {
	case s.phase == PhaseCalling && a.outgoing && !a.answered:
		a.log.Info().Dur("timeout", s.cfg.RingTimeout).Msg("No answer")
		s.terminate(a, PhaseMissed, domain.StatusMissed, s.outbound(a, domain.TypeEndCall, ""))
		s.notice(domain.ErrCallTimeout)
	case s.phase == PhaseRinging && !a.answering:
		a.log.Info().Msg("Stopped ringing")
		s.terminate(a, PhaseMissed, domain.StatusMissed, nil)
	}
}

// HandleEnvelope feeds a relay event into the loop. Events are applied in arrival order.
func (s *CallSession) HandleEnvelope(env domain.Envelope) {
	s.post(func() { s.dispatch(env) })
}

func (s *CallSession) dispatch(env domain.Envelope) {
	switch env.Type {
	case domain.TypeIncomingCall:
		s.onIncoming(env)
	case domain.TypeCallAnswered:
		s.onAnswered(env)
	case domain.TypeICECandidate:
		s.onRemoteCandidate(env)
	case domain.TypeCallEnded:
		if a := s.match(env); a != nil {
			s.terminate(a, PhaseEnded, domain.StatusEnded, nil)
		}
	case domain.TypeCallRejected:
		s.onRejected(env)
	case domain.TypeRegistered, domain.TypePresenceOnline, domain.TypePresenceOffline:
	default:
		log.Debug().Str("type", string(env.Type)).Msg("Ignoring unknown event")
	}
}

func (s *CallSession) logger() zerolog.Logger {
	return log.With().Str("user_id", s.self.String()).Logger()
}

// match returns the live attempt env belongs to, or nil for stale or foreign events.
func (s *CallSession) match(env domain.Envelope) *attempt {
	a := s.cur
	if a == nil || a.terminal || a.id != env.CallID || (env.From != "" && env.From != a.peer) {
		l := s.logger()
		l.Debug().Str("type", string(env.Type)).Str("call_id", env.CallID.String()).Msg("Dropping event for unknown call")
		return nil
	}
	return a
}
