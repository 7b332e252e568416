package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
)

// ErrCallCancelled is returned by StartCall when the attempt was ended before the invite went out.
var ErrCallCancelled = errors.New("call cancelled")

// StartCall places a call: idle -> calling. It returns once the invite has been
// handed to the signaling transport, or with the error that sent the session back.
func (s *CallSession) StartCall(ctx context.Context, to domain.UserID, chatID domain.ChatID, kind domain.MediaKind) (domain.CallID, error) {
	if to == "" || to == s.self {
		return domain.CallID{}, fmt.Errorf("call %q: %w", to, domain.ErrInvalidCall)
	}
	if !kind.Valid() {
		return domain.CallID{}, fmt.Errorf("media kind %q: %w", kind, domain.ErrInvalidCall)
	}

	type result struct {
		id  domain.CallID
		err error
	}
	res := make(chan result, 1)
	var once sync.Once
	done := func(id domain.CallID, err error) {
		once.Do(func() { res <- result{id, err} })
	}

	if !s.post(func() { s.startCall(to, chatID, kind, done) }) {
		return domain.CallID{}, domain.ErrSessionClosed
	}
	select {
	case r := <-res:
		return r.id, r.err
	case <-ctx.Done():
		return domain.CallID{}, ctx.Err()
	case <-s.stopped:
		return domain.CallID{}, domain.ErrSessionClosed
	}
}

func (s *CallSession) startCall(to domain.UserID, chatID domain.ChatID, kind domain.MediaKind, done func(domain.CallID, error)) {
	if s.phase.Live() {
		done(domain.CallID{}, domain.ErrBusy)
		return
	}
	s.clearAttempt()

	a := s.newAttempt(domain.NewCallID(), to, chatID, kind, true)
	s.cur = a
	s.setPhase(PhaseCalling)
	a.log.Info().Str("kind", string(kind)).Msg("Starting call")

	var media port.LocalMedia
	s.suspend(a, func(ctx context.Context) error {
		m, err := s.media.Acquire(ctx, kind)
		media = m
		return err
	}, func(err error) {
		if err != nil {
			a.log.Warn().Err(err).Msg("Media acquisition failed")
			s.reset(a)
			s.notice(err)
			done(domain.CallID{}, err)
			return
		}
		a.media = media
		s.placeCall(a, done)
	}, func() {
		if media != nil {
			media.Release()
		}
		done(a.id, ErrCallCancelled)
	})
}

// placeCall creates the peer, the durable record and the offer, then sends the invite.
func (s *CallSession) placeCall(a *attempt, done func(domain.CallID, error)) {
	var (
		pc       port.PeerConnection
		offer    domain.SessionDescription
		recorded bool
	)
	events := s.peerEvents(a)
	media := a.media

	s.suspend(a, func(ctx context.Context) error {
		p, err := s.peers.NewPeer(ctx, media, events)
		if err != nil {
			return fmt.Errorf("create peer connection: %w", err)
		}
		pc = p
		if err := ctx.Err(); err != nil {
			return err
		}
		// The record exists before the invite, so a lost invite still leaves a trace.
		if _, err := s.records.Open(ctx, a.id, a.chatID, s.self, a.peer, a.kind); err != nil {
			return err
		}
		recorded = true
		o, err := p.CreateOffer(ctx)
		if err != nil {
			return &domain.NegotiationError{Op: "create offer", Err: err}
		}
		offer = o
		if err := s.records.SaveDescription(ctx, a.id, s.self, o); err != nil {
			a.log.Warn().Err(err).Msg("Offer not persisted")
		}
		return nil
	}, func(err error) {
		a.pc = pc
		a.recorded = recorded
		if err != nil {
			a.log.Error().Err(err).Msg("Could not place call")
			s.terminate(a, PhaseEnded, domain.StatusEnded, nil)
			s.notice(err)
			done(a.id, err)
			return
		}

		s.send(a, domain.Envelope{
			Type:        domain.TypeCallInvite,
			CallID:      a.id,
			To:          a.peer,
			From:        s.self,
			DisplayName: s.cfg.DisplayName,
			MediaKind:   a.kind,
			ChatID:      a.chatID,
			Offer:       &offer,
		})
		s.announce(a)
		s.armRingTimer(a, s.cfg.RingTimeout)
		done(a.id, nil)
	}, func() {
		if pc != nil {
			pc.Close()
		}
		if recorded {
			status := a.final
			if status == "" {
				status = domain.StatusEnded
			}
			s.finishRecord(a, status)
		}
		done(a.id, ErrCallCancelled)
	})
}

// announce marks our description as sent and flushes candidates gathered before it.
func (s *CallSession) announce(a *attempt) {
	a.announced = true
	for _, c := range a.outbox {
		s.sendCandidate(a, c)
	}
	a.outbox = nil
}

func (s *CallSession) sendCandidate(a *attempt, c domain.ICECandidate) {
	id, self := a.id, s.self
	s.persist(a, "candidate", func(ctx context.Context) error {
		return s.records.SaveCandidate(ctx, id, self, c)
	})
	cand := c
	s.send(a, domain.Envelope{Type: domain.TypeICECandidate, CallID: a.id, To: a.peer, From: s.self, Candidate: &cand})
}

func (s *CallSession) peerEvents(a *attempt) port.PeerEvents {
	return port.PeerEvents{
		OnCandidate: func(c domain.ICECandidate) {
			s.post(func() { s.onLocalCandidate(a, c) })
		},
		OnFailed: func(err error) {
			s.post(func() {
				if s.cur != a || a.terminal {
					return
				}
				a.log.Warn().Err(err).Msg("Peer connection failed")
				s.terminate(a, PhaseEnded, domain.StatusEnded, s.outbound(a, domain.TypeEndCall, ""))
				s.notice(err)
			})
		},
	}
}

func (s *CallSession) onLocalCandidate(a *attempt, c domain.ICECandidate) {
	if s.cur != a || a.terminal {
		return
	}
	// Held back until our description is out, so the record exists too.
	if !a.announced {
		a.outbox = append(a.outbox, c)
		return
	}
	s.sendCandidate(a, c)
}

func (s *CallSession) onIncoming(env domain.Envelope) {
	if !env.Offer.Valid("offer") || env.CallID.IsZero() || env.From == "" {
		l := s.logger()
		l.Warn().Str("call_id", env.CallID.String()).Msg("Dropping malformed invite")
		return
	}
	if s.phase.Live() {
		if s.cur != nil && s.cur.id == env.CallID {
			return
		}
		l := s.logger()
		l.Info().Str("call_id", env.CallID.String()).Str("from", env.From.String()).Msg("Busy, rejecting invite")
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		reject := domain.Envelope{Type: domain.TypeRejectCall, CallID: env.CallID, To: env.From, From: s.self, Reason: domain.ReasonBusy}
		if err := s.signaler.Send(ctx, reject); err != nil {
			l.Warn().Err(err).Msg("Failed to send busy")
		}
		return
	}
	s.ring(env.CallID, env.From, env.CallerName, env.ChatID, env.MediaKind, env.Offer, nil, s.cfg.RingTimeout)
}

// ring enters ringing. No media is acquired until the call is answered.
func (s *CallSession) ring(id domain.CallID, from domain.UserID, name string, chatID domain.ChatID, kind domain.MediaKind, offer *domain.SessionDescription, early []domain.ICECandidate, timeout time.Duration) {
	s.clearAttempt()
	if !kind.Valid() {
		kind = domain.MediaAudio
	}
	a := s.newAttempt(id, from, chatID, kind, false)
	a.peerName = name
	a.offer = offer
	a.inbox = append(a.inbox, early...)
	a.recorded = true
	s.cur = a
	s.armRingTimer(a, timeout)
	a.log.Info().Str("kind", string(kind)).Msg("Incoming call")
	s.setPhase(PhaseRinging)
}

// AnswerCall accepts the ringing call: ringing -> connected.
func (s *CallSession) AnswerCall(ctx context.Context) error {
	res := make(chan error, 1)
	var once sync.Once
	done := func(err error) {
		once.Do(func() { res <- err })
	}
	if !s.post(func() { s.answerCall(done) }) {
		return domain.ErrSessionClosed
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return domain.ErrSessionClosed
	}
}

func (s *CallSession) answerCall(done func(error)) {
	a := s.cur
	if a == nil || a.terminal {
		done(domain.ErrNoActiveCall)
		return
	}
	if s.phase != PhaseRinging || a.answering {
		done(fmt.Errorf("answer in %s: %w", s.phase, domain.ErrInvalidTransition))
		return
	}
	a.answering = true
	if a.ringTimer != nil {
		a.ringTimer.Stop()
	}

	if a.offer != nil {
		s.acquireForAnswer(a, done)
		return
	}

	// The invite never reached us over the relay; fall back to the stored offer.
	var offer domain.SessionDescription
	s.suspend(a, func(ctx context.Context) error {
		o, err := s.records.Offer(ctx, a.id)
		offer = o
		return err
	}, func(err error) {
		if err != nil {
			a.log.Warn().Err(err).Msg("No offer to answer")
			s.terminate(a, PhaseRejected, domain.StatusRejected, s.outbound(a, domain.TypeRejectCall, domain.ReasonFailed))
			s.notice(err)
			done(err)
			return
		}
		a.offer = &offer
		s.acquireForAnswer(a, done)
	}, func() { done(ErrCallCancelled) })
}

func (s *CallSession) acquireForAnswer(a *attempt, done func(error)) {
	var media port.LocalMedia
	s.suspend(a, func(ctx context.Context) error {
		m, err := s.media.Acquire(ctx, a.kind)
		media = m
		return err
	}, func(err error) {
		if err != nil {
			a.log.Warn().Err(err).Msg("Media acquisition failed")
			s.terminate(a, PhaseEnded, domain.StatusEnded, s.outbound(a, domain.TypeRejectCall, domain.ReasonFailed))
			s.notice(err)
			done(err)
			return
		}
		a.media = media
		s.applyOffer(a, done)
	}, func() {
		if media != nil {
			media.Release()
		}
		done(ErrCallCancelled)
	})
}

func (s *CallSession) applyOffer(a *attempt, done func(error)) {
	var (
		pc     port.PeerConnection
		fatal  bool
		events = s.peerEvents(a)
		media  = a.media
		offer  = *a.offer
	)
	s.suspend(a, func(ctx context.Context) error {
		p, err := s.peers.NewPeer(ctx, media, events)
		if err != nil {
			fatal = true
			return fmt.Errorf("create peer connection: %w", err)
		}
		pc = p
		if err := p.SetRemoteDescription(ctx, offer); err != nil {
			return &domain.NegotiationError{Op: "apply offer", Err: err}
		}
		return nil
	}, func(err error) {
		a.pc = pc
		if err != nil {
			a.log.Error().Err(err).Msg("Could not accept call")
			if fatal {
				s.terminate(a, PhaseEnded, domain.StatusEnded, s.outbound(a, domain.TypeRejectCall, domain.ReasonFailed))
			} else {
				s.terminate(a, PhaseRejected, domain.StatusRejected, s.outbound(a, domain.TypeRejectCall, domain.ReasonFailed))
			}
			s.notice(err)
			done(err)
			return
		}
		s.remoteApplied(a)
		s.sendAnswer(a, done)
	}, func() {
		if pc != nil {
			pc.Close()
		}
		done(ErrCallCancelled)
	})
}

// remoteApplied flushes buffered remote candidates in arrival order.
func (s *CallSession) remoteApplied(a *attempt) {
	a.remoteSet = true
	pending := a.inbox
	a.inbox = nil
	for _, c := range pending {
		if err := a.pc.AddICECandidate(c); err != nil {
			a.log.Warn().Err(err).Msg("Failed to add buffered candidate")
		}
	}
}

func (s *CallSession) sendAnswer(a *attempt, done func(error)) {
	var answer domain.SessionDescription
	pc := a.pc
	s.suspend(a, func(ctx context.Context) error {
		ans, err := pc.CreateAnswer(ctx)
		if err != nil {
			return &domain.NegotiationError{Op: "create answer", Err: err}
		}
		answer = ans
		if err := s.records.SaveDescription(ctx, a.id, s.self, ans); err != nil {
			a.log.Warn().Err(err).Msg("Answer not persisted")
		}
		if _, err := s.records.Connected(ctx, a.id); err != nil {
			a.log.Warn().Err(err).Msg("Call record not marked connected")
		}
		return nil
	}, func(err error) {
		if err != nil {
			a.log.Error().Err(err).Msg("Could not answer call")
			s.terminate(a, PhaseRejected, domain.StatusRejected, s.outbound(a, domain.TypeRejectCall, domain.ReasonFailed))
			s.notice(err)
			done(err)
			return
		}
		s.send(a, domain.Envelope{Type: domain.TypeCallAccept, CallID: a.id, To: a.peer, From: s.self, Answer: &answer})
		s.announce(a)
		a.answered = true
		s.setPhase(PhaseConnected)
		s.startTicker(a)
		a.log.Info().Msg("Call connected")
		done(nil)
	}, func() { done(ErrCallCancelled) })
}

func (s *CallSession) onAnswered(env domain.Envelope) {
	a := s.match(env)
	if a == nil {
		return
	}
	if !a.outgoing || s.phase != PhaseCalling || a.answered || a.pc == nil {
		a.log.Debug().Str("phase", string(s.phase)).Msg("Ignoring answer")
		return
	}
	if !env.Answer.Valid("answer") {
		a.log.Warn().Msg("Malformed answer")
		s.terminate(a, PhaseEnded, domain.StatusEnded, s.outbound(a, domain.TypeEndCall, ""))
		s.notice(&domain.NegotiationError{Op: "apply answer", Err: domain.ErrInvalidEnvelope})
		return
	}
	a.answered = true
	if a.ringTimer != nil {
		a.ringTimer.Stop()
	}

	pc, answer := a.pc, *env.Answer
	s.suspend(a, func(ctx context.Context) error {
		if err := pc.SetRemoteDescription(ctx, answer); err != nil {
			return &domain.NegotiationError{Op: "apply answer", Err: err}
		}
		return nil
	}, func(err error) {
		if err != nil {
			a.log.Error().Err(err).Msg("Could not apply answer")
			s.terminate(a, PhaseEnded, domain.StatusEnded, s.outbound(a, domain.TypeEndCall, ""))
			s.notice(err)
			return
		}
		s.remoteApplied(a)
		s.setPhase(PhaseConnected)
		s.startTicker(a)
		a.log.Info().Msg("Call connected")
	}, nil)
}

func (s *CallSession) onRemoteCandidate(env domain.Envelope) {
	a := s.match(env)
	if a == nil || env.Candidate == nil {
		return
	}
	if a.pc == nil || !a.remoteSet {
		a.inbox = append(a.inbox, *env.Candidate)
		return
	}
	if err := a.pc.AddICECandidate(*env.Candidate); err != nil {
		a.log.Warn().Err(err).Msg("Failed to add candidate")
	}
}

func (s *CallSession) onRejected(env domain.Envelope) {
	a := s.match(env)
	if a == nil {
		return
	}
	if s.phase == PhaseConnected {
		s.terminate(a, PhaseEnded, domain.StatusEnded, nil)
		return
	}
	if env.Reason == domain.ReasonBusy && a.outgoing {
		s.terminate(a, PhaseBusy, domain.StatusBusy, nil)
		return
	}
	s.terminate(a, PhaseRejected, domain.StatusRejected, nil)
}

// EndCall hangs up the current call from any live phase. Calling it again, or
// with nothing live, is a no-op.
func (s *CallSession) EndCall(ctx context.Context) error {
	return s.do(ctx, func() error {
		a := s.cur
		if a == nil || a.terminal {
			return nil
		}
		a.log.Info().Str("phase", string(s.phase)).Msg("Ending call")
		s.terminate(a, PhaseEnded, domain.StatusEnded, s.outbound(a, domain.TypeEndCall, ""))
		return nil
	})
}

// RejectCall declines a ringing call, or cancels an unanswered outgoing one.
func (s *CallSession) RejectCall(ctx context.Context) error {
	return s.do(ctx, func() error {
		a := s.cur
		if a == nil || a.terminal {
			return nil
		}
		if s.phase == PhaseConnected {
			return fmt.Errorf("reject in %s: %w", s.phase, domain.ErrInvalidTransition)
		}
		a.log.Info().Msg("Rejecting call")
		s.terminate(a, PhaseRejected, domain.StatusRejected, s.outbound(a, domain.TypeRejectCall, domain.ReasonDeclined))
		return nil
	})
}

// Resume looks for a call in chatID still ringing for us that was placed while we
// were offline, and enters ringing with the stored offer and candidates.
func (s *CallSession) Resume(ctx context.Context, chatID domain.ChatID) (domain.CallID, error) {
	call, err := s.records.Pending(ctx, chatID, s.self)
	if err != nil {
		return domain.CallID{}, err
	}
	age := time.Since(call.CreatedAt)
	if age >= s.cfg.RingTimeout {
		return domain.CallID{}, fmt.Errorf("call %s expired %s ago: %w", call.ID, age-s.cfg.RingTimeout, domain.ErrCallNotFound)
	}
	offer, err := s.records.Offer(ctx, call.ID)
	if err != nil {
		return domain.CallID{}, err
	}
	early, err := s.records.Candidates(ctx, call.ID, call.CallerID)
	if err != nil {
		return domain.CallID{}, err
	}

	err = s.do(ctx, func() error {
		if s.phase.Live() {
			if s.cur != nil && s.cur.id == call.ID {
				return nil
			}
			return domain.ErrBusy
		}
		s.ring(call.ID, call.CallerID, "", call.ChatID, call.Kind, &offer, early, s.cfg.RingTimeout-age)
		return nil
	})
	if err != nil {
		return domain.CallID{}, err
	}
	return call.ID, nil
}

// ToggleMute flips the local audio track and returns the new muted state.
func (s *CallSession) ToggleMute(ctx context.Context) (bool, error) {
	var muted bool
	err := s.do(ctx, func() error {
		a := s.cur
		if a == nil || a.terminal || a.media == nil {
			return domain.ErrNoActiveCall
		}
		a.muted = !a.muted
		a.media.SetAudioEnabled(!a.muted)
		muted = a.muted
		s.emit()
		return nil
	})
	return muted, err
}

// ToggleVideo flips the local camera track and returns the new disabled state.
func (s *CallSession) ToggleVideo(ctx context.Context) (bool, error) {
	var off bool
	err := s.do(ctx, func() error {
		a := s.cur
		if a == nil || a.terminal || a.media == nil {
			return domain.ErrNoActiveCall
		}
		if !a.kind.WantsVideo() {
			return fmt.Errorf("toggle video on %s call: %w", a.kind, domain.ErrInvalidTransition)
		}
		a.videoOff = !a.videoOff
		a.media.SetVideoEnabled(!a.videoOff)
		off = a.videoOff
		s.emit()
		return nil
	})
	return off, err
}
