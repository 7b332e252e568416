package service

import (
	"context"
	"fmt"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/rs/zerolog/log"
)

// SignalingRelay forwards call-control envelopes between registered endpoints.
// It keeps no state of its own: nothing is queued, retried or persisted.
type SignalingRelay struct {
	registry port.PresenceRegistry
	verifier port.TokenVerifier
}

// NewSignalingRelay builds a relay. verifier may be nil, in which case register
// trusts the claimed identity.
func NewSignalingRelay(registry port.PresenceRegistry, verifier port.TokenVerifier) *SignalingRelay {
	return &SignalingRelay{
		registry: registry,
		verifier: verifier,
	}
}

// Register binds the endpoint to the identity in a register envelope and
// acknowledges with a registered envelope.
func (r *SignalingRelay) Register(ctx context.Context, from port.Endpoint, env domain.Envelope) error {
	if env.Type != domain.TypeRegister {
		return fmt.Errorf("expected register, got %q: %w", env.Type, domain.ErrInvalidEnvelope)
	}
	if err := env.Validate(); err != nil {
		return err
	}
	if r.verifier != nil {
		if err := r.verifier.VerifyUser(env.Token, env.UserID); err != nil {
			return fmt.Errorf("register %s: %w", env.UserID, err)
		}
	}
	if err := r.registry.Register(ctx, env.UserID, from); err != nil {
		return fmt.Errorf("register %s: %w", env.UserID, err)
	}
	return from.Send(domain.Envelope{Type: domain.TypeRegistered, UserID: env.UserID})
}

// Forward validates env, resolves its destination and delivers the relay-side
// form of the message. The returned error is diagnostic only; senders never
// observe delivery failures.
func (r *SignalingRelay) Forward(ctx context.Context, from port.Endpoint, env domain.Envelope) error {
	if env.Type == domain.TypeRegister {
		return r.Register(ctx, from, env)
	}
	if err := env.Validate(); err != nil {
		return err
	}

	sender, ok := r.registry.Identity(ctx, from)
	if !ok {
		return fmt.Errorf("%s from %s: %w", env.Type, from.ID(), domain.ErrNotRegistered)
	}
	if env.From != "" && env.From != sender {
		log.Warn().Str("claimed", env.From.String()).Str("user_id", sender.String()).
			Str("type", string(env.Type)).Msg("Sender identity overridden")
	}

	out, err := relayed(sender, env)
	if err != nil {
		return err
	}

	dest, ok := r.registry.Resolve(ctx, env.To)
	if !ok {
		log.Debug().Str("type", string(env.Type)).Str("to", env.To.String()).
			Str("call_id", env.CallID.String()).Msg("Destination offline, dropping")
		return fmt.Errorf("%s to %s: %w", env.Type, env.To, domain.ErrDeliveryFailed)
	}
	if err := dest.Send(out); err != nil {
		return fmt.Errorf("%s to %s: %v: %w", env.Type, env.To, err, domain.ErrDeliveryFailed)
	}
	return nil
}

// relayed maps a client envelope onto the event the destination receives.
func relayed(sender domain.UserID, env domain.Envelope) (domain.Envelope, error) {
	out := domain.Envelope{CallID: env.CallID, From: sender}
	switch env.Type {
	case domain.TypeCallInvite:
		out.Type = domain.TypeIncomingCall
		out.Offer = env.Offer
		out.CallerName = env.DisplayName
		out.MediaKind = env.MediaKind
		out.ChatID = env.ChatID
	case domain.TypeCallAccept:
		out.Type = domain.TypeCallAnswered
		out.Answer = env.Answer
	case domain.TypeICECandidate:
		out.Type = domain.TypeICECandidate
		out.Candidate = env.Candidate
	case domain.TypeEndCall:
		out.Type = domain.TypeCallEnded
	case domain.TypeRejectCall:
		out.Type = domain.TypeCallRejected
		out.Reason = env.Reason
	default:
		return domain.Envelope{}, fmt.Errorf("%s is not relayable: %w", env.Type, domain.ErrInvalidEnvelope)
	}
	return out, nil
}
