package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// Endpoint is one live transport connection.
// Send must not block: it enqueues onto an ordered per-endpoint queue.
type Endpoint interface {
	ID() domain.ConnID
	Send(env domain.Envelope) error
	Close() error
}

// PresenceRegistry maps a user to at most one live endpoint.
type PresenceRegistry interface {
	Register(ctx context.Context, userID domain.UserID, ep Endpoint) error
	Resolve(ctx context.Context, userID domain.UserID) (Endpoint, bool)
	Unregister(ctx context.Context, ep Endpoint) error
	// Identity returns the user currently bound to ep, if any.
	Identity(ctx context.Context, ep Endpoint) (domain.UserID, bool)
}

// PresenceObserver receives online/offline transitions from the registry loop.
// Implementations must return quickly.
type PresenceObserver interface {
	Observe(ev domain.PresenceEvent)
}

// Signaler is the client-side view of the signaling transport.
type Signaler interface {
	Send(ctx context.Context, env domain.Envelope) error
}

// TokenVerifier checks that token was issued for userID.
type TokenVerifier interface {
	VerifyUser(token string, userID domain.UserID) error
}
