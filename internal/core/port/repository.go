package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// CallRepository is the durable call history. Update must apply
// domain.CallAttempt.Apply atomically with the read it depends on.
type CallRepository interface {
	Create(ctx context.Context, call domain.CallAttempt) error
	Update(ctx context.Context, id domain.CallID, u domain.StatusUpdate) (domain.CallAttempt, error)
	Get(ctx context.Context, id domain.CallID) (domain.CallAttempt, error)
	// ActiveByChat returns the newest attempt of the chat still in calling status.
	ActiveByChat(ctx context.Context, chatID domain.ChatID) (domain.CallAttempt, error)
	ListByUser(ctx context.Context, userID domain.UserID, limit int) ([]domain.CallAttempt, error)
	Delete(ctx context.Context, id domain.CallID) error
}

// SignalRepository keeps negotiation payloads keyed by call id, in insertion order.
type SignalRepository interface {
	AppendSignal(ctx context.Context, sig domain.SignalRecord) error
	Signals(ctx context.Context, callID domain.CallID) ([]domain.SignalRecord, error)
}

type CallStore interface {
	CallRepository
	SignalRepository
}
