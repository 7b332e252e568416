package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
)

const defaultHistoryLimit = 50

// CallRecorder keeps the durable call record in step with live sessions.
// Writes are opportunistic: a refused regression means the other participant
// already recorded a later status, which is not an error for the caller.
type CallRecorder struct {
	calls   port.CallRepository
	signals port.SignalRepository
	clock   func() time.Time
}

func NewCallRecorder(store port.CallStore) *CallRecorder {
	return &CallRecorder{calls: store, signals: store, clock: time.Now}
}

// Open persists a new attempt in calling status.
func (r *CallRecorder) Open(ctx context.Context, id domain.CallID, chatID domain.ChatID, caller, receiver domain.UserID, kind domain.MediaKind) (domain.CallAttempt, error) {
	call, err := domain.NewCallAttempt(id, chatID, caller, receiver, kind, r.clock())
	if err != nil {
		return domain.CallAttempt{}, err
	}
	if err := r.calls.Create(ctx, *call); err != nil {
		return domain.CallAttempt{}, fmt.Errorf("create call %s: %w", call.ID, err)
	}
	return *call, nil
}

func (r *CallRecorder) Connected(ctx context.Context, id domain.CallID) (domain.CallAttempt, error) {
	return r.advance(ctx, id, domain.StatusConnected)
}

// Finish records a terminal status with the ended timestamp.
func (r *CallRecorder) Finish(ctx context.Context, id domain.CallID, status domain.CallStatus) (domain.CallAttempt, error) {
	if !status.Terminal() {
		return domain.CallAttempt{}, fmt.Errorf("finish with %q: %w", status, domain.ErrInvalidCall)
	}
	return r.advance(ctx, id, status)
}

func (r *CallRecorder) advance(ctx context.Context, id domain.CallID, status domain.CallStatus) (domain.CallAttempt, error) {
	call, err := r.calls.Update(ctx, id, domain.StatusUpdate{Status: status, At: r.clock()})
	if err != nil {
		return domain.CallAttempt{}, fmt.Errorf("update call %s to %s: %w", id, status, err)
	}
	return call, nil
}

// Now is the recorder's clock in UTC.
func (r *CallRecorder) Now() time.Time {
	return r.clock().UTC()
}

func (r *CallRecorder) Get(ctx context.Context, id domain.CallID) (domain.CallAttempt, error) {
	return r.calls.Get(ctx, id)
}

// SaveDescription stores an offer or answer produced by sender.
func (r *CallRecorder) SaveDescription(ctx context.Context, id domain.CallID, sender domain.UserID, desc domain.SessionDescription) error {
	kind := domain.SignalOffer
	if desc.Type == "answer" {
		kind = domain.SignalAnswer
	}
	return r.save(ctx, domain.SignalRecord{CallID: id, SenderID: sender, Kind: kind, Description: &desc})
}

func (r *CallRecorder) SaveCandidate(ctx context.Context, id domain.CallID, sender domain.UserID, c domain.ICECandidate) error {
	return r.save(ctx, domain.SignalRecord{CallID: id, SenderID: sender, Kind: domain.SignalCandidate, Candidate: &c})
}

func (r *CallRecorder) save(ctx context.Context, sig domain.SignalRecord) error {
	sig.ID = domain.NewSignalID()
	sig.CreatedAt = r.clock().UTC()
	if err := r.signals.AppendSignal(ctx, sig); err != nil {
		return fmt.Errorf("append %s signal for call %s: %w", sig.Kind, sig.CallID, err)
	}
	return nil
}

// Offer returns the first offer stored for the call.
func (r *CallRecorder) Offer(ctx context.Context, id domain.CallID) (domain.SessionDescription, error) {
	sigs, err := r.signals.Signals(ctx, id)
	if err != nil {
		return domain.SessionDescription{}, &domain.NegotiationError{Op: "load offer", Err: err}
	}
	for _, s := range sigs {
		if s.Kind == domain.SignalOffer && s.Description != nil {
			return *s.Description, nil
		}
	}
	return domain.SessionDescription{}, &domain.NegotiationError{Op: "load offer", Err: domain.ErrCallNotFound}
}

// Candidates returns the candidates sender stored for the call, in the order they were produced.
func (r *CallRecorder) Candidates(ctx context.Context, id domain.CallID, sender domain.UserID) ([]domain.ICECandidate, error) {
	sigs, err := r.signals.Signals(ctx, id)
	if err != nil {
		return nil, err
	}
	var out []domain.ICECandidate
	for _, s := range sigs {
		if s.Kind == domain.SignalCandidate && s.SenderID == sender && s.Candidate != nil {
			out = append(out, *s.Candidate)
		}
	}
	return out, nil
}

// Pending returns the attempt of chatID still ringing for receiver.
func (r *CallRecorder) Pending(ctx context.Context, chatID domain.ChatID, receiver domain.UserID) (domain.CallAttempt, error) {
	call, err := r.calls.ActiveByChat(ctx, chatID)
	if err != nil {
		return domain.CallAttempt{}, err
	}
	if call.ReceiverID != receiver {
		return domain.CallAttempt{}, fmt.Errorf("active call %s is not addressed to %s: %w", call.ID, receiver, domain.ErrCallNotFound)
	}
	return call, nil
}

func (r *CallRecorder) History(ctx context.Context, userID domain.UserID, limit int) ([]domain.CallAttempt, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return r.calls.ListByUser(ctx, userID, limit)
}

// Delete removes a call from the history of one of its participants.
func (r *CallRecorder) Delete(ctx context.Context, id domain.CallID, by domain.UserID) error {
	call, err := r.calls.Get(ctx, id)
	if err != nil {
		return err
	}
	if by != "" && !call.Involves(by) {
		return fmt.Errorf("delete call %s by %s: %w", id, by, domain.ErrUnauthorized)
	}
	return r.calls.Delete(ctx, id)
}

// IsRegression reports whether err only means another writer got there first.
func IsRegression(err error) bool {
	return errors.Is(err, domain.ErrStatusRegression)
}
