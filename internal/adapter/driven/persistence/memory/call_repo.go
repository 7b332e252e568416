package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// CallRepository keeps call records and their signal log in process memory.
type CallRepository struct {
	mu      sync.Mutex
	calls   map[domain.CallID]domain.CallAttempt
	signals map[domain.CallID][]domain.SignalRecord
}

func NewCallRepository() *CallRepository {
	return &CallRepository{
		calls:   make(map[domain.CallID]domain.CallAttempt),
		signals: make(map[domain.CallID][]domain.SignalRecord),
	}
}

func (r *CallRepository) Create(ctx context.Context, call domain.CallAttempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[call.ID]; ok {
		return fmt.Errorf("call %s already exists: %w", call.ID, domain.ErrInvalidCall)
	}
	r.calls[call.ID] = call
	return nil
}

// Update applies u under the lock so concurrent writers see a single order.
func (r *CallRepository) Update(ctx context.Context, id domain.CallID, u domain.StatusUpdate) (domain.CallAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	call, ok := r.calls[id]
	if !ok {
		return domain.CallAttempt{}, domain.ErrCallNotFound
	}
	if err := call.Apply(u); err != nil {
		return call, err
	}
	r.calls[id] = call
	return call, nil
}

func (r *CallRepository) Get(ctx context.Context, id domain.CallID) (domain.CallAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	call, ok := r.calls[id]
	if !ok {
		return domain.CallAttempt{}, domain.ErrCallNotFound
	}
	return call, nil
}

// ActiveByChat returns the newest attempt of chatID still in calling status.
func (r *CallRepository) ActiveByChat(ctx context.Context, chatID domain.ChatID) (domain.CallAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		found  domain.CallAttempt
		exists bool
	)
	for _, c := range r.calls {
		if c.ChatID != chatID || c.Status != domain.StatusCalling {
			continue
		}
		if !exists || c.CreatedAt.After(found.CreatedAt) {
			found, exists = c, true
		}
	}
	if !exists {
		return domain.CallAttempt{}, domain.ErrCallNotFound
	}
	return found, nil
}

// ListByUser returns the user's calls, newest first.
func (r *CallRepository) ListByUser(ctx context.Context, userID domain.UserID, limit int) ([]domain.CallAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.CallAttempt, 0)
	for _, c := range r.calls {
		if c.Involves(userID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *CallRepository) Delete(ctx context.Context, id domain.CallID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[id]; !ok {
		return domain.ErrCallNotFound
	}
	delete(r.calls, id)
	delete(r.signals, id)
	return nil
}

func (r *CallRepository) AppendSignal(ctx context.Context, sig domain.SignalRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[sig.CallID]; !ok {
		return domain.ErrCallNotFound
	}
	r.signals[sig.CallID] = append(r.signals[sig.CallID], sig)
	return nil
}

// Signals returns the log of a call in append order.
func (r *CallRepository) Signals(ctx context.Context, id domain.CallID) ([]domain.SignalRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sigs := r.signals[id]
	out := make([]domain.SignalRecord, len(sigs))
	copy(out, sigs)
	return out, nil
}
