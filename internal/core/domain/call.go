package domain

import (
	"fmt"
	"time"
)

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaAudio || k == MediaVideo
}

// WantsVideo reports whether a camera track must be acquired.
func (k MediaKind) WantsVideo() bool {
	return k == MediaVideo
}

// CallStatus is the lifecycle status of a call attempt as seen by the durable record.
type CallStatus string

const (
	StatusCalling   CallStatus = "calling"
	StatusConnected CallStatus = "connected"
	StatusEnded     CallStatus = "ended"
	StatusRejected  CallStatus = "rejected"
	StatusMissed    CallStatus = "missed"
	StatusBusy      CallStatus = "busy"
)

func (s CallStatus) rank() int {
	switch s {
	case StatusCalling:
		return 0
	case StatusConnected:
		return 1
	case StatusEnded, StatusRejected, StatusMissed, StatusBusy:
		return 2
	default:
		return -1
	}
}

func (s CallStatus) Valid() bool {
	return s.rank() >= 0
}

func (s CallStatus) Terminal() bool {
	return s.rank() == 2
}

// CanAdvanceTo reports whether moving from s to next is a strict forward step.
func (s CallStatus) CanAdvanceTo(next CallStatus) bool {
	if !next.Valid() {
		return false
	}
	return next.rank() > s.rank()
}

// CallAttempt is one negotiation from invite to terminal state.
type CallAttempt struct {
	ID          CallID     `json:"id"`
	ChatID      ChatID     `json:"chat_id"`
	CallerID    UserID     `json:"caller_id"`
	ReceiverID  UserID     `json:"receiver_id"`
	Kind        MediaKind  `json:"call_type"`
	Status      CallStatus `json:"status"`
	CreatedAt   time.Time  `json:"started_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	// DurationSeconds is set once the attempt reaches a terminal status.
	DurationSeconds int `json:"duration"`
}

func NewCallAttempt(id CallID, chatID ChatID, caller, receiver UserID, kind MediaKind, now time.Time) (*CallAttempt, error) {
	if caller == "" || receiver == "" {
		return nil, fmt.Errorf("call attempt requires caller and receiver: %w", ErrInvalidCall)
	}
	if caller == receiver {
		return nil, fmt.Errorf("caller cannot call themselves: %w", ErrInvalidCall)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown media kind %q: %w", kind, ErrInvalidCall)
	}
	if id.IsZero() {
		id = NewCallID()
	}
	return &CallAttempt{
		ID:         id,
		ChatID:     chatID,
		CallerID:   caller,
		ReceiverID: receiver,
		Kind:       kind,
		Status:     StatusCalling,
		CreatedAt:  now.UTC(),
	}, nil
}

// Involves reports whether u is one of the two parties.
func (c CallAttempt) Involves(u UserID) bool {
	return c.CallerID == u || c.ReceiverID == u
}

// Duration is ended minus connected, floored at zero, and zero if never connected.
func (c CallAttempt) Duration() time.Duration {
	if c.ConnectedAt == nil || c.EndedAt == nil {
		return 0
	}
	d := c.EndedAt.Sub(*c.ConnectedAt)
	if d < 0 {
		return 0
	}
	return d
}

// StatusUpdate is the only mutation a call record accepts after creation.
type StatusUpdate struct {
	Status CallStatus `json:"status"`
	At     time.Time  `json:"at"`
}

// Apply advances the attempt. Regressions and repeats are refused so that
// late or duplicated writes from either participant are harmless.
func (c *CallAttempt) Apply(u StatusUpdate) error {
	if !u.Status.Valid() {
		return fmt.Errorf("unknown status %q: %w", u.Status, ErrInvalidCall)
	}
	if !c.Status.CanAdvanceTo(u.Status) {
		return fmt.Errorf("%s -> %s: %w", c.Status, u.Status, ErrStatusRegression)
	}
	at := u.At.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}
	c.Status = u.Status
	switch {
	case u.Status == StatusConnected:
		c.ConnectedAt = &at
	case u.Status.Terminal():
		c.EndedAt = &at
		c.DurationSeconds = int(c.Duration() / time.Second)
	}
	return nil
}
