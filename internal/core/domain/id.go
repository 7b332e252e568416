package domain

import (
	"github.com/google/uuid"
)

// UserID is owned by the identity service and treated as opaque here.
type UserID string

// ChatID identifies the conversation a call belongs to.
type ChatID string

type CallID uuid.UUID
type ConnID uuid.UUID
type SignalID uuid.UUID

func NewCallID() CallID {
	return CallID(uuid.New())
}

func ParseCallID(s string) (CallID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return CallID{}, err
	}
	return CallID(id), nil
}

func (id CallID) String() string {
	return uuid.UUID(id).String()
}

func (id CallID) IsZero() bool {
	return uuid.UUID(id) == uuid.Nil
}

func (id CallID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

// UnmarshalText accepts empty text as the zero id; envelopes without a call send "".
func (id *CallID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*id = CallID{}
		return nil
	}
	return (*uuid.UUID)(id).UnmarshalText(b)
}

func NewConnID() ConnID {
	return ConnID(uuid.New())
}

func (id ConnID) String() string {
	return uuid.UUID(id).String()
}

func NewSignalID() SignalID {
	return SignalID(uuid.New())
}

func (id SignalID) String() string {
	return uuid.UUID(id).String()
}

func (id SignalID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}

func (id *SignalID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

func (u UserID) String() string {
	return string(u)
}

func (c ChatID) String() string {
	return string(c)
}
