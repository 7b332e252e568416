package domain

type PresenceState string

const (
	PresenceOnline  PresenceState = "online"
	PresenceOffline PresenceState = "offline"
)

type PresenceEvent struct {
	UserID UserID
	State  PresenceState
}

func (p PresenceEvent) Envelope() Envelope {
	t := TypePresenceOnline
	if p.State == PresenceOffline {
		t = TypePresenceOffline
	}
	return Envelope{Type: t, UserID: p.UserID}
}
