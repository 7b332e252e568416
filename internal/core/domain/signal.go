package domain

import (
	"fmt"
	"time"
)

// EnvelopeType tags every message on the signaling transport.
type EnvelopeType string

// client -> relay
const (
	TypeRegister     EnvelopeType = "register"
	TypeCallInvite   EnvelopeType = "call-invite"
	TypeCallAccept   EnvelopeType = "call-accept"
	TypeICECandidate EnvelopeType = "ice-candidate"
	TypeEndCall      EnvelopeType = "end-call"
	TypeRejectCall   EnvelopeType = "reject-call"
)

// relay -> client
const (
	TypeRegistered      EnvelopeType = "registered"
	TypeIncomingCall    EnvelopeType = "incoming-call"
	TypeCallAnswered    EnvelopeType = "call-answered"
	TypeCallEnded       EnvelopeType = "call-ended"
	TypeCallRejected    EnvelopeType = "call-rejected"
	TypePresenceOnline  EnvelopeType = "presence-online"
	TypePresenceOffline EnvelopeType = "presence-offline"
)

// Reject reasons carried on reject-call / call-rejected.
const (
	ReasonDeclined = "declined"
	ReasonBusy     = "busy"
	ReasonFailed   = "failed"
)

// SessionDescription mirrors the JSON form of an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func (d *SessionDescription) Valid(want string) bool {
	return d != nil && d.Type == want && d.SDP != ""
}

// ICECandidate mirrors the JSON form of an ICE candidate init.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Envelope is the single wire message. Which fields are meaningful depends on Type;
// Validate enforces that per type.
type Envelope struct {
	Type        EnvelopeType        `json:"type"`
	CallID      CallID              `json:"callId"`
	To          UserID              `json:"to,omitempty"`
	From        UserID              `json:"from,omitempty"`
	UserID      UserID              `json:"userId,omitempty"`
	Token       string              `json:"token,omitempty"`
	DisplayName string              `json:"displayName,omitempty"`
	CallerName  string              `json:"callerName,omitempty"`
	MediaKind   MediaKind           `json:"mediaKind,omitempty"`
	ChatID      ChatID              `json:"chatId,omitempty"`
	Offer       *SessionDescription `json:"offer,omitempty"`
	Answer      *SessionDescription `json:"answer,omitempty"`
	Candidate   *ICECandidate       `json:"candidate,omitempty"`
	Reason      string              `json:"reason,omitempty"`
}

// Validate checks the fields a client must supply for t. It is applied at the relay
// boundary so that malformed messages never reach a peer.
func (e Envelope) Validate() error {
	switch e.Type {
	case TypeRegister:
		if e.UserID == "" {
			return e.invalid("userId is required")
		}
		return nil
	case TypeCallInvite:
		if err := e.addressed(); err != nil {
			return err
		}
		if !e.Offer.Valid("offer") {
			return e.invalid("offer is missing or malformed")
		}
		if !e.MediaKind.Valid() {
			return e.invalid(fmt.Sprintf("unknown mediaKind %q", e.MediaKind))
		}
		return nil
	case TypeCallAccept:
		if err := e.addressed(); err != nil {
			return err
		}
		if !e.Answer.Valid("answer") {
			return e.invalid("answer is missing or malformed")
		}
		return nil
	case TypeICECandidate:
		if err := e.addressed(); err != nil {
			return err
		}
		if e.Candidate == nil {
			return e.invalid("candidate is required")
		}
		return nil
	case TypeEndCall, TypeRejectCall:
		return e.addressed()
	default:
		return e.invalid("unknown type")
	}
}

func (e Envelope) addressed() error {
	if e.To == "" {
		return e.invalid("to is required")
	}
	if e.CallID.IsZero() {
		return e.invalid("callId is required")
	}
	return nil
}

func (e Envelope) invalid(msg string) error {
	return fmt.Errorf("%s: %s: %w", e.Type, msg, ErrInvalidEnvelope)
}

// SignalKind classifies a persisted negotiation payload.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "ice-candidate"
)

// SignalRecord is a negotiation payload kept in durable storage so that a peer
// reconnecting mid-ring can recover it without the relay.
type SignalRecord struct {
	ID          SignalID            `json:"id"`
	CallID      CallID              `json:"call_id"`
	SenderID    UserID              `json:"sender_id"`
	Kind        SignalKind          `json:"signal_type"`
	Description *SessionDescription `json:"description,omitempty"`
	Candidate   *ICECandidate       `json:"candidate,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}
