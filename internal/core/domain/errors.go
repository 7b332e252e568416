package domain

import (
	"errors"
	"fmt"
)

// Call record errors.
var (
	// ErrCallNotFound indicates no record exists for the call id (or no active call for a chat).
	ErrCallNotFound = errors.New("call not found")

	// ErrInvalidCall indicates a call attempt or status update failed validation.
	ErrInvalidCall = errors.New("invalid call")

	// ErrStatusRegression indicates an update that would not strictly advance the status.
	ErrStatusRegression = errors.New("call status cannot regress")
)

// Signaling errors.
var (
	// ErrInvalidEnvelope indicates a malformed signaling message. It is dropped, never forwarded.
	ErrInvalidEnvelope = errors.New("invalid envelope")

	// ErrNotRegistered indicates the sending endpoint has no user binding.
	ErrNotRegistered = errors.New("endpoint not registered")

	// ErrDeliveryFailed indicates the destination had no live binding. The relay
	// never returns it to the sender; it exists for logging and tests.
	ErrDeliveryFailed = errors.New("signaling delivery failed")

	// ErrUnauthorized indicates a register token did not match the claimed identity.
	ErrUnauthorized = errors.New("unauthorized")
)

// Session errors.
var (
	// ErrBusy indicates the local session already has a live call attempt.
	ErrBusy = errors.New("session busy")

	// ErrNoActiveCall indicates the action needs a call attempt that does not exist.
	ErrNoActiveCall = errors.New("no active call")

	// ErrInvalidTransition indicates the action is not allowed in the current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrCallTimeout indicates the caller gave up waiting for an answer.
	ErrCallTimeout = errors.New("call not answered")

	// ErrSessionClosed indicates the session loop has stopped.
	ErrSessionClosed = errors.New("session closed")
)

// MediaFailure classifies why local capture could not start.
type MediaFailure string

const (
	MediaPermissionDenied MediaFailure = "permission-denied"
	MediaNoDevice         MediaFailure = "no-device"
	MediaDeviceBusy       MediaFailure = "device-busy"
	MediaUnsupported      MediaFailure = "unsupported"
)

// MediaAcquisitionError is user-recoverable: the session returns to idle.
type MediaAcquisitionError struct {
	Reason MediaFailure
	Kind   MediaKind
	Err    error
}

func (e *MediaAcquisitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("acquire %s media: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("acquire %s media: %s", e.Kind, e.Reason)
}

func (e *MediaAcquisitionError) Unwrap() error {
	return e.Err
}

// NegotiationError is fatal for the call attempt it occurred in.
type NegotiationError struct {
	Op  string
	Err error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation %s: %v", e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}
