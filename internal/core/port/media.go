package port

import (
	"context"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// LocalMedia is the captured audio (and optionally video) of one call attempt.
// Release stops every track and frees the device; it is idempotent.
type LocalMedia interface {
	Kind() domain.MediaKind
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	Release()
}

// MediaSource acquires the local device. It fails with *domain.MediaAcquisitionError.
type MediaSource interface {
	Acquire(ctx context.Context, kind domain.MediaKind) (LocalMedia, error)
}

// PeerConnection is the negotiation surface of one peer-to-peer session.
// CreateOffer and CreateAnswer also apply the result as the local description.
type PeerConnection interface {
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	AddICECandidate(c domain.ICECandidate) error
	Close() error
}

// PeerEvents are invoked from the peer's own goroutines.
type PeerEvents struct {
	OnCandidate func(c domain.ICECandidate)
	OnFailed    func(err error)
}

type PeerFactory interface {
	NewPeer(ctx context.Context, media LocalMedia, ev PeerEvents) (PeerConnection, error)
}
