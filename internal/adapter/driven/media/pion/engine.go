package pion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

type Config struct {
	STUNURLs []string
	// ICEDisconnectedTimeout and ICEFailedTimeout tune how fast a dead path is reported.
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
}

// Engine builds peer connections and owns the local capture device.
// Only one LocalMedia may be held at a time.
type Engine struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer

	mu   sync.Mutex
	held *LocalTracks
}

func NewEngine(cfg Config) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	reg := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, reg); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	disconnected, failed := cfg.ICEDisconnectedTimeout, cfg.ICEFailedTimeout
	if disconnected <= 0 {
		disconnected = 5 * time.Second
	}
	if failed <= 0 {
		failed = 25 * time.Second
	}
	se.SetICETimeouts(disconnected, failed, 2*time.Second)

	var servers []webrtc.ICEServer
	if len(cfg.STUNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: cfg.STUNURLs})
	}

	return &Engine{
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(reg), webrtc.WithSettingEngine(se)),
		iceServers: servers,
	}, nil
}

// Acquire opens the local tracks for kind. It fails with MediaDeviceBusy while
// a previous LocalMedia has not been released.
func (e *Engine) Acquire(ctx context.Context, kind domain.MediaKind) (port.LocalMedia, error) {
	if !kind.Valid() {
		return nil, &domain.MediaAcquisitionError{Reason: domain.MediaUnsupported, Kind: kind}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.held != nil {
		return nil, &domain.MediaAcquisitionError{Reason: domain.MediaDeviceBusy, Kind: kind}
	}

	tracks, err := newLocalTracks(kind, e.release)
	if err != nil {
		return nil, &domain.MediaAcquisitionError{Reason: domain.MediaUnsupported, Kind: kind, Err: err}
	}
	e.held = tracks
	log.Debug().Str("kind", string(kind)).Msg("Local media acquired")
	return tracks, nil
}

func (e *Engine) release(t *LocalTracks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.held == t {
		e.held = nil
	}
}

// NewPeer creates a peer connection carrying media's tracks. ev callbacks run
// on pion's goroutines.
func (e *Engine) NewPeer(ctx context.Context, media port.LocalMedia, ev port.PeerEvents) (port.PeerConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: e.iceServers})
	if err != nil {
		return nil, err
	}
	p := &Peer{pc: pc}

	if tracks, ok := media.(*LocalTracks); ok && tracks != nil {
		for _, t := range tracks.all() {
			sender, err := pc.AddTrack(t)
			if err != nil {
				pc.Close()
				return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
			}
			go drainRTCP(sender)
		}
	} else {
		// Without local tracks we still want to receive both kinds.
		for _, k := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(k, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				pc.Close()
				return nil, err
			}
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || ev.OnCandidate == nil {
			return
		}
		ev.OnCandidate(fromInit(c.ToJSON()))
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("state", s.String()).Msg("Peer connection state")
		if s == webrtc.PeerConnectionStateFailed && ev.OnFailed != nil {
			ev.OnFailed(errors.New("peer connection failed"))
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Debug().Str("kind", remote.Kind().String()).Msg("Received remote track")
		go drainTrack(remote)
	})

	return p, nil
}

// drainRTCP reads sender reports so that interceptors keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// drainTrack consumes remote media; there is no playback device.
func drainTrack(remote *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := remote.Read(buf); err != nil {
			return
		}
	}
}
