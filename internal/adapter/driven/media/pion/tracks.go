package pion

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const frameDuration = 20 * time.Millisecond

// opusSilence is a single 20ms opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// LocalTracks is a synthetic capture: an opus track fed with silence and, for
// video calls, a vp8 track. Hosts without devices still negotiate real media lines.
type LocalTracks struct {
	kind  domain.MediaKind
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	audioOn atomic.Bool
	videoOn atomic.Bool

	stop    chan struct{}
	once    sync.Once
	release func(*LocalTracks)
}

func newLocalTracks(kind domain.MediaKind, release func(*LocalTracks)) (*LocalTracks, error) {
	stream := "yacall-" + uuid.NewString()
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", stream)
	if err != nil {
		return nil, err
	}
	t := &LocalTracks{kind: kind, audio: audio, stop: make(chan struct{}), release: release}
	if kind.WantsVideo() {
		video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", stream)
		if err != nil {
			return nil, err
		}
		t.video = video
		t.videoOn.Store(true)
	}
	t.audioOn.Store(true)
	go t.pump()
	return t, nil
}

func (t *LocalTracks) Kind() domain.MediaKind {
	return t.kind
}

func (t *LocalTracks) SetAudioEnabled(enabled bool) {
	t.audioOn.Store(enabled)
}

func (t *LocalTracks) SetVideoEnabled(enabled bool) {
	if t.video != nil {
		t.videoOn.Store(enabled)
	}
}

// AudioEnabled reports whether audio frames are currently being written.
func (t *LocalTracks) AudioEnabled() bool {
	return t.audioOn.Load()
}

func (t *LocalTracks) VideoEnabled() bool {
	return t.videoOn.Load()
}

func (t *LocalTracks) Release() {
	t.once.Do(func() {
		close(t.stop)
		if t.release != nil {
			t.release(t)
		}
	})
}

func (t *LocalTracks) all() []*webrtc.TrackLocalStaticSample {
	out := []*webrtc.TrackLocalStaticSample{t.audio}
	if t.video != nil {
		out = append(out, t.video)
	}
	return out
}

func (t *LocalTracks) pump() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			if !t.audioOn.Load() {
				continue
			}
			// Errors only mean the track is not bound to a connection yet.
			_ = t.audio.WriteSample(media.Sample{Data: opusSilence, Duration: frameDuration})
		}
	}
}
