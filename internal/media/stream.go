package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// Constraints describe what a caller wants from the capture device.
type Constraints struct {
	Audio bool
	Video bool

	// Upper bounds for the captured video; zero means the device default.
	MaxWidth  int
	MaxHeight int
}

// Limits are per-track send limits applied by the quality controller.
type Limits struct {
	MaxBitrate   int // bits per second
	MaxFramerate int
	MaxHeight    int
}

// Track is one captured local track. The enabled flag is the user's choice;
// a disabled track is detached from its sender by the peer layer.
type Track struct {
	id    string
	kind  webrtc.RTPCodecType
	local webrtc.TrackLocal

	stopFn   func()
	limitFn  func(Limits) error
	enabled  atomic.Bool
	stopOnce sync.Once
	stopped  atomic.Bool
}

// NewTrack wraps a captured track. local may be nil for tracks that are
// never sent (tests, receive-only builds). stop is called at most once.
func NewTrack(id string, kind webrtc.RTPCodecType, local webrtc.TrackLocal, stop func()) *Track {
	t := &Track{id: id, kind: kind, local: local, stopFn: stop}
	t.enabled.Store(true)
	return t
}

func (t *Track) ID() string                { return t.id }
func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }
func (t *Track) Local() webrtc.TrackLocal  { return t.local }

// Enabled is the user's mute or camera switch for this track.
func (t *Track) Enabled() bool      { return t.enabled.Load() }
func (t *Track) SetEnabled(on bool) { t.enabled.Store(on) }
func (t *Track) Stopped() bool      { return t.stopped.Load() }

// OnLimits installs the encoder control used by ApplyLimits.
func (t *Track) OnLimits(fn func(Limits) error) { t.limitFn = fn }

// ApplyLimits forwards send limits to the encoder behind the track, when it
// exposes a control for them.
func (t *Track) ApplyLimits(l Limits) error {
	if t.limitFn == nil {
		return ErrLimitsUnsupported
	}
	return t.limitFn(l)
}

// Stop ends capture for this track. Safe to call more than once.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		t.enabled.Store(false)
		if t.stopFn != nil {
			t.stopFn()
		}
	})
}

// Stream is the set of tracks produced by one device acquisition. It is
// shared between every owner that acquired it through the same Acquirer.
type Stream struct {
	ID     string
	Label  string // which capture attempt succeeded, e.g. "audio+video"
	tracks []*Track

	stopOnce sync.Once
}

func NewStream(id, label string, tracks []*Track) *Stream {
	return &Stream{ID: id, Label: label, tracks: tracks}
}

func (s *Stream) Tracks() []*Track {
	out := make([]*Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *Stream) AudioTracks() []*Track { return s.byKind(webrtc.RTPCodecTypeAudio) }
func (s *Stream) VideoTracks() []*Track { return s.byKind(webrtc.RTPCodecTypeVideo) }

func (s *Stream) HasVideo() bool { return len(s.VideoTracks()) > 0 }

func (s *Stream) byKind(k webrtc.RTPCodecType) []*Track {
	var out []*Track
	for _, t := range s.tracks {
		if t.kind == k {
			out = append(out, t)
		}
	}
	return out
}

// Stop stops every track. Idempotent.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
	})
}

// Stopped reports whether every track has ended.
func (s *Stream) Stopped() bool {
	for _, t := range s.tracks {
		if !t.Stopped() {
			return false
		}
	}
	return true
}
