// Package media owns the local camera and microphone. All capture goes
// through one Acquirer so that at most one device acquisition is ever in
// flight, and a second caller reuses the stream the first one obtained.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("media")

// Device is the underlying capture API. Open is called with one concrete
// attempt of the fallback ladder and must either return every requested
// track or fail as a unit.
type Device interface {
	Open(ctx context.Context, c Constraints) ([]*Track, error)
}

// CodecPopulator is implemented by devices whose encoders dictate the codecs
// a peer connection must negotiate.
type CodecPopulator interface {
	PopulateCodecs(me *webrtc.MediaEngine) error
}

type acquisition struct {
	done   chan struct{}
	stream *Stream
	err    error
}

// Acquirer serializes access to a Device. The held stream is reference
// counted by owner tag; the device is released when the last owner lets go.
type Acquirer struct {
	dev Device

	mu        sync.Mutex
	inflight  *acquisition
	current   *Stream
	owners    map[string]struct{}
	releasing bool
}

func NewAcquirer(dev Device) *Acquirer {
	return &Acquirer{dev: dev, owners: make(map[string]struct{})}
}

// Device returns the wrapped capture device.
func (a *Acquirer) Device() Device { return a.dev }

// Acquire returns a stream for owner. If a stream is already held, or an
// acquisition is in flight, the caller shares it instead of touching the
// device again. While a release is stopping tracks, Acquire fails with
// ErrDeviceBusy.
func (a *Acquirer) Acquire(ctx context.Context, c Constraints, owner string) (*Stream, error) {
	a.mu.Lock()
	if a.releasing {
		a.mu.Unlock()
		return nil, ErrDeviceBusy
	}
	if a.current != nil {
		a.owners[owner] = struct{}{}
		s := a.current
		a.mu.Unlock()
		log.Debugf("[%s] reusing held stream %s", owner, s.ID)
		return s, nil
	}
	if in := a.inflight; in != nil {
		a.mu.Unlock()
		log.Debugf("[%s] waiting for in-flight acquisition", owner)
		select {
		case <-in.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if in.err != nil {
			return nil, in.err
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.current != in.stream {
			// Released between completion and our wakeup.
			return nil, ErrDeviceBusy
		}
		a.owners[owner] = struct{}{}
		return in.stream, nil
	}

	in := &acquisition{done: make(chan struct{})}
	a.inflight = in
	a.mu.Unlock()

	stream, err := a.open(ctx, c)

	a.mu.Lock()
	a.inflight = nil
	in.stream, in.err = stream, err
	if err == nil {
		a.current = stream
		a.owners[owner] = struct{}{}
	}
	a.mu.Unlock()
	close(in.done)

	if err != nil {
		return nil, err
	}
	log.Infof("[%s] local media captured (%s), %d tracks", owner, stream.Label, len(stream.tracks))
	return stream, nil
}

// open walks the fallback ladder: the full request first, then audio-only.
func (a *Acquirer) open(ctx context.Context, c Constraints) (*Stream, error) {
	type attempt struct {
		c     Constraints
		label string
	}
	attempts := []attempt{{c, label(c)}}
	if c.Video && c.Audio {
		attempts = append(attempts, attempt{Constraints{Audio: true}, "audio-only"})
	}

	var errs []error
	for _, at := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tracks, err := a.dev.Open(ctx, at.c)
		if err != nil {
			log.Warnf("capture (%s) failed: %v", at.label, err)
			errs = append(errs, err)
			continue
		}
		if len(tracks) == 0 {
			errs = append(errs, fmt.Errorf("capture (%s): %w", at.label, ErrMediaUnavailable))
			continue
		}
		return NewStream(uuid.NewString(), at.label, tracks), nil
	}
	return nil, classify(errs)
}

func label(c Constraints) string {
	switch {
	case c.Audio && c.Video:
		return "audio+video"
	case c.Video:
		return "video-only"
	default:
		return "audio-only"
	}
}

// classify keeps the most specific sentinel among attempt errors.
func classify(errs []error) error {
	if len(errs) == 0 {
		return ErrMediaUnavailable
	}
	joined := errors.Join(errs...)
	for _, sentinel := range []error{ErrPermissionDenied, ErrDeviceBusy, ErrNotReadable, ErrMediaUnavailable} {
		if errors.Is(joined, sentinel) {
			return fmt.Errorf("%w: %v", sentinel, errs[len(errs)-1])
		}
	}
	return fmt.Errorf("%w: %v", ErrNotReadable, joined)
}

// Release drops owner's hold. When no owner remains every track is stopped
// and the lock clears. Releasing an unknown owner is a no-op.
func (a *Acquirer) Release(owner string) {
	a.mu.Lock()
	if _, ok := a.owners[owner]; !ok {
		a.mu.Unlock()
		return
	}
	delete(a.owners, owner)
	if len(a.owners) > 0 || a.current == nil {
		a.mu.Unlock()
		return
	}
	s := a.current
	a.releasing = true
	a.mu.Unlock()

	s.Stop()
	log.Debugf("[%s] released stream %s", owner, s.ID)

	a.mu.Lock()
	a.current = nil
	a.releasing = false
	a.mu.Unlock()
}

// Transfer moves a hold from one owner tag to another without touching the
// device. Used when a pre-acquired stream is handed to the call.
func (a *Acquirer) Transfer(from, to string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.owners[from]; !ok {
		return false
	}
	delete(a.owners, from)
	a.owners[to] = struct{}{}
	return true
}

// Held reports whether owner currently holds the stream.
func (a *Acquirer) Held(owner string) bool {
	a.mu.Lock()
	_, ok := a.owners[owner]
	a.mu.Unlock()
	return ok
}

// Current returns the held stream, if any.
func (a *Acquirer) Current() *Stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// PrewarmOwner is the owner tag used while an incoming call is ringing.
func PrewarmOwner(callID string) string { return "prewarm:" + callID }
