package media

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/io/video"
)

// frameLimiter enforces the framerate and height parts of Limits on raw
// video before it reaches the encoder. It drops frames and downscales; it
// never upscales.
type frameLimiter struct {
	mu     sync.Mutex
	fps    int
	height int

	now  func() time.Time
	next time.Time

	scaleH  int
	scaler  video.Reader
	current image.Image
}

func newFrameLimiter() *frameLimiter {
	return &frameLimiter{now: time.Now}
}

func (f *frameLimiter) set(l Limits) {
	f.mu.Lock()
	f.fps, f.height = l.MaxFramerate, l.MaxHeight
	f.mu.Unlock()
}

func (f *frameLimiter) get() (fps, height int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fps, f.height
}

// transform is installed on a capture track with VideoTrack.Transform. The
// returned reader is only read from the encoder goroutine.
func (f *frameLimiter) transform(r video.Reader) video.Reader {
	return video.ReaderFunc(func() (image.Image, func(), error) {
		for {
			img, release, err := r.Read()
			if err != nil {
				return nil, func() {}, err
			}
			fps, maxH := f.get()
			if !f.admit(fps) {
				release()
				continue
			}
			if maxH <= 0 || img.Bounds().Dy() <= maxH {
				return img, release, nil
			}
			out, err := f.scale(img, maxH)
			release()
			if err != nil {
				return nil, func() {}, err
			}
			return out, func() {}, nil
		}
	})
}

// admit reports whether a frame arriving now fits the framerate budget.
func (f *frameLimiter) admit(fps int) bool {
	now := f.now()
	if fps <= 0 {
		f.next = now
		return true
	}
	interval := time.Second / time.Duration(fps)
	// Camera ticks jitter around the deadline; a quarter interval of slack
	// keeps 30fps capture from settling at 7.5 instead of 10.
	if now.Add(interval / 4).Before(f.next) {
		return false
	}
	f.next = f.next.Add(interval)
	if f.next.Before(now) {
		f.next = now.Add(interval)
	}
	return true
}

func (f *frameLimiter) scale(img image.Image, height int) (image.Image, error) {
	if f.scaler == nil || f.scaleH != height {
		f.scaleH = height
		f.scaler = video.Scale(-1, height, nil)(video.ReaderFunc(func() (image.Image, func(), error) {
			return f.current, func() {}, nil
		}))
	}
	f.current = img
	out, _, err := f.scaler.Read()
	f.current = nil
	return out, err
}

// encoderLimits builds the OnLimits hook of a capture track. control returns
// the encoder control of the track's current binding, nil while unbound.
// frames is nil for audio.
func encoderLimits(control func() codec.EncoderController, frames *frameLimiter) func(Limits) error {
	return func(l Limits) error {
		if frames != nil {
			frames.set(l)
		}
		if l.MaxBitrate <= 0 {
			return nil
		}
		c := control()
		if c == nil {
			return fmt.Errorf("%w: encoder not started", ErrLimitsUnsupported)
		}
		br, ok := c.(codec.BitRateController)
		if !ok {
			return fmt.Errorf("%w: encoder has no bitrate control", ErrLimitsUnsupported)
		}
		return br.SetBitRate(l.MaxBitrate)
	}
}
