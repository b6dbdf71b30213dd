//go:build linux

package media

import (
	"context"
	"fmt"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// CaptureDevice captures camera and microphone through pion/mediadevices
// (V4L2 + malgo) and encodes with VP8 and Opus.
type CaptureDevice struct {
	codecs *mediadevices.CodecSelector
}

// NewSystemDevice returns the platform capture device.
func NewSystemDevice(videoBitrate int) (Device, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	if videoBitrate > 0 {
		vpxParams.BitRate = videoBitrate
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &CaptureDevice{
		codecs: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// PopulateCodecs registers the encoder codecs with a peer connection's media engine.
func (d *CaptureDevice) PopulateCodecs(me *webrtc.MediaEngine) error {
	d.codecs.Populate(me)
	return nil
}

func (d *CaptureDevice) Open(ctx context.Context, c Constraints) ([]*Track, error) {
	if len(mediadevices.EnumerateDevices()) == 0 {
		return nil, ErrMediaUnavailable
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: d.codecs}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only; MJPEG nodes on some cameras produce frames
			// that break the VP8 encoder.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			w, h := c.MaxWidth, c.MaxHeight
			if w <= 0 {
				w = 640
			}
			if h <= 0 {
				h = 480
			}
			mc.Width = prop.IntRanged{Max: w}
			mc.Height = prop.IntRanged{Max: h}
		}
	}
	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, mapCaptureError(err)
	}

	var tracks []*Track
	for _, mt := range stream.GetTracks() {
		mt := mt
		mt.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("local %s track ended: %v", mt.Kind(), err)
			}
		})
		var frames *frameLimiter
		if vt, ok := mt.(*mediadevices.VideoTrack); ok {
			frames = newFrameLimiter()
			vt.Transform(frames.transform)
		}
		t := NewTrack(mt.ID(), mt.Kind(), mt, func() { mt.Close() })
		t.OnLimits(encoderLimits(mt.EncoderController, frames))
		tracks = append(tracks, t)
	}

	if err := ctx.Err(); err != nil {
		for _, t := range tracks {
			t.Stop()
		}
		return nil, err
	}
	return tracks, nil
}

func mapCaptureError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "busy"):
		return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	case strings.Contains(msg, "not found"), strings.Contains(msg, "no such"):
		return fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", ErrNotReadable, err)
	}
}
