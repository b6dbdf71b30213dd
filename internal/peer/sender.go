package peer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/famcall/internal/media"
	"github.com/petervdpas/famcall/internal/quality"
)

// Sender pairs a local track with its RTP sender. Whether media is sent
// depends on two separate switches: the user's choice, held on the track,
// and the quality tier, which may withhold video but never audio.
type Sender struct {
	callID string
	track  *media.Track
	rtp    *webrtc.RTPSender
	stats  *rtcpStats

	mu          sync.Mutex
	detached    bool
	tierBlocked bool
	limits      media.Limits
	warned      bool
}

func newSender(callID string, t *media.Track, rs *webrtc.RTPSender, st *rtcpStats) *Sender {
	return &Sender{callID: callID, track: t, rtp: rs, stats: st}
}

func (s *Sender) Track() *media.Track       { return s.track }
func (s *Sender) Kind() webrtc.RTPCodecType { return s.track.Kind() }

// Limits returns the last limits applied to this sender.
func (s *Sender) Limits() media.Limits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits
}

// Detached reports whether the track is currently withheld from the sender.
func (s *Sender) Detached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

// Sending reports whether both the user and the tier allow this track out.
func (s *Sender) Sending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track.Enabled() && !s.tierBlocked
}

// readRTCP drains sender RTCP so interceptors run, and keeps the latest
// receiver report figures as a fallback stats source.
func (s *Sender) readRTCP() {
	for {
		pkts, _, err := s.rtp.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range pkts {
			rr, ok := p.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, r := range rr.Reports {
				s.stats.observe(r, time.Now())
			}
		}
	}
}

// ApplyPreset implements quality.Applier. The tier shapes encoder limits
// and may withhold video; it never changes the user's mute or camera choice
// and never withholds audio.
func (c *Conn) ApplyPreset(_ context.Context, tier quality.Tier, p quality.Preset) error {
	var errs []error
	for _, s := range c.Senders() {
		switch s.Kind() {
		case webrtc.RTPCodecTypeAudio:
			if err := s.applyLimits(media.Limits{MaxBitrate: p.AudioBitrate}); err != nil {
				errs = append(errs, err)
			}
		case webrtc.RTPCodecTypeVideo:
			s.mu.Lock()
			s.tierBlocked = !p.VideoEnabled
			s.mu.Unlock()
			l := media.Limits{MaxBitrate: p.MaxVideoBitrate, MaxFramerate: p.MaxFramerate, MaxHeight: p.MaxHeight}
			if !p.VideoEnabled {
				l = media.Limits{}
			}
			if err := s.applyLimits(l); err != nil {
				errs = append(errs, err)
			}
		}
	}
	c.syncSenders()
	log.Debugf("[%s] applied %s preset (video=%v, %d bps)", c.callID, tier, p.VideoEnabled, p.MaxVideoBitrate)
	return errors.Join(errs...)
}

// applyLimits records l and hands it to the encoder. An encoder without a
// limits control is reported once per sender and otherwise ignored.
func (s *Sender) applyLimits(l media.Limits) error {
	s.mu.Lock()
	s.limits = l
	s.mu.Unlock()
	if l == (media.Limits{}) {
		return nil
	}
	err := s.track.ApplyLimits(l)
	if errors.Is(err, media.ErrLimitsUnsupported) {
		s.mu.Lock()
		first := !s.warned
		s.warned = true
		s.mu.Unlock()
		if first {
			log.Warnf("[%s] %s send limits not applied: %v", s.callID, s.Kind(), err)
		}
		return nil
	}
	return err
}

// SetVideoEnabled toggles local video by user choice.
func (c *Conn) SetVideoEnabled(on bool) {
	c.setUserEnabled(webrtc.RTPCodecTypeVideo, on)
}

// SetAudioEnabled mutes or unmutes the microphone by user choice. A muted
// track is detached from its sender so no audio RTP leaves the host.
func (c *Conn) SetAudioEnabled(on bool) {
	c.setUserEnabled(webrtc.RTPCodecTypeAudio, on)
}

func (c *Conn) setUserEnabled(kind webrtc.RTPCodecType, on bool) {
	for _, s := range c.Senders() {
		if s.Kind() == kind {
			s.track.SetEnabled(on)
		}
	}
	c.syncSenders()
}

// syncSenders attaches or detaches tracks to match Sending. Detaching only
// happens once media is flowing; before that the flags alone are recorded
// and applied on connect.
func (c *Conn) syncSenders() {
	if c.State() != StateConnected {
		return
	}
	for _, s := range c.Senders() {
		want := s.Sending()
		s.mu.Lock()
		detached := s.detached
		limits := s.limits
		s.mu.Unlock()

		switch {
		case !want && !detached:
			if err := s.rtp.ReplaceTrack(nil); err != nil {
				log.Warnf("[%s] detach %s: %v", c.callID, s.Kind(), err)
				continue
			}
		case want && detached:
			if err := s.rtp.ReplaceTrack(s.track.Local()); err != nil {
				log.Warnf("[%s] reattach %s: %v", c.callID, s.Kind(), err)
				continue
			}
			// Rebinding starts a fresh encoder.
			if limits != (media.Limits{}) {
				if err := s.track.ApplyLimits(limits); err != nil && !errors.Is(err, media.ErrLimitsUnsupported) {
					log.Debugf("[%s] reapply %s limits: %v", c.callID, s.Kind(), err)
				}
			}
		default:
			continue
		}
		s.mu.Lock()
		s.detached = !want
		s.mu.Unlock()
		log.Infof("[%s] %s sending %v", c.callID, s.Kind(), want)
	}
}

// requestKeyframe asks the remote sender for a full picture.
func (c *Conn) requestKeyframe(ssrc webrtc.SSRC) {
	if err := c.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}}); err != nil {
		log.Debugf("[%s] pli: %v", c.callID, err)
	}
}

// rtcpStats keeps the most recent receiver report figures.
type rtcpStats struct {
	rttMicros    atomic.Int64
	fractionLost atomic.Uint32 // x/256
	cumLost      atomic.Int64
}

func (r *rtcpStats) observe(rep rtcp.ReceptionReport, now time.Time) {
	r.fractionLost.Store(uint32(rep.FractionLost))
	r.cumLost.Store(int64(rep.TotalLost))
	if rtt, ok := reportRTT(rep, now); ok {
		r.rttMicros.Store(rtt.Microseconds())
	}
}

func (r *rtcpStats) rtt() time.Duration {
	return time.Duration(r.rttMicros.Load()) * time.Microsecond
}

// reportRTT derives round-trip time from a reception report:
// now - LSR - DLSR, all in 1/65536 s units of the NTP middle 32 bits.
func reportRTT(rep rtcp.ReceptionReport, now time.Time) (time.Duration, bool) {
	if rep.LastSenderReport == 0 {
		return 0, false
	}
	n := ntpMiddle(now)
	diff := int64(n) - int64(rep.LastSenderReport) - int64(rep.Delay)
	if diff < 0 {
		return 0, false
	}
	return time.Duration(diff) * time.Second / 65536, true
}

const ntpEpochOffset = 2208988800

func ntpMiddle(t time.Time) uint32 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / 1e9
	return uint32((secs&0xFFFF)<<16 | frac>>16)
}
