// Package quality classifies live transport statistics into quality tiers
// and drives per-track send limits from them.
//
// Every tick the Monitor turns raw counters into a Sample (bitrate, loss,
// round-trip time, available bandwidth), maps the bandwidth estimate onto
// one of six tiers and steps one tier down when loss or RTT are bad. The
// Controller then applies asymmetric hysteresis before a tier is committed:
//
//   - a downgrade commits after 2 consecutive lower ticks
//   - an upgrade commits after 5 consecutive higher ticks
//
// At TierCritical video is not sent at all. Audio is never disabled.
package quality

import (
	"fmt"
	"strings"
	"time"

	"github.com/petervdpas/famcall/internal/config"
)

// Tier is a quality level, ordered from worst to best.
type Tier int

const (
	TierCritical Tier = iota
	TierPoor
	TierModerate
	TierGood
	TierExcellent
	TierPremium
)

var tierNames = [...]string{"critical", "poor", "moderate", "good", "excellent", "premium"}

func (t Tier) String() string {
	if t < TierCritical || t > TierPremium {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// ParseTier maps a tier name back to its Tier.
func ParseTier(s string) (Tier, error) {
	for i, n := range tierNames {
		if strings.EqualFold(s, n) {
			return Tier(i), nil
		}
	}
	return 0, fmt.Errorf("unknown quality tier %q", s)
}

// Preset holds the send parameters applied at a tier.
type Preset struct {
	MaxVideoBitrate int // bits per second; 0 with VideoEnabled=false at critical
	MaxFramerate    int
	MaxHeight       int
	AudioBitrate    int // bits per second
	VideoEnabled    bool
}

// DefaultPresets is the built-in tier table.
func DefaultPresets() map[Tier]Preset {
	return map[Tier]Preset{
		TierCritical:  {MaxVideoBitrate: 0, MaxFramerate: 0, MaxHeight: 0, AudioBitrate: 16_000, VideoEnabled: false},
		TierPoor:      {MaxVideoBitrate: 150_000, MaxFramerate: 10, MaxHeight: 180, AudioBitrate: 24_000, VideoEnabled: true},
		TierModerate:  {MaxVideoBitrate: 400_000, MaxFramerate: 15, MaxHeight: 360, AudioBitrate: 32_000, VideoEnabled: true},
		TierGood:      {MaxVideoBitrate: 1_000_000, MaxFramerate: 24, MaxHeight: 480, AudioBitrate: 48_000, VideoEnabled: true},
		TierExcellent: {MaxVideoBitrate: 2_500_000, MaxFramerate: 30, MaxHeight: 720, AudioBitrate: 64_000, VideoEnabled: true},
		TierPremium:   {MaxVideoBitrate: 4_000_000, MaxFramerate: 30, MaxHeight: 1080, AudioBitrate: 64_000, VideoEnabled: true},
	}
}

// Settings is the tunable part of classification and hysteresis.
type Settings struct {
	Tick           time.Duration
	BoundariesKbps [5]float64 // upper bounds of critical..excellent
	LossPct        float64
	RTT            time.Duration
	DowngradeTicks int
	UpgradeTicks   int
	Presets        map[Tier]Preset
}

func DefaultSettings() Settings {
	return Settings{
		Tick:           2 * time.Second,
		BoundariesKbps: [5]float64{100, 300, 800, 2000, 5000},
		LossPct:        10,
		RTT:            500 * time.Millisecond,
		DowngradeTicks: 2,
		UpgradeTicks:   5,
		Presets:        DefaultPresets(),
	}
}

// SettingsFromConfig converts the quality config section. Presets missing
// from the config keep their built-in values; audio stays enabled at every
// tier whatever the config says.
func SettingsFromConfig(q config.Quality) Settings {
	s := DefaultSettings()
	s.Tick = time.Duration(q.TickMs) * time.Millisecond
	for i := 0; i < len(s.BoundariesKbps) && i < len(q.TierBoundariesKbps); i++ {
		s.BoundariesKbps[i] = float64(q.TierBoundariesKbps[i])
	}
	s.LossPct = q.LossThresholdPct
	s.RTT = time.Duration(q.RTTThresholdMs) * time.Millisecond
	s.DowngradeTicks = q.DowngradeTicks
	s.UpgradeTicks = q.UpgradeTicks
	for name, p := range q.Presets {
		t, err := ParseTier(name)
		if err != nil {
			log.Warnf("ignoring preset: %v", err)
			continue
		}
		s.Presets[t] = Preset{
			MaxVideoBitrate: p.MaxVideoKbps * 1000,
			MaxFramerate:    p.MaxFramerate,
			MaxHeight:       p.MaxHeight,
			AudioBitrate:    p.AudioKbps * 1000,
			VideoEnabled:    p.VideoEnabled && t != TierCritical,
		}
	}
	return s
}

// Classify maps a bandwidth estimate to a tier, then steps one tier down
// when loss or round-trip time exceed their thresholds.
func Classify(bandwidthKbps, lossPct float64, rtt time.Duration, s Settings) Tier {
	tier := TierPremium
	for i, bound := range s.BoundariesKbps {
		if bandwidthKbps < bound {
			tier = Tier(i)
			break
		}
	}
	if (lossPct > s.LossPct || rtt > s.RTT) && tier > TierCritical {
		tier--
	}
	return tier
}
