package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/petervdpas/famcall/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Store    Store    `json:"store"`
	Realtime Realtime `json:"realtime"`
	ICE      ICE      `json:"ice"`
	Quality  Quality  `json:"quality"`
	Notify   Notify   `json:"notify"`
	Control  Control  `json:"control"`
	Log      Log      `json:"log"`
}

type Identity struct {
	// Role of this device: "child", "parent" or "family_member".
	// A family member occupies the parent side of a call record.
	Role        string `json:"role"`
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

type Store struct {
	// SQLite database holding the shared call records. Relative to the agent directory.
	Path string `json:"path"`

	// Coarse poll interval used alongside the push feed.
	PollIntervalSec int `json:"poll_interval_seconds"`

	// Poll interval used while the push feed is marked unhealthy.
	UnhealthyPollIntervalSec int `json:"unhealthy_poll_interval_seconds"`

	// Ringing records older than this are never resurrected by polling.
	StaleWindowSec int `json:"stale_window_seconds"`
}

type Realtime struct {
	// Listen address for the row-change feed ("" disables serving it).
	ListenAddr string `json:"listen_addr"`

	// Base URL of a remote feed, e.g. "ws://10.0.0.2:8790". Empty means the
	// agent subscribes to the in-process store hub only.
	FeedURL string `json:"feed_url"`

	ReconnectMaxSec int `json:"reconnect_max_seconds"`
}

type ICE struct {
	STUNURLs []string     `json:"stun_urls"`
	TURN     []TURNServer `json:"turn"`

	DisconnectedTimeoutSec int `json:"disconnected_timeout_seconds"`
	FailedTimeoutSec       int `json:"failed_timeout_seconds"`
	KeepAliveIntervalSec   int `json:"keepalive_interval_seconds"`

	// ICE stuck in new/checking for this long is logged as a diagnostic.
	StuckTimeoutSec int `json:"stuck_timeout_seconds"`
}

type TURNServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username"`
	Credential string   `json:"credential"`
}

type Quality struct {
	TickMs           int     `json:"tick_ms"`
	DowngradeTicks   int     `json:"downgrade_ticks"`
	UpgradeTicks     int     `json:"upgrade_ticks"`
	LossThresholdPct float64 `json:"loss_threshold_pct"`
	RTTThresholdMs   int     `json:"rtt_threshold_ms"`

	// Tier boundaries in kbps, ascending: critical|poor|moderate|good|excellent|premium.
	TierBoundariesKbps []int `json:"tier_boundaries_kbps"`

	// Keyed by tier name. Missing tiers fall back to the built-in table.
	Presets map[string]Preset `json:"presets"`
}

type Preset struct {
	MaxVideoKbps int  `json:"max_video_kbps"`
	MaxFramerate int  `json:"max_framerate"`
	MaxHeight    int  `json:"max_height"`
	AudioKbps    int  `json:"audio_kbps"`
	VideoEnabled bool `json:"video_enabled"`
}

type Notify struct {
	RingTone         string `json:"ring_tone"`
	RingIntervalMs   int    `json:"ring_interval_ms"`
	VibrationPattern []int  `json:"vibration_pattern_ms"`

	// Command that plays RingTone once; the tone path is appended.
	PlayerCommand []string `json:"player_command"`

	// Acquire media while ringing so answering is instant.
	Prewarm bool `json:"prewarm"`

	// Web Push subscription of this device. Empty endpoint disables system notifications.
	PushEndpoint string `json:"push_endpoint"`
	PushP256DH   string `json:"push_p256dh"`
	PushAuth     string `json:"push_auth"`
	PushTTLSec   int    `json:"push_ttl_seconds"`

	// VAPID signing key (base64url raw P-256 scalar) and contact subject.
	VAPIDPrivateKey string `json:"vapid_private_key"`
	VAPIDSubject    string `json:"vapid_subject"`
}

type Control struct {
	// Local HTTP control API for the presentation layer. Always bound to loopback.
	HTTPAddr string `json:"http_addr"`
}

type Log struct {
	Level      string            `json:"level"`
	Subsystems map[string]string `json:"subsystems"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			Role: "parent",
		},
		Store: Store{
			Path:                     "data/calls.db",
			PollIntervalSec:          20,
			UnhealthyPollIntervalSec: 2,
			StaleWindowSec:           60,
		},
		Realtime: Realtime{
			ListenAddr:      "",
			FeedURL:         "",
			ReconnectMaxSec: 30,
		},
		ICE: ICE{
			STUNURLs: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
			DisconnectedTimeoutSec: 30,
			FailedTimeoutSec:       120,
			KeepAliveIntervalSec:   2,
			StuckTimeoutSec:        30,
		},
		Quality: Quality{
			TickMs:             2000,
			DowngradeTicks:     2,
			UpgradeTicks:       5,
			LossThresholdPct:   10,
			RTTThresholdMs:     500,
			TierBoundariesKbps: []int{100, 300, 800, 2000, 5000},
		},
		Notify: Notify{
			RingTone:         "ringtone.ogg",
			RingIntervalMs:   3000,
			VibrationPattern: []int{400, 200, 400, 200, 400},
			PlayerCommand:    []string{"paplay"},
			Prewarm:          true,
			PushTTLSec:       30,
		},
		Control: Control{
			HTTPAddr: "127.0.0.1:8791",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	switch c.Identity.Role {
	case "child", "parent", "family_member":
	default:
		return errors.New(`identity.role must be "child", "parent" or "family_member"`)
	}
	if strings.TrimSpace(c.Identity.ID) != "" {
		if _, err := util.ValidatePartyID(c.Identity.ID); err != nil {
			return fmt.Errorf("identity.id: %w", err)
		}
	}

	// Store
	if strings.TrimSpace(c.Store.Path) == "" {
		return errors.New("store.path is required")
	}
	if c.Store.PollIntervalSec <= 0 {
		return errors.New("store.poll_interval_seconds must be > 0")
	}
	if c.Store.UnhealthyPollIntervalSec <= 0 {
		return errors.New("store.unhealthy_poll_interval_seconds must be > 0")
	}
	if c.Store.UnhealthyPollIntervalSec > c.Store.PollIntervalSec {
		return errors.New("store.unhealthy_poll_interval_seconds must be <= store.poll_interval_seconds")
	}
	if c.Store.StaleWindowSec <= 0 {
		return errors.New("store.stale_window_seconds must be > 0")
	}

	// Realtime
	if a := strings.TrimSpace(c.Realtime.ListenAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("realtime.listen_addr: %w", err)
		}
	}
	if u := strings.TrimSpace(c.Realtime.FeedURL); u != "" {
		if err := validateFeedURL(u); err != nil {
			return fmt.Errorf("realtime.feed_url: %w", err)
		}
	}
	if c.Realtime.ReconnectMaxSec <= 0 {
		return errors.New("realtime.reconnect_max_seconds must be > 0")
	}

	// ICE
	for _, s := range c.ICE.STUNURLs {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			return fmt.Errorf("ice.stun_urls: %q is not a stun: url", s)
		}
	}
	for _, t := range c.ICE.TURN {
		if len(t.URLs) == 0 {
			return errors.New("ice.turn entries need at least one url")
		}
	}
	if c.ICE.DisconnectedTimeoutSec <= 0 || c.ICE.FailedTimeoutSec <= 0 || c.ICE.KeepAliveIntervalSec <= 0 {
		return errors.New("ice timeouts must be > 0")
	}
	if c.ICE.FailedTimeoutSec < c.ICE.DisconnectedTimeoutSec {
		return errors.New("ice.failed_timeout_seconds must be >= ice.disconnected_timeout_seconds")
	}
	if c.ICE.StuckTimeoutSec <= 0 {
		return errors.New("ice.stuck_timeout_seconds must be > 0")
	}

	// Quality
	if c.Quality.TickMs < 100 {
		return errors.New("quality.tick_ms must be >= 100")
	}
	if c.Quality.DowngradeTicks < 1 || c.Quality.UpgradeTicks < 1 {
		return errors.New("quality.downgrade_ticks and quality.upgrade_ticks must be >= 1")
	}
	if c.Quality.LossThresholdPct <= 0 || c.Quality.LossThresholdPct >= 100 {
		return errors.New("quality.loss_threshold_pct must be 0..100")
	}
	if c.Quality.RTTThresholdMs <= 0 {
		return errors.New("quality.rtt_threshold_ms must be > 0")
	}
	if len(c.Quality.TierBoundariesKbps) != 5 {
		return errors.New("quality.tier_boundaries_kbps needs exactly 5 values")
	}
	for i := 1; i < len(c.Quality.TierBoundariesKbps); i++ {
		if c.Quality.TierBoundariesKbps[i] <= c.Quality.TierBoundariesKbps[i-1] {
			return errors.New("quality.tier_boundaries_kbps must be strictly ascending")
		}
	}
	for name, p := range c.Quality.Presets {
		if p.MaxVideoKbps < 0 || p.AudioKbps <= 0 || p.MaxFramerate < 0 || p.MaxHeight < 0 {
			return fmt.Errorf("quality.presets.%s has invalid values", name)
		}
	}

	// Notify
	if c.Notify.RingIntervalMs <= 0 {
		return errors.New("notify.ring_interval_ms must be > 0")
	}
	if c.Notify.PushEndpoint != "" {
		u, err := url.Parse(c.Notify.PushEndpoint)
		if err != nil || u.Scheme != "https" {
			return errors.New("notify.push_endpoint must be an https url")
		}
		if c.Notify.PushP256DH == "" || c.Notify.PushAuth == "" {
			return errors.New("notify.push_p256dh and notify.push_auth are required with a push endpoint")
		}
		if c.Notify.VAPIDPrivateKey == "" || c.Notify.VAPIDSubject == "" {
			return errors.New("notify.vapid_private_key and notify.vapid_subject are required with a push endpoint")
		}
	}

	// Control
	if a := strings.TrimSpace(c.Control.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("control.http_addr: %w", err)
		}
	}

	return nil
}

func validateFeedURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	if u.Hostname() == "0.0.0.0" {
		return errors.New("host must not be 0.0.0.0")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
