package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/famcall/internal/call"
	"github.com/petervdpas/famcall/internal/config"
	"github.com/petervdpas/famcall/internal/media"
	"github.com/petervdpas/famcall/internal/notify"
	"github.com/petervdpas/famcall/internal/peer"
	"github.com/petervdpas/famcall/internal/quality"
	"github.com/petervdpas/famcall/internal/realtime"
	"github.com/petervdpas/famcall/internal/signaling"
	"github.com/petervdpas/famcall/internal/store"
	"github.com/petervdpas/famcall/internal/util"
)

var log = logging.Logger("app")

// tailInterval is how often rows written by other processes are picked up.
const tailInterval = time.Second

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config

	// Device overrides the platform capture device.
	Device media.Device
	// Player overrides the ring tone player.
	Player notify.Player
}

// Agent is one running call endpoint: a party identity with its store,
// call manager and notifier.
type Agent struct {
	Cfg      config.Config
	DB       *store.DB
	Calls    *call.Manager
	Notifier *notify.Orchestrator
	Media    *media.Acquirer
	Logs     *LogTail

	logPipe *logging.PipeReader
	feed    *realtime.Manager
	client  *realtime.Client
	watcher *config.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// Run starts an agent and blocks until ctx is done.
func Run(ctx context.Context, opt Options) error {
	logBanner(opt.Dir, opt.CfgPath, opt.Cfg)
	a, err := Start(ctx, opt)
	if err != nil {
		return err
	}
	defer a.Close()

	if addr := opt.Cfg.Control.HTTPAddr; addr != "" {
		addr = NormalizeLocalAddr(addr)
		go func() {
			if err := a.ServeControl(ctx, addr); err != nil {
				log.Errorf("control api: %v", err)
			}
		}()
		if err := WaitTCP(addr, 10*time.Second); err != nil {
			return fmt.Errorf("control api: %w", err)
		}
		log.Infof("control api ready on http://%s", addr)
	}

	<-ctx.Done()
	log.Infof("shutting down")
	return nil
}

// Start opens the store and wires every component.
func Start(ctx context.Context, opt Options) (*Agent, error) {
	cfg := opt.Cfg
	if err := config.ApplyLogLevels(cfg.Log); err != nil {
		return nil, err
	}
	party := store.Party(cfg.Identity.Role)
	selfID, err := util.ValidatePartyID(cfg.Identity.ID)
	if err != nil {
		return nil, fmt.Errorf("identity.id: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	a := &Agent{Cfg: cfg, cancel: cancel, done: make(chan struct{})}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	a.Logs = NewLogTail(500)
	a.logPipe = logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	go a.Logs.Follow(a.logPipe)

	// ── Store
	dbPath := util.ResolvePath(opt.Dir, cfg.Store.Path)
	a.DB, err = store.Open(dbPath, store.WithStaleWindow(time.Duration(cfg.Store.StaleWindowSec)*time.Second))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	go a.DB.Tail(ctx, tailInterval)
	if cfg.Identity.DisplayName != "" {
		if err := a.DB.SetDisplayName(ctx, selfID, cfg.Identity.DisplayName); err != nil {
			log.Warnf("display name: %v", err)
		}
	}
	log.Infof("store: %s", dbPath)

	// ── Realtime delivery
	var (
		push      signaling.Push      = a.DB
		partyPush signaling.PartyPush = a.DB
	)
	if url := cfg.Realtime.FeedURL; url != "" {
		a.client, err = realtime.NewClient(url, time.Duration(cfg.Realtime.ReconnectMaxSec)*time.Second)
		if err != nil {
			return nil, err
		}
		push, partyPush = a.client, a.client
		log.Infof("realtime: following %s", url)
	}
	if addr := cfg.Realtime.ListenAddr; addr != "" {
		a.feed = realtime.New(a.DB.Hub(), a.DB)
		go func() {
			if err := a.feed.Serve(ctx, addr); err != nil {
				log.Errorf("realtime feed: %v", err)
			}
		}()
	}

	// ── Media + transport
	dev := opt.Device
	if dev == nil {
		dev, err = media.NewSystemDevice(0)
		if err != nil {
			return nil, fmt.Errorf("capture device: %w", err)
		}
	}
	a.Media = media.NewAcquirer(dev)
	po := peer.OptionsFromConfig(cfg.ICE)
	if cp, ok := dev.(media.CodecPopulator); ok {
		po.Codecs = cp
	}

	sig := signaling.Options{
		PollInterval:     time.Duration(cfg.Store.PollIntervalSec) * time.Second,
		FastPollInterval: time.Duration(cfg.Store.UnhealthyPollIntervalSec) * time.Second,
	}

	// ── Calls
	a.Calls, err = call.New(call.Config{
		SelfID:      selfID,
		Party:       party,
		Constraints: media.Constraints{Audio: true, Video: true},
		Signaling:   sig,
		Quality:     quality.SettingsFromConfig(cfg.Quality),
		InitialTier: quality.TierGood,
		Retention:   time.Duration(cfg.Store.StaleWindowSec) * time.Second,
	}, call.Deps{
		Store:       a.DB,
		Permissions: a.DB,
		Media:       a.Media,
		Push:        push,
		Dial:        call.PeerDialer(po),
		Callbacks:   a.callbacks(),
	})
	if err != nil {
		return nil, err
	}

	// ── Notifications
	var pusher notify.Pusher
	if n := cfg.Notify; n.PushEndpoint != "" {
		wp, err := notify.NewWebPush(notify.Subscription{
			Endpoint: n.PushEndpoint,
			P256DH:   n.PushP256DH,
			Auth:     n.PushAuth,
		}, n.VAPIDPrivateKey, n.VAPIDSubject, time.Duration(n.PushTTLSec)*time.Second)
		if err != nil {
			return nil, fmt.Errorf("web push: %w", err)
		}
		pusher = wp
	}
	player := opt.Player
	if player == nil && len(cfg.Notify.PlayerCommand) > 0 {
		player = notify.CommandPlayer(cfg.Notify.PlayerCommand...)
	}
	if player == nil {
		player = func(context.Context, string) error { return nil }
	}
	a.Notifier = notify.New(notify.Options{
		SelfID:    selfID,
		Pattern:   patternFromConfig(opt.Dir, cfg.Notify),
		Prewarm:   cfg.Notify.Prewarm,
		Signaling: sig,
	}, callsAdapter{a.Calls}, notify.NewLoopRinger(player), pusher, a.DB, a.DB, partyPush)
	go func() {
		defer close(a.done)
		a.Notifier.Run(ctx)
	}()

	// ── Hot reload
	if opt.CfgPath != "" {
		a.watcher, err = config.Watch(opt.CfgPath, a.reload)
		if err != nil {
			log.Warnf("config hot reload disabled: %v", err)
		}
	}

	log.Infof("agent %s ready as %s", selfID, party)
	ok = true
	return a, nil
}

func (a *Agent) callbacks() call.Callbacks {
	return call.Callbacks{
		OnCallIDAssigned: func(id string) { log.Debugf("[%s] call id assigned", id) },
		OnConnecting:     func(id string) { log.Infof("[%s] connecting", id) },
		OnActive:         func(id string) { log.Infof("[%s] active", id) },
		OnEnded: func(id string, reason store.EndReason) {
			log.Infof("[%s] ended: %s", id, reason)
			if a.Notifier != nil && id != "" {
				a.Notifier.StopRing(id)
			}
		},
		OnError: func(id string, err error) {
			if errors.Is(err, store.ErrSchema) {
				log.Errorf("[%s] call store rejected the record; check the deployment: %v", id, err)
				return
			}
			log.Warnf("[%s] %s error: %v", id, call.Classify(err), err)
		},
	}
}

// reload applies the parts of a new config that can change at runtime.
func (a *Agent) reload(c config.Config) {
	if err := config.ApplyLogLevels(c.Log); err != nil {
		log.Warnf("reload: %v", err)
	}
	a.Calls.UpdateQuality(quality.SettingsFromConfig(c.Quality))
	if c.Identity != a.Cfg.Identity || c.Store != a.Cfg.Store {
		log.Warnf("identity and store changes apply after restart")
	}
}

// Close hangs up every call and releases the store.
func (a *Agent) Close() {
	if a.watcher != nil {
		a.watcher.Close()
	}
	if a.Calls != nil {
		a.Calls.Close()
	}
	a.cancel()
	if a.Notifier != nil {
		<-a.done
	}
	if a.client != nil {
		a.client.Close()
	}
	if a.feed != nil {
		a.feed.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
	if a.logPipe != nil {
		a.logPipe.Close()
	}
}

func patternFromConfig(dir string, n config.Notify) notify.Pattern {
	p := notify.Pattern{
		Tone:     util.ResolvePath(dir, n.RingTone),
		Interval: time.Duration(n.RingIntervalMs) * time.Millisecond,
	}
	for _, ms := range n.VibrationPattern {
		p.Vibration = append(p.Vibration, time.Duration(ms)*time.Millisecond)
	}
	return p
}

// callsAdapter narrows the call manager to what the notifier drives.
type callsAdapter struct{ m *call.Manager }

func (c callsAdapter) Answer(ctx context.Context, callID string) error {
	_, err := c.m.Answer(ctx, callID)
	return err
}

func (c callsAdapter) Decline(ctx context.Context, callID string) error {
	return c.m.Decline(ctx, callID)
}

func (c callsAdapter) Prewarm(ctx context.Context, callID string) error {
	return c.m.Prewarm(ctx, callID)
}

func (c callsAdapter) ReleasePrewarm(callID string) { c.m.ReleasePrewarm(callID) }
