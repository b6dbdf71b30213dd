package quality

import (
	"context"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/famcall/internal/util"
)

var log = logging.Logger("quality")

// StatsSource reads cumulative transport counters.
type StatsSource interface {
	Counters(ctx context.Context) (Counters, error)
}

// Applier pushes a tier's preset onto the live senders. Implementations
// must keep audio enabled at every tier.
type Applier interface {
	ApplyPreset(ctx context.Context, tier Tier, p Preset) error
}

const historySize = 30

// Monitor samples a StatsSource every tick and commits tier changes
// through a Controller.
type Monitor struct {
	callID string
	src    StatsSource
	app    Applier

	mu       sync.Mutex
	settings Settings
	ctrl     *Controller
	prev     *Counters
	history  *util.RingBuffer[Sample]

	subMu sync.RWMutex
	subs  map[chan Sample]struct{}
}

// NewMonitor builds a monitor starting at initial. Nothing runs until Run.
func NewMonitor(callID string, src StatsSource, app Applier, s Settings, initial Tier) *Monitor {
	return &Monitor{
		callID:   callID,
		src:      src,
		app:      app,
		settings: s,
		ctrl:     NewController(initial, s.DowngradeTicks, s.UpgradeTicks),
		history:  util.NewRingBuffer[Sample](historySize),
		subs:     make(map[chan Sample]struct{}),
	}
}

// Run applies the starting preset and ticks until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	tier := m.ctrl.Current()
	tick := m.settings.Tick
	m.mu.Unlock()
	m.apply(ctx, tier)

	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			m.closeSubs()
			return
		case <-t.C:
			if _, err := m.Tick(ctx); err != nil {
				log.Debugf("[%s] stats: %v", m.callID, err)
			}
			if next := m.tickInterval(); next != tick {
				tick = next
				t.Reset(tick)
			}
		}
	}
}

func (m *Monitor) tickInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings.Tick
}

// Tick takes one sample. The first call only primes the counters.
func (m *Monitor) Tick(ctx context.Context) (Sample, error) {
	cur, err := m.src.Counters(ctx)
	if err != nil {
		return Sample{}, err
	}

	m.mu.Lock()
	prev := m.prev
	m.prev = &cur
	if prev == nil {
		m.mu.Unlock()
		return Sample{}, nil
	}
	s := Derive(*prev, cur)
	s.Raw = Classify(s.AvailableKbps, s.LossPct, s.RTT, m.settings)
	from := m.ctrl.Current()
	tier, changed := m.ctrl.Observe(s.Raw)
	s.Tier = tier
	m.history.Push(s)
	m.mu.Unlock()

	log.Debugw("sample", "call", m.callID,
		"out_kbps", int(s.OutboundKbps), "in_kbps", int(s.InboundKbps),
		"loss_pct", s.LossPct, "rtt_ms", s.RTT.Milliseconds(),
		"raw", s.Raw.String(), "tier", s.Tier.String())

	if changed {
		log.Infof("[%s] quality %s -> %s (%.0f kbps, %.1f%% loss, %v rtt)",
			m.callID, from, tier, s.AvailableKbps, s.LossPct, s.RTT)
		m.apply(ctx, tier)
	}
	m.publish(s)
	return s, nil
}

// apply logs failures; a preset that cannot be applied never ends the call.
func (m *Monitor) apply(ctx context.Context, tier Tier) {
	m.mu.Lock()
	p, ok := m.settings.Presets[tier]
	m.mu.Unlock()
	if !ok {
		p = DefaultPresets()[tier]
	}
	if tier == TierCritical {
		p.VideoEnabled = false
		p.MaxVideoBitrate = 0
	}
	if err := m.app.ApplyPreset(ctx, tier, p); err != nil {
		log.Warnf("[%s] apply %s preset: %v", m.callID, tier, err)
	}
}

// UpdateSettings swaps thresholds and presets in place. The committed tier
// is kept and its preset re-applied.
func (m *Monitor) UpdateSettings(ctx context.Context, s Settings) {
	m.mu.Lock()
	m.settings = s
	cur := m.ctrl.Current()
	m.ctrl = NewController(cur, s.DowngradeTicks, s.UpgradeTicks)
	m.mu.Unlock()
	m.apply(ctx, cur)
}

// Tier returns the committed tier.
func (m *Monitor) Tier() Tier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctrl.Current()
}

// Latest returns the most recent sample.
func (m *Monitor) Latest() (Sample, bool) { return m.history.Last() }

// History returns recent samples, oldest first.
func (m *Monitor) History() []Sample { return m.history.Snapshot() }

// Subscribe receives every sample until the monitor stops.
func (m *Monitor) Subscribe() (ch chan Sample, cancel func()) {
	ch = make(chan Sample, 8)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	cancel = func() {
		m.subMu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.subMu.Unlock()
	}
	return ch, cancel
}

func (m *Monitor) publish(s Sample) {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for ch := range m.subs {
		select {
		case ch <- s:
		default:
		}
	}
}

func (m *Monitor) closeSubs() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		close(ch)
	}
	m.subs = make(map[chan Sample]struct{})
}
