package quality

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/famcall/internal/config"
)

func TestClassify(t *testing.T) {
	s := DefaultSettings()
	tests := []struct {
		name string
		kbps float64
		loss float64
		rtt  time.Duration
		want Tier
	}{
		{"nothing", 0, 0, 0, TierCritical},
		{"below 100", 99, 0, 0, TierCritical},
		{"at 100", 100, 0, 0, TierPoor},
		{"moderate", 500, 0, 0, TierModerate},
		{"good", 1500, 0, 0, TierGood},
		{"excellent", 3000, 0, 0, TierExcellent},
		{"premium", 6000, 0, 0, TierPremium},
		{"loss steps down", 3000, 12, 0, TierGood},
		{"rtt steps down", 3000, 0, 600 * time.Millisecond, TierGood},
		{"both step down once", 3000, 12, 600 * time.Millisecond, TierGood},
		{"critical floor", 50, 50, time.Second, TierCritical},
		{"at threshold is fine", 3000, 10, 500 * time.Millisecond, TierExcellent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.kbps, tt.loss, tt.rtt, s))
		})
	}
}

func TestHysteresisDowngradeAfterTwo(t *testing.T) {
	c := NewController(TierGood, 2, 5)

	tier, changed := c.Observe(TierPoor)
	assert.False(t, changed)
	assert.Equal(t, TierGood, tier)

	tier, changed = c.Observe(TierPoor)
	assert.True(t, changed)
	assert.Equal(t, TierPoor, tier)
}

func TestHysteresisUpgradeAfterFive(t *testing.T) {
	c := NewController(TierPoor, 2, 5)
	for i := 0; i < 4; i++ {
		tier, changed := c.Observe(TierExcellent)
		require.False(t, changed, "tick %d", i+1)
		assert.Equal(t, TierPoor, tier)
	}
	tier, changed := c.Observe(TierExcellent)
	assert.True(t, changed)
	assert.Equal(t, TierExcellent, tier)
}

func TestHysteresisStreakResets(t *testing.T) {
	c := NewController(TierGood, 2, 5)

	// A good tick between two bad ones restarts the downgrade count.
	c.Observe(TierPoor)
	c.Observe(TierGood)
	_, changed := c.Observe(TierPoor)
	assert.False(t, changed)

	// An opposite-direction tick restarts the upgrade count.
	c.Reset(TierModerate)
	for i := 0; i < 4; i++ {
		c.Observe(TierPremium)
	}
	c.Observe(TierPoor)
	for i := 0; i < 4; i++ {
		_, changed = c.Observe(TierPremium)
		assert.False(t, changed)
	}
	_, changed = c.Observe(TierPremium)
	assert.True(t, changed)
}

func TestDerive(t *testing.T) {
	t0 := time.Unix(100, 0)
	prev := Counters{At: t0, BytesSent: 0, BytesReceived: 0, PacketsReceived: 100, PacketsLost: 0, PacketsSent: 100}
	cur := Counters{
		At:                t0.Add(2 * time.Second),
		BytesSent:         250_000, // 1000 kbps over 2s
		BytesReceived:     125_000, // 500 kbps
		PacketsReceived:   190,
		PacketsLost:       10, // 10 of 100 -> 10%
		PacketsSent:       300,
		RemotePacketsLost: 30, // 30 of 200 -> 15%
		RTT:               80 * time.Millisecond,
	}
	s := Derive(prev, cur)
	assert.InDelta(t, 1000, s.OutboundKbps, 0.01)
	assert.InDelta(t, 500, s.InboundKbps, 0.01)
	assert.InDelta(t, 15, s.LossPct, 0.01)
	assert.InDelta(t, 1000, s.AvailableKbps, 0.01)
	assert.Equal(t, 80*time.Millisecond, s.RTT)

	cur.AvailableOutgoingBitrate = 3_000_000
	assert.InDelta(t, 3000, Derive(prev, cur).AvailableKbps, 0.01)

	// Counter reset gives zero, not negative.
	reset := Derive(cur, Counters{At: cur.At.Add(2 * time.Second)})
	assert.Zero(t, reset.OutboundKbps)
	assert.Zero(t, reset.LossPct)
}

type fakeSource struct {
	mu   sync.Mutex
	now  time.Time
	sent uint64
	rate uint64 // bytes per tick
	err  error
}

func (f *fakeSource) Counters(context.Context) (Counters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Counters{}, f.err
	}
	f.now = f.now.Add(2 * time.Second)
	f.sent += f.rate
	return Counters{At: f.now, BytesSent: f.sent}, nil
}

func (f *fakeSource) setKbps(kbps uint64) {
	f.mu.Lock()
	f.rate = kbps * 1000 / 8 * 2
	f.mu.Unlock()
}

type recordingApplier struct {
	mu      sync.Mutex
	applied []Tier
	presets []Preset
	err     error
}

func (r *recordingApplier) ApplyPreset(_ context.Context, tier Tier, p Preset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, tier)
	r.presets = append(r.presets, p)
	return r.err
}

func TestMonitorCommitsAndApplies(t *testing.T) {
	src := &fakeSource{now: time.Unix(0, 0)}
	app := &recordingApplier{}
	m := NewMonitor("c1", src, app, DefaultSettings(), TierGood)
	ctx := context.Background()

	src.setKbps(1500)
	_, err := m.Tick(ctx) // primes
	require.NoError(t, err)

	src.setKbps(50)
	s, err := m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TierCritical, s.Raw)
	assert.Equal(t, TierGood, s.Tier)
	assert.Empty(t, app.applied)

	s, err = m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TierCritical, s.Tier)
	require.Len(t, app.applied, 1)
	assert.Equal(t, TierCritical, app.applied[0])
	assert.False(t, app.presets[0].VideoEnabled)
	assert.Zero(t, app.presets[0].MaxVideoBitrate)
	assert.Positive(t, app.presets[0].AudioBitrate)

	last, ok := m.Latest()
	require.True(t, ok)
	assert.Equal(t, TierCritical, last.Tier)
	assert.Len(t, m.History(), 2)
}

func TestMonitorApplyErrorDoesNotStop(t *testing.T) {
	src := &fakeSource{now: time.Unix(0, 0)}
	app := &recordingApplier{err: errors.New("sender gone")}
	m := NewMonitor("c1", src, app, DefaultSettings(), TierGood)
	ctx := context.Background()

	src.setKbps(50)
	for i := 0; i < 3; i++ {
		_, err := m.Tick(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, TierCritical, m.Tier())

	src.setKbps(6000)
	for i := 0; i < 5; i++ {
		_, err := m.Tick(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, TierPremium, m.Tier())
	assert.Len(t, app.applied, 2)
}

func TestMonitorStatsErrorSkipsTick(t *testing.T) {
	src := &fakeSource{now: time.Unix(0, 0), err: errors.New("closed")}
	m := NewMonitor("c1", src, &recordingApplier{}, DefaultSettings(), TierGood)
	_, err := m.Tick(context.Background())
	assert.Error(t, err)
	_, ok := m.Latest()
	assert.False(t, ok)
}

func TestMonitorRunPublishesSamples(t *testing.T) {
	src := &fakeSource{now: time.Unix(0, 0)}
	src.setKbps(1000)
	app := &recordingApplier{}
	s := DefaultSettings()
	s.Tick = 10 * time.Millisecond
	m := NewMonitor("c1", src, app, s, TierGood)

	ch, cancel := m.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	select {
	case got := <-ch:
		assert.Equal(t, TierGood, got.Tier)
	case <-time.After(2 * time.Second):
		t.Fatal("no sample published")
	}
	stop()
	<-done

	app.mu.Lock()
	defer app.mu.Unlock()
	require.NotEmpty(t, app.applied)
	assert.Equal(t, TierGood, app.applied[0])
}

func TestSettingsFromConfig(t *testing.T) {
	q := config.Default().Quality
	q.UpgradeTicks = 3
	q.Presets = map[string]config.Preset{
		"poor":     {MaxVideoKbps: 120, MaxFramerate: 8, MaxHeight: 144, AudioKbps: 20, VideoEnabled: true},
		"critical": {MaxVideoKbps: 50, AudioKbps: 12, VideoEnabled: true},
		"bogus":    {AudioKbps: 1},
	}
	s := SettingsFromConfig(q)
	assert.Equal(t, 3, s.UpgradeTicks)
	assert.Equal(t, 2*time.Second, s.Tick)
	assert.Equal(t, 120_000, s.Presets[TierPoor].MaxVideoBitrate)
	assert.False(t, s.Presets[TierCritical].VideoEnabled)
	assert.Equal(t, DefaultPresets()[TierGood], s.Presets[TierGood])
}

func TestTierNames(t *testing.T) {
	for tier := TierCritical; tier <= TierPremium; tier++ {
		got, err := ParseTier(tier.String())
		require.NoError(t, err)
		assert.Equal(t, tier, got)
	}
	_, err := ParseTier("ultra")
	assert.Error(t, err)
}
