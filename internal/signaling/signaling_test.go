package signaling

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/famcall/internal/store"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openDB(t *testing.T) (*store.DB, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	db, err := store.Open(filepath.Join(t.TempDir(), "calls.db"), store.WithClock(clk.Now))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, clk
}

func cand(n int) store.ICECandidate {
	mid := "0"
	idx := uint16(0)
	return store.ICECandidate{
		Candidate:     fmt.Sprintf("candidate:%d 1 udp 2130706431 10.0.0.%d 5000 typ host", n, n),
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestApplyIsIdempotent(t *testing.T) {
	w := NewWatcher("c1", store.RoleChild, nil, nil, Options{})
	rec := store.CallRecord{
		ID:                  "c1",
		Status:              store.StatusRinging,
		AnswerSDP:           "answer",
		ParentICECandidates: []store.ICECandidate{cand(1), cand(2)},
		ChildICECandidates:  []store.ICECandidate{cand(9)},
	}

	ev := w.apply(rec)
	assert.Equal(t, store.StatusRinging, ev.Status)
	assert.Equal(t, "answer", ev.Answer)
	require.Len(t, ev.Candidates, 2, "only the remote side's list is consumed")
	assert.Equal(t, cand(1).Candidate, ev.Candidates[0].Candidate)

	// The same record again: nothing new.
	assert.True(t, w.apply(rec).Empty())

	// A later record with one more candidate and a repeated one.
	rec.Status = store.StatusActive
	rec.ParentICECandidates = append(rec.ParentICECandidates, cand(1), cand(3))
	ev = w.apply(rec)
	assert.Equal(t, store.StatusActive, ev.Status)
	require.Len(t, ev.Candidates, 1)
	assert.Equal(t, cand(3).Candidate, ev.Candidates[0].Candidate)

	// An older snapshot delivered late never regresses status.
	old := rec
	old.Status = store.StatusRinging
	assert.True(t, w.apply(old).Empty())

	rec.Status = store.StatusEnded
	rec.ParentICECandidates = append(rec.ParentICECandidates, cand(4))
	ev = w.apply(rec)
	assert.Equal(t, store.StatusEnded, ev.Status)
	assert.Empty(t, ev.Candidates, "nothing is applied after ended")
}

func TestWatcherFollowsRecordToEnd(t *testing.T) {
	db, _ := openDB(t)
	ctx := context.Background()
	id, err := db.CreateCall(ctx, store.RoleChild, "kid", "mum")
	require.NoError(t, err)

	w := NewWatcher(id, store.RoleParent, db, db, Options{PollInterval: time.Hour, FastPollInterval: time.Hour})
	go w.Run(ctx)

	ev := next(t, w.Events())
	assert.Equal(t, store.StatusRinging, ev.Status)

	require.NoError(t, db.SetOffer(ctx, id, "v=0 offer"))
	ev = next(t, w.Events())
	assert.Equal(t, "v=0 offer", ev.Offer)

	_, err = db.AppendICECandidate(ctx, id, store.RoleChild, cand(1))
	require.NoError(t, err)
	_, err = db.AppendICECandidate(ctx, id, store.RoleParent, cand(2))
	require.NoError(t, err)
	_, err = db.AppendICECandidate(ctx, id, store.RoleChild, cand(3))
	require.NoError(t, err)

	var got []string
	for len(got) < 2 {
		ev = next(t, w.Events())
		for _, c := range ev.Candidates {
			got = append(got, c.Candidate)
		}
	}
	assert.Equal(t, []string{cand(1).Candidate, cand(3).Candidate}, got)

	_, err = db.EndCall(ctx, id, store.PartyChild, store.ReasonHangup)
	require.NoError(t, err)
	ev = next(t, w.Events())
	assert.Equal(t, store.StatusEnded, ev.Status)
	assert.Equal(t, store.ReasonHangup, ev.Record.EndReason)

	_, open := <-w.Events()
	assert.False(t, open, "stream closes after ended")
}

type countingReader struct {
	store.CallRecord
	gets atomic.Int32
	err  error
}

func (r *countingReader) Get(context.Context, string) (store.CallRecord, error) {
	r.gets.Add(1)
	return r.CallRecord, r.err
}

type closedPush struct{}

func (closedPush) Subscribe(string) (chan store.Change, func()) {
	ch := make(chan store.Change)
	close(ch)
	return ch, func() {}
}

type deadFeed struct{}

func (deadFeed) Subscribe(string) (chan store.Change, func()) {
	return make(chan store.Change), func() {}
}
func (deadFeed) Healthy() bool { return false }

func TestWatcherPollsFastWhilePushIsDown(t *testing.T) {
	tests := []struct {
		name string
		push Push
	}{
		{"no push", nil},
		{"push closed", closedPush{}},
		{"push unhealthy", deadFeed{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &countingReader{CallRecord: store.CallRecord{ID: "c1", Status: store.StatusRinging}}
			w := NewWatcher("c1", store.RoleChild, r, tt.push, Options{PollInterval: time.Hour, FastPollInterval: 10 * time.Millisecond})
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go w.Run(ctx)

			assert.Eventually(t, func() bool { return r.gets.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)
			assert.False(t, w.PushHealthy())
		})
	}
}

func TestWatcherSurfacesSchemaErrors(t *testing.T) {
	r := &countingReader{err: fmt.Errorf("get: %w: no such column: status", store.ErrSchema)}
	w := NewWatcher("c1", store.RoleChild, r, nil, Options{FastPollInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	ev := next(t, w.Events())
	assert.ErrorIs(t, ev.Err, store.ErrSchema)
}

func TestInboxReportsEachStatusOnce(t *testing.T) {
	db, _ := openDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewInbox("mum", db, db, Options{PollInterval: 20 * time.Millisecond, FastPollInterval: 20 * time.Millisecond})
	go b.Run(ctx)

	id, err := db.CreateCall(ctx, store.RoleChild, "kid", "mum")
	require.NoError(t, err)
	_, err = db.CreateCall(ctx, store.RoleChild, "kid", "dad")
	require.NoError(t, err)

	recv := func() store.CallRecord {
		select {
		case r := <-b.Records():
			return r
		case <-time.After(5 * time.Second):
			t.Fatal("timed out")
		}
		return store.CallRecord{}
	}

	r := recv()
	assert.Equal(t, id, r.ID)
	assert.Equal(t, store.StatusRinging, r.Status)

	_, err = db.EndCall(ctx, id, store.PartyChild, store.ReasonHangup)
	require.NoError(t, err)
	r = recv()
	assert.Equal(t, store.StatusEnded, r.Status)

	// Polls keep returning the same rows; none is reported again.
	select {
	case r := <-b.Records():
		t.Fatalf("unexpected repeat %s/%s", r.ID, r.Status)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestInboxIgnoresStaleRinging(t *testing.T) {
	db, clk := openDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := db.CreateCall(ctx, store.RoleChild, "kid", "mum")
	require.NoError(t, err)
	clk.Advance(2 * db.StaleWindow())

	b := NewInbox("mum", db, nil, Options{FastPollInterval: 10 * time.Millisecond})
	assert.False(t, b.accept(store.CallRecord{ID: id, ChildID: "kid", ParentID: "mum", Status: store.StatusRinging, CreatedAt: clk.Now().Add(-2 * db.StaleWindow())}))

	go b.Run(ctx)
	select {
	case r := <-b.Records():
		t.Fatalf("stale ring surfaced: %s", r.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInboxForgetsLongEndedCalls(t *testing.T) {
	db, clk := openDB(t)
	b := NewInbox("mum", db, nil, Options{})
	start := clk.Now()

	ended := store.CallRecord{ID: "c1", ChildID: "kid", ParentID: "mum", Status: store.StatusEnded, CreatedAt: start, UpdatedAt: start}
	require.True(t, b.accept(ended))
	assert.False(t, b.accept(ended))

	clk.Advance(2 * db.StaleWindow())
	now := clk.Now()
	require.True(t, b.accept(store.CallRecord{ID: "c2", ChildID: "kid", ParentID: "mum", Status: store.StatusRinging, CreatedAt: now, UpdatedAt: now}))

	assert.NotContains(t, b.ranks, "c1")
	assert.Contains(t, b.ranks, "c2")
}
