package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openTest(t *testing.T) (*DB, *testClock) {
	t.Helper()
	clk := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	db, err := Open(filepath.Join(t.TempDir(), "calls.db"), WithClock(clk.Now))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, clk
}

func strp(s string) *string { return &s }
func u16p(v uint16) *uint16 { return &v }

func TestCreateCallAssignsSides(t *testing.T) {
	db, _ := openTest(t)
	ctx := context.Background()

	id, err := db.CreateCall(ctx, RoleChild, "kid", "mum")
	require.NoError(t, err)
	rec, err := db.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, RoleChild, rec.CallerType)
	assert.Equal(t, "kid", rec.ChildID)
	assert.Equal(t, "mum", rec.ParentID)
	assert.Equal(t, StatusRinging, rec.Status)
	assert.Empty(t, rec.ChildICECandidates)
	assert.Nil(t, rec.EndedAt)

	id, err = db.CreateCall(ctx, RoleParent, "mum", "kid")
	require.NoError(t, err)
	rec, err = db.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "kid", rec.ChildID)
	assert.Equal(t, "mum", rec.ParentID)
	assert.Equal(t, RoleChild, rec.CalleeRole())

	_, err = db.CreateCall(ctx, Role("neighbour"), "a", "b")
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestDescriptionsAreWriteOnce(t *testing.T) {
	db, _ := openTest(t)
	ctx := context.Background()
	id, err := db.CreateCall(ctx, RoleChild, "kid", "mum")
	require.NoError(t, err)

	require.NoError(t, db.SetOffer(ctx, id, "offer-1"))
	require.NoError(t, db.SetOffer(ctx, id, "offer-1"))
	assert.ErrorIs(t, db.SetOffer(ctx, id, "offer-2"), ErrAlreadySet)

	require.NoError(t, db.SetAnswer(ctx, id, "answer-1"))
	assert.ErrorIs(t, db.SetAnswer(ctx, id, "answer-2"), ErrAlreadySet)

	rec, err := db.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "offer-1", rec.OfferSDP)
	assert.Equal(t, "answer-1", rec.AnswerSDP)

	assert.ErrorIs(t, db.SetOffer(ctx, "missing", "x"), ErrRecordNotFound)
}

func TestDuplicateCandidateStoredOnce(t *testing.T) {
	db, _ := openTest(t)
	ctx := context.Background()
	id, err := db.CreateCall(ctx, RoleChild, "kid", "mum")
	require.NoError(t, err)

	c := ICECandidate{Candidate: "candidate:1 1 udp 2122260223 10.0.0.2 50000 typ host", SDPMid: strp("0"), SDPMLineIndex: u16p(0)}
	ok, err := db.AppendICECandidate(ctx, id, RoleChild, c)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = db.AppendICECandidate(ctx, id, RoleChild, c)
	require.NoError(t, err)
	assert.False(t, ok)

	// Same transport string on another media line is a different candidate.
	other := c
	other.SDPMLineIndex = u16p(1)
	other.SDPMid = strp("1")
	ok, err = db.AppendICECandidate(ctx, id, RoleChild, other)
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := db.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, rec.ChildICECandidates, 2)
	assert.Empty(t, rec.ParentICECandidates)
}

func TestCandidateListsArePartitionedByRole(t *testing.T) {
	db, _ := openTest(t)
	ctx := context.Background()
	id, err := db.CreateCall(ctx, RoleParent, "mum", "kid")
	require.NoError(t, err)

	for i, role := range []Role{RoleParent, RoleChild, RoleParent} {
		_, err := db.AppendICECandidate(ctx, id, role, ICECandidate{Candidate: string(role) + string(rune('a'+i))})
		require.NoError(t, err)
	}
	rec, err := db.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, rec.ParentICECandidates, 2)
	require.Len(t, rec.ChildICECandidates, 1)
	assert.Equal(t, "parenta", rec.ParentICECandidates[0].Candidate)
	assert.Equal(t, "parentc", rec.ParentICECandidates[1].Candidate)
	assert.Equal(t, "childb", rec.ChildICECandidates[0].Candidate)
}

func TestStatusIsMonotone(t *testing.T) {
	db, _ := openTest(t)
	ctx := context.Background()
	id, err := db.CreateCall(ctx, RoleChild, "kid", "mum")
	require.NoError(t, err)

	ch, cancel := db.Subscribe(id)
	defer cancel()

	ok, err := db.Activate(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ended, err := db.EndCall(ctx, id, PartyParent, ReasonHangup)
	require.NoError(t, err)
	assert.True(t, ended)

	// Nothing moves a record out of ended.
	ok, err = db.Activate(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
	ended, err = db.EndCall(ctx, id, PartyChild, ReasonFailed)
	require.NoError(t, err)
	assert.False(t, ended)
	_, err = db.AppendICECandidate(ctx, id, RoleChild, ICECandidate{Candidate: "late"})
	assert.ErrorIs(t, err, ErrAlreadyEnded)
	assert.ErrorIs(t, db.SetAnswer(ctx, id, "late"), ErrAlreadyEnded)

	rec, err := db.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, rec.Status)
	assert.Equal(t, PartyParent, rec.EndedBy)
	assert.Equal(t, ReasonHangup, rec.EndReason)
	require.NotNil(t, rec.EndedAt)

	rank := 0
	for n := 0; n < 2; n++ {
		select {
		case c := <-ch:
			assert.GreaterOrEqual(t, c.Record.Status.Rank(), rank)
			rank = c.Record.Status.Rank()
		case <-time.After(time.Second):
			t.Fatal("missing change")
		}
	}
	assert.Equal(t, StatusEnded.Rank(), rank)
}

func TestEndCallUnknownRecord(t *testing.T) {
	db, _ := openTest(t)
	_, err := db.EndCall(context.Background(), "nope", PartyChild, ReasonHangup)
	assert.ErrorIs(t, err, ErrRecordNotFound)
	_, err = db.AppendICECandidate(context.Background(), "nope", RoleChild, ICECandidate{Candidate: "x"})
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestChangedSinceSkipsStaleRinging(t *testing.T) {
	db, clk := openTest(t)
	ctx := context.Background()
	start := clk.Now()

	old, err := db.CreateCall(ctx, RoleChild, "kid", "mum")
	require.NoError(t, err)
	clk.Advance(2 * time.Minute)
	fresh, err := db.CreateCall(ctx, RoleChild, "kid", "mum")
	require.NoError(t, err)
	_, err = db.CreateCall(ctx, RoleChild, "kid", "dad")
	require.NoError(t, err)

	recs, err := db.ChangedSince(ctx, start, "mum")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, fresh, recs[0].ID)

	rec, err := db.Get(ctx, old)
	require.NoError(t, err)
	assert.True(t, db.IsStale(&rec))

	ringing, err := db.Ringing(ctx, "mum")
	require.NoError(t, err)
	require.Len(t, ringing, 1)
	assert.Equal(t, fresh, ringing[0].ID)

	// The caller is not rung by its own call.
	ringing, err = db.Ringing(ctx, "kid")
	require.NoError(t, err)
	assert.Empty(t, ringing)
}

func TestSchemaDriftIsClassified(t *testing.T) {
	db, _ := openTest(t)
	_, err := db.db.Exec(`ALTER TABLE calls RENAME COLUMN offer_sdp TO offer`)
	require.NoError(t, err)

	id, err := db.CreateCall(context.Background(), RoleChild, "kid", "mum")
	require.NoError(t, err)
	err = db.SetOffer(context.Background(), id, "v=0")
	assert.ErrorIs(t, err, ErrSchema)
}

func TestHubDeliversEachVersionOnce(t *testing.T) {
	h := NewHub()
	all, cancelAll := h.Subscribe(Filter{})
	defer cancelAll()
	mine, cancelMine := h.Subscribe(Filter{PartyID: "kid"})
	defer cancelMine()

	rec := CallRecord{ID: "c1", ChildID: "kid", Version: 2}
	assert.True(t, h.Publish(Change{Op: "update", Record: rec}))
	assert.False(t, h.Publish(Change{Op: "update", Record: rec}))
	rec.Version = 1
	assert.False(t, h.Publish(Change{Op: "update", Record: rec}))
	assert.True(t, h.Publish(Change{Op: "insert", Record: CallRecord{ID: "c2", ChildID: "other", Version: 1}}))

	assert.Len(t, all, 2)
	assert.Len(t, mine, 1)

	h.Close()
	_, ok := <-mine
	assert.True(t, ok) // buffered change still readable
	_, ok = <-mine
	assert.False(t, ok)
}

func TestHubForgetsLongEndedRecords(t *testing.T) {
	clk := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	h := NewHub()
	h.now, h.retain = clk.Now, time.Minute
	start := clk.Now()

	require.True(t, h.Publish(Change{Op: "update", Record: CallRecord{ID: "old", Status: StatusEnded, Version: 3, UpdatedAt: start}}))
	require.True(t, h.Publish(Change{Op: "insert", Record: CallRecord{ID: "live", Status: StatusRinging, Version: 1, UpdatedAt: start}}))

	clk.Advance(2 * time.Minute)
	require.True(t, h.Publish(Change{Op: "insert", Record: CallRecord{ID: "new", Status: StatusRinging, Version: 1, UpdatedAt: clk.Now()}}))

	h.mu.RLock()
	_, hasOld := h.published["old"]
	tracked := len(h.published)
	h.mu.RUnlock()
	assert.False(t, hasOld)
	assert.Equal(t, 2, tracked)
	assert.False(t, h.Publish(Change{Op: "insert", Record: CallRecord{ID: "live", Status: StatusRinging, Version: 1, UpdatedAt: start}}))
}

func TestTailRepublishesForeignWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shared.db")
	a, err := Open(path)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()

	ch, cancel := a.SubscribeAll("mum")
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	go a.Tail(ctx, 20*time.Millisecond)

	id, err := b.CreateCall(context.Background(), RoleChild, "kid", "mum")
	require.NoError(t, err)

	select {
	case c := <-ch:
		assert.Equal(t, id, c.Record.ID)
		assert.Equal(t, "insert", c.Op)
	case <-time.After(2 * time.Second):
		t.Fatal("tail did not republish")
	}
}

func TestFamilyLinks(t *testing.T) {
	db, _ := openTest(t)
	ctx := context.Background()
	require.NoError(t, db.LinkFamily(ctx, "kid", "mum", PartyParent))
	require.NoError(t, db.LinkFamily(ctx, "kid", "gran", PartyFamilyMember))

	tests := []struct {
		name       string
		caller     string
		callerRole Party
		callee     string
		calleeRole Party
		allowed    bool
	}{
		{"child to parent", "kid", PartyChild, "mum", PartyParent, true},
		{"parent to child", "mum", PartyParent, "kid", PartyChild, true},
		{"family member", "gran", PartyFamilyMember, "kid", PartyChild, true},
		{"unlinked", "stranger", PartyParent, "kid", PartyChild, false},
		{"same side", "mum", PartyParent, "gran", PartyFamilyMember, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := db.CanCommunicate(ctx, tt.caller, tt.callerRole, tt.callee, tt.calleeRole)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed, d.Reason)
		})
	}

	require.NoError(t, db.SetBlocked(ctx, "kid", "gran", true))
	d, err := db.CanCommunicate(ctx, "kid", PartyChild, "gran", PartyFamilyMember)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "blocked", d.Reason)
	assert.ErrorIs(t, db.SetBlocked(ctx, "kid", "nobody", true), ErrRecordNotFound)

	require.NoError(t, db.SetDisplayName(ctx, "kid", "Sam"))
	assert.Equal(t, "Sam", db.DisplayName(ctx, "kid"))
	assert.Equal(t, "mum", db.DisplayName(ctx, "mum"))
}
