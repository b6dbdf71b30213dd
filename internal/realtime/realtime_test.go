package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/famcall/internal/store"
)

type fakeSnap struct{ rec store.CallRecord }

func (f fakeSnap) Get(_ context.Context, id string) (store.CallRecord, error) {
	if id != f.rec.ID {
		return store.CallRecord{}, errors.New("not found")
	}
	return f.rec, nil
}

func startFeed(t *testing.T, hub *store.Hub, snap Snapshotter) (*Manager, string) {
	t.Helper()
	m := New(hub, snap)
	mux := http.NewServeMux()
	m.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		m.Close()
		srv.Close()
	})
	return m, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func recv(t *testing.T, ch <-chan store.Change) store.Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change")
	}
	return store.Change{}
}

func waitHealthy(t *testing.T, c *Client, want bool) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Healthy() == want }, 5*time.Second, 10*time.Millisecond)
}

func TestCallFeedStreamsSnapshotThenChanges(t *testing.T) {
	hub := store.NewHub()
	rec := store.CallRecord{ID: "call-1", ChildID: "kid", ParentID: "mum", Status: store.StatusRinging, Version: 1}
	m, url := startFeed(t, hub, fakeSnap{rec: rec})

	c, err := NewClient(url, time.Second)
	require.NoError(t, err)
	defer c.Close()

	ch, cancel := c.Subscribe("call-1")
	defer cancel()

	first := recv(t, ch)
	assert.Equal(t, "snapshot", first.Op)
	assert.Equal(t, store.StatusRinging, first.Record.Status)
	waitHealthy(t, c, true)
	require.Eventually(t, func() bool { return len(m.ListChannels()) == 1 }, 5*time.Second, 10*time.Millisecond)

	rec.Status = store.StatusActive
	rec.Version = 2
	require.True(t, hub.Publish(store.Change{Op: "update", Record: rec}))
	// Other calls are not delivered on this feed.
	hub.Publish(store.Change{Op: "insert", Record: store.CallRecord{ID: "call-2", ChildID: "kid", Version: 1}})

	next := recv(t, ch)
	assert.Equal(t, "update", next.Op)
	assert.Equal(t, store.StatusActive, next.Record.Status)
	assert.Equal(t, int64(2), next.Record.Version)
}

func TestPartyFeedFiltersByParty(t *testing.T) {
	hub := store.NewHub()
	_, url := startFeed(t, hub, nil)

	c, err := NewClient(url, time.Second)
	require.NoError(t, err)
	defer c.Close()

	ch, cancel := c.SubscribeAll("mum")
	defer cancel()
	waitHealthy(t, c, true)

	// The server subscribes to the hub after the upgrade; publish until seen.
	mine := store.CallRecord{ID: "a", ChildID: "kid", ParentID: "mum", Status: store.StatusRinging}
	require.Eventually(t, func() bool {
		mine.Version++
		hub.Publish(store.Change{Op: "insert", Record: store.CallRecord{ID: "b", ChildID: "kid", ParentID: "dad", Version: mine.Version}})
		hub.Publish(store.Change{Op: "insert", Record: mine})
		select {
		case got := <-ch:
			return got.Record.ID == "a"
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClientReportsUnhealthyAndReconnects(t *testing.T) {
	hub := store.NewHub()
	m := New(hub, nil)
	mux := http.NewServeMux()
	m.Register(mux)
	srv := httptest.NewUnstartedServer(mux)
	url := "ws" + strings.TrimPrefix("http://"+srv.Listener.Addr().String(), "http")

	c, err := NewClient(url, 200*time.Millisecond)
	require.NoError(t, err)
	defer c.Close()

	// Not listening yet: connections are refused.
	_, cancel := c.Subscribe("call-9")
	defer cancel()
	assert.False(t, c.Healthy())

	srv.Start()
	defer srv.Close()
	waitHealthy(t, c, true)

	m.Close()
	waitHealthy(t, c, false)
}

func TestNewClientRejectsHTTP(t *testing.T) {
	_, err := NewClient("http://localhost:1", 0)
	assert.Error(t, err)
}

func TestFeedRejectsBadID(t *testing.T) {
	m := New(store.NewHub(), nil)
	mux := http.NewServeMux()
	m.Register(mux)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/realtime/calls/%20", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
