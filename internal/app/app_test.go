package app

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/famcall/internal/config"
	"github.com/petervdpas/famcall/internal/media"
	"github.com/petervdpas/famcall/internal/store"
)

type silentDevice struct{}

func (silentDevice) Open(_ context.Context, c media.Constraints) ([]*media.Track, error) {
	return []*media.Track{media.NewTrack("a", webrtc.RTPCodecTypeAudio, nil, func() {})}, nil
}

// gatedDevice holds every Open until release is closed.
type gatedDevice struct {
	entered chan struct{}
	release chan struct{}
	stops   atomic.Int32
}

func newGatedDevice() *gatedDevice {
	return &gatedDevice{entered: make(chan struct{}, 4), release: make(chan struct{})}
}

func (d *gatedDevice) Open(ctx context.Context, c media.Constraints) ([]*media.Track, error) {
	select {
	case d.entered <- struct{}{}:
	default:
	}
	select {
	case <-d.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return []*media.Track{media.NewTrack("a", webrtc.RTPCodecTypeAudio, nil, func() { d.stops.Add(1) })}, nil
}

func (d *gatedDevice) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-d.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("device never asked for media")
	}
}

func startAgent(t *testing.T, id, role string) (*Agent, *httptest.Server) {
	t.Helper()
	return startAgentWith(t, id, role, silentDevice{})
}

func startAgentWith(t *testing.T, id, role string, dev media.Device) (*Agent, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Identity.ID = id
	cfg.Identity.Role = role
	cfg.Identity.DisplayName = "Sam"
	cfg.Notify.PlayerCommand = nil
	require.NoError(t, cfg.Validate())

	a, err := Start(context.Background(), Options{
		Dir:    dir,
		Cfg:    cfg,
		Device: dev,
		Player: func(context.Context, string) error { return nil },
	})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	srv := httptest.NewServer(a.ControlHandler())
	t.Cleanup(srv.Close)
	return a, srv
}

func post(t *testing.T, srv *httptest.Server, path, body string) (*http.Response, string) {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var sb strings.Builder
	_, _ = sb.ReadFrom(resp.Body)
	return resp, sb.String()
}

func TestStartWiresStoreAndIdentity(t *testing.T) {
	a, _ := startAgent(t, "kid", "child")
	assert.Equal(t, store.RoleChild, a.Calls.Role())
	assert.Equal(t, "Sam", a.DB.DisplayName(context.Background(), "kid"))
	assert.FileExists(t, filepath.Clean(a.DB.Path()))
}

func TestStartRejectsBadIdentity(t *testing.T) {
	cfg := config.Default()
	cfg.Identity.ID = ""
	_, err := Start(context.Background(), Options{Dir: t.TempDir(), Cfg: cfg, Device: silentDevice{}})
	assert.Error(t, err)
}

func TestControlRefusesUnlinkedCallee(t *testing.T) {
	_, srv := startAgent(t, "kid", "child")

	resp, body := post(t, srv, "/api/call/start", `{"callee_id":"stranger","callee_role":"family_member"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, body)

	resp, err := http.Get(srv.URL + "/api/call/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out struct {
		Count int `json:"session_count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Zero(t, out.Count)
}

func TestControlValidatesRequests(t *testing.T) {
	_, srv := startAgent(t, "mum", "parent")

	tests := []struct {
		path, body string
		want       int
	}{
		{"/api/call/start", `{"callee_id":"kid"}`, http.StatusBadRequest},
		{"/api/call/answer", `{}`, http.StatusBadRequest},
		{"/api/call/answer", `{"call_id":`, http.StatusBadRequest},
		{"/api/call/answer", `{"call_id":"missing"}`, http.StatusNotFound},
		{"/api/call/toggle-audio", `{"call_id":"missing"}`, http.StatusNotFound},
		{"/api/notify/action", `{"action":"snooze","data":{"call_id":"x"}}`, http.StatusInternalServerError},
		{"/api/ui/foreground", `{"gesture":true}`, http.StatusOK},
		{"/api/ui/background", ``, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, body := post(t, srv, tt.path, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode, body)
		})
	}
}

func TestDeclineThroughControlEndsRecord(t *testing.T) {
	a, srv := startAgent(t, "mum", "parent")
	ctx := context.Background()
	id, err := a.DB.CreateCall(ctx, store.RoleChild, "kid", "mum")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(a.Notifier.Pending()) == 1 }, 5*time.Second, 10*time.Millisecond)

	resp, body := post(t, srv, "/api/call/decline", `{"call_id":"`+id+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)

	rec, err := a.DB.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusEnded, rec.Status)
	assert.Equal(t, store.ReasonDeclined, rec.EndReason)
	assert.Equal(t, store.PartyParent, rec.EndedBy)
}

func TestDeclineDuringRingTimeCaptureFreesDevice(t *testing.T) {
	dev := newGatedDevice()
	a, srv := startAgentWith(t, "mum", "parent", dev)
	ctx := context.Background()
	id, err := a.DB.CreateCall(ctx, store.RoleChild, "kid", "mum")
	require.NoError(t, err)
	dev.waitEntered(t)

	resp, body := post(t, srv, "/api/notify/action", `{"action":"decline","data":{"call_id":"`+id+`"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	close(dev.release)

	require.Eventually(t, func() bool {
		return dev.stops.Load() == 1 && a.Media.Current() == nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, a.Media.Held(media.PrewarmOwner(id)))

	rec, err := a.DB.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusEnded, rec.Status)
	assert.Equal(t, store.ReasonDeclined, rec.EndReason)
}

func TestCallerHangupDuringRingTimeCaptureFreesDevice(t *testing.T) {
	dev := newGatedDevice()
	a, _ := startAgentWith(t, "mum", "parent", dev)
	ctx := context.Background()
	id, err := a.DB.CreateCall(ctx, store.RoleChild, "kid", "mum")
	require.NoError(t, err)
	dev.waitEntered(t)

	_, err = a.DB.EndCall(ctx, id, store.PartyChild, store.ReasonHangup)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(a.Notifier.Pending()) == 0 }, 5*time.Second, 10*time.Millisecond)
	close(dev.release)

	require.Eventually(t, func() bool {
		return dev.stops.Load() == 1 && a.Media.Current() == nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, a.Media.Held(media.PrewarmOwner(id)))
}

func TestRunWaitsForControlAPI(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	cfg := config.Default()
	cfg.Identity.ID = "kid"
	cfg.Identity.Role = "child"
	cfg.Identity.DisplayName = "Sam"
	cfg.Notify.PlayerCommand = nil
	cfg.Control.HTTPAddr = addr
	require.NoError(t, cfg.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- Run(ctx, Options{
			Dir:    t.TempDir(),
			Cfg:    cfg,
			Device: silentDevice{},
			Player: func(context.Context, string) error { return nil },
		})
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/api/call/incoming")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestReloadAppliesQuality(t *testing.T) {
	a, _ := startAgent(t, "kid", "child")
	cfg := a.Cfg
	cfg.Quality.UpgradeTicks = 9
	cfg.Log.Level = "debug"
	assert.NotPanics(t, func() { a.reload(cfg) })
}

func TestNormalizeLocalAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:8791", NormalizeLocalAddr(":8791"))
	assert.Equal(t, "127.0.0.1:8791", NormalizeLocalAddr("0.0.0.0:8791"))
	assert.Equal(t, "localhost:1", NormalizeLocalAddr(" localhost:1 "))
}

func TestServeControlBindsAndShutsDown(t *testing.T) {
	a, _ := startAgent(t, "kid", "child")
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.ServeControl(ctx, addr) }()
	require.NoError(t, WaitTCP(addr, 5*time.Second))

	resp, err := http.Get("http://" + addr + "/api/call/incoming")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("control api did not shut down")
	}
}

func TestLinkFamilyAllowsCall(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	ctx := context.Background()
	require.NoError(t, LinkFamily(ctx, dir, cfg, "kid", "gran", store.PartyFamilyMember))

	db, err := store.Open(filepath.Join(dir, cfg.Store.Path))
	require.NoError(t, err)
	defer db.Close()
	d, err := db.CanCommunicate(ctx, "kid", store.PartyChild, "gran", store.PartyFamilyMember)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRunFeedNeedsListenAddr(t *testing.T) {
	err := RunFeed(context.Background(), t.TempDir(), config.Default())
	assert.ErrorContains(t, err, "listen_addr")
}

func TestLogTailKeepsRecentLines(t *testing.T) {
	lt := NewLogTail(2)
	ch, cancel := lt.Subscribe()
	defer cancel()

	lt.consume(strings.NewReader("one\n\n  \ntwo\r\nthree\n"))

	snap := lt.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "two", snap[0].Msg)
	assert.Equal(t, "three", snap[1].Msg)
	assert.Equal(t, "one", (<-ch).Msg)
}

func TestControlServesLogs(t *testing.T) {
	_, srv := startAgent(t, "kid", "child")
	log.Infof("marker line for the log tail")

	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/api/logs")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var lines []LogLine
		if json.NewDecoder(resp.Body).Decode(&lines) != nil {
			return false
		}
		for _, l := range lines {
			if strings.Contains(l.Msg, "marker line") {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}
