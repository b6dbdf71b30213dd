// Package realtime carries call-record changes between agents over
// websocket. The Manager serves row-change feeds from the store hub; the
// Client subscribes to them from another process and reconnects on loss.
//
// Each websocket is a Channel scoped to one call id or one party id:
//
//	GET /realtime/calls/{id}   changes of one call record
//	GET /realtime/party/{id}   changes touching a party (incoming calls)
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/famcall/internal/store"
	"github.com/petervdpas/famcall/internal/util"
)

var log = logging.Logger("realtime")

const (
	pingInterval = 20 * time.Second
	pongWait     = 2 * pingInterval
	writeWait    = 5 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	// Agents connect from other processes and hosts, never from browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Source is where changes come from; *store.Hub satisfies it.
type Source interface {
	Subscribe(f store.Filter) (chan store.Change, func())
}

// Snapshotter returns the current record so a new subscriber starts from
// known state; *store.DB satisfies it.
type Snapshotter interface {
	Get(ctx context.Context, id string) (store.CallRecord, error)
}

// Channel is one connected websocket subscriber.
type Channel struct {
	ID         string `json:"id"`
	Scope      string `json:"scope"` // "call" or "party"
	Key        string `json:"key"`
	RemoteAddr string `json:"remote_addr"`
	CreatedAt  int64  `json:"created_at"`
}

// Manager serves the change feeds.
type Manager struct {
	src  Source
	snap Snapshotter

	mu       sync.RWMutex
	channels map[string]*Channel
	cancels  map[string]func()
	closed   bool
}

// New creates a feed manager. snap may be nil.
func New(src Source, snap Snapshotter) *Manager {
	return &Manager{
		src:      src,
		snap:     snap,
		channels: make(map[string]*Channel),
		cancels:  make(map[string]func()),
	}
}

// Register adds the feed routes to mux.
func (m *Manager) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /realtime/calls/{id}", func(w http.ResponseWriter, r *http.Request) {
		m.serve(w, r, "call", r.PathValue("id"))
	})
	mux.HandleFunc("GET /realtime/party/{id}", func(w http.ResponseWriter, r *http.Request) {
		m.serve(w, r, "party", r.PathValue("id"))
	})
	mux.HandleFunc("GET /realtime/channels", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := writeChannels(w, m.ListChannels()); err != nil {
			log.Debugf("list channels: %v", err)
		}
	})
}

func (m *Manager) serve(w http.ResponseWriter, r *http.Request, scope, key string) {
	key, err := util.ValidatePartyID(key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if m.isClosed() {
		http.Error(w, "feed closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("[%s] websocket upgrade: %v", key, err)
		return
	}
	defer conn.Close()

	f := store.Filter{CallID: key}
	if scope == "party" {
		f = store.Filter{PartyID: key}
	}
	changes, unsubscribe := m.src.Subscribe(f)
	defer unsubscribe()

	ch := &Channel{
		ID:         uuid.NewString(),
		Scope:      scope,
		Key:        key,
		RemoteAddr: r.RemoteAddr,
		CreatedAt:  time.Now().UnixMilli(),
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	m.add(ch, cancel)
	defer m.remove(ch.ID)
	log.Infof("[%s] %s feed connected from %s", key, scope, r.RemoteAddr)

	// Drain reads so pongs and close frames are processed.
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if scope == "call" && m.snap != nil {
		if rec, err := m.snap.Get(ctx, key); err == nil {
			if err := writeChange(conn, store.Change{Op: "snapshot", Record: rec}); err != nil {
				return
			}
		}
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Infof("[%s] %s feed disconnected", key, scope)
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case c, ok := <-changes:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"),
					time.Now().Add(writeWait))
				return
			}
			if err := writeChange(conn, c); err != nil {
				log.Debugf("[%s] write change: %v", key, err)
				return
			}
		}
	}
}

func writeChannels(w http.ResponseWriter, chs []*Channel) error {
	return json.NewEncoder(w).Encode(map[string]any{"channels": chs})
}

func writeChange(conn *websocket.Conn, c store.Change) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(c)
}

func (m *Manager) add(ch *Channel, cancel func()) {
	m.mu.Lock()
	m.channels[ch.ID] = ch
	m.cancels[ch.ID] = cancel
	m.mu.Unlock()
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.channels, id)
	delete(m.cancels, id)
	m.mu.Unlock()
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// ListChannels returns all connected subscribers.
func (m *Manager) ListChannels() []*Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	return out
}

// Close disconnects every subscriber and refuses new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	cancels := make([]func(), 0, len(m.cancels))
	for _, c := range m.cancels {
		cancels = append(cancels, c)
	}
	m.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// Serve runs an HTTP server for the feed on addr until ctx is done.
func (m *Manager) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	m.Register(mux)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Infof("realtime feed listening on %s", addr)

	select {
	case <-ctx.Done():
		m.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("realtime feed: %w", err)
	}
}
