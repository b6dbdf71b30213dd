// Package call is the call state machine. A Manager places and answers
// calls for the local party; each call gets its own Session that owns the
// media hold, the peer connection, the record watcher and the quality
// monitor for exactly that call and is never reused.
//
// The shared call record is the only signaling channel. Termination always
// goes through one path per session, and at most once per call id.
package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/famcall/internal/media"
	"github.com/petervdpas/famcall/internal/quality"
	"github.com/petervdpas/famcall/internal/signaling"
	"github.com/petervdpas/famcall/internal/store"
)

var log = logging.Logger("call")

// Config is the local identity and per-call tuning.
type Config struct {
	SelfID string
	// Party is fixed for the lifetime of the manager; the record side is
	// derived from it once per call.
	Party store.Party

	Constraints media.Constraints
	Signaling   signaling.Options
	Quality     quality.Settings
	InitialTier quality.Tier
	// Retention is how long ended call ids are remembered. Defaults to the
	// store's stale window.
	Retention time.Duration
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Store       Store
	Permissions Permissions
	Media       Media
	// Push may be nil; the watcher then polls at the fast interval.
	Push      signaling.Push
	Dial      Dialer
	Callbacks Callbacks
}

// Manager owns active call sessions for the local party.
type Manager struct {
	cfg  Config
	deps Deps

	mu       sync.RWMutex
	sessions map[string]*Session // key -> session
	executed map[string]time.Time // call ids already torn down
	unwarmed map[string]time.Time // call ids whose ring-time media is unwanted
	quality  quality.Settings
	now      func() time.Time
	swept    time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Manager.
func New(cfg Config, deps Deps) (*Manager, error) {
	if !cfg.Party.Valid() {
		return nil, fmt.Errorf("%w: %q", store.ErrInvalidRole, cfg.Party)
	}
	if deps.Store == nil || deps.Media == nil || deps.Dial == nil {
		return nil, fmt.Errorf("call manager needs a store, media and a dialer")
	}
	if cfg.Quality.Tick <= 0 {
		cfg.Quality = quality.DefaultSettings()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = store.DefaultStaleWindow
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		deps:     deps,
		sessions: make(map[string]*Session),
		executed: make(map[string]time.Time),
		unwarmed: make(map[string]time.Time),
		quality:  cfg.Quality,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Role is the record side this manager writes.
func (m *Manager) Role() store.Role { return m.cfg.Party.Side() }

// StartCall places a call to calleeID. The capability check runs before
// anything else; a refusal leaves no record and touches no device. The
// returned session has its call id assigned and is signaling.
func (m *Manager) StartCall(ctx context.Context, calleeID string, calleeParty store.Party) (*Session, error) {
	if m.busy() {
		return nil, ErrCallInProgress
	}
	if m.deps.Permissions != nil {
		d, err := m.deps.Permissions.CanCommunicate(ctx, m.cfg.SelfID, m.cfg.Party, calleeID, calleeParty)
		if err != nil {
			return nil, fmt.Errorf("capability check: %w", err)
		}
		if !d.Allowed {
			log.Infof("call to %s refused: %s", calleeID, d.Reason)
			m.notifyEnded("", store.ReasonPermissionDenied)
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, d.Reason)
		}
	}

	s := m.newSession(Outgoing, calleeID, "")
	stream, err := s.acquire(ctx, "")
	if err != nil {
		return nil, err
	}

	id, err := m.deps.Store.CreateCall(ctx, m.Role(), m.cfg.SelfID, calleeID)
	if err != nil {
		s.abort(store.ReasonFailed)
		return nil, fmt.Errorf("create call: %w", err)
	}
	if !s.assign(id) {
		// Hung up while the record was being created.
		m.endRecord(ctx, id, store.ReasonHangup)
		s.abort(store.ReasonHangup)
		return nil, ErrCancelled
	}
	log.Infof("[%s] calling %s as %s", id, calleeID, m.cfg.Party)
	s.start(stream)
	return s, nil
}

// Answer accepts a ringing call addressed to the local party. A stream
// already acquired while ringing is reused.
func (m *Manager) Answer(ctx context.Context, callID string) (*Session, error) {
	if s, ok := m.GetSession(callID); ok {
		return s, nil
	}
	if m.busy() {
		return nil, ErrCallInProgress
	}
	rec, err := m.deps.Store.Get(ctx, callID)
	if err != nil {
		return nil, err
	}
	if rec.Status != store.StatusRinging || rec.CalleeRole() != m.Role() || rec.PartyID(m.Role()) != m.cfg.SelfID {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRinging, callID, rec.Status)
	}
	if m.wasExecuted(callID) {
		return nil, fmt.Errorf("%w: %s already ended here", ErrNotRinging, callID)
	}

	s := m.newSession(Incoming, rec.PartyID(rec.CallerType), callID)
	stream, err := s.acquire(ctx, media.PrewarmOwner(callID))
	if err != nil {
		// The record stays ringing so the answer can be retried.
		return nil, err
	}
	// The session holds its own claim; a ring-time hold still in flight
	// lets go as soon as it lands.
	m.ReleasePrewarm(callID)
	log.Infof("[%s] answering %s", callID, s.remoteID)
	s.start(stream)
	return s, nil
}

// Decline ends a ringing call with reason declined through the same path
// as a hangup.
func (m *Manager) Decline(ctx context.Context, callID string) error {
	return m.end(ctx, callID, store.ReasonDeclined)
}

// Timeout ends a call whose ring window expired. The window itself is
// enforced by the caller of this method.
func (m *Manager) Timeout(ctx context.Context, callID string) error {
	return m.end(ctx, callID, store.ReasonTimeout)
}

// Hangup ends callID with reason hangup.
func (m *Manager) Hangup(ctx context.Context, callID string) error {
	return m.end(ctx, callID, store.ReasonHangup)
}

func (m *Manager) end(ctx context.Context, callID string, reason store.EndReason) error {
	if s, ok := m.GetSession(callID); ok {
		return s.end(ctx, reason)
	}
	// No local session: write the end once and tell the presentation layer.
	if !m.markExecuted(callID) {
		return nil
	}
	got := m.endRecord(ctx, callID, reason)
	m.deps.Media.Release(media.PrewarmOwner(callID))
	m.notifyEnded(callID, got)
	return nil
}

// Prewarm acquires local media while callID is still ringing so answering
// does not wait for the device. If the call ends or stops ringing before
// the device answers, the stream is released as soon as it arrives.
func (m *Manager) Prewarm(ctx context.Context, callID string) error {
	if m.prewarmWithdrawn(callID) {
		return ErrCancelled
	}
	owner := media.PrewarmOwner(callID)
	if _, err := m.deps.Media.Acquire(ctx, m.cfg.Constraints, owner); err != nil {
		return err
	}
	if m.prewarmWithdrawn(callID) {
		log.Infof("[%s] stopped ringing while acquiring media; releasing", callID)
		m.deps.Media.Release(owner)
		return ErrCancelled
	}
	return nil
}

// ReleasePrewarm drops a pre-acquired stream that was never used, including
// one whose acquisition is still in flight.
func (m *Manager) ReleasePrewarm(callID string) {
	m.mu.Lock()
	m.unwarmed[callID] = m.now()
	m.sweepLocked()
	m.mu.Unlock()
	m.deps.Media.Release(media.PrewarmOwner(callID))
}

func (m *Manager) prewarmWithdrawn(callID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, done := m.executed[callID]
	_, unwanted := m.unwarmed[callID]
	return done || unwanted
}

// GetSession returns the live session for callID, if any.
func (m *Manager) GetSession(callID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.CallID() == callID && callID != "" {
			return s, true
		}
	}
	return nil, false
}

// Sessions returns every live session.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// UpdateQuality swaps the quality settings for new and running calls.
func (m *Manager) UpdateQuality(s quality.Settings) {
	m.mu.Lock()
	m.quality = s
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()
	for _, sess := range sessions {
		sess.updateQuality(s)
	}
}

func (m *Manager) qualitySettings() quality.Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.quality
}

func (m *Manager) busy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions) > 0
}

func (m *Manager) newSession(dir Direction, remoteID, callID string) *Session {
	s := newSession(m, dir, remoteID, callID, uuid.NewString())
	m.mu.Lock()
	m.sessions[s.key] = s
	m.mu.Unlock()
	return s
}

func (m *Manager) removeSession(key string) {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()
}

// markExecuted records that teardown for callID ran. It returns false if
// it already had.
func (m *Manager) markExecuted(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.executed[callID]; done {
		return false
	}
	m.executed[callID] = m.now()
	m.sweepLocked()
	return true
}

// sweepLocked forgets call ids ended longer ago than the retention window.
// Caller holds m.mu.
func (m *Manager) sweepLocked() {
	now := m.now()
	if now.Sub(m.swept) < m.cfg.Retention {
		return
	}
	m.swept = now
	cutoff := now.Add(-m.cfg.Retention)
	for _, set := range []map[string]time.Time{m.executed, m.unwarmed} {
		for id, at := range set {
			if at.Before(cutoff) {
				delete(set, id)
			}
		}
	}
}

func (m *Manager) wasExecuted(callID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, done := m.executed[callID]
	return done
}

// endRecord writes the terminal status unless the record already carries
// one, and returns the reason the record ends with.
func (m *Manager) endRecord(ctx context.Context, callID string, reason store.EndReason) store.EndReason {
	if rec, err := m.deps.Store.Get(ctx, callID); err == nil && rec.Status == store.StatusEnded {
		return orReason(rec.EndReason, reason)
	}
	ok, err := m.deps.Store.EndCall(ctx, callID, m.cfg.Party, reason)
	if err != nil {
		log.Warnf("[%s] end call: %v", callID, err)
		m.notifyError(callID, err)
		return reason
	}
	if !ok {
		if rec, err := m.deps.Store.Get(ctx, callID); err == nil {
			return orReason(rec.EndReason, reason)
		}
	}
	log.Infof("[%s] ended by %s (%s)", callID, m.cfg.Party, reason)
	return reason
}

func orReason(r, fallback store.EndReason) store.EndReason {
	if r == "" {
		return fallback
	}
	return r
}

func (m *Manager) notifyCallID(callID string) {
	if fn := m.deps.Callbacks.OnCallIDAssigned; fn != nil {
		fn(callID)
	}
}

func (m *Manager) notifyEnded(callID string, reason store.EndReason) {
	if fn := m.deps.Callbacks.OnEnded; fn != nil {
		fn(callID, reason)
	}
}

func (m *Manager) notifyError(callID string, err error) {
	if fn := m.deps.Callbacks.OnError; fn != nil {
		fn(callID, err)
	}
}

// Close hangs up every live session and waits for them to finish.
func (m *Manager) Close() {
	for _, s := range m.Sessions() {
		_ = s.end(context.Background(), store.ReasonHangup)
	}
	m.cancel()
	m.wg.Wait()
}
