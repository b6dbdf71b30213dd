package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/famcall/internal/media"
	"github.com/petervdpas/famcall/internal/peer"
	"github.com/petervdpas/famcall/internal/quality"
	"github.com/petervdpas/famcall/internal/signaling"
	"github.com/petervdpas/famcall/internal/store"
	"github.com/petervdpas/famcall/internal/util"
)

// Session is one call. Everything after media acquisition runs on a single
// goroutine (run), so record events, transport state changes and hangups
// are handled one at a time in arrival order.
type Session struct {
	m        *Manager
	key      string
	dir      Direction
	role     store.Role
	remoteID string
	owner    string

	ctx    context.Context
	cancel context.CancelFunc
	events chan any
	done   chan struct{}
	once   sync.Once

	mu           sync.Mutex
	callID       string
	state        State
	reason       store.EndReason
	cancelled    bool
	cancelReason store.EndReason
	audioOn      bool
	videoOn      bool
	tr           Transport
	monitor      *quality.Monitor

	// Owned by run.
	stream    *media.Stream
	remoteSet bool
}

type hangupEvent struct{ reason store.EndReason }
type stateEvent struct{ state peer.State }
type candidateEvent struct{ c webrtc.ICECandidateInit }

func newSession(m *Manager, dir Direction, remoteID, callID, key string) *Session {
	ctx, cancel := context.WithCancel(m.ctx)
	return &Session{
		m:        m,
		key:      key,
		dir:      dir,
		role:     m.cfg.Party.Side(),
		remoteID: remoteID,
		owner:    "call:" + key,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan any, 64),
		done:     make(chan struct{}),
		callID:   callID,
		audioOn:  true,
		videoOn:  true,
	}
}

func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason is the end reason once the session is ended.
func (s *Session) Reason() store.EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) Direction() Direction { return s.dir }
func (s *Session) Role() store.Role     { return s.role }
func (s *Session) RemoteID() string     { return s.remoteID }

// Done is closed when the session has ended and released everything.
func (s *Session) Done() <-chan struct{} { return s.done }

// Tier returns the committed quality tier while the call is active.
func (s *Session) Tier() (quality.Tier, bool) {
	s.mu.Lock()
	mon := s.monitor
	s.mu.Unlock()
	if mon == nil {
		return 0, false
	}
	return mon.Tier(), true
}

// Samples returns the quality history of an active call.
func (s *Session) Samples() []quality.Sample {
	s.mu.Lock()
	mon := s.monitor
	s.mu.Unlock()
	if mon == nil {
		return nil
	}
	return mon.History()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	id := s.callID
	s.mu.Unlock()
	if prev != st {
		log.Debugf("[%s] %s -> %s", id, prev, st)
	}
}

// acquire moves to requesting-media and obtains the local stream. If the
// call was hung up or declined meanwhile, the stream is dropped and
// ErrCancelled returned.
func (s *Session) acquire(ctx context.Context, prewarm string) (*media.Stream, error) {
	s.setState(StateRequestingMedia)
	if id := s.CallID(); id != "" {
		s.m.notifyCallID(id)
	}

	md := s.m.deps.Media
	if prewarm != "" && md.Held(prewarm) && md.Transfer(prewarm, s.owner) {
		log.Debugf("[%s] reusing media acquired while ringing", s.CallID())
	}
	stream, err := md.Acquire(ctx, s.m.cfg.Constraints, s.owner)
	if err != nil {
		log.Warnf("[%s] media: %v", s.CallID(), err)
		s.abort(endReasonFor(err))
		return nil, fmt.Errorf("acquire media: %w", err)
	}

	s.mu.Lock()
	if s.cancelled {
		reason := s.cancelReason
		s.mu.Unlock()
		log.Infof("[%s] %s while acquiring media; discarding stream", s.CallID(), reason)
		s.abort(reason)
		return nil, ErrCancelled
	}
	s.state = StateSignaling
	s.mu.Unlock()
	return stream, nil
}

// assign sets the call id of an outgoing session once its record exists.
func (s *Session) assign(id string) bool {
	s.mu.Lock()
	if s.cancelled || s.state == StateEnded {
		s.mu.Unlock()
		return false
	}
	s.callID = id
	s.mu.Unlock()
	s.m.notifyCallID(id)
	return true
}

// start hands the session to its goroutine.
func (s *Session) start(stream *media.Stream) {
	s.stream = stream
	s.m.wg.Add(1)
	go s.run()
}

// abort ends a session that never reached signaling. It never writes the
// record.
func (s *Session) abort(reason store.EndReason) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = StateEnded
	s.reason = reason
	id := s.callID
	s.mu.Unlock()

	s.m.deps.Media.Release(s.owner)
	s.cancel()
	s.m.removeSession(s.key)
	s.once.Do(func() { close(s.done) })
	log.Infof("[%s] call ended before signaling (%s)", id, reason)
	s.m.notifyEnded(id, reason)
}

// end requests termination with reason. Before the session goroutine
// exists this only raises the cancellation flag (and, for an answer in
// progress, writes the end so the caller sees it at once).
func (s *Session) end(ctx context.Context, reason store.EndReason) error {
	s.mu.Lock()
	switch s.state {
	case StateEnded:
		s.mu.Unlock()
		return nil
	case StateIdle, StateRequestingMedia:
		s.cancelled = true
		s.cancelReason = reason
		id := s.callID
		s.mu.Unlock()
		if id != "" && s.m.markExecuted(id) {
			s.m.endRecord(ctx, id, reason)
		}
		return nil
	}
	s.mu.Unlock()

	select {
	case s.events <- hangupEvent{reason: reason}:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Hangup ends the call locally and in the record.
func (s *Session) Hangup(ctx context.Context) error {
	return s.end(ctx, store.ReasonHangup)
}

// ToggleAudio flips local audio on/off. Returns the new muted state (true = muted).
func (s *Session) ToggleAudio() bool {
	s.mu.Lock()
	s.audioOn = !s.audioOn
	on := s.audioOn
	tr := s.tr
	id := s.callID
	s.mu.Unlock()
	if tr != nil {
		tr.SetAudioEnabled(on)
	}
	log.Infof("[%s] audio muted=%v", id, !on)
	return !on
}

// ToggleVideo flips local video on/off. Returns the new disabled state (true = disabled).
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	s.videoOn = !s.videoOn
	on := s.videoOn
	tr := s.tr
	id := s.callID
	s.mu.Unlock()
	if tr != nil {
		tr.SetVideoEnabled(on)
	}
	log.Infof("[%s] video disabled=%v", id, !on)
	return !on
}

func (s *Session) updateQuality(q quality.Settings) {
	s.mu.Lock()
	mon := s.monitor
	s.mu.Unlock()
	if mon != nil {
		mon.UpdateSettings(s.ctx, q)
	}
}

// post queues an event for run; dropped once teardown has started.
func (s *Session) post(ev any) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	case <-s.done:
	}
}

func (s *Session) run() {
	defer s.m.wg.Done()

	watch, err := s.begin()
	if err != nil {
		log.Errorf("[%s] setup: %v", s.callID, err)
		s.terminate(store.ReasonFailed, true)
		return
	}

	for {
		select {
		case <-s.ctx.Done():
			s.terminate(store.ReasonHangup, true)
		case ev := <-s.events:
			switch ev := ev.(type) {
			case hangupEvent:
				s.terminate(ev.reason, true)
			case stateEvent:
				s.onTransport(ev.state)
			case candidateEvent:
				s.onLocalCandidate(ev.c)
			}
		case ev, ok := <-watch:
			if !ok {
				watch = nil
				continue
			}
			s.onSignal(ev)
		}
		if s.State() == StateEnded {
			return
		}
	}
}

// begin builds the transport, publishes the offer when calling, and starts
// watching the record.
func (s *Session) begin() (<-chan signaling.Event, error) {
	tr, err := s.m.deps.Dial(s.callID)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	s.mu.Lock()
	s.tr = tr
	audioOn, videoOn := s.audioOn, s.videoOn
	s.mu.Unlock()

	tr.OnLocalCandidate(func(c webrtc.ICECandidateInit) { s.post(candidateEvent{c}) })
	tr.OnState(func(st peer.State) { s.post(stateEvent{st}) })
	if err := tr.AddStream(s.stream); err != nil {
		return nil, err
	}
	tr.SetAudioEnabled(audioOn)
	tr.SetVideoEnabled(videoOn)

	if s.dir == Outgoing {
		offer, err := tr.CreateOffer(s.ctx)
		if err != nil {
			return nil, err
		}
		if err := s.m.deps.Store.SetOffer(s.ctx, s.callID, offer); err != nil {
			return nil, fmt.Errorf("publish offer: %w", err)
		}
		log.Infof("[%s] offer published", s.callID)
	}

	w := signaling.NewWatcher(s.callID, s.role, s.m.deps.Store, s.m.deps.Push, s.m.cfg.Signaling)
	go w.Run(s.ctx)
	return w.Events(), nil
}

func (s *Session) onSignal(ev signaling.Event) {
	if ev.Err != nil {
		log.Errorf("[%s] signaling: %v", s.callID, ev.Err)
		s.m.notifyError(s.callID, ev.Err)
		return
	}
	if ev.Status == store.StatusEnded {
		reason := orReason(ev.Record.EndReason, store.ReasonHangup)
		log.Infof("[%s] ended by %s (%s)", s.callID, ev.Record.EndedBy, reason)
		s.terminate(reason, false)
		return
	}

	switch {
	case s.dir == Incoming && ev.Offer != "" && !s.remoteSet:
		if err := s.answer(ev.Offer); err != nil {
			s.fail("answer", err)
			return
		}
	case s.dir == Outgoing && ev.Answer != "" && !s.remoteSet:
		if err := s.tr.ApplyRemote(ev.Answer, webrtc.SDPTypeAnswer); err != nil {
			s.fail("apply answer", err)
			return
		}
		s.remoteSet = true
		s.connecting()
	}

	for _, c := range ev.Candidates {
		if err := s.tr.AddRemoteCandidate(toPeerCandidate(c)); err != nil {
			log.Debugf("[%s] remote candidate: %v", s.callID, err)
		}
	}
}

func (s *Session) answer(offer string) error {
	if err := s.tr.ApplyRemote(offer, webrtc.SDPTypeOffer); err != nil {
		return err
	}
	s.remoteSet = true
	sdp, err := s.tr.CreateAnswer(s.ctx)
	if err != nil {
		return err
	}
	if err := s.m.deps.Store.SetAnswer(s.ctx, s.callID, sdp); err != nil {
		return err
	}
	if _, err := s.m.deps.Store.Activate(s.ctx, s.callID); err != nil {
		return err
	}
	log.Infof("[%s] answer published", s.callID)
	s.connecting()
	return nil
}

// fail ends the call after a signaling step failed. A record that ended
// underneath us is not written again.
func (s *Session) fail(step string, err error) {
	if errors.Is(err, store.ErrAlreadyEnded) {
		log.Infof("[%s] %s: record already ended", s.callID, step)
		s.terminate(store.ReasonHangup, true)
		return
	}
	log.Errorf("[%s] %s: %v", s.callID, step, err)
	if Classify(err) == ClassSignaling {
		s.m.notifyError(s.callID, err)
	}
	s.terminate(store.ReasonFailed, true)
}

func (s *Session) connecting() {
	s.setState(StateConnecting)
	if fn := s.m.deps.Callbacks.OnConnecting; fn != nil {
		fn(s.callID)
	}
}

// onTransport reacts to peer connection state. Only the transport may move
// the call to active.
func (s *Session) onTransport(st peer.State) {
	switch st {
	case peer.StateConnected:
		if s.State() != StateConnecting {
			return
		}
		s.setState(StateActive)
		log.Infof("[%s] media flowing", s.callID)
		s.startMonitor()
		if fn := s.m.deps.Callbacks.OnActive; fn != nil {
			fn(s.callID)
		}
	case peer.StateDisconnected:
		log.Warnf("[%s] transport disconnected; waiting for it to recover or fail", s.callID)
	case peer.StateFailed, peer.StateClosed:
		log.Warnf("[%s] transport %s", s.callID, st)
		s.terminate(store.ReasonFailed, true)
	}
}

func (s *Session) onLocalCandidate(c webrtc.ICECandidateInit) {
	if s.State() == StateEnded {
		return
	}
	_, err := s.m.deps.Store.AppendICECandidate(s.ctx, s.callID, s.role, toStoreCandidate(c))
	switch {
	case err == nil:
	case errors.Is(err, store.ErrAlreadyEnded):
		log.Debugf("[%s] candidate after end dropped", s.callID)
	case errors.Is(err, store.ErrSchema):
		log.Errorf("[%s] append candidate: %v", s.callID, err)
		s.m.notifyError(s.callID, err)
	default:
		log.Warnf("[%s] append candidate: %v", s.callID, err)
	}
}

func (s *Session) startMonitor() {
	s.mu.Lock()
	tr := s.tr
	s.mu.Unlock()
	mon := quality.NewMonitor(s.callID, tr, tr, s.m.qualitySettings(), s.m.cfg.InitialTier)
	s.mu.Lock()
	s.monitor = mon
	s.mu.Unlock()
	go mon.Run(s.ctx)
}

// terminate is the single teardown path of a running session. write asks
// for the end to be recorded; it is skipped when this process already ended
// the call or the record already says ended.
func (s *Session) terminate(reason store.EndReason, write bool) {
	if s.State() == StateEnded {
		return
	}
	if s.m.markExecuted(s.callID) && write {
		ctx, cancel := context.WithTimeout(context.Background(), util.DefaultStoreTimeout)
		reason = s.m.endRecord(ctx, s.callID, reason)
		cancel()
	}

	s.cancel()
	s.mu.Lock()
	tr := s.tr
	s.state = StateEnded
	s.reason = reason
	s.mu.Unlock()

	if tr != nil {
		if err := tr.Close(); err != nil {
			log.Debugf("[%s] close transport: %v", s.callID, err)
		}
	}
	s.m.deps.Media.Release(s.owner)
	s.m.removeSession(s.key)
	s.once.Do(func() { close(s.done) })
	log.Infof("[%s] call ended (%s)", s.callID, reason)
	s.m.notifyEnded(s.callID, reason)
}
