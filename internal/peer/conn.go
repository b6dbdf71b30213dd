package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor/pkg/cc"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/famcall/internal/media"
)

var ErrClosed = errors.New("peer connection closed")

// Conn is the peer connection of one call. It is created per call and
// never reused.
type Conn struct {
	callID string
	opts   Options
	pc     *webrtc.PeerConnection

	mu         sync.Mutex
	remoteSet  bool
	pending    []webrtc.ICECandidateInit
	senders    []*Sender
	remotes    []*RemoteMedia
	state      State
	closed     bool
	bwe        cc.BandwidthEstimator
	estimators <-chan cc.BandwidthEstimator

	handlerMu   sync.RWMutex
	onState     []func(State)
	onCandidate func(webrtc.ICECandidateInit)
	onRemote    []func(*RemoteMedia)
	onStuck     func(webrtc.ICEConnectionState)

	rtcp rtcpStats

	done chan struct{}
}

// New creates the peer connection for callID.
func New(callID string, o Options) (*Conn, error) {
	api, estimators, err := NewAPI(o)
	if err != nil {
		return nil, fmt.Errorf("build api: %w", err)
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: o.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	c := &Conn{
		callID:     callID,
		opts:       o,
		pc:         pc,
		estimators: estimators,
		done:       make(chan struct{}),
	}
	c.setupCallbacks()
	c.watchStuck(webrtc.ICEConnectionStateNew)
	return c, nil
}

func (c *Conn) setupCallbacks() {
	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Infof("[%s] connection state %s", c.callID, s)
		st := fromConnectionState(s)
		if st == StateConnected {
			c.syncSenders()
		}
		c.emitState(st)
	})

	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debugf("[%s] ice state %s (%s)", c.callID, s, fromICEState(s))
		if s == webrtc.ICEConnectionStateNew || s == webrtc.ICEConnectionStateChecking {
			c.watchStuck(s)
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			// End of gathering is local knowledge, never shared.
			log.Debugf("[%s] ice gathering complete", c.callID)
			return
		}
		c.handlerMu.RLock()
		fn := c.onCandidate
		c.handlerMu.RUnlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		rm := newRemoteMedia(c.callID, track, c.requestKeyframe)
		c.mu.Lock()
		c.remotes = append(c.remotes, rm)
		c.mu.Unlock()

		log.Infof("[%s] remote %s track %s awaiting data", c.callID, track.Kind(), track.ID())
		c.handlerMu.RLock()
		fns := append([]func(*RemoteMedia){}, c.onRemote...)
		c.handlerMu.RUnlock()
		for _, fn := range fns {
			fn(rm)
		}
		go rm.readLoop()
	})
}

// watchStuck warns when ICE is still in from after the stuck timeout. It
// only reports; it never closes the connection.
func (c *Conn) watchStuck(from webrtc.ICEConnectionState) {
	if c.opts.StuckTimeout <= 0 {
		return
	}
	go func() {
		t := time.NewTimer(c.opts.StuckTimeout)
		defer t.Stop()
		select {
		case <-c.done:
			return
		case <-t.C:
		}
		s := c.pc.ICEConnectionState()
		if s != from {
			return
		}
		log.Warnf("[%s] ice stuck in %q for %v (signaling %s, gathering %s)",
			c.callID, s, c.opts.StuckTimeout, c.pc.SignalingState(), c.pc.ICEGatheringState())
		c.handlerMu.RLock()
		fn := c.onStuck
		c.handlerMu.RUnlock()
		if fn != nil {
			fn(s)
		}
	}()
}

func (c *Conn) emitState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.handlerMu.RLock()
	fns := append([]func(State){}, c.onState...)
	c.handlerMu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}

// OnState registers a transport state handler.
func (c *Conn) OnState(fn func(State)) {
	c.handlerMu.Lock()
	c.onState = append(c.onState, fn)
	c.handlerMu.Unlock()
}

// OnLocalCandidate sets the handler for locally gathered candidates.
func (c *Conn) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	c.handlerMu.Lock()
	c.onCandidate = fn
	c.handlerMu.Unlock()
}

// OnRemoteMedia registers a handler for each new remote track.
func (c *Conn) OnRemoteMedia(fn func(*RemoteMedia)) {
	c.handlerMu.Lock()
	c.onRemote = append(c.onRemote, fn)
	c.handlerMu.Unlock()
}

// OnStuck sets the diagnostic handler for ICE stuck in new/checking.
func (c *Conn) OnStuck(fn func(webrtc.ICEConnectionState)) {
	c.handlerMu.Lock()
	c.onStuck = fn
	c.handlerMu.Unlock()
}

// State returns the last transport state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AddStream attaches the local tracks. Kinds the stream lacks are added as
// receive-only so remote media still negotiates.
func (c *Conn) AddStream(s *media.Stream) error {
	var haveAudio, haveVideo bool
	if s != nil {
		for _, t := range s.Tracks() {
			if t.Local() == nil {
				continue
			}
			rs, err := c.pc.AddTrack(t.Local())
			if err != nil {
				return fmt.Errorf("add %s track: %w", t.Kind(), err)
			}
			snd := newSender(c.callID, t, rs, &c.rtcp)
			c.mu.Lock()
			c.senders = append(c.senders, snd)
			c.mu.Unlock()
			go snd.readRTCP()

			switch t.Kind() {
			case webrtc.RTPCodecTypeAudio:
				haveAudio = true
			case webrtc.RTPCodecTypeVideo:
				haveVideo = true
			}
		}
	}
	if !haveVideo {
		c.addRecvOnly(webrtc.RTPCodecTypeVideo)
	}
	if !haveAudio {
		c.addRecvOnly(webrtc.RTPCodecTypeAudio)
	}
	return nil
}

// addRecvOnly keeps an m-line for kind so offers and answers always carry
// ICE credentials for it.
func (c *Conn) addRecvOnly(kind webrtc.RTPCodecType) {
	if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Warnf("[%s] add recvonly %s transceiver: %v", c.callID, kind, err)
	}
}

// Senders returns the local track senders.
func (c *Conn) Senders() []*Sender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Sender(nil), c.senders...)
}

// CreateOffer creates and applies the local offer. Candidates trickle
// through OnLocalCandidate.
func (c *Conn) CreateOffer(ctx context.Context) (string, error) {
	if err := c.checkOpen(ctx); err != nil {
		return "", err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

// CreateAnswer creates and applies the local answer. The remote offer must
// already be applied.
func (c *Conn) CreateAnswer(ctx context.Context) (string, error) {
	if err := c.checkOpen(ctx); err != nil {
		return "", err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

// ApplyRemote sets the remote description and drains queued candidates in
// arrival order.
func (c *Conn) ApplyRemote(sdp string, typ webrtc.SDPType) error {
	if err := c.checkOpen(context.Background()); err != nil {
		return err
	}
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote %s: %w", typ, err)
	}

	c.mu.Lock()
	c.remoteSet = true
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, cand := range queued {
		if err := c.pc.AddICECandidate(cand); err != nil {
			log.Warnf("[%s] queued candidate rejected: %v", c.callID, err)
		}
	}
	if len(queued) > 0 {
		log.Debugf("[%s] drained %d queued candidates", c.callID, len(queued))
	}
	return nil
}

// AddRemoteCandidate applies a remote candidate, or queues it until the
// remote description is set.
func (c *Conn) AddRemoteCandidate(cand webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.remoteSet {
		c.pending = append(c.pending, cand)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.pc.AddICECandidate(cand)
}

// Pending returns how many remote candidates wait for a remote description.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// HasRemoteDescription reports whether ApplyRemote succeeded.
func (c *Conn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSet
}

// RemoteMedia returns the remote tracks seen so far.
func (c *Conn) RemoteMedia() []*RemoteMedia {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*RemoteMedia(nil), c.remotes...)
}

func (c *Conn) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// Close tears down the peer connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	remotes := c.remotes
	c.mu.Unlock()

	close(c.done)
	for _, rm := range remotes {
		rm.end()
	}
	err := c.pc.Close()
	log.Infof("[%s] peer connection closed", c.callID)
	return err
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
