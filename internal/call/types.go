package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/famcall/internal/media"
	"github.com/petervdpas/famcall/internal/peer"
	"github.com/petervdpas/famcall/internal/quality"
	"github.com/petervdpas/famcall/internal/store"
)

// State is the lifecycle of one call as seen by this process.
type State int

const (
	StateIdle State = iota
	StateRequestingMedia
	StateSignaling
	StateConnecting
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestingMedia:
		return "requesting-media"
	case StateSignaling:
		return "signaling"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// Direction tells whether this process placed or answered the call.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

// Callbacks are how the presentation layer follows a call. Any may be nil.
// They run on the session goroutine and must not block.
type Callbacks struct {
	OnCallIDAssigned func(callID string)
	OnConnecting     func(callID string)
	OnActive         func(callID string)
	OnEnded          func(callID string, reason store.EndReason)
	// OnError reports errors that need a distinct user message (schema
	// drift, lost records) without ending the call.
	OnError func(callID string, err error)
}

// Store is the call record surface the manager writes through.
type Store interface {
	CreateCall(ctx context.Context, callerRole store.Role, callerID, calleeID string) (string, error)
	SetOffer(ctx context.Context, id, sdp string) error
	SetAnswer(ctx context.Context, id, sdp string) error
	Activate(ctx context.Context, id string) (bool, error)
	AppendICECandidate(ctx context.Context, id string, role store.Role, cand store.ICECandidate) (bool, error)
	EndCall(ctx context.Context, id string, by store.Party, reason store.EndReason) (bool, error)
	Get(ctx context.Context, id string) (store.CallRecord, error)
}

// Permissions is the capability check consulted before placing a call.
type Permissions interface {
	CanCommunicate(ctx context.Context, callerID string, callerRole store.Party, calleeID string, calleeRole store.Party) (store.Decision, error)
}

// Media is the local capture lock; *media.Acquirer implements it.
type Media interface {
	Acquire(ctx context.Context, c media.Constraints, owner string) (*media.Stream, error)
	Release(owner string)
	Transfer(from, to string) bool
	Held(owner string) bool
}

// Transport is the peer connection of one call; *peer.Conn implements it.
type Transport interface {
	AddStream(s *media.Stream) error
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context) (string, error)
	ApplyRemote(sdp string, typ webrtc.SDPType) error
	AddRemoteCandidate(c webrtc.ICECandidateInit) error
	OnLocalCandidate(fn func(webrtc.ICECandidateInit))
	OnState(fn func(peer.State))
	SetAudioEnabled(on bool)
	SetVideoEnabled(on bool)
	Close() error

	quality.StatsSource
	quality.Applier
}

// Dialer creates the transport for a call.
type Dialer func(callID string) (Transport, error)

// PeerDialer returns a Dialer building Pion connections with o.
func PeerDialer(o peer.Options) Dialer {
	return func(callID string) (Transport, error) {
		c, err := peer.New(callID, o)
		if err != nil {
			return nil, err
		}
		c.OnStuck(func(s webrtc.ICEConnectionState) {
			log.Warnf("[%s] transport still %s; waiting for hangup or failure", callID, s)
		})
		return c, nil
	}
}

func toStoreCandidate(c webrtc.ICECandidateInit) store.ICECandidate {
	return store.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func toPeerCandidate(c store.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
