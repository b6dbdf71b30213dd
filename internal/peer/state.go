package peer

import "github.com/pion/webrtc/v4"

// State is the transport state the call layer reacts to.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Live reports whether media may be presented as flowing.
func (s State) Live() bool { return s == StateConnected }

// Terminal reports whether the transport cannot recover.
func (s State) Terminal() bool { return s == StateFailed || s == StateClosed }

func fromConnectionState(s webrtc.PeerConnectionState) State {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	}
	return StateNew
}

// fromICEState maps ICE states; "completed" counts as connected.
func fromICEState(s webrtc.ICEConnectionState) State {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return StateConnecting
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return StateConnected
	case webrtc.ICEConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.ICEConnectionStateFailed:
		return StateFailed
	case webrtc.ICEConnectionStateClosed:
		return StateClosed
	}
	return StateNew
}
