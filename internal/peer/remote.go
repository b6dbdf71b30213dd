package peer

import (
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// MediaState is the readiness of a remote track.
type MediaState int

const (
	// AwaitingData: the track is negotiated but no packet has arrived.
	AwaitingData MediaState = iota
	// Ready: packets are flowing and the track may be presented.
	Ready
	Ended
)

func (s MediaState) String() string {
	switch s {
	case AwaitingData:
		return "awaiting-data"
	case Ready:
		return "ready"
	case Ended:
		return "ended"
	}
	return "unknown"
}

// RemoteMedia tracks one remote track from negotiation to first data.
// Moving to Ready is driven by the first RTP packet; a video track asks
// the sender for a keyframe at that moment.
type RemoteMedia struct {
	callID string
	id     string
	kind   webrtc.RTPCodecType
	ssrc   webrtc.SSRC
	read   func() (*rtp.Packet, error)
	pli    func(webrtc.SSRC)

	mu      sync.Mutex
	state   MediaState
	packets uint64
	ready   chan struct{}
	ended   chan struct{}
	onReady []func()
	sink    func(*rtp.Packet)
}

func newRemoteMedia(callID string, t *webrtc.TrackRemote, pli func(webrtc.SSRC)) *RemoteMedia {
	return newRemoteMediaFrom(callID, t.ID(), t.Kind(), t.SSRC(), func() (*rtp.Packet, error) {
		p, _, err := t.ReadRTP()
		return p, err
	}, pli)
}

func newRemoteMediaFrom(callID, id string, kind webrtc.RTPCodecType, ssrc webrtc.SSRC,
	read func() (*rtp.Packet, error), pli func(webrtc.SSRC)) *RemoteMedia {
	return &RemoteMedia{
		callID: callID,
		id:     id,
		kind:   kind,
		ssrc:   ssrc,
		read:   read,
		pli:    pli,
		ready:  make(chan struct{}),
		ended:  make(chan struct{}),
	}
}

func (m *RemoteMedia) ID() string                { return m.id }
func (m *RemoteMedia) Kind() webrtc.RTPCodecType { return m.kind }

func (m *RemoteMedia) State() MediaState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Ready is closed when the first packet arrives.
func (m *RemoteMedia) Ready() <-chan struct{} { return m.ready }

// Done is closed when the track ends.
func (m *RemoteMedia) Done() <-chan struct{} { return m.ended }

// Packets returns how many RTP packets were read.
func (m *RemoteMedia) Packets() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.packets
}

// OnReady registers fn to run once data flows; it runs at once if it already does.
func (m *RemoteMedia) OnReady(fn func()) {
	m.mu.Lock()
	if m.state == Ready {
		m.mu.Unlock()
		fn()
		return
	}
	m.onReady = append(m.onReady, fn)
	m.mu.Unlock()
}

// SetSink forwards every packet to fn (a renderer or recorder).
func (m *RemoteMedia) SetSink(fn func(*rtp.Packet)) {
	m.mu.Lock()
	m.sink = fn
	m.mu.Unlock()
}

func (m *RemoteMedia) readLoop() {
	defer m.end()
	for {
		pkt, err := m.read()
		if err != nil {
			return
		}
		m.mu.Lock()
		m.packets++
		first := m.state == AwaitingData
		if first {
			m.state = Ready
		}
		fns := m.onReady
		if first {
			m.onReady = nil
		}
		sink := m.sink
		m.mu.Unlock()

		if first {
			close(m.ready)
			log.Infof("[%s] remote %s ready (ssrc %d, seq %d)", m.callID, m.kind, m.ssrc, pkt.SequenceNumber)
			if m.kind == webrtc.RTPCodecTypeVideo && m.pli != nil {
				m.pli(m.ssrc)
			}
			for _, fn := range fns {
				fn()
			}
		}
		if sink != nil {
			sink(pkt)
		}
	}
}

func (m *RemoteMedia) end() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Ended {
		return
	}
	m.state = Ended
	close(m.ended)
}
