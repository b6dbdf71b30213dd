package quality

import "time"

// Counters is one read of cumulative transport statistics.
type Counters struct {
	At time.Time

	BytesSent     uint64
	BytesReceived uint64

	PacketsSent       uint64
	PacketsReceived   uint64
	PacketsLost       int64 // inbound, as counted locally
	RemotePacketsLost int64 // outbound, as reported by the remote receiver

	// Round-trip time of the nominated candidate pair.
	RTT time.Duration

	// Sender-side bandwidth estimate in bits per second, 0 when unknown.
	AvailableOutgoingBitrate float64
}

// Sample is the derived state of one monitoring tick. It is replaced in
// full every tick.
type Sample struct {
	At            time.Time
	OutboundKbps  float64
	InboundKbps   float64
	LossPct       float64
	RTT           time.Duration
	AvailableKbps float64

	Raw  Tier // classification of this tick alone
	Tier Tier // committed tier after hysteresis
}

// Derive computes a Sample from two consecutive counter reads. Counter
// resets (a renegotiated stream) yield zero deltas rather than negatives.
func Derive(prev, cur Counters) Sample {
	s := Sample{At: cur.At, RTT: cur.RTT}

	dt := cur.At.Sub(prev.At).Seconds()
	if dt > 0 {
		s.OutboundKbps = float64(delta(cur.BytesSent, prev.BytesSent)) * 8 / dt / 1000
		s.InboundKbps = float64(delta(cur.BytesReceived, prev.BytesReceived)) * 8 / dt / 1000
	}

	inLost := float64(max(cur.PacketsLost-prev.PacketsLost, 0))
	inRecv := float64(delta(cur.PacketsReceived, prev.PacketsReceived))
	var inLoss float64
	if inLost+inRecv > 0 {
		inLoss = inLost / (inLost + inRecv) * 100
	}

	outLost := float64(max(cur.RemotePacketsLost-prev.RemotePacketsLost, 0))
	outSent := float64(delta(cur.PacketsSent, prev.PacketsSent))
	var outLoss float64
	if outSent > 0 {
		outLoss = min(outLost/outSent*100, 100)
	}
	s.LossPct = max(inLoss, outLoss)

	if cur.AvailableOutgoingBitrate > 0 {
		s.AvailableKbps = cur.AvailableOutgoingBitrate / 1000
	} else {
		s.AvailableKbps = s.OutboundKbps
	}
	return s
}

func delta(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}
