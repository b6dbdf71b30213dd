package peer

import (
	"context"
	"time"

	"github.com/pion/interceptor/pkg/cc"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/famcall/internal/quality"
)

// Counters implements quality.StatsSource from the Pion stats report.
// RTT comes from the nominated candidate pair, then remote-inbound stats,
// then the RTCP receiver reports read on the senders.
func (c *Conn) Counters(ctx context.Context) (quality.Counters, error) {
	if err := c.checkOpen(ctx); err != nil {
		return quality.Counters{}, err
	}
	out := countersFromReport(c.pc.GetStats(), time.Now())

	if out.RTT == 0 {
		out.RTT = c.rtcp.rtt()
	}
	if out.RemotePacketsLost == 0 {
		out.RemotePacketsLost = c.rtcp.cumLost.Load()
	}
	if out.AvailableOutgoingBitrate == 0 {
		if bwe := c.estimator(); bwe != nil {
			out.AvailableOutgoingBitrate = float64(bwe.GetTargetBitrate())
		}
	}
	return out, nil
}

func countersFromReport(report webrtc.StatsReport, now time.Time) quality.Counters {
	out := quality.Counters{At: now}
	var remoteRTT float64
	for _, s := range report {
		switch st := s.(type) {
		case webrtc.OutboundRTPStreamStats:
			out.BytesSent += st.BytesSent
			out.PacketsSent += uint64(st.PacketsSent)
		case webrtc.InboundRTPStreamStats:
			out.BytesReceived += st.BytesReceived
			out.PacketsReceived += uint64(st.PacketsReceived)
			out.PacketsLost += int64(st.PacketsLost)
		case webrtc.RemoteInboundRTPStreamStats:
			out.RemotePacketsLost += int64(st.PacketsLost)
			if st.RoundTripTime > remoteRTT {
				remoteRTT = st.RoundTripTime
			}
		case webrtc.ICECandidatePairStats:
			if !st.Nominated || st.State != webrtc.StatsICECandidatePairStateSucceeded {
				continue
			}
			if st.CurrentRoundTripTime > 0 {
				out.RTT = seconds(st.CurrentRoundTripTime)
			}
			if st.AvailableOutgoingBitrate > 0 {
				out.AvailableOutgoingBitrate = st.AvailableOutgoingBitrate
			}
		}
	}
	if out.RTT == 0 && remoteRTT > 0 {
		out.RTT = seconds(remoteRTT)
	}
	return out
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}

// estimator returns the congestion controller's estimator once the
// interceptor has been bound.
func (c *Conn) estimator() cc.BandwidthEstimator {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bwe == nil {
		select {
		case e := <-c.estimators:
			c.bwe = e
		default:
		}
	}
	return c.bwe
}
