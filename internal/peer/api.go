// Package peer owns the Pion peer connection of one call: local tracks,
// offer/answer, trickled candidates, transport state, statistics and
// remote media readiness.
package peer

import (
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/cc"
	"github.com/pion/interceptor/pkg/gcc"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/famcall/internal/config"
	"github.com/petervdpas/famcall/internal/media"
)

var log = logging.Logger("peer")

// Options configure the Pion API and the peer connection built from it.
type Options struct {
	ICEServers []webrtc.ICEServer

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// ICE sitting in new/checking for this long is reported as stuck.
	StuckTimeout time.Duration

	// Codecs registers the capture encoders' codecs; nil registers Pion's defaults.
	Codecs media.CodecPopulator

	// Loopback allows 127.0.0.1 host candidates (tests and same-host agents).
	Loopback bool

	// InitialBitrate seeds the send-side bandwidth estimator (bps).
	InitialBitrate int
}

func DefaultOptions() Options {
	return Options{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		DisconnectedTimeout: 30 * time.Second,
		FailedTimeout:       120 * time.Second,
		KeepAliveInterval:   2 * time.Second,
		StuckTimeout:        30 * time.Second,
		InitialBitrate:      1_000_000,
	}
}

// OptionsFromConfig converts the ice config section.
func OptionsFromConfig(c config.ICE) Options {
	o := DefaultOptions()
	o.ICEServers = nil
	if len(c.STUNURLs) > 0 {
		o.ICEServers = append(o.ICEServers, webrtc.ICEServer{URLs: c.STUNURLs})
	}
	for _, t := range c.TURN {
		o.ICEServers = append(o.ICEServers, webrtc.ICEServer{
			URLs:       t.URLs,
			Username:   t.Username,
			Credential: t.Credential,
		})
	}
	o.DisconnectedTimeout = time.Duration(c.DisconnectedTimeoutSec) * time.Second
	o.FailedTimeout = time.Duration(c.FailedTimeoutSec) * time.Second
	o.KeepAliveInterval = time.Duration(c.KeepAliveIntervalSec) * time.Second
	o.StuckTimeout = time.Duration(c.StuckTimeoutSec) * time.Second
	return o
}

// NewAPI builds a Pion API with the default interceptors plus a send-side
// congestion controller. The estimator for the peer connection created from
// this API is delivered on the returned channel.
func NewAPI(o Options) (*webrtc.API, <-chan cc.BandwidthEstimator, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if o.Codecs != nil {
		if err := o.Codecs.PopulateCodecs(mediaEngine); err != nil {
			return nil, nil, err
		}
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}

	interceptorRegistry := &interceptor.Registry{}

	initial := o.InitialBitrate
	if initial <= 0 {
		initial = 1_000_000
	}
	congestion, err := cc.NewInterceptor(func() (cc.BandwidthEstimator, error) {
		return gcc.NewSendSideBWE(gcc.SendSideBWEInitialBitrate(initial))
	})
	if err != nil {
		return nil, nil, err
	}
	estimators := make(chan cc.BandwidthEstimator, 1)
	congestion.OnNewPeerConnection(func(_ string, e cc.BandwidthEstimator) {
		select {
		case estimators <- e:
		default:
		}
	})
	interceptorRegistry.Add(congestion)
	if err := webrtc.ConfigureTWCCHeaderExtensionSender(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	// Generous ICE timeouts so a brief NAT or relay hiccup does not end the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(o.DisconnectedTimeout, o.FailedTimeout, o.KeepAliveInterval)
	if o.Loopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	return api, estimators, nil
}
