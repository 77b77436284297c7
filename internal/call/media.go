package call

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// ProviderKind tags which audio path a session ended up with.
type ProviderKind int

const (
	ProviderNative   ProviderKind = iota // microphone capture via pion/mediadevices
	ProviderRecvOnly                     // no usable capture device; receive-only
	ProviderNoop                         // capture disabled by configuration
)

func (k ProviderKind) String() string {
	switch k {
	case ProviderNative:
		return "native"
	case ProviderRecvOnly:
		return "recvonly"
	default:
		return "noop"
	}
}

// MediaProvider attaches local audio to a peer connection. A provider is
// explicitly constructed, owned by exactly one session, started once and
// stopped once; Stop releases the capture device.
type MediaProvider interface {
	Kind() ProviderKind
	// Start acquires media and attaches it to pc. An acquisition failure
	// (permission denied, device busy) is fatal for the call attempt.
	Start(pc PeerConn) error
	// SetMuted flips the local audio flow and returns the effective muted
	// state. Before Start, or with no local audio, it returns false.
	SetMuted(muted bool) bool
	// Active reports whether local audio capture is running.
	Active() bool
	Stop()

	// configure registers the provider's codecs on the media engine.
	// Runs before the peer connection exists.
	configure(engine *webrtc.MediaEngine) error
}

// MediaConstraints are capability requests, not hard requirements — a
// capture backend that cannot honor one ignores it.
type MediaConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// ICEConfig controls the peer connection's ICE behavior. STUN only: no
// TURN relay is configured by default, so symmetric-NAT pairs may never
// connect. The URL list is configurable, so a deployment can add TURN
// without a code change.
type ICEConfig struct {
	STUNServers         []string
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

// SelectProvider probes local capture capability and picks the provider
// variant. Pure selection — no device is opened here; Start does the
// real acquisition. disabled forces the noop variant.
func SelectProvider(disabled bool, cons MediaConstraints) MediaProvider {
	if disabled {
		return &noopProvider{}
	}
	if p := probeNative(cons); p != nil {
		return p
	}
	return &recvOnlyProvider{}
}

// NewPeerFactory returns the production peer-connection factory: each
// invocation selects a media provider of its own and builds a pion
// peer connection configured for it.
func NewPeerFactory(ice ICEConfig, cons MediaConstraints, disableCapture bool) func() (PeerConn, MediaProvider, error) {
	return func() (PeerConn, MediaProvider, error) {
		provider := SelectProvider(disableCapture, cons)
		pc, err := newPeerConnection(ice, provider)
		if err != nil {
			return nil, nil, err
		}
		return pc, provider, nil
	}
}

func newPeerConnection(ice ICEConfig, provider MediaProvider) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := provider.configure(mediaEngine); err != nil {
		return nil, fmt.Errorf("call: configure media engine: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("call: register interceptors: %w", err)
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not
	// immediately terminate the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(ice.DisconnectedTimeout, ice.FailedTimeout, ice.KeepAliveInterval)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: ice.STUNServers},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("call: new peer connection: %w", err)
	}
	return pc, nil
}

// recvOnlyProvider is the fallback when no capture device exists: the
// call can still receive remote audio. The recvonly transceiver keeps the
// SDP valid — CreateOffer/CreateAnswer need an audio m-line with ICE
// credentials even without a local track.
type recvOnlyProvider struct {
	started bool
}

func (p *recvOnlyProvider) Kind() ProviderKind { return ProviderRecvOnly }

func (p *recvOnlyProvider) configure(engine *webrtc.MediaEngine) error {
	return engine.RegisterDefaultCodecs()
}

func (p *recvOnlyProvider) Start(pc PeerConn) error {
	_, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("call: add recvonly transceiver: %w", err)
	}
	p.started = true
	return nil
}

func (p *recvOnlyProvider) SetMuted(bool) bool { return false }
func (p *recvOnlyProvider) Active() bool       { return false }
func (p *recvOnlyProvider) Stop()              {}

// noopProvider is selected when capture is disabled by configuration.
// Behaves like recvOnly on the wire but reports its own kind so the
// embedding application can tell "no device" from "turned off".
type noopProvider struct {
	recvOnlyProvider
}

func (p *noopProvider) Kind() ProviderKind { return ProviderNoop }
