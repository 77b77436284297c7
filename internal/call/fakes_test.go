package call

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
)

// fakePeer is an in-memory PeerConn that records every call made
// against it. Negotiation produces placeholder SDP.
type fakePeer struct {
	mu sync.Mutex

	local  *webrtc.SessionDescription
	remote *webrtc.SessionDescription

	offers         int
	answers        int
	setRemotes     int
	added          []webrtc.ICECandidateInit
	addErr         map[string]error // candidate text → error
	createOfferErr error
	closed         bool

	onICE   func(*webrtc.ICECandidate)
	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onState func(webrtc.PeerConnectionState)
}

var _ PeerConn = (*fakePeer)(nil)

func (p *fakePeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createOfferErr != nil {
		return webrtc.SessionDescription{}, p.createOfferErr
	}
	p.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake-offer"}, nil
}

func (p *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fake-answer"}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &desc
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &desc
	p.setRemotes++
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.addErr[c.Candidate]; err != nil {
		return err
	}
	p.added = append(p.added, c)
	return nil
}

func (p *fakePeer) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePeer) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return nil, nil
}

func (p *fakePeer) AddTransceiverFromKind(webrtc.RTPCodecType, ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error) {
	return nil, nil
}

func (p *fakePeer) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.mu.Lock()
	p.onICE = f
	p.mu.Unlock()
}

func (p *fakePeer) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	p.mu.Lock()
	p.onTrack = f
	p.mu.Unlock()
}

func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = f
	p.mu.Unlock()
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// fireState simulates a pion connection state callback.
func (p *fakePeer) fireState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	f := p.onState
	p.mu.Unlock()
	if f != nil {
		f(state)
	}
}

func (p *fakePeer) addedCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(p.added))
	copy(out, p.added)
	return out
}

func (p *fakePeer) offerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers
}

func (p *fakePeer) answerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.answers
}

func (p *fakePeer) setRemoteCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setRemotes
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// fakeMedia is a MediaProvider that tracks lifecycle calls.
type fakeMedia struct {
	mu       sync.Mutex
	startErr error
	started  bool
	stopped  bool
	muted    bool
}

var _ MediaProvider = (*fakeMedia)(nil)

func (m *fakeMedia) Kind() ProviderKind { return ProviderNoop }

func (m *fakeMedia) Start(PeerConn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.started = true
	return nil
}

func (m *fakeMedia) SetMuted(muted bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muted = muted
	return muted
}

func (m *fakeMedia) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started && !m.stopped
}

func (m *fakeMedia) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *fakeMedia) isStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *fakeMedia) configure(*webrtc.MediaEngine) error { return nil }

// fakeRecords collects status writes per call ID.
type fakeRecords struct {
	mu       sync.Mutex
	statuses map[string][]string
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{statuses: make(map[string][]string)}
}

func (r *fakeRecords) UpdateStatus(_ context.Context, callID, status string) error {
	r.mu.Lock()
	r.statuses[callID] = append(r.statuses[callID], status)
	r.mu.Unlock()
	return nil
}

func (r *fakeRecords) statusesFor(callID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.statuses[callID]))
	copy(out, r.statuses[callID])
	return out
}
