package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/voicelink/voicelink/internal/signal"
)

// RecordStore is the persisted call-record surface the session writes
// terminal status to. Strictly a write-once-per-termination side effect:
// never read during the call, never a source of truth.
type RecordStore interface {
	UpdateStatus(ctx context.Context, callID, status string) error
}

// Terminal statuses written to the record store. A failed call is never
// recorded as "ended" — history distinguishes voluntary termination from
// network failure.
const (
	RecordEnded  = "ended"
	RecordFailed = "failed"
)

// ErrAlreadyStarted is returned by Start on any call but the first.
var ErrAlreadyStarted = errors.New("call: session already started")

// Config assembles one session's collaborators.
type Config struct {
	CallID     string
	SelfID     string
	RemotePeer string
	Role       Role

	Channel *signal.Channel
	// NewPeer builds the peer connection and its media provider.
	// Production code uses NewPeerFactory; tests substitute fakes.
	NewPeer func() (PeerConn, MediaProvider, error)

	Records RecordStore    // optional
	Observe func(Snapshot) // optional, invoked on every state-affecting event
}

// Session owns one call: the peer connection, local media, the ICE
// candidate queue and the signaling channel. No other component touches
// those resources. All state transitions are serialized on mu; the
// observer and the signaling channel are only ever invoked outside it.
type Session struct {
	cfg Config

	mu        sync.Mutex
	status    Status
	errMsg    string
	muted     bool
	pc        PeerConn
	media     MediaProvider
	queue     *candidateQueue
	remote    *webrtc.TrackRemote
	hungSent  bool
	offerSent bool

	// notifyMu keeps observer invocations in transition order without
	// holding mu across the callback.
	notifyMu sync.Mutex
}

// NewSession creates an idle session. Nothing happens until Start.
func NewSession(cfg Config) *Session {
	return &Session{cfg: cfg, status: StatusIdle}
}

// Start acquires local media, builds the peer connection, registers all
// handlers and subscribes the signaling channel. The responder then
// broadcasts an accept so the initiator knows the call topic has a
// listener; the initiator holds its offer until that accept arrives —
// the relay buffers nothing, so an offer sent before the responder
// subscribes is lost with no re-offer path. Failures do not escape as
// panics: every error becomes a Failed transition, and is also returned
// for callers that want it.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusIdle {
		st := s.status
		s.mu.Unlock()
		if st.Terminal() {
			return nil
		}
		return ErrAlreadyStarted
	}
	s.status = StatusConnecting
	s.mu.Unlock()
	s.notify()

	s.cfg.Channel.OnMessage(func(env signal.Envelope) { s.handleSignal(ctx, env) })
	s.cfg.Channel.Subscribe(ctx)

	pc, media, err := s.cfg.NewPeer()
	if err != nil {
		s.fail(fmt.Sprintf("peer setup: %v", err))
		return err
	}

	// Handlers must be registered before any negotiation step.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering finished
		}
		init := c.ToJSON()
		s.sendCandidate(ctx, init)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.onRemoteTrack(track)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.onConnectionState(state)
	})

	s.mu.Lock()
	if s.status.Terminal() {
		// Torn down while setting up (remote hangup can land this early).
		s.mu.Unlock()
		media.Stop()
		pc.Close()
		return nil
	}
	s.pc = pc
	s.media = media
	s.queue = newCandidateQueue(pc)
	s.mu.Unlock()

	if err := media.Start(pc); err != nil {
		// Media acquisition failure (permission denied, device busy) is
		// fatal for this call attempt; no automatic retry.
		s.fail(fmt.Sprintf("media: %v", err))
		return err
	}
	log.Printf("CALL [%s]: %s ready, media=%s", s.cfg.CallID, s.cfg.Role, media.Kind())

	if s.cfg.Role == RoleResponder {
		if err := s.cfg.Channel.Send(ctx, signal.TypeAccept, signal.AcceptPayload{}); err != nil {
			log.Printf("CALL [%s]: send accept: %v", s.cfg.CallID, err)
		}
	}
	return nil
}

// onAccept is the initiator's cue that the responder is subscribed: the
// offer is produced now, exactly once. Duplicate accepts are no-ops.
func (s *Session) onAccept(ctx context.Context) {
	s.mu.Lock()
	if s.cfg.Role != RoleInitiator || s.status.Terminal() || s.offerSent || s.pc == nil {
		s.mu.Unlock()
		return
	}
	s.offerSent = true
	s.mu.Unlock()

	if err := s.sendOffer(ctx); err != nil {
		s.fail(fmt.Sprintf("offer: %v", err))
	}
}

// sendOffer produces the initial offer and moves the call to Ringing.
func (s *Session) sendOffer(ctx context.Context) error {
	s.mu.Lock()
	pc := s.pc
	s.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return err
	}
	if err := s.cfg.Channel.Send(ctx, signal.TypeOffer, signal.OfferPayload{SDP: offer.SDP}); err != nil {
		return err
	}

	s.mu.Lock()
	if s.status == StatusConnecting {
		s.status = StatusRinging
	}
	s.mu.Unlock()
	s.notify()
	log.Printf("CALL [%s]: offer sent to %s", s.cfg.CallID, s.cfg.RemotePeer)
	return nil
}

// handleSignal routes one inbound signaling message. Messages from self
// never reach here — the channel filters echoes.
func (s *Session) handleSignal(ctx context.Context, env signal.Envelope) {
	switch env.Type {
	case signal.TypeAccept:
		s.onAccept(ctx)
	case signal.TypeOffer:
		var p signal.OfferPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			log.Printf("CALL [%s]: bad offer payload: %v", s.cfg.CallID, err)
			return
		}
		s.onOffer(ctx, p.SDP)
	case signal.TypeAnswer:
		var p signal.AnswerPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			log.Printf("CALL [%s]: bad answer payload: %v", s.cfg.CallID, err)
			return
		}
		s.onAnswer(p.SDP)
	case signal.TypeICE:
		var p signal.ICEPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			log.Printf("CALL [%s]: bad candidate payload: %v", s.cfg.CallID, err)
			return
		}
		s.onRemoteCandidate(p.Candidate)
	case signal.TypeHangup:
		log.Printf("CALL [%s]: hangup from %s", s.cfg.CallID, env.From)
		// Peer already terminated; never answer a hangup with a hangup.
		s.teardown(StatusEnded, "", false)
	}
}

// onOffer is the responder half of negotiation: apply the remote
// description, flush queued candidates, answer. Negotiation errors are
// logged and the call simply never progresses — the embedding
// application owns the timeout.
func (s *Session) onOffer(ctx context.Context, sdp string) {
	s.mu.Lock()
	if s.cfg.Role != RoleResponder || s.status.Terminal() || s.status == StatusConnected || s.pc == nil {
		s.mu.Unlock()
		return
	}
	if s.pc.RemoteDescription() != nil {
		s.mu.Unlock()
		return // duplicate offer
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		s.mu.Unlock()
		log.Printf("CALL [%s]: set remote offer: %v", s.cfg.CallID, err)
		return
	}
	if err := s.queue.flush(); err != nil {
		log.Printf("CALL [%s]: flush candidates: %v", s.cfg.CallID, err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		s.mu.Unlock()
		log.Printf("CALL [%s]: create answer: %v", s.cfg.CallID, err)
		return
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		s.mu.Unlock()
		log.Printf("CALL [%s]: set local answer: %v", s.cfg.CallID, err)
		return
	}
	s.mu.Unlock()

	if err := s.cfg.Channel.Send(ctx, signal.TypeAnswer, signal.AnswerPayload{SDP: answer.SDP}); err != nil {
		log.Printf("CALL [%s]: send answer: %v", s.cfg.CallID, err)
	}
	log.Printf("CALL [%s]: answered offer from %s", s.cfg.CallID, s.cfg.RemotePeer)
}

// onAnswer completes the initiator's negotiation.
func (s *Session) onAnswer(sdp string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Role != RoleInitiator || s.status.Terminal() || s.status == StatusConnected || s.pc == nil {
		return
	}
	if s.pc.RemoteDescription() != nil {
		return // duplicate answer
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		log.Printf("CALL [%s]: set remote answer: %v", s.cfg.CallID, err)
		return
	}
	if err := s.queue.flush(); err != nil {
		log.Printf("CALL [%s]: flush candidates: %v", s.cfg.CallID, err)
	}
}

func (s *Session) onRemoteCandidate(init signal.ICECandidateInit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() || s.queue == nil {
		return
	}
	err := s.queue.enqueueOrApply(candidate{
		text:          init.Candidate,
		sdpMid:        init.SDPMid,
		sdpMLineIndex: init.SDPMLineIndex,
	})
	if err != nil {
		log.Printf("CALL [%s]: add candidate: %v", s.cfg.CallID, err)
	}
}

// sendCandidate relays one locally discovered candidate as it appears —
// candidates are trickled, never batched.
func (s *Session) sendCandidate(ctx context.Context, init webrtc.ICECandidateInit) {
	out := signal.ICECandidateInit{Candidate: init.Candidate}
	if init.SDPMid != nil {
		out.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		out.SDPMLineIndex = *init.SDPMLineIndex
	}
	if err := s.cfg.Channel.Send(ctx, signal.TypeICE, signal.ICEPayload{Candidate: out}); err != nil {
		log.Printf("CALL [%s]: send candidate: %v", s.cfg.CallID, err)
	}
}

func (s *Session) onRemoteTrack(track *webrtc.TrackRemote) {
	s.mu.Lock()
	s.remote = track
	s.mu.Unlock()
	s.notify()
	log.Printf("CALL [%s]: remote %s track", s.cfg.CallID, track.Kind())
	go s.drainRemote(track)
}

// drainRemote keeps the receiver's RTP flow moving; without a reader the
// track's buffer fills and the jitter pipeline stalls.
func (s *Session) drainRemote(track *webrtc.TrackRemote) {
	var pkt *rtp.Packet
	var err error
	for {
		pkt, _, err = track.ReadRTP()
		if err != nil {
			return
		}
		_ = pkt.SequenceNumber
	}
}

// onConnectionState maps peer-connection state to call status.
// The peer's explicit hangup arrives as a signaling message; a state
// change to failed/disconnected means the network let us down.
func (s *Session) onConnectionState(state webrtc.PeerConnectionState) {
	log.Printf("CALL [%s]: connection state %s", s.cfg.CallID, state)
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.mu.Lock()
		if s.status.Terminal() {
			s.mu.Unlock()
			return
		}
		s.status = StatusConnected
		s.mu.Unlock()
		s.notify()
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
		s.teardown(StatusFailed, "connection "+state.String(), false)
	case webrtc.PeerConnectionStateClosed:
		s.teardown(StatusEnded, "", false)
	}
}

// End terminates the call locally and tells the peer. Idempotent: the
// second and later calls are no-ops, and at most one hangup is ever
// broadcast per session.
func (s *Session) End() {
	s.teardown(StatusEnded, "", true)
}

// fail is the terminal path for local setup errors.
func (s *Session) fail(msg string) {
	s.teardown(StatusFailed, msg, false)
}

// teardown drives every terminal transition: stops local media, closes
// the peer connection, unsubscribes the channel, optionally broadcasts a
// hangup, and records the terminal status. Safe to call from any path,
// any number of times.
func (s *Session) teardown(final Status, errMsg string, broadcast bool) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.status = final
	s.errMsg = errMsg
	media := s.media
	pc := s.pc
	sendHangup := broadcast && !s.hungSent
	if sendHangup {
		s.hungSent = true
	}
	s.mu.Unlock()

	if sendHangup {
		// The peer should terminate promptly instead of waiting out an
		// ICE timeout. Deliberately not the caller's context: teardown
		// runs during shutdown too.
		if err := s.cfg.Channel.Send(context.Background(), signal.TypeHangup, signal.HangupPayload{}); err != nil {
			log.Printf("CALL [%s]: send hangup: %v", s.cfg.CallID, err)
		}
	}
	if media != nil {
		media.Stop()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Printf("CALL [%s]: close peer connection: %v", s.cfg.CallID, err)
		}
	}
	s.cfg.Channel.Close()

	if s.cfg.Records != nil {
		status := RecordEnded
		if final == StatusFailed {
			status = RecordFailed
		}
		// Best-effort: a write failure is logged, never retried, and
		// never blocks teardown.
		if err := s.cfg.Records.UpdateStatus(context.Background(), s.cfg.CallID, status); err != nil {
			log.Printf("CALL [%s]: record status %q: %v", s.cfg.CallID, status, err)
		}
	}

	s.notify()
	log.Printf("CALL [%s]: %s (%s)", s.cfg.CallID, final, errMsg)
}

// ToggleMute flips the local audio flow and returns the resulting muted
// state. Safe before media is acquired and after the call ends — both
// are no-ops returning false. Never renegotiates.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	media := s.media
	if media == nil || !media.Active() || s.status.Terminal() {
		s.mu.Unlock()
		return false
	}
	want := !s.muted
	s.mu.Unlock()

	muted := media.SetMuted(want)

	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
	s.notify()
	return muted
}

// Snapshot returns the current consistent view of the call.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// CallID returns the call's stable identifier.
func (s *Session) CallID() string { return s.cfg.CallID }

// RemotePeer returns the other participant's identifier.
func (s *Session) RemotePeer() string { return s.cfg.RemotePeer }

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		Status:      s.status,
		Muted:       s.muted,
		LocalActive: s.media != nil && s.media.Active(),
		RemoteTrack: s.remote,
		Err:         s.errMsg,
	}
}

// notify delivers a fresh snapshot to the observer. notifyMu preserves
// transition order across goroutines without holding the state lock
// during the callback.
func (s *Session) notify() {
	if s.cfg.Observe == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.mu.Lock()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.cfg.Observe(snap)
}
