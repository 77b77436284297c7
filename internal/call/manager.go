package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/voicelink/voicelink/internal/signal"
)

// IncomingCall describes a received call request awaiting a decision.
type IncomingCall struct {
	CallID     string
	RemotePeer string
	Accept     func(ctx context.Context) (*Session, error)
	Reject     func()
}

// ManagerConfig assembles the manager's collaborators.
type ManagerConfig struct {
	Relay  signal.Relay
	SelfID string
	// NewPeer builds a peer connection + media provider per session.
	NewPeer func() (PeerConn, MediaProvider, error)
	Records RecordStore                     // optional
	Observe func(callID string, s Snapshot) // optional, fan-in of all sessions
}

// Manager owns active call sessions and listens on the participant's
// inbox topic for incoming call requests.
type Manager struct {
	cfg ManagerConfig

	mu       sync.RWMutex
	sessions map[string]*Session

	incomingMu sync.RWMutex
	incoming   []func(*IncomingCall)

	closeOnce   sync.Once
	cancelInbox func()
}

// NewManager subscribes the inbox topic and starts routing call requests
// immediately.
func NewManager(ctx context.Context, cfg ManagerConfig) (*Manager, error) {
	m := &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
	cancel, err := cfg.Relay.Subscribe(ctx, signal.PeerTopic(cfg.SelfID), m.onInbox)
	if err != nil {
		return nil, fmt.Errorf("call: subscribe inbox: %w", err)
	}
	m.cancelInbox = cancel
	log.Printf("CALL: manager listening as %s", cfg.SelfID)
	return m, nil
}

// OnIncoming registers a callback fired for each incoming call request.
// Multiple handlers can be registered; each receives every request.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.incomingMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.incomingMu.Unlock()
}

// Place starts an outbound call to remotePeer. An empty callID generates
// a fresh one. The returned session is already started: its status moves
// on its own as signaling progresses.
//
// The initiator session subscribes the call topic before the request is
// broadcast: the responder's accept can arrive at any moment after the
// request lands, and a relay buffers nothing for absent subscribers.
func (m *Manager) Place(ctx context.Context, callID, remotePeer string) (*Session, error) {
	if callID == "" {
		callID = uuid.NewString()
	}

	sess, err := m.startSession(ctx, callID, remotePeer, RoleInitiator)
	if err != nil {
		return nil, err
	}

	data, err := signal.Encode(signal.TypeRequest, signal.RequestPayload{CallID: callID}, m.cfg.SelfID)
	if err != nil {
		sess.End()
		return nil, err
	}
	if err := m.cfg.Relay.Publish(ctx, signal.PeerTopic(remotePeer), data); err != nil {
		sess.End()
		return nil, fmt.Errorf("call: send request to %s: %w", remotePeer, err)
	}
	log.Printf("CALL: placed %s → %s", callID, remotePeer)
	return sess, nil
}

// Accept creates the responder session for an incoming call. Exposed for
// embedders that track requests themselves; IncomingCall.Accept wraps it.
func (m *Manager) Accept(ctx context.Context, callID, remotePeer string) (*Session, error) {
	sess, err := m.startSession(ctx, callID, remotePeer, RoleResponder)
	if err != nil {
		return nil, err
	}
	log.Printf("CALL: accepted %s from %s", callID, remotePeer)
	return sess, nil
}

func (m *Manager) startSession(ctx context.Context, callID, remotePeer string, role Role) (*Session, error) {
	m.mu.Lock()
	if _, exists := m.sessions[callID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("call: session %s already active", callID)
	}
	sess := NewSession(Config{
		CallID:     callID,
		SelfID:     m.cfg.SelfID,
		RemotePeer: remotePeer,
		Role:       role,
		Channel:    signal.Open(m.cfg.Relay, callID, m.cfg.SelfID),
		NewPeer:    m.cfg.NewPeer,
		Records:    m.cfg.Records,
		Observe:    m.observeSession(callID),
	})
	m.sessions[callID] = sess
	m.mu.Unlock()

	if err := sess.Start(ctx); err != nil {
		m.remove(callID)
		return nil, err
	}
	return sess, nil
}

// observeSession forwards a session's snapshots to the manager-level
// observer and drops the session from the registry once it is terminal.
func (m *Manager) observeSession(callID string) func(Snapshot) {
	return func(snap Snapshot) {
		if snap.Status.Terminal() {
			m.remove(callID)
		}
		if m.cfg.Observe != nil {
			m.cfg.Observe(callID, snap)
		}
	}
}

// Get returns the active session for callID, if any.
func (m *Manager) Get(callID string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[callID]
	m.mu.RUnlock()
	return s, ok
}

// Sessions returns all active sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) remove(callID string) {
	m.mu.Lock()
	delete(m.sessions, callID)
	m.mu.Unlock()
}

// onInbox handles one message on the participant's inbox topic.
func (m *Manager) onInbox(data []byte) {
	env, err := signal.Decode(data)
	if err != nil {
		log.Printf("CALL: dropping malformed inbox message: %v", err)
		return
	}
	if env.From == m.cfg.SelfID || env.Type != signal.TypeRequest {
		return
	}
	var req signal.RequestPayload
	if err := json.Unmarshal(env.Data, &req); err != nil || req.CallID == "" {
		log.Printf("CALL: bad call request from %s", env.From)
		return
	}

	ic := &IncomingCall{
		CallID:     req.CallID,
		RemotePeer: env.From,
		Accept: func(ctx context.Context) (*Session, error) {
			return m.Accept(ctx, req.CallID, env.From)
		},
		Reject: func() {
			m.reject(req.CallID)
		},
	}

	m.incomingMu.RLock()
	handlers := make([]func(*IncomingCall), len(m.incoming))
	copy(handlers, m.incoming)
	m.incomingMu.RUnlock()
	for _, fn := range handlers {
		fn(ic)
	}
}

// reject tells the caller to stop ringing without creating a session.
func (m *Manager) reject(callID string) {
	data, err := signal.Encode(signal.TypeHangup, signal.HangupPayload{}, m.cfg.SelfID)
	if err != nil {
		return
	}
	if err := m.cfg.Relay.Publish(context.Background(), signal.CallTopic(callID), data); err != nil {
		log.Printf("CALL: reject %s: %v", callID, err)
	}
}

// Close hangs up every active session and stops the inbox listener.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.cancelInbox()

		m.mu.Lock()
		sessions := m.sessions
		m.sessions = make(map[string]*Session)
		m.mu.Unlock()

		for _, s := range sessions {
			s.End()
		}
	})
}
