package call

import (
	"context"
	"sync"
	"testing"

	"github.com/voicelink/voicelink/internal/signal"
)

// newTestManager builds a manager on the shared relay with fake peers.
// Every session gets a fresh fakePeer; the last one built is retrievable.
func newTestManager(t *testing.T, relay signal.Relay, selfID string) (*Manager, func() *fakePeer) {
	t.Helper()
	var mu sync.Mutex
	var last *fakePeer
	mgr, err := NewManager(context.Background(), ManagerConfig{
		Relay:  relay,
		SelfID: selfID,
		NewPeer: func() (PeerConn, MediaProvider, error) {
			mu.Lock()
			defer mu.Unlock()
			last = &fakePeer{}
			return last, &fakeMedia{}, nil
		},
		Records: newFakeRecords(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mgr.Close)
	return mgr, func() *fakePeer {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func TestManagerEndToEnd(t *testing.T) {
	relay := signal.NewMemoryRelay()
	defer relay.Close()

	alice, alicePeer := newTestManager(t, relay, "alice")
	bob, bobPeer := newTestManager(t, relay, "bob")

	// Auto-answer on bob's side. The memory relay delivers synchronously,
	// so the whole exchange completes inside Place.
	bob.OnIncoming(func(inc *IncomingCall) {
		if inc.RemotePeer != "alice" {
			t.Errorf("incoming from %s, want alice", inc.RemotePeer)
		}
		if _, err := inc.Accept(context.Background()); err != nil {
			t.Errorf("accept: %v", err)
		}
	})

	sess, err := alice.Place(context.Background(), "", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if sess.RemotePeer() != "bob" {
		t.Fatalf("remote peer = %s", sess.RemotePeer())
	}

	// Bob answered the offer; alice applied the answer.
	if bobPeer() == nil || bobPeer().answerCount() != 1 {
		t.Fatal("bob did not answer the offer")
	}
	if alicePeer().RemoteDescription() == nil {
		t.Fatal("alice never applied bob's answer")
	}

	bobSess, ok := bob.Get(sess.CallID())
	if !ok {
		t.Fatal("bob has no session for the call")
	}

	// Alice hangs up; bob's session terminates via the relayed hangup and
	// both registries drop the call.
	sess.End()
	if got := bobSess.Snapshot().Status; got != StatusEnded {
		t.Fatalf("bob's status = %s, want ended", got)
	}
	if n := len(alice.Sessions()); n != 0 {
		t.Fatalf("alice still tracks %d sessions", n)
	}
	if n := len(bob.Sessions()); n != 0 {
		t.Fatalf("bob still tracks %d sessions", n)
	}
}

func TestManagerDeferredAccept(t *testing.T) {
	relay := signal.NewMemoryRelay()
	defer relay.Close()

	alice, alicePeer := newTestManager(t, relay, "alice")
	bob, bobPeer := newTestManager(t, relay, "bob")

	// A human answering: the request is stored and accepted only after
	// Place has long returned. Nothing published before bob subscribes
	// may be load-bearing.
	var mu sync.Mutex
	var pending *IncomingCall
	bob.OnIncoming(func(inc *IncomingCall) {
		mu.Lock()
		pending = inc
		mu.Unlock()
	})

	sess, err := alice.Place(context.Background(), "", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if got := sess.Snapshot().Status; got != StatusConnecting {
		t.Fatalf("status while unanswered = %s, want connecting", got)
	}

	mu.Lock()
	inc := pending
	mu.Unlock()
	if inc == nil {
		t.Fatal("bob never saw the request")
	}
	if _, err := inc.Accept(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The late accept still completes the whole negotiation: bob got the
	// offer and answered, alice applied the answer and is ringing.
	if bobPeer() == nil || bobPeer().setRemoteCount() != 1 || bobPeer().answerCount() != 1 {
		t.Fatal("bob never received the offer")
	}
	if alicePeer().RemoteDescription() == nil {
		t.Fatal("alice never applied bob's answer")
	}
	if got := sess.Snapshot().Status; got != StatusRinging {
		t.Fatalf("status after accept = %s, want ringing", got)
	}
}

func TestManagerReject(t *testing.T) {
	relay := signal.NewMemoryRelay()
	defer relay.Close()

	alice, _ := newTestManager(t, relay, "alice")
	bob, _ := newTestManager(t, relay, "bob")

	var mu sync.Mutex
	var pending *IncomingCall
	bob.OnIncoming(func(inc *IncomingCall) {
		mu.Lock()
		pending = inc
		mu.Unlock()
	})

	sess, err := alice.Place(context.Background(), "reject-me", "bob")
	if err != nil {
		t.Fatal(err)
	}
	// No accept yet, so no offer is out and the call is still connecting.
	if got := sess.Snapshot().Status; got != StatusConnecting {
		t.Fatalf("status before reject = %s, want connecting", got)
	}

	mu.Lock()
	inc := pending
	mu.Unlock()
	if inc == nil {
		t.Fatal("bob never saw the request")
	}
	inc.Reject()

	// The reject arrives as a hangup on the call topic.
	if got := sess.Snapshot().Status; got != StatusEnded {
		t.Fatalf("status after reject = %s, want ended", got)
	}
	if _, ok := bob.Get("reject-me"); ok {
		t.Fatal("reject created a session on bob's side")
	}
}

func TestManagerDuplicateCallID(t *testing.T) {
	relay := signal.NewMemoryRelay()
	defer relay.Close()

	alice, _ := newTestManager(t, relay, "alice")

	if _, err := alice.Place(context.Background(), "dup", "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.Place(context.Background(), "dup", "bob"); err == nil {
		t.Fatal("second session with same call ID accepted")
	}
}

func TestManagerIgnoresOwnRequests(t *testing.T) {
	relay := signal.NewMemoryRelay()
	defer relay.Close()

	alice, _ := newTestManager(t, relay, "alice")

	fired := false
	alice.OnIncoming(func(*IncomingCall) { fired = true })

	// Calling yourself: the request lands on alice's own inbox and must
	// be dropped as an echo.
	if _, err := alice.Place(context.Background(), "self-call", "alice"); err != nil {
		t.Fatal(err)
	}
	if fired {
		t.Fatal("manager handled its own call request")
	}
}

func TestManagerClose(t *testing.T) {
	relay := signal.NewMemoryRelay()
	defer relay.Close()

	alice, _ := newTestManager(t, relay, "alice")
	sess, err := alice.Place(context.Background(), "c1", "bob")
	if err != nil {
		t.Fatal(err)
	}

	alice.Close()
	alice.Close() // idempotent

	if got := sess.Snapshot().Status; got != StatusEnded {
		t.Fatalf("status after close = %s, want ended", got)
	}
}
