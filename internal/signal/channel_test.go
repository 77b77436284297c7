package signal

import (
	"context"
	"sync"
	"testing"
)

// collector records envelopes a channel handler receives.
type collector struct {
	mu   sync.Mutex
	envs []Envelope
}

func (c *collector) handle(env Envelope) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
}

func (c *collector) all() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, len(c.envs))
	copy(out, c.envs)
	return out
}

func TestChannelFiltersOwnEcho(t *testing.T) {
	ctx := context.Background()
	relay := NewMemoryRelay()
	defer relay.Close()

	alice := Open(relay, "call-1", "alice")
	bob := Open(relay, "call-1", "bob")

	var fromAlice, fromBob collector
	alice.OnMessage(fromAlice.handle)
	bob.OnMessage(fromBob.handle)
	alice.Subscribe(ctx)
	bob.Subscribe(ctx)

	if err := alice.Send(ctx, TypeOffer, OfferPayload{SDP: "v=0 alice"}); err != nil {
		t.Fatal(err)
	}
	if err := bob.Send(ctx, TypeAnswer, AnswerPayload{SDP: "v=0 bob"}); err != nil {
		t.Fatal(err)
	}

	// Memory relay delivers synchronously, including the publisher's own
	// subscription; only the remote side's message may get through.
	got := fromAlice.all()
	if len(got) != 1 || got[0].Type != TypeAnswer || got[0].From != "bob" {
		t.Fatalf("alice received %+v, want one answer from bob", got)
	}
	got = fromBob.all()
	if len(got) != 1 || got[0].Type != TypeOffer || got[0].From != "alice" {
		t.Fatalf("bob received %+v, want one offer from alice", got)
	}
}

func TestChannelDropsMalformed(t *testing.T) {
	ctx := context.Background()
	relay := NewMemoryRelay()
	defer relay.Close()

	ch := Open(relay, "call-1", "alice")
	var got collector
	ch.OnMessage(got.handle)
	ch.Subscribe(ctx)

	relay.Publish(ctx, CallTopic("call-1"), []byte("not json"))
	relay.Publish(ctx, CallTopic("call-1"), []byte(`{"from":"bob"}`)) // no type

	if envs := got.all(); len(envs) != 0 {
		t.Fatalf("handler received %d malformed messages", len(envs))
	}
}

func TestChannelClose(t *testing.T) {
	ctx := context.Background()
	relay := NewMemoryRelay()
	defer relay.Close()

	ch := Open(relay, "call-1", "alice")
	var got collector
	ch.OnMessage(got.handle)
	ch.Subscribe(ctx)

	ch.Close()
	ch.Close() // idempotent

	other := Open(relay, "call-1", "bob")
	if err := other.Send(ctx, TypeHangup, HangupPayload{}); err != nil {
		t.Fatal(err)
	}
	if envs := got.all(); len(envs) != 0 {
		t.Fatalf("closed channel received %d messages", len(envs))
	}

	// Send after close is a silent no-op.
	if err := ch.Send(ctx, TypeOffer, OfferPayload{}); err != nil {
		t.Fatalf("send after close: %v", err)
	}

	// Subscribe after close must not rejoin.
	ch.Subscribe(ctx)
	other.Send(ctx, TypeHangup, HangupPayload{})
	if envs := got.all(); len(envs) != 0 {
		t.Fatal("channel rejoined after close")
	}
}

func TestChannelSubscribeStatus(t *testing.T) {
	ctx := context.Background()
	relay := NewMemoryRelay()
	defer relay.Close()

	ch := Open(relay, "call-1", "alice")
	var mu sync.Mutex
	var states []bool
	ch.OnStatus(func(subscribed bool, err error) {
		mu.Lock()
		states = append(states, subscribed)
		mu.Unlock()
	})

	ch.Subscribe(ctx)
	ch.Subscribe(ctx) // already subscribed, no second callback

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 1 || !states[0] {
		t.Fatalf("status callbacks = %v, want [true]", states)
	}
}

func TestMemoryRelayCancel(t *testing.T) {
	ctx := context.Background()
	relay := NewMemoryRelay()
	defer relay.Close()

	var mu sync.Mutex
	n := 0
	cancel, err := relay.Subscribe(ctx, "topic", func([]byte) {
		mu.Lock()
		n++
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}

	relay.Publish(ctx, "topic", []byte("one"))
	cancel()
	cancel() // idempotent
	relay.Publish(ctx, "topic", []byte("two"))

	mu.Lock()
	defer mu.Unlock()
	if n != 1 {
		t.Fatalf("handler ran %d times, want 1", n)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	data, err := Encode(TypeRequest, RequestPayload{CallID: "c1"}, "alice")
	if err != nil {
		t.Fatal(err)
	}
	env, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != TypeRequest || env.From != "alice" {
		t.Fatalf("decoded %+v", env)
	}

	if _, err := Decode([]byte(`{"data":{}}`)); err == nil {
		t.Fatal("expected error for envelope without type")
	}
}
