package signal

import (
	"context"
	"log"
	"sync"
)

// Channel is a call-scoped bidirectional signaling adapter on top of a
// Relay. It owns one topic subscription, tags outbound envelopes with the
// local participant ID, and filters inbound echoes so the handler never
// sees a self-originated message.
type Channel struct {
	relay  Relay
	topic  string
	selfID string

	mu         sync.Mutex
	cancel     func()
	closed     bool
	handler    func(Envelope)
	statusFn   func(subscribed bool, err error)
	subscribed bool
}

// Open prepares a channel for the given call. Nothing touches the network
// until Subscribe is called.
func Open(relay Relay, callID, selfID string) *Channel {
	return &Channel{
		relay:  relay,
		topic:  CallTopic(callID),
		selfID: selfID,
	}
}

// OnMessage registers the inbound handler. Must be called before
// Subscribe; messages arriving with no handler set are dropped.
func (c *Channel) OnMessage(fn func(Envelope)) {
	c.mu.Lock()
	c.handler = fn
	c.mu.Unlock()
}

// OnStatus registers a callback for subscription state changes. A failed
// subscribe is reported here, not returned as an error — "not yet
// subscribed" is a valid transient state.
func (c *Channel) OnStatus(fn func(subscribed bool, err error)) {
	c.mu.Lock()
	c.statusFn = fn
	c.mu.Unlock()
}

// Subscribe joins the call topic. Safe to call again after a failure;
// a no-op once subscribed or closed.
func (c *Channel) Subscribe(ctx context.Context) {
	c.mu.Lock()
	if c.closed || c.subscribed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	cancel, err := c.relay.Subscribe(ctx, c.topic, c.receive)

	c.mu.Lock()
	statusFn := c.statusFn
	if err == nil {
		if c.closed {
			// Closed while the subscribe was in flight.
			c.mu.Unlock()
			cancel()
			return
		}
		c.cancel = cancel
		c.subscribed = true
	}
	c.mu.Unlock()

	if err != nil {
		log.Printf("SIGNAL [%s]: subscribe failed: %v", c.topic, err)
	}
	if statusFn != nil {
		statusFn(err == nil, err)
	}
}

// Send broadcasts one signaling message tagged with the local participant
// ID. Fire-and-forget: the relay gives no delivery guarantee, and the
// consuming state machine is idempotent enough that loss of a single
// candidate only narrows connectivity options.
func (c *Channel) Send(ctx context.Context, typ string, payload any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	data, err := Encode(typ, payload, c.selfID)
	if err != nil {
		return err
	}
	return c.relay.Publish(ctx, c.topic, data)
}

// Close tears down the subscription. Safe to call multiple times and
// before Subscribe.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	c.cancel = nil
	c.subscribed = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (c *Channel) receive(data []byte) {
	env, err := Decode(data)
	if err != nil {
		log.Printf("SIGNAL [%s]: dropping malformed message: %v", c.topic, err)
		return
	}
	// The relay may echo our own broadcasts back to us.
	if env.From == c.selfID {
		return
	}

	c.mu.Lock()
	handler := c.handler
	closed := c.closed
	c.mu.Unlock()

	if closed || handler == nil {
		return
	}
	handler(env)
}
