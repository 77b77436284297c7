package signal

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// WSRelay carries signaling through a websocket signaling server that
// fans each room's messages out to every connected member. One websocket
// connection is held per topic, shared by Subscribe and Publish. Servers
// commonly echo a broadcast back to its sender; the Channel layer filters
// those.
type WSRelay struct {
	baseURL string

	mu     sync.Mutex
	conns  map[string]*wsTopicConn
	closed bool
}

type wsTopicConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[int]func([]byte)
	nextID   int
}

// NewWSRelay prepares a relay that dials baseURL (e.g. ws://host:8080/ws)
// lazily, one connection per topic, as topics are used.
func NewWSRelay(baseURL string) (*WSRelay, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("signal: parse ws relay url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("signal: ws relay url must be ws:// or wss://, got %q", u.Scheme)
	}
	return &WSRelay{
		baseURL: baseURL,
		conns:   make(map[string]*wsTopicConn),
	}, nil
}

// topicConn returns the connection for topic, dialing it on first use.
func (r *WSRelay) topicConn(ctx context.Context, topic string) (*wsTopicConn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("signal: ws relay closed")
	}
	if tc, ok := r.conns[topic]; ok {
		return tc, nil
	}

	endpoint := r.baseURL + "/" + url.PathEscape(topic)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("signal: dial %s: %w", endpoint, err)
	}

	tc := &wsTopicConn{
		conn:     conn,
		handlers: make(map[int]func([]byte)),
	}
	r.conns[topic] = tc
	go r.readPump(topic, tc)
	return tc, nil
}

// readPump fans inbound frames out to the topic's handlers until the
// connection drops.
func (r *WSRelay) readPump(topic string, tc *wsTopicConn) {
	for {
		_, data, err := tc.conn.ReadMessage()
		if err != nil {
			if r.dropConn(topic, tc) && !r.isClosed() {
				log.Printf("SIGNAL: ws connection for %s dropped", topic)
			}
			return
		}
		tc.mu.Lock()
		handlers := make([]func([]byte), 0, len(tc.handlers))
		for _, fn := range tc.handlers {
			handlers = append(handlers, fn)
		}
		tc.mu.Unlock()
		for _, fn := range handlers {
			fn(data)
		}
	}
}

// dropConn detaches tc from the topic, if it is still the current
// connection, and closes it. Reports whether tc was still attached.
func (r *WSRelay) dropConn(topic string, tc *wsTopicConn) bool {
	r.mu.Lock()
	cur, ok := r.conns[topic]
	if ok && cur == tc {
		delete(r.conns, topic)
	}
	r.mu.Unlock()
	tc.conn.Close()
	return ok && cur == tc
}

func (r *WSRelay) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Subscribe attaches fn to the topic's connection. When the last handler
// cancels, the connection is closed rather than left to idle until the
// relay shuts down.
func (r *WSRelay) Subscribe(ctx context.Context, topic string, fn func(data []byte)) (func(), error) {
	tc, err := r.topicConn(ctx, topic)
	if err != nil {
		return nil, err
	}

	tc.mu.Lock()
	id := tc.nextID
	tc.nextID++
	tc.handlers[id] = fn
	tc.mu.Unlock()

	cancel := func() {
		tc.mu.Lock()
		delete(tc.handlers, id)
		empty := len(tc.handlers) == 0
		tc.mu.Unlock()
		if empty {
			r.dropConn(topic, tc)
		}
	}
	return cancel, nil
}

// Publish writes data as one text frame on the topic's connection.
func (r *WSRelay) Publish(ctx context.Context, topic string, data []byte) error {
	tc, err := r.topicConn(ctx, topic)
	if err != nil {
		return err
	}
	tc.writeMu.Lock()
	defer tc.writeMu.Unlock()
	if err := tc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("signal: ws publish %s: %w", topic, err)
	}
	return nil
}

// Close drops every topic connection.
func (r *WSRelay) Close() error {
	r.mu.Lock()
	r.closed = true
	conns := r.conns
	r.conns = make(map[string]*wsTopicConn)
	r.mu.Unlock()

	for _, tc := range conns {
		tc.conn.Close()
	}
	return nil
}
