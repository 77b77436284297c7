package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsRoomServer is a minimal fan-out signaling server: one room per URL
// path, every frame broadcast to all room members, sender included.
type wsRoomServer struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string][]*websocket.Conn
	gone  chan string // room of each connection that went away
}

func newWSRoomServer() *wsRoomServer {
	return &wsRoomServer{
		rooms: make(map[string][]*websocket.Conn),
		gone:  make(chan string, 8),
	}
}

func (s *wsRoomServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	room := r.URL.Path

	s.mu.Lock()
	s.rooms[room] = append(s.rooms[room], conn)
	s.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.mu.Lock()
		for _, member := range s.rooms[room] {
			member.WriteMessage(websocket.TextMessage, data)
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	members := s.rooms[room]
	for i, member := range members {
		if member == conn {
			s.rooms[room] = append(members[:i], members[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	conn.Close()
	s.gone <- room
}

func startWSRoomServer(t *testing.T) (*wsRoomServer, string) {
	t.Helper()
	srv := newWSRoomServer()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestWSRelayRoundTrip(t *testing.T) {
	_, baseURL := startWSRoomServer(t)
	ctx := context.Background()

	alice, err := NewWSRelay(baseURL)
	if err != nil {
		t.Fatal(err)
	}
	defer alice.Close()
	bob, err := NewWSRelay(baseURL)
	if err != nil {
		t.Fatal(err)
	}
	defer bob.Close()

	recv := make(chan []byte, 1)
	cancel, err := alice.Subscribe(ctx, "call-1", func(data []byte) {
		select {
		case recv <- data:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if err := bob.Publish(ctx, "call-1", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-recv:
		if string(msg) != "hello" {
			t.Fatalf("received %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never arrived")
	}
}

func TestWSRelayCancelClosesConnection(t *testing.T) {
	srv, baseURL := startWSRoomServer(t)
	ctx := context.Background()

	relay, err := NewWSRelay(baseURL)
	if err != nil {
		t.Fatal(err)
	}
	defer relay.Close()

	cancel, err := relay.Subscribe(ctx, "call-1", func([]byte) {})
	if err != nil {
		t.Fatal(err)
	}

	// Canceling the last handler must close the topic's websocket, not
	// leave it idling until relay shutdown.
	cancel()
	select {
	case room := <-srv.gone:
		if !strings.HasSuffix(room, "call-1") {
			t.Fatalf("unexpected room %q closed", room)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the connection close")
	}
}
