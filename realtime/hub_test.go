package realtime

import (
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

type fakeConn struct {
	mu       sync.Mutex
	messages [][]byte
	failWith error
	closed   bool
}

func (c *fakeConn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWith != nil {
		return c.failWith
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	c.messages = append(c.messages, copied)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) received() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, 0, len(c.messages))
	for _, data := range c.messages {
		var msg Message
		if err := sonic.Unmarshal(data, &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func newTestHub() *Hub {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return NewHub(logger)
}

func TestPresenceCountsDistinctUsernames(t *testing.T) {
	hub := newTestHub()

	tab1 := &fakeConn{}
	tab2 := &fakeConn{}
	other := &fakeConn{}
	hub.AddClient("demo", "can", tab1)
	hub.AddClient("demo", "can", tab2)
	hub.AddClient("demo", "emre", other)
	hub.AddClient("demo", "", &fakeConn{})
	hub.AddClient("elsewhere", "ghost", &fakeConn{})

	// Two tabs of one user count once; the anonymous connection not at all.
	presence := hub.Presence("demo")
	if presence.Connected != 2 {
		t.Fatalf("connected = %d, want 2", presence.Connected)
	}
	if !reflect.DeepEqual(presence.OnlineUsers, []string{"can", "emre"}) {
		t.Fatalf("online users = %v", presence.OnlineUsers)
	}

	hub.RemoveClient(tab1)
	presence = hub.Presence("demo")
	if presence.Connected != 2 {
		t.Fatalf("connected after closing one tab = %d, want 2", presence.Connected)
	}
	if !reflect.DeepEqual(presence.OnlineUsers, []string{"can", "emre"}) {
		t.Fatalf("online users after closing one tab = %v", presence.OnlineUsers)
	}

	hub.RemoveClient(tab2)
	presence = hub.Presence("demo")
	if presence.Connected != 1 || !reflect.DeepEqual(presence.OnlineUsers, []string{"emre"}) {
		t.Fatalf("presence after closing both tabs = %+v", presence)
	}
}

func TestBroadcastScopedToWorkspace(t *testing.T) {
	hub := newTestHub()

	in := &fakeConn{}
	out := &fakeConn{}
	hub.AddClient("demo", "can", in)
	hub.AddClient("other", "emre", out)

	hub.Broadcast("demo", Message{Type: TypeTaskChanged})

	if msgs := in.received(); len(msgs) != 1 || msgs[0].Type != TypeTaskChanged {
		t.Fatalf("in-workspace conn got %v", msgs)
	}
	if msgs := out.received(); len(msgs) != 0 {
		t.Fatalf("out-of-workspace conn got %v", msgs)
	}
}

func TestBroadcastAllReachesEveryWorkspace(t *testing.T) {
	hub := newTestHub()

	a := &fakeConn{}
	b := &fakeConn{}
	hub.AddClient("demo", "can", a)
	hub.AddClient("other", "emre", b)

	hub.BroadcastAll(Message{Type: TypeUserUpdated})

	for i, conn := range []*fakeConn{a, b} {
		if msgs := conn.received(); len(msgs) != 1 || msgs[0].Type != TypeUserUpdated {
			t.Fatalf("conn %d got %v", i, msgs)
		}
	}
}

func TestFailedWriteDropsConnection(t *testing.T) {
	hub := newTestHub()

	healthy := &fakeConn{}
	broken := &fakeConn{failWith: errors.New("pipe closed")}
	hub.AddClient("demo", "can", healthy)
	hub.AddClient("demo", "emre", broken)

	hub.Broadcast("demo", Message{Type: TypeTaskChanged})

	if !broken.closed {
		t.Fatalf("broken conn should be closed")
	}
	presence := hub.Presence("demo")
	if presence.Connected != 1 {
		t.Fatalf("connected = %d, want 1", presence.Connected)
	}

	// The survivor is told about the departure.
	msgs := healthy.received()
	var sawPresence bool
	for _, msg := range msgs {
		if msg.Type == TypePresenceUpdate {
			sawPresence = true
		}
	}
	if !sawPresence {
		t.Fatalf("expected presence update after drop, got %v", msgs)
	}
}

func TestHeartbeatReapsSilentConnections(t *testing.T) {
	hub := newTestHub()

	responsive := &fakeConn{}
	silent := &fakeConn{}
	hub.AddClient("demo", "can", responsive)
	hub.AddClient("demo", "emre", silent)

	ping := func(Conn) error { return nil }

	// First sweep pings both; only one answers.
	hub.Tick(ping)
	hub.Pong(responsive)

	// Second sweep reaps the silent connection.
	hub.Tick(ping)

	if !silent.closed {
		t.Fatalf("silent conn should be reaped")
	}
	if responsive.closed {
		t.Fatalf("responsive conn should survive")
	}
	presence := hub.Presence("demo")
	if presence.Connected != 1 || !reflect.DeepEqual(presence.OnlineUsers, []string{"can"}) {
		t.Fatalf("presence after reap = %+v", presence)
	}
}

func TestSendToSingleConnection(t *testing.T) {
	hub := newTestHub()

	conn := &fakeConn{}
	hub.AddClient("demo", "can", conn)

	hub.Send(conn, Message{Type: TypeError, Payload: ErrorPayload{Message: "bad payload"}})

	msgs := conn.received()
	if len(msgs) != 1 || msgs[0].Type != TypeError {
		t.Fatalf("got %v", msgs)
	}
}

func TestAddClientReturnsDistinctIDs(t *testing.T) {
	hub := newTestHub()
	a := hub.AddClient("demo", "can", &fakeConn{})
	b := hub.AddClient("demo", "can", &fakeConn{})
	if a == "" || a == b {
		t.Fatalf("ids not distinct: %q %q", a, b)
	}
}
