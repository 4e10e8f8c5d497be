package realtime

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/CanGoymen/todoco/domain"
)

type stubFetcher struct {
	tasks []domain.Task
}

func (s *stubFetcher) GetTasks(context.Context, string) ([]domain.Task, error) {
	return s.tasks, nil
}

func newBridgeTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func waitForMessage(t *testing.T, conn *fakeConn, msgType string) Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, msg := range conn.received() {
			if msg.Type == msgType {
				return msg
			}
		}
		select {
		case <-deadline:
			t.Fatalf("no %s message within deadline, got %v", msgType, conn.received())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestBridgeRelaysPeerNotices(t *testing.T) {
	client := newBridgeTestClient(t)
	logger := log.New()
	logger.SetLevel(log.PanicLevel)

	hub := newTestHub()
	conn := &fakeConn{}
	hub.AddClient("demo", "can", conn)

	store := &stubFetcher{tasks: []domain.Task{{ID: "t1", Text: "relayed"}}}
	bridge := NewBridge(client, "workspace-changes", hub, store, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx)

	// Give the subscriber a moment to attach before publishing.
	deadline := time.After(2 * time.Second)
	for {
		n, err := client.PubSubNumSub(ctx, "workspace-changes").Result()
		if err == nil && n["workspace-changes"] > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("subscriber never attached")
		case <-time.After(10 * time.Millisecond):
		}
	}

	notice, err := sonic.Marshal(changeNotice{Origin: "peer-instance", WorkspaceID: "demo"})
	if err != nil {
		t.Fatalf("marshal notice: %v", err)
	}
	if err := client.Publish(ctx, "workspace-changes", string(notice)).Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg := waitForMessage(t, conn, TypeTaskListFull)
	data, err := sonic.Marshal(msg.Payload)
	if err != nil {
		t.Fatalf("re-marshal payload: %v", err)
	}
	var payload TaskListPayload
	if err := sonic.Unmarshal(data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.WorkspaceID != "demo" || len(payload.Tasks) != 1 || payload.Tasks[0].ID != "t1" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestBridgeSkipsOwnNotices(t *testing.T) {
	client := newBridgeTestClient(t)
	logger := log.New()
	logger.SetLevel(log.PanicLevel)

	hub := newTestHub()
	conn := &fakeConn{}
	hub.AddClient("demo", "can", conn)

	bridge := NewBridge(client, "workspace-changes", hub, &stubFetcher{}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bridge.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		n, err := client.PubSubNumSub(ctx, "workspace-changes").Result()
		if err == nil && n["workspace-changes"] > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("subscriber never attached")
		case <-time.After(10 * time.Millisecond):
		}
	}

	bridge.Publish(ctx, "demo")

	time.Sleep(200 * time.Millisecond)
	if msgs := conn.received(); len(msgs) != 0 {
		t.Fatalf("own notice must not echo back, got %v", msgs)
	}
}

func TestBridgeWithoutRedisIsInert(t *testing.T) {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	bridge := NewBridge(nil, "workspace-changes", newTestHub(), &stubFetcher{}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		bridge.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run with nil redis must return immediately")
	}

	bridge.Publish(context.Background(), "demo")
}
