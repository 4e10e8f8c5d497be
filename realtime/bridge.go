package realtime

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/CanGoymen/todoco/domain"
)

// TaskFetcher loads the canonical task list of one workspace.
type TaskFetcher interface {
	GetTasks(ctx context.Context, workspaceID string) ([]domain.Task, error)
}

type changeNotice struct {
	Origin      string `json:"origin"`
	WorkspaceID string `json:"workspace_id"`
}

// Bridge relays workspace changes between instances over a Redis pub/sub
// channel. Every instance publishes a notice after committing a mutation and
// re-broadcasts the full task list when it receives a notice from a peer.
// Notices carry the publisher's origin id so an instance skips its own.
type Bridge struct {
	origin  string
	channel string
	redis   *redis.Client
	hub     *Hub
	store   TaskFetcher
	logger  *log.Logger
}

// NewBridge creates a bridge over the given Redis client. A nil client
// yields a bridge whose Publish is a no-op and whose Run returns
// immediately, which is the single-instance mode.
func NewBridge(client *redis.Client, channel string, hub *Hub, store TaskFetcher, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Bridge{
		origin:  uuid.NewString(),
		channel: channel,
		redis:   client,
		hub:     hub,
		store:   store,
		logger:  logger,
	}
}

// Publish announces a committed mutation to peer instances.
func (b *Bridge) Publish(ctx context.Context, workspaceID string) {
	if b.redis == nil {
		return
	}
	data, err := sonic.Marshal(changeNotice{Origin: b.origin, WorkspaceID: workspaceID})
	if err != nil {
		b.logger.WithError(err).Error("encode change notice")
		return
	}
	if err := b.redis.Publish(ctx, b.channel, string(data)).Err(); err != nil {
		b.logger.WithError(err).Error("publish change notice")
	}
}

// Run listens for peer notices and re-broadcasts affected workspaces until
// the context is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	if b.redis == nil {
		return
	}
	for {
		sub := b.redis.Subscribe(ctx, b.channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				b.handle(ctx, msg.Payload)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		b.logger.Error("pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}

func (b *Bridge) handle(ctx context.Context, payload string) {
	var notice changeNotice
	if err := sonic.Unmarshal([]byte(payload), &notice); err != nil {
		b.logger.WithError(err).Error("unable to parse change notice")
		return
	}
	if notice.Origin == b.origin || notice.WorkspaceID == "" {
		return
	}
	tasks, err := b.store.GetTasks(ctx, notice.WorkspaceID)
	if err != nil {
		b.logger.WithError(err).WithField("workspace", notice.WorkspaceID).Error("fetch tasks for relay")
		return
	}
	b.hub.Broadcast(notice.WorkspaceID, Message{
		Type: TypeTaskListFull,
		Payload: TaskListPayload{
			WorkspaceID: notice.WorkspaceID,
			Tasks:       tasks,
		},
	})
}
