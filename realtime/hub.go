package realtime

import (
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Conn is the transport half of one connected client. Implementations must
// make WriteText safe for concurrent use; the hub calls it from broadcast
// paths and the heartbeat sweep at the same time.
type Conn interface {
	WriteText(data []byte) error
	Close() error
}

type clientMeta struct {
	id          string
	workspaceID string
	username    string
	alive       bool
}

// Hub tracks every websocket connection grouped by workspace and fans
// messages out to them. It also owns the heartbeat: Tick marks every
// connection stale, transports call Pong on pong frames, and the next Tick
// reaps connections that never answered.
type Hub struct {
	logger *log.Logger

	mu      sync.Mutex
	clients map[string]map[Conn]struct{}
	meta    map[Conn]*clientMeta

	stop chan struct{}
	once sync.Once
}

// NewHub creates an empty hub.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[string]map[Conn]struct{}),
		meta:    make(map[Conn]*clientMeta),
		stop:    make(chan struct{}),
	}
}

// AddClient registers a connection under the workspace and returns its
// connection id.
func (h *Hub) AddClient(workspaceID, username string, conn Conn) string {
	meta := &clientMeta{
		id:          uuid.NewString(),
		workspaceID: workspaceID,
		username:    username,
		alive:       true,
	}

	h.mu.Lock()
	conns, ok := h.clients[workspaceID]
	if !ok {
		conns = make(map[Conn]struct{})
		h.clients[workspaceID] = conns
	}
	conns[conn] = struct{}{}
	h.meta[conn] = meta
	h.mu.Unlock()

	h.logger.WithFields(log.Fields{
		"workspace": workspaceID,
		"username":  username,
		"conn":      meta.id,
	}).Debug("client connected")
	return meta.id
}

// RemoveClient drops a connection from the hub. It is safe to call for
// connections the hub no longer tracks.
func (h *Hub) RemoveClient(conn Conn) {
	h.mu.Lock()
	meta, ok := h.meta[conn]
	if ok {
		delete(h.meta, conn)
		if conns, ok := h.clients[meta.workspaceID]; ok {
			delete(conns, conn)
			if len(conns) == 0 {
				delete(h.clients, meta.workspaceID)
			}
		}
	}
	h.mu.Unlock()

	if ok {
		h.logger.WithFields(log.Fields{
			"workspace": meta.workspaceID,
			"conn":      meta.id,
		}).Debug("client disconnected")
	}
}

// Pong marks a connection alive for the current heartbeat period.
func (h *Hub) Pong(conn Conn) {
	h.mu.Lock()
	if meta, ok := h.meta[conn]; ok {
		meta.alive = true
	}
	h.mu.Unlock()
}

// Send delivers a message to a single connection.
func (h *Hub) Send(conn Conn, msg Message) {
	data, err := sonic.Marshal(msg)
	if err != nil {
		h.logger.WithError(err).Error("encode message")
		return
	}
	if err := conn.WriteText(data); err != nil {
		h.drop(conn)
	}
}

// Broadcast sends a message to every connection in one workspace. The
// payload is encoded once; connections whose write fails are dropped.
func (h *Hub) Broadcast(workspaceID string, msg Message) {
	data, err := sonic.Marshal(msg)
	if err != nil {
		h.logger.WithError(err).Error("encode broadcast")
		return
	}
	for _, conn := range h.snapshot(workspaceID) {
		if err := conn.WriteText(data); err != nil {
			h.drop(conn)
		}
	}
}

// BroadcastAll sends a message to every connection across all workspaces.
func (h *Hub) BroadcastAll(msg Message) {
	data, err := sonic.Marshal(msg)
	if err != nil {
		h.logger.WithError(err).Error("encode broadcast")
		return
	}

	h.mu.Lock()
	conns := make([]Conn, 0, len(h.meta))
	for conn := range h.meta {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		if err := conn.WriteText(data); err != nil {
			h.drop(conn)
		}
	}
}

// Presence computes the current presence of a workspace: the count and
// sorted list of distinct usernames. Connections without a username are
// tracked for liveness but invisible here.
func (h *Hub) Presence(workspaceID string) PresencePayload {
	h.mu.Lock()
	conns := h.clients[workspaceID]
	seen := make(map[string]struct{}, len(conns))
	for conn := range conns {
		if meta, ok := h.meta[conn]; ok && meta.username != "" {
			seen[meta.username] = struct{}{}
		}
	}
	h.mu.Unlock()

	users := make([]string, 0, len(seen))
	for username := range seen {
		users = append(users, username)
	}
	sort.Strings(users)
	return PresencePayload{
		WorkspaceID: workspaceID,
		Connected:   len(users),
		OnlineUsers: users,
	}
}

// BroadcastPresence pushes the current presence of a workspace to its
// connections.
func (h *Hub) BroadcastPresence(workspaceID string) {
	h.Broadcast(workspaceID, Message{
		Type:    TypePresenceUpdate,
		Payload: h.Presence(workspaceID),
	})
}

// StartHeartbeat runs the heartbeat loop until Stop is called. Each tick
// closes every connection that did not answer the previous ping, then pings
// the rest.
func (h *Hub) StartHeartbeat(interval time.Duration, ping func(Conn) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.Tick(ping)
		}
	}
}

// Tick performs one heartbeat sweep.
func (h *Hub) Tick(ping func(Conn) error) {
	h.mu.Lock()
	stale := make([]Conn, 0)
	live := make([]Conn, 0, len(h.meta))
	for conn, meta := range h.meta {
		if !meta.alive {
			stale = append(stale, conn)
			continue
		}
		meta.alive = false
		live = append(live, conn)
	}
	h.mu.Unlock()

	for _, conn := range stale {
		h.logger.WithField("workspace", h.workspaceOf(conn)).Debug("reaping unresponsive client")
		h.drop(conn)
	}
	for _, conn := range live {
		if err := ping(conn); err != nil {
			h.drop(conn)
		}
	}
}

// Stop terminates the heartbeat loop.
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.stop) })
}

func (h *Hub) snapshot(workspaceID string) []Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns := make([]Conn, 0, len(h.clients[workspaceID]))
	for conn := range h.clients[workspaceID] {
		conns = append(conns, conn)
	}
	return conns
}

func (h *Hub) workspaceOf(conn Conn) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if meta, ok := h.meta[conn]; ok {
		return meta.workspaceID
	}
	return ""
}

// drop closes a connection and recomputes presence for its workspace.
func (h *Hub) drop(conn Conn) {
	h.mu.Lock()
	meta, ok := h.meta[conn]
	var workspaceID string
	if ok {
		workspaceID = meta.workspaceID
		delete(h.meta, conn)
		if conns, ok := h.clients[workspaceID]; ok {
			delete(conns, conn)
			if len(conns) == 0 {
				delete(h.clients, workspaceID)
			}
		}
	}
	h.mu.Unlock()

	_ = conn.Close()
	if ok {
		h.BroadcastPresence(workspaceID)
	}
}
