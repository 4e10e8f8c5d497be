package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/CanGoymen/todoco/domain"
	"github.com/CanGoymen/todoco/realtime"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The shared client token is the access control; browser origin checks
	// would only lock out the deployments that proxy the frontend elsewhere.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsConn adapts a gorilla connection to the hub. Gorilla allows one
// concurrent writer, so every write path shares the mutex, including the
// ping frames sent by the heartbeat.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// WSPing is the heartbeat ping used with Hub.StartHeartbeat.
func WSPing(conn realtime.Conn) error {
	wc, ok := conn.(*wsConn)
	if !ok {
		return nil
	}
	return wc.Ping()
}

func registerWebsocket(e *echo.Echo, ws Workspaces, auth Authenticator, hub *realtime.Hub, bridge *realtime.Bridge, logger *log.Logger) {
	e.GET("/ws/:workspace", serveWorkspaceSocket(ws, auth, hub, bridge, logger))
}

func serveWorkspaceSocket(ws Workspaces, auth Authenticator, hub *realtime.Hub, bridge *realtime.Bridge, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		if err := auth.AuthorizeClient(header, c.QueryParam("token")); err != nil {
			return errJSON(c, http.StatusUnauthorized, "unauthorized")
		}

		workspaceID := domain.NormalizeWorkspaceID(c.Param("workspace"))
		if workspaceID == "" {
			return errJSON(c, http.StatusBadRequest, "invalid_workspace_id")
		}
		username := c.QueryParam("username")

		raw, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			return err
		}
		conn := &wsConn{conn: raw}

		ctx := c.Request().Context()
		hub.AddClient(workspaceID, username, conn)
		raw.SetPongHandler(func(string) error {
			hub.Pong(conn)
			return nil
		})

		defer func() {
			hub.RemoveClient(conn)
			_ = raw.Close()
			hub.BroadcastPresence(workspaceID)
		}()

		// Initial sync: the full list first, then who is online.
		tasks, err := ws.GetTasks(ctx, workspaceID)
		if err != nil {
			hub.Send(conn, realtime.Message{Type: realtime.TypeError, Payload: realtime.ErrorPayload{Message: "failed to load tasks"}})
			return nil
		}
		hub.Send(conn, realtime.Message{
			Type:    realtime.TypeTaskListFull,
			Payload: realtime.TaskListPayload{WorkspaceID: workspaceID, Tasks: tasks},
		})
		hub.BroadcastPresence(workspaceID)

		for {
			_, data, err := raw.ReadMessage()
			if err != nil {
				return nil
			}
			var msg realtime.Message
			if err := sonic.Unmarshal(data, &msg); err != nil {
				hub.Send(conn, realtime.Message{Type: realtime.TypeError, Payload: realtime.ErrorPayload{Message: "invalid message"}})
				continue
			}
			handleClientMessage(c, ws, hub, bridge, conn, workspaceID, msg, logger)
		}
	}
}

func handleClientMessage(c echo.Context, ws Workspaces, hub *realtime.Hub, bridge *realtime.Bridge, conn *wsConn, workspaceID string, msg realtime.Message, logger *log.Logger) {
	ctx := c.Request().Context()

	switch msg.Type {
	case realtime.TypeRequestFullSync:
		tasks, err := ws.GetTasks(ctx, workspaceID)
		if err != nil {
			hub.Send(conn, realtime.Message{Type: realtime.TypeError, Payload: realtime.ErrorPayload{Message: "failed to load tasks"}})
			return
		}
		hub.Send(conn, realtime.Message{
			Type:    realtime.TypeTaskListFull,
			Payload: realtime.TaskListPayload{WorkspaceID: workspaceID, Tasks: tasks},
		})

	case realtime.TypeTaskUpdate:
		var payload realtime.InboundTaskUpdate
		if err := decodePayload(msg.Payload, &payload); err != nil {
			hub.Send(conn, realtime.Message{Type: realtime.TypeError, Payload: realtime.ErrorPayload{Message: "invalid task payload"}})
			return
		}
		task, err := ws.UpsertTask(ctx, workspaceID, payload.Task, "ws:task_update")
		if err != nil {
			logger.WithError(err).WithField("workspace", workspaceID).Error("ws task update")
			hub.Send(conn, realtime.Message{Type: realtime.TypeError, Payload: realtime.ErrorPayload{Message: "task update failed"}})
			return
		}
		hub.Broadcast(workspaceID, realtime.Message{
			Type: realtime.TypeTaskChanged,
			Payload: realtime.TaskChangedPayload{
				WorkspaceID: workspaceID,
				Task:        *task,
				UpdatedBy:   payload.UpdatedBy,
			},
		})
		bridge.Publish(ctx, workspaceID)

	case realtime.TypeTaskBulkUpdate:
		var payload realtime.InboundBulkUpdate
		if err := decodePayload(msg.Payload, &payload); err != nil {
			hub.Send(conn, realtime.Message{Type: realtime.TypeError, Payload: realtime.ErrorPayload{Message: "invalid bulk payload"}})
			return
		}
		tasks, err := ws.ReplaceTasks(ctx, workspaceID, payload.Tasks, "ws:bulk_replace")
		if err != nil {
			logger.WithError(err).WithField("workspace", workspaceID).Error("ws bulk update")
			hub.Send(conn, realtime.Message{Type: realtime.TypeError, Payload: realtime.ErrorPayload{Message: "bulk update failed"}})
			return
		}
		hub.Broadcast(workspaceID, realtime.Message{
			Type:    realtime.TypeTaskListFull,
			Payload: realtime.TaskListPayload{WorkspaceID: workspaceID, Tasks: tasks},
		})
		bridge.Publish(ctx, workspaceID)

	default:
		hub.Send(conn, realtime.Message{Type: realtime.TypeError, Payload: realtime.ErrorPayload{Message: "unknown message type"}})
	}
}

// decodePayload re-marshals the loosely typed payload field into its
// concrete shape.
func decodePayload(payload any, out any) error {
	data, err := sonic.Marshal(payload)
	if err != nil {
		return err
	}
	return sonic.Unmarshal(data, out)
}
