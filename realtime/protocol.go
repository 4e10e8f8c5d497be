package realtime

import "github.com/CanGoymen/todoco/domain"

// Client to server message types.
const (
	TypeRequestFullSync = "request_full_sync"
	TypeTaskUpdate      = "task_update"
	TypeTaskBulkUpdate  = "task_bulk_update"
)

// Server to client message types.
const (
	TypeTaskListFull   = "task_list_full"
	TypeTaskChanged    = "task_changed"
	TypePresenceUpdate = "user_presence_update"
	TypeUserUpdated    = "user:updated"
	TypeError          = "error"
)

// Message is the envelope every websocket frame carries.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// TaskListPayload carries the full canonical task list.
type TaskListPayload struct {
	WorkspaceID string        `json:"workspace_id"`
	Tasks       []domain.Task `json:"tasks"`
}

// TaskChangedPayload carries one merged task after a single-task mutation.
type TaskChangedPayload struct {
	WorkspaceID string      `json:"workspace_id"`
	Task        domain.Task `json:"task"`
	UpdatedBy   *string     `json:"updated_by,omitempty"`
}

// PresencePayload reports who is connected to a workspace. Both fields
// count distinct usernames, so one user on two tabs appears once; unnamed
// connections stay out of the count entirely.
type PresencePayload struct {
	WorkspaceID string   `json:"workspace_id"`
	Connected   int      `json:"connected"`
	OnlineUsers []string `json:"online_users"`
}

// UserUpdatedPayload announces a profile change to every connected client.
// OldUsername carries the name before a rename so clients can remap the
// assignee and presence entries they already hold.
type UserUpdatedPayload struct {
	OldUsername  string `json:"old_username"`
	Username     string `json:"username"`
	FullName     string `json:"full_name"`
	AvatarBase64 string `json:"avatar_base64"`
}

// ErrorPayload is sent in reply to a malformed or failed client message.
type ErrorPayload struct {
	Message string `json:"message"`
}

// InboundTaskUpdate is the payload of a task_update client message.
type InboundTaskUpdate struct {
	Task      domain.TaskInput `json:"task"`
	UpdatedBy *string          `json:"updated_by"`
}

// InboundBulkUpdate is the payload of a task_bulk_update client message.
type InboundBulkUpdate struct {
	Tasks []domain.TaskInput `json:"tasks"`
}
