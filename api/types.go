package api

import (
	"context"

	"github.com/CanGoymen/todoco/domain"
)

// Workspaces abstracts the workspace task store for handlers.
type Workspaces interface {
	GetTasks(ctx context.Context, workspaceID string) ([]domain.Task, error)
	GetState(ctx context.Context, workspaceID string) (*domain.WorkspaceState, error)
	UpsertTask(ctx context.Context, workspaceID string, input domain.TaskInput, actor string) (*domain.Task, error)
	ReplaceTasks(ctx context.Context, workspaceID string, items []domain.TaskInput, actor string) ([]domain.Task, error)
	ToggleTask(ctx context.Context, workspaceID, taskID string, done bool) (*domain.Task, error)
	UpdateTaskProgress(ctx context.Context, workspaceID, taskID string, progress *float64) (*domain.Task, error)
	CreateWorkspace(ctx context.Context, workspaceID string) (*domain.WorkspaceState, error)
	DeleteWorkspace(ctx context.Context, workspaceID string) error
	ListWorkspaces(ctx context.Context) ([]domain.WorkspaceSummary, error)
	Stats(ctx context.Context, workspaceID string) (*domain.WorkspaceStats, error)
	CheckWorkspace(ctx context.Context, workspaceID string) (bool, string, error)
	ListVersions(ctx context.Context, workspaceID string) ([]domain.WorkspaceSnapshot, error)
	RestoreVersion(ctx context.Context, workspaceID string, version int64) ([]domain.Task, error)
	DeleteVersion(ctx context.Context, workspaceID string, version int64) error
	DeleteVersions(ctx context.Context, workspaceID string) error
}

// Users abstracts the user directory for handlers.
type Users interface {
	Register(ctx context.Context, input domain.UserInput) (*domain.User, error)
	Authenticate(ctx context.Context, email, password string) (*domain.User, error)
	AuthenticateAdmin(ctx context.Context, username, password string) (*domain.User, error)
	Get(ctx context.Context, username string) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	List(ctx context.Context) ([]domain.User, error)
	Members(ctx context.Context, workspaceID string) ([]domain.User, error)
	Update(ctx context.Context, username string, input domain.UserInput) (*domain.User, error)
	Delete(ctx context.Context, username string) error
	Join(ctx context.Context, email, workspaceID, secret string) (*domain.User, error)
}

// Authenticator validates client credentials and mints admin tokens.
type Authenticator interface {
	AuthorizeClient(authHeader, queryToken string) error
	CreateAdminToken(username string) (string, error)
	UsernameFromAdminToken(authHeader string) (string, error)
}
