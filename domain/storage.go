package domain

import "context"

// Storage is the persistence port the services operate over. Implementations
// must return (nil, nil) from point lookups that find nothing and
// ErrEntityExists from inserts that violate a unique key.
type Storage interface {
	GetState(ctx context.Context, workspaceID string) (*WorkspaceState, error)
	InsertState(ctx context.Context, state WorkspaceState) error
	UpdateState(ctx context.Context, state WorkspaceState) error
	DeleteState(ctx context.Context, workspaceID string) error
	ListStates(ctx context.Context) ([]WorkspaceState, error)

	AppendSnapshot(ctx context.Context, snapshot WorkspaceSnapshot) error
	GetSnapshot(ctx context.Context, workspaceID string, version int64) (*WorkspaceSnapshot, error)
	ListSnapshots(ctx context.Context, workspaceID string) ([]WorkspaceSnapshot, error)
	DeleteSnapshot(ctx context.Context, workspaceID string, version int64) error
	DeleteSnapshots(ctx context.Context, workspaceID string) error

	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	InsertUser(ctx context.Context, user User) error
	UpdateUser(ctx context.Context, user User) error
	DeleteUser(ctx context.Context, username string) error
	ListUsers(ctx context.Context) ([]User, error)
}
