package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"github.com/CanGoymen/todoco/domain"
)

const (
	stateRowKey      = "state"
	userPartitionKey = "user"
)

// Storage persists workspace state, version history and the user directory
// in Azure Table Storage. Workspace state lives in the states table under
// PartitionKey=<workspace>, RowKey="state"; snapshots in the versions table
// under PartitionKey=<workspace> with a zero-padded version RowKey so
// lexicographic row order is version order; users in the users table under a
// single "user" partition keyed by username.
type Storage struct {
	statesTable   *aztables.Client
	versionsTable *aztables.Client
	usersTable    *aztables.Client
}

// New creates a Storage instance from the given connection string.
func New(connStr, statesTable, versionsTable, usersTable string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{
		statesTable:   svc.NewClient(statesTable),
		versionsTable: svc.NewClient(versionsTable),
		usersTable:    svc.NewClient(usersTable),
	}, nil
}

type stateEntity struct {
	aztables.Entity
	Secret    string `json:"Secret"`
	Tasks     string `json:"Tasks"`
	Version   string `json:"Version"`
	UpdatedAt string `json:"UpdatedAt"`
}

type snapshotEntity struct {
	aztables.Entity
	Tasks     string `json:"Tasks"`
	Markdown  string `json:"Markdown"`
	Actor     string `json:"Actor"`
	CreatedAt string `json:"CreatedAt"`
}

type userEntity struct {
	aztables.Entity
	FullName     string `json:"FullName"`
	Email        string `json:"Email"`
	AvatarBase64 string `json:"AvatarBase64"`
	PasswordHash string `json:"PasswordHash"`
	IsAdmin      bool   `json:"IsAdmin"`
	Workspaces   string `json:"Workspaces"`
	CreatedAt    string `json:"CreatedAt"`
	UpdatedAt    string `json:"UpdatedAt"`
}

func versionRowKey(version int64) string {
	return fmt.Sprintf("%012d", version)
}

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

func encodeTasks(tasks []domain.Task) (string, error) {
	if tasks == nil {
		tasks = []domain.Task{}
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeTasks(raw string) ([]domain.Task, error) {
	if raw == "" {
		return []domain.Task{}, nil
	}
	var tasks []domain.Task
	if err := json.Unmarshal([]byte(raw), &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func stateToEntity(state domain.WorkspaceState) (*stateEntity, error) {
	tasks, err := encodeTasks(state.Tasks)
	if err != nil {
		return nil, err
	}
	return &stateEntity{
		Entity:    aztables.Entity{PartitionKey: state.WorkspaceID, RowKey: stateRowKey},
		Secret:    state.Secret,
		Tasks:     tasks,
		Version:   strconv.FormatInt(state.Version, 10),
		UpdatedAt: state.UpdatedAt,
	}, nil
}

func entityToState(data []byte) (*domain.WorkspaceState, error) {
	var ent stateEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return nil, err
	}
	tasks, err := decodeTasks(ent.Tasks)
	if err != nil {
		return nil, err
	}
	version, err := strconv.ParseInt(ent.Version, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("state %s has bad version %q: %w", ent.PartitionKey, ent.Version, err)
	}
	return &domain.WorkspaceState{
		WorkspaceID: ent.PartitionKey,
		Secret:      ent.Secret,
		Tasks:       tasks,
		Version:     version,
		UpdatedAt:   ent.UpdatedAt,
	}, nil
}

// GetState retrieves the current workspace state if present.
func (s *Storage) GetState(ctx context.Context, workspaceID string) (*domain.WorkspaceState, error) {
	ent, err := s.statesTable.GetEntity(ctx, workspaceID, stateRowKey, nil)
	if err != nil {
		if isStatus(err, 404) {
			return nil, nil
		}
		return nil, err
	}
	return entityToState(ent.Value)
}

// InsertState creates the workspace state row, failing when it exists.
func (s *Storage) InsertState(ctx context.Context, state domain.WorkspaceState) error {
	ent, err := stateToEntity(state)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	if _, err := s.statesTable.AddEntity(ctx, payload, nil); err != nil {
		if isStatus(err, 409) {
			return domain.ErrEntityExists
		}
		return err
	}
	return nil
}

// UpdateState replaces the workspace state row.
func (s *Storage) UpdateState(ctx context.Context, state domain.WorkspaceState) error {
	ent, err := stateToEntity(state)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.statesTable.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// DeleteState removes the workspace state row; absent rows are not an error.
func (s *Storage) DeleteState(ctx context.Context, workspaceID string) error {
	if _, err := s.statesTable.DeleteEntity(ctx, workspaceID, stateRowKey, nil); err != nil && !isStatus(err, 404) {
		return err
	}
	return nil
}

// ListStates retrieves every workspace state.
func (s *Storage) ListStates(ctx context.Context) ([]domain.WorkspaceState, error) {
	pager := s.statesTable.NewListEntitiesPager(nil)
	states := []domain.WorkspaceState{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			state, err := entityToState(e)
			if err != nil {
				return nil, err
			}
			states = append(states, *state)
		}
	}
	return states, nil
}

// AppendSnapshot adds one version row; an existing version is a conflict.
func (s *Storage) AppendSnapshot(ctx context.Context, snapshot domain.WorkspaceSnapshot) error {
	tasks, err := encodeTasks(snapshot.Tasks)
	if err != nil {
		return err
	}
	ent := snapshotEntity{
		Entity:    aztables.Entity{PartitionKey: snapshot.WorkspaceID, RowKey: versionRowKey(snapshot.Version)},
		Tasks:     tasks,
		Markdown:  snapshot.Markdown,
		Actor:     snapshot.Actor,
		CreatedAt: snapshot.CreatedAt,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	if _, err := s.versionsTable.AddEntity(ctx, payload, nil); err != nil {
		if isStatus(err, 409) {
			return domain.ErrEntityExists
		}
		return err
	}
	return nil
}

func entityToSnapshot(data []byte) (*domain.WorkspaceSnapshot, error) {
	var ent snapshotEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return nil, err
	}
	tasks, err := decodeTasks(ent.Tasks)
	if err != nil {
		return nil, err
	}
	version, err := strconv.ParseInt(ent.RowKey, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s has bad row key %q: %w", ent.PartitionKey, ent.RowKey, err)
	}
	return &domain.WorkspaceSnapshot{
		WorkspaceID: ent.PartitionKey,
		Version:     version,
		Tasks:       tasks,
		Markdown:    ent.Markdown,
		Actor:       ent.Actor,
		CreatedAt:   ent.CreatedAt,
	}, nil
}

// GetSnapshot retrieves one version row if present.
func (s *Storage) GetSnapshot(ctx context.Context, workspaceID string, version int64) (*domain.WorkspaceSnapshot, error) {
	ent, err := s.versionsTable.GetEntity(ctx, workspaceID, versionRowKey(version), nil)
	if err != nil {
		if isStatus(err, 404) {
			return nil, nil
		}
		return nil, err
	}
	return entityToSnapshot(ent.Value)
}

// ListSnapshots retrieves the version history, newest first.
func (s *Storage) ListSnapshots(ctx context.Context, workspaceID string) ([]domain.WorkspaceSnapshot, error) {
	filter := "PartitionKey eq '" + workspaceID + "'"
	pager := s.versionsTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	snapshots := []domain.WorkspaceSnapshot{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			snapshot, err := entityToSnapshot(e)
			if err != nil {
				return nil, err
			}
			snapshots = append(snapshots, *snapshot)
		}
	}
	// Rows page back in ascending row key order.
	for i, j := 0, len(snapshots)-1; i < j; i, j = i+1, j-1 {
		snapshots[i], snapshots[j] = snapshots[j], snapshots[i]
	}
	return snapshots, nil
}

// DeleteSnapshot removes one version row; absent rows are not an error.
func (s *Storage) DeleteSnapshot(ctx context.Context, workspaceID string, version int64) error {
	if _, err := s.versionsTable.DeleteEntity(ctx, workspaceID, versionRowKey(version), nil); err != nil && !isStatus(err, 404) {
		return err
	}
	return nil
}

// DeleteSnapshots removes the entire history of a workspace.
func (s *Storage) DeleteSnapshots(ctx context.Context, workspaceID string) error {
	snapshots, err := s.ListSnapshots(ctx, workspaceID)
	if err != nil {
		return err
	}
	for _, snapshot := range snapshots {
		if err := s.DeleteSnapshot(ctx, workspaceID, snapshot.Version); err != nil {
			return err
		}
	}
	return nil
}

func userToEntity(user domain.User) (*userEntity, error) {
	workspaces := user.Workspaces
	if workspaces == nil {
		workspaces = []string{}
	}
	data, err := json.Marshal(workspaces)
	if err != nil {
		return nil, err
	}
	return &userEntity{
		Entity:       aztables.Entity{PartitionKey: userPartitionKey, RowKey: user.Username},
		FullName:     user.FullName,
		Email:        user.Email,
		AvatarBase64: user.AvatarBase64,
		PasswordHash: user.PasswordHash,
		IsAdmin:      user.IsAdmin,
		Workspaces:   string(data),
		CreatedAt:    user.CreatedAt,
		UpdatedAt:    user.UpdatedAt,
	}, nil
}

func entityToUser(data []byte) (*domain.User, error) {
	var ent userEntity
	if err := json.Unmarshal(data, &ent); err != nil {
		return nil, err
	}
	workspaces := []string{}
	if ent.Workspaces != "" {
		if err := json.Unmarshal([]byte(ent.Workspaces), &workspaces); err != nil {
			return nil, err
		}
	}
	return &domain.User{
		Username:     ent.RowKey,
		FullName:     ent.FullName,
		Email:        ent.Email,
		AvatarBase64: ent.AvatarBase64,
		PasswordHash: ent.PasswordHash,
		IsAdmin:      ent.IsAdmin,
		Workspaces:   workspaces,
		CreatedAt:    ent.CreatedAt,
		UpdatedAt:    ent.UpdatedAt,
	}, nil
}

// GetUser retrieves a user by username if present.
func (s *Storage) GetUser(ctx context.Context, username string) (*domain.User, error) {
	ent, err := s.usersTable.GetEntity(ctx, userPartitionKey, username, nil)
	if err != nil {
		if isStatus(err, 404) {
			return nil, nil
		}
		return nil, err
	}
	return entityToUser(ent.Value)
}

// GetUserByEmail retrieves a user by email if present.
func (s *Storage) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	filter := "PartitionKey eq '" + userPartitionKey + "' and Email eq '" + email + "'"
	pager := s.usersTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			return entityToUser(e)
		}
	}
	return nil, nil
}

// InsertUser creates a user row, failing when the username is taken.
func (s *Storage) InsertUser(ctx context.Context, user domain.User) error {
	ent, err := userToEntity(user)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	if _, err := s.usersTable.AddEntity(ctx, payload, nil); err != nil {
		if isStatus(err, 409) {
			return domain.ErrEntityExists
		}
		return err
	}
	return nil
}

// UpdateUser replaces a user row.
func (s *Storage) UpdateUser(ctx context.Context, user domain.User) error {
	ent, err := userToEntity(user)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.usersTable.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace})
	return err
}

// DeleteUser removes a user row; absent rows are not an error.
func (s *Storage) DeleteUser(ctx context.Context, username string) error {
	if _, err := s.usersTable.DeleteEntity(ctx, userPartitionKey, username, nil); err != nil && !isStatus(err, 404) {
		return err
	}
	return nil
}

// ListUsers retrieves the entire user directory.
func (s *Storage) ListUsers(ctx context.Context) ([]domain.User, error) {
	pager := s.usersTable.NewListEntitiesPager(nil)
	users := []domain.User{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			user, err := entityToUser(e)
			if err != nil {
				return nil, err
			}
			users = append(users, *user)
		}
	}
	return users, nil
}
