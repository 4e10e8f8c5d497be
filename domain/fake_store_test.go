package domain

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// fakeStore is an in-memory Storage used by the service tests. It mirrors
// the table semantics: point lookups return (nil, nil) when missing and
// inserts fail with ErrEntityExists on duplicate keys.
type fakeStore struct {
	mu        sync.Mutex
	states    map[string]WorkspaceState
	snapshots map[string]map[int64]WorkspaceSnapshot
	users     map[string]User

	failSnapshots bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		states:    make(map[string]WorkspaceState),
		snapshots: make(map[string]map[int64]WorkspaceSnapshot),
		users:     make(map[string]User),
	}
}

func (f *fakeStore) GetState(_ context.Context, workspaceID string) (*WorkspaceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[workspaceID]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (f *fakeStore) InsertState(_ context.Context, state WorkspaceState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[state.WorkspaceID]; ok {
		return ErrEntityExists
	}
	f.states[state.WorkspaceID] = state
	return nil
}

func (f *fakeStore) UpdateState(_ context.Context, state WorkspaceState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[state.WorkspaceID] = state
	return nil
}

func (f *fakeStore) DeleteState(_ context.Context, workspaceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, workspaceID)
	return nil
}

func (f *fakeStore) ListStates(_ context.Context) ([]WorkspaceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]WorkspaceState, 0, len(f.states))
	for _, state := range f.states {
		out = append(out, state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkspaceID < out[j].WorkspaceID })
	return out, nil
}

func (f *fakeStore) AppendSnapshot(_ context.Context, snapshot WorkspaceSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSnapshots {
		return fmt.Errorf("snapshot table unavailable")
	}
	versions, ok := f.snapshots[snapshot.WorkspaceID]
	if !ok {
		versions = make(map[int64]WorkspaceSnapshot)
		f.snapshots[snapshot.WorkspaceID] = versions
	}
	if _, ok := versions[snapshot.Version]; ok {
		return ErrEntityExists
	}
	versions[snapshot.Version] = snapshot
	return nil
}

func (f *fakeStore) GetSnapshot(_ context.Context, workspaceID string, version int64) (*WorkspaceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot, ok := f.snapshots[workspaceID][version]
	if !ok {
		return nil, nil
	}
	return &snapshot, nil
}

func (f *fakeStore) ListSnapshots(_ context.Context, workspaceID string) ([]WorkspaceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]WorkspaceSnapshot, 0, len(f.snapshots[workspaceID]))
	for _, snapshot := range f.snapshots[workspaceID] {
		out = append(out, snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (f *fakeStore) DeleteSnapshot(_ context.Context, workspaceID string, version int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.snapshots[workspaceID], version)
	return nil
}

func (f *fakeStore) DeleteSnapshots(_ context.Context, workspaceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.snapshots, workspaceID)
	return nil
}

func (f *fakeStore) GetUser(_ context.Context, username string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[username]
	if !ok {
		return nil, nil
	}
	return &user, nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.Email == email {
			u := user
			return &u, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) InsertUser(_ context.Context, user User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[user.Username]; ok {
		return ErrEntityExists
	}
	f.users[user.Username] = user
	return nil
}

func (f *fakeStore) UpdateUser(_ context.Context, user User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.Username] = user
	return nil
}

func (f *fakeStore) DeleteUser(_ context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.users, username)
	return nil
}

func (f *fakeStore) ListUsers(_ context.Context) ([]User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]User, 0, len(f.users))
	for _, user := range f.users {
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}
