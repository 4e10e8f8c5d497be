package domain

import (
	"context"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Mutation actors recorded on snapshots written by the service itself.
const (
	ActorSeed     = "system:seed"
	ActorCreate   = "system:create"
	ActorToggle   = "task_toggle"
	ActorProgress = "task_progress"
	ActorRestore  = "admin:restore"
)

// WorkspaceService is the single writer for workspace task state. Every
// mutation re-normalizes and re-sorts the full task list, bumps the state
// version by exactly one and appends a snapshot tagged with the acting
// party. Mutations to the same workspace are serialized by a per-workspace
// mutex, so two in-process writers cannot both observe the same
// pre-mutation version; across instances the merge timestamp policy is the
// only arbiter.
type WorkspaceService struct {
	st     Storage
	logger *log.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewWorkspaceService builds a service over the given storage.
func NewWorkspaceService(st Storage, logger *log.Logger) *WorkspaceService {
	if st == nil {
		panic("domain.NewWorkspaceService: storage is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &WorkspaceService{
		st:     st,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *WorkspaceService) workspaceLock(workspaceID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[workspaceID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[workspaceID] = lock
	}
	return lock
}

func (s *WorkspaceService) normalize(workspaceID string) (string, error) {
	normalized := NormalizeWorkspaceID(workspaceID)
	if normalized == "" {
		return "", ErrInvalidWorkspaceID
	}
	return normalized, nil
}

func (s *WorkspaceService) resolver(ctx context.Context) (*AssigneeResolver, error) {
	users, err := s.st.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return NewAssigneeResolver(users), nil
}

// getState loads the workspace state, seeding it on first access.
func (s *WorkspaceService) getState(ctx context.Context, workspaceID string) (*WorkspaceState, error) {
	state, err := s.st.GetState(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if state != nil {
		return state, nil
	}
	return s.seedWorkspace(ctx, workspaceID)
}

// seedWorkspace materializes the sample task set at version 1. Two callers
// racing here both attempt the unique insert; the loser re-reads the
// winner's state instead of erroring.
func (s *WorkspaceService) seedWorkspace(ctx context.Context, workspaceID string) (*WorkspaceState, error) {
	seededAt := NowISO()
	samples := SampleTasks()
	tasks := make([]Task, len(samples))
	for i, input := range samples {
		priority := float64(i)
		input.Priority = &priority
		input.UpdatedAt = seededAt
		tasks[i] = NewTask(input, i)
	}

	resolver, err := s.resolver(ctx)
	if err != nil {
		return nil, err
	}
	normalized := SortTasks(resolver.Resolve(tasks))

	state := WorkspaceState{
		WorkspaceID: workspaceID,
		Secret:      NewWorkspaceSecret(),
		Tasks:       normalized,
		Version:     1,
		UpdatedAt:   seededAt,
	}
	if err := s.st.InsertState(ctx, state); err != nil {
		if existing, raceErr := s.st.GetState(ctx, workspaceID); raceErr == nil && existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("seed workspace %s: %w", workspaceID, err)
	}
	if err := s.st.AppendSnapshot(ctx, WorkspaceSnapshot{
		WorkspaceID: workspaceID,
		Version:     1,
		Tasks:       normalized,
		Markdown:    SerializeTasksToMarkdown(normalized),
		Actor:       ActorSeed,
		CreatedAt:   seededAt,
	}); err != nil {
		return nil, fmt.Errorf("seed snapshot for %s: %w", workspaceID, err)
	}

	s.logger.WithField("workspace", workspaceID).Info("seeded workspace")
	return &state, nil
}

// writeState commits nextTasks as the new canonical list: assignees are
// re-resolved, every task re-normalized at its position, the list sorted,
// the version bumped and a snapshot appended. A snapshot append failing
// after the state write breaks the append-only history guarantee and is
// propagated, never swallowed. Callers hold the workspace lock.
func (s *WorkspaceService) writeState(ctx context.Context, workspaceID string, nextTasks []Task, actor string) ([]Task, error) {
	current, err := s.getState(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	resolver, err := s.resolver(ctx)
	if err != nil {
		return nil, err
	}
	normalized := SortTasks(resolver.Resolve(nextTasks))

	updatedAt := NowISO()
	nextVersion := current.Version + 1

	if err := s.st.UpdateState(ctx, WorkspaceState{
		WorkspaceID: workspaceID,
		Secret:      current.Secret,
		Tasks:       normalized,
		Version:     nextVersion,
		UpdatedAt:   updatedAt,
	}); err != nil {
		return nil, fmt.Errorf("write state %s v%d: %w", workspaceID, nextVersion, err)
	}
	if err := s.st.AppendSnapshot(ctx, WorkspaceSnapshot{
		WorkspaceID: workspaceID,
		Version:     nextVersion,
		Tasks:       normalized,
		Markdown:    SerializeTasksToMarkdown(normalized),
		Actor:       actor,
		CreatedAt:   updatedAt,
	}); err != nil {
		return nil, fmt.Errorf("snapshot %s v%d after state write: %w", workspaceID, nextVersion, err)
	}

	s.logger.WithFields(log.Fields{
		"workspace": workspaceID,
		"version":   nextVersion,
		"actor":     actor,
		"tasks":     len(normalized),
	}).Debug("workspace state committed")

	return normalized, nil
}

// GetTasks returns the sorted canonical task list, lazily seeding the
// workspace on first access.
func (s *WorkspaceService) GetTasks(ctx context.Context, workspaceID string) ([]Task, error) {
	normalized, err := s.normalize(workspaceID)
	if err != nil {
		return nil, err
	}
	state, err := s.getState(ctx, normalized)
	if err != nil {
		return nil, err
	}
	tasks := make([]Task, len(state.Tasks))
	for i, task := range state.Tasks {
		tasks[i] = NewTask(task.Input(), i)
	}
	return SortTasks(tasks), nil
}

// GetState returns the full workspace state including secret and version.
func (s *WorkspaceService) GetState(ctx context.Context, workspaceID string) (*WorkspaceState, error) {
	normalized, err := s.normalize(workspaceID)
	if err != nil {
		return nil, err
	}
	return s.getState(ctx, normalized)
}

// ReplaceTasks swaps the entire task list. Every item is re-normalized with
// its array index as the priority fallback; tasks missing from items are
// dropped.
func (s *WorkspaceService) ReplaceTasks(ctx context.Context, workspaceID string, items []TaskInput, actor string) ([]Task, error) {
	normalized, err := s.normalize(workspaceID)
	if err != nil {
		return nil, err
	}

	next := make([]Task, len(items))
	for i, item := range items {
		if item.UpdatedAt == "" {
			item.UpdatedAt = NowISO()
		}
		next[i] = NewTask(item, i)
	}

	lock := s.workspaceLock(normalized)
	lock.Lock()
	defer lock.Unlock()
	return s.writeState(ctx, normalized, next, actor)
}

// UpsertTask merges the input into an existing task with the same id via
// last-writer-wins, or appends it with priority one past the current
// maximum so new tasks land at the bottom of the open list. The returned
// task is the canonical post-merge, post-assignee-resolution version.
func (s *WorkspaceService) UpsertTask(ctx context.Context, workspaceID string, input TaskInput, actor string) (*Task, error) {
	normalized, err := s.normalize(workspaceID)
	if err != nil {
		return nil, err
	}

	lock := s.workspaceLock(normalized)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.GetTasks(ctx, normalized)
	if err != nil {
		return nil, err
	}

	taskID := strings.TrimSpace(input.ID)
	currentIndex := -1
	if taskID != "" {
		for i, task := range current {
			if task.ID == taskID {
				currentIndex = i
				break
			}
		}
	}

	if input.Priority == nil {
		var priority float64
		if currentIndex >= 0 {
			priority = float64(current[currentIndex].Priority)
		} else {
			priority = float64(nextPriority(current))
		}
		input.Priority = &priority
	}
	input.ID = taskID
	input.UpdatedAt = NowISO()

	index := len(current)
	if currentIndex >= 0 {
		index = currentIndex
	}
	incoming := NewTask(input, index)

	next := make([]Task, len(current))
	copy(next, current)
	if currentIndex >= 0 {
		next[currentIndex] = MergeTask(current[currentIndex], incoming)
	} else {
		next = append(next, incoming)
	}

	persisted, err := s.writeState(ctx, normalized, next, actor)
	if err != nil {
		return nil, err
	}
	if canonical := findTask(persisted, incoming.ID); canonical != nil {
		return canonical, nil
	}
	return &incoming, nil
}

// ToggleTask sets the done flag of one task. Marking done forces progress to
// 100; un-marking leaves progress untouched. Returns nil for an unknown id.
func (s *WorkspaceService) ToggleTask(ctx context.Context, workspaceID, taskID string, done bool) (*Task, error) {
	normalized, err := s.normalize(workspaceID)
	if err != nil {
		return nil, err
	}

	lock := s.workspaceLock(normalized)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.GetTasks(ctx, normalized)
	if err != nil {
		return nil, err
	}
	index := indexOfTask(current, taskID)
	if index < 0 {
		return nil, nil
	}

	input := current[index].Input()
	input.Done = done
	if done {
		progress := float64(100)
		input.Progress = &progress
	}
	input.UpdatedAt = NowISO()
	updated := NewTask(input, index)

	next := make([]Task, len(current))
	copy(next, current)
	next[index] = updated

	persisted, err := s.writeState(ctx, normalized, next, ActorToggle)
	if err != nil {
		return nil, err
	}
	if canonical := findTask(persisted, taskID); canonical != nil {
		return canonical, nil
	}
	return &updated, nil
}

// UpdateTaskProgress clamps the given progress into [0,100] and applies it;
// a nil progress keeps the prior value. Returns nil for an unknown id.
func (s *WorkspaceService) UpdateTaskProgress(ctx context.Context, workspaceID, taskID string, progress *float64) (*Task, error) {
	normalized, err := s.normalize(workspaceID)
	if err != nil {
		return nil, err
	}

	lock := s.workspaceLock(normalized)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.GetTasks(ctx, normalized)
	if err != nil {
		return nil, err
	}
	index := indexOfTask(current, taskID)
	if index < 0 {
		return nil, nil
	}

	input := current[index].Input()
	if progress != nil {
		input.Progress = progress
	}
	input.UpdatedAt = NowISO()
	updated := NewTask(input, index)

	next := make([]Task, len(current))
	copy(next, current)
	next[index] = updated

	persisted, err := s.writeState(ctx, normalized, next, ActorProgress)
	if err != nil {
		return nil, err
	}
	if canonical := findTask(persisted, taskID); canonical != nil {
		return canonical, nil
	}
	return &updated, nil
}

// CreateWorkspace explicitly provisions an empty workspace at version 0.
// Unlike lazy seeding it fails when the slug is taken.
func (s *WorkspaceService) CreateWorkspace(ctx context.Context, workspaceID string) (*WorkspaceState, error) {
	normalized, err := s.normalize(workspaceID)
	if err != nil {
		return nil, err
	}

	existing, err := s.st.GetState(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrWorkspaceExists
	}

	now := NowISO()
	state := WorkspaceState{
		WorkspaceID: normalized,
		Secret:      NewWorkspaceSecret(),
		Tasks:       []Task{},
		Version:     0,
		UpdatedAt:   now,
	}
	if err := s.st.InsertState(ctx, state); err != nil {
		if existing, raceErr := s.st.GetState(ctx, normalized); raceErr == nil && existing != nil {
			return nil, ErrWorkspaceExists
		}
		return nil, err
	}
	if err := s.st.AppendSnapshot(ctx, WorkspaceSnapshot{
		WorkspaceID: normalized,
		Version:     0,
		Tasks:       []Task{},
		Markdown:    "",
		Actor:       ActorCreate,
		CreatedAt:   now,
	}); err != nil {
		return nil, fmt.Errorf("create snapshot for %s: %w", normalized, err)
	}
	return &state, nil
}

// DeleteWorkspace removes the state, the whole version history, and the
// workspace from every member's membership list.
func (s *WorkspaceService) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	normalized, err := s.normalize(workspaceID)
	if err != nil {
		return err
	}
	state, err := s.st.GetState(ctx, normalized)
	if err != nil {
		return err
	}
	if state == nil {
		return ErrWorkspaceNotFound
	}

	users, err := s.st.ListUsers(ctx)
	if err != nil {
		return err
	}
	for _, user := range users {
		trimmed := user.Workspaces[:0:0]
		removed := false
		for _, ws := range user.Workspaces {
			if ws == normalized {
				removed = true
				continue
			}
			trimmed = append(trimmed, ws)
		}
		if !removed {
			continue
		}
		user.Workspaces = trimmed
		user.UpdatedAt = NowISO()
		if err := s.st.UpdateUser(ctx, user); err != nil {
			return fmt.Errorf("detach %s from %s: %w", normalized, user.Username, err)
		}
	}

	if err := s.st.DeleteState(ctx, normalized); err != nil {
		return err
	}
	return s.st.DeleteSnapshots(ctx, normalized)
}

// ListWorkspaces returns operator summaries for every workspace.
func (s *WorkspaceService) ListWorkspaces(ctx context.Context) ([]WorkspaceSummary, error) {
	states, err := s.st.ListStates(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]WorkspaceSummary, len(states))
	for i, state := range states {
		summaries[i] = WorkspaceSummary{
			ID:           state.WorkspaceID,
			Secret:       state.Secret,
			TaskCount:    len(state.Tasks),
			LastModified: state.UpdatedAt,
		}
	}
	return summaries, nil
}

// Stats aggregates task and distinct-assignee counts for one workspace.
func (s *WorkspaceService) Stats(ctx context.Context, workspaceID string) (*WorkspaceStats, error) {
	normalized, err := s.normalize(workspaceID)
	if err != nil {
		return nil, err
	}
	state, err := s.getState(ctx, normalized)
	if err != nil {
		return nil, err
	}
	assignees := make(map[string]struct{})
	for _, task := range state.Tasks {
		if task.AssigneeID != DefaultAssigneeID {
			assignees[task.AssigneeID] = struct{}{}
		}
	}
	return &WorkspaceStats{
		ID:        normalized,
		TaskCount: len(state.Tasks),
		UserCount: len(assignees),
		Tasks:     state.Tasks,
	}, nil
}

// CheckWorkspace reports existence without seeding; the secret is included
// so a client holding the slug can present the join form.
func (s *WorkspaceService) CheckWorkspace(ctx context.Context, workspaceID string) (bool, string, error) {
	normalized, err := s.normalize(workspaceID)
	if err != nil {
		return false, "", err
	}
	state, err := s.st.GetState(ctx, normalized)
	if err != nil {
		return false, "", err
	}
	if state == nil {
		return false, "", nil
	}
	return true, state.Secret, nil
}

// VerifySecret checks a join credential without seeding.
func (s *WorkspaceService) VerifySecret(ctx context.Context, workspaceID, secret string) (bool, error) {
	normalized, err := s.normalize(workspaceID)
	if err != nil {
		return false, err
	}
	state, err := s.st.GetState(ctx, normalized)
	if err != nil {
		return false, err
	}
	if state == nil {
		return false, nil
	}
	return state.Secret == secret, nil
}

// ListVersions returns the snapshot history, newest first.
func (s *WorkspaceService) ListVersions(ctx context.Context, workspaceID string) ([]WorkspaceSnapshot, error) {
	normalized, err := s.normalize(workspaceID)
	if err != nil {
		return nil, err
	}
	return s.st.ListSnapshots(ctx, normalized)
}

// RestoreVersion re-commits a historical snapshot's tasks as a fresh
// mutation, so the restore itself lands in the history.
func (s *WorkspaceService) RestoreVersion(ctx context.Context, workspaceID string, version int64) ([]Task, error) {
	normalized, err := s.normalize(workspaceID)
	if err != nil {
		return nil, err
	}

	lock := s.workspaceLock(normalized)
	lock.Lock()
	defer lock.Unlock()

	snapshot, err := s.st.GetSnapshot(ctx, normalized, version)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, ErrSnapshotNotFound
	}
	return s.writeState(ctx, normalized, snapshot.Tasks, ActorRestore)
}

// DeleteVersion removes one snapshot from the history.
func (s *WorkspaceService) DeleteVersion(ctx context.Context, workspaceID string, version int64) error {
	normalized, err := s.normalize(workspaceID)
	if err != nil {
		return err
	}
	return s.st.DeleteSnapshot(ctx, normalized, version)
}

// DeleteVersions wipes the whole history for a workspace.
func (s *WorkspaceService) DeleteVersions(ctx context.Context, workspaceID string) error {
	normalized, err := s.normalize(workspaceID)
	if err != nil {
		return err
	}
	return s.st.DeleteSnapshots(ctx, normalized)
}

func nextPriority(tasks []Task) int {
	if len(tasks) == 0 {
		return 0
	}
	max := tasks[0].Priority
	for _, task := range tasks[1:] {
		if task.Priority > max {
			max = task.Priority
		}
	}
	return max + 1
}

func indexOfTask(tasks []Task, taskID string) int {
	for i, task := range tasks {
		if task.ID == taskID {
			return i
		}
	}
	return -1
}

func findTask(tasks []Task, taskID string) *Task {
	for i := range tasks {
		if tasks[i].ID == taskID {
			task := tasks[i]
			return &task
		}
	}
	return nil
}
