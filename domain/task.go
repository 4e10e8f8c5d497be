package domain

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Default assignee used when input carries no usable assignee fields.
const (
	DefaultAssigneeID   = "unassigned"
	DefaultAssigneeName = "Unassigned"
)

// isoLayout matches the millisecond ISO-8601 form clients send.
const isoLayout = "2006-01-02T15:04:05.000Z"

// Task is the canonical representation of one unit of work. Instances are
// only produced by NewTask, so every field is already normalized.
type Task struct {
	ID           string `json:"id"`
	Text         string `json:"text"`
	AssigneeID   string `json:"assignee_id"`
	AssigneeName string `json:"assignee_name"`
	Priority     int    `json:"priority"`
	Progress     int    `json:"progress"`
	Done         bool   `json:"done"`
	UpdatedAt    string `json:"updated_at"`
}

// TaskInput carries possibly partial, untrusted task fields as received from
// clients. Numeric fields are pointers so "absent" and "zero" stay distinct.
type TaskInput struct {
	ID           string   `json:"id"`
	Text         string   `json:"text"`
	AssigneeID   string   `json:"assignee_id"`
	AssigneeName string   `json:"assignee_name"`
	Priority     *float64 `json:"priority"`
	Progress     *float64 `json:"progress"`
	Done         bool     `json:"done"`
	UpdatedAt    string   `json:"updated_at"`
}

// Input converts a canonical task back into input form, used when a task is
// re-normalized or overlaid during a merge.
func (t Task) Input() TaskInput {
	priority := float64(t.Priority)
	progress := float64(t.Progress)
	return TaskInput{
		ID:           t.ID,
		Text:         t.Text,
		AssigneeID:   t.AssigneeID,
		AssigneeName: t.AssigneeName,
		Priority:     &priority,
		Progress:     &progress,
		Done:         t.Done,
		UpdatedAt:    t.UpdatedAt,
	}
}

// NowISO returns the current UTC time in the wire timestamp format.
func NowISO() string {
	return time.Now().UTC().Format(isoLayout)
}

// ParseTimestamp parses a wire timestamp. The second return is false when the
// value cannot be interpreted as a time.
func ParseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// StableTaskID derives a deterministic id from the task text, assignee and
// list position. Re-deriving from the same trio is stable, which keeps bulk
// replace and markdown import idempotent, while identical tasks at different
// positions still get distinct ids.
func StableTaskID(text, assigneeID string, index int) string {
	source := fmt.Sprintf("%s:%s:%d", text, assigneeID, index)
	var hash uint32
	for _, r := range source {
		hash = hash*31 + uint32(r)
	}
	return fmt.Sprintf("task_%x", hash)
}

func normalizeProgress(progress *float64, done bool) int {
	if done {
		return 100
	}
	if progress == nil || math.IsNaN(*progress) || math.IsInf(*progress, 0) {
		return 0
	}
	value := int(math.Round(*progress))
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}

func normalizePriority(priority *float64, index int) int {
	if priority == nil || math.IsNaN(*priority) || math.IsInf(*priority, 0) {
		return index
	}
	return int(math.Round(*priority))
}

// NewTask builds a canonical task from arbitrary input. It never fails:
// malformed fields collapse to safe defaults (empty text, unassigned
// assignee, zero progress). index supplies the priority fallback and feeds
// the stable id derivation.
func NewTask(input TaskInput, index int) Task {
	assigneeID := strings.TrimSpace(input.AssigneeID)
	if assigneeID == "" {
		assigneeID = DefaultAssigneeID
	}
	assigneeName := strings.TrimSpace(input.AssigneeName)
	if assigneeName == "" {
		assigneeName = DefaultAssigneeName
	}

	text := strings.TrimSpace(input.Text)
	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = StableTaskID(text, assigneeID, index)
	}

	updatedAt := input.UpdatedAt
	if updatedAt == "" {
		updatedAt = NowISO()
	}

	return Task{
		ID:           id,
		Text:         text,
		AssigneeID:   assigneeID,
		AssigneeName: assigneeName,
		Priority:     normalizePriority(input.Priority, index),
		Progress:     normalizeProgress(input.Progress, input.Done),
		Done:         input.Done,
		UpdatedAt:    updatedAt,
	}
}

// MergeTask resolves a conflict between two versions of the same task using
// last-writer-wins on updated_at. An incoming timestamp that does not parse
// is treated as newer. The winning incoming version is re-normalized through
// NewTask; the current task is returned untouched when it wins. Wall-clock
// comparison is the whole policy: clock skew between clients shifts the
// outcome, there is no logical clock behind it.
func MergeTask(current, incoming Task) Task {
	incomingTS, incomingOK := ParseTimestamp(incoming.UpdatedAt)
	if !incomingOK {
		return NewTask(incoming.Input(), 0)
	}
	currentTS, currentOK := ParseTimestamp(current.UpdatedAt)
	if !currentOK {
		return current
	}
	if incomingTS.Before(currentTS) {
		return current
	}
	return NewTask(incoming.Input(), 0)
}

// SortTasks returns a new slice ordered by the canonical rule: open tasks
// before done tasks, ascending priority within the same done state, most
// recently updated first as the final tie-break.
func SortTasks(tasks []Task) []Task {
	sorted := make([]Task, len(tasks))
	copy(sorted, tasks)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Done != b.Done {
			return !a.Done
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return timestampMillis(a.UpdatedAt) > timestampMillis(b.UpdatedAt)
	})
	return sorted
}

func timestampMillis(value string) int64 {
	ts, ok := ParseTimestamp(value)
	if !ok {
		return 0
	}
	return ts.UnixMilli()
}
