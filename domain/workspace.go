package domain

import (
	"crypto/rand"
	"strings"
)

// WorkspaceState is the current canonical task set for one workspace. It is
// owned exclusively by the WorkspaceService; the realtime hub only ever
// reads post-mutation results.
type WorkspaceState struct {
	WorkspaceID string `json:"workspace_id"`
	Secret      string `json:"secret"`
	Tasks       []Task `json:"tasks"`
	Version     int64  `json:"version"`
	UpdatedAt   string `json:"updated_at"`
}

// WorkspaceSnapshot is one immutable entry of a workspace's append-only
// version history. Exactly one snapshot is written per committed mutation.
type WorkspaceSnapshot struct {
	WorkspaceID string `json:"workspace_id"`
	Version     int64  `json:"version"`
	Tasks       []Task `json:"tasks"`
	Markdown    string `json:"markdown"`
	Actor       string `json:"actor"`
	CreatedAt   string `json:"created_at"`
}

// WorkspaceSummary is the operator-facing listing row for one workspace.
type WorkspaceSummary struct {
	ID           string `json:"id"`
	Secret       string `json:"secret"`
	TaskCount    int    `json:"taskCount"`
	LastModified string `json:"lastModified"`
}

// WorkspaceStats aggregates per-workspace usage for the admin console.
type WorkspaceStats struct {
	ID        string `json:"id"`
	TaskCount int    `json:"taskCount"`
	UserCount int    `json:"userCount"`
	Tasks     []Task `json:"tasks"`
}

// NormalizeWorkspaceID lowercases the identifier and strips every character
// outside [a-z0-9-_]. The result may be empty, which callers must reject.
func NormalizeWorkspaceID(workspaceID string) string {
	lowered := strings.ToLower(strings.TrimSpace(workspaceID))
	var b strings.Builder
	for _, r := range lowered {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// secretAlphabet excludes characters that read ambiguously (0, O, I, 1).
const secretAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const secretLength = 6

// NewWorkspaceSecret generates the join credential for a workspace. It is
// created once and never rotated.
func NewWorkspaceSecret() string {
	buf := make([]byte, secretLength)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process has no entropy source at
		// all; nothing sensible can run past this point.
		panic(err)
	}
	secret := make([]byte, secretLength)
	for i, b := range buf {
		secret[i] = secretAlphabet[int(b)%len(secretAlphabet)]
	}
	return string(secret)
}

// SampleTasks is the deterministic seed set materialized the first time a
// workspace is read.
func SampleTasks() []TaskInput {
	return []TaskInput{
		{
			ID:           "sample-new-task",
			Text:         "This is a new task just created.",
			AssigneeID:   "ec",
			AssigneeName: "Emre Caliskan",
		},
		{
			ID:           "sample-progress-task",
			Text:         "This one is in progress",
			AssigneeID:   "cg",
			AssigneeName: "Can Goymen",
			Progress:     floatPtr(35),
		},
		{
			ID:           "sample-hardest-task",
			Text:         "That was the hardest task ever :P",
			AssigneeID:   "cg",
			AssigneeName: "Can Goymen",
			Progress:     floatPtr(100),
			Done:         true,
		},
	}
}

func floatPtr(v float64) *float64 { return &v }
