package domain

import "strings"

// User is one entry of the workspace user directory. PasswordHash never
// leaves the process: it is excluded from JSON so handlers can return User
// values directly.
type User struct {
	Username     string   `json:"username"`
	FullName     string   `json:"full_name"`
	Email        string   `json:"email"`
	AvatarBase64 string   `json:"avatar_base64"`
	PasswordHash string   `json:"-"`
	IsAdmin      bool     `json:"is_admin"`
	Workspaces   []string `json:"workspaces"`
	CreatedAt    string   `json:"created_at"`
	UpdatedAt    string   `json:"updated_at"`
}

// HasWorkspace reports whether the user is a member of the workspace.
// Admins implicitly have access everywhere.
func (u User) HasWorkspace(workspaceID string) bool {
	if u.IsAdmin {
		return true
	}
	for _, ws := range u.Workspaces {
		if ws == workspaceID {
			return true
		}
	}
	return false
}

// AssigneeResolver repairs denormalized assignee data on tasks against the
// live user directory. Matching is by full name first (exact, then
// case-insensitive), then by username; unmatched assignees pass through
// untouched so free-text assignees from markdown imports survive.
type AssigneeResolver struct {
	byUsername      map[string]User
	byFullName      map[string]User
	byFullNameLower map[string]User
}

// NewAssigneeResolver indexes the given directory rows for resolution.
func NewAssigneeResolver(users []User) *AssigneeResolver {
	r := &AssigneeResolver{
		byUsername:      make(map[string]User, len(users)),
		byFullName:      make(map[string]User, len(users)),
		byFullNameLower: make(map[string]User, len(users)),
	}
	for _, u := range users {
		username := strings.TrimSpace(u.Username)
		fullName := strings.TrimSpace(u.FullName)
		if username != "" {
			r.byUsername[username] = u
		}
		if fullName != "" {
			r.byFullName[fullName] = u
			r.byFullNameLower[strings.ToLower(fullName)] = u
		}
	}
	return r
}

// Resolve re-creates every task with repaired assignee identity. Tasks keep
// their position-derived priority fallback and gain a timestamp if they had
// none.
func (r *AssigneeResolver) Resolve(tasks []Task) []Task {
	resolved := make([]Task, len(tasks))
	for i, task := range tasks {
		input := task.Input()
		if input.UpdatedAt == "" {
			input.UpdatedAt = NowISO()
		}

		assigneeName := strings.TrimSpace(task.AssigneeName)
		matched, ok := r.byFullName[assigneeName]
		if !ok {
			matched, ok = r.byFullNameLower[strings.ToLower(assigneeName)]
		}
		if !ok {
			matched, ok = r.byUsername[strings.TrimSpace(task.AssigneeID)]
		}
		if ok {
			input.AssigneeID = matched.Username
			input.AssigneeName = matched.FullName
		}

		resolved[i] = NewTask(input, i)
	}
	return resolved
}
