package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// UserInput carries the mutable profile fields accepted from clients.
// Pointer fields distinguish "leave unchanged" from "set to empty".
type UserInput struct {
	Username     string  `json:"username"`
	FullName     *string `json:"full_name"`
	Email        *string `json:"email"`
	Password     *string `json:"password"`
	AvatarBase64 *string `json:"avatar_base64"`
	IsAdmin      *bool   `json:"is_admin"`
}

// UserService manages the user directory: registration, credential checks
// and workspace membership.
type UserService struct {
	st     Storage
	logger *log.Logger
	ws     *WorkspaceService
}

// NewUserService builds a service over the given storage. The workspace
// service is consulted when joining, to verify workspace secrets.
func NewUserService(st Storage, ws *WorkspaceService, logger *log.Logger) *UserService {
	if st == nil {
		panic("domain.NewUserService: storage is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &UserService{st: st, logger: logger, ws: ws}
}

// Register creates a new directory entry. Username and email are lowercased;
// username, full name, email and password are all required.
func (s *UserService) Register(ctx context.Context, input UserInput) (*User, error) {
	username := strings.ToLower(strings.TrimSpace(input.Username))
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrValidation)
	}
	if input.FullName == nil || strings.TrimSpace(*input.FullName) == "" {
		return nil, fmt.Errorf("%w: full_name is required", ErrValidation)
	}
	if input.Email == nil || strings.TrimSpace(*input.Email) == "" {
		return nil, fmt.Errorf("%w: email is required", ErrValidation)
	}
	if input.Password == nil || *input.Password == "" {
		return nil, fmt.Errorf("%w: password is required", ErrValidation)
	}

	email := strings.ToLower(strings.TrimSpace(*input.Email))
	if existing, err := s.st.GetUserByEmail(ctx, email); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, ErrUserExists
	}

	hash, err := HashPassword(*input.Password)
	if err != nil {
		return nil, err
	}

	now := NowISO()
	user := User{
		Username:     username,
		FullName:     strings.TrimSpace(*input.FullName),
		Email:        email,
		PasswordHash: hash,
		Workspaces:   []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if input.AvatarBase64 != nil {
		user.AvatarBase64 = *input.AvatarBase64
	}
	if input.IsAdmin != nil {
		user.IsAdmin = *input.IsAdmin
	}

	if err := s.st.InsertUser(ctx, user); err != nil {
		if errors.Is(err, ErrEntityExists) {
			return nil, ErrUserExists
		}
		return nil, err
	}

	s.logger.WithField("username", username).Info("user registered")
	return &user, nil
}

// Authenticate checks an email/password pair and returns the matching user.
func (s *UserService) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.st.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, err
	}
	if user == nil || !VerifyPassword(password, user.PasswordHash) {
		return nil, ErrInvalidSecret
	}
	return user, nil
}

// AuthenticateAdmin checks a username/password pair and requires the admin
// flag on the matched user.
func (s *UserService) AuthenticateAdmin(ctx context.Context, username, password string) (*User, error) {
	user, err := s.st.GetUser(ctx, strings.ToLower(strings.TrimSpace(username)))
	if err != nil {
		return nil, err
	}
	if user == nil || !user.IsAdmin || !VerifyPassword(password, user.PasswordHash) {
		return nil, ErrInvalidSecret
	}
	return user, nil
}

// Get returns the user with the given username, or nil when absent.
func (s *UserService) Get(ctx context.Context, username string) (*User, error) {
	return s.st.GetUser(ctx, strings.ToLower(strings.TrimSpace(username)))
}

// GetByEmail returns the user with the given email, or nil when absent.
func (s *UserService) GetByEmail(ctx context.Context, email string) (*User, error) {
	return s.st.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
}

// List returns the full directory.
func (s *UserService) List(ctx context.Context) ([]User, error) {
	return s.st.ListUsers(ctx)
}

// Members returns the users who hold explicit membership of the workspace.
func (s *UserService) Members(ctx context.Context, workspaceID string) ([]User, error) {
	normalized := NormalizeWorkspaceID(workspaceID)
	if normalized == "" {
		return nil, ErrInvalidWorkspaceID
	}
	users, err := s.st.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	members := make([]User, 0, len(users))
	for _, user := range users {
		for _, ws := range user.Workspaces {
			if ws == normalized {
				members = append(members, user)
				break
			}
		}
	}
	return members, nil
}

// Update applies a partial profile change. Renaming a user inserts the new
// row before removing the old one, so a crash in between leaves both rather
// than neither.
func (s *UserService) Update(ctx context.Context, username string, input UserInput) (*User, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	user, err := s.st.GetUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	if input.FullName != nil {
		user.FullName = strings.TrimSpace(*input.FullName)
	}
	if input.Email != nil {
		user.Email = strings.ToLower(strings.TrimSpace(*input.Email))
	}
	if input.AvatarBase64 != nil {
		user.AvatarBase64 = *input.AvatarBase64
	}
	if input.IsAdmin != nil {
		user.IsAdmin = *input.IsAdmin
	}
	if input.Password != nil && *input.Password != "" {
		hash, err := HashPassword(*input.Password)
		if err != nil {
			return nil, err
		}
		user.PasswordHash = hash
	}
	user.UpdatedAt = NowISO()

	newUsername := strings.ToLower(strings.TrimSpace(input.Username))
	if newUsername != "" && newUsername != username {
		user.Username = newUsername
		if err := s.st.InsertUser(ctx, *user); err != nil {
			if errors.Is(err, ErrEntityExists) {
				return nil, ErrUserExists
			}
			return nil, err
		}
		if err := s.st.DeleteUser(ctx, username); err != nil {
			return nil, fmt.Errorf("remove old username %s after rename: %w", username, err)
		}
		return user, nil
	}

	if err := s.st.UpdateUser(ctx, *user); err != nil {
		return nil, err
	}
	return user, nil
}

// Delete removes a user from the directory.
func (s *UserService) Delete(ctx context.Context, username string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	user, err := s.st.GetUser(ctx, username)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrUserNotFound
	}
	return s.st.DeleteUser(ctx, username)
}

// Join adds the workspace to the user's membership list after checking the
// workspace secret. Joining an already-joined workspace is a no-op.
func (s *UserService) Join(ctx context.Context, email, workspaceID, secret string) (*User, error) {
	normalized := NormalizeWorkspaceID(workspaceID)
	if normalized == "" {
		return nil, ErrInvalidWorkspaceID
	}

	ok, err := s.ws.VerifySecret(ctx, normalized, secret)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidSecret
	}

	user, err := s.st.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	if user.HasWorkspace(normalized) {
		return user, nil
	}
	user.Workspaces = append(user.Workspaces, normalized)
	user.UpdatedAt = NowISO()
	if err := s.st.UpdateUser(ctx, *user); err != nil {
		return nil, err
	}

	s.logger.WithFields(log.Fields{
		"username":  user.Username,
		"workspace": normalized,
	}).Info("user joined workspace")
	return user, nil
}

// CanAccessWorkspace reports whether the user identified by email may read
// the workspace. Unknown users cannot.
func (s *UserService) CanAccessWorkspace(ctx context.Context, email, workspaceID string) (bool, error) {
	normalized := NormalizeWorkspaceID(workspaceID)
	if normalized == "" {
		return false, ErrInvalidWorkspaceID
	}
	user, err := s.st.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return false, err
	}
	if user == nil {
		return false, nil
	}
	return user.HasWorkspace(normalized), nil
}
