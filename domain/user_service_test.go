package domain

import (
	"context"
	"errors"
	"testing"

	log "github.com/sirupsen/logrus"
)

func strPtr(v string) *string { return &v }
func boolPtr(v bool) *bool    { return &v }

func newTestUserService() (*UserService, *WorkspaceService, *fakeStore) {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	st := newFakeStore()
	ws := NewWorkspaceService(st, logger)
	return NewUserService(st, ws, logger), ws, st
}

func registerTestUser(t *testing.T, svc *UserService, username, email string) *User {
	t.Helper()
	user, err := svc.Register(context.Background(), UserInput{
		Username: username,
		FullName: strPtr("Test User"),
		Email:    strPtr(email),
		Password: strPtr("hunter22"),
	})
	if err != nil {
		t.Fatalf("Register(%s): %v", username, err)
	}
	return user
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestUserService()

	cases := []UserInput{
		{FullName: strPtr("A"), Email: strPtr("a@x.com"), Password: strPtr("p")},
		{Username: "a", Email: strPtr("a@x.com"), Password: strPtr("p")},
		{Username: "a", FullName: strPtr("A"), Password: strPtr("p")},
		{Username: "a", FullName: strPtr("A"), Email: strPtr("a@x.com")},
	}
	for i, input := range cases {
		if _, err := svc.Register(ctx, input); !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
}

func TestRegisterNormalizesAndHashes(t *testing.T) {
	ctx := context.Background()
	svc, _, st := newTestUserService()

	user, err := svc.Register(ctx, UserInput{
		Username: "  CanG  ",
		FullName: strPtr("Can Goymen"),
		Email:    strPtr("Can@Example.com"),
		Password: strPtr("secretpw"),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.Username != "cang" || user.Email != "can@example.com" {
		t.Fatalf("not normalized: %q %q", user.Username, user.Email)
	}
	stored, _ := st.GetUser(ctx, "cang")
	if stored.PasswordHash == "secretpw" || stored.PasswordHash == "" {
		t.Fatalf("password stored in the clear or missing")
	}
	if !VerifyPassword("secretpw", stored.PasswordHash) {
		t.Fatalf("stored hash does not verify")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestUserService()
	registerTestUser(t, svc, "cg", "cg@example.com")

	if _, err := svc.Register(ctx, UserInput{
		Username: "cg",
		FullName: strPtr("Other"),
		Email:    strPtr("other@example.com"),
		Password: strPtr("p"),
	}); err != ErrUserExists {
		t.Fatalf("duplicate username: expected ErrUserExists, got %v", err)
	}
	if _, err := svc.Register(ctx, UserInput{
		Username: "cg2",
		FullName: strPtr("Other"),
		Email:    strPtr("cg@example.com"),
		Password: strPtr("p"),
	}); err != ErrUserExists {
		t.Fatalf("duplicate email: expected ErrUserExists, got %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestUserService()
	registerTestUser(t, svc, "cg", "cg@example.com")

	user, err := svc.Authenticate(ctx, "CG@example.com", "hunter22")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if user.Username != "cg" {
		t.Fatalf("wrong user %q", user.Username)
	}

	if _, err := svc.Authenticate(ctx, "cg@example.com", "wrong"); err != ErrInvalidSecret {
		t.Fatalf("bad password: expected ErrInvalidSecret, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, "nobody@example.com", "hunter22"); err != ErrInvalidSecret {
		t.Fatalf("unknown email: expected ErrInvalidSecret, got %v", err)
	}
}

func TestAuthenticateAdminRequiresFlag(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestUserService()
	registerTestUser(t, svc, "cg", "cg@example.com")

	if _, err := svc.AuthenticateAdmin(ctx, "cg", "hunter22"); err != ErrInvalidSecret {
		t.Fatalf("non-admin accepted: %v", err)
	}

	if _, err := svc.Update(ctx, "cg", UserInput{IsAdmin: boolPtr(true)}); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if _, err := svc.AuthenticateAdmin(ctx, "cg", "hunter22"); err != nil {
		t.Fatalf("admin rejected: %v", err)
	}
}

func TestUpdateProfile(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestUserService()
	registerTestUser(t, svc, "cg", "cg@example.com")

	user, err := svc.Update(ctx, "cg", UserInput{
		FullName:     strPtr("Can G."),
		AvatarBase64: strPtr("aGVsbG8="),
		Password:     strPtr("newpass"),
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if user.FullName != "Can G." || user.AvatarBase64 != "aGVsbG8=" {
		t.Fatalf("profile not updated: %+v", user)
	}
	if _, err := svc.Authenticate(ctx, "cg@example.com", "newpass"); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}

	if _, err := svc.Update(ctx, "missing", UserInput{FullName: strPtr("X")}); err != ErrUserNotFound {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestUpdateRename(t *testing.T) {
	ctx := context.Background()
	svc, _, st := newTestUserService()
	registerTestUser(t, svc, "cg", "cg@example.com")
	registerTestUser(t, svc, "taken", "taken@example.com")

	user, err := svc.Update(ctx, "cg", UserInput{Username: "cango"})
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if user.Username != "cango" {
		t.Fatalf("rename not applied: %q", user.Username)
	}
	if old, _ := st.GetUser(ctx, "cg"); old != nil {
		t.Fatalf("old username row survived")
	}

	if _, err := svc.Update(ctx, "cango", UserInput{Username: "taken"}); err != ErrUserExists {
		t.Fatalf("rename onto taken name: expected ErrUserExists, got %v", err)
	}
}

func TestJoinWorkspace(t *testing.T) {
	ctx := context.Background()
	svc, ws, st := newTestUserService()
	registerTestUser(t, svc, "cg", "cg@example.com")

	if _, err := ws.GetTasks(ctx, "demo"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	state, _ := st.GetState(ctx, "demo")

	if _, err := svc.Join(ctx, "cg@example.com", "demo", "WRONG1"); err != ErrInvalidSecret {
		t.Fatalf("wrong secret: expected ErrInvalidSecret, got %v", err)
	}

	user, err := svc.Join(ctx, "cg@example.com", "demo", state.Secret)
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !user.HasWorkspace("demo") {
		t.Fatalf("membership missing: %v", user.Workspaces)
	}

	// Joining twice must not duplicate the membership.
	user, err = svc.Join(ctx, "cg@example.com", "demo", state.Secret)
	if err != nil {
		t.Fatalf("second Join: %v", err)
	}
	if len(user.Workspaces) != 1 {
		t.Fatalf("membership duplicated: %v", user.Workspaces)
	}

	if _, err := svc.Join(ctx, "ghost@example.com", "demo", state.Secret); err != ErrUserNotFound {
		t.Fatalf("unknown user: expected ErrUserNotFound, got %v", err)
	}
}

func TestCanAccessWorkspace(t *testing.T) {
	ctx := context.Background()
	svc, ws, st := newTestUserService()
	registerTestUser(t, svc, "cg", "cg@example.com")
	registerTestUser(t, svc, "admin", "admin@example.com")

	if _, err := svc.Update(ctx, "admin", UserInput{IsAdmin: boolPtr(true)}); err != nil {
		t.Fatalf("promote: %v", err)
	}

	if _, err := ws.GetTasks(ctx, "demo"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	state, _ := st.GetState(ctx, "demo")
	if _, err := svc.Join(ctx, "cg@example.com", "demo", state.Secret); err != nil {
		t.Fatalf("join: %v", err)
	}

	cases := []struct {
		email string
		want  bool
	}{
		{"cg@example.com", true},
		{"admin@example.com", true},
		{"nobody@example.com", false},
	}
	for _, tc := range cases {
		got, err := svc.CanAccessWorkspace(ctx, tc.email, "demo")
		if err != nil {
			t.Fatalf("CanAccessWorkspace(%s): %v", tc.email, err)
		}
		if got != tc.want {
			t.Fatalf("CanAccessWorkspace(%s) = %v, want %v", tc.email, got, tc.want)
		}
	}
}

func TestMembers(t *testing.T) {
	ctx := context.Background()
	svc, ws, st := newTestUserService()
	registerTestUser(t, svc, "cg", "cg@example.com")
	registerTestUser(t, svc, "ec", "ec@example.com")

	if _, err := ws.GetTasks(ctx, "demo"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	state, _ := st.GetState(ctx, "demo")
	if _, err := svc.Join(ctx, "cg@example.com", "demo", state.Secret); err != nil {
		t.Fatalf("join: %v", err)
	}

	members, err := svc.Members(ctx, "demo")
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if len(members) != 1 || members[0].Username != "cg" {
		t.Fatalf("unexpected members %+v", members)
	}
}

func TestDeleteUser(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestUserService()
	registerTestUser(t, svc, "cg", "cg@example.com")

	if err := svc.Delete(ctx, "cg"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := svc.Delete(ctx, "cg"); err != ErrUserNotFound {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}
