package domain

import "errors"

// ErrEntityExists indicates the underlying storage rejected an insert
// because of a unique-key violation. The workspace seeding path relies on it
// to detect a concurrent seeder.
var ErrEntityExists = errors.New("entity already exists")

// ErrInvalidWorkspaceID is returned when a workspace identifier is empty
// after normalization, the one validation failure with no safe default.
var ErrInvalidWorkspaceID = errors.New("invalid workspace id")

// ErrWorkspaceExists is returned by explicit workspace creation when the
// slug is already taken.
var ErrWorkspaceExists = errors.New("workspace already exists")

// ErrWorkspaceNotFound is returned by operations that require an existing
// workspace and must not seed one.
var ErrWorkspaceNotFound = errors.New("workspace not found")

// ErrInvalidSecret is returned when a join attempt presents the wrong
// workspace secret.
var ErrInvalidSecret = errors.New("invalid workspace secret")

// ErrSnapshotNotFound is returned when a version history operation targets a
// version that was never written or has been deleted.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// ErrUserExists is returned when registration collides with an existing
// username, full name or email.
var ErrUserExists = errors.New("user already exists")

// ErrUserNotFound is returned by user directory lookups that must not
// fall back to a default identity.
var ErrUserNotFound = errors.New("user not found")

// ErrValidation wraps field-level validation failures on user input that has
// no safe default (missing username, empty password, ...).
var ErrValidation = errors.New("validation failed")
