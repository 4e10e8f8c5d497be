package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/CanGoymen/todoco/domain"
)

// Cache wraps a Storage with Redis-backed caching for the hot reads: the
// per-workspace state row and the user directory listing. Every mutation
// evicts the affected keys, so a cache entry never outlives the row it was
// read from by more than the TTL.
type Cache struct {
	domain.Storage
	base  domain.Storage
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base domain.Storage, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{
		Storage: base,
		base:    base,
		redis:   client,
		ttl:     ttl,
	}
}

func (c *Cache) GetState(ctx context.Context, workspaceID string) (*domain.WorkspaceState, error) {
	if state, ok := c.loadStateFromCache(ctx, workspaceID); ok {
		return state, nil
	}

	state, err := c.base.GetState(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if state != nil {
		c.storeState(ctx, *state)
	}
	return state, nil
}

func (c *Cache) InsertState(ctx context.Context, state domain.WorkspaceState) error {
	if err := c.base.InsertState(ctx, state); err != nil {
		return err
	}
	c.evict(ctx, stateCacheKey(state.WorkspaceID))
	return nil
}

func (c *Cache) UpdateState(ctx context.Context, state domain.WorkspaceState) error {
	if err := c.base.UpdateState(ctx, state); err != nil {
		return err
	}
	c.evict(ctx, stateCacheKey(state.WorkspaceID))
	return nil
}

func (c *Cache) DeleteState(ctx context.Context, workspaceID string) error {
	if err := c.base.DeleteState(ctx, workspaceID); err != nil {
		return err
	}
	c.evict(ctx, stateCacheKey(workspaceID))
	return nil
}

func (c *Cache) ListUsers(ctx context.Context) ([]domain.User, error) {
	if users, ok := c.loadUsersFromCache(ctx); ok {
		return users, nil
	}

	users, err := c.base.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	c.storeUsers(ctx, users)
	return users, nil
}

func (c *Cache) InsertUser(ctx context.Context, user domain.User) error {
	if err := c.base.InsertUser(ctx, user); err != nil {
		return err
	}
	c.evict(ctx, usersCacheKey)
	return nil
}

func (c *Cache) UpdateUser(ctx context.Context, user domain.User) error {
	if err := c.base.UpdateUser(ctx, user); err != nil {
		return err
	}
	c.evict(ctx, usersCacheKey)
	return nil
}

func (c *Cache) DeleteUser(ctx context.Context, username string) error {
	if err := c.base.DeleteUser(ctx, username); err != nil {
		return err
	}
	c.evict(ctx, usersCacheKey)
	return nil
}

func (c *Cache) loadStateFromCache(ctx context.Context, workspaceID string) (*domain.WorkspaceState, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, stateCacheKey(workspaceID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage without failing.
			_ = c.redis.Del(ctx, stateCacheKey(workspaceID)).Err()
		}
		return nil, false
	}
	var state domain.WorkspaceState
	if err := json.Unmarshal(data, &state); err != nil {
		_ = c.redis.Del(ctx, stateCacheKey(workspaceID)).Err()
		return nil, false
	}
	return &state, true
}

func (c *Cache) storeState(ctx context.Context, state domain.WorkspaceState) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, stateCacheKey(state.WorkspaceID), data, c.ttl).Err()
}

// cachedUser restores the password hash that domain.User excludes from its
// JSON form; without it a cache hit would strip every stored credential.
type cachedUser struct {
	domain.User
	PasswordHash string `json:"password_hash"`
}

func (c *Cache) loadUsersFromCache(ctx context.Context) ([]domain.User, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, usersCacheKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			_ = c.redis.Del(ctx, usersCacheKey).Err()
		}
		return nil, false
	}
	var cached []cachedUser
	if err := json.Unmarshal(data, &cached); err != nil {
		_ = c.redis.Del(ctx, usersCacheKey).Err()
		return nil, false
	}
	users := make([]domain.User, len(cached))
	for i, cu := range cached {
		users[i] = cu.User
		users[i].PasswordHash = cu.PasswordHash
	}
	return users, true
}

func (c *Cache) storeUsers(ctx context.Context, users []domain.User) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	cached := make([]cachedUser, len(users))
	for i, user := range users {
		cached[i] = cachedUser{User: user, PasswordHash: user.PasswordHash}
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, usersCacheKey, data, c.ttl).Err()
}

func (c *Cache) evict(ctx context.Context, keys ...string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, keys...).Result()
}

func stateCacheKey(workspaceID string) string {
	return "state:" + workspaceID
}

const usersCacheKey = "users:all"
