// Package redis provides a Redis-backed userstore.Store. Each user record is
// a Redis hash keyed by subject id; partial updates touch only the supplied
// fields, and the insert-only fields use HSETNX so concurrent first-sight
// syncs converge without a read-then-write race.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gatherhub/authgate/userstore"
)

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client instance. Required. The store takes
	// ownership and closes it on Close.
	Client *redis.Client

	// KeyPrefix is the prefix for all Redis keys.
	// Default: "authgate:user:"
	KeyPrefix string
}

// Store implements userstore.Store on Redis hashes.
type Store struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

var _ userstore.Store = (*Store)(nil)

// New creates a Redis-backed store.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "authgate:user:"
	}
	return &Store{
		client:    cfg.Client,
		keyPrefix: cfg.KeyPrefix,
		now:       time.Now,
	}, nil
}

// GetUser returns the record for id, or nil when no hash exists.
func (s *Store) GetUser(ctx context.Context, id string) (*userstore.User, error) {
	fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get user %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return userFromFields(fields), nil
}

// UpsertUser writes the supplied fields in a single transactional pipeline.
// Identity and role fields are written with HSETNX so an existing record's
// id, creation time, and role survive later syncs.
func (s *Store) UpsertUser(ctx context.Context, up userstore.Upsert) (*userstore.User, error) {
	if up.ID == "" {
		return nil, fmt.Errorf("redis: upsert requires an id")
	}
	key := s.key(up.ID)
	now := s.now().UTC().Format(time.RFC3339Nano)

	pipe := s.client.TxPipeline()
	pipe.HSetNX(ctx, key, "id", up.ID)
	pipe.HSetNX(ctx, key, "created_at", now)
	if up.Role != nil {
		pipe.HSetNX(ctx, key, "role", *up.Role)
	}
	if up.Email != nil {
		pipe.HSet(ctx, key, "email", *up.Email)
	}
	if up.FirstName != nil {
		pipe.HSet(ctx, key, "first_name", *up.FirstName)
	}
	if up.LastName != nil {
		pipe.HSet(ctx, key, "last_name", *up.LastName)
	}
	if up.AvatarURL != nil {
		pipe.HSet(ctx, key, "avatar_url", *up.AvatarURL)
	}
	pipe.HSet(ctx, key, "updated_at", now)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis: upsert user %s: %w", up.ID, err)
	}

	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read back user %s: %w", up.ID, err)
	}
	return userFromFields(fields), nil
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(id string) string {
	return s.keyPrefix + id
}

func userFromFields(fields map[string]string) *userstore.User {
	u := &userstore.User{
		ID:        fields["id"],
		Email:     fields["email"],
		FirstName: fields["first_name"],
		LastName:  fields["last_name"],
		AvatarURL: fields["avatar_url"],
		Role:      fields["role"],
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["created_at"]); err == nil {
		u.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		u.UpdatedAt = t
	}
	return u
}
