// Package memory provides an in-process userstore.Store, suitable for tests
// and single-node deployments.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gatherhub/authgate/userstore"
)

// Store is a mutex-guarded map of user records. Safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	users map[string]userstore.User
	now   func() time.Time
}

var _ userstore.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		users: make(map[string]userstore.User),
		now:   time.Now,
	}
}

// GetUser returns a copy of the record for id, or nil when absent.
func (s *Store) GetUser(_ context.Context, id string) (*userstore.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// UpsertUser inserts or updates the record under one lock acquisition, so
// concurrent first-sight requests for the same subject cannot both insert.
func (s *Store) UpsertUser(_ context.Context, up userstore.Upsert) (*userstore.User, error) {
	if up.ID == "" {
		return nil, errors.New("memory: upsert requires an id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	u, exists := s.users[up.ID]
	if !exists {
		u = userstore.User{ID: up.ID, CreatedAt: now}
		if up.Role != nil {
			u.Role = *up.Role
		}
	}
	if up.Email != nil {
		u.Email = *up.Email
	}
	if up.FirstName != nil {
		u.FirstName = *up.FirstName
	}
	if up.LastName != nil {
		u.LastName = *up.LastName
	}
	if up.AvatarURL != nil {
		u.AvatarURL = *up.AvatarURL
	}
	u.UpdatedAt = now

	s.users[up.ID] = u
	out := u
	return &out, nil
}

// Close is a no-op for the in-memory store.
func (*Store) Close() error { return nil }
