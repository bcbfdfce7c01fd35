package authgate

import (
	"context"
	"errors"
	"fmt"

	"github.com/gatherhub/authgate/userstore"
)

// Synchronizer ensures a durable local user record exists and is current for
// every verified subject. It is deliberately separate from verification so
// the verifier stays testable without a store.
type Synchronizer struct {
	store userstore.Store
}

// NewSynchronizer wraps a store.
func NewSynchronizer(store userstore.Store) *Synchronizer {
	return &Synchronizer{store: store}
}

// Sync builds an upsert payload from the verified claims — only the optional
// fields actually present — and issues a single conditional insert-or-update.
// Atomicity under concurrent first-sight requests is the store's contract.
// A persistence failure fails the whole request; there is no partial success.
func (s *Synchronizer) Sync(ctx context.Context, claims *VerifiedClaims) (*userstore.User, error) {
	if claims == nil || claims.Subject == "" {
		return nil, errors.New("authgate: sync requires verified claims with a subject")
	}

	up := userstore.Upsert{ID: claims.Subject}
	if claims.Email != "" {
		up.Email = &claims.Email
	}
	if claims.Role != "" {
		up.Role = &claims.Role
	}
	if claims.Profile.FirstName != "" {
		up.FirstName = &claims.Profile.FirstName
	}
	if claims.Profile.LastName != "" {
		up.LastName = &claims.Profile.LastName
	}
	if claims.Profile.AvatarURL != "" {
		up.AvatarURL = &claims.Profile.AvatarURL
	}

	user, err := s.store.UpsertUser(ctx, up)
	if err != nil {
		return nil, fmt.Errorf("authgate: sync user %s: %w", claims.Subject, err)
	}
	return user, nil
}
