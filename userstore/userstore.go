// Package userstore defines the persistence contract the authentication
// boundary depends on: a user record keyed by the provider's stable subject
// id, with an atomic insert-or-update primitive.
package userstore

import (
	"context"
	"time"
)

// User is the persistent identity record. Its primary key is the token's
// verified subject claim; the core never accepts a locally-supplied id as
// authoritative.
type User struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	AvatarURL string
	Role      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Upsert carries the fields to write for a subject. Nil fields are omitted:
// they are left unchanged on update and unset on insert, never defaulted.
type Upsert struct {
	ID        string
	Email     *string
	FirstName *string
	LastName  *string
	AvatarURL *string
	// Role is applied only when the record is first created. After the first
	// sync the persisted role is authoritative and updates ignore it.
	Role *string
}

// Store is the single-record persistence capability the auth boundary calls.
// Both operations are atomic at the record level; UpsertUser in particular
// must be a single conditional insert-or-update, safe under concurrent
// first-sight requests for the same subject.
type Store interface {
	// GetUser returns the record for id, or nil with no error when absent.
	GetUser(ctx context.Context, id string) (*User, error)
	// UpsertUser inserts the record if absent, otherwise updates only the
	// supplied fields, and returns the resulting record.
	UpsertUser(ctx context.Context, u Upsert) (*User, error)
	// Close releases backend resources.
	Close() error
}
