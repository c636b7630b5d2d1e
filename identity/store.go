package identity

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no live identity matches.
	ErrNotFound = errors.New("identity not found")
	// ErrDuplicateMethod is returned when a method key is already bound to another identity.
	ErrDuplicateMethod = errors.New("method already bound to another identity")
	// ErrAlreadyLinked is returned when a method key is already bound to the same identity,
	// or when an identity that already has an email method is given a second one.
	ErrAlreadyLinked = errors.New("method already linked")
	// ErrLastMethod is returned when detaching would leave an identity with no methods.
	ErrLastMethod = errors.New("cannot remove last authentication method")
	// ErrInvalidMethod is returned for structurally invalid methods.
	ErrInvalidMethod = errors.New("invalid method")
	// ErrInvalidRole is returned for unknown roles.
	ErrInvalidRole = errors.New("invalid role")
	// ErrInvalidEmail is returned when an email address cannot be normalized.
	ErrInvalidEmail = errors.New("invalid email address")
	// ErrInvalidPhone is returned when a phone number is not E.164.
	ErrInvalidPhone = errors.New("invalid phone number")
	// ErrStoreUnavailable wraps backend failures.
	ErrStoreUnavailable = errors.New("identity store unavailable")
)

// Store is the credential store contract.
//
// Implementations must enforce method uniqueness with a storage-level
// constraint and perform each write in a single transaction.
type Store interface {
	// FindByMethod returns the live identity owning key, or ErrNotFound.
	FindByMethod(ctx context.Context, key MethodKey) (Identity, error)
	// FindByID returns the identity with id, or ErrNotFound. Soft deleted
	// identities are returned with DeletedAt set.
	FindByID(ctx context.Context, id string) (Identity, error)
	// Create inserts ident with all of its methods, or nothing.
	Create(ctx context.Context, ident Identity) (Identity, error)
	// AttachMethod binds m to the identity.
	AttachMethod(ctx context.Context, id string, m Method) error
	// DetachMethod unbinds key, refusing to remove the last method.
	DetachMethod(ctx context.Context, id string, key MethodKey) error
	// UpdateSecret replaces the password hash of the identity's email method.
	UpdateSecret(ctx context.Context, id string, secretHash string) error
	SetRole(ctx context.Context, id string, role Role) error
	SetConsent(ctx context.Context, id string, given bool, version string) error
	// SoftDelete marks the identity deleted and releases its method keys.
	SoftDelete(ctx context.Context, id string) error
}
