package identity

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// MergePolicy controls what happens when a new method arrives with a verified
// email that already belongs to an identity.
type MergePolicy int

const (
	// MergeRequireConfirmation asks the owner of the existing identity to
	// confirm the merge from an authenticated session.
	MergeRequireConfirmation MergePolicy = iota
	// MergeAutomatic attaches the method to the matching identity immediately.
	MergeAutomatic
	// MergeDisabled never merges; a new identity is created instead.
	MergeDisabled
)

func (p MergePolicy) String() string {
	switch p {
	case MergeRequireConfirmation:
		return "confirm"
	case MergeAutomatic:
		return "automatic"
	case MergeDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Valid reports whether p is a known policy.
func (p MergePolicy) Valid() bool {
	return p >= MergeRequireConfirmation && p <= MergeDisabled
}

// ParseMergePolicy is the inverse of [MergePolicy.String].
func ParseMergePolicy(s string) (MergePolicy, error) {
	for _, p := range []MergePolicy{MergeRequireConfirmation, MergeAutomatic, MergeDisabled} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown merge policy %q", s)
}

// Outcome describes how a candidate was resolved.
type Outcome int

const (
	OutcomeExisting Outcome = iota + 1
	OutcomeMerged
	OutcomeCreated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeExisting:
		return "existing"
	case OutcomeMerged:
		return "merged"
	case OutcomeCreated:
		return "created"
	default:
		return "unknown"
	}
}

var (
	// ErrMergeConfirmationRequired is returned when a merge is possible but
	// must be confirmed by the existing identity's owner.
	ErrMergeConfirmationRequired = errors.New("merge confirmation required")
	// ErrMergeConflict is returned when an automatic merge lost a race for the
	// method key to a different identity.
	ErrMergeConflict = errors.New("merge conflict")
)

// MergeRequiredError carries the identity a candidate would be merged into.
type MergeRequiredError struct {
	TargetID string
	Method   Method
}

func (e *MergeRequiredError) Error() string {
	return ErrMergeConfirmationRequired.Error()
}

func (e *MergeRequiredError) Is(target error) bool {
	return target == ErrMergeConfirmationRequired
}

// Candidate is a method whose control has just been proven, plus an optional
// verified email asserted by the same proof.
type Candidate struct {
	Method        Method
	VerifiedEmail string
}

// Resolution is the identity a candidate maps to.
type Resolution struct {
	Identity Identity
	Outcome  Outcome
}

// Resolver applies find, merge, create in that order.
type Resolver struct {
	store  Store
	policy MergePolicy
	now    func() time.Time
}

// NewResolver returns a Resolver over store.
func NewResolver(store Store, policy MergePolicy) *Resolver {
	return &Resolver{
		store:  store,
		policy: policy,
		now:    time.Now,
	}
}

// Policy returns the configured merge policy.
func (r *Resolver) Policy() MergePolicy {
	return r.policy
}

// Resolve maps c to exactly one identity.
func (r *Resolver) Resolve(ctx context.Context, c Candidate) (Resolution, error) {
	if err := c.Method.Validate(); err != nil {
		return Resolution{}, err
	}

	ident, err := r.store.FindByMethod(ctx, c.Method.Key())
	if err == nil {
		return Resolution{Identity: ident, Outcome: OutcomeExisting}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Resolution{}, err
	}

	if c.VerifiedEmail != "" && r.policy != MergeDisabled {
		res, merged, err := r.merge(ctx, c)
		if err != nil || merged {
			return res, err
		}
	}

	return r.create(ctx, c.Method)
}

func (r *Resolver) merge(ctx context.Context, c Candidate) (Resolution, bool, error) {
	target, err := r.store.FindByMethod(ctx, MethodKey{Type: MethodEmail, Value: c.VerifiedEmail})
	if errors.Is(err, ErrNotFound) {
		return Resolution{}, false, nil
	}
	if err != nil {
		return Resolution{}, false, err
	}

	if r.policy == MergeRequireConfirmation {
		return Resolution{}, false, &MergeRequiredError{TargetID: target.ID, Method: c.Method}
	}

	ident, err := r.Attach(ctx, target.ID, c.Method)
	if err != nil {
		if errors.Is(err, ErrDuplicateMethod) {
			return Resolution{}, false, ErrMergeConflict
		}
		return Resolution{}, false, err
	}
	return Resolution{Identity: ident, Outcome: OutcomeMerged}, true, nil
}

// Attach binds m to the identity id and returns the refreshed identity. An
// already-linked method is not an error.
func (r *Resolver) Attach(ctx context.Context, id string, m Method) (Identity, error) {
	if err := m.Validate(); err != nil {
		return Identity{}, err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = r.now().UTC()
	}
	if err := r.store.AttachMethod(ctx, id, m); err != nil && !errors.Is(err, ErrAlreadyLinked) {
		return Identity{}, err
	}
	return r.store.FindByID(ctx, id)
}

func (r *Resolver) create(ctx context.Context, m Method) (Resolution, error) {
	id, err := NewID()
	if err != nil {
		return Resolution{}, fmt.Errorf("generate identity id: %w", err)
	}
	now := r.now().UTC()
	m.CreatedAt = now

	ident, err := r.store.Create(ctx, Identity{
		ID:        id,
		Role:      RoleUser,
		Methods:   []Method{m},
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err == nil {
		return Resolution{Identity: ident, Outcome: OutcomeCreated}, nil
	}
	if !errors.Is(err, ErrDuplicateMethod) {
		return Resolution{}, err
	}

	// Lost a creation race; the winner owns the key now.
	winner, err := r.store.FindByMethod(ctx, m.Key())
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Identity: winner, Outcome: OutcomeExisting}, nil
}
