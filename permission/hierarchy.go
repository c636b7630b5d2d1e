package permission

import (
	"errors"
	"sync"
)

var (
	// ErrUnknownRole is returned when a role was never registered.
	ErrUnknownRole = errors.New("unknown role")
	// ErrInsufficientRole is returned when the caller ranks below the requirement.
	ErrInsufficientRole = errors.New("insufficient role")
	// ErrNotOwner is returned when a low-ranked caller targets another identity's resource.
	ErrNotOwner = errors.New("caller does not own resource")
	// ErrFrozen is returned when registering after Freeze.
	ErrFrozen = errors.New("role hierarchy frozen")
)

// Caller is the authenticated principal of a request.
type Caller struct {
	IdentityID string
	Role       string
}

// Hierarchy is an ordered set of roles.
//
// A Hierarchy must not be changed after Freeze.
type Hierarchy struct {
	mu          sync.RWMutex
	ranks       map[string]int
	ordered     []string
	ownerBypass int
	frozen      bool
}

// NewHierarchy registers roles lowest first. Callers ranked at or above
// ownerBypass skip ownership checks; an empty ownerBypass means nobody does.
func NewHierarchy(ownerBypass string, roles ...string) (*Hierarchy, error) {
	h := &Hierarchy{
		ranks:       make(map[string]int, len(roles)),
		ownerBypass: -1,
	}
	for _, role := range roles {
		if err := h.Register(role); err != nil {
			return nil, err
		}
	}
	if ownerBypass != "" {
		rank, ok := h.ranks[ownerBypass]
		if !ok {
			return nil, ErrUnknownRole
		}
		h.ownerBypass = rank
	}
	return h, nil
}

// Register appends role above every role registered so far.
func (h *Hierarchy) Register(role string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.frozen {
		return ErrFrozen
	}
	if role == "" {
		return errors.New("role name empty")
	}
	if _, exists := h.ranks[role]; exists {
		return errors.New("role already registered")
	}
	h.ranks[role] = len(h.ordered)
	h.ordered = append(h.ordered, role)
	return nil
}

// Freeze prevents further registration.
func (h *Hierarchy) Freeze() {
	h.mu.Lock()
	h.frozen = true
	h.mu.Unlock()
}

// Rank returns the position of role, lowest is zero.
func (h *Hierarchy) Rank(role string) (int, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rank, ok := h.ranks[role]
	return rank, ok
}

// Roles returns the registered roles lowest first.
func (h *Hierarchy) Roles() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, len(h.ordered))
	copy(out, h.ordered)
	return out
}

// Known reports whether role is registered.
func (h *Hierarchy) Known(role string) bool {
	_, ok := h.Rank(role)
	return ok
}

// Check decides whether caller may act with requiredRole on a resource owned
// by ownerID. An empty ownerID means the resource has no owner.
func (h *Hierarchy) Check(caller Caller, requiredRole, ownerID string) error {
	have, ok := h.Rank(caller.Role)
	if !ok {
		return ErrUnknownRole
	}
	need, ok := h.Rank(requiredRole)
	if !ok {
		return ErrUnknownRole
	}
	if have < need {
		return ErrInsufficientRole
	}
	if ownerID == "" {
		return nil
	}
	if h.ownerBypass >= 0 && have >= h.ownerBypass {
		return nil
	}
	if caller.IdentityID == "" || caller.IdentityID != ownerID {
		return ErrNotOwner
	}
	return nil
}
