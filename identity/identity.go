package identity

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MethodType names the kind of authentication method bound to an identity.
type MethodType string

const (
	MethodEmail     MethodType = "email"
	MethodPhone     MethodType = "phone"
	MethodFederated MethodType = "federated"
)

// Valid reports whether t is a known method type.
func (t MethodType) Valid() bool {
	switch t {
	case MethodEmail, MethodPhone, MethodFederated:
		return true
	default:
		return false
	}
}

// Role is the coarse authorization level of an identity.
type Role string

const (
	RoleUser     Role = "user"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleOperator, RoleAdmin:
		return true
	default:
		return false
	}
}

// MethodKey is the globally unique handle of a method.
// Provider is empty for email and phone methods.
type MethodKey struct {
	Type     MethodType
	Provider string
	Value    string
}

func (k MethodKey) String() string {
	if k.Provider == "" {
		return string(k.Type) + ":" + k.Value
	}
	return string(k.Type) + ":" + k.Provider + ":" + k.Value
}

// Method is one way of proving control of an identity.
type Method struct {
	Type     MethodType
	Provider string
	Value    string
	// SecretHash is an argon2id PHC string; set for email methods only.
	SecretHash string
	CreatedAt  time.Time
}

// Key returns the uniqueness key of m.
func (m Method) Key() MethodKey {
	return MethodKey{Type: m.Type, Provider: m.Provider, Value: m.Value}
}

// Validate checks the structural shape of m. Values are expected to be
// normalized already.
func (m Method) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown method type %q", ErrInvalidMethod, m.Type)
	}
	if m.Value == "" {
		return fmt.Errorf("%w: empty method value", ErrInvalidMethod)
	}
	if m.Type == MethodFederated && m.Provider == "" {
		return fmt.Errorf("%w: federated method requires provider", ErrInvalidMethod)
	}
	if m.Type != MethodFederated && m.Provider != "" {
		return fmt.Errorf("%w: provider only allowed on federated methods", ErrInvalidMethod)
	}
	if m.SecretHash != "" && m.Type != MethodEmail {
		return fmt.Errorf("%w: secret only allowed on email methods", ErrInvalidMethod)
	}
	return nil
}

// Identity is the durable account record.
type Identity struct {
	ID             string
	Role           Role
	ConsentGiven   bool
	ConsentVersion string
	Methods        []Method
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeletedAt      *time.Time
}

// Deleted reports whether the identity has been soft deleted.
func (i Identity) Deleted() bool {
	return i.DeletedAt != nil
}

// Method returns the first method of type t.
func (i Identity) Method(t MethodType) (Method, bool) {
	for _, m := range i.Methods {
		if m.Type == t {
			return m, true
		}
	}
	return Method{}, false
}

// HasMethod reports whether key is bound to i.
func (i Identity) HasMethod(key MethodKey) bool {
	for _, m := range i.Methods {
		if m.Key() == key {
			return true
		}
	}
	return false
}

// NewID returns a fresh time-ordered identity id.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
