// Package sqlstore implements identity.Store over database/sql. Driver specific
// packages supply a Dialect and run their own migrations.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/goIdentity/identity"
)

// Dialect captures the few places SQL drivers disagree.
type Dialect struct {
	// Numbered reports whether placeholders are $1, $2 (postgres) instead of ?.
	Numbered bool
	// IsUniqueViolation reports whether err is a unique or primary key violation.
	IsUniqueViolation func(err error) bool
}

// Store is a SQL credential store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// New wraps db. The schema must already be migrated.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect, now: time.Now}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) q(query string) string {
	if !s.dialect.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", identity.ErrStoreUnavailable, err)
}

const selectIdentityColumns = `i.id, i.role, i.consent_given, i.consent_version, i.created_at, i.updated_at, i.deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (identity.Identity, error) {
	var (
		ident     identity.Identity
		role      string
		consent   bool
		createdAt int64
		updatedAt int64
		deletedAt sql.NullInt64
	)
	if err := row.Scan(&ident.ID, &role, &consent, &ident.ConsentVersion, &createdAt, &updatedAt, &deletedAt); err != nil {
		return identity.Identity{}, err
	}
	ident.Role = identity.Role(role)
	ident.ConsentGiven = consent
	ident.CreatedAt = fromMillis(createdAt)
	ident.UpdatedAt = fromMillis(updatedAt)
	if deletedAt.Valid {
		t := fromMillis(deletedAt.Int64)
		ident.DeletedAt = &t
	}
	return ident, nil
}

func (s *Store) loadMethods(ctx context.Context, ident *identity.Identity) error {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT method_type, provider, method_value, secret_hash, created_at
FROM identity_methods
WHERE identity_id = ?
ORDER BY created_at, method_type, provider, method_value`), ident.ID)
	if err != nil {
		return unavailable(err)
	}
	defer rows.Close()

	ident.Methods = ident.Methods[:0]
	for rows.Next() {
		var (
			m         identity.Method
			typ       string
			createdAt int64
		)
		if err := rows.Scan(&typ, &m.Provider, &m.Value, &m.SecretHash, &createdAt); err != nil {
			return unavailable(err)
		}
		m.Type = identity.MethodType(typ)
		m.CreatedAt = fromMillis(createdAt)
		ident.Methods = append(ident.Methods, m)
	}
	if err := rows.Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// FindByMethod implements identity.Store.
func (s *Store) FindByMethod(ctx context.Context, key identity.MethodKey) (identity.Identity, error) {
	row := s.db.QueryRowContext(ctx, s.q(`
SELECT `+selectIdentityColumns+`
FROM identity_methods m
JOIN identities i ON i.id = m.identity_id
WHERE m.method_type = ? AND m.provider = ? AND m.method_value = ? AND i.deleted_at IS NULL`),
		string(key.Type), key.Provider, key.Value)

	ident, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Identity{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.Identity{}, unavailable(err)
	}
	if err := s.loadMethods(ctx, &ident); err != nil {
		return identity.Identity{}, err
	}
	return ident, nil
}

// FindByID implements identity.Store.
func (s *Store) FindByID(ctx context.Context, id string) (identity.Identity, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+selectIdentityColumns+` FROM identities i WHERE i.id = ?`), id)
	ident, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Identity{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.Identity{}, unavailable(err)
	}
	if err := s.loadMethods(ctx, &ident); err != nil {
		return identity.Identity{}, err
	}
	return ident, nil
}

// Create implements identity.Store.
func (s *Store) Create(ctx context.Context, ident identity.Identity) (identity.Identity, error) {
	if ident.ID == "" || len(ident.Methods) == 0 {
		return identity.Identity{}, identity.ErrInvalidMethod
	}
	if ident.Role == "" {
		ident.Role = identity.RoleUser
	}
	if !ident.Role.Valid() {
		return identity.Identity{}, identity.ErrInvalidRole
	}
	for _, m := range ident.Methods {
		if err := m.Validate(); err != nil {
			return identity.Identity{}, err
		}
	}
	now := s.now().UTC()
	if ident.CreatedAt.IsZero() {
		ident.CreatedAt = now
	}
	if ident.UpdatedAt.IsZero() {
		ident.UpdatedAt = ident.CreatedAt
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`
INSERT INTO identities (id, role, consent_given, consent_version, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`),
			ident.ID, string(ident.Role), ident.ConsentGiven, ident.ConsentVersion,
			toMillis(ident.CreatedAt), toMillis(ident.UpdatedAt)); err != nil {
			return err
		}
		for i := range ident.Methods {
			if ident.Methods[i].CreatedAt.IsZero() {
				ident.Methods[i].CreatedAt = ident.CreatedAt
			}
			if err := s.insertMethod(ctx, tx, ident.ID, ident.Methods[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if s.dialect.IsUniqueViolation(err) {
			return identity.Identity{}, identity.ErrDuplicateMethod
		}
		return identity.Identity{}, unavailable(err)
	}
	return ident, nil
}

func (s *Store) insertMethod(ctx context.Context, tx *sql.Tx, id string, m identity.Method) error {
	_, err := tx.ExecContext(ctx, s.q(`
INSERT INTO identity_methods (method_type, provider, method_value, identity_id, secret_hash, created_at)
VALUES (?, ?, ?, ?, ?, ?)`),
		string(m.Type), m.Provider, m.Value, id, m.SecretHash, toMillis(m.CreatedAt))
	return err
}

// touch bumps updated_at on a live identity. The update takes the row lock
// that serializes method changes for the identity.
func (s *Store) touch(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, s.q(`UPDATE identities SET updated_at = ? WHERE id = ? AND deleted_at IS NULL`),
		toMillis(s.now()), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return identity.ErrNotFound
	}
	return nil
}

// AttachMethod implements identity.Store.
func (s *Store) AttachMethod(ctx context.Context, id string, m identity.Method) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.touch(ctx, tx, id); err != nil {
			return err
		}
		if m.Type == identity.MethodEmail {
			// touch holds the identity row, so no other attach can slip in
			// between this count and the insert.
			var n int
			if err := tx.QueryRowContext(ctx, s.q(`
SELECT COUNT(*) FROM identity_methods WHERE identity_id = ? AND method_type = ?`),
				id, string(identity.MethodEmail)).Scan(&n); err != nil {
				return err
			}
			if n > 0 {
				return identity.ErrAlreadyLinked
			}
		}
		return s.insertMethod(ctx, tx, id, m)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, identity.ErrNotFound), errors.Is(err, identity.ErrAlreadyLinked):
		return err
	case s.dialect.IsUniqueViolation(err):
		owner, ownerErr := s.methodOwner(ctx, m.Key())
		if ownerErr == nil && owner == id {
			return identity.ErrAlreadyLinked
		}
		return identity.ErrDuplicateMethod
	default:
		return unavailable(err)
	}
}

func (s *Store) methodOwner(ctx context.Context, key identity.MethodKey) (string, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, s.q(`
SELECT identity_id FROM identity_methods
WHERE method_type = ? AND provider = ? AND method_value = ?`),
		string(key.Type), key.Provider, key.Value).Scan(&owner)
	return owner, err
}

// DetachMethod implements identity.Store.
func (s *Store) DetachMethod(ctx context.Context, id string, key identity.MethodKey) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.touch(ctx, tx, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`
DELETE FROM identity_methods
WHERE identity_id = ? AND method_type = ? AND provider = ? AND method_value = ?
  AND (SELECT COUNT(*) FROM identity_methods WHERE identity_id = ?) > 1`),
			id, string(key.Type), key.Provider, key.Value, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}

		var owned int
		if err := tx.QueryRowContext(ctx, s.q(`
SELECT COUNT(*) FROM identity_methods
WHERE identity_id = ? AND method_type = ? AND provider = ? AND method_value = ?`),
			id, string(key.Type), key.Provider, key.Value).Scan(&owned); err != nil {
			return err
		}
		if owned == 0 {
			return identity.ErrNotFound
		}
		return identity.ErrLastMethod
	})
	if err != nil && !errors.Is(err, identity.ErrNotFound) && !errors.Is(err, identity.ErrLastMethod) {
		return unavailable(err)
	}
	return err
}

// UpdateSecret implements identity.Store.
func (s *Store) UpdateSecret(ctx context.Context, id string, secretHash string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.touch(ctx, tx, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`
UPDATE identity_methods SET secret_hash = ?
WHERE identity_id = ? AND method_type = ?`), secretHash, id, string(identity.MethodEmail))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return identity.ErrNotFound
		}
		return nil
	})
	if err != nil && !errors.Is(err, identity.ErrNotFound) {
		return unavailable(err)
	}
	return err
}

// SetRole implements identity.Store.
func (s *Store) SetRole(ctx context.Context, id string, role identity.Role) error {
	if !role.Valid() {
		return identity.ErrInvalidRole
	}
	return s.updateIdentity(ctx, `UPDATE identities SET role = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		string(role), toMillis(s.now()), id)
}

// SetConsent implements identity.Store.
func (s *Store) SetConsent(ctx context.Context, id string, given bool, version string) error {
	return s.updateIdentity(ctx, `UPDATE identities SET consent_given = ?, consent_version = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		given, version, toMillis(s.now()), id)
}

func (s *Store) updateIdentity(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 0 {
		return identity.ErrNotFound
	}
	return nil
}

// SoftDelete implements identity.Store.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := toMillis(s.now())
		res, err := tx.ExecContext(ctx, s.q(`UPDATE identities SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`),
			now, now, id)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return identity.ErrNotFound
		}
		_, err = tx.ExecContext(ctx, s.q(`DELETE FROM identity_methods WHERE identity_id = ?`), id)
		return err
	})
	if err != nil && !errors.Is(err, identity.ErrNotFound) {
		return unavailable(err)
	}
	return err
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
