package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrEthical07/goIdentity/identity"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "identity.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newIdentity(t *testing.T, methods ...identity.Method) identity.Identity {
	t.Helper()
	id, err := identity.NewID()
	require.NoError(t, err)
	return identity.Identity{ID: id, Role: identity.RoleUser, Methods: methods}
}

func TestCreateAndFind(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, newIdentity(t, identity.EmailMethod("alice@example.com", "$argon2id$x")))
	require.NoError(t, err)

	found, err := s.FindByMethod(ctx, identity.MethodKey{Type: identity.MethodEmail, Value: "alice@example.com"})
	require.NoError(t, err)
	require.Equal(t, created.ID, found.ID)
	require.Equal(t, identity.RoleUser, found.Role)
	require.Len(t, found.Methods, 1)
	require.Equal(t, "$argon2id$x", found.Methods[0].SecretHash)

	_, err = s.FindByMethod(ctx, identity.MethodKey{Type: identity.MethodPhone, Value: "+15551234567"})
	require.ErrorIs(t, err, identity.ErrNotFound)
}

func TestCreateDuplicateMethod(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, newIdentity(t, identity.PhoneMethod("+15551234567")))
	require.NoError(t, err)

	_, err = s.Create(ctx, newIdentity(t, identity.PhoneMethod("+15551234567")))
	require.ErrorIs(t, err, identity.ErrDuplicateMethod)
}

func TestConcurrentCreateSingleWinner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		ident := newIdentity(t, identity.FederatedMethod("google", "sub-1"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Create(ctx, ident)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, identity.ErrDuplicateMethod)
	}
	require.Equal(t, 1, wins)
}

func TestAttachMethod(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, err := s.Create(ctx, newIdentity(t, identity.PhoneMethod("+15550000001")))
	require.NoError(t, err)
	b, err := s.Create(ctx, newIdentity(t, identity.PhoneMethod("+15550000002")))
	require.NoError(t, err)

	require.NoError(t, s.AttachMethod(ctx, a.ID, identity.FederatedMethod("github", "42")))
	require.ErrorIs(t, s.AttachMethod(ctx, a.ID, identity.FederatedMethod("github", "42")), identity.ErrAlreadyLinked)
	require.ErrorIs(t, s.AttachMethod(ctx, b.ID, identity.FederatedMethod("github", "42")), identity.ErrDuplicateMethod)
	require.ErrorIs(t, s.AttachMethod(ctx, "missing", identity.PhoneMethod("+15550000003")), identity.ErrNotFound)

	got, err := s.FindByID(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, got.Methods, 2)
}

func TestAttachSecondEmailRefused(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ident, err := s.Create(ctx, newIdentity(t, identity.PhoneMethod("+15550000001")))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			email := fmt.Sprintf("user%d@example.com", i)
			errs[i] = s.AttachMethod(ctx, ident.ID, identity.EmailMethod(email, "hash"))
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		require.ErrorIs(t, err, identity.ErrAlreadyLinked)
	}
	require.Equal(t, 1, wins)

	got, err := s.FindByID(ctx, ident.ID)
	require.NoError(t, err)
	emails := 0
	for _, m := range got.Methods {
		if m.Type == identity.MethodEmail {
			emails++
		}
	}
	require.Equal(t, 1, emails)
}

func TestDetachRefusesLastMethod(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ident, err := s.Create(ctx, newIdentity(t,
		identity.PhoneMethod("+15550000001"),
		identity.FederatedMethod("google", "abc"),
	))
	require.NoError(t, err)

	require.NoError(t, s.DetachMethod(ctx, ident.ID, identity.MethodKey{Type: identity.MethodFederated, Provider: "google", Value: "abc"}))
	err = s.DetachMethod(ctx, ident.ID, identity.MethodKey{Type: identity.MethodPhone, Value: "+15550000001"})
	require.ErrorIs(t, err, identity.ErrLastMethod)
	err = s.DetachMethod(ctx, ident.ID, identity.MethodKey{Type: identity.MethodFederated, Provider: "google", Value: "abc"})
	require.ErrorIs(t, err, identity.ErrNotFound)

	got, err := s.FindByID(ctx, ident.ID)
	require.NoError(t, err)
	require.Len(t, got.Methods, 1)
}

func TestConcurrentDetachKeepsOneMethod(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	phone := identity.PhoneMethod("+15550000001")
	fed := identity.FederatedMethod("google", "abc")
	ident, err := s.Create(ctx, newIdentity(t, phone, fed))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, key := range []identity.MethodKey{phone.Key(), fed.Key()} {
		wg.Add(1)
		go func(i int, key identity.MethodKey) {
			defer wg.Done()
			errs[i] = s.DetachMethod(ctx, ident.ID, key)
		}(i, key)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			require.ErrorIs(t, err, identity.ErrLastMethod)
			failures++
		}
	}
	require.Equal(t, 1, failures)

	got, err := s.FindByID(ctx, ident.ID)
	require.NoError(t, err)
	require.Len(t, got.Methods, 1)
}

func TestRoleConsentAndSoftDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ident, err := s.Create(ctx, newIdentity(t, identity.EmailMethod("bob@example.com", "old")))
	require.NoError(t, err)

	require.NoError(t, s.SetRole(ctx, ident.ID, identity.RoleOperator))
	require.ErrorIs(t, s.SetRole(ctx, ident.ID, identity.Role("root")), identity.ErrInvalidRole)
	require.NoError(t, s.SetConsent(ctx, ident.ID, true, "2024-01"))
	require.NoError(t, s.UpdateSecret(ctx, ident.ID, "new"))

	got, err := s.FindByID(ctx, ident.ID)
	require.NoError(t, err)
	require.Equal(t, identity.RoleOperator, got.Role)
	require.True(t, got.ConsentGiven)
	require.Equal(t, "2024-01", got.ConsentVersion)
	m, ok := got.Method(identity.MethodEmail)
	require.True(t, ok)
	require.Equal(t, "new", m.SecretHash)

	require.NoError(t, s.SoftDelete(ctx, ident.ID))
	require.ErrorIs(t, s.SoftDelete(ctx, ident.ID), identity.ErrNotFound)

	deleted, err := s.FindByID(ctx, ident.ID)
	require.NoError(t, err)
	require.True(t, deleted.Deleted())
	require.WithinDuration(t, time.Now(), *deleted.DeletedAt, time.Minute)

	_, err = s.FindByMethod(ctx, identity.MethodKey{Type: identity.MethodEmail, Value: "bob@example.com"})
	require.ErrorIs(t, err, identity.ErrNotFound)

	// Released keys can be claimed again.
	_, err = s.Create(ctx, newIdentity(t, identity.EmailMethod("bob@example.com", "")))
	require.NoError(t, err)
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.db")
	s, err := Open(path)
	require.NoError(t, err)
	ident, err := s.Create(context.Background(), newIdentity(t, identity.PhoneMethod("+15550000009")))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.FindByID(context.Background(), ident.ID)
	require.NoError(t, err)
	require.Equal(t, ident.ID, got.ID)
}
