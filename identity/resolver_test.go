package identity_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/MrEthical07/goIdentity/identity"
	"github.com/MrEthical07/goIdentity/store/sqlite"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "resolver.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedEmailIdentity(t *testing.T, s identity.Store, email string) identity.Identity {
	t.Helper()
	id, err := identity.NewID()
	require.NoError(t, err)
	ident, err := s.Create(context.Background(), identity.Identity{
		ID:      id,
		Methods: []identity.Method{identity.EmailMethod(email, "hash")},
	})
	require.NoError(t, err)
	return ident
}

func TestResolveCreatesThenFinds(t *testing.T) {
	s := newStore(t)
	r := identity.NewResolver(s, identity.MergeRequireConfirmation)
	ctx := context.Background()

	c := identity.Candidate{Method: identity.PhoneMethod("+15551234567")}
	first, err := r.Resolve(ctx, c)
	require.NoError(t, err)
	require.Equal(t, identity.OutcomeCreated, first.Outcome)
	require.Equal(t, identity.RoleUser, first.Identity.Role)

	second, err := r.Resolve(ctx, c)
	require.NoError(t, err)
	require.Equal(t, identity.OutcomeExisting, second.Outcome)
	require.Equal(t, first.Identity.ID, second.Identity.ID)
}

func TestResolveConcurrentCreatesConverge(t *testing.T) {
	s := newStore(t)
	r := identity.NewResolver(s, identity.MergeDisabled)
	ctx := context.Background()

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.Resolve(ctx, identity.Candidate{Method: identity.FederatedMethod("google", "sub-1")})
			if err == nil {
				ids[i] = res.Identity.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		require.NotEmpty(t, id)
		require.Equal(t, ids[0], id)
	}
}

func TestResolveMergeRequiresConfirmation(t *testing.T) {
	s := newStore(t)
	existing := seedEmailIdentity(t, s, "carol@example.com")
	r := identity.NewResolver(s, identity.MergeRequireConfirmation)

	_, err := r.Resolve(context.Background(), identity.Candidate{
		Method:        identity.FederatedMethod("google", "g-1"),
		VerifiedEmail: "carol@example.com",
	})
	require.ErrorIs(t, err, identity.ErrMergeConfirmationRequired)

	var mergeErr *identity.MergeRequiredError
	require.True(t, errors.As(err, &mergeErr))
	require.Equal(t, existing.ID, mergeErr.TargetID)

	// Nothing was written.
	_, err = s.FindByMethod(context.Background(), identity.FederatedMethod("google", "g-1").Key())
	require.ErrorIs(t, err, identity.ErrNotFound)
}

func TestResolveMergeAutomatic(t *testing.T) {
	s := newStore(t)
	existing := seedEmailIdentity(t, s, "dave@example.com")
	r := identity.NewResolver(s, identity.MergeAutomatic)

	res, err := r.Resolve(context.Background(), identity.Candidate{
		Method:        identity.FederatedMethod("github", "77"),
		VerifiedEmail: "dave@example.com",
	})
	require.NoError(t, err)
	require.Equal(t, identity.OutcomeMerged, res.Outcome)
	require.Equal(t, existing.ID, res.Identity.ID)
	require.True(t, res.Identity.HasMethod(identity.FederatedMethod("github", "77").Key()))
}

func TestResolveMergeDisabledCreates(t *testing.T) {
	s := newStore(t)
	existing := seedEmailIdentity(t, s, "erin@example.com")
	r := identity.NewResolver(s, identity.MergeDisabled)

	res, err := r.Resolve(context.Background(), identity.Candidate{
		Method:        identity.FederatedMethod("github", "88"),
		VerifiedEmail: "erin@example.com",
	})
	require.NoError(t, err)
	require.Equal(t, identity.OutcomeCreated, res.Outcome)
	require.NotEqual(t, existing.ID, res.Identity.ID)
}

func TestResolveNoVerifiedEmailNeverMerges(t *testing.T) {
	s := newStore(t)
	seedEmailIdentity(t, s, "frank@example.com")
	r := identity.NewResolver(s, identity.MergeAutomatic)

	res, err := r.Resolve(context.Background(), identity.Candidate{Method: identity.FederatedMethod("github", "99")})
	require.NoError(t, err)
	require.Equal(t, identity.OutcomeCreated, res.Outcome)
}

func TestResolveRejectsInvalidMethod(t *testing.T) {
	r := identity.NewResolver(newStore(t), identity.MergeDisabled)
	_, err := r.Resolve(context.Background(), identity.Candidate{Method: identity.Method{Type: identity.MethodFederated, Value: "x"}})
	require.ErrorIs(t, err, identity.ErrInvalidMethod)
}

func TestNormalize(t *testing.T) {
	email, err := identity.NormalizeEmail("  Alice@Example.COM ")
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", email)

	_, err = identity.NormalizeEmail("Alice <alice@example.com>")
	require.ErrorIs(t, err, identity.ErrInvalidEmail)

	phone, err := identity.NormalizePhone("+1 (555) 123-4567")
	require.NoError(t, err)
	require.Equal(t, "+15551234567", phone)

	for _, bad := range []string{"5551234567", "+0123456789", "+1555", "+1555123456789012"} {
		_, err := identity.NormalizePhone(bad)
		require.ErrorIs(t, err, identity.ErrInvalidPhone, bad)
	}
}
