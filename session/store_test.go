package session

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newSessionStoreTest(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return NewStore(rdb, "is"), mr
}

func hashOf(s string) [32]byte {
	return sha256.Sum256([]byte(s))
}

func saveTestSession(t *testing.T, store *Store, sessionID, identityID, secret, grantID string) {
	t.Helper()
	now := time.Now()
	sess := &Session{
		SessionID:   sessionID,
		IdentityID:  identityID,
		Role:        "user",
		RefreshHash: hashOf(secret),
		CreatedAt:   now,
		LastUsedAt:  now,
		ExpiresAt:   now.Add(24 * time.Hour),
	}
	grant := AccessGrant{ID: grantID, ExpiresAt: now.Add(15 * time.Minute)}
	if err := store.Save(context.Background(), sess, grant); err != nil {
		t.Fatalf("save: %v", err)
	}
}

func TestRotateReplacesHashAndDetectsReuse(t *testing.T) {
	store, _ := newSessionStoreTest(t)
	ctx := context.Background()
	saveTestSession(t, store, "s1", "id-1", "r0", "j0")

	next := AccessGrant{ID: "j1", ExpiresAt: time.Now().Add(15 * time.Minute)}
	sess, err := store.Rotate(ctx, "s1", hashOf("r0"), hashOf("r1"), next)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if sess.IdentityID != "id-1" || sess.Role != "user" || sess.Rotations != 1 {
		t.Fatalf("unexpected session after rotate: %+v", sess)
	}

	// Replaying r0 is reuse and kills the lineage.
	_, err = store.Rotate(ctx, "s1", hashOf("r0"), hashOf("r2"), AccessGrant{ID: "j2", ExpiresAt: next.ExpiresAt})
	if !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected reuse, got %v", err)
	}

	// The legitimate holder of r1 is now locked out too.
	_, err = store.Rotate(ctx, "s1", hashOf("r1"), hashOf("r3"), AccessGrant{ID: "j3", ExpiresAt: next.ExpiresAt})
	if !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected revoked lineage to report reuse, got %v", err)
	}

	revoked, _, err := store.IsRevoked(ctx, "j1")
	if err != nil || !revoked {
		t.Fatalf("expected live grant j1 revoked, got %v %v", revoked, err)
	}
}

func TestRotateConcurrentSingleWinner(t *testing.T) {
	store, _ := newSessionStoreTest(t)
	saveTestSession(t, store, "s1", "id-1", "r0", "j0")

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		reuse     int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			next := hashOf("next" + string(rune('a'+i)))
			_, err := store.Rotate(context.Background(), "s1", hashOf("r0"), next,
				AccessGrant{ID: "j" + string(rune('a'+i)), ExpiresAt: time.Now().Add(time.Minute)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrRefreshReuse):
				reuse++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one successful rotation, got %d", successes)
	}
	if reuse != workers-1 {
		t.Fatalf("expected %d reuse failures, got %d", workers-1, reuse)
	}
}

func TestRotateUnknownSecretLeavesLineageAlone(t *testing.T) {
	store, mr := newSessionStoreTest(t)
	ctx := context.Background()
	saveTestSession(t, store, "s1", "id-1", "r0", "j0")

	_, err := store.Rotate(ctx, "s1", hashOf("guessed"), hashOf("x"), AccessGrant{ID: "jx", ExpiresAt: time.Now().Add(time.Minute)})
	if !errors.Is(err, ErrRefreshMismatch) {
		t.Fatalf("expected mismatch for a never-issued secret, got %v", err)
	}
	if revoked, _, _ := store.IsRevoked(ctx, "j0"); revoked {
		t.Fatal("a guessed secret must not revoke live grants")
	}
	if mr.Exists(store.rotatedKey("s1")) {
		t.Fatal("a mismatch must not record anything")
	}

	if _, err := store.Rotate(ctx, "s1", hashOf("r0"), hashOf("r1"), AccessGrant{ID: "j1", ExpiresAt: time.Now().Add(time.Minute)}); err != nil {
		t.Fatalf("genuine rotation after a guess: %v", err)
	}
	if ttl := mr.TTL(store.rotatedKey("s1")); ttl <= 0 || ttl > 24*time.Hour {
		t.Fatalf("rotated hashes must expire with the session, ttl %s", ttl)
	}

	// Still only a mismatch after rotation; a rotated-out hash is reuse.
	_, err = store.Rotate(ctx, "s1", hashOf("guessed"), hashOf("y"), AccessGrant{ID: "jy", ExpiresAt: time.Now().Add(time.Minute)})
	if !errors.Is(err, ErrRefreshMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	_, err = store.Rotate(ctx, "s1", hashOf("r0"), hashOf("z"), AccessGrant{ID: "jz", ExpiresAt: time.Now().Add(time.Minute)})
	if !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected reuse for a rotated-out secret, got %v", err)
	}
}

func TestRotateCapsGrantAtSessionExpiry(t *testing.T) {
	store, mr := newSessionStoreTest(t)
	ctx := context.Background()
	saveTestSession(t, store, "s1", "id-1", "r0", "j0")

	sess, err := store.Rotate(ctx, "s1", hashOf("r0"), hashOf("r1"), AccessGrant{ID: "j1", ExpiresAt: time.Now().Add(48 * time.Hour)})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	score, err := mr.ZScore(store.grantsKey("s1"), "j1")
	if err != nil {
		t.Fatalf("grant score: %v", err)
	}
	if int64(score) != sess.ExpiresAt.UnixMilli() {
		t.Fatalf("grant expiry %d not capped at session expiry %d", int64(score), sess.ExpiresAt.UnixMilli())
	}
}

func TestRotateUnknownAndExpired(t *testing.T) {
	store, _ := newSessionStoreTest(t)
	ctx := context.Background()

	_, err := store.Rotate(ctx, "missing", hashOf("a"), hashOf("b"), AccessGrant{})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	saveTestSession(t, store, "s1", "id-1", "r0", "j0")
	store.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	_, err = store.Rotate(ctx, "s1", hashOf("r0"), hashOf("r1"), AccessGrant{ID: "j1", ExpiresAt: time.Now()})
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	store, mr := newSessionStoreTest(t)
	ctx := context.Background()
	saveTestSession(t, store, "s1", "id-1", "r0", "j0")

	uid, done, err := store.Revoke(ctx, "s1")
	if err != nil || !done || uid != "id-1" {
		t.Fatalf("first revoke: uid=%q done=%v err=%v", uid, done, err)
	}
	_, done, err = store.Revoke(ctx, "s1")
	if err != nil || done {
		t.Fatalf("second revoke should be a no-op: done=%v err=%v", done, err)
	}
	_, done, err = store.Revoke(ctx, "never-existed")
	if err != nil || done {
		t.Fatalf("revoking unknown session should be a no-op: done=%v err=%v", done, err)
	}

	revoked, exp, err := store.IsRevoked(ctx, "j0")
	if err != nil || !revoked || exp.IsZero() {
		t.Fatalf("expected j0 revoked with expiry, got %v %v %v", revoked, exp, err)
	}
	if ttl := mr.TTL(store.revokeKey("j0")); ttl <= 0 || ttl > 15*time.Minute {
		t.Fatalf("revocation entry should live until grant expiry, ttl=%v", ttl)
	}

	mr.FastForward(16 * time.Minute)
	if revoked, _, _ := store.IsRevoked(ctx, "j0"); revoked {
		t.Fatalf("revocation entry should expire with the grant")
	}
}

func TestRevokeAllForIdentity(t *testing.T) {
	store, _ := newSessionStoreTest(t)
	ctx := context.Background()
	saveTestSession(t, store, "s1", "id-1", "a", "ja")
	saveTestSession(t, store, "s2", "id-1", "b", "jb")
	saveTestSession(t, store, "s3", "id-2", "c", "jc")

	n, err := store.RevokeAllForIdentity(ctx, "id-1")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 revoked, got %d %v", n, err)
	}

	list, err := store.ListForIdentity(ctx, "id-1")
	if err != nil || len(list) != 0 {
		t.Fatalf("expected no live sessions, got %d %v", len(list), err)
	}
	list, err = store.ListForIdentity(ctx, "id-2")
	if err != nil || len(list) != 1 || list[0].SessionID != "s3" {
		t.Fatalf("other identity must be untouched, got %+v %v", list, err)
	}

	_, err = store.Rotate(ctx, "s1", hashOf("a"), hashOf("a2"), AccessGrant{ID: "ja2", ExpiresAt: time.Now().Add(time.Minute)})
	if !errors.Is(err, ErrRefreshReuse) {
		t.Fatalf("expected revoked session refresh to fail, got %v", err)
	}
}

func TestSetRoleUpdatesLiveSessions(t *testing.T) {
	store, _ := newSessionStoreTest(t)
	ctx := context.Background()
	saveTestSession(t, store, "s1", "id-1", "a", "ja")

	n, err := store.SetRole(ctx, "id-1", "admin")
	if err != nil || n != 1 {
		t.Fatalf("set role: %d %v", n, err)
	}
	sess, err := store.Rotate(ctx, "s1", hashOf("a"), hashOf("b"), AccessGrant{ID: "jb", ExpiresAt: time.Now().Add(time.Minute)})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if sess.Role != "admin" {
		t.Fatalf("expected new role to flow into rotation, got %q", sess.Role)
	}
}

func TestSweepPrunesDanglingIndex(t *testing.T) {
	store, mr := newSessionStoreTest(t)
	ctx := context.Background()
	saveTestSession(t, store, "s1", "id-1", "a", "ja")

	mr.FastForward(25 * time.Hour)
	n, err := store.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one dangling entry pruned, got %d %v", n, err)
	}
	if mr.Exists(store.userKey("id-1")) {
		t.Fatalf("index set should be empty after sweep")
	}
}

func TestGetReturnsTombstone(t *testing.T) {
	store, _ := newSessionStoreTest(t)
	ctx := context.Background()
	saveTestSession(t, store, "s1", "id-1", "a", "ja")
	if _, _, err := store.Revoke(ctx, "s1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	sess, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !sess.Revoked || sess.Active(time.Now()) {
		t.Fatalf("expected revoked tombstone, got %+v", sess)
	}
	if _, err := store.Get(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
