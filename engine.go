package goIdentity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrEthical07/goIdentity/challenge"
	"github.com/MrEthical07/goIdentity/federation"
	"github.com/MrEthical07/goIdentity/identity"
	"github.com/MrEthical07/goIdentity/internal"
	"github.com/MrEthical07/goIdentity/internal/rate"
	"github.com/MrEthical07/goIdentity/internal/stores"
	"github.com/MrEthical07/goIdentity/jwt"
	"github.com/MrEthical07/goIdentity/password"
	"github.com/MrEthical07/goIdentity/permission"
	"github.com/MrEthical07/goIdentity/session"
	"github.com/MrEthical07/goIdentity/sms"
	"github.com/dgraph-io/ristretto/v2"
)

// Engine is the identity and session core. It is safe for concurrent use
// after [Builder.Build].
type Engine struct {
	config Config
	logger *slog.Logger

	store        identity.Store
	resolver     *identity.Resolver
	sessions     *session.Store
	limiter      *rate.Limiter
	buckets      engineBuckets
	phoneCodes   *stores.PhoneCodeStore
	mergeTickets *stores.MergeTicketStore
	broker       *federation.Broker
	smsGateway   sms.Gateway
	challenge    challenge.Verifier
	hierarchy    *permission.Hierarchy
	passwords    *password.Hasher
	jwtManager   *jwt.Manager

	// revoked caches positive revocation hits until the token's own expiry.
	revoked *ristretto.Cache[string, time.Time]

	audit   *auditDispatcher
	metrics *Metrics
	now     func() time.Time

	closeOnce sync.Once
}

// Close flushes the audit dispatcher and releases the revocation cache.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		if e.audit != nil {
			e.audit.Close()
		}
		if e.revoked != nil {
			e.revoked.Close()
		}
	})
}

// AuditDropped returns how many audit events were dropped because the
// buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// Ping checks Redis reachability.
func (e *Engine) Ping(ctx context.Context) (time.Duration, error) {
	if e == nil || e.sessions == nil {
		return 0, ErrEngineNotReady
	}
	d, err := e.sessions.Ping(ctx)
	if err != nil {
		return d, redisFailure(err)
	}
	return d, nil
}

/*
====================================
ISSUE
====================================
*/

// Issue starts a new session for ident and returns its first token pair.
// Login flows call it after the identity is resolved.
func (e *Engine) Issue(ctx context.Context, ident identity.Identity) (TokenPair, error) {
	if e == nil || e.jwtManager == nil {
		return TokenPair{}, ErrEngineNotReady
	}
	if ident.ID == "" {
		return TokenPair{}, ErrInvalidRequest
	}
	if ident.Deleted() {
		return TokenPair{}, ErrUnauthorized
	}
	role := ident.Role
	if role == "" {
		role = identity.RoleUser
	}

	sid, err := internal.NewSessionID()
	if err != nil {
		return TokenPair{}, err
	}
	sessionID := sid.String()
	secret, err := internal.NewRefreshSecret()
	if err != nil {
		return TokenPair{}, err
	}

	now := e.now()
	claims, err := e.jwtManager.NewClaims(ident.ID, string(role), sessionID)
	if err != nil {
		return TokenPair{}, err
	}
	claims.CapExpiry(now.Add(e.config.Session.Lifetime))
	access, err := e.jwtManager.Sign(claims)
	if err != nil {
		return TokenPair{}, err
	}

	sess := &session.Session{
		SessionID:   sessionID,
		IdentityID:  ident.ID,
		Role:        string(role),
		RefreshHash: internal.HashRefreshSecret(secret),
		CreatedAt:   now,
		LastUsedAt:  now,
		ExpiresAt:   now.Add(e.config.Session.Lifetime),
	}
	grant := session.AccessGrant{ID: claims.ID, ExpiresAt: claims.ExpiresAt.Time}
	if err := e.sessions.Save(ctx, sess, grant); err != nil {
		err = redisFailure(err)
		e.emitAudit(ctx, auditEventSessionCreated, false, ident.ID, sessionID, err, nil)
		return TokenPair{}, err
	}

	refresh, err := internal.EncodeRefreshToken(sessionID, secret)
	if err != nil {
		return TokenPair{}, err
	}

	e.metricInc(MetricSessionCreated)
	e.emitAudit(ctx, auditEventSessionCreated, true, ident.ID, sessionID, nil, nil)

	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		IdentityID:       ident.ID,
		SessionID:        sessionID,
		AccessExpiresAt:  claims.ExpiresAt.Time,
		SessionExpiresAt: sess.ExpiresAt,
	}, nil
}

/*
====================================
REFRESH
====================================
*/

// Refresh rotates the session's refresh secret and issues a new token pair.
// Presenting a secret that was already rotated, or one from a revoked
// session, revokes the session and every access token issued under it.
//
//	Performance: 1 Lua round trip plus 1 for the refresh bucket.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	if e == nil || e.jwtManager == nil {
		return TokenPair{}, ErrEngineNotReady
	}

	sessionID, providedSecret, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshInvalid, false, "", "", ErrRefreshInvalid, func() map[string]string {
			return map[string]string{
				"reason": "decode_failed",
			}
		})
		return TokenPair{}, ErrRefreshInvalid
	}

	if err := e.reserve(ctx, "", guardKey{bucket: e.buckets.refreshSession, subject: sessionID}); err != nil {
		e.metricInc(MetricRefreshFailure)
		return TokenPair{}, err
	}

	nextSecret, err := internal.NewRefreshSecret()
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return TokenPair{}, err
	}
	claims, err := e.jwtManager.NewClaims("", "", sessionID)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return TokenPair{}, err
	}

	sess, err := e.sessions.Rotate(
		ctx,
		sessionID,
		internal.HashRefreshSecret(providedSecret),
		internal.HashRefreshSecret(nextSecret),
		session.AccessGrant{ID: claims.ID, ExpiresAt: claims.ExpiresAt.Time},
	)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrRefreshReuse):
			e.onRefreshReuse(ctx, sessionID)
			return TokenPair{}, ErrRefreshReuse
		case errors.Is(err, session.ErrSessionNotFound):
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, "", sessionID, ErrRefreshInvalid, func() map[string]string {
				return map[string]string{
					"reason": "session_not_found",
				}
			})
			return TokenPair{}, ErrRefreshInvalid
		case errors.Is(err, session.ErrRefreshMismatch):
			// The session id is visible in access tokens, so an unknown secret
			// is treated as a bad guess, not as theft of this lineage.
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, "", sessionID, ErrRefreshInvalid, func() map[string]string {
				return map[string]string{
					"reason": "secret_mismatch",
				}
			})
			return TokenPair{}, ErrRefreshInvalid
		case errors.Is(err, session.ErrSessionExpired):
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshInvalid, false, "", sessionID, ErrRefreshExpired, func() map[string]string {
				return map[string]string{
					"reason": "session_expired",
				}
			})
			return TokenPair{}, ErrRefreshExpired
		default:
			e.metricInc(MetricRefreshFailure)
			return TokenPair{}, redisFailure(err)
		}
	}

	claims.Subject = sess.IdentityID
	claims.Role = sess.Role
	claims.CapExpiry(sess.ExpiresAt)
	access, err := e.jwtManager.Sign(claims)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return TokenPair{}, err
	}
	refresh, err := internal.EncodeRefreshToken(sess.SessionID, nextSecret)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return TokenPair{}, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, sess.IdentityID, sess.SessionID, nil, nil)

	return TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		IdentityID:       sess.IdentityID,
		SessionID:        sess.SessionID,
		AccessExpiresAt:  claims.ExpiresAt.Time,
		SessionExpiresAt: sess.ExpiresAt,
	}, nil
}

func (e *Engine) onRefreshReuse(ctx context.Context, sessionID string) {
	e.metricInc(MetricRefreshReuseDetected)
	e.metricInc(MetricSessionRevoked)

	// The tombstone still names the owner.
	var identityID string
	if sess, err := e.sessions.Get(ctx, sessionID); err == nil {
		identityID = sess.IdentityID
	}

	e.logger.WarnContext(ctx, "refresh token reuse detected, session revoked",
		"identity_id", identityID,
		"session_id", sessionID,
		"ip", clientIPFromContext(ctx),
	)
	e.emitAudit(ctx, auditEventRefreshReuseDetected, false, identityID, sessionID, ErrRefreshReuse, nil)
}

/*
====================================
VALIDATE
====================================
*/

// Validate verifies an access token: signature under the current or a
// still-accepted previous key, expiry, and absence from the revocation set.
//
//	Performance: no Redis round trip for cached revocations, otherwise 1 GET.
func (e *Engine) Validate(ctx context.Context, accessToken string) (*Claims, error) {
	if e == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}
	if e.metrics != nil && e.metrics.LatencyEnabled() {
		start := time.Now()
		defer func() { e.metrics.Observe(MetricValidateLatency, time.Since(start)) }()
	}

	claims, err := e.jwtManager.ParseAccess(accessToken)
	if err != nil {
		e.metricInc(MetricValidateFailure)
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	revoked, err := e.isRevoked(ctx, claims.ID, claims.ExpiresAt.Time)
	if err != nil {
		// Fail closed.
		e.metricInc(MetricValidateFailure)
		return nil, err
	}
	if revoked {
		e.metricInc(MetricValidateFailure)
		e.metricInc(MetricRevokedTokenRejected)
		e.emitAudit(ctx, auditEventTokenRevokedRejected, false, claims.Subject, claims.SID, ErrTokenRevoked, nil)
		return nil, ErrTokenRevoked
	}

	return &Claims{
		IdentityID: claims.Subject,
		Role:       claims.Role,
		SessionID:  claims.SID,
		TokenID:    claims.ID,
		IssuedAt:   claims.IssuedAt.Time,
		ExpiresAt:  claims.ExpiresAt.Time,
	}, nil
}

func (e *Engine) isRevoked(ctx context.Context, tokenID string, exp time.Time) (bool, error) {
	if e.revoked != nil {
		if _, ok := e.revoked.Get(tokenID); ok {
			e.metricInc(MetricRevocationCacheHit)
			return true, nil
		}
	}

	revoked, revokedUntil, err := e.sessions.IsRevoked(ctx, tokenID)
	if err != nil {
		return false, redisFailure(err)
	}
	if !revoked {
		return false, nil
	}

	if e.revoked != nil {
		if revokedUntil.IsZero() {
			revokedUntil = exp
		}
		if ttl := revokedUntil.Sub(e.now()); ttl > 0 {
			e.revoked.SetWithTTL(tokenID, revokedUntil, 1, ttl)
		}
	}
	return true, nil
}

/*
====================================
REVOKE / LOGOUT
====================================
*/

// Revoke ends the session sessionID and revokes every access token issued
// under it. Unknown and already revoked sessions are not errors.
func (e *Engine) Revoke(ctx context.Context, sessionID string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}
	if sessionID == "" {
		return ErrInvalidRequest
	}
	identityID, revokedNow, err := e.sessions.Revoke(ctx, sessionID)
	if err != nil {
		err = redisFailure(err)
		e.emitAudit(ctx, auditEventSessionRevoked, false, "", sessionID, err, nil)
		return err
	}
	if revokedNow {
		e.metricInc(MetricSessionRevoked)
	}
	e.emitAudit(ctx, auditEventSessionRevoked, true, identityID, sessionID, nil, func() map[string]string {
		return map[string]string{
			"already_revoked": boolString(!revokedNow),
		}
	})
	return nil
}

// Logout revokes the session that issued accessToken. A token that was
// already revoked is accepted, so repeated logouts succeed.
func (e *Engine) Logout(ctx context.Context, accessToken string) error {
	if e == nil || e.jwtManager == nil {
		return ErrEngineNotReady
	}
	claims, err := e.jwtManager.ParseAccess(accessToken)
	if err != nil {
		e.emitAudit(ctx, auditEventLogout, false, "", "", ErrTokenInvalid, func() map[string]string {
			return map[string]string{
				"reason": "invalid_access_token",
			}
		})
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrTokenExpired
		}
		return ErrTokenInvalid
	}

	if err := e.Revoke(ctx, claims.SID); err != nil {
		return err
	}
	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogout, true, claims.Subject, claims.SID, nil, nil)
	return nil
}

// LogoutAll revokes every session of identityID.
func (e *Engine) LogoutAll(ctx context.Context, identityID string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}
	if identityID == "" {
		return ErrInvalidRequest
	}
	n, err := e.sessions.RevokeAllForIdentity(ctx, identityID)
	if n > 0 && e.metrics != nil {
		e.metrics.Add(MetricSessionRevoked, uint64(n))
	}
	if err != nil {
		err = redisFailure(err)
		e.emitAudit(ctx, auditEventLogoutAll, false, identityID, "", err, nil)
		return err
	}
	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, identityID, "", nil, func() map[string]string {
		return map[string]string{
			"sessions": fmt.Sprint(n),
		}
	})
	return nil
}

/*
====================================
ERROR MAPPING
====================================
*/

// identityError maps credential store and resolver errors onto the
// engine's error set.
func identityError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, identity.ErrNotFound):
		return ErrIdentityNotFound
	case errors.Is(err, identity.ErrDuplicateMethod), errors.Is(err, identity.ErrMergeConflict):
		return ErrConflict
	case errors.Is(err, identity.ErrAlreadyLinked):
		return ErrAlreadyLinked
	case errors.Is(err, identity.ErrLastMethod):
		return ErrLastMethod
	case errors.Is(err, identity.ErrInvalidRole):
		return ErrInvalidRole
	case errors.Is(err, identity.ErrInvalidEmail):
		return ErrInvalidEmail
	case errors.Is(err, identity.ErrInvalidPhone):
		return ErrInvalidPhone
	case errors.Is(err, identity.ErrInvalidMethod):
		return ErrInvalidRequest
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
