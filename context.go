package goIdentity

import "context"

// requestMeta is the caller-supplied request detail the Engine reads for rate
// limiting, challenges and audit records. It is stored by value under a single
// key, so each With* call copies it rather than mutating a shared value.
type requestMeta struct {
	clientIP  string
	userAgent string
	challenge string
}

type requestMetaKey struct{}

func metaFrom(ctx context.Context) requestMeta {
	if ctx == nil {
		return requestMeta{}
	}
	m, _ := ctx.Value(requestMetaKey{}).(requestMeta)
	return m
}

func withMeta(ctx context.Context, update func(*requestMeta)) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	m := metaFrom(ctx)
	update(&m)
	return context.WithValue(ctx, requestMetaKey{}, m)
}

// WithClientIP records the caller's address. Per-IP buckets and audit
// events key on it; an empty IP skips the per-IP buckets.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return withMeta(ctx, func(m *requestMeta) { m.clientIP = ip })
}

// WithChallengeToken attaches a human-verification response. It is only
// consulted once a bucket has crossed its challenge threshold.
func WithChallengeToken(ctx context.Context, token string) context.Context {
	return withMeta(ctx, func(m *requestMeta) { m.challenge = token })
}

func WithUserAgent(ctx context.Context, userAgent string) context.Context {
	return withMeta(ctx, func(m *requestMeta) { m.userAgent = userAgent })
}

func clientIPFromContext(ctx context.Context) string       { return metaFrom(ctx).clientIP }
func userAgentFromContext(ctx context.Context) string      { return metaFrom(ctx).userAgent }
func challengeTokenFromContext(ctx context.Context) string { return metaFrom(ctx).challenge }
