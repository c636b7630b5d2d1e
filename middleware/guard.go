package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	goIdentity "github.com/MrEthical07/goIdentity"
	"github.com/MrEthical07/goIdentity/identity"
)

// ChallengeHeader carries a solved human-verification token.
const ChallengeHeader = "X-Challenge-Token"

type claimsContextKey struct{}

// ClaimsFromContext returns the claims stored by [Guard].
func ClaimsFromContext(ctx context.Context) (*goIdentity.Claims, bool) {
	c, ok := ctx.Value(claimsContextKey{}).(*goIdentity.Claims)
	return c, ok
}

// ClientInfo stores the caller's IP, user agent, and challenge token in the
// request context. Put a trusted proxy header rewriter (for example chi's
// RealIP) in front of it when running behind a load balancer.
func ClientInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if ip := remoteIP(r.RemoteAddr); ip != "" {
			ctx = goIdentity.WithClientIP(ctx, ip)
		}
		if ua := r.UserAgent(); ua != "" {
			ctx = goIdentity.WithUserAgent(ctx, ua)
		}
		if tok := r.Header.Get(ChallengeHeader); tok != "" {
			ctx = goIdentity.WithChallengeToken(ctx, tok)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Guard rejects requests without a valid, unrevoked bearer access token.
func Guard(engine *goIdentity.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				WriteError(w, goIdentity.ErrUnauthorized)
				return
			}

			token, ok := BearerToken(r)
			if !ok {
				WriteError(w, goIdentity.ErrUnauthorized)
				return
			}

			claims, err := engine.Validate(r.Context(), token)
			if err != nil {
				WriteError(w, err)
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole must run after [Guard]. owner extracts the identity that owns
// the addressed resource; pass nil for routes without an owner.
func RequireRole(engine *goIdentity.Engine, role identity.Role, owner func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok || engine == nil {
				WriteError(w, goIdentity.ErrUnauthorized)
				return
			}
			ownerID := ""
			if owner != nil {
				ownerID = owner(r)
			}
			if err := engine.Authorize(r.Context(), claims, role, ownerID); err != nil {
				WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	const bearer = "Bearer "
	value := r.Header.Get("Authorization")
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}

type errorBody struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
	// MergeTicket is set on merge_confirmation_required.
	MergeTicket string `json:"merge_ticket,omitempty"`
}

// WriteError renders err as a JSON body with the status and code from
// goIdentity.PublicError.
func WriteError(w http.ResponseWriter, err error) {
	status, code := goIdentity.PublicError(err)
	body := errorBody{Error: code}

	var throttled *goIdentity.ThrottledError
	if errors.As(err, &throttled) {
		secs := int(throttled.RetryAfter.Seconds())
		if secs < 1 {
			secs = 1
		}
		body.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	var merge *goIdentity.MergeConfirmationError
	if errors.As(err, &merge) {
		body.MergeTicket = merge.Ticket
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func remoteIP(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
