package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	goIdentity "github.com/MrEthical07/goIdentity"
	"github.com/MrEthical07/goIdentity/identity"
	"github.com/MrEthical07/goIdentity/internal"
	"github.com/MrEthical07/goIdentity/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// bindingCookie ties a federated authorization to the browser that started it.
const bindingCookie = "identityd_binding"

type server struct {
	engine  *goIdentity.Engine
	logger  *slog.Logger
	metrics http.Handler
	// secureCookies is false only in tests over plain HTTP.
	secureCookies bool
}

// newRouter mounts the public JSON API.
//
// Anonymous routes sit at /v1; everything under /v1/me and /v1/identities
// runs behind the bearer guard.
func newRouter(s *server) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.ClientInfo)

	r.Get("/healthz", s.health)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/password/register", s.registerPassword)
		r.Post("/password/login", s.loginPassword)
		r.Post("/phone/code", s.requestPhoneCode)
		r.Post("/phone/login", s.loginPhone)
		r.Get("/federated/{provider}/start", s.federatedStart)
		r.Get("/federated/{provider}/callback", s.federatedCallback)
		r.Post("/token/refresh", s.refresh)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Guard(s.engine))

			r.Post("/logout", s.logout)
			r.Route("/me", func(r chi.Router) {
				r.Get("/", s.me)
				r.Delete("/", s.deleteMe)
				r.Put("/consent", s.setConsent)
				r.Put("/password", s.changePassword)
				r.Get("/sessions", s.listSessions)
				r.Delete("/sessions", s.logoutAll)
				r.Delete("/sessions/{sessionID}", s.revokeSession)
				r.Post("/merge", s.confirmMerge)
				r.Post("/methods/phone", s.linkPhone)
				r.Post("/methods/password", s.linkPassword)
				r.Post("/methods/federated/{provider}", s.linkFederated)
				r.Delete("/methods", s.unlinkMethod)
			})

			r.Route("/identities/{identityID}", func(r chi.Router) {
				r.With(middleware.RequireRole(s.engine, identity.RoleUser, identityParam)).Get("/", s.getIdentity)
				r.With(middleware.RequireRole(s.engine, identity.RoleAdmin, nil)).Put("/role", s.setRole)
			})
		})
	})

	return r
}

func identityParam(r *http.Request) string {
	return chi.URLParam(r, "identityID")
}

/*
====================================
RESPONSES
====================================
*/

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	IdentityID       string    `json:"identity_id"`
	SessionID        string    `json:"session_id"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	SessionExpiresAt time.Time `json:"session_expires_at"`
	Outcome          string    `json:"outcome,omitempty"`
}

type methodResponse struct {
	Type     string `json:"type"`
	Provider string `json:"provider,omitempty"`
	Value    string `json:"value"`
}

type identityResponse struct {
	ID             string           `json:"id"`
	Role           string           `json:"role"`
	ConsentGiven   bool             `json:"consent_given"`
	ConsentVersion string           `json:"consent_version,omitempty"`
	Methods        []methodResponse `json:"methods"`
	CreatedAt      time.Time        `json:"created_at"`
}

type sessionResponse struct {
	SessionID  string    `json:"session_id"`
	Role       string    `json:"role"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Rotations  int64     `json:"rotations"`
	Current    bool      `json:"current"`
}

func toTokenResponse(pair goIdentity.TokenPair, outcome string) tokenResponse {
	return tokenResponse{
		AccessToken:      pair.AccessToken,
		RefreshToken:     pair.RefreshToken,
		IdentityID:       pair.IdentityID,
		SessionID:        pair.SessionID,
		AccessExpiresAt:  pair.AccessExpiresAt,
		SessionExpiresAt: pair.SessionExpiresAt,
		Outcome:          outcome,
	}
}

func toLoginResponse(res *goIdentity.LoginResult) tokenResponse {
	return toTokenResponse(res.Tokens, res.Outcome.String())
}

// toIdentityResponse never exposes secret hashes.
func toIdentityResponse(ident identity.Identity) identityResponse {
	methods := make([]methodResponse, 0, len(ident.Methods))
	for _, m := range ident.Methods {
		methods = append(methods, methodResponse{Type: string(m.Type), Provider: m.Provider, Value: m.Value})
	}
	return identityResponse{
		ID:             ident.ID,
		Role:           string(ident.Role),
		ConsentGiven:   ident.ConsentGiven,
		ConsentVersion: ident.ConsentVersion,
		Methods:        methods,
		CreatedAt:      ident.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteError(w, goIdentity.ErrInvalidRequest)
		return false
	}
	return true
}

func claims(r *http.Request) *goIdentity.Claims {
	c, _ := middleware.ClaimsFromContext(r.Context())
	return c
}

func bearer(r *http.Request) string {
	token, _ := middleware.BearerToken(r)
	return token
}

/*
====================================
ANONYMOUS
====================================
*/

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	rtt, err := s.engine.Ping(r.Context())
	if err != nil {
		s.logger.WarnContext(r.Context(), "health check failed", slog.String("component", "identityd"), slog.Any("error", err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "redis_rtt": rtt.String()})
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *server) registerPassword(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.RegisterWithPassword(r.Context(), req.Email, req.Password)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLoginResponse(res))
}

func (s *server) loginPassword(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.LoginWithPassword(r.Context(), req.Email, req.Password)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoginResponse(res))
}

type phoneRequest struct {
	Phone string `json:"phone"`
	Code  string `json:"code,omitempty"`
}

func (s *server) requestPhoneCode(w http.ResponseWriter, r *http.Request) {
	var req phoneRequest
	if !decode(w, r, &req) {
		return
	}
	receipt, err := s.engine.RequestPhoneCode(r.Context(), req.Phone)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"phone": receipt.Phone, "expires_at": receipt.ExpiresAt})
}

func (s *server) loginPhone(w http.ResponseWriter, r *http.Request) {
	var req phoneRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.engine.LoginWithPhoneCode(r.Context(), req.Phone, req.Code)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoginResponse(res))
}

func (s *server) federatedStart(w http.ResponseWriter, r *http.Request) {
	binding, err := internal.NewOpaqueToken()
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	url, _, err := s.engine.AuthorizeURL(r.Context(), chi.URLParam(r, "provider"), binding)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     bindingCookie,
		Value:    binding,
		Path:     "/v1",
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int((10 * time.Minute).Seconds()),
	})
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *server) federatedCallback(w http.ResponseWriter, r *http.Request) {
	binding := ""
	if c, err := r.Cookie(bindingCookie); err == nil {
		binding = c.Value
	}
	http.SetCookie(w, &http.Cookie{Name: bindingCookie, Path: "/v1", MaxAge: -1})

	q := r.URL.Query()
	res, err := s.engine.HandleCallback(r.Context(), chi.URLParam(r, "provider"), q.Get("code"), q.Get("state"), binding)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoginResponse(res))
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *server) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decode(w, r, &req) {
		return
	}
	pair, err := s.engine.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTokenResponse(pair, ""))
}

/*
====================================
AUTHENTICATED
====================================
*/

func (s *server) logout(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Logout(r.Context(), bearer(r)); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) logoutAll(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.LogoutAll(r.Context(), claims(r).IdentityID); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) me(w http.ResponseWriter, r *http.Request) {
	ident, err := s.engine.Identity(r.Context(), claims(r).IdentityID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toIdentityResponse(ident))
}

func (s *server) deleteMe(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteIdentity(r.Context(), claims(r).IdentityID); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type consentRequest struct {
	Given   bool   `json:"given"`
	Version string `json:"version"`
}

func (s *server) setConsent(w http.ResponseWriter, r *http.Request) {
	var req consentRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.SetConsent(r.Context(), claims(r).IdentityID, req.Given, req.Version); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (s *server) changePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.ChangePassword(r.Context(), claims(r).IdentityID, req.OldPassword, req.NewPassword); err != nil {
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) listSessions(w http.ResponseWriter, r *http.Request) {
	c := claims(r)
	sessions, err := s.engine.ListSessions(r.Context(), c.IdentityID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionResponse{
			SessionID:  sess.SessionID,
			Role:       sess.Role,
			CreatedAt:  sess.CreatedAt,
			LastUsedAt: sess.LastUsedAt,
			ExpiresAt:  sess.ExpiresAt,
			Rotations:  sess.Rotations,
			Current:    sess.SessionID == c.SessionID,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// revokeSession only revokes sessions of the caller. Foreign and unknown
// ids are both refused as forbidden.
func (s *server) revokeSession(w http.ResponseWriter, r *http.Request) {
	c := claims(r)
	sid := chi.URLParam(r, "sessionID")
	sessions, err := s.engine.ListSessions(r.Context(), c.IdentityID)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	for _, sess := range sessions {
		if sess.SessionID != sid {
			continue
		}
		if err := s.engine.Revoke(r.Context(), sid); err != nil {
			middleware.WriteError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	middleware.WriteError(w, goIdentity.ErrForbidden)
}

type mergeRequest struct {
	Ticket string `json:"ticket"`
}

func (s *server) confirmMerge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if !decode(w, r, &req) {
		return
	}
	ident, err := s.engine.ConfirmMerge(r.Context(), bearer(r), req.Ticket)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toIdentityResponse(ident))
}

func (s *server) linkPhone(w http.ResponseWriter, r *http.Request) {
	var req phoneRequest
	if !decode(w, r, &req) {
		return
	}
	ident, err := s.engine.LinkPhone(r.Context(), bearer(r), req.Phone, req.Code)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toIdentityResponse(ident))
}

func (s *server) linkPassword(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decode(w, r, &req) {
		return
	}
	ident, err := s.engine.LinkPassword(r.Context(), bearer(r), req.Email, req.Password)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toIdentityResponse(ident))
}

type linkFederatedRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// linkFederated completes a flow started at /v1/federated/{provider}/start;
// the client posts the code and state it received instead of following the
// callback route.
func (s *server) linkFederated(w http.ResponseWriter, r *http.Request) {
	var req linkFederatedRequest
	if !decode(w, r, &req) {
		return
	}
	binding := ""
	if c, err := r.Cookie(bindingCookie); err == nil {
		binding = c.Value
	}
	ident, err := s.engine.LinkFederated(r.Context(), bearer(r), chi.URLParam(r, "provider"), req.Code, req.State, binding)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toIdentityResponse(ident))
}

func (s *server) unlinkMethod(w http.ResponseWriter, r *http.Request) {
	var req methodResponse
	if !decode(w, r, &req) {
		return
	}
	key := identity.MethodKey{Type: identity.MethodType(req.Type), Provider: req.Provider, Value: req.Value}
	ident, err := s.engine.UnlinkMethod(r.Context(), bearer(r), key)
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toIdentityResponse(ident))
}

func (s *server) getIdentity(w http.ResponseWriter, r *http.Request) {
	ident, err := s.engine.Identity(r.Context(), identityParam(r))
	if err != nil {
		middleware.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toIdentityResponse(ident))
}

type roleRequest struct {
	Role string `json:"role"`
}

func (s *server) setRole(w http.ResponseWriter, r *http.Request) {
	var req roleRequest
	if !decode(w, r, &req) {
		return
	}
	err := s.engine.SetRole(r.Context(), identityParam(r), identity.Role(req.Role))
	if err != nil {
		if !errors.Is(err, goIdentity.ErrInvalidRole) {
			s.logger.WarnContext(r.Context(), "set role failed", slog.String("component", "identityd"), slog.Any("error", err))
		}
		middleware.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
