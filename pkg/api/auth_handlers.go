package api

import (
	"net/http"
	"time"

	"github.com/taskforge/taskforge/pkg/apperr"
	"github.com/taskforge/taskforge/pkg/httputil"
	"github.com/taskforge/taskforge/pkg/identity"
	"github.com/taskforge/taskforge/pkg/middleware"
	"github.com/taskforge/taskforge/pkg/token"
)

// RefreshCookie names the cookie carrying the refresh token.
const RefreshCookie = "refreshToken"

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type sessionResponse struct {
	User         *identity.User `json:"user"`
	AccessToken  string         `json:"accessToken"`
	RefreshToken string         `json:"refreshToken"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var input identity.RegisterInput
	if !httputil.ParseJSONOrError(w, r, &input) {
		return
	}

	user, err := s.identities.Register(r.Context(), input)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	pair, err := s.tokens.IssuePair(r.Context(), user)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	s.setSessionCookies(w, pair)
	httputil.WriteCreated(w, sessionResponse{
		User:         user.Sanitized(),
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}, "account created")
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var input loginRequest
	if !httputil.ParseJSONOrError(w, r, &input) {
		return
	}

	user, err := s.identities.VerifyCredentials(r.Context(), input.Email, input.Password)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	pair, err := s.tokens.IssuePair(r.Context(), user)
	if err != nil {
		httputil.WriteAppError(w, err)
		return
	}

	// A fresh login displaces any previous session; the cached identity may
	// still carry stale profile data from it.
	s.invalidateIdentity(r, user.ID)

	s.setSessionCookies(w, pair)
	httputil.WriteSuccess(w, sessionResponse{
		User:         user.Sanitized(),
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}, "logged in")
}

// handleRefresh rotates the session. The presented refresh token comes from
// the refreshToken cookie when set, otherwise from the request body.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	presented := ""
	if cookie, err := r.Cookie(RefreshCookie); err == nil {
		presented = cookie.Value
	}
	if presented == "" {
		var input refreshRequest
		if err := httputil.ParseJSON(r, &input); err == nil {
			presented = input.RefreshToken
		}
	}
	if presented == "" {
		httputil.WriteAppError(w, apperr.Unauthenticated("refresh token required"))
		return
	}

	pair, user, err := s.tokens.Rotate(r.Context(), presented)
	if err != nil {
		// Only a rejected credential ends the session. A transient failure
		// must leave the cookies alone so the caller can retry.
		switch apperr.KindOf(err) {
		case apperr.KindUnauthenticated, apperr.KindTokenExpired, apperr.KindTokenInvalid:
			s.clearSessionCookies(w)
		}
		httputil.WriteAppError(w, err)
		return
	}

	s.setSessionCookies(w, pair)
	httputil.WriteSuccess(w, sessionResponse{
		User:         user.Sanitized(),
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}, "session refreshed")
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	user := middleware.IdentityFrom(r.Context())

	if err := s.tokens.Revoke(r.Context(), user.ID); err != nil {
		httputil.WriteAppError(w, err)
		return
	}
	s.invalidateIdentity(r, user.ID)

	s.clearSessionCookies(w)
	httputil.WriteSuccess(w, nil, "logged out")
}

func (s *Server) setSessionCookies(w http.ResponseWriter, pair *token.Pair) {
	http.SetCookie(w, s.sessionCookie(middleware.AccessCookie, pair.AccessToken, pair.AccessExpiresAt))
	http.SetCookie(w, s.sessionCookie(RefreshCookie, pair.RefreshToken, pair.RefreshExpiresAt))
}

func (s *Server) clearSessionCookies(w http.ResponseWriter) {
	expired := time.Unix(0, 0)
	http.SetCookie(w, s.sessionCookie(middleware.AccessCookie, "", expired))
	http.SetCookie(w, s.sessionCookie(RefreshCookie, "", expired))
}

func (s *Server) sessionCookie(name, value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteStrictMode,
	}
}

// invalidateIdentity drops the cached copy of a user after a mutation. The
// cache is optional; handlers work without one.
func (s *Server) invalidateIdentity(r *http.Request, userID int64) {
	if s.cache != nil {
		s.cache.Invalidate(r.Context(), userID)
	}
}
