package middleware

import (
	"context"
	"net/http"

	"github.com/taskforge/taskforge/pkg/apperr"
	"github.com/taskforge/taskforge/pkg/contextkeys"
	"github.com/taskforge/taskforge/pkg/httputil"
	"github.com/taskforge/taskforge/pkg/identity"
	"github.com/taskforge/taskforge/pkg/observability"
	"github.com/taskforge/taskforge/pkg/token"
)

// AccessCookie is the cookie carrying the access token.
const AccessCookie = "accessToken"

// accessQueryParam allows tooling without cookie or header support.
const accessQueryParam = "accessToken"

// AccessValidator validates an access token. Implemented by token.Manager.
type AccessValidator interface {
	ValidateAccess(tokenString string) (*token.AccessClaims, error)
}

// IdentityLookuper resolves a user ID to its sanitized record. Implemented by
// identity.Cache, which falls through to the store on cache misses.
type IdentityLookuper interface {
	Lookup(ctx context.Context, userID int64) (*identity.User, error)
}

// Authenticator gates protected routes behind a valid access token and a
// still-existing identity.
type Authenticator struct {
	validator  AccessValidator
	identities IdentityLookuper
	metrics    *observability.Metrics
}

// NewAuthenticator creates the gate.
func NewAuthenticator(validator AccessValidator, identities IdentityLookuper, metrics *observability.Metrics) *Authenticator {
	return &Authenticator{validator: validator, identities: identities, metrics: metrics}
}

// CredentialFrom extracts the access token from a request. The cookie wins,
// then the Authorization header, then the query parameter.
func CredentialFrom(r *http.Request) string {
	if cookie, err := r.Cookie(AccessCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if bearer := httputil.BearerToken(r); bearer != "" {
		return bearer
	}
	return r.URL.Query().Get(accessQueryParam)
}

// Handler validates the credential, resolves the identity, and attaches it to
// the request context. Expired and malformed tokens produce distinguishable
// 401 bodies; an identity deleted after issuance is treated as
// unauthenticated.
func (a *Authenticator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := CredentialFrom(r)
		if credential == "" {
			a.attempt("missing")
			httputil.WriteAppError(w, apperr.Unauthenticated("authentication required"))
			return
		}

		claims, err := a.validator.ValidateAccess(credential)
		if err != nil {
			a.attempt(apperr.KindOf(err).String())
			httputil.WriteAppError(w, err)
			return
		}

		userID, err := token.SubjectID(claims)
		if err != nil {
			a.attempt("invalid_subject")
			httputil.WriteAppError(w, apperr.TokenInvalid("invalid access token"))
			return
		}

		user, err := a.identities.Lookup(r.Context(), userID)
		if err != nil {
			if apperr.IsKind(err, apperr.KindNotFound) {
				a.attempt("deleted_identity")
				httputil.WriteAppError(w, apperr.Unauthenticated("account no longer exists"))
				return
			}
			a.attempt("error")
			httputil.WriteAppError(w, err)
			return
		}

		a.attempt("success")
		ctx := contextkeys.WithIdentity(r.Context(), user.Sanitized())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAnonymous rejects callers that present any credential. Used on
// register and login so an active session must log out first. The credential
// is not validated: its mere presence means a session is (or claims to be)
// in progress.
func RequireAnonymous(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if CredentialFrom(r) != "" {
			httputil.WriteAppError(w, apperr.Forbidden("already logged in"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IdentityFrom returns the authenticated identity placed by Handler, or nil.
func IdentityFrom(ctx context.Context) *identity.User {
	user, ok := ctx.Value(contextkeys.IdentityKey).(*identity.User)
	if !ok {
		return nil
	}
	return user
}

func (a *Authenticator) attempt(outcome string) {
	if a.metrics != nil {
		a.metrics.AuthAttemptsTotal.WithLabelValues(outcome).Inc()
	}
}
