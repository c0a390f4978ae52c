package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/pkg/apperr"
	"github.com/taskforge/taskforge/pkg/avatars"
	"github.com/taskforge/taskforge/pkg/identity"
	"github.com/taskforge/taskforge/pkg/middleware"
	"github.com/taskforge/taskforge/pkg/observability"
	"github.com/taskforge/taskforge/pkg/token"
)

// memoryIdentities backs the handler tests: it implements the server's
// IdentityStore, the cache's Lookuper, and the token manager's SessionStore
// over a map. Passwords are stored in the clear; hashing belongs to the real
// store and has its own tests.
type memoryIdentities struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*identity.User
	creds  map[string]string // email -> password

	// failGetByID, when set, makes GetByID fail as if the database were down.
	failGetByID error
}

func newMemoryIdentities() *memoryIdentities {
	return &memoryIdentities{
		nextID: 1,
		byID:   make(map[int64]*identity.User),
		creds:  make(map[string]string),
	}
}

func (m *memoryIdentities) Register(ctx context.Context, input identity.RegisterInput) (*identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := identity.NormalizeEmail(input.Email)
	if _, exists := m.creds[email]; exists {
		return nil, apperr.Conflict("an account with this email already exists")
	}
	user := &identity.User{
		ID:             m.nextID,
		Code:           fmt.Sprintf("USER-TEST%02d", m.nextID),
		FullName:       input.FullName,
		Email:          email,
		Role:           identity.RoleUser,
		Avatar:         identity.DefaultAvatar(input.FullName),
		OwnedProjects:  []int64{},
		JoinedProjects: []int64{},
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	m.nextID++
	m.byID[user.ID] = user
	m.creds[email] = input.Password
	return user.Sanitized(), nil
}

func (m *memoryIdentities) VerifyCredentials(ctx context.Context, email, password string) (*identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	email = identity.NormalizeEmail(email)
	stored, ok := m.creds[email]
	if !ok {
		return nil, apperr.NotFound("no account with this email")
	}
	if stored != password {
		return nil, apperr.Unauthenticated("incorrect password")
	}
	for _, user := range m.byID {
		if user.Email == email {
			return user.Sanitized(), nil
		}
	}
	return nil, apperr.NotFound("no account with this email")
}

func (m *memoryIdentities) ChangePassword(ctx context.Context, userID int64, oldPassword, newPassword string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.byID[userID]
	if !ok {
		return apperr.NotFound("user not found")
	}
	if m.creds[user.Email] != oldPassword {
		return apperr.Unauthenticated("incorrect password")
	}
	if len(newPassword) < 8 {
		return apperr.Validation("password too short",
			apperr.FieldError{Field: "new_password", Message: "password must be at least 8 characters"})
	}
	m.creds[user.Email] = newPassword
	return nil
}

func (m *memoryIdentities) UpdateProfile(ctx context.Context, userID int64, input identity.UpdateProfileInput) (*identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.byID[userID]
	if !ok {
		return nil, apperr.NotFound("user not found")
	}
	if input.FullName != nil {
		user.FullName = *input.FullName
	}
	if input.Avatar != nil {
		user.Avatar = *input.Avatar
	}
	user.UpdatedAt = time.Now()
	return user.Sanitized(), nil
}

func (m *memoryIdentities) GetSanitized(ctx context.Context, userID int64) (*identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.byID[userID]
	if !ok {
		return nil, apperr.NotFound("user not found")
	}
	return user.Sanitized(), nil
}

func (m *memoryIdentities) GetByID(ctx context.Context, userID int64) (*identity.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failGetByID != nil {
		return nil, m.failGetByID
	}
	user, ok := m.byID[userID]
	if !ok {
		return nil, apperr.NotFound("user not found")
	}
	c := *user
	return &c, nil
}

func (m *memoryIdentities) SetRefreshToken(ctx context.Context, userID int64, tok string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.byID[userID]
	if !ok {
		return apperr.NotFound("user not found")
	}
	user.RefreshToken = tok
	user.RefreshExpiresAt = &expiresAt
	return nil
}

func (m *memoryIdentities) SwapRefreshToken(ctx context.Context, userID int64, presented, next string, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.byID[userID]
	if !ok {
		return false, nil
	}
	if user.RefreshToken != presented {
		return false, nil
	}
	user.RefreshToken = next
	user.RefreshExpiresAt = &expiresAt
	return true, nil
}

func (m *memoryIdentities) ClearRefreshToken(ctx context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if user, ok := m.byID[userID]; ok {
		user.RefreshToken = ""
		user.RefreshExpiresAt = nil
	}
	return nil
}

type fixture struct {
	server     *Server
	identities *memoryIdentities
	tokens     *token.Manager
	avatarRoot string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	identities := newMemoryIdentities()

	tokens := token.NewManager(identities, token.Config{
		AccessSecret:  "access-secret-for-tests",
		RefreshSecret: "refresh-secret-for-tests",
		AccessTTL:     time.Minute,
		RefreshTTL:    time.Hour,
	}, logger, nil)

	cache, err := identity.NewCache(identities, nil, logger, nil, identity.CacheOptions{})
	require.NoError(t, err)

	avatarRoot := t.TempDir()
	avatarStore, err := avatars.NewFilesystemStore(avatarRoot, "/static/avatars")
	require.NoError(t, err)

	server := NewServer(Options{
		Identities: identities,
		Cache:      cache,
		Tokens:     tokens,
		Avatars:    avatarStore,
		Logger:     logger,
	})

	return &fixture{
		server:     server,
		identities: identities,
		tokens:     tokens,
		avatarRoot: avatarRoot,
	}
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Errors  []apperr.FieldError
}

func (f *fixture) do(t *testing.T, method, path, body string, decorate func(*http.Request)) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if decorate != nil {
		decorate(req)
	}

	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func (f *fixture) register(t *testing.T, name, email, password string) sessionResponse {
	t.Helper()

	rec, env := f.do(t, http.MethodPost, "/api/v1/auth/register",
		fmt.Sprintf(`{"full_name":%q,"email":%q,"password":%q}`, name, email, password), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var session sessionResponse
	require.NoError(t, json.Unmarshal(env.Data, &session))
	return session
}

func bearer(token string) func(*http.Request) {
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	}
}

func cookieNamed(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestRegister(t *testing.T) {
	f := newFixture(t)

	t.Run("creates account and session", func(t *testing.T) {
		rec, env := f.do(t, http.MethodPost, "/api/v1/auth/register",
			`{"full_name":"Ada Lovelace","email":"ada@example.com","password":"engine1842"}`, nil)

		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.Equal(t, "success", env.Status)

		var session sessionResponse
		require.NoError(t, json.Unmarshal(env.Data, &session))
		assert.NotEmpty(t, session.AccessToken)
		assert.NotEmpty(t, session.RefreshToken)
		assert.Equal(t, "ada@example.com", session.User.Email)
		assert.Empty(t, session.User.PasswordHash)

		access := cookieNamed(rec, middleware.AccessCookie)
		require.NotNil(t, access)
		assert.True(t, access.HttpOnly)
		assert.Equal(t, http.SameSiteStrictMode, access.SameSite)
		assert.Equal(t, "/", access.Path)

		refresh := cookieNamed(rec, RefreshCookie)
		require.NotNil(t, refresh)
		assert.True(t, refresh.HttpOnly)
	})

	t.Run("rejected when a credential is already present", func(t *testing.T) {
		session := f.register(t, "Eve", "eve@example.com", "password123")

		rec, env := f.do(t, http.MethodPost, "/api/v1/auth/register",
			`{"full_name":"Eve Again","email":"eve2@example.com","password":"password123"}`,
			bearer(session.AccessToken))

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "already logged in", env.Message)
	})

	t.Run("duplicate email conflicts", func(t *testing.T) {
		f.register(t, "First", "dup@example.com", "password123")

		rec, _ := f.do(t, http.MethodPost, "/api/v1/auth/register",
			`{"full_name":"Second","email":"dup@example.com","password":"password123"}`, nil)

		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	f.register(t, "Ada Lovelace", "ada@example.com", "engine1842")

	t.Run("success", func(t *testing.T) {
		rec, env := f.do(t, http.MethodPost, "/api/v1/auth/login",
			`{"email":"ada@example.com","password":"engine1842"}`, nil)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "success", env.Status)
		require.NotNil(t, cookieNamed(rec, middleware.AccessCookie))
		require.NotNil(t, cookieNamed(rec, RefreshCookie))
	})

	t.Run("unknown email is 404", func(t *testing.T) {
		rec, _ := f.do(t, http.MethodPost, "/api/v1/auth/login",
			`{"email":"nobody@example.com","password":"whatever"}`, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("wrong password is 401", func(t *testing.T) {
		rec, _ := f.do(t, http.MethodPost, "/api/v1/auth/login",
			`{"email":"ada@example.com","password":"wrong"}`, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestRefresh(t *testing.T) {
	t.Run("rotates via cookie", func(t *testing.T) {
		f := newFixture(t)
		session := f.register(t, "Ada", "ada@example.com", "engine1842")

		rec, env := f.do(t, http.MethodPost, "/api/v1/auth/refresh", "", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: RefreshCookie, Value: session.RefreshToken})
		})

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var rotated sessionResponse
		require.NoError(t, json.Unmarshal(env.Data, &rotated))
		assert.NotEqual(t, session.RefreshToken, rotated.RefreshToken)
		require.NotNil(t, cookieNamed(rec, RefreshCookie))

		// The displaced token is spent.
		rec, _ = f.do(t, http.MethodPost, "/api/v1/auth/refresh", "", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: RefreshCookie, Value: session.RefreshToken})
		})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		cleared := cookieNamed(rec, RefreshCookie)
		require.NotNil(t, cleared)
		assert.Empty(t, cleared.Value)
	})

	t.Run("rotates via body", func(t *testing.T) {
		f := newFixture(t)
		session := f.register(t, "Ada", "ada@example.com", "engine1842")

		rec, _ := f.do(t, http.MethodPost, "/api/v1/auth/refresh",
			fmt.Sprintf(`{"refreshToken":%q}`, session.RefreshToken), nil)
		assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	})

	t.Run("missing token", func(t *testing.T) {
		f := newFixture(t)
		rec, _ := f.do(t, http.MethodPost, "/api/v1/auth/refresh", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("transient failure keeps the session cookies", func(t *testing.T) {
		f := newFixture(t)
		session := f.register(t, "Ada", "ada@example.com", "engine1842")

		f.identities.failGetByID = errors.New("connection refused")
		rec, _ := f.do(t, http.MethodPost, "/api/v1/auth/refresh", "", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: RefreshCookie, Value: session.RefreshToken})
		})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Nil(t, cookieNamed(rec, middleware.AccessCookie))
		assert.Nil(t, cookieNamed(rec, RefreshCookie))

		// Once the store recovers the same token still rotates.
		f.identities.failGetByID = nil
		rec, _ = f.do(t, http.MethodPost, "/api/v1/auth/refresh", "", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: RefreshCookie, Value: session.RefreshToken})
		})
		assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	})
}

func TestLogout(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "Ada", "ada@example.com", "engine1842")

	rec, _ := f.do(t, http.MethodPost, "/api/v1/auth/logout", "", bearer(session.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	access := cookieNamed(rec, middleware.AccessCookie)
	require.NotNil(t, access)
	assert.Empty(t, access.Value)

	// The refresh slot is gone: rotation fails.
	rec, _ = f.do(t, http.MethodPost, "/api/v1/auth/refresh",
		fmt.Sprintf(`{"refreshToken":%q}`, session.RefreshToken), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMe(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "Ada Lovelace", "ada@example.com", "engine1842")

	t.Run("requires authentication", func(t *testing.T) {
		rec, env := f.do(t, http.MethodGet, "/api/v1/users/me", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "authentication required", env.Message)
	})

	t.Run("returns the sanitized profile", func(t *testing.T) {
		rec, env := f.do(t, http.MethodGet, "/api/v1/users/me", "", bearer(session.AccessToken))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var user identity.User
		require.NoError(t, json.Unmarshal(env.Data, &user))
		assert.Equal(t, "Ada Lovelace", user.FullName)
		assert.Empty(t, user.PasswordHash)
	})

	t.Run("accepts the access cookie", func(t *testing.T) {
		rec, _ := f.do(t, http.MethodGet, "/api/v1/users/me", "", func(r *http.Request) {
			r.AddCookie(&http.Cookie{Name: middleware.AccessCookie, Value: session.AccessToken})
		})
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("updates profile and sees the change immediately", func(t *testing.T) {
		rec, _ := f.do(t, http.MethodPatch, "/api/v1/users/me",
			`{"full_name":"Ada King"}`, bearer(session.AccessToken))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		// The cached identity was invalidated, so the next read is fresh.
		rec, env := f.do(t, http.MethodGet, "/api/v1/users/me", "", bearer(session.AccessToken))
		require.Equal(t, http.StatusOK, rec.Code)

		var user identity.User
		require.NoError(t, json.Unmarshal(env.Data, &user))
		assert.Equal(t, "Ada King", user.FullName)
	})
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "Ada", "ada@example.com", "engine1842")

	t.Run("wrong old password", func(t *testing.T) {
		rec, _ := f.do(t, http.MethodPost, "/api/v1/users/me/password",
			`{"old_password":"nope","new_password":"newpassword1"}`, bearer(session.AccessToken))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("success revokes the session", func(t *testing.T) {
		rec, _ := f.do(t, http.MethodPost, "/api/v1/users/me/password",
			`{"old_password":"engine1842","new_password":"newpassword1"}`, bearer(session.AccessToken))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		rec, _ = f.do(t, http.MethodPost, "/api/v1/auth/refresh",
			fmt.Sprintf(`{"refreshToken":%q}`, session.RefreshToken), nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		// Old password no longer works, the new one does.
		rec, _ = f.do(t, http.MethodPost, "/api/v1/auth/login",
			`{"email":"ada@example.com","password":"engine1842"}`, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec, _ = f.do(t, http.MethodPost, "/api/v1/auth/login",
			`{"email":"ada@example.com","password":"newpassword1"}`, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestUploadAvatar(t *testing.T) {
	f := newFixture(t)
	session := f.register(t, "Ada", "ada@example.com", "engine1842")

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("avatar", "me.png")
	require.NoError(t, err)
	_, err = part.Write([]byte("png-bytes"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/users/me/avatar", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+session.AccessToken)

	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	var user identity.User
	require.NoError(t, json.Unmarshal(env.Data, &user))
	assert.True(t, strings.HasPrefix(user.Avatar, "/static/avatars/"))
}

// TestServerWithoutCache covers the optional-cache wiring: authenticated
// routes must resolve identities straight from the store when Options.Cache
// is nil.
func TestServerWithoutCache(t *testing.T) {
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	identities := newMemoryIdentities()

	tokens := token.NewManager(identities, token.Config{
		AccessSecret:  "access-secret-for-tests",
		RefreshSecret: "refresh-secret-for-tests",
		AccessTTL:     time.Minute,
		RefreshTTL:    time.Hour,
	}, logger, nil)

	server := NewServer(Options{
		Identities: identities,
		Tokens:     tokens,
		Logger:     logger,
	})
	f := &fixture{server: server, identities: identities, tokens: tokens}

	session := f.register(t, "Ada", "ada@example.com", "engine1842")

	rec, env := f.do(t, http.MethodGet, "/api/v1/users/me", "", bearer(session.AccessToken))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var user identity.User
	require.NoError(t, json.Unmarshal(env.Data, &user))
	assert.Equal(t, "ada@example.com", user.Email)

	// Logout exercises the nil-cache invalidation path too.
	rec, _ = f.do(t, http.MethodPost, "/api/v1/auth/logout", "", bearer(session.AccessToken))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDEcho(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodGet, "/healthz", "", func(r *http.Request) {
		r.Header.Set(middleware.RequestIDHeader, "req-42")
	})
	assert.Equal(t, "req-42", rec.Header().Get(middleware.RequestIDHeader))

	rec, _ = f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
}
