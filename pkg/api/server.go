// Package api assembles the HTTP surface: routing, middleware, and the
// handlers for authentication, profiles, projects, tasks, subtasks, and
// comments.
package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/taskforge/taskforge/pkg/avatars"
	"github.com/taskforge/taskforge/pkg/identity"
	"github.com/taskforge/taskforge/pkg/middleware"
	"github.com/taskforge/taskforge/pkg/observability"
	"github.com/taskforge/taskforge/pkg/project"
	"github.com/taskforge/taskforge/pkg/task"
	"github.com/taskforge/taskforge/pkg/token"
)

// IdentityStore is the slice of identity operations the handlers need.
type IdentityStore interface {
	Register(ctx context.Context, input identity.RegisterInput) (*identity.User, error)
	VerifyCredentials(ctx context.Context, email, password string) (*identity.User, error)
	ChangePassword(ctx context.Context, userID int64, oldPassword, newPassword string) error
	UpdateProfile(ctx context.Context, userID int64, input identity.UpdateProfileInput) (*identity.User, error)
	GetSanitized(ctx context.Context, userID int64) (*identity.User, error)
}

// storeLookup resolves identities straight from the store when no cache is
// configured.
type storeLookup struct {
	identities IdentityStore
}

func (l storeLookup) Lookup(ctx context.Context, userID int64) (*identity.User, error) {
	return l.identities.GetSanitized(ctx, userID)
}

// Server wires services to routes.
type Server struct {
	router *mux.Router

	identities IdentityStore
	cache      *identity.Cache
	tokens     *token.Manager
	avatars    avatars.Store
	projects   *project.Service
	tasks      *task.Service

	auth         *middleware.Authenticator
	logger       *observability.Logger
	metrics      *observability.Metrics
	cookieSecure bool
}

// Options carries the server's dependencies.
type Options struct {
	Identities   IdentityStore
	Cache        *identity.Cache
	Tokens       *token.Manager
	Avatars      avatars.Store
	Projects     *project.Service
	Tasks        *task.Service
	Logger       *observability.Logger
	Metrics      *observability.Metrics
	CookieSecure bool
}

// NewServer builds the router with the full middleware chain. Cache is
// optional; without one the authenticator looks identities up directly in
// the store.
func NewServer(opts Options) *Server {
	var lookuper middleware.IdentityLookuper = storeLookup{identities: opts.Identities}
	if opts.Cache != nil {
		lookuper = opts.Cache
	}
	s := &Server{
		router:       mux.NewRouter(),
		identities:   opts.Identities,
		cache:        opts.Cache,
		tokens:       opts.Tokens,
		avatars:      opts.Avatars,
		projects:     opts.Projects,
		tasks:        opts.Tasks,
		auth:         middleware.NewAuthenticator(opts.Tokens, lookuper, opts.Metrics),
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		cookieSecure: opts.CookieSecure,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID(s.logger))
	s.router.Use(middleware.Recover(s.logger))
	if s.metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.metrics))
	}

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Registration and login reject callers that present any credential.
	anonymous := api.PathPrefix("/auth").Subrouter()
	anonymous.Use(middleware.RequireAnonymous)
	anonymous.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	anonymous.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)

	// Refresh authenticates with the refresh token itself, not an access token.
	api.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)

	authed := api.NewRoute().Subrouter()
	authed.Use(s.auth.Handler)

	authed.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)

	authed.HandleFunc("/users/me", s.handleGetMe).Methods(http.MethodGet)
	authed.HandleFunc("/users/me", s.handleUpdateMe).Methods(http.MethodPatch)
	authed.HandleFunc("/users/me/password", s.handleChangePassword).Methods(http.MethodPost)
	authed.HandleFunc("/users/me/avatar", s.handleUploadAvatar).Methods(http.MethodPost)

	authed.HandleFunc("/projects", s.handleCreateProject).Methods(http.MethodPost)
	authed.HandleFunc("/projects", s.handleListProjects).Methods(http.MethodGet)
	authed.HandleFunc("/projects/{projectCode}", s.handleGetProject).Methods(http.MethodGet)
	authed.HandleFunc("/projects/{projectCode}", s.handleUpdateProject).Methods(http.MethodPatch)
	authed.HandleFunc("/projects/{projectCode}", s.handleDeleteProject).Methods(http.MethodDelete)
	authed.HandleFunc("/projects/{projectCode}/teammates", s.handleAddTeammate).Methods(http.MethodPost)
	authed.HandleFunc("/projects/{projectCode}/teammates/{userCode}", s.handleRemoveTeammate).Methods(http.MethodDelete)

	authed.HandleFunc("/projects/{projectCode}/tasks", s.handleCreateTask).Methods(http.MethodPost)
	authed.HandleFunc("/projects/{projectCode}/tasks", s.handleListTasks).Methods(http.MethodGet)
	authed.HandleFunc("/projects/{projectCode}/tasks/{taskCode}", s.handleGetTask).Methods(http.MethodGet)
	authed.HandleFunc("/projects/{projectCode}/tasks/{taskCode}", s.handleUpdateTask).Methods(http.MethodPatch)
	authed.HandleFunc("/projects/{projectCode}/tasks/{taskCode}", s.handleDeleteTask).Methods(http.MethodDelete)

	authed.HandleFunc("/projects/{projectCode}/tasks/{taskCode}/comments", s.handleAddComment).Methods(http.MethodPost)
	authed.HandleFunc("/projects/{projectCode}/tasks/{taskCode}/comments", s.handleListComments).Methods(http.MethodGet)
	authed.HandleFunc("/projects/{projectCode}/tasks/{taskCode}/comments/{commentCode}", s.handleDeleteComment).Methods(http.MethodDelete)

	// Subtasks address their parent by code in the payload or query string,
	// matching how clients consume them.
	authed.HandleFunc("/subtasks", s.handleCreateSubtask).Methods(http.MethodPost)
	authed.HandleFunc("/subtasks", s.handleListSubtasks).Methods(http.MethodGet)
	authed.HandleFunc("/subtasks/{subtaskCode}", s.handleGetSubtask).Methods(http.MethodGet)
	authed.HandleFunc("/subtasks/{subtaskCode}", s.handleUpdateSubtask).Methods(http.MethodPatch)
	authed.HandleFunc("/subtasks/{subtaskCode}", s.handleDeleteSubtask).Methods(http.MethodDelete)
}

// Handler returns the assembled root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
