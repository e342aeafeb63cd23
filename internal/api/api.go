// Package api serves the HTTP interface: task management, runs, notification
// settings and the due-task trigger.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/kylemclaren/browser-tasks/internal/auth"
	"github.com/kylemclaren/browser-tasks/internal/config"
	"github.com/kylemclaren/browser-tasks/internal/db"
	"github.com/kylemclaren/browser-tasks/internal/schedule"
	"github.com/kylemclaren/browser-tasks/internal/scheduler"
	"github.com/kylemclaren/browser-tasks/internal/stream"
	"github.com/kylemclaren/browser-tasks/internal/usage"
)

// DueTaskRunner runs one dispatch cycle
type DueTaskRunner interface {
	RunDueTasks(ctx context.Context, now time.Time) (*scheduler.Report, error)
}

// Deps are the services the server is built from
type Deps struct {
	DB         *db.DB
	Runner     *scheduler.Runner
	Dispatcher DueTaskRunner
	Limiter    *usage.Limiter
	Evaluator  *schedule.Evaluator
	Streams    *stream.Manager
	Config     config.ServerConfig
	Logger     zerolog.Logger
}

// Server represents the API server
type Server struct {
	db         *db.DB
	runner     *scheduler.Runner
	dispatcher DueTaskRunner
	limiter    *usage.Limiter
	evaluator  *schedule.Evaluator
	streamMgr  *stream.Manager
	cfg        config.ServerConfig
	logger     zerolog.Logger
	router     chi.Router
	now        func() time.Time
}

// NewServer creates a new API server
func NewServer(deps Deps) *Server {
	if deps.Streams == nil {
		deps.Streams = stream.NewManager()
	}
	if deps.Evaluator == nil {
		deps.Evaluator = schedule.New(time.UTC)
	}
	s := &Server{
		db:         deps.DB,
		runner:     deps.Runner,
		dispatcher: deps.Dispatcher,
		limiter:    deps.Limiter,
		evaluator:  deps.Evaluator,
		streamMgr:  deps.Streams,
		cfg:        deps.Config,
		logger:     deps.Logger,
		router:     chi.NewRouter(),
		now:        time.Now,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}).Handler)

	r.Get("/api/v1/health", s.HealthCheck)

	// Trigger for external cron callers, guarded by the cron secret
	r.Get("/api/v1/run-due-tasks", s.RunDueTasks)
	r.Post("/api/v1/run-due-tasks", s.RunDueTasks)

	r.Group(func(r chi.Router) {
		r.Use(auth.New([]byte(s.cfg.JWTSecret)).Handler)
		r.Use(s.ensureUser)

		r.Get("/api/v1/me", s.GetMe)
		r.Put("/api/v1/me", s.UpdateMe)

		// Tasks
		r.Get("/api/v1/tasks", s.ListTasks)
		r.Post("/api/v1/tasks", s.CreateTask)
		r.Get("/api/v1/tasks/{id}", s.GetTask)
		r.Put("/api/v1/tasks/{id}", s.UpdateTask)
		r.Delete("/api/v1/tasks/{id}", s.DeleteTask)
		r.Post("/api/v1/tasks/{id}/toggle", s.ToggleTask)
		r.Post("/api/v1/tasks/{id}/run", s.RunTask)
		r.Post("/api/v1/tasks/{id}/run/streaming", s.RunTaskStreaming)
		r.Get("/api/v1/tasks/{id}/runs", s.GetTaskRuns)
		r.Get("/api/v1/tasks/{id}/runs/latest", s.GetLatestTaskRun)
		r.Get("/api/v1/tasks/{id}/runs/{runId}", s.GetTaskRunByID)
		r.Get("/api/v1/tasks/{id}/runs/{runId}/stream", s.StreamTaskRun)

		// Notifications
		r.Get("/api/v1/tasks/{id}/notifications", s.GetNotificationSettings)
		r.Put("/api/v1/tasks/{id}/notifications", s.UpdateNotificationSettings)
		r.Delete("/api/v1/tasks/{id}/notifications", s.DeleteNotificationSettings)
	})
}

// Router returns the chi router for use with http.Server
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

// ensureUser creates the caller's account on first use
func (s *Server) ensureUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.FromContext(r.Context())
		if err := s.db.UpsertUser(r.Context(), &db.User{ID: id.UserID, Email: id.Email}); err != nil {
			s.errorResponse(w, http.StatusInternalServerError, codeInternal, "Failed to load account", err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
