// It defines the API server, sets up the routes (endpoints)
// using chi, and links them to the handler functions.

package api

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/avelops/jobpulse/internal/core"
	"github.com/avelops/jobpulse/internal/gateway"
	"github.com/avelops/jobpulse/internal/store"
)

// Server holds the dependencies for our API.
type Server struct {
	app     *core.App
	db      *sql.DB
	store   *store.Store
	gateway *gateway.Gateway
}

// Store returns the store instance.
func (s *Server) Store() *store.Store {
	return s.store
}

// NewServer creates a new Server instance.
func NewServer(app *core.App) *Server {
	st := app.Store()
	gw := gateway.New(app.Bus(), st, st, gateway.Options{
		AuthWindow:       app.Config().AuthWindow(),
		HistoryPageSize:  app.Config().Gateway.HistoryPageSize,
		InboundPerSecond: app.Config().Gateway.InboundPerSecond,
	})
	return &Server{
		app:     app,
		db:      app.DB(),
		store:   st,
		gateway: gw,
	}
}

// Router sets up and returns the main router for the application.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)    // Logs requests to the console
	r.Use(middleware.Recoverer) // Recovers from panics

	// API routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Post("/api/users/login", s.handleLogin)
		r.Get("/api/version", s.handleGetVersion)

		r.Group(func(r chi.Router) {
			r.Use(s.AuthMiddleware)

			r.Post("/api/users/logout", s.handleLogout)
			r.Get("/api/users/me", s.handleGetMe)

			r.Route("/api", func(r chi.Router) {
				// Progress views and history replay
				r.Get("/jobs", s.handleListJobs)
				r.Get("/jobs/{jobID}", s.handleGetJobView)
				r.Get("/jobs/{jobID}/events", s.handleGetJobEvents)

				// Admin Job Triggers
				r.Route("/admin", func(r chi.Router) {
					r.Use(s.AdminOnlyMiddleware)

					r.Get("/jobs/tasks", s.handleListTasks)
					r.Get("/jobs/status", s.handleGetAdminJobsStatus)
					r.Post("/jobs/run", s.handleRunAdminJob)
				})
			})
		})

		r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
			if err := s.db.Ping(); err != nil {
				RespondWithError(w, http.StatusServiceUnavailable, "Database connection failed")
				return
			}
			RespondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	})

	// WebSocket route. Kept outside the timeout group: the connection is
	// long-lived and authenticates at the protocol level.
	r.Get("/ws/progress", s.gateway.ServeWS)

	return r
}
