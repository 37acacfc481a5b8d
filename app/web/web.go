// Package web implements the operator-facing JSON API: task cancel/remove,
// on-demand reconciliation, jobs listing and the applicant profile. The UI
// itself is served elsewhere, this is the data-affecting surface only.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/didip/tollbooth/v8"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"
	"golang.org/x/crypto/bcrypt"

	"github.com/sourabhkatti/applicator/app/config"
	"github.com/sourabhkatti/applicator/app/mailsync"
	"github.com/sourabhkatti/applicator/app/store"
	"github.com/sourabhkatti/applicator/app/tasks"
)

// SyncRunner triggers a reconciliation pass, implemented by mailsync.Engine.
type SyncRunner interface {
	RunPass(ctx context.Context) (mailsync.PassSummary, error)
}

// Server is the operator API server.
type Server struct {
	Store      *store.Store
	Tasks      *tasks.Registry
	Sync       SyncRunner
	ConfigPath string

	Address      string
	Version      string
	PasswordHash string // bcrypt hash enabling basic auth, empty disables
}

// statusResponse is the uniform result shape for mutating operations.
type statusResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Run starts the server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting operator api on %s", s.Address)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("operator api failed: %w", err)
	}
	return nil
}

// routes builds the router with middlewares and all endpoints.
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(100),
		rest.AppInfo("applicator", "sourabhkatti", s.Version),
		rest.Ping,
		rest.SizeLimit(64*1024),
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	if s.PasswordHash != "" {
		log.Printf("[INFO] authentication enabled for operator api")
		router.Use(s.authMiddleware)
	}

	syncLimiter := tollbooth.NewLimiter(1, nil) // reconciliation is not a hot path

	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)
		api.HandleFunc("GET /jobs", s.handleJobs)
		api.HandleFunc("GET /tasks", s.handleTasks)
		api.HandleFunc("POST /tasks/{id}/cancel", s.handleCancelTask)
		api.HandleFunc("DELETE /tasks/{id}", s.handleRemoveTask)
		api.With(tollbooth.HTTPMiddleware(syncLimiter)).HandleFunc("POST /sync", s.handleSync)
		api.HandleFunc("GET /config", s.handleGetConfig)
		api.HandleFunc("POST /config", s.handleSaveConfig)
	})

	return router
}

// handleJobs returns the full tracker document.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	var col *store.Collection
	if err := s.Store.View(r.Context(), func(c *store.Collection) { col = c }); err != nil {
		log.Printf("[ERROR] can't load jobs: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to load jobs")
		return
	}
	s.writeJSON(w, http.StatusOK, col)
}

// handleTasks returns the active task registry.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	var res map[string]*store.ActiveTask
	if err := s.Store.View(r.Context(), func(c *store.Collection) { res = c.Settings.ActiveTasks }); err != nil {
		log.Printf("[ERROR] can't load tasks: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to load tasks")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleCancelTask marks a running task cancelled, cooperative cancellation.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	found, err := s.Tasks.Cancel(r.Context(), taskID)
	if err != nil {
		log.Printf("[ERROR] can't cancel task %s: %v", taskID, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to cancel task")
		return
	}
	if !found {
		s.writeJSONError(w, http.StatusNotFound, "task not found")
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{Success: true, Message: fmt.Sprintf("task %s cancelled", taskID)})
}

// handleRemoveTask hard-deletes a task, cleanup after cancel or error.
func (s *Server) handleRemoveTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	found, err := s.Tasks.Remove(r.Context(), taskID)
	if err != nil {
		log.Printf("[ERROR] can't remove task %s: %v", taskID, err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to remove task")
		return
	}
	if !found {
		s.writeJSONError(w, http.StatusNotFound, "task not found")
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{Success: true, Message: fmt.Sprintf("task %s removed", taskID)})
}

// handleSync runs one reconciliation pass synchronously and returns its summary.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	summary, err := s.Sync.RunPass(r.Context())
	if err != nil {
		log.Printf("[ERROR] reconciliation pass failed: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "reconciliation pass failed")
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// configResponse is the profile plus the setup flag the UI keys off.
type configResponse struct {
	SetupRequired bool `json:"setup_required"`
	config.Applicant
}

// handleGetConfig returns the applicant profile, or a setup-required marker
// when no profile exists yet.
func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	a, err := config.Load(s.ConfigPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.writeJSON(w, http.StatusNotFound, map[string]any{"error": "configuration not found", "setup_required": true})
			return
		}
		log.Printf("[ERROR] can't load config: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to load configuration")
		return
	}
	s.writeJSON(w, http.StatusOK, configResponse{Applicant: a})
}

// handleSaveConfig merges the submitted fields into the existing profile.
func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	var upd config.Applicant
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	res := upd
	if existing, err := config.Load(s.ConfigPath); err == nil {
		res = config.Merge(existing, upd)
	}
	if res.Name == "" {
		s.writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := config.Save(s.ConfigPath, res); err != nil {
		log.Printf("[ERROR] can't save config: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to save configuration")
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{Success: true, Message: "configuration saved"})
}

// authMiddleware enforces basic auth against the configured bcrypt hash.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, password, ok := r.BasicAuth()
		if !ok || bcrypt.CompareHashAndPassword([]byte(s.PasswordHash), []byte(password)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="applicator"`)
			s.writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": message}); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
