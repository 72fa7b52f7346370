// Package httpapi exposes the dispatch operations over HTTP and streams
// the two projections over WebSocket.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/tow-dispatch/internal/identity"
	"github.com/example/tow-dispatch/internal/jobs"
	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/observability"
	"github.com/example/tow-dispatch/internal/presence"
	"github.com/example/tow-dispatch/internal/store"
)

type Server struct {
	gate     *identity.Gate
	provider *identity.StoreProvider
	jobs     *jobs.Adapter
	store    store.Store
	producer *presence.LocationProducer
	logger   *slog.Logger
	mux      *mux.Router
}

func NewServer(gate *identity.Gate, provider *identity.StoreProvider, adapter *jobs.Adapter, st store.Store, producer *presence.LocationProducer, logger *slog.Logger) *Server {
	s := &Server{
		gate:     gate,
		provider: provider,
		jobs:     adapter,
		store:    st,
		producer: producer,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/auth/register", s.handleRegister).Methods("POST")
	s.mux.HandleFunc("/api/v1/auth/login", s.handleLogin).Methods("POST")
	s.mux.Handle("/api/v1/auth/logout", s.authenticated(s.handleLogout)).Methods("POST")

	s.mux.Handle("/api/v1/jobs", s.requireRole(models.RoleDispatcher, s.handleSaveJob)).Methods("POST")
	s.mux.Handle("/api/v1/jobs/{id}", s.requireRole(models.RoleDispatcher, s.handleDeleteJob)).Methods("DELETE")
	s.mux.Handle("/api/v1/jobs/{id}/advance", s.requireRole(models.RoleDispatcher, s.handleAdvanceJob)).Methods("POST")
	s.mux.Handle("/api/v1/jobs/{id}/cancel", s.requireRole(models.RoleDispatcher, s.handleCancelJob)).Methods("POST")

	s.mux.Handle("/api/v1/driver/status", s.requireRole(models.RoleDriver, s.handleDriverStatus)).Methods("POST")
	s.mux.Handle("/api/v1/driver/locations", s.requireRole(models.RoleDriver, s.handleDriverLocation)).Methods("POST")

	s.mux.HandleFunc("/ws", s.handleWS)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type authRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	Dispatcher bool   `json:"dispatcher"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	userID, err := s.gate.Register(r.Context(), req.Email, req.Password, req.Dispatcher)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sess, err := s.gate.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"userId": userID, "token": sess.Token})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sess, err := s.gate.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"userId": sess.UserID, "token": sess.Token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.gate.Logout()
	w.WriteHeader(http.StatusNoContent)
}

type saveJobRequest struct {
	ID string `json:"id"`
	jobs.Form
}

func (s *Server) handleSaveJob(w http.ResponseWriter, r *http.Request) {
	var req saveJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.jobs.CreateOrUpdate(r.Context(), req.Form, req.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	observability.JobsSaved.Inc()
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "ticket": jobs.Ticket(id)})
}

// handleDeleteJob is the confirm-then-delete path: a job that is already
// gone is an explicit rejection, not a silent no-op.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.jobs.Get(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.jobs.Delete(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	observability.JobsDeleted.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdvanceJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.jobs.Advance(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	observability.StatusChanges.WithLabelValues("advance").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.jobs.Cancel(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	observability.StatusChanges.WithLabelValues("Canceled").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.jobs.DriverSetStatus(r.Context(), sess.UserID, req.Status); err != nil {
		s.writeError(w, err)
		return
	}
	observability.StatusChanges.WithLabelValues(req.Status).Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromContext(r.Context())
	var req struct {
		Lat float64 `json:"lat"`
		Lng float64 `json:"lng"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	loc := models.Location{Lat: req.Lat, Lng: req.Lng, Timestamp: models.NowMillis()}
	if err := presence.Report(r.Context(), s.store, s.producer, s.logger, sess.UserID, sess.Email, loc); err != nil {
		s.writeError(w, err)
		return
	}
	observability.LocationReports.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
	case errors.Is(err, jobs.ErrStaleReference):
		http.Error(w, "job no longer exists", http.StatusNotFound)
	case errors.Is(err, jobs.ErrInvalidStatus):
		http.Error(w, "status not in flow", http.StatusBadRequest)
	case errors.Is(err, jobs.ErrNoAssignedJob):
		http.Error(w, "no assigned job", http.StatusConflict)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "store operation failed", http.StatusBadGateway)
	}
}
