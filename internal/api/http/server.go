// Package httpapi exposes the agent's local control surface: settings
// reads and writes, pending-operation management, and a status
// endpoint over queue, circuit and peer internals.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/prefsync/prefsync/internal/application/coordinator"
	"github.com/prefsync/prefsync/internal/domain/operation"
	"github.com/prefsync/prefsync/internal/peersync"
	"github.com/prefsync/prefsync/internal/state"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	svc     *coordinator.Service
	peers   *peersync.Manager
	metrics http.Handler
	logger  zerolog.Logger
}

func NewServer(svc *coordinator.Service, peers *peersync.Manager, metrics http.Handler, logger zerolog.Logger) *Server {
	return &Server{
		svc:     svc,
		peers:   peers,
		metrics: metrics,
		logger:  logger.With().Str("service", "httpapi").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.healthz)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.getStatus)
		r.Get("/peers", s.listPeers)

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", s.listSettings)
			r.Get("/{key}", s.getSetting)
			r.Put("/{key}", s.putSetting)
		})

		r.Delete("/operations/{operationId}", s.cancelOperation)
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) listPeers(w http.ResponseWriter, _ *http.Request) {
	if s.peers == nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"peers": []struct{}{}})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"peers":    s.peers.ActivePeers(),
		"leaderId": s.peers.LeaderID(),
	})
}

func (s *Server) listSettings(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{"settings": s.svc.Settings()})
}

func (s *Server) getSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value := s.svc.GetSetting(key)
	if value == nil {
		respondError(w, http.StatusNotFound, "not_found", "setting not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"key": key, "value": value})
}

type putSettingRequest struct {
	Value    json.RawMessage    `json:"value"`
	Priority operation.Priority `json:"priority,omitempty"`
}

func (s *Server) putSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req putSettingRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if len(req.Value) == 0 {
		respondError(w, http.StatusBadRequest, "invalid_body", "value is required")
		return
	}
	priority := req.Priority
	if priority == "" {
		priority = operation.PriorityNormal
	}
	if !priority.Valid() {
		respondError(w, http.StatusBadRequest, "invalid_priority", "priority must be HIGH, NORMAL or LOW")
		return
	}

	opID, err := s.svc.SetSetting(key, req.Value, priority)
	if err != nil {
		if errors.Is(err, state.ErrValidation) {
			respondError(w, http.StatusUnprocessableEntity, "invalid_value", err.Error())
			return
		}
		s.logger.Error().Err(err).Str("key", key).Msg("set setting failed")
		respondError(w, http.StatusInternalServerError, "internal", "failed to apply setting")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"operationId": opID})
}

func (s *Server) cancelOperation(w http.ResponseWriter, r *http.Request) {
	opID := chi.URLParam(r, "operationId")
	if err := s.svc.CancelOperation(opID); err != nil {
		respondError(w, http.StatusNotFound, "not_found", "operation is not pending")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"operationId": opID, "status": "CANCELLED"})
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
