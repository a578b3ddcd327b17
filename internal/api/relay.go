package api

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"

	"github.com/surgilog/bloodloss/internal/domain"
	"github.com/surgilog/bloodloss/internal/health"
)

// POST /api/v1/direct-update
//
// Forwards the body unchanged to the main service, once, after checking
// its api_key. The main service's status and JSON body are relayed back.
func (s *Server) handleDirectUpdate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	key, _ := data["api_key"].(string)
	if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
		s.log.Warn().Err(domain.ErrInvalidAPIKey).Str("remote", r.RemoteAddr).Msg("direct update rejected")
		writeError(w, http.StatusUnauthorized, "Invalid API key")
		return
	}

	status, resp, err := s.forwarder.Forward(r.Context(), body)
	if err != nil {
		s.log.Error().Err(err).Msg("error in direct update")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !json.Valid(resp) {
		s.log.Error().Int("status", status).Msg("direct update: main service returned non-JSON body")
		writeError(w, http.StatusInternalServerError, "main service returned a non-JSON response")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(resp)
}

// GET /api/v1/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, health.Report{
			Status:  health.StateHealthy,
			Service: health.ServiceName,
			Checks:  []health.Status{},
		})
		return
	}

	report := s.health.Report()
	status := http.StatusOK
	if report.Status != health.StateHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}
