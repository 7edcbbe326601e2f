package server

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"cdr.dev/slog"
	"golang.org/x/xerrors"

	"github.com/vincentbai/vitaltrace/internal/database"
	"github.com/vincentbai/vitaltrace/internal/models"
)

const maxBodyBytes = 1 << 20

// handleIngest runs one request through
// parse -> validate -> non-empty -> rate limit -> project/origin -> persist.
// Each stage rejects before the more expensive ones run.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil || !json.Valid(body) {
		s.reject(w, http.StatusBadRequest, outcomeInvalidJSON, Response{Message: "Invalid JSON payload"})
		return
	}

	batch, issues, err := s.validator.Parse(body)
	if err != nil {
		s.logger.Error(ctx, "schema validator failed", slog.Error(err))
		s.reject(w, http.StatusInternalServerError, outcomeInternal, Response{Message: "Internal server error"})
		return
	}
	if len(issues) > 0 {
		s.reject(w, http.StatusBadRequest, outcomeInvalidBody, Response{Message: "Invalid payload", Issues: issues})
		return
	}

	if batch.Empty() {
		s.reject(w, http.StatusBadRequest, outcomeEmpty, Response{Message: "No events provided"})
		return
	}

	if ip := s.clientIP(r); ip != "" && s.limiter != nil {
		result := s.limiter.Check(ip)
		if !result.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(result.ResetAt, s.clock.Now())))
			s.reject(w, http.StatusTooManyRequests, outcomeRateLimited, Response{Message: "Too many requests"})
			return
		}
	}

	project, err := s.projects.GetProjectByID(ctx, batch.ProjectID)
	if xerrors.Is(err, database.ErrNotFound) {
		s.reject(w, http.StatusNotFound, outcomeUnknownProj, Response{Message: "Project not found"})
		return
	}
	if err != nil {
		s.logger.Error(ctx, "resolve project", slog.F("project_id", batch.ProjectID), slog.Error(err))
		s.reject(w, http.StatusInternalServerError, outcomeStorageError, Response{Message: "Internal server error"})
		return
	}
	if origin := r.Header.Get("Origin"); origin != "" && !s.projects.OriginAllowed(project, origin) {
		// Wildcard so the page can still read why it was refused.
		w.Header().Set("Access-Control-Allow-Origin", "*")
		s.reject(w, http.StatusForbidden, outcomeForbidden, Response{Message: "Origin not allowed"})
		return
	}

	if err := s.persist(r, batch); err != nil {
		s.logger.Error(ctx, "persist batch", slog.F("project_id", batch.ProjectID), slog.Error(err))
		s.reject(w, http.StatusInternalServerError, outcomeStorageError, Response{Message: "Failed to store events"})
		return
	}

	s.metrics.requests.WithLabelValues(outcomeAccepted).Inc()
	w.WriteHeader(http.StatusNoContent) // success, no body
}

func (s *Server) persist(r *http.Request, batch models.IngestBatch) error {
	receivedAt := s.clock.Now()

	vitals := make([]models.WebVitalRow, 0, len(batch.Events))
	for _, event := range batch.Events {
		vitals = append(vitals, models.WebVitalRow{ProjectID: batch.ProjectID, ReceivedAt: receivedAt, WebVitalEvent: event})
	}
	custom := make([]models.CustomEventRow, 0, len(batch.CustomEvents))
	for _, event := range batch.CustomEvents {
		custom = append(custom, models.CustomEventRow{ProjectID: batch.ProjectID, ReceivedAt: receivedAt, CustomEvent: event})
	}

	if err := s.repository.InsertEvents(r.Context(), vitals); err != nil {
		return xerrors.Errorf("insert web vitals: %w", err)
	}
	s.metrics.events.WithLabelValues("web_vital").Add(float64(len(vitals)))
	if err := s.repository.InsertCustomEvents(r.Context(), custom); err != nil {
		return xerrors.Errorf("insert custom events: %w", err)
	}
	s.metrics.events.WithLabelValues("custom").Add(float64(len(custom)))
	return nil
}

func (s *Server) reject(w http.ResponseWriter, status int, outcome string, response Response) {
	s.metrics.requests.WithLabelValues(outcome).Inc()
	write(w, status, response)
}

// retryAfterSeconds rounds the wait up to whole seconds, never below one.
func retryAfterSeconds(resetAt, now time.Time) int {
	seconds := int(math.Ceil(resetAt.Sub(now).Seconds()))
	if seconds < 1 {
		return 1
	}
	return seconds
}
