package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/swasya/livesync/internal/encounter"
	"github.com/swasya/livesync/internal/livesync"
)

// Controller is the live sync surface the server drives.
type Controller interface {
	View() livesync.View
	Subscribe() (<-chan livesync.View, func())
	Select(ctx context.Context, subject *encounter.Subject)
	RefreshSubject(subject encounter.Subject) bool
	Push(ctx context.Context, subjectID string, snapshot *encounter.Snapshot) bool
	StartConsultation(ctx context.Context) error
	CompleteConsultation(ctx context.Context) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	Token          string
	MaxBodyBytes   int64
	AllowedOrigins []string
	Logger         Logger
}

type Server struct {
	controller Controller
	cfg        ServerConfig
}

func NewServer(controller Controller) *Server {
	return NewServerWithConfig(controller, ServerConfig{})
}

func NewServerWithConfig(controller Controller, cfg ServerConfig) *Server {
	cfg.Token = strings.TrimSpace(cfg.Token)
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{controller: controller, cfg: cfg}
}

type snapshotPush struct {
	SubjectID string              `json:"subjectId"`
	Snapshot  *encounter.Snapshot `json:"snapshot"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/dashboard" {
		s.handleDashboard(w, r)
		return
	}

	var route string
	switch {
	case r.URL.Path == "/v1/view" && r.Method == http.MethodGet:
		route = "view"
	case r.URL.Path == "/v1/view/stream" && r.Method == http.MethodGet:
		route = "view_stream"
	case r.URL.Path == "/v1/subject" && r.Method == http.MethodPut:
		route = "select_subject"
	case r.URL.Path == "/v1/subject/refresh" && r.Method == http.MethodPut:
		route = "refresh_subject"
	case r.URL.Path == "/v1/snapshot" && r.Method == http.MethodPost:
		route = "push_snapshot"
	case r.URL.Path == "/v1/consultation/start" && r.Method == http.MethodPost:
		route = "start_consultation"
	case r.URL.Path == "/v1/consultation/complete" && r.Method == http.MethodPost:
		route = "complete_consultation"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	correlationID := getCorrelationID(r)
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && route == "view_stream" {
		// Browsers cannot set headers on websocket upgrades.
		if token := r.URL.Query().Get("access_token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	if authErr := authorizeBearer(authHeader, s.cfg.Token); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}

	switch route {
	case "view":
		writeJSON(w, http.StatusOK, s.controller.View())
	case "view_stream":
		s.handleViewStream(w, r)
	case "select_subject":
		s.handleSelectSubject(w, r, correlationID)
	case "refresh_subject":
		s.handleRefreshSubject(w, r, correlationID)
	case "push_snapshot":
		s.handlePushSnapshot(w, r, correlationID)
	case "start_consultation":
		s.handleConsultation(w, r, correlationID, s.controller.StartConsultation)
	case "complete_consultation":
		s.handleConsultation(w, r, correlationID, s.controller.CompleteConsultation)
	}
}

func (s *Server) handleSelectSubject(w http.ResponseWriter, r *http.Request, correlationID string) {
	var subject *encounter.Subject
	if !s.decodeJSONBody(w, r, correlationID, &subject) {
		return
	}
	if subject != nil && !normalizeSubject(w, subject, correlationID) {
		return
	}
	s.controller.Select(r.Context(), subject)
	writeJSON(w, http.StatusOK, s.controller.View())
}

func (s *Server) handleRefreshSubject(w http.ResponseWriter, r *http.Request, correlationID string) {
	var subject encounter.Subject
	if !s.decodeJSONBody(w, r, correlationID, &subject) {
		return
	}
	if !normalizeSubject(w, &subject, correlationID) {
		return
	}
	if !s.controller.RefreshSubject(subject) {
		writeError(w, http.StatusConflict, "subject_mismatch", "subject is not the one selected", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.View())
}

func (s *Server) handlePushSnapshot(w http.ResponseWriter, r *http.Request, correlationID string) {
	var push snapshotPush
	if !s.decodeJSONBody(w, r, correlationID, &push) {
		return
	}
	push.SubjectID = strings.TrimSpace(push.SubjectID)
	if push.SubjectID == "" || push.Snapshot == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "subjectId and snapshot are required", correlationID)
		return
	}
	adopted := s.controller.Push(r.Context(), push.SubjectID, push.Snapshot)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"adopted": adopted,
		"view":    s.controller.View(),
	})
}

// handleConsultation serves /v1/consultation/{start,complete}. A successful
// action keeps the subject busy until the queue's new record is PUT to
// /v1/subject/refresh, or until the configured consultation hold lapses.
func (s *Server) handleConsultation(w http.ResponseWriter, r *http.Request, correlationID string, action func(context.Context) error) {
	err := action(r.Context())
	if err == nil {
		writeJSON(w, http.StatusOK, s.controller.View())
		return
	}
	var transitionErr *livesync.TransitionError
	var actionErr *livesync.ActionError
	switch {
	case errors.Is(err, livesync.ErrNoSubject):
		writeError(w, http.StatusConflict, "no_subject", err.Error(), correlationID)
	case errors.Is(err, livesync.ErrMissingQueueID):
		writeError(w, http.StatusUnprocessableEntity, "missing_queue_id", err.Error(), correlationID)
	case errors.Is(err, livesync.ErrBusy):
		writeError(w, http.StatusConflict, "busy", err.Error(), correlationID)
	case errors.As(err, &transitionErr):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	case errors.As(err, &actionErr):
		writeError(w, http.StatusBadGateway, "upstream_failed", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

// handleViewStream pushes the current view and every later change over a
// websocket until either side goes away.
func (s *Server) handleViewStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		s.logf("view stream upgrade failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	ctx := conn.CloseRead(r.Context())
	views, cancel := s.controller.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case view, ok := <-views:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "controller closed")
				return
			}
			if err := wsjson.Write(ctx, conn, view); err != nil {
				s.logf("view stream write failed: %v", err)
				return
			}
		}
	}
}

func normalizeSubject(w http.ResponseWriter, subject *encounter.Subject, correlationID string) bool {
	subject.ID = strings.TrimSpace(subject.ID)
	if subject.ID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "subject id is required", correlationID)
		return false
	}
	subject.QueueID = strings.TrimSpace(subject.QueueID)
	if subject.Status == "" {
		return true
	}
	state, ok := encounter.ParseConsultationState(string(subject.Status))
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown consultation status", correlationID)
		return false
	}
	subject.Status = state
	return true
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}
