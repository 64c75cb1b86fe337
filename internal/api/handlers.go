package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MISP/SkillAegis-Dashboard/internal/models"
)

// Response helpers

type apiResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := apiResponse{
		Success: false,
		Error:   &apiError{Code: code, Message: message},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}

// Health handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if len(s.registry.All()) == 0 {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "no exercises loaded")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Exercise handlers

func (s *Server) handleListExercises(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"exercises": s.registry.Summaries(),
		"selected":  s.game.Selected(),
	})
}

func (s *Server) handleReloadExercises(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Load(); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "invalid_definitions", err.Error())
		return
	}
	s.game.SetStatuses(s.registry.InitStatuses())
	s.orchestrator.StartTimedInjects(context.Background())
	s.BroadcastRefresh()
	respondJSON(w, http.StatusOK, map[string]any{
		"exercises": s.registry.Summaries(),
	})
}

func (s *Server) handleSelectExercise(w http.ResponseWriter, r *http.Request) {
	s.setExerciseSelected(w, r, true)
}

func (s *Server) handleDeselectExercise(w http.ResponseWriter, r *http.Request) {
	s.setExerciseSelected(w, r, false)
}

func (s *Server) setExerciseSelected(w http.ResponseWriter, r *http.Request, selected bool) {
	uuid := chi.URLParam(r, "uuid")
	if _, ok := s.game.StatusFor(uuid); !ok {
		respondError(w, http.StatusNotFound, "not_found", "unknown exercise")
		return
	}
	s.game.SetSelected(uuid, selected)
	// Timers belong to the selected set, not to this request.
	s.orchestrator.StartTimedInjects(context.Background())
	s.BroadcastRefresh()
	respondJSON(w, http.StatusOK, map[string]any{"selected": s.game.Selected()})
}

// Progress handlers

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.board.Progress())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.board.Stats())
}

type markTaskRequest struct {
	UserID       int    `json:"user_id"`
	ExerciseUUID string `json:"exercise_uuid"`
	TaskUUID     string `json:"task_uuid"`
}

func (s *Server) handleMarkTask(complete bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req markTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
		var changed bool
		if complete {
			changed = s.ledger.MarkComplete(req.UserID, req.ExerciseUUID, req.TaskUUID)
		} else {
			changed = s.ledger.MarkIncomplete(req.UserID, req.ExerciseUUID, req.TaskUUID)
		}
		if changed {
			s.BroadcastRefresh()
		}
		respondJSON(w, http.StatusOK, map[string]any{"changed": changed})
	}
}

type resetProgressRequest struct {
	UserID *int `json:"user_id,omitempty"`
}

func (s *Server) handleResetProgress(w http.ResponseWriter, r *http.Request) {
	var req resetProgressRequest
	if r.Body != nil {
		// An empty body means everyone.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.UserID != nil {
		for _, ex := range s.registry.All() {
			for _, inject := range ex.Injects {
				s.ledger.MarkIncomplete(*req.UserID, ex.Meta.UUID, inject.UUID)
			}
		}
	} else {
		s.game.SetStatuses(s.registry.InitStatuses())
	}
	s.BroadcastRefresh()
	respondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleResetAll(w http.ResponseWriter, r *http.Request) {
	s.orchestrator.StopAllTimedInjects()
	s.game.Reset()
	s.game.SetStatuses(s.registry.InitStatuses())
	s.notifications.Reset()
	s.BroadcastRefresh()
	respondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// Notification handlers

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.notifications.Messages())
}

func (s *Server) handleNotificationHistory(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.notifications.History())
}

func (s *Server) handleResetNotifications(w http.ResponseWriter, r *http.Request) {
	s.notifications.Reset()
	respondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleToggle(set func(bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req toggleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
		set(req.Enabled)
		respondJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
	}
}

func (s *Server) handleUserActivity(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.notifications.Activity())
}

// Diagnostic handler

func (s *Server) handleDiagnostic(w http.ResponseWriter, r *http.Request) {
	diag := map[string]any{
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"clients":        s.hub.ClientCount(),
	}
	if s.misp.URL != "" {
		diag["misp_url"] = s.misp.URL
		diag["misp_apikey"] = maskAuthkey(s.misp.APIKey)
	}
	if s.feedStats != nil {
		diag["zmq_message_count"] = s.feedStats.MessageCount()
		if last := s.feedStats.LastMessageAt(); !last.IsZero() {
			diag["zmq_last_time"] = last.UTC().Format(time.RFC3339)
		}
	}
	if s.diagnoser != nil {
		diag["misp_version"] = s.diagnoser.GetVersion(r.Context())
		diag["misp_settings"] = s.diagnoser.GetSettings(r.Context())
	}
	respondJSON(w, http.StatusOK, diag)
}

func (s *Server) handleRemediateSetting(w http.ResponseWriter, r *http.Request) {
	if s.diagnoser == nil {
		respondError(w, http.StatusServiceUnavailable, "no_misp", "no MISP instance configured")
		return
	}
	setting := chi.URLParam(r, "setting")
	result := s.diagnoser.RemediateSetting(r.Context(), setting)
	if result == nil {
		respondError(w, http.StatusUnprocessableEntity, "remediation_failed", "setting could not be remediated")
		return
	}
	slog.Info("remediated instance setting", "setting", setting)
	respondJSON(w, http.StatusOK, result)
}

// maskAuthkey keeps the first four and last four characters of a MISP
// authkey visible.
func maskAuthkey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

// Webhook intake

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var event models.WebhookEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	userID, ok := s.resolveWebhookUser(&event)
	if !ok {
		slog.Warn("webhook submission without a resolvable user")
		respondError(w, http.StatusBadRequest, "unknown_user", "could not get associated user")
		return
	}
	if !event.TargetTool.IsValid() {
		slog.Warn("webhook submission with invalid target tool", "target_tool", event.TargetTool)
		respondError(w, http.StatusBadRequest, "invalid_target_tool", "target_tool is not a valid tool")
		return
	}

	s.notifications.RecordActivity(userID)
	n := s.notifications.BuildWebhookMessage(userID, event.TargetTool, event.Data, event.DashboardMessage, s.game.EmailOf)
	s.notifications.Record(n)
	s.hub.Emit(EventNotification, n)

	evalCtx := map[string]any{
		"webhook": true,
		"user_id": userID,
	}
	if email, ok := s.game.EmailOf(userID); ok {
		evalCtx["user_email"] = email
	}
	if authkey, ok := s.game.AuthkeyOf(userID); ok {
		evalCtx["user_authkey"] = authkey
	}
	// Webhook submissions are one-shot; they skip the debounce.
	if s.orchestrator.CheckActiveTasks(r.Context(), userID, event.TargetTool, event.Data, evalCtx) {
		s.BroadcastRefresh()
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

// resolveWebhookUser fills in whichever half of the identity the caller
// omitted.
func (s *Server) resolveWebhookUser(event *models.WebhookEvent) (int, bool) {
	if event.UserID != nil {
		return *event.UserID, true
	}
	if event.Email != "" {
		if id, ok := s.game.UserIDFor(event.Email); ok {
			return id, true
		}
	}
	return 0, false
}
