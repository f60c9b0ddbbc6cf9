package http

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/snowtrack/progress-engine/internal/application/query"
	"github.com/snowtrack/progress-engine/internal/domain/achievement"
	"github.com/snowtrack/progress-engine/internal/domain/shared"
	"github.com/snowtrack/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleHealth reports every registered check.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.deps.HealthChecker.Check(r.Context())
	if !status.Healthy {
		writeJSON(w, r, http.StatusServiceUnavailable, status, nil)
		return
	}
	writeJSON(w, r, http.StatusOK, status, nil)
}

// handleReady handles the readiness probe endpoint.
// Only critical checks (storage) affect readiness.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := s.deps.HealthChecker.Check(r.Context())
	if !status.Ready {
		writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": status.Message,
		}, nil)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ready"}, nil)
}

// handleLive handles the liveness probe endpoint.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "alive"}, nil)
}

// ══════════════════════════════════════════════════════════════════════════════
// COLLABORATOR HOOKS
// ══════════════════════════════════════════════════════════════════════════════

// LessonCompletedRequest is the body of POST /api/v1/events/lesson-completed.
type LessonCompletedRequest struct {
	StudentID   string     `json:"student_id"`
	LessonID    string     `json:"lesson_id"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// FeedbackSubmittedRequest is the body of POST /api/v1/events/feedback-submitted.
type FeedbackSubmittedRequest struct {
	StudentID  string `json:"student_id"`
	LessonID   string `json:"lesson_id"`
	FeedbackID string `json:"feedback_id"`
}

// handleLessonCompleted publishes lesson.completed. Evaluation runs off the
// request path; the caller only learns that the trigger was accepted.
func (s *Server) handleLessonCompleted(w http.ResponseWriter, r *http.Request) {
	var req LessonCompletedRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.StudentID == "" || req.LessonID == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "student_id and lesson_id are required")
		return
	}

	completedAt := time.Now().UTC()
	if req.CompletedAt != nil {
		completedAt = req.CompletedAt.UTC()
	}

	s.publishTrigger(w, r, shared.NewLessonCompletedEvent(req.StudentID, req.LessonID, completedAt))
}

// handleFeedbackSubmitted publishes feedback.submitted.
func (s *Server) handleFeedbackSubmitted(w http.ResponseWriter, r *http.Request) {
	var req FeedbackSubmittedRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.StudentID == "" || req.FeedbackID == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "student_id and feedback_id are required")
		return
	}

	s.publishTrigger(w, r, shared.NewFeedbackSubmittedEvent(req.StudentID, req.LessonID, req.FeedbackID))
}

func (s *Server) publishTrigger(w http.ResponseWriter, r *http.Request, event shared.Event) {
	if s.deps.Publisher == nil {
		writeJSONError(w, http.StatusNotImplemented, "not_implemented", "Event publishing not configured")
		return
	}

	if err := s.deps.Publisher.Publish(event); err != nil {
		logger.FromContext(r.Context()).Error("failed to publish trigger",
			logger.Err(err),
			logger.StudentID(event.AggregateID()),
			logger.String("event_type", string(event.EventType())),
		)
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "Event could not be accepted")
		return
	}

	writeJSON(w, r, http.StatusAccepted, map[string]string{
		"status":     "accepted",
		"event_type": string(event.EventType()),
		"student_id": event.AggregateID(),
	}, nil)
}

// ══════════════════════════════════════════════════════════════════════════════
// EVALUATION & PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

// EvaluateResponse is returned by POST /api/v1/students/{id}/evaluate.
type EvaluateResponse struct {
	StudentID string               `json:"student_id"`
	Unlocks   []achievement.Unlock `json:"unlocks"`
	Count     int                  `json:"count"`
}

// handleEvaluate handles POST /api/v1/students/{id}/evaluate.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	studentID := r.PathValue("id")
	if s.deps.Evaluator == nil {
		writeJSONError(w, http.StatusNotImplemented, "not_implemented", "Evaluation not configured")
		return
	}

	unlocks, err := s.deps.Evaluator.OnStudentActivity(r.Context(), studentID)
	if err != nil {
		s.writeDomainError(w, r, err, studentID)
		return
	}

	writeJSON(w, r, http.StatusOK, EvaluateResponse{
		StudentID: studentID,
		Unlocks:   unlocks,
		Count:     len(unlocks),
	}, nil)
}

// handleGetStudentProgress handles GET /api/v1/students/{id}/progress.
func (s *Server) handleGetStudentProgress(w http.ResponseWriter, r *http.Request) {
	if s.deps.GetStudentProgressHandler == nil {
		writeJSONError(w, http.StatusNotImplemented, "not_implemented", "Progress handler not configured")
		return
	}

	studentID := r.PathValue("id")
	q := query.GetStudentProgressQuery{
		StudentID:    studentID,
		HistoryLimit: getQueryParamInt(r, "history", 0),
	}

	result, err := s.deps.GetStudentProgressHandler.Handle(r.Context(), q)
	if err != nil {
		s.writeDomainError(w, r, err, studentID)
		return
	}

	writeJSON(w, r, http.StatusOK, result, nil)
}

// handleListAchievements handles GET /api/v1/achievements.
func (s *Server) handleListAchievements(w http.ResponseWriter, r *http.Request) {
	if s.deps.ListAchievementsHandler == nil {
		writeJSONError(w, http.StatusNotImplemented, "not_implemented", "Catalog not configured")
		return
	}

	result := s.deps.ListAchievementsHandler.Handle()
	writeJSON(w, r, http.StatusOK, result, &ResponseMeta{TotalCount: result.Total})
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// writeDomainError maps the shared error taxonomy onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error, studentID string) {
	status, code, message := http.StatusInternalServerError, "internal_error", "Internal error"

	switch {
	case shared.IsNotFound(err):
		status, code, message = http.StatusNotFound, "not_found", "Student not found"
	case shared.IsValidation(err):
		status, code, message = http.StatusBadRequest, "invalid_request", err.Error()
	case shared.IsConflict(err):
		status, code, message = http.StatusConflict, "conflict", "Concurrent update, retry later"
	case shared.IsTransient(err):
		status, code, message = http.StatusServiceUnavailable, "unavailable", "Temporarily unavailable, retry later"
	}

	log := logger.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", logger.Err(err), logger.StudentID(studentID), logger.Int("status", status))
	} else {
		log.Warn("request rejected", logger.Err(err), logger.StudentID(studentID), logger.Int("status", status))
	}

	writeJSONError(w, status, code, message)
}

// decodeBody decodes a JSON body and writes 400 on failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dest any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "Request body too large")
		return false
	}
	if err := json.Unmarshal(body, dest); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_json", "Request body is not valid JSON")
		return false
	}
	return true
}

// getQueryParamInt extracts an integer query parameter with a default value.
func getQueryParamInt(r *http.Request, key string, defaultValue int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}
