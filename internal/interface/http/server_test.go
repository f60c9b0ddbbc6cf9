package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowtrack/progress-engine/internal/application/query"
	"github.com/snowtrack/progress-engine/internal/domain/achievement"
	"github.com/snowtrack/progress-engine/internal/domain/progress"
	"github.com/snowtrack/progress-engine/internal/domain/shared"
	"github.com/snowtrack/progress-engine/internal/infrastructure/persistence/memory"
	"github.com/snowtrack/progress-engine/internal/interface/http/handlers"
	"github.com/snowtrack/progress-engine/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// TEST DOUBLES
// ══════════════════════════════════════════════════════════════════════════════

type stubEvaluator struct {
	unlocks []achievement.Unlock
	err     error
	calls   []string
}

func (e *stubEvaluator) OnStudentActivity(_ context.Context, studentID string) ([]achievement.Unlock, error) {
	e.calls = append(e.calls, studentID)
	return e.unlocks, e.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.Event
	err    error
}

func (p *recordingPublisher) Publish(event shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

type staticHealth struct{ status handlers.HealthStatus }

func (h staticHealth) Check(context.Context) handlers.HealthStatus { return h.status }

func quietLogger() *logger.Logger {
	return logger.New(logger.Options{Output: io.Discard, Level: logger.LevelError})
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RateLimitRPS = 0
	return cfg
}

func newTestServer(t *testing.T, cfg Config, deps Dependencies) http.Handler {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = quietLogger()
	}
	srv := NewServer(cfg, deps)
	t.Cleanup(func() {
		if srv.limiter != nil {
			srv.limiter.Stop()
		}
	})
	return srv.Handler()
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) (JSONResponse, map[string]any) {
	t.Helper()
	var raw struct {
		JSONResponse
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))

	data := map[string]any{}
	if len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, &data))
	}
	return raw.JSONResponse, data
}

// ══════════════════════════════════════════════════════════════════════════════
// COLLABORATOR HOOKS
// ══════════════════════════════════════════════════════════════════════════════

func TestLessonCompletedHook(t *testing.T) {
	pub := &recordingPublisher{}
	h := newTestServer(t, testConfig(), Dependencies{Publisher: pub})

	rec := do(h, http.MethodPost, "/api/v1/events/lesson-completed",
		`{"student_id":"s1","lesson_id":"l1","completed_at":"2026-01-10T10:00:00Z"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	resp, data := decode(t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, "lesson.completed", data["event_type"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	require.Len(t, pub.events, 1)
	ev, ok := pub.events[0].(shared.LessonCompletedEvent)
	require.True(t, ok)
	assert.Equal(t, "s1", ev.AggregateID())
	assert.Equal(t, "l1", ev.LessonID)
	assert.Equal(t, time.Date(2026, time.January, 10, 10, 0, 0, 0, time.UTC), ev.CompletedAt)
}

func TestFeedbackSubmittedHook(t *testing.T) {
	pub := &recordingPublisher{}
	h := newTestServer(t, testConfig(), Dependencies{Publisher: pub})

	rec := do(h, http.MethodPost, "/api/v1/events/feedback-submitted",
		`{"student_id":"s1","lesson_id":"l1","feedback_id":"f1"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, pub.events, 1)
	assert.Equal(t, shared.EventFeedbackSubmitted, pub.events[0].EventType())
}

func TestHooks_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		pub    shared.EventPublisher
		path   string
		body   string
		status int
	}{
		{"missing lesson", &recordingPublisher{}, "/api/v1/events/lesson-completed", `{"student_id":"s1"}`, http.StatusBadRequest},
		{"missing feedback", &recordingPublisher{}, "/api/v1/events/feedback-submitted", `{"student_id":"s1"}`, http.StatusBadRequest},
		{"bad json", &recordingPublisher{}, "/api/v1/events/lesson-completed", `{`, http.StatusBadRequest},
		{"bus closed", &recordingPublisher{err: errors.New("closed")}, "/api/v1/events/lesson-completed", `{"student_id":"s1","lesson_id":"l1"}`, http.StatusServiceUnavailable},
		{"no publisher", nil, "/api/v1/events/lesson-completed", `{"student_id":"s1","lesson_id":"l1"}`, http.StatusNotImplemented},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, testConfig(), Dependencies{Publisher: tt.pub})
			rec := do(h, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)

			resp, _ := decode(t, rec)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
		})
	}
}

func TestRequestBodyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBodyBytes = 16
	h := newTestServer(t, cfg, Dependencies{Publisher: &recordingPublisher{}})

	rec := do(h, http.MethodPost, "/api/v1/events/lesson-completed",
		`{"student_id":"a-rather-long-student-id","lesson_id":"l1"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

// ══════════════════════════════════════════════════════════════════════════════
// EVALUATION
// ══════════════════════════════════════════════════════════════════════════════

func TestEvaluate(t *testing.T) {
	eval := &stubEvaluator{unlocks: []achievement.Unlock{
		{StudentID: "s1", DefinitionID: "first_steps", DefinitionName: "First Steps", Points: 10},
	}}
	h := newTestServer(t, testConfig(), Dependencies{Evaluator: eval})

	rec := do(h, http.MethodPost, "/api/v1/students/s1/evaluate", "")
	require.Equal(t, http.StatusOK, rec.Code)

	_, data := decode(t, rec)
	assert.Equal(t, "s1", data["student_id"])
	assert.Equal(t, float64(1), data["count"])
	assert.Equal(t, []string{"s1"}, eval.calls)
}

func TestEvaluate_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", shared.WrapError("evaluation", "load", shared.ErrNotFound, "student not found", nil), http.StatusNotFound, "not_found"},
		{"invalid id", shared.WrapError("evaluation", "validate", shared.ErrInvalidID, "empty student id", nil), http.StatusBadRequest, "invalid_request"},
		{"conflict", shared.WrapError("evaluation", "commit", shared.ErrConcurrentModification, "version moved", nil), http.StatusConflict, "conflict"},
		{"transient", memory.Unavailable("db down"), http.StatusServiceUnavailable, "unavailable"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, testConfig(), Dependencies{Evaluator: &stubEvaluator{err: tt.err}})
			rec := do(h, http.MethodPost, "/api/v1/students/s1/evaluate", "")

			assert.Equal(t, tt.status, rec.Code)
			resp, _ := decode(t, rec)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// READ ENDPOINTS
// ══════════════════════════════════════════════════════════════════════════════

func progressDeps() Dependencies {
	store := memory.NewStore()
	store.AddStudent("s1", "")
	store.SeedState(&progress.StudentProgressState{
		StudentID:        "s1",
		OverallLevel:     progress.LevelDevelopingTurns,
		CompletedLessons: 2,
		TotalLessons:     2,
		TotalPoints:      10,
		Version:          1,
	})
	store.SeedUnlocks("s1", achievement.Unlock{StudentID: "s1", DefinitionID: "first_steps", Points: 10})

	catalog := achievement.MustCatalog([]achievement.Definition{{
		ID: "first_steps", DisplayName: "First Steps", Category: achievement.CategoryMilestone, Points: 10,
		Criteria: achievement.Criteria{Type: achievement.CriterionLessonsCompleted, Comparator: achievement.ComparatorEq, Threshold: 1},
	}})

	return Dependencies{
		GetStudentProgressHandler: query.NewGetStudentProgressHandler(store, store, store, nil, nil, nil),
		ListAchievementsHandler:   query.NewListAchievementsHandler(catalog),
	}
}

func TestGetStudentProgressEndpoint(t *testing.T) {
	h := newTestServer(t, testConfig(), progressDeps())

	rec := do(h, http.MethodGet, "/api/v1/students/s1/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)

	_, data := decode(t, rec)
	assert.Equal(t, "developing_turns", data["overall_level"])
	assert.Equal(t, float64(10), data["total_points"])

	rec = do(h, http.MethodGet, "/api/v1/students/ghost/progress", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(h, http.MethodGet, "/api/v1/students/s1/progress?history=-3", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAchievementsEndpoint(t *testing.T) {
	h := newTestServer(t, testConfig(), progressDeps())

	rec := do(h, http.MethodGet, "/api/v1/achievements", "")
	require.Equal(t, http.StatusOK, rec.Code)

	resp, data := decode(t, rec)
	require.NotNil(t, resp.Meta)
	assert.Equal(t, 1, resp.Meta.TotalCount)
	assert.Equal(t, float64(10), data["max_points"])
}

func TestUnconfiguredEndpoints(t *testing.T) {
	h := newTestServer(t, testConfig(), Dependencies{})

	assert.Equal(t, http.StatusNotImplemented, do(h, http.MethodPost, "/api/v1/students/s1/evaluate", "").Code)
	assert.Equal(t, http.StatusNotImplemented, do(h, http.MethodGet, "/api/v1/students/s1/progress", "").Code)
	assert.Equal(t, http.StatusNotImplemented, do(h, http.MethodGet, "/api/v1/achievements", "").Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodGet, "/metrics", "").Code)
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH, METRICS, MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

func TestHealthEndpoints(t *testing.T) {
	degraded := staticHealth{status: handlers.HealthStatus{Healthy: false, Ready: true, Message: "Some checks failed: cache"}}
	h := newTestServer(t, testConfig(), Dependencies{HealthChecker: degraded})

	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/health/ready", "").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/health/live", "").Code)

	down := staticHealth{status: handlers.HealthStatus{Healthy: false, Ready: false, Message: "Some checks failed: storage"}}
	h = newTestServer(t, testConfig(), Dependencies{HealthChecker: down})

	rec := do(h, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	_, data := decode(t, rec)
	assert.Equal(t, "not_ready", data["status"])
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "progress_engine_up 1\n")
	})
	h := newTestServer(t, testConfig(), Dependencies{MetricsHandler: metrics})

	rec := do(h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "progress_engine_up 1")
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPS = 1
	cfg.RateLimitBurst = 2
	h := newTestServer(t, cfg, Dependencies{})

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/health/live", "").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/health/live", "").Code)

	rec := do(h, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRequestIDPropagation(t *testing.T) {
	h := newTestServer(t, testConfig(), Dependencies{})

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	resp, _ := decode(t, rec)
	assert.Equal(t, "req-123", resp.RequestID)
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5123"
	assert.Equal(t, "10.0.0.7", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", getClientIP(req))
}
