package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowtrack/progress-engine/internal/domain/achievement"
	"github.com/snowtrack/progress-engine/internal/domain/shared"
	"github.com/snowtrack/progress-engine/pkg/circuitbreaker"
)

func TestMetrics_EvaluationFlow(t *testing.T) {
	m := New(nil)

	m.EvaluationFinished("success", 20*time.Millisecond)
	m.EvaluationFinished("success", 30*time.Millisecond)
	m.EvaluationFinished("conflict", time.Millisecond)
	m.UnlocksCommitted([]achievement.Unlock{
		{DefinitionID: "first_steps", Category: achievement.CategoryMilestone, Points: 10},
		{DefinitionID: "on_a_roll", Category: achievement.CategoryStreak, Points: 30},
	})
	m.CommitConflict()
	m.CommitRetry()
	m.CommitRetry()
	m.LockWait(time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EvaluationsTotal.WithLabelValues("conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UnlocksTotal.WithLabelValues("streak")))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.PointsAwardedTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommitConflictsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CommitRetriesTotal))
}

func TestMetrics_Hooks(t *testing.T) {
	m := New(nil)

	def := achievement.Definition{ID: "picture_perfect", Criteria: achievement.Criteria{Type: achievement.CriterionProfilePictureAdded}}
	m.CriterionSkipped(def, errors.New("lookup failed"))
	m.EventHandled(shared.EventLessonCompleted, time.Millisecond, nil)
	m.EventHandled(shared.EventLessonCompleted, time.Millisecond, errors.New("boom"))
	m.BreakerStateChanged("profile-service", circuitbreaker.StateClosed, circuitbreaker.StateOpen)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CriteriaSkippedTotal.WithLabelValues("profile_picture_added")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventHandlersTotal.WithLabelValues("lesson.completed", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventHandlersTotal.WithLabelValues("lesson.completed", "error")))
	assert.Equal(t, float64(circuitbreaker.StateOpen), testutil.ToFloat64(m.BreakerState.WithLabelValues("profile-service")))
}

func TestMetrics_Jobs(t *testing.T) {
	m := New(nil)

	m.JobFinished("redeliver_dead_letters", time.Millisecond, nil)
	m.JobFinished("redeliver_dead_letters", time.Millisecond, errors.New("bus closed"))
	m.DeadLetterHandled("redelivered")
	m.DeadLetterHandled("redelivered")
	m.DeadLetterHandled("expired")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobRunsTotal.WithLabelValues("redeliver_dead_letters", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DeadLettersTotal.WithLabelValues("redelivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeadLettersTotal.WithLabelValues("expired")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New(nil)
	m.CommitConflict()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "progress_engine_commit_conflicts_total 1")
}
