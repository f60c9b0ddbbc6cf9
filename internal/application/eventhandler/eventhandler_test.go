package eventhandler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowtrack/progress-engine/internal/domain/achievement"
	"github.com/snowtrack/progress-engine/internal/domain/shared"
	"github.com/snowtrack/progress-engine/internal/infrastructure/messaging"
	"github.com/snowtrack/progress-engine/pkg/retry"
)

type stubEvaluator struct {
	mu    sync.Mutex
	calls []string
	err   error
	block chan struct{}
}

func (s *stubEvaluator) OnStudentActivity(ctx context.Context, studentID string) ([]achievement.Unlock, error) {
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	s.calls = append(s.calls, studentID)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return []achievement.Unlock{{StudentID: studentID, DefinitionID: "first_steps"}}, nil
}

func (s *stubEvaluator) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type gate map[string]bool

func (g gate) IsEnabledFor(feature, _ string) bool { return g[feature] }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOnStudentActivity_Sync(t *testing.T) {
	eval := &stubEvaluator{}
	h := NewOnStudentActivityHandler(eval, nil, quietLogger(), ActivityConfig{})

	require.NoError(t, h.Handle(shared.NewLessonCompletedEvent("s1", "l1", time.Now())))
	require.NoError(t, h.Handle(shared.NewFeedbackSubmittedEvent("s2", "l2", "f2")))
	require.NoError(t, h.Handle(shared.NewStreakUpdatedEvent("s3", 0, 1)))

	assert.Equal(t, []string{"s1", "s2"}, eval.Calls())
	assert.ElementsMatch(t,
		[]shared.EventType{shared.EventLessonCompleted, shared.EventFeedbackSubmitted},
		h.EventTypes())
}

func TestOnStudentActivity_ErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"input error swallowed", shared.WrapError("evaluation", "Load", shared.ErrNotFound, "student", nil), false},
		{"transient surfaced", shared.WrapError("evaluation", "Commit", shared.ErrServiceUnavailable, "db down", nil), true},
		{"conflict surfaced", shared.ErrConcurrentModification, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewOnStudentActivityHandler(&stubEvaluator{err: tt.err}, nil, quietLogger(), ActivityConfig{})
			err := h.Handle(shared.NewLessonCompletedEvent("s1", "l1", time.Now()))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOnStudentActivity_Async(t *testing.T) {
	eval := &stubEvaluator{block: make(chan struct{}), err: errors.New("ignored in background")}
	h := NewOnStudentActivityHandler(eval, gate{FeatureAsyncEvaluation: true}, quietLogger(), ActivityConfig{Timeout: time.Second})

	require.NoError(t, h.Handle(shared.NewLessonCompletedEvent("s1", "l1", time.Now())))
	assert.Empty(t, eval.Calls())

	close(eval.block)
	h.Wait()
	assert.Equal(t, []string{"s1"}, eval.Calls())
}

func TestOnStudentActivity_AsyncFailureIsDeadLettered(t *testing.T) {
	deadLetters := messaging.NewDeadLetterQueue(10)
	retrier := retry.New(
		retry.WithMaxAttempts(2),
		retry.WithInitialDelay(time.Millisecond),
		retry.WithRetryIf(shared.IsRetryable),
	)
	failures := func(next shared.EventHandler) shared.EventHandler {
		return messaging.Chain(next,
			messaging.DeadLetterMiddleware(deadLetters, "on_student_activity"),
			messaging.RetryMiddleware(retrier),
		)
	}

	eval := &stubEvaluator{err: shared.WrapError("evaluation", "Commit", shared.ErrServiceUnavailable, "down", nil)}
	h := NewOnStudentActivityHandler(eval, gate{FeatureAsyncEvaluation: true}, quietLogger(),
		ActivityConfig{Timeout: time.Second, Background: failures})

	require.NoError(t, h.Handle(shared.NewLessonCompletedEvent("s1", "l1", time.Now())))
	h.Wait()

	assert.Equal(t, []string{"s1", "s1"}, eval.Calls())
	require.Equal(t, 1, deadLetters.Size())
	entry, ok := deadLetters.Pop()
	require.True(t, ok)
	assert.Equal(t, shared.EventLessonCompleted, entry.Event.EventType())
	assert.Equal(t, "on_student_activity", entry.HandlerName)
}

func TestOnStudentActivity_AsyncInputErrorNotDeadLettered(t *testing.T) {
	deadLetters := messaging.NewDeadLetterQueue(10)
	failures := func(next shared.EventHandler) shared.EventHandler {
		return messaging.DeadLetterMiddleware(deadLetters, "on_student_activity")(next)
	}

	eval := &stubEvaluator{err: shared.WrapError("evaluation", "Load", shared.ErrNotFound, "student", nil)}
	h := NewOnStudentActivityHandler(eval, gate{FeatureAsyncEvaluation: true}, quietLogger(),
		ActivityConfig{Background: failures})

	require.NoError(t, h.Handle(shared.NewFeedbackSubmittedEvent("s1", "l1", "f1")))
	h.Wait()

	assert.Len(t, eval.Calls(), 1)
	assert.Zero(t, deadLetters.Size())
}

func TestOnStudentActivity_MissingStudent(t *testing.T) {
	eval := &stubEvaluator{}
	h := NewOnStudentActivityHandler(eval, nil, quietLogger(), ActivityConfig{})

	require.NoError(t, h.Handle(shared.NewLessonCompletedEvent("", "l1", time.Now())))
	assert.Empty(t, eval.Calls())
}

type stubInvalidator struct {
	ids []string
	err error
}

func (s *stubInvalidator) Invalidate(_ context.Context, studentID string) error {
	s.ids = append(s.ids, studentID)
	return s.err
}

func TestOnProgressRecomputed(t *testing.T) {
	cache := &stubInvalidator{}
	h := NewOnProgressRecomputedHandler(cache, quietLogger())

	require.NoError(t, h.Handle(shared.NewProgressRecomputedEvent("s1", "first_time", 1, 1, 10, 1)))
	require.NoError(t, h.Handle(shared.NewLevelUpEvent("s1", "first_time", "developing_turns")))
	assert.Equal(t, []string{"s1"}, cache.ids)

	cache.err = errors.New("redis down")
	assert.NoError(t, h.Handle(shared.NewProgressRecomputedEvent("s2", "first_time", 1, 1, 10, 1)))

	assert.NoError(t, NewOnProgressRecomputedHandler(nil, nil).Handle(shared.NewProgressRecomputedEvent("s3", "first_time", 0, 0, 0, 1)))
}
