package jobs

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

	"github.com/snowtrack/progress-engine/internal/domain/shared"
	"github.com/snowtrack/progress-engine/internal/infrastructure/messaging"
	"github.com/snowtrack/progress-engine/internal/infrastructure/scheduler"
)

var _ scheduler.Job = (*RedeliverDeadLettersJob)(nil)

type capturePublisher struct {
	mu     sync.Mutex
	events []shared.Event
	err    error
}

func (p *capturePublisher) Publish(event shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func deadLetter(event shared.Event) messaging.DeadLetterEntry {
	return messaging.DeadLetterEntry{
		Event:       event,
		HandlerName: "activity",
		Error:       errors.New("storage unavailable"),
		FailedAt:    time.Now().UTC(),
	}
}

func TestRedeliverDeadLetters_RepublishesTriggers(t *testing.T) {
	queue := messaging.NewDeadLetterQueue(10)
	queue.Add(deadLetter(shared.NewLessonCompletedEvent("s1", "l1", time.Now())))
	queue.Add(deadLetter(shared.NewFeedbackSubmittedEvent("s2", "l2", "f1")))
	queue.Add(deadLetter(shared.NewLevelUpEvent("s3", "beginner", "intermediate")))

	var outcomes []string
	pub := &capturePublisher{}
	job := NewRedeliverDeadLettersJob(queue, pub, RedeliverDeadLettersConfig{
		Observer: func(o string) { outcomes = append(outcomes, o) },
	}, quietLogger())

	require.NoError(t, job.Run(context.Background()))

	require.Len(t, pub.events, 2)
	assert.Equal(t, shared.EventLessonCompleted, pub.events[0].EventType())
	assert.Equal(t, "s2", pub.events[1].AggregateID())
	assert.Equal(t, []string{OutcomeRedelivered, OutcomeRedelivered, OutcomeSkipped}, outcomes)
	assert.Zero(t, queue.Size())
}

func TestRedeliverDeadLetters_DropsExpired(t *testing.T) {
	queue := messaging.NewDeadLetterQueue(10)
	queue.Add(deadLetter(shared.NewLessonCompletedEvent("s1", "l1", time.Now())))

	pub := &capturePublisher{}
	job := NewRedeliverDeadLettersJob(queue, pub, RedeliverDeadLettersConfig{MaxAge: time.Hour}, quietLogger())
	job.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	require.NoError(t, job.Run(context.Background()))
	assert.Empty(t, pub.events)
	assert.Zero(t, queue.Size())
}

func TestRedeliverDeadLetters_BatchSize(t *testing.T) {
	queue := messaging.NewDeadLetterQueue(10)
	for i := 0; i < 5; i++ {
		queue.Add(deadLetter(shared.NewLessonCompletedEvent("s1", "l1", time.Now())))
	}

	pub := &capturePublisher{}
	job := NewRedeliverDeadLettersJob(queue, pub, RedeliverDeadLettersConfig{BatchSize: 2}, quietLogger())

	require.NoError(t, job.Run(context.Background()))
	assert.Len(t, pub.events, 2)
	assert.Equal(t, 3, queue.Size())
}

func TestRedeliverDeadLetters_PublishFailureKeepsEntry(t *testing.T) {
	queue := messaging.NewDeadLetterQueue(10)
	queue.Add(deadLetter(shared.NewLessonCompletedEvent("s1", "l1", time.Now())))

	pub := &capturePublisher{err: errors.New("bus closed")}
	job := NewRedeliverDeadLettersJob(queue, pub, RedeliverDeadLettersConfig{}, quietLogger())

	err := job.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus closed")
	assert.Equal(t, 1, queue.Size())
}

func TestRedeliverDeadLetters_CancelledContext(t *testing.T) {
	queue := messaging.NewDeadLetterQueue(10)
	queue.Add(deadLetter(shared.NewLessonCompletedEvent("s1", "l1", time.Now())))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	job := NewRedeliverDeadLettersJob(queue, &capturePublisher{}, RedeliverDeadLettersConfig{}, quietLogger())
	assert.ErrorIs(t, job.Run(ctx), context.Canceled)
	assert.Equal(t, 1, queue.Size())
}
