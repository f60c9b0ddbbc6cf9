package messaging

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowtrack/progress-engine/internal/domain/shared"
	"github.com/snowtrack/progress-engine/pkg/retry"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func lessonEvent(studentID string) shared.Event {
	return shared.NewLessonCompletedEvent(studentID, "l1", time.Now())
}

func TestInMemoryEventBus_SyncDelivery(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{Logger: quietLogger()})
	defer bus.Close()

	var typed, all []string
	require.NoError(t, bus.Subscribe(shared.EventLessonCompleted, func(e shared.Event) error {
		typed = append(typed, e.AggregateID())
		return nil
	}))
	require.NoError(t, bus.SubscribeAll(func(e shared.Event) error {
		all = append(all, string(e.EventType()))
		return nil
	}))

	require.NoError(t, bus.Publish(lessonEvent("s1")))
	require.NoError(t, bus.Publish(shared.NewStreakUpdatedEvent("s1", 0, 1)))

	assert.Equal(t, []string{"s1"}, typed)
	assert.Equal(t, []string{"lesson.completed", "progress.streak_updated"}, all)

	stats := bus.Stats()
	assert.Equal(t, int64(1), stats.Published[shared.EventLessonCompleted])
	assert.Equal(t, int64(3), stats.Succeeded)
}

func TestInMemoryEventBus_AsyncWait(t *testing.T) {
	var mu sync.Mutex
	var observed []error

	bus := NewInMemoryEventBus(InMemoryEventBusConfig{
		AsyncMode:      true,
		WorkerPoolSize: 2,
		Logger:         quietLogger(),
		Observer: func(_ shared.EventType, _ time.Duration, err error) {
			mu.Lock()
			observed = append(observed, err)
			mu.Unlock()
		},
	})

	var handled atomic.Int32
	require.NoError(t, bus.Subscribe(shared.EventLessonCompleted, func(shared.Event) error {
		handled.Add(1)
		return nil
	}))
	require.NoError(t, bus.Subscribe(shared.EventLessonCompleted, func(shared.Event) error {
		return errors.New("boom")
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(lessonEvent("s1")))
	}
	bus.Wait()

	assert.Equal(t, int32(5), handled.Load())
	assert.Len(t, observed, 10)
	assert.Equal(t, int64(5), bus.Stats().Failed)

	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(lessonEvent("s1")), ErrEventBusClosed)
	assert.ErrorIs(t, bus.Subscribe(shared.EventLessonCompleted, func(shared.Event) error { return nil }), ErrEventBusClosed)
}

func TestInMemoryEventBus_RejectsNil(t *testing.T) {
	bus := NewInMemoryEventBus(DefaultInMemoryEventBusConfig())
	defer bus.Close()

	assert.Error(t, bus.Subscribe(shared.EventLessonCompleted, nil))
	assert.Error(t, bus.SubscribeAll(nil))
	assert.Error(t, bus.Publish(nil))
}

func TestMiddleware_RecoveryAndDeadLetter(t *testing.T) {
	queue := NewDeadLetterQueue(2)
	logger := quietLogger()

	handler := Chain(
		func(shared.Event) error { panic("kaboom") },
		DeadLetterMiddleware(queue, "panicky"),
		LoggingMiddleware(logger, "panicky"),
		RecoveryMiddleware(logger),
	)

	err := handler(lessonEvent("s1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandlerPanic)

	require.Equal(t, 1, queue.Size())
	entry, ok := queue.Pop()
	require.True(t, ok)
	assert.Equal(t, "panicky", entry.HandlerName)
	assert.Equal(t, "s1", entry.Event.AggregateID())

	_, ok = queue.Pop()
	assert.False(t, ok)
}

func TestMiddleware_Retry(t *testing.T) {
	calls := 0
	handler := Chain(func(shared.Event) error {
		calls++
		if calls < 3 {
			return retry.Retryable(errors.New("flaky"))
		}
		return nil
	}, RetryMiddleware(retry.New(retry.WithMaxAttempts(3), retry.WithInitialDelay(time.Millisecond))))

	require.NoError(t, handler(lessonEvent("s1")))
	assert.Equal(t, 3, calls)
}

func TestDeadLetterQueue_DropsOldest(t *testing.T) {
	queue := NewDeadLetterQueue(2)
	for _, id := range []string{"a", "b", "c"} {
		queue.Add(DeadLetterEntry{Event: lessonEvent(id)})
	}

	entries := queue.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].Event.AggregateID())
	assert.Equal(t, "c", entries[1].Event.AggregateID())
}
