// Package jobs contains the background jobs run by the scheduler.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/snowtrack/progress-engine/internal/domain/shared"
	"github.com/snowtrack/progress-engine/internal/infrastructure/messaging"
)

// Outcomes reported per dead-letter entry.
const (
	OutcomeRedelivered = "redelivered"
	OutcomeExpired     = "expired"
	OutcomeSkipped     = "skipped"
)

// DeadLetterQueue is the part of messaging.DeadLetterQueue the job drains.
type DeadLetterQueue interface {
	Pop() (messaging.DeadLetterEntry, bool)
	Add(entry messaging.DeadLetterEntry)
	Size() int
}

// RedeliverDeadLettersConfig configures RedeliverDeadLettersJob.
type RedeliverDeadLettersConfig struct {
	// BatchSize caps the entries handled per run (default: 100).
	BatchSize int

	// MaxAge drops triggers that occurred longer ago than this (default: 24h).
	MaxAge time.Duration

	// Observer receives one outcome per handled entry. Optional.
	Observer func(outcome string)
}

// RedeliverDeadLettersJob puts failed lesson and feedback triggers back on the
// event bus so the student is evaluated again. Evaluation is idempotent, so a
// trigger that was partly processed before failing is safe to replay.
type RedeliverDeadLettersJob struct {
	queue     DeadLetterQueue
	publisher shared.EventPublisher
	config    RedeliverDeadLettersConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewRedeliverDeadLettersJob creates the job.
func NewRedeliverDeadLettersJob(
	queue DeadLetterQueue,
	publisher shared.EventPublisher,
	config RedeliverDeadLettersConfig,
	logger *slog.Logger,
) *RedeliverDeadLettersJob {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.MaxAge <= 0 {
		config.MaxAge = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RedeliverDeadLettersJob{
		queue:     queue,
		publisher: publisher,
		config:    config,
		logger:    logger.With("job", "redeliver_dead_letters"),
		now:       time.Now,
	}
}

// Name implements scheduler.Job.
func (j *RedeliverDeadLettersJob) Name() string {
	return "redeliver_dead_letters"
}

// Description implements scheduler.Job.
func (j *RedeliverDeadLettersJob) Description() string {
	return "Republishes dead-lettered lesson and feedback triggers"
}

// Run drains up to BatchSize entries. Only entries present when the run
// started are handled, so a trigger that fails again waits for the next run.
func (j *RedeliverDeadLettersJob) Run(ctx context.Context) error {
	pending := j.queue.Size()
	if pending > j.config.BatchSize {
		pending = j.config.BatchSize
	}

	var redelivered, expired, skipped int
	for i := 0; i < pending; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		entry, ok := j.queue.Pop()
		if !ok {
			break
		}

		outcome, err := j.handle(entry)
		if err != nil {
			j.queue.Add(entry)
			return fmt.Errorf("redeliver %s for %s: %w", entry.Event.EventType(), entry.Event.AggregateID(), err)
		}
		j.observe(outcome)

		switch outcome {
		case OutcomeRedelivered:
			redelivered++
		case OutcomeExpired:
			expired++
		default:
			skipped++
		}
	}

	if pending > 0 {
		j.logger.Info("dead letters processed",
			"redelivered", redelivered,
			"expired", expired,
			"skipped", skipped,
			"remaining", j.queue.Size(),
		)
	}
	return nil
}

func (j *RedeliverDeadLettersJob) handle(entry messaging.DeadLetterEntry) (string, error) {
	if entry.Event == nil {
		return OutcomeSkipped, nil
	}

	switch entry.Event.EventType() {
	case shared.EventLessonCompleted, shared.EventFeedbackSubmitted:
	default:
		j.logger.Warn("dropping non-trigger dead letter",
			"event_type", entry.Event.EventType(),
			"handler", entry.HandlerName,
		)
		return OutcomeSkipped, nil
	}

	if j.now().Sub(entry.Event.OccurredAt()) > j.config.MaxAge {
		j.logger.Warn("dropping expired trigger",
			"event_type", entry.Event.EventType(),
			"student_id", entry.Event.AggregateID(),
			"occurred_at", entry.Event.OccurredAt(),
			"last_error", entry.Error,
		)
		return OutcomeExpired, nil
	}

	if err := j.publisher.Publish(entry.Event); err != nil {
		return "", err
	}
	return OutcomeRedelivered, nil
}

func (j *RedeliverDeadLettersJob) observe(outcome string) {
	if j.config.Observer != nil {
		j.config.Observer(outcome)
	}
}
