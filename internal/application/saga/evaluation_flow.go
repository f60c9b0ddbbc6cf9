// Package saga orchestrates multi-step workflows of the progress engine.
//
// EvaluationFlow is the single entry point invoked after a lesson completion
// or a feedback submission: it reloads the student's aggregate, recomputes
// progress and streaks, evaluates the achievement catalog and commits the
// result atomically.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/snowtrack/progress-engine/internal/domain/achievement"
	"github.com/snowtrack/progress-engine/internal/domain/evaluation"
	"github.com/snowtrack/progress-engine/internal/domain/progress"
	"github.com/snowtrack/progress-engine/internal/domain/shared"
	"github.com/snowtrack/progress-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// STAGES
// ══════════════════════════════════════════════════════════════════════════════

// EvaluationStage is a state of the evaluation state machine.
type EvaluationStage string

const (
	StageIdle        EvaluationStage = "idle"
	StageAggregating EvaluationStage = "aggregating"
	StageEvaluating  EvaluationStage = "evaluating"
	StageCommitting  EvaluationStage = "committing"
	StageFailed      EvaluationStage = "failed"
)

// allowedTransitions lists legal stage moves. Committing may go back to
// Aggregating when the commit is replayed from a fresh read.
var allowedTransitions = map[EvaluationStage][]EvaluationStage{
	StageIdle:        {StageAggregating},
	StageAggregating: {StageEvaluating, StageAggregating},
	StageEvaluating:  {StageCommitting},
	StageCommitting:  {StageIdle, StageAggregating},
}

// EvaluationState tracks one run of the evaluation flow.
type EvaluationState struct {
	StudentID     string
	RunID         string
	Stage         EvaluationStage
	Attempt       int
	Aggregate     *evaluation.Aggregate
	Lessons       []progress.CompletedLessonFact
	Feedback      []progress.FeedbackRecord
	Recomputation *progress.Recomputation
	Unlocks       []achievement.Unlock
	StartedAt     time.Time
	CompletedAt   *time.Time
	Error         error
	FailedStage   EvaluationStage
	Trace         []EvaluationStage
}

func (s *EvaluationState) transition(to EvaluationStage) error {
	if to == StageFailed {
		s.FailedStage = s.Stage
		s.Stage = StageFailed
		s.Trace = append(s.Trace, to)
		return nil
	}
	for _, allowed := range allowedTransitions[s.Stage] {
		if allowed == to {
			s.Stage = to
			s.Trace = append(s.Trace, to)
			return nil
		}
	}
	return shared.NewDomainError("evaluation", "Transition", shared.ErrStateTransition,
		fmt.Sprintf("%s -> %s", s.Stage, to))
}

// ══════════════════════════════════════════════════════════════════════════════
// METRICS
// ══════════════════════════════════════════════════════════════════════════════

// FlowMetrics receives evaluation telemetry.
type FlowMetrics interface {
	EvaluationFinished(outcome string, duration time.Duration)
	UnlocksCommitted(unlocks []achievement.Unlock)
	CommitConflict()
	CommitRetry()
	LockWait(d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) EvaluationFinished(string, time.Duration) {}
func (noopMetrics) UnlocksCommitted([]achievement.Unlock)    {}
func (noopMetrics) CommitConflict()                          {}
func (noopMetrics) CommitRetry()                             {}
func (noopMetrics) LockWait(time.Duration)                   {}

// Evaluation outcomes reported to FlowMetrics.
const (
	OutcomeSuccess   = "success"
	OutcomeRejected  = "rejected"
	OutcomeConflict  = "conflict"
	OutcomeTransient = "transient"
	OutcomeError     = "error"
)

// FeatureGate answers per-student rollout questions.
type FeatureGate interface {
	IsEnabledFor(feature, studentID string) bool
}

// FeatureAchievementUnlocks gates catalog evaluation. When disabled for a
// student the flow still recomputes progress but awards nothing.
const FeatureAchievementUnlocks = "achievement_unlocks"

// ══════════════════════════════════════════════════════════════════════════════
// EVALUATION FLOW
// ══════════════════════════════════════════════════════════════════════════════

// EvaluationFlowConfig contains configuration for the evaluation flow.
type EvaluationFlowConfig struct {
	// EvaluationTimeout bounds a whole run including lock wait and retries.
	EvaluationTimeout time.Duration

	// LockWaitTimeout bounds waiting for the per-student lock.
	LockWaitTimeout time.Duration

	// CommitMaxAttempts bounds whole-transaction replays on transient failures.
	CommitMaxAttempts int

	// ConflictRetries is how many times a conflicting commit is recomputed
	// from a fresh read before the conflict is surfaced.
	ConflictRetries int

	// Location is the timezone used to turn lesson instants into calendar days.
	Location *time.Location
}

// DefaultEvaluationFlowConfig returns default configuration.
func DefaultEvaluationFlowConfig() EvaluationFlowConfig {
	return EvaluationFlowConfig{
		EvaluationTimeout: 10 * time.Second,
		LockWaitTimeout:   3 * time.Second,
		CommitMaxAttempts: 3,
		ConflictRetries:   1,
		Location:          time.UTC,
	}
}

// EvaluationFlow orchestrates one evaluation per call and serializes calls
// per student.
type EvaluationFlow struct {
	store      evaluation.Store
	lessons    progress.LessonSource
	feedback   progress.FeedbackSource
	students   progress.StudentDirectory
	catalog    *achievement.Catalog
	aggregator *progress.Aggregator
	engine     *achievement.Engine
	locker     Locker
	publisher  shared.EventPublisher
	gate       FeatureGate
	metrics    FlowMetrics
	logger     *slog.Logger
	retrier    *retry.Retrier
	config     EvaluationFlowConfig
}

// OnStudentActivity re-evaluates a student after their activity changed and
// returns the achievements unlocked by this run (empty when none).
//
// The call must only be made once the triggering lesson or feedback write is
// durable. Input errors are returned without touching stored state; storage
// conflicts and outages surface as a retryable *EvaluationError.
func (f *EvaluationFlow) OnStudentActivity(ctx context.Context, studentID string) ([]achievement.Unlock, error) {
	state := &EvaluationState{
		StudentID: studentID,
		RunID:     uuid.NewString(),
		Stage:     StageIdle,
		StartedAt: time.Now().UTC(),
	}
	log := f.logger.With(slog.String("student_id", studentID), slog.String("run_id", state.RunID))

	if studentID == "" {
		return nil, f.fail(state, progress.ErrInvalidStudentID, log)
	}
	if err := ctx.Err(); err != nil {
		return nil, f.fail(state, err, log)
	}

	ctx, cancel := context.WithTimeout(ctx, f.config.EvaluationTimeout)
	defer cancel()

	lockStarted := time.Now()
	lockCtx, cancelLock := context.WithTimeout(ctx, f.config.LockWaitTimeout)
	release, err := f.locker.Lock(lockCtx, studentID)
	cancelLock()
	f.metrics.LockWait(time.Since(lockStarted))
	if err != nil {
		return nil, f.fail(state, err, log)
	}
	defer release()

	for conflicts := 0; ; conflicts++ {
		err = f.retrier.Do(ctx, func(ctx context.Context) error {
			state.Attempt++
			return f.attempt(ctx, state)
		})
		if err == nil {
			break
		}
		if shared.IsConflict(err) && conflicts < f.config.ConflictRetries {
			f.metrics.CommitConflict()
			log.Warn("commit conflict, recomputing from fresh state",
				slog.Int("attempt", state.Attempt),
				slog.String("error", err.Error()),
			)
			continue
		}
		return nil, f.fail(state, err, log)
	}

	if err := state.transition(StageIdle); err != nil {
		return nil, f.fail(state, err, log)
	}
	now := time.Now().UTC()
	state.CompletedAt = &now

	f.publishEvents(state, log)
	f.metrics.UnlocksCommitted(state.Unlocks)
	f.metrics.EvaluationFinished(OutcomeSuccess, now.Sub(state.StartedAt))

	log.Info("evaluation completed",
		slog.Int("unlocks", len(state.Unlocks)),
		slog.Int("attempts", state.Attempt),
		slog.String("overall_level", state.Recomputation.State.OverallLevel.String()),
		slog.Duration("duration", now.Sub(state.StartedAt)),
	)

	if state.Unlocks == nil {
		return []achievement.Unlock{}, nil
	}
	return state.Unlocks, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// FLOW STEPS
// ══════════════════════════════════════════════════════════════════════════════

// attempt runs Aggregating -> Evaluating -> Committing once.
func (f *EvaluationFlow) attempt(ctx context.Context, state *EvaluationState) error {
	if err := state.transition(StageAggregating); err != nil {
		return retry.Permanent(err)
	}
	if err := f.stepLoad(ctx, state); err != nil {
		return err
	}
	if err := f.stepAggregate(state); err != nil {
		return err
	}

	if err := state.transition(StageEvaluating); err != nil {
		return retry.Permanent(err)
	}
	f.stepEvaluate(ctx, state)

	if err := state.transition(StageCommitting); err != nil {
		return retry.Permanent(err)
	}
	return f.stepCommit(ctx, state)
}

// stepLoad reads the aggregate and the collaborator facts in parallel.
func (f *EvaluationFlow) stepLoad(ctx context.Context, state *EvaluationState) error {
	var (
		exists    bool
		aggregate *evaluation.Aggregate
		lessons   []progress.CompletedLessonFact
		feedback  []progress.FeedbackRecord
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		exists, err = f.students.StudentExists(gctx, state.StudentID)
		return err
	})
	g.Go(func() (err error) {
		aggregate, err = f.store.LoadAggregate(gctx, state.StudentID)
		return err
	})
	g.Go(func() (err error) {
		lessons, err = f.lessons.CompletedLessons(gctx, state.StudentID)
		return err
	})
	g.Go(func() (err error) {
		feedback, err = f.feedback.FeedbackRecords(gctx, state.StudentID)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if !exists {
		return progress.ErrStudentNotFound.Wrap(fmt.Errorf("student %q", state.StudentID))
	}
	if err := progress.ValidateFeedback(state.StudentID, feedback); err != nil {
		return err
	}
	if aggregate == nil {
		aggregate = &evaluation.Aggregate{}
	}

	state.Aggregate = aggregate
	state.Lessons = lessons
	state.Feedback = feedback
	return nil
}

// stepAggregate recomputes the snapshot and folds in the streak.
func (f *EvaluationFlow) stepAggregate(state *EvaluationState) error {
	rec, err := f.aggregator.Recompute(state.StudentID, state.Aggregate.State, state.Lessons, state.Feedback)
	if err != nil {
		return err
	}
	rec.State.StreakDays = progress.ComputeStreak(progress.CompletionDays(state.Lessons, f.config.Location))
	state.Recomputation = rec
	return nil
}

// stepEvaluate diffs the catalog against the unlocked set.
func (f *EvaluationFlow) stepEvaluate(ctx context.Context, state *EvaluationState) {
	state.Unlocks = nil
	if f.gate != nil && !f.gate.IsEnabledFor(FeatureAchievementUnlocks, state.StudentID) {
		return
	}

	unlocked := achievement.NewUnlockedSet(state.Aggregate.Unlocks)
	state.Unlocks = f.engine.Evaluate(ctx, state.Recomputation.State, state.Feedback, unlocked, f.catalog)
	state.Recomputation.State.TotalPoints = state.Recomputation.Previous.TotalPoints + achievement.TotalPoints(state.Unlocks)
}

// stepCommit writes state, history and unlocks in one transaction.
func (f *EvaluationFlow) stepCommit(ctx context.Context, state *EvaluationState) error {
	rec := state.Recomputation
	expected := state.Aggregate.Version()

	err := f.store.Commit(ctx, evaluation.CommitRequest{
		StudentID:       state.StudentID,
		ExpectedVersion: expected,
		State:           rec.State,
		History:         rec.History,
		Unlocks:         state.Unlocks,
	})
	if err != nil {
		return err
	}
	rec.State.Version = expected + 1
	return nil
}

// publishEvents announces the committed result. Failures are logged only.
func (f *EvaluationFlow) publishEvents(state *EvaluationState, log *slog.Logger) {
	if f.publisher == nil {
		return
	}
	rec := state.Recomputation
	next, prev := rec.State, rec.Previous

	events := make([]shared.Event, 0, len(state.Unlocks)+3)

	recomputed := shared.NewProgressRecomputedEvent(state.StudentID, next.OverallLevel.String(),
		next.CompletedLessons, next.StreakDays, next.TotalPoints, next.Version)
	recomputed.BaseEvent = recomputed.WithCorrelationID(state.RunID)
	events = append(events, recomputed)

	if next.OverallLevel > prev.OverallLevel {
		levelUp := shared.NewLevelUpEvent(state.StudentID, prev.OverallLevel.String(), next.OverallLevel.String())
		levelUp.BaseEvent = levelUp.WithCorrelationID(state.RunID)
		events = append(events, levelUp)
	}
	if next.StreakDays != prev.StreakDays {
		streak := shared.NewStreakUpdatedEvent(state.StudentID, prev.StreakDays, next.StreakDays)
		streak.BaseEvent = streak.WithCorrelationID(state.RunID)
		events = append(events, streak)
	}
	for _, u := range state.Unlocks {
		unlocked := shared.NewAchievementUnlockedEvent(state.StudentID, u.DefinitionID, u.DefinitionName, string(u.Category), u.Points)
		unlocked.BaseEvent = unlocked.WithCorrelationID(state.RunID)
		events = append(events, unlocked)
	}

	for _, e := range events {
		if err := f.publisher.Publish(e); err != nil {
			log.Warn("failed to publish event",
				slog.String("event_type", string(e.EventType())),
				slog.String("error", err.Error()),
			)
		}
	}
}

// fail records the failure, reports it and wraps it with flow context.
func (f *EvaluationFlow) fail(state *EvaluationState, err error, log *slog.Logger) error {
	_ = state.transition(StageFailed)
	state.Error = err

	flowErr := &EvaluationError{
		Stage:     state.FailedStage,
		StudentID: state.StudentID,
		Attempt:   state.Attempt,
		Cause:     err,
	}

	outcome := OutcomeError
	switch {
	case shared.IsInputError(err):
		outcome = OutcomeRejected
	case shared.IsConflict(err):
		outcome = OutcomeConflict
	case flowErr.Retryable():
		outcome = OutcomeTransient
	}
	f.metrics.EvaluationFinished(outcome, time.Since(state.StartedAt))

	level := slog.LevelError
	if outcome == OutcomeRejected {
		level = slog.LevelWarn
	}
	log.Log(context.Background(), level, "evaluation failed",
		slog.String("stage", string(flowErr.Stage)),
		slog.String("outcome", outcome),
		slog.Int("attempts", state.Attempt),
		slog.String("error", err.Error()),
	)
	return flowErr
}

func isTransient(err error) bool {
	if shared.IsInputError(err) || shared.IsConflict(err) {
		return false
	}
	return shared.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

// EvaluationError represents a failed evaluation run.
type EvaluationError struct {
	Stage     EvaluationStage
	StudentID string
	Attempt   int
	Cause     error
}

// Error implements the error interface.
func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation of student %q failed at stage %q: %v", e.StudentID, e.Stage, e.Cause)
}

// Unwrap returns the underlying error.
func (e *EvaluationError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether re-invoking OnStudentActivity later may succeed.
func (e *EvaluationError) Retryable() bool {
	return !shared.IsInputError(e.Cause) && (shared.IsRetryable(e.Cause) || errors.Is(e.Cause, context.DeadlineExceeded))
}

// IsRetryableEvaluation reports whether err is a retryable evaluation failure.
func IsRetryableEvaluation(err error) bool {
	var flowErr *EvaluationError
	return errors.As(err, &flowErr) && flowErr.Retryable()
}

// ══════════════════════════════════════════════════════════════════════════════
// EVALUATION FLOW BUILDER (Fluent API)
// ══════════════════════════════════════════════════════════════════════════════

// EvaluationFlowBuilder provides a fluent API for building EvaluationFlow.
type EvaluationFlowBuilder struct {
	store      evaluation.Store
	lessons    progress.LessonSource
	feedback   progress.FeedbackSource
	students   progress.StudentDirectory
	catalog    *achievement.Catalog
	aggregator *progress.Aggregator
	engine     *achievement.Engine
	locker     Locker
	publisher  shared.EventPublisher
	gate       FeatureGate
	metrics    FlowMetrics
	logger     *slog.Logger
	config     EvaluationFlowConfig
}

// NewEvaluationFlowBuilder creates a new builder.
func NewEvaluationFlowBuilder() *EvaluationFlowBuilder {
	return &EvaluationFlowBuilder{config: DefaultEvaluationFlowConfig()}
}

// WithStore sets the aggregate store.
func (b *EvaluationFlowBuilder) WithStore(store evaluation.Store) *EvaluationFlowBuilder {
	b.store = store
	return b
}

// WithLessonSource sets the completed lessons source.
func (b *EvaluationFlowBuilder) WithLessonSource(src progress.LessonSource) *EvaluationFlowBuilder {
	b.lessons = src
	return b
}

// WithFeedbackSource sets the feedback source.
func (b *EvaluationFlowBuilder) WithFeedbackSource(src progress.FeedbackSource) *EvaluationFlowBuilder {
	b.feedback = src
	return b
}

// WithStudentDirectory sets the student existence check.
func (b *EvaluationFlowBuilder) WithStudentDirectory(dir progress.StudentDirectory) *EvaluationFlowBuilder {
	b.students = dir
	return b
}

// WithCatalog sets the achievement catalog.
func (b *EvaluationFlowBuilder) WithCatalog(catalog *achievement.Catalog) *EvaluationFlowBuilder {
	b.catalog = catalog
	return b
}

// WithAggregator overrides the default progress aggregator.
func (b *EvaluationFlowBuilder) WithAggregator(agg *progress.Aggregator) *EvaluationFlowBuilder {
	b.aggregator = agg
	return b
}

// WithEngine overrides the default rule engine.
func (b *EvaluationFlowBuilder) WithEngine(engine *achievement.Engine) *EvaluationFlowBuilder {
	b.engine = engine
	return b
}

// WithLocker overrides the default in-process keyed mutex.
func (b *EvaluationFlowBuilder) WithLocker(locker Locker) *EvaluationFlowBuilder {
	b.locker = locker
	return b
}

// WithEventBus sets the event publisher.
func (b *EvaluationFlowBuilder) WithEventBus(bus shared.EventPublisher) *EvaluationFlowBuilder {
	b.publisher = bus
	return b
}

// WithFeatureGate sets the rollout gate.
func (b *EvaluationFlowBuilder) WithFeatureGate(gate FeatureGate) *EvaluationFlowBuilder {
	b.gate = gate
	return b
}

// WithMetrics sets the metrics sink.
func (b *EvaluationFlowBuilder) WithMetrics(m FlowMetrics) *EvaluationFlowBuilder {
	b.metrics = m
	return b
}

// WithLogger sets the logger.
func (b *EvaluationFlowBuilder) WithLogger(logger *slog.Logger) *EvaluationFlowBuilder {
	b.logger = logger
	return b
}

// WithConfig sets the configuration.
func (b *EvaluationFlowBuilder) WithConfig(config EvaluationFlowConfig) *EvaluationFlowBuilder {
	b.config = config
	return b
}

// Build creates the EvaluationFlow instance.
func (b *EvaluationFlowBuilder) Build() (*EvaluationFlow, error) {
	if b.store == nil {
		return nil, errors.New("progress store is required")
	}
	if b.lessons == nil {
		return nil, errors.New("lesson source is required")
	}
	if b.feedback == nil {
		return nil, errors.New("feedback source is required")
	}
	if b.students == nil {
		return nil, errors.New("student directory is required")
	}
	if b.catalog == nil {
		return nil, errors.New("achievement catalog is required")
	}

	config := b.config
	defaults := DefaultEvaluationFlowConfig()
	if config.EvaluationTimeout <= 0 {
		config.EvaluationTimeout = defaults.EvaluationTimeout
	}
	if config.LockWaitTimeout <= 0 || config.LockWaitTimeout > config.EvaluationTimeout {
		config.LockWaitTimeout = min(defaults.LockWaitTimeout, config.EvaluationTimeout)
	}
	if config.CommitMaxAttempts <= 0 {
		config.CommitMaxAttempts = defaults.CommitMaxAttempts
	}
	if config.ConflictRetries < 0 {
		config.ConflictRetries = 0
	}
	if config.Location == nil {
		config.Location = time.UTC
	}

	flow := &EvaluationFlow{
		store:      b.store,
		lessons:    b.lessons,
		feedback:   b.feedback,
		students:   b.students,
		catalog:    b.catalog,
		aggregator: b.aggregator,
		engine:     b.engine,
		locker:     b.locker,
		publisher:  b.publisher,
		gate:       b.gate,
		metrics:    b.metrics,
		logger:     b.logger,
		config:     config,
	}
	if flow.logger == nil {
		flow.logger = slog.Default()
	}
	if flow.aggregator == nil {
		flow.aggregator = progress.NewAggregator()
	}
	if flow.engine == nil {
		flow.engine = achievement.NewEngine(achievement.WithLogger(flow.logger))
	}
	if flow.locker == nil {
		flow.locker = NewKeyedMutex()
	}
	if flow.metrics == nil {
		flow.metrics = noopMetrics{}
	}

	flow.retrier = retry.TransactionRetrier(config.CommitMaxAttempts,
		retry.WithRetryIf(isTransient),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			flow.metrics.CommitRetry()
			flow.logger.Warn("transient storage failure, retrying evaluation",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
		}),
	)
	return flow, nil
}
