package shared

import (
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types.
// Trigger events come from collaborators (lesson and feedback workflows),
// the rest are emitted by the engine after a successful commit.
const (
	// Trigger events
	EventLessonCompleted   EventType = "lesson.completed"
	EventFeedbackSubmitted EventType = "feedback.submitted"

	// Progress events
	EventProgressRecomputed EventType = "progress.recomputed"
	EventLevelUp            EventType = "progress.level_up"
	EventStreakUpdated      EventType = "progress.streak_updated"

	// Achievement events
	EventAchievementUnlocked EventType = "achievement.unlocked"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	// For every event of the engine this is the student ID.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type          EventType `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	AggregateId   string    `json:"aggregate_id"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// WithCorrelationID sets the correlation ID for tracing.
func (e BaseEvent) WithCorrelationID(id string) BaseEvent {
	e.CorrelationID = id
	return e
}

// ═══════════════════════════════════════════════════════════════════════════
// Trigger Events
// ═══════════════════════════════════════════════════════════════════════════

// LessonCompletedEvent is published by the lesson workflow once a lesson
// has been durably marked as completed.
type LessonCompletedEvent struct {
	BaseEvent
	LessonID    string    `json:"lesson_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// Payload implements Event interface.
func (e LessonCompletedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"lesson_id":    e.LessonID,
		"completed_at": e.CompletedAt,
	}
}

// NewLessonCompletedEvent creates a new LessonCompletedEvent.
func NewLessonCompletedEvent(studentID, lessonID string, completedAt time.Time) LessonCompletedEvent {
	return LessonCompletedEvent{
		BaseEvent:   NewBaseEvent(EventLessonCompleted, studentID),
		LessonID:    lessonID,
		CompletedAt: completedAt,
	}
}

// FeedbackSubmittedEvent is published by the feedback workflow once an
// instructor feedback record has been stored.
type FeedbackSubmittedEvent struct {
	BaseEvent
	LessonID   string `json:"lesson_id"`
	FeedbackID string `json:"feedback_id"`
}

// Payload implements Event interface.
func (e FeedbackSubmittedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"lesson_id":   e.LessonID,
		"feedback_id": e.FeedbackID,
	}
}

// NewFeedbackSubmittedEvent creates a new FeedbackSubmittedEvent.
func NewFeedbackSubmittedEvent(studentID, lessonID, feedbackID string) FeedbackSubmittedEvent {
	return FeedbackSubmittedEvent{
		BaseEvent:  NewBaseEvent(EventFeedbackSubmitted, studentID),
		LessonID:   lessonID,
		FeedbackID: feedbackID,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Progress Events
// ═══════════════════════════════════════════════════════════════════════════

// ProgressRecomputedEvent is emitted after every committed evaluation.
type ProgressRecomputedEvent struct {
	BaseEvent
	OverallLevel     string `json:"overall_level"`
	CompletedLessons int    `json:"completed_lessons"`
	StreakDays       int    `json:"streak_days"`
	TotalPoints      int    `json:"total_points"`
	StateVersion     int64  `json:"state_version"`
}

// Payload implements Event interface.
func (e ProgressRecomputedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"overall_level":     e.OverallLevel,
		"completed_lessons": e.CompletedLessons,
		"streak_days":       e.StreakDays,
		"total_points":      e.TotalPoints,
		"state_version":     e.StateVersion,
	}
}

// NewProgressRecomputedEvent creates a new ProgressRecomputedEvent.
func NewProgressRecomputedEvent(studentID, overallLevel string, completedLessons, streakDays, totalPoints int, version int64) ProgressRecomputedEvent {
	return ProgressRecomputedEvent{
		BaseEvent:        NewBaseEvent(EventProgressRecomputed, studentID),
		OverallLevel:     overallLevel,
		CompletedLessons: completedLessons,
		StreakDays:       streakDays,
		TotalPoints:      totalPoints,
		StateVersion:     version,
	}
}

// LevelUpEvent is emitted when the overall level rises.
type LevelUpEvent struct {
	BaseEvent
	OldLevel string `json:"old_level"`
	NewLevel string `json:"new_level"`
}

// Payload implements Event interface.
func (e LevelUpEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"old_level": e.OldLevel,
		"new_level": e.NewLevel,
	}
}

// NewLevelUpEvent creates a new LevelUpEvent.
func NewLevelUpEvent(studentID, oldLevel, newLevel string) LevelUpEvent {
	return LevelUpEvent{
		BaseEvent: NewBaseEvent(EventLevelUp, studentID),
		OldLevel:  oldLevel,
		NewLevel:  newLevel,
	}
}

// StreakUpdatedEvent is emitted when the streak length changes.
type StreakUpdatedEvent struct {
	BaseEvent
	OldStreak int `json:"old_streak"`
	NewStreak int `json:"new_streak"`
}

// Payload implements Event interface.
func (e StreakUpdatedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"old_streak": e.OldStreak,
		"new_streak": e.NewStreak,
	}
}

// NewStreakUpdatedEvent creates a new StreakUpdatedEvent.
func NewStreakUpdatedEvent(studentID string, oldStreak, newStreak int) StreakUpdatedEvent {
	return StreakUpdatedEvent{
		BaseEvent: NewBaseEvent(EventStreakUpdated, studentID),
		OldStreak: oldStreak,
		NewStreak: newStreak,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Achievement Events
// ═══════════════════════════════════════════════════════════════════════════

// AchievementUnlockedEvent is emitted once per committed unlock.
type AchievementUnlockedEvent struct {
	BaseEvent
	AchievementID   string `json:"achievement_id"`
	AchievementName string `json:"achievement_name"`
	Category        string `json:"category"`
	Points          int    `json:"points"`
}

// Payload implements Event interface.
func (e AchievementUnlockedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"achievement_id":   e.AchievementID,
		"achievement_name": e.AchievementName,
		"category":         e.Category,
		"points":           e.Points,
	}
}

// NewAchievementUnlockedEvent creates a new AchievementUnlockedEvent.
func NewAchievementUnlockedEvent(studentID, achievementID, name, category string, points int) AchievementUnlockedEvent {
	return AchievementUnlockedEvent{
		BaseEvent:       NewBaseEvent(EventAchievementUnlocked, studentID),
		AchievementID:   achievementID,
		AchievementName: name,
		Category:        category,
		Points:          points,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Bus contracts
// ═══════════════════════════════════════════════════════════════════════════

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
