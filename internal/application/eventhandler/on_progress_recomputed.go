package eventhandler

import (
	"context"
	"log/slog"
	"time"

	"github.com/snowtrack/progress-engine/internal/domain/shared"
)

// ProgressCacheInvalidator сбрасывает кешированное представление прогресса.
type ProgressCacheInvalidator interface {
	Invalidate(ctx context.Context, studentID string) error
}

// OnProgressRecomputedHandler сбрасывает кеш прогресса ученика после
// каждого зафиксированного пересчёта.
type OnProgressRecomputedHandler struct {
	cache   ProgressCacheInvalidator
	logger  *slog.Logger
	timeout time.Duration
}

// NewOnProgressRecomputedHandler создаёт обработчик.
func NewOnProgressRecomputedHandler(cache ProgressCacheInvalidator, logger *slog.Logger) *OnProgressRecomputedHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OnProgressRecomputedHandler{
		cache:   cache,
		logger:  logger.With("handler", "on_progress_recomputed"),
		timeout: 2 * time.Second,
	}
}

// Handle реализует shared.EventHandler.
// Ошибка кеша не критична: запись истечёт по TTL.
func (h *OnProgressRecomputedHandler) Handle(event shared.Event) error {
	if event.EventType() != shared.EventProgressRecomputed || h.cache == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if err := h.cache.Invalidate(ctx, event.AggregateID()); err != nil {
		h.logger.Warn("failed to invalidate progress cache",
			"student_id", event.AggregateID(),
			"error", err,
		)
	}
	return nil
}
