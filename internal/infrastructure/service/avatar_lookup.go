package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/snowtrack/progress-engine/internal/domain/achievement"
	"github.com/snowtrack/progress-engine/internal/domain/shared"
	"github.com/snowtrack/progress-engine/pkg/circuitbreaker"
	"github.com/snowtrack/progress-engine/pkg/retry"
)

// Compile-time interface check.
var _ achievement.AvatarLookup = (*AvatarLookupAdapter)(nil)

// AvatarSource returns the avatar URL stored for a student.
// It is implemented by the postgres and memory source readers.
type AvatarSource interface {
	AvatarURL(ctx context.Context, studentID string) (string, error)
}

// AvatarLookupConfig configures AvatarLookupAdapter.
type AvatarLookupConfig struct {
	// DefaultAvatarURL is the platform placeholder every account starts with.
	DefaultAvatarURL string

	// Timeout bounds one lookup including retries.
	Timeout time.Duration
}

// AvatarLookupAdapter adapts an AvatarSource to achievement.AvatarLookup.
// Lookups are retried once, bounded by a timeout and guarded by a circuit
// breaker so a failing profile store costs one criterion, not a whole run.
type AvatarLookupAdapter struct {
	source     AvatarSource
	defaultURL string
	timeout    time.Duration
	breaker    *circuitbreaker.CircuitBreaker
	retrier    *retry.Retrier
}

// NewAvatarLookupAdapter creates the adapter. A nil breaker uses the
// ProfileServiceBreaker preset.
func NewAvatarLookupAdapter(source AvatarSource, breaker *circuitbreaker.CircuitBreaker, cfg AvatarLookupConfig) *AvatarLookupAdapter {
	if breaker == nil {
		breaker = circuitbreaker.ProfileServiceBreaker(nil)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &AvatarLookupAdapter{
		source:     source,
		defaultURL: strings.TrimSpace(cfg.DefaultAvatarURL),
		timeout:    cfg.Timeout,
		breaker:    breaker,
		retrier:    retry.LookupRetrier(retry.WithRetryIf(shared.IsTransient)),
	}
}

// HasCustomAvatar reports whether the student replaced the default avatar.
// An empty URL and the platform default both count as "no custom avatar".
func (a *AvatarLookupAdapter) HasCustomAvatar(ctx context.Context, studentID string) (bool, error) {
	if a.source == nil {
		return false, achievement.ErrLookupUnavailable
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var (
		url      string
		notFound error
	)
	err := a.breaker.Execute(ctx, func(ctx context.Context) error {
		return a.retrier.Do(ctx, func(ctx context.Context) error {
			u, err := a.source.AvatarURL(ctx, studentID)
			if err != nil {
				if shared.IsNotFound(err) {
					notFound = err
					return nil
				}
				return err
			}
			url = u
			return nil
		})
	})
	if err != nil {
		return false, shared.WrapError("service", "HasCustomAvatar", shared.ErrServiceUnavailable,
			fmt.Sprintf("avatar lookup for student %s", studentID), err)
	}
	if notFound != nil {
		return false, notFound
	}

	url = strings.TrimSpace(url)
	return url != "" && url != a.defaultURL, nil
}
