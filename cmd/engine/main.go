// Package main - точка входа Progress & Achievement Engine.
//
// Процесс поднимает:
// - хранилище прогресса (PostgreSQL или in-memory для разработки)
// - каталог достижений и движок правил
// - оркестратор оценки с блокировкой на студента
// - шину событий с обработчиками lesson.completed / feedback.submitted
// - планировщик, повторно публикующий события из dead letter queue
// - REST API, health-пробы и /metrics
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/snowtrack/progress-engine/config"
	"github.com/snowtrack/progress-engine/internal/application/eventhandler"
	"github.com/snowtrack/progress-engine/internal/application/query"
	"github.com/snowtrack/progress-engine/internal/application/saga"
	"github.com/snowtrack/progress-engine/internal/domain/achievement"
	"github.com/snowtrack/progress-engine/internal/domain/evaluation"
	"github.com/snowtrack/progress-engine/internal/domain/progress"
	"github.com/snowtrack/progress-engine/internal/domain/shared"
	"github.com/snowtrack/progress-engine/internal/infrastructure/catalog"
	"github.com/snowtrack/progress-engine/internal/infrastructure/messaging"
	"github.com/snowtrack/progress-engine/internal/infrastructure/metrics"
	"github.com/snowtrack/progress-engine/internal/infrastructure/persistence/memory"
	"github.com/snowtrack/progress-engine/internal/infrastructure/persistence/postgres"
	"github.com/snowtrack/progress-engine/internal/infrastructure/persistence/redis"
	"github.com/snowtrack/progress-engine/internal/infrastructure/scheduler"
	"github.com/snowtrack/progress-engine/internal/infrastructure/scheduler/jobs"
	"github.com/snowtrack/progress-engine/internal/infrastructure/service"
	httpapi "github.com/snowtrack/progress-engine/internal/interface/http"
	"github.com/snowtrack/progress-engine/internal/interface/http/handlers"
	"github.com/snowtrack/progress-engine/pkg/circuitbreaker"
	"github.com/snowtrack/progress-engine/pkg/logger"
	"github.com/snowtrack/progress-engine/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

// storage объединяет все порты хранилища, которые нужны процессу.
type storage struct {
	store    evaluation.Store
	lessons  progress.LessonSource
	feedback progress.FeedbackSource
	students progress.StudentDirectory
	avatars  service.AvatarSource
	history  query.HistoryReader
	pinger   handlers.Pinger
	close    func()

	// reconcile задан только для PostgreSQL.
	reconcile func(ctx context.Context, c *achievement.Catalog) (updated, unmatched int, err error)
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. ЗАГРУЗКА КОНФИГУРАЦИИ
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. НАСТРОЙКА ЛОГИРОВАНИЯ
	// ─────────────────────────────────────────────────────────────────────────
	log := setupLogger(cfg)
	log.Info("starting progress engine",
		"env", cfg.App.Environment,
		"version", cfg.App.Version,
		"timezone", cfg.App.Timezone,
		"storage", cfg.Database.Driver,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. МЕТРИКИ
	// ─────────────────────────────────────────────────────────────────────────
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// ─────────────────────────────────────────────────────────────────────────
	// 4. ХРАНИЛИЩЕ
	// ─────────────────────────────────────────────────────────────────────────
	st, err := setupStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()

	// ─────────────────────────────────────────────────────────────────────────
	// 5. REDIS (опционально)
	// ─────────────────────────────────────────────────────────────────────────
	var (
		redisCache    *redis.Cache
		progressCache *redis.ProgressCache
	)
	if cfg.Redis.Enabled {
		log.Info("connecting to Redis...", "addr", fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port))
		redisCache, err = redis.NewCache(redisConfig(cfg.Redis))
		switch {
		case err != nil && cfg.Engine.DistributedLockEnabled:
			return fmt.Errorf("redis is required for the distributed lock: %w", err)
		case err != nil:
			log.Warn("failed to connect to Redis, caching disabled", "error", err)
			redisCache = nil
		default:
			defer func() { _ = redisCache.Close() }()
			progressCache = redis.NewProgressCache(redisCache,
				circuitbreaker.CacheBreaker(m.BreakerStateChanged), cfg.Redis.ProgressTTL)
			log.Info("Redis connection established")
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. КАТАЛОГ ДОСТИЖЕНИЙ
	// ─────────────────────────────────────────────────────────────────────────
	achievements, err := catalog.Load(cfg.Engine.CatalogPath)
	if err != nil {
		return fmt.Errorf("failed to load achievement catalog: %w", err)
	}
	log.Info("achievement catalog loaded",
		"definitions", achievements.Len(),
		"source", catalogSource(cfg.Engine.CatalogPath),
	)

	if cfg.Engine.ReconcileLegacyUnlocks && st.reconcile != nil {
		updated, unmatched, err := st.reconcile(ctx, achievements)
		if err != nil {
			return fmt.Errorf("failed to reconcile legacy unlocks: %w", err)
		}
		log.Info("legacy unlocks reconciled", "updated", updated, "unmatched", unmatched)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 7. ДВИЖОК ПРАВИЛ И ОРКЕСТРАТОР
	// ─────────────────────────────────────────────────────────────────────────
	engineOpts := []achievement.EngineOption{
		achievement.WithLogger(log),
		achievement.WithFailureObserver(m.CriterionSkipped),
	}
	if cfg.Features.IsEnabled(config.FeatureProfilePictureCriterion) {
		avatars := service.NewAvatarLookupAdapter(st.avatars,
			circuitbreaker.ProfileServiceBreaker(m.BreakerStateChanged),
			service.AvatarLookupConfig{
				DefaultAvatarURL: cfg.Engine.DefaultAvatarURL,
				Timeout:          cfg.Engine.AvatarLookupTimeout,
			})
		engineOpts = append(engineOpts, achievement.WithAvatarLookup(avatars))
	} else {
		log.Info("profile picture criterion disabled by feature flag")
		engineOpts = append(engineOpts, achievement.WithDisabledCriteria(achievement.CriterionProfilePictureAdded))
	}

	eventBusConfig := messaging.DefaultInMemoryEventBusConfig()
	eventBusConfig.Logger = log
	eventBusConfig.WorkerPoolSize = cfg.Engine.EventWorkers
	eventBusConfig.Observer = m.EventHandled
	eventBus := messaging.NewInMemoryEventBus(eventBusConfig)

	var locker saga.Locker = saga.NewKeyedMutex()
	if cfg.Engine.DistributedLockEnabled && redisCache != nil {
		locker = saga.ChainLocker{locker, redis.NewDistributedLock(redisCache, redis.DefaultLockConfig())}
		log.Info("distributed per-student lock enabled")
	}

	flow, err := saga.NewEvaluationFlowBuilder().
		WithStore(st.store).
		WithLessonSource(st.lessons).
		WithFeedbackSource(st.feedback).
		WithStudentDirectory(st.students).
		WithCatalog(achievements).
		WithEngine(achievement.NewEngine(engineOpts...)).
		WithLocker(locker).
		WithEventBus(eventBus).
		WithFeatureGate(cfg.Features).
		WithMetrics(m).
		WithLogger(log).
		WithConfig(saga.EvaluationFlowConfig{
			EvaluationTimeout: cfg.Engine.EvaluationTimeout,
			LockWaitTimeout:   cfg.Engine.LockWaitTimeout,
			CommitMaxAttempts: cfg.Engine.CommitMaxAttempts,
			ConflictRetries:   1,
			Location:          cfg.App.Location,
		}).
		Build()
	if err != nil {
		return fmt.Errorf("failed to build evaluation flow: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 8. ПОДПИСКИ НА СОБЫТИЯ
	// ─────────────────────────────────────────────────────────────────────────
	deadLetters := messaging.NewDeadLetterQueue(1000)
	handlerRetrier := retry.New(
		retry.WithMaxAttempts(3),
		retry.WithInitialDelay(200*time.Millisecond),
		retry.WithRetryIf(saga.IsRetryableEvaluation),
	)

	// Одна политика отказов для синхронной и фоновой оценки.
	triggerFailures := func(next shared.EventHandler) shared.EventHandler {
		return messaging.Chain(next,
			messaging.RecoveryMiddleware(log),
			messaging.DeadLetterMiddleware(deadLetters, "on_student_activity"),
			messaging.RetryMiddleware(handlerRetrier),
		)
	}

	activity := eventhandler.NewOnStudentActivityHandler(flow, cfg.Features, log,
		eventhandler.ActivityConfig{
			Timeout:    cfg.Engine.EvaluationTimeout,
			Background: triggerFailures,
		})
	for _, eventType := range activity.EventTypes() {
		h := messaging.Chain(activity.Handle,
			messaging.LoggingMiddleware(log, "on_student_activity"),
			triggerFailures,
		)
		if err := eventBus.Subscribe(eventType, h); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", eventType, err)
		}
	}

	if progressCache != nil {
		invalidate := eventhandler.NewOnProgressRecomputedHandler(progressCache, log)
		if err := eventBus.Subscribe(shared.EventProgressRecomputed, messaging.Chain(invalidate.Handle,
			messaging.RecoveryMiddleware(log),
		)); err != nil {
			return fmt.Errorf("failed to subscribe cache invalidation: %w", err)
		}
	}

	if redisCache != nil {
		forwarder := redis.NewEventForwarder(redisCache)
		for _, eventType := range []shared.EventType{
			shared.EventProgressRecomputed,
			shared.EventLevelUp,
			shared.EventStreakUpdated,
			shared.EventAchievementUnlocked,
		} {
			if err := eventBus.Subscribe(eventType, messaging.Chain(forwarder.Handle,
				messaging.RecoveryMiddleware(log),
				messaging.DeadLetterMiddleware(deadLetters, "redis_forwarder"),
			)); err != nil {
				return fmt.Errorf("failed to subscribe forwarder: %w", err)
			}
		}
	}

	// Неудачные триггеры периодически возвращаются в шину.
	sched := scheduler.NewScheduler(scheduler.SchedulerConfig{
		Logger:   log,
		Observer: m.JobFinished,
	})
	if cfg.Engine.DeadLetterInterval > 0 {
		redeliver := jobs.NewRedeliverDeadLettersJob(deadLetters, eventBus, jobs.RedeliverDeadLettersConfig{
			MaxAge:   cfg.Engine.DeadLetterMaxAge,
			Observer: m.DeadLetterHandled,
		}, log)
		if err := sched.Register(redeliver, scheduler.Every(cfg.Engine.DeadLetterInterval)); err != nil {
			return fmt.Errorf("failed to register job: %w", err)
		}
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 9. READ SIDE
	// ─────────────────────────────────────────────────────────────────────────
	var viewCache query.ProgressViewCache
	if progressCache != nil {
		viewCache = progressCache
	}
	progressQuery := query.NewGetStudentProgressHandler(st.store, st.history, st.students, viewCache, cfg.Features, log)
	listAchievements := query.NewListAchievementsHandler(achievements)

	// ─────────────────────────────────────────────────────────────────────────
	// 10. HTTP SERVER
	// ─────────────────────────────────────────────────────────────────────────
	health := handlers.NewCompositeHealthChecker(cfg.App.Version)
	health.AddCheck("storage", handlers.NewPingCheck(st.pinger))
	if redisCache != nil {
		health.AddOptionalCheck("redis", handlers.NewPingCheck(redisCache))
	}

	httpConfig := httpapi.DefaultConfig()
	httpConfig.Host = cfg.HTTP.Host
	httpConfig.Port = cfg.HTTP.Port
	httpConfig.ReadTimeout = cfg.HTTP.ReadTimeout
	httpConfig.WriteTimeout = cfg.HTTP.WriteTimeout
	httpConfig.RateLimitRPS = cfg.HTTP.RateLimitRPS
	httpConfig.RateLimitBurst = cfg.HTTP.RateLimitBurst
	httpConfig.AllowedOrigins = cfg.HTTP.AllowedOrigins

	deps := httpapi.Dependencies{
		Evaluator:                 flow,
		Publisher:                 eventBus,
		GetStudentProgressHandler: progressQuery,
		ListAchievementsHandler:   listAchievements,
		HealthChecker:             health,
		Logger:                    logger.FromSlog(log),
	}
	if cfg.Observability.MetricsEnabled {
		deps.MetricsHandler = m.Handler()
	}

	server := httpapi.NewServer(httpConfig, deps)
	serverErr := server.StartAsync()

	log.Info("progress engine is running", "address", server.Address())

	// ─────────────────────────────────────────────────────────────────────────
	// 11. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
		log.Info("received shutdown signal")
	case err := <-serverErr:
		if err != nil {
			log.Error("http server failed", "error", err)
		}
	}

	log.Info("starting graceful shutdown...", "timeout", cfg.App.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	var shutdownErr error
	if err := server.Shutdown(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("http shutdown: %w", err))
	}

	if err := sched.Stop(); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("scheduler stop: %w", err))
	}
	for _, job := range sched.ListJobs() {
		log.Info("job summary",
			"job", job.Name,
			"runs", job.RunCount,
			"failures", job.FailCount,
			"last_run", job.LastRun,
		)
	}

	done := make(chan struct{})
	go func() {
		activity.Wait()
		_ = eventBus.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		shutdownErr = errors.Join(shutdownErr, errors.New("timed out waiting for in-flight evaluations"))
	}

	if n := deadLetters.Size(); n > 0 {
		log.Warn("dead-lettered events at shutdown", "count", n)
	}
	stats := eventBus.Stats()
	log.Info("shutdown completed",
		"events_succeeded", stats.Succeeded,
		"events_failed", stats.Failed,
		"events_dropped", stats.Dropped,
	)

	return shutdownErr
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// setupLogger настраивает структурированное логирование.
func setupLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Observability.LogLevel)}
	if cfg.App.Debug {
		opts.Level = slog.LevelDebug
	}

	if cfg.IsProduction() || cfg.Observability.LogFormat == "json" && !cfg.IsDevelopment() {
		// JSON формат для production (лучше для агрегаторов логов)
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		// Текстовый формат для development (лучше читается)
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)

	return log
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupStorage подключает PostgreSQL или in-memory хранилище.
func setupStorage(ctx context.Context, cfg *config.Config, log *slog.Logger) (*storage, error) {
	if cfg.Database.Driver == config.StorageMemory {
		log.Warn("using in-memory storage, data is lost on restart")
		store := memory.NewStore()
		return &storage{
			store:    store,
			lessons:  store,
			feedback: store,
			students: store,
			avatars:  store,
			history:  store,
			pinger:   store,
			close:    func() {},
		}, nil
	}

	log.Info("connecting to database...")
	pgConfig := postgres.DefaultConfig()
	pgConfig.URL = cfg.Database.URL
	pgConfig.MaxConns = int32(cfg.Database.MaxConns)
	pgConfig.MinConns = int32(min(cfg.Database.MinConns, cfg.Database.MaxConns))
	pgConfig.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	pgConfig.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime
	pgConfig.QueryTimeout = cfg.Database.QueryTimeout

	conn, err := postgres.NewConnection(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info("database connection established")

	migrator := postgres.NewMigrator(conn)
	if cfg.Database.AutoMigrate {
		log.Info("checking database migrations...")
		if err := migrator.Migrate(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("database schema is up to date")
	} else if migrations, err := migrator.Status(ctx); err != nil {
		log.Warn("failed to read migration status", "error", err)
	} else {
		// Без автомиграции только предупреждаем о несовпадении схемы.
		for _, mig := range migrations {
			if !mig.IsApplied {
				log.Warn("database migration not applied", "version", mig.Version, "name", mig.Name)
			}
		}
	}

	progressStore := postgres.NewProgressStore(conn)
	sources := postgres.NewSourceRepository(conn)

	return &storage{
		store:     progressStore,
		lessons:   sources,
		feedback:  sources,
		students:  sources,
		avatars:   sources,
		history:   progressStore,
		pinger:    conn,
		reconcile: progressStore.ReconcileLegacyUnlocks,
		close: func() {
			log.Info("closing database connection...")
			conn.Close()
		},
	}, nil
}

func redisConfig(cfg config.RedisConfig) redis.Config {
	rc := redis.DefaultConfig()
	rc.Host = cfg.Host
	rc.Port = cfg.Port
	rc.Password = cfg.Password
	rc.DB = cfg.DB
	rc.PoolSize = cfg.PoolSize
	rc.MinIdleConns = cfg.MinIdleConns
	rc.DialTimeout = cfg.DialTimeout
	rc.ReadTimeout = cfg.ReadTimeout
	rc.WriteTimeout = cfg.WriteTimeout
	return rc
}

func catalogSource(path string) string {
	if path == "" {
		return "embedded"
	}
	return path
}
