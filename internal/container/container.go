package container

import (
	"context"
	"fmt"
	"time"

	"awards-be/internal/config"
	"awards-be/internal/external"
	"awards-be/internal/handler"
	"awards-be/internal/outbox"
	"awards-be/internal/ratelimit"
	"awards-be/internal/repository"
	"awards-be/internal/service"
	"awards-be/pkg/database"
	"awards-be/pkg/logger"
	"awards-be/pkg/redis"
)

// Container holds all application dependencies
type Container struct {
	Config       *config.Config
	Logger       *logger.Logger
	RedisClient  *redis.Client
	Repositories *repository.Repositories
	Limiter      ratelimit.Limiter
	Services     *service.Services
	Sinks        outbox.Sinks
	Dispatcher   *outbox.Dispatcher

	memoryLimiter *ratelimit.MemoryLimiter
	publisher     *external.KafkaPublisher
	health        map[string]handler.HealthChecker
	closeStore    func()
}

// New creates a new dependency injection container
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Container, error) {
	c := &Container{
		Config: cfg,
		Logger: log,
		health: make(map[string]handler.HealthChecker),
	}

	if err := c.openStore(ctx); err != nil {
		return nil, err
	}

	// Initialize Redis client if Redis URL is configured
	if cfg.RedisURL != "" {
		client, err := redis.NewClient(cfg.RedisURL, cfg.Environment, log.Logger)
		switch {
		case err != nil && cfg.RateLimitBackend == config.RateLimitRedis:
			c.closeStore()
			return nil, fmt.Errorf("redis is required by the rate limiter: %w", err)
		case err != nil:
			log.WithError(err).Warn("Failed to initialize Redis client, proceeding without caching")
		default:
			c.RedisClient = client
			c.health["redis"] = client
			log.Info("Redis client initialized successfully")
		}
	} else {
		log.Info("Redis URL not configured, proceeding without caching")
	}

	if err := c.buildLimiter(); err != nil {
		c.releaseConnections()
		return nil, err
	}

	voting := service.NewVotingService(
		c.Repositories.Ledger,
		c.Repositories.Outbox,
		c.Limiter,
		service.NewCacheService(c.RedisClient, log),
		log,
	)
	c.Services = &service.Services{
		Voting: voting,
		Admin:  voting,
	}

	c.buildSinks(ctx)
	c.Dispatcher = outbox.NewDispatcher(c.Repositories.Outbox, c.Sinks, outbox.Config{
		PollInterval:   cfg.OutboxPollInterval,
		BatchSize:      cfg.OutboxBatchSize,
		LeaseDuration:  cfg.OutboxLeaseDuration,
		AttemptTimeout: cfg.OutboxAttemptTimeout,
		MaxAttempts:    cfg.OutboxMaxAttempts,
		Backoff: outbox.Backoff{
			Base:   cfg.OutboxBackoffBase,
			Factor: outbox.DefaultBackoffFactor,
			Max:    cfg.OutboxBackoffMax,
		},
	}, log)

	return c, nil
}

func (c *Container) openStore(ctx context.Context) error {
	cfg := c.Config

	switch cfg.StoreDriver {
	case config.StorePostgres:
		db, err := database.NewPostgresDB(ctx, cfg.DatabaseURL, database.PoolOptions{MaxConns: int32(cfg.DBMaxConns)})
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if cfg.AutoMigrate {
			if err := repository.MigratePostgres(ctx, db); err != nil {
				db.Close()
				return err
			}
		}
		c.Repositories = &repository.Repositories{
			Ledger: repository.NewPostgresLedger(db),
			Outbox: repository.NewPostgresOutbox(db),
		}
		c.health["database"] = db
		c.closeStore = db.Close

	case config.StoreSQLite:
		db, err := database.NewSQLiteDB(ctx, cfg.SQLitePath)
		if err != nil {
			return err
		}
		// an in-memory database starts empty on every run
		if cfg.AutoMigrate || cfg.SQLitePath == ":memory:" {
			if err := repository.MigrateSQLite(ctx, db); err != nil {
				_ = db.Close()
				return err
			}
		}
		c.Repositories = &repository.Repositories{
			Ledger: repository.NewSQLiteLedger(db),
			Outbox: repository.NewSQLiteOutbox(db),
		}
		c.health["database"] = db
		c.closeStore = func() { _ = db.Close() }

	default:
		return fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	c.Logger.WithField("driver", cfg.StoreDriver).Info("Vote store opened")
	return nil
}

func (c *Container) buildLimiter() error {
	cfg := c.Config
	limits := ratelimit.Config{
		Short:           ratelimit.Window{Size: cfg.RateLimitShortSize, Limit: cfg.RateLimitShortLimit},
		Long:            ratelimit.Window{Size: cfg.RateLimitLongSize, Limit: cfg.RateLimitLongLimit},
		JanitorInterval: time.Minute,
	}

	if cfg.RateLimitBackend == config.RateLimitRedis {
		limiter, err := ratelimit.NewRedisLimiter(c.RedisClient, limits)
		if err != nil {
			return fmt.Errorf("failed to create rate limiter: %w", err)
		}
		c.Limiter = limiter
		return nil
	}

	limiter, err := ratelimit.NewMemoryLimiter(limits, c.Logger)
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}
	c.memoryLimiter = limiter
	c.Limiter = limiter
	return nil
}

// buildSinks wires the external sinks that are configured; the rest stay nil
// and the dispatcher skips them.
func (c *Container) buildSinks(ctx context.Context) {
	cfg := c.Config
	c.Sinks.Counter = c.Repositories.Ledger

	if cfg.CRMBaseURL != "" {
		c.Sinks.CRM = external.NewCRMClient(ctx, external.CRMConfig{
			BaseURL:      cfg.CRMBaseURL,
			APIKey:       cfg.CRMAPIKey,
			TokenURL:     cfg.CRMTokenURL,
			ClientID:     cfg.CRMClientID,
			ClientSecret: cfg.CRMClientSecret,
			Scopes:       cfg.CRMScopes,
			Timeout:      cfg.OutboxAttemptTimeout,
		}, c.Logger)
	} else {
		c.Logger.Warn("CRM_BASE_URL not configured, CRM sync disabled")
	}

	if cfg.EmailBaseURL != "" {
		c.Sinks.Mailer = external.NewEmailClient(external.EmailConfig{
			BaseURL: cfg.EmailBaseURL,
			APIKey:  cfg.EmailAPIKey,
			From:    cfg.EmailFrom,
			Timeout: cfg.OutboxAttemptTimeout,
		}, c.Logger)
	} else {
		c.Logger.Warn("EMAIL_BASE_URL not configured, confirmation emails disabled")
	}

	if len(cfg.KafkaBrokers) > 0 {
		c.publisher = external.NewKafkaPublisher(external.EventStreamConfig{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaTopic,
			WriteTimeout: cfg.OutboxAttemptTimeout,
		}, c.Logger)
		c.Sinks.Publisher = c.publisher
	}
}

// GetLogger returns the logger
func (c *Container) GetLogger() *logger.Logger {
	return c.Logger
}

// GetConfig returns the configuration
func (c *Container) GetConfig() *config.Config {
	return c.Config
}

// HasRedis returns true if Redis client is available
func (c *Container) HasRedis() bool {
	return c.RedisClient != nil
}

// MemoryLimiter returns the in-process limiter, or nil when limits live in Redis
func (c *Container) MemoryLimiter() *ratelimit.MemoryLimiter {
	return c.memoryLimiter
}

// HealthChecks returns the dependencies probed by /health
func (c *Container) HealthChecks() map[string]handler.HealthChecker {
	checks := make(map[string]handler.HealthChecker, len(c.health))
	for name, check := range c.health {
		checks[name] = check
	}
	return checks
}

func (c *Container) releaseConnections() {
	if c.RedisClient != nil {
		_ = c.RedisClient.Close()
	}
	if c.closeStore != nil {
		c.closeStore()
	}
}

// Close releases every connection. Background workers must be stopped first.
func (c *Container) Close(ctx context.Context) error {
	var errs []error

	if c.publisher != nil {
		if err := c.publisher.Close(); err != nil {
			c.Logger.WithError(err).Error("Failed to close event stream writer")
			errs = append(errs, fmt.Errorf("event stream close: %w", err))
		}
	}

	// Close Redis connection with health check
	if c.RedisClient != nil {
		healthCtx, healthCancel := context.WithTimeout(ctx, 2*time.Second)
		if err := c.RedisClient.Health(healthCtx); err != nil {
			c.Logger.WithError(err).Warn("Redis health check failed before closing")
		}
		healthCancel()

		if err := c.RedisClient.Close(); err != nil {
			c.Logger.WithError(err).Error("Failed to close Redis connection")
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
		c.RedisClient = nil
	}

	if c.closeStore != nil {
		c.closeStore()
		c.closeStore = nil
		c.Logger.Info("Vote store closed")
	}

	if len(errs) > 0 {
		return fmt.Errorf("close completed with %d errors: %v", len(errs), errs)
	}
	return nil
}
