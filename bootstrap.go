package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/app/handlers"
	"github.com/amirphl/Kusanagi/app/queue"
	"github.com/amirphl/Kusanagi/app/router"
	"github.com/amirphl/Kusanagi/app/scheduler"
	"github.com/amirphl/Kusanagi/app/services"
	businessflow "github.com/amirphl/Kusanagi/business_flow"
	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/logging"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// application holds every long-lived dependency a command may need
type application struct {
	cfg    *config.ProductionConfig
	logger *slog.Logger
	db     *gorm.DB
	rc     *redis.Client

	taskRepo repository.ScheduledTaskRepository
	registry *businessflow.HandlerRegistry

	campaigns   businessflow.CampaignFlow
	enrollments businessflow.EnrollmentFlow
	correlator  businessflow.EventCorrelatorFlow
	experiments businessflow.ExperimentFlow
	tasks       businessflow.TaskFlow

	closers   []io.Closer
	stopFuncs []func()
}

// newApplication loads configuration and opens the datastore. Commands that run flows
// call wire afterwards.
func newApplication(ctx context.Context) (*application, error) {
	cfg, err := config.LoadProductionConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger = logger.With("service", "kusanagi", "version", cfg.Deployment.Version)
	app := &application{cfg: cfg, logger: logger, closers: []io.Closer{logCloser}}

	db, err := initializeDatabase(cfg.Database, logger)
	if err != nil {
		app.close()
		return nil, err
	}
	app.db = db
	return app, nil
}

// wire connects the cache, delivery providers and queue, then builds every flow
func (a *application) wire(ctx context.Context) error {
	cfg := a.cfg
	db := a.db

	rc, err := initializeCache(cfg.Cache, a.logger)
	if err != nil {
		return err
	}
	if rc != nil {
		a.rc = rc
		a.closers = append(a.closers, rc)
		a.stopFuncs = append(a.stopFuncs, startCacheHealthMonitor(ctx, rc, cfg.Cache.HealthInterval, a.logger))
	}

	tokens, err := services.NewTokenService(cfg.Correlation.Secret, cfg.Correlation.Issuer)
	if err != nil {
		return fmt.Errorf("failed to initialize token service: %w", err)
	}

	provider, err := initializeDeliveryProvider(ctx, cfg.Delivery, a.logger)
	if err != nil {
		return err
	}
	notifier := services.NewNotificationService(provider, cfg.Delivery.NotifyAddress)

	publisher, err := a.initializePublisher(cfg.Webhook)
	if err != nil {
		return err
	}

	// Repositories
	a.taskRepo = repository.NewScheduledTaskRepository(db)
	campaignRepo := repository.NewCampaignRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	stepStateRepo := repository.NewEnrollmentStepStateRepository(db)
	eventRepo := repository.NewEmailEventRepository(db)
	experimentRepo := repository.NewExperimentRepository(db)
	leadScoreRepo := repository.NewLeadScoreRepository(db)
	transactor := repository.NewTransactor(db)

	clock := utils.Clock(utils.UTCNow)
	steps := businessflow.NewStepCache(campaignRepo, a.rc, cfg.Cache, a.logger)

	// Flows
	a.campaigns = businessflow.NewCampaignFlow(campaignRepo, experimentRepo, transactor, a.logger)
	a.enrollments = businessflow.NewEnrollmentFlow(
		campaignRepo,
		enrollmentRepo,
		stepStateRepo,
		eventRepo,
		experimentRepo,
		transactor,
		provider,
		services.NewTemplateResolver(),
		tokens,
		steps,
		cfg.Scheduler,
		clock,
		a.logger,
	)
	a.correlator = businessflow.NewEventCorrelatorFlow(
		enrollmentRepo,
		stepStateRepo,
		eventRepo,
		experimentRepo,
		transactor,
		tokens,
		steps,
		publisher,
		cfg.Webhook.MaxBatchSize,
		clock,
		a.logger,
	)
	a.tasks = businessflow.NewTaskFlow(a.taskRepo, cfg.Scheduler.DefaultMaxRetries, clock)
	var winnerNotices businessflow.TaskScheduler
	if cfg.Delivery.NotifyAddress != "" {
		winnerNotices = a.tasks
	}
	a.experiments = businessflow.NewExperimentFlow(
		experimentRepo,
		businessflow.PolicyFromConfig(cfg.Experiment),
		a.rc,
		cfg.Cache,
		winnerNotices,
		clock,
		a.logger,
	)

	a.registry = businessflow.NewHandlerRegistry()
	businessflow.NewTaskHandlers(
		provider,
		notifier,
		tokens,
		eventRepo,
		stepStateRepo,
		leadScoreRepo,
		transactor,
		clock,
		a.logger,
	).Register(a.registry)

	a.logger.Info("application wired",
		"environment", cfg.Deployment.Environment,
		"delivery_provider", cfg.Delivery.Provider,
		"webhook_queue", cfg.Webhook.Queue,
		"cache", a.rc != nil,
	)
	return nil
}

// initializePublisher returns nil for inline processing so the correlator handles batches itself
func (a *application) initializePublisher(cfg config.WebhookConfig) (businessflow.EventPublisher, error) {
	switch cfg.Queue {
	case utils.WebhookQueueKafka:
		p, err := queue.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize kafka publisher: %w", err)
		}
		a.closers = append(a.closers, p)
		return p, nil
	case utils.WebhookQueueRabbitMQ:
		r, err := queue.NewRabbitMQ(cfg.RabbitMQURL, cfg.RabbitMQQueue, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize rabbitmq publisher: %w", err)
		}
		a.closers = append(a.closers, r)
		return r, nil
	default:
		return nil, nil
	}
}

// newConsumer opens the consumer side of the configured webhook queue
func (a *application) newConsumer() (queue.Consumer, error) {
	cfg := a.cfg.Webhook
	switch cfg.Queue {
	case utils.WebhookQueueKafka:
		return queue.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, a.logger), nil
	case utils.WebhookQueueRabbitMQ:
		return queue.NewRabbitMQ(cfg.RabbitMQURL, cfg.RabbitMQQueue, a.logger)
	default:
		return nil, fmt.Errorf("webhook queue %q has no consumer; events are processed inline", cfg.Queue)
	}
}

// consumeEvents feeds queued webhook batches into the correlator until ctx is done
func (a *application) consumeEvents(ctx context.Context, consumer queue.Consumer) error {
	a.logger.Info("consuming delivery events", "queue", a.cfg.Webhook.Queue)
	return consumer.Consume(ctx, func(ctx context.Context, events []dto.DeliveryEventRequest) error {
		_, err := a.correlator.ProcessBatch(ctx, events)
		return err
	})
}

// newScheduler adds every enabled poller
func (a *application) newScheduler() *scheduler.Scheduler {
	cfg := a.cfg.Scheduler
	s := scheduler.New(a.logger)
	if cfg.TaskRunnerEnabled {
		s.Add("task_runner", scheduler.NewTaskRunner(a.taskRepo, a.registry, cfg, utils.UTCNow, a.logger))
	}
	if cfg.DripEnabled {
		s.Add("drip_scheduler", scheduler.NewDripScheduler(a.enrollments, cfg, a.logger))
	}
	if cfg.ExperimentEvalEnabled {
		s.Add("experiment_evaluator", scheduler.NewExperimentEvaluator(a.experiments, cfg, a.logger))
	}
	return s
}

func (a *application) newRouter() router.Router {
	checks := map[string]router.HealthCheck{
		"database": func(ctx context.Context) error {
			sqlDB, err := a.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
	if a.rc != nil {
		checks["redis"] = func(ctx context.Context) error {
			return a.rc.Ping(ctx).Err()
		}
	}

	h := router.Handlers{
		Webhook:    handlers.NewWebhookHandler(a.correlator, a.logger),
		Campaign:   handlers.NewCampaignHandler(a.campaigns, a.enrollments, a.logger),
		Task:       handlers.NewTaskHandler(a.tasks, a.logger),
		Experiment: handlers.NewExperimentHandler(a.experiments, a.logger),
	}
	return router.NewFiberRouter(a.cfg, h, checks, a.logger)
}

// close stops background monitors and releases connections in reverse order
func (a *application) close() {
	for i := len(a.stopFuncs) - 1; i >= 0; i-- {
		a.stopFuncs[i]()
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error while closing resources", "error", err)
	}
}

// initializeDatabase initializes the database connection with connection pooling
func initializeDatabase(cfg config.DatabaseConfig, logger *slog.Logger) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Discard}
	if cfg.SlowQueryLog {
		gormCfg.Logger = gormlogger.New(
			slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
			gormlogger.Config{
				SlowThreshold:             cfg.SlowQueryTime,
				LogLevel:                  gormlogger.Warn,
				IgnoreRecordNotFoundError: true,
			},
		)
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Get underlying sql.DB for connection pooling configuration
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		"host", cfg.Host,
		"max_open_conns", cfg.MaxOpenConns,
		"max_idle_conns", cfg.MaxIdleConns,
	)
	return db, nil
}

// initializeCache initializes the redis client and verifies connectivity. A disabled cache
// returns nil; the step cache and the evaluation lock both work without it.
func initializeCache(cfg config.CacheConfig, logger *slog.Logger) (*redis.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	// Override DB if provided in config
	opt.DB = cfg.RedisDB

	rc := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis connection established", "addr", opt.Addr, "db", cfg.RedisDB)
	return rc, nil
}

// startCacheHealthMonitor periodically pings redis to surface connectivity issues.
// The returned cancel function stops the monitor.
func startCacheHealthMonitor(parent context.Context, client *redis.Client, interval time.Duration, logger *slog.Logger) func() {
	monitorCtx, cancel := context.WithCancel(parent)
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				ctx, c := context.WithTimeout(monitorCtx, 3*time.Second)
				if err := client.Ping(ctx).Err(); err != nil {
					logger.Warn("redis healthcheck failed", "error", err)
				}
				c()
			}
		}
	}()
	return cancel
}

// initializeDeliveryProvider routes message steps to SES (or the logging mock) and
// social-post steps to the configured HTTP endpoint
func initializeDeliveryProvider(ctx context.Context, cfg config.DeliveryConfig, logger *slog.Logger) (services.DeliveryProvider, error) {
	var message services.DeliveryProvider
	switch cfg.Provider {
	case utils.DeliveryProviderSES:
		ses, err := services.NewSESProvider(ctx, cfg.AWSRegion, cfg.FromEmail, cfg.SESConfigurationSet)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SES provider: %w", err)
		}
		message = ses
	default:
		logger.Warn("using mock delivery provider; messages are logged, not sent")
		message = services.NewMockDeliveryProvider(logger)
	}

	var social services.DeliveryProvider = services.NewMockDeliveryProvider(logger)
	if cfg.SocialPostURL != "" {
		social = services.NewHTTPPostProvider(cfg.SocialPostURL, cfg.SocialPostToken, cfg.Timeout)
	}

	return services.NewChannelRouter(map[models.StepChannel]services.DeliveryProvider{
		models.StepChannelMessage:    message,
		models.StepChannelSocialPost: social,
	}), nil
}
