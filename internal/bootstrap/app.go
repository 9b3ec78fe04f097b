package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"queryprism/internal/ai"
	"queryprism/internal/app"
	"queryprism/internal/cache"
	"queryprism/internal/chunker"
	"queryprism/internal/config"
	"queryprism/internal/drive"
	"queryprism/internal/ingest"
	"queryprism/internal/model"
	"queryprism/internal/pkg/logger"
	"queryprism/internal/platform/database"
	rabbitmqClient "queryprism/internal/platform/rabbitmq"
	redisClient "queryprism/internal/platform/redis"
	"queryprism/internal/platform/tracing"
	"queryprism/internal/repository"
	"queryprism/internal/retriever"
	"queryprism/internal/synth"
	"queryprism/internal/vectorindex"
	"queryprism/internal/worker"
)

type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	DB         *gorm.DB
	Redis      *redis.Client
	MQConn     *amqp.Connection
	Index      vectorindex.Index
	SyncWorker *worker.SyncJobWorker

	Auth      *app.AuthService
	Documents *app.DocumentService
	Drive     *app.DriveService

	StartedAt time.Time

	shutdownTracing func(context.Context) error
}

type Options struct {
	// Messaging connects redis and rabbitmq and starts the sync worker.
	// Maintenance commands leave it off.
	Messaging bool
}

func New(ctx context.Context, opts Options) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	log := logger.New(logger.Options{
		FilePath:   cfg.Log.File,
		Level:      cfg.Log.Level,
		Production: cfg.IsProduction(),
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	a := &App{Config: cfg, Logger: log, StartedAt: time.Now()}
	a.shutdownTracing = tracing.Init(ctx, tracing.Options{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.App.Name,
	}, log)

	if err := a.open(ctx, opts); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) open(ctx context.Context, opts Options) error {
	cfg := a.Config

	db, err := database.New(ctx, cfg.Database.Driver, cfg.DatabaseDSN(), cfg.IsProduction())
	if err != nil {
		return err
	}
	a.DB = db
	if err := db.AutoMigrate(&model.User{}, &model.Document{}); err != nil {
		return fmt.Errorf("auto migrate tables failed: %w", err)
	}

	index, err := vectorindex.Open(ctx, vectorindex.Options{
		Backend:     cfg.VectorIndex.Backend,
		Path:        cfg.VectorIndex.Path,
		Collection:  cfg.VectorIndex.Collection,
		Dimensions:  cfg.VectorIndex.Dimensions,
		PostgresDSN: cfg.VectorIndex.PostgresDSN,
	})
	if err != nil {
		return fmt.Errorf("open vector index failed: %w", err)
	}
	a.Index = index

	splitter, err := chunker.New(cfg.Chunking.Size, cfg.Chunking.Overlap)
	if err != nil {
		return err
	}
	llm := ai.NewOpenAICompatibleClient(ai.Config{
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey,
		ChatModel:      cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Timeout:        time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
	})

	userRepo := repository.NewUserRepository(db)
	docRepo := repository.NewDocumentRepository(db)

	pipeline := ingest.NewPipeline(splitter, llm, index, docRepo, ingest.Options{
		TempDir:           cfg.Ingest.TempDir,
		BatchSize:         cfg.LLM.EmbeddingBatchSize,
		ReplaceOnReupload: cfg.Ingest.ReplaceOnReupload,
	}, a.Logger)

	a.Auth = app.NewAuthService(userRepo, cfg.Auth.JWTSecret, time.Duration(cfg.Auth.JWTExpireMinute)*time.Minute)
	a.Documents = app.NewDocumentService(
		pipeline,
		retriever.New(llm, index, cfg.Retrieval.TopK, a.Logger),
		synth.New(llm, a.Logger),
		index,
		docRepo,
		a.Logger,
	)

	driveClient := drive.NewClient(drive.Config{
		ClientID:          cfg.Drive.ClientID,
		ClientSecret:      cfg.Drive.ClientSecret,
		RedirectURL:       cfg.Drive.RedirectURL,
		RequestsPerSecond: cfg.Drive.RequestsPerSecond,
		Burst:             cfg.Drive.Burst,
	})
	syncer := ingest.NewSyncer(pipeline, docRepo.Exists, a.Logger)

	var (
		store     app.SyncStatusStore
		publisher app.SyncJobPublisher
	)
	if opts.Messaging {
		redisCli, err := redisClient.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		a.Redis = redisCli
		store = cache.NewSyncStore(redisCli,
			time.Duration(cfg.Redis.SyncStatusTTLSec)*time.Second,
			time.Duration(cfg.Redis.SyncLockTTLSec)*time.Second,
		)

		mqConn, err := rabbitmqClient.New(ctx, cfg.RabbitMQ.URL)
		if err != nil {
			return err
		}
		a.MQConn = mqConn
		publisher = rabbitmqClient.NewSyncJobPublisher(mqConn, cfg.RabbitMQ.SyncJobQueue)
	}

	a.Drive = app.NewDriveService(
		userRepo,
		driveClient,
		app.ClientSourceFactory(driveClient),
		syncer,
		store,
		publisher,
		cfg.Auth.JWTSecret,
		a.Logger,
	)

	if opts.Messaging && cfg.RabbitMQ.WorkerEnabled {
		a.SyncWorker = worker.NewSyncJobWorker(a.MQConn, a.Drive, cfg.RabbitMQ.SyncJobQueue, a.Logger)
		if err := a.SyncWorker.Start(ctx); err != nil {
			return fmt.Errorf("start sync worker failed: %w", err)
		}
	}
	return nil
}

// HealthChecks probes every dependency the app holds open.
func (a *App) HealthChecks() map[string]func(context.Context) error {
	checks := map[string]func(context.Context) error{}
	if a.DB != nil {
		checks["database"] = func(ctx context.Context) error { return database.Ping(ctx, a.DB) }
	}
	if a.Redis != nil {
		checks["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx, a.Redis) }
	}
	if a.MQConn != nil {
		checks["rabbitmq"] = func(ctx context.Context) error { return rabbitmqClient.Ping(ctx, a.MQConn) }
	}
	if p, ok := a.Index.(vectorindex.Pinger); ok {
		checks["vector_index"] = p.Ping
	}
	return checks
}

func (a *App) Close() error {
	var errs []error
	if a.SyncWorker != nil {
		a.SyncWorker.Close()
	}
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.MQConn != nil {
		errs = append(errs, a.MQConn.Close())
	}
	if a.Index != nil {
		errs = append(errs, a.Index.Close())
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			errs = append(errs, sqlDB.Close())
		}
	}
	if a.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, a.shutdownTracing(ctx))
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
	return errors.Join(errs...)
}
