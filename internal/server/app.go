package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"stemsplit-backend/internal/config"
	"stemsplit-backend/internal/database"
	"stemsplit-backend/internal/events"
	"stemsplit-backend/internal/orchestrator"
	"stemsplit-backend/internal/results"
	"stemsplit-backend/internal/separation"
	"stemsplit-backend/internal/storage"
	"stemsplit-backend/internal/usage"
)

// App holds every long-lived dependency of the service.
type App struct {
	Config       *config.Config
	DB           *database.Client
	Redis        redis.UniversalClient
	Blobs        storage.BlobStore
	Limiter      *usage.Limiter
	Orchestrator *orchestrator.Orchestrator
	PublicURL    string
}

// NewApp connects to the database, object storage and Redis and assembles
// the orchestrator. The caller must Close it.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	db, err := database.NewClient(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, DB: db}

	blobs, publicURL, err := newBlobStore(cfg)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Blobs, app.PublicURL = blobs, publicURL

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			app.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		app.Redis = client
	}

	var usageStore usage.Store = db
	if strings.EqualFold(cfg.UsageBackend, config.UsageBackendRedis) {
		usageStore = usage.NewRedisStore(app.Redis, cfg.RedisPrefix)
	}
	app.Limiter = usage.NewLimiter(usageStore, nil, cfg.RegisteredDailyLimit, cfg.AnonymousDailyLimit)

	var publisher events.Publisher = events.NopPublisher{}
	if app.Redis != nil {
		publisher = events.NewRedisPublisher(app.Redis, cfg.RedisPrefix)
	}

	engine := separation.NewClient(cfg.EngineBaseURL, separation.Timeouts{
		Submit: cfg.EngineSubmitTimeout,
		Poll:   cfg.EnginePollTimeout,
		Fetch:  cfg.EngineFetchTimeout,
	})

	app.Orchestrator = orchestrator.New(orchestrator.Deps{
		Engine:  engine,
		Files:   db,
		Tasks:   db,
		Results: results.NewStore(blobs, db),
		Blobs:   blobs,
		Usage:   app.Limiter,
		Events:  publisher,
	}, orchestrator.Options{
		PollInterval:            cfg.PollInterval,
		MaxPollAttempts:         cfg.MaxPollAttempts,
		MaxConsecutiveTransient: cfg.MaxConsecutiveTransient,
		ResultMimeType:          cfg.ResultMimeType,
		BatchConcurrency:        cfg.BatchConcurrency,
		StaleAfter:              cfg.StaleAfter,
	})

	log.WithFields(log.Fields{
		"storage": cfg.StorageBackend,
		"usage":   cfg.UsageBackend,
		"redis":   app.Redis != nil,
		"engine":  cfg.EngineBaseURL,
	}).Info("application initialized")
	return app, nil
}

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	applied, err := database.NewMigrator(a.DB.DB()).Run(ctx)
	if err != nil {
		return err
	}
	log.WithField("applied", applied).Info("migrations completed")
	return nil
}

func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			log.WithError(err).Warn("failed to close redis client")
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			log.WithError(err).Warn("failed to close database")
		}
	}
}

func newBlobStore(cfg *config.Config) (storage.BlobStore, string, error) {
	switch strings.ToLower(cfg.StorageBackend) {
	case config.StorageBackendS3:
		store, err := storage.NewS3Store(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL)
		if err != nil {
			return nil, "", err
		}
		return store, cfg.StoragePublicURL, nil
	default:
		store := storage.NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket)
		publicURL := cfg.StoragePublicURL
		if publicURL == "" {
			publicURL = store.PublicBaseURL()
		}
		return store, publicURL, nil
	}
}
