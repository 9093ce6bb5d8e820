package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/savvycare/backend/auth"
	"github.com/savvycare/backend/cache"
	"github.com/savvycare/backend/config"
	"github.com/savvycare/backend/handlers"
	"github.com/savvycare/backend/media"
	"github.com/savvycare/backend/middleware"
	"github.com/savvycare/backend/payments"
	"github.com/savvycare/backend/settlement"
	"github.com/savvycare/backend/store"
)

type App struct {
	Fiber      *fiber.App
	Mongo      *store.Mongo
	Bolt       *store.Bolt
	Redis      *redis.Client
	Config     *config.Config
	Logger     *zap.Logger
	Reconciler *settlement.Reconciler
	Limiter    *middleware.RateLimiter

	deps handlers.Deps
}

func NewApp() (*App, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %v", err)
	}

	ctx := context.Background()

	var logger *zap.Logger
	if cfg.IsDevelopment() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %v", err)
	}

	retry := store.DefaultRetryConfig()
	retry.OpTimeout = cfg.StoreOpTimeout
	retry.MaxRetries = cfg.StoreMaxRetries

	mongoStore, err := store.NewMongo(ctx, store.MongoOptions{
		URI:          cfg.MongoDBURL,
		Database:     cfg.MongoDBName,
		Transactions: cfg.MongoTransactions,
		Retry:        retry,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := mongoStore.EnsureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure indexes: %v", err)
	}

	// Redis is optional: without it the cache is disabled and tokens
	// cannot be revoked before they expire.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisOpt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis URL parsing failed: %v", err)
		}
		redisClient = redis.NewClient(redisOpt)
		maxRedisRetries := 5
		for i := 0; i < maxRedisRetries; i++ {
			_, err = redisClient.Ping(ctx).Result()
			if err == nil {
				break
			}
			logger.Warn("failed to connect to redis, retrying...",
				zap.Error(err),
				zap.Int("attempt", i+1))
			time.Sleep(time.Second * time.Duration(i+1))
		}
		if err != nil {
			return nil, fmt.Errorf("redis connection failed after %d attempts: %v", maxRedisRetries, err)
		}
	} else {
		logger.Warn("REDIS_URL not set, caching and token revocation disabled")
	}
	appCache := cache.NewCache(redisClient, "savvycare:")

	deps := handlers.Deps{
		Logger:  logger,
		Users:   mongoStore.Users(),
		Doctors: mongoStore.Doctors(),
		Catalog: mongoStore.Catalog(),
		Issuer:  auth.NewIssuer(cfg.AccessTokenSecret, cfg.TokenTTL, appCache),
		Cache:   appCache,
		Limiter: middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}

	var (
		boltStore  *store.Bolt
		bookings   settlement.BookingStore
		ledger     settlement.LedgerStore
		transactor settlement.Transactor
	)
	switch cfg.BookingStore {
	case "bolt":
		boltStore, err = store.OpenBolt(cfg.BoltPath, retry, logger)
		if err != nil {
			return nil, err
		}
		b, l := boltStore.Bookings(), boltStore.Ledger()
		bookings, ledger = b, l
		deps.Bookings, deps.Ledger = b, l
		transactor = boltStore
	default:
		b, l := mongoStore.Bookings(), mongoStore.Ledger()
		bookings, ledger = b, l
		deps.Bookings, deps.Ledger = b, l
		if mongoStore.Transactional() {
			transactor = mongoStore
		}
	}
	logger.Info("booking store selected",
		zap.String("store", cfg.BookingStore),
		zap.Bool("transactional", transactor != nil))

	coord := settlement.NewCoordinator(bookings, ledger, transactor, logger,
		settlement.Options{Timeout: cfg.SettlementTimeout})
	deps.Settler = coord
	reconciler := settlement.NewReconciler(coord, cfg.ReconcileInterval, cfg.ReconcileGrace, logger)

	if cfg.MinioEnabled() {
		var minioClient *minio.Client
		maxMinioRetries := 5
		for i := 0; i < maxMinioRetries; i++ {
			minioClient, err = minio.New(cfg.MinioEndpoint, &minio.Options{
				Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
				Secure: cfg.MinioSecure,
			})
			if err != nil {
				logger.Warn("failed to create minio client, retrying...",
					zap.Error(err),
					zap.Int("attempt", i+1))
				time.Sleep(time.Second * time.Duration(i+1))
				continue
			}
			break
		}
		if err != nil {
			return nil, fmt.Errorf("minio connection failed after %d attempts: %v", maxMinioRetries, err)
		}
		photos := media.NewPhotoStore(minioClient, cfg.MinioBucket, logger)
		if err := photos.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		deps.Photos = photos
	} else {
		logger.Warn("MINIO_ENDPOINT not set, doctor photo uploads disabled")
	}

	if cfg.StripeSecretKey != "" {
		deps.Intents = payments.NewStripeIntents(cfg.StripeSecretKey, logger)
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set, payment intents disabled")
	}

	return &App{
		Fiber:      newFiber(cfg, logger),
		Mongo:      mongoStore,
		Bolt:       boltStore,
		Redis:      redisClient,
		Config:     cfg,
		Logger:     logger,
		Reconciler: reconciler,
		Limiter:    deps.Limiter,
		deps:       deps,
	}, nil
}

func newFiber(cfg *config.Config, logger *zap.Logger) *fiber.App {
	fiberApp := fiber.New(fiber.Config{
		ErrorHandler:          handlers.ErrorHandler(logger),
		DisableStartupMessage: cfg.IsProduction(),
		BodyLimit:             media.MaxFileSize + 1024*1024,
		ReadTimeout:           time.Second * 10,
		WriteTimeout:          time.Second * 10,
	})

	fiberApp.Use(middleware.RecoveryMiddleware(logger))

	fiberApp.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigins,
		AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		MaxAge:       300,
	}))

	fiberApp.Use(middleware.RequestLogger(logger))
	return fiberApp
}

func (a *App) setupRoutes() {
	handlers.Register(a.Fiber, a.deps)
}

func (a *App) Start() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	a.setupRoutes()
	a.Reconciler.Start()

	go func() {
		if err := a.Fiber.Listen(":" + a.Config.ServerPort); err != nil {
			a.Logger.Fatal("failed to start server",
				zap.Error(err),
				zap.String("port", a.Config.ServerPort))
		}
	}()

	a.Logger.Info("server started",
		zap.String("port", a.Config.ServerPort))

	<-sigChan
	a.Logger.Info("shutting down server...")

	// In-flight settlements finish before the stores close.
	if err := a.Fiber.ShutdownWithTimeout(a.Config.SettlementTimeout); err != nil {
		a.Logger.Error("error during server shutdown",
			zap.Error(err))
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Reconciler.Stop(stopCtx); err != nil {
		a.Logger.Error("error stopping reconciler", zap.Error(err))
	}
	a.Limiter.Stop()

	if a.Bolt != nil {
		if err := a.Bolt.Close(); err != nil {
			a.Logger.Error("error closing bolt store", zap.Error(err))
		}
	}
	if err := a.Mongo.Close(stopCtx); err != nil {
		a.Logger.Error("error closing mongodb connection",
			zap.Error(err))
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error("error closing redis connection",
				zap.Error(err))
		}
	}
	if err := a.Logger.Sync(); err != nil {
		log.Printf("error syncing logger: %v", err)
	}

	return nil
}

func main() {
	app, err := NewApp()
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	if err := app.Start(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}
