package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/garment-measure/internal/auth"
	"github.com/example/garment-measure/internal/background"
	"github.com/example/garment-measure/internal/config"
	"github.com/example/garment-measure/internal/handlers"
	"github.com/example/garment-measure/internal/history"
	"github.com/example/garment-measure/internal/inference"
	"github.com/example/garment-measure/internal/logging"
	"github.com/example/garment-measure/internal/measure"
	"github.com/example/garment-measure/internal/objectstore"
	"github.com/example/garment-measure/internal/preprocess"
)

const workerConcurrency = 4

func main() {
	cfg, err := config.Load(getEnv("MEASURE_CONFIG", ""))
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	store, err := newObjectStore(cfg.Storage, logger)
	if err != nil {
		logger.Fatal("failed to initialise object store", zap.Error(err))
	}

	inferencer, closeInferencer, err := newInferencer(ctx, cfg.Inference, logger)
	if err != nil {
		logger.Fatal("failed to initialise inference backend", zap.Error(err))
	}
	defer closeInferencer()

	executor, worker := newExecutor(cfg.Background, store, logger)
	if worker != nil {
		if err := worker.Start(); err != nil {
			logger.Fatal("failed to start background worker", zap.Error(err))
		}
		defer worker.Shutdown()
	}

	var recorder handlers.Recorder
	var historyService *history.Service
	if cfg.History.DSN != "" {
		historyService = newHistory(ctx, cfg.History, logger)
		recorder = historyService
	} else {
		logger.Info("measurement history disabled")
	}

	contract := preprocess.Contract{
		MaxDimension: cfg.Preprocess.MaxDimension,
		Format:       cfg.Preprocess.Format,
		Quality:      cfg.Preprocess.Quality,
	}
	orchestrator := measure.NewOrchestrator(store, inferencer, executor, logger, measure.Options{
		StoreTimeout:     cfg.Storage.Timeout,
		InferenceTimeout: cfg.Inference.Timeout,
		Contract:         contract,
	})
	handler := handlers.NewHandler(orchestrator, recorder, contract, logger)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           newRouter(cfg, handler, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("measurement API listening", zap.String("addr", cfg.Server.Addr))
	serveErr := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer drainCancel()
	if err := executor.Close(drainCtx); err != nil {
		logger.Warn("background executor did not drain", zap.Error(err))
	}
	if historyService != nil {
		if err := historyService.Close(drainCtx); err != nil {
			logger.Warn("history recorder did not drain", zap.Error(err))
		}
	}
	if serveErr != nil {
		logger.Fatal("server failed", zap.Error(serveErr))
	}
}

func newRouter(cfg *config.Config, handler *handlers.Handler, logger *zap.Logger) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger(logger))
	r.MaxMultipartMemory = handlers.MaxUploadSize

	corsConfig := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", handlers.RequestIDHeader},
		ExposeHeaders: []string{"Content-Length", handlers.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if allowsAnyOrigin(cfg.Server.AllowOrigins) {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.Server.AllowOrigins
	}
	r.Use(cors.New(corsConfig))

	var middleware []gin.HandlerFunc
	if cfg.Auth.JWTSecret != "" {
		middleware = append(middleware, auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience))
	} else {
		logger.Warn("bearer auth disabled; /api routes are public")
	}
	handlers.RegisterRoutes(r, handler, middleware...)
	return r
}

func allowsAnyOrigin(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}

func newObjectStore(cfg config.StorageConfig, logger *zap.Logger) (objectstore.Writer, error) {
	if cfg.Bucket != "" {
		logger.Info("using bucket object store", zap.String("endpoint", cfg.Endpoint), zap.String("bucket", cfg.Bucket))
		return objectstore.NewS3(objectstore.S3Options{
			Endpoint:  cfg.Endpoint,
			Region:    cfg.Region,
			Bucket:    cfg.Bucket,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			UseSSL:    cfg.UseSSL,
		}, logger)
	}
	logger.Info("using local object store", zap.String("dir", cfg.LocalDir))
	return objectstore.NewLocal(cfg.LocalDir, logger)
}

// newInferencer picks the first configured backend in the order replicate,
// grpc, ollama, and falls back to the stand-in.
func newInferencer(ctx context.Context, cfg config.InferenceConfig, logger *zap.Logger) (inference.Inferencer, func(), error) {
	noop := func() {}
	switch {
	case cfg.Replicate.APIToken != "":
		if cfg.Replicate.Model == "" {
			return nil, noop, errors.New("inference.replicate.model is required with an api token")
		}
		logger.Info("using replicate inference", zap.String("model", cfg.Replicate.Model))
		inferencer, err := inference.NewReplicate(cfg.Replicate.APIToken, cfg.Replicate.Model, logger)
		return inferencer, noop, err
	case cfg.GRPC.Addr != "":
		logger.Info("using grpc inference", zap.String("addr", cfg.GRPC.Addr), zap.String("model", cfg.GRPC.Model))
		inferencer, conn, err := inference.DialGRPC(ctx, cfg.GRPC.Addr, cfg.GRPC.Model, logger)
		if err != nil {
			return nil, noop, err
		}
		return inferencer, func() { _ = conn.Close() }, nil
	case cfg.Ollama.URL != "":
		logger.Info("using ollama inference", zap.String("url", cfg.Ollama.URL), zap.String("model", cfg.Ollama.Model))
		inferencer, err := inference.NewOllama(cfg.Ollama.URL, cfg.Ollama.Model, logger)
		return inferencer, noop, err
	default:
		logger.Warn("no inference backend configured; using stand-in measurements")
		return inference.NewStandIn(cfg.StandIn.Delay), noop, nil
	}
}

func newExecutor(cfg config.BackgroundConfig, store objectstore.Writer, logger *zap.Logger) (background.Executor, *background.Worker) {
	onError := func(job background.Job, err error) {
		logger.Error("annotated image was not stored",
			zap.String("request_id", job.RequestID),
			zap.String("key", job.Key),
			zap.Error(err),
		)
	}
	if cfg.Backend == config.BackgroundAsynq {
		logger.Info("using redis queue for detached writes", zap.String("redis_addr", cfg.RedisAddr))
		handler := background.NewStoreHandler(store, logger, onError)
		return background.NewQueue(cfg.RedisAddr, cfg.Timeout, logger),
			background.NewWorker(cfg.RedisAddr, workerConcurrency, handler, logger)
	}
	return background.NewInProcess(store, cfg.Timeout, logger, background.WithErrorHandler(onError)), nil
}

func newHistory(ctx context.Context, cfg config.HistoryConfig, logger *zap.Logger) *history.Service {
	db := initDatabase(ctx, cfg, logger)
	repo := history.NewRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	var cache history.Cache
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		defer redisCancel()
		cache = history.NewRedisCache(initRedis(redisCtx, cfg.RedisAddr, logger))
	}
	return history.NewService(repo, cache, cfg.CacheTTL, logger)
}

func openDialector(cfg config.HistoryConfig) (gorm.Dialector, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return postgres.Open(cfg.DSN), nil
	case config.DriverSQLite:
		return sqlite.Open(cfg.DSN), nil
	default:
		return nil, fmt.Errorf("unsupported history driver %q", cfg.Driver)
	}
}

func initDatabase(ctx context.Context, cfg config.HistoryConfig, zapLogger *zap.Logger) *gorm.DB {
	dialector, err := openDialector(cfg)
	if err != nil {
		zapLogger.Fatal("invalid database configuration", zap.Error(err))
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

// serveHTTPServerWithOptions serves until the server fails or a signal
// arrives, then shuts down gracefully. A nil listener listens on server.Addr;
// a nil signalCh subscribes to SIGINT and SIGTERM.
func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
