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
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/bgremove/internal/auth"
	"github.com/example/bgremove/internal/config"
	"github.com/example/bgremove/internal/grpcclient"
	"github.com/example/bgremove/internal/handlers"
	"github.com/example/bgremove/internal/identity"
	"github.com/example/bgremove/internal/logging"
	"github.com/example/bgremove/internal/matting"
	"github.com/example/bgremove/internal/pipeline"
	"github.com/example/bgremove/internal/repository"
	"github.com/example/bgremove/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	repo := initJobRepository(ctx, cfg.Database, logger)
	cache := initCache(ctx, cfg.Redis, logger)

	backend, closeBackend, err := newBackend(ctx, cfg.Matting, logger)
	if err != nil {
		logger.Fatal("failed to set up matting backend", zap.Error(err), zap.String("backend", cfg.Matting.Backend))
	}
	defer closeBackend()

	adapter := matting.NewAdapter(backend, cfg.Matting.MaxConcurrency, cfg.Matting.Timeout, logger)
	proc := pipeline.New(adapter, cfg.Matting.MaxConcurrency, logger)
	identityClient := identity.NewClient(cfg.Identity.BaseURL, cfg.Identity.Timeout, logger)
	resolver := auth.NewResolver(identityClient, cfg.Identity.Timeout, logger)
	uc := usecase.NewRemovalUseCase(resolver, proc, identityClient, repo, cache, cfg.Redis.JobTTL, logger)

	gin.SetMode(gin.ReleaseMode)
	router := newRouter(cfg.HTTP, uc, logger)

	server := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: router,
	}

	logger.Info("background removal API listening",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("matting_backend", cfg.Matting.Backend),
		zap.Int("max_concurrency", cfg.Matting.MaxConcurrency),
	)
	if err := serveHTTPServer(server, cfg.HTTP.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newRouter(cfg config.HTTP, svc handlers.Service, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = cfg.MaxUploadSize

	r.Use(gin.Recovery())
	r.Use(handlers.RequestID())
	r.Use(handlers.AccessLog(logger))

	corsConfig := cors.DefaultConfig()
	if len(cfg.CORSOrigins) == 0 || containsWildcard(cfg.CORSOrigins) {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.CORSOrigins
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", handlers.RequestIDHeader)
	corsConfig.ExposeHeaders = []string{handlers.RequestIDHeader}
	r.Use(cors.New(corsConfig))

	handlers.RegisterRoutes(r, svc, handlers.Limits{MaxUploadSize: cfg.MaxUploadSize, MaxBatchSize: cfg.MaxBatchSize}, logger)
	return r
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

// newBackend builds the configured matting backend. The returned func
// releases whatever the backend holds open.
func newBackend(ctx context.Context, cfg config.Matting, logger *zap.Logger) (matting.Backend, func(), error) {
	switch cfg.Backend {
	case config.BackendCLI:
		return matting.NewCLIBackend(cfg.Binary, cfg.Model, logger), func() {}, nil
	case config.BackendHTTP:
		return matting.NewHTTPBackend(cfg.HTTPURL, cfg.Model, cfg.Timeout, logger), func() {}, nil
	case config.BackendGRPC:
		client, conn, err := grpcclient.DialMatting(ctx, cfg.GRPCAddr, logger)
		if err != nil {
			return nil, nil, err
		}
		return client, func() { _ = conn.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported matting backend %q", cfg.Backend)
	}
}

func initJobRepository(ctx context.Context, cfg config.Database, zapLogger *zap.Logger) usecase.JobRepository {
	if cfg.DSN == "" {
		zapLogger.Info("database not configured, job history disabled")
		return repository.NopJobRepository{}
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
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

	repo := repository.NewJobRepository(db, zapLogger)
	if err := repo.AutoMigrate(ctx); err != nil {
		zapLogger.Fatal("auto migrate failed", zap.Error(err))
	}
	return repo
}

func initCache(ctx context.Context, cfg config.Redis, zapLogger *zap.Logger) usecase.Cache {
	if cfg.Addr == "" {
		zapLogger.Info("redis not configured, job cache disabled")
		return usecase.NopCache{}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := client.Ping(pingCtx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return usecase.NewRedisCache(client)
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

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

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

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
