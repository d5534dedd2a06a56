package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/stone-check/internal/auth"
	"github.com/example/stone-check/internal/classifier"
	"github.com/example/stone-check/internal/config"
	"github.com/example/stone-check/internal/grpcclient"
	"github.com/example/stone-check/internal/grpcserver"
	"github.com/example/stone-check/internal/handlers"
	"github.com/example/stone-check/internal/logging"
	"github.com/example/stone-check/internal/onnxmodel"
	"github.com/example/stone-check/internal/repository"
	"github.com/example/stone-check/internal/usecase"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	probe := flag.Bool("probe", false, "check the gRPC health endpoint and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Server.Mode)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	if *probe {
		os.Exit(runProbe(cfg, logger))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var model classifier.Model
	loaded, err := onnxmodel.Load(onnxmodel.Options{
		Path:        cfg.Model.Path,
		LibraryPath: cfg.Model.LibraryPath,
		InputSize:   cfg.Model.InputSize,
		Layout:      classifier.Layout(cfg.Model.Layout),
		InputName:   cfg.Model.InputName,
		OutputName:  cfg.Model.OutputName,
	}, logger)
	if err != nil {
		logger.Warn("model unavailable, serving demo predictions", zap.Error(err), zap.String("path", cfg.Model.Path))
	} else {
		defer loaded.Close()
		model = loaded
	}

	clf := classifier.New(model, classifier.Options{
		InputSize:     cfg.Model.InputSize,
		Layout:        classifier.Layout(cfg.Model.Layout),
		OcclusionGrid: cfg.Model.OcclusionGrid,
		MaxPixels:     cfg.Model.MaxPixels,
	})

	// Optional components stay as untyped nil interfaces when disabled.
	var repo usecase.ScanRepository
	if cfg.Database.DSN != "" {
		scanRepo := repository.NewScanRepository(initDatabase(ctx, cfg.Database, logger), logger)
		if err := scanRepo.AutoMigrate(ctx); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		repo = scanRepo
	}

	var cache usecase.Cache
	if cfg.Redis.Addr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		if client := initRedis(redisCtx, cfg.Redis, logger); client != nil {
			defer client.Close()
			cache = usecase.NewRedisCache(client)
		}
		redisCancel()
	}

	uc := usecase.NewInferenceUseCase(clf, repo, cache, cfg.Redis.TTL, logger)

	gin.SetMode(cfg.Server.Mode)
	router := newRouter(uc, cfg, logger)

	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			logger.Fatal("failed to listen for gRPC", zap.Error(err), zap.String("addr", cfg.GRPC.Addr))
		}
		grpcSrv := grpcserver.New(uc.Mode(), logger)
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				logger.Error("gRPC server stopped", zap.Error(err))
			}
		}()
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer stopCancel()
			grpcSrv.Stop(stopCtx)
		}()
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("stone-check API listening",
		zap.String("addr", cfg.Server.Addr),
		zap.String("mode", string(uc.Mode())),
		zap.Bool("history", uc.HistoryEnabled()),
	)
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newRouter(uc *usecase.InferenceUseCase, cfg *config.Config, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestLogger(logger), handlers.CORS())
	r.MaxMultipartMemory = cfg.Server.MaxUploadSize

	handlers.RegisterRoutes(r, uc, handlers.Options{
		MaxUploadSize: cfg.Server.MaxUploadSize,
		HistoryAuth:   auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience),
		UploadAuth:    auth.OptionalJWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience),
	})
	return r
}

func initDatabase(ctx context.Context, cfg config.DatabaseConfig, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

// initRedis returns nil when the server cannot be reached; caching is optional.
func initRedis(ctx context.Context, cfg config.RedisConfig, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Warn("redis unavailable, caching disabled", zap.Error(err), zap.String("addr", cfg.Addr))
		client.Close()
		return nil
	}
	return client
}

func runProbe(cfg *config.Config, logger *zap.Logger) int {
	if cfg.GRPC.Addr == "" {
		logger.Error("probe requires grpc.addr")
		return 2
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	probe, conn, err := grpcclient.DialHealth(ctx, cfg.GRPC.Addr, logger)
	if err != nil {
		return 1
	}
	defer conn.Close()

	serving, err := probe.Check(ctx, grpcserver.ServiceName)
	if err != nil || !serving {
		return 1
	}
	return 0
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
