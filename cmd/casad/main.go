// casad is the home-automation controller daemon. It loads actor profiles,
// records every device command on the hash-linked ledger, drives authorized
// commands to the devices, and archives sealed blocks.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/casa/internal/archive"
	"github.com/jmerrifield20/casa/internal/authz"
	"github.com/jmerrifield20/casa/internal/controller/handler"
	"github.com/jmerrifield20/casa/internal/controller/service"
	"github.com/jmerrifield20/casa/internal/device"
	"github.com/jmerrifield20/casa/internal/identity"
	"github.com/jmerrifield20/casa/internal/ledger"
	"github.com/jmerrifield20/casa/internal/policy"
	"github.com/jmerrifield20/casa/internal/profiles"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// healthService is the name reported by the gRPC health server.
const healthService = "casa.Controller"

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("casad exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("casad")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("casad.port", 8080)
	viper.SetDefault("casad.grpc_port", 9090)
	viper.SetDefault("casad.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("casad.rate_limit_rps", 20)
	viper.SetDefault("casad.profile_dir", "profiles")
	viper.SetDefault("casad.issuer", "casad")
	viper.SetDefault("casad.session_secret", "")
	viper.SetDefault("casad.session_ttl_seconds", 12*60*60)
	viper.SetDefault("casad.admin_secret_hash", "")
	viper.SetDefault("casad.seal_on_shutdown", true)
	viper.SetDefault("database.url", "")
	viper.SetDefault("archive.queue_size", 256)

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Profiles ─────────────────────────────────────────────────────────────
	profileDir := viper.GetString("casad.profile_dir")
	store := policy.NewStore()
	loadProfiles(store, profileDir, logger)

	engine := authz.New(store)

	// ── Ledger + archive ─────────────────────────────────────────────────────
	l := ledger.New(engine, logger)

	var blocks archive.Store
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		db, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()
		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		blocks = archive.NewPostgresStore(db, logger)
	} else {
		logger.Warn("database.url not set, sealed blocks are kept in memory only")
		blocks = archive.NewMemoryStore()
	}

	if err := archive.Restore(ctx, blocks, l, logger); err != nil {
		return fmt.Errorf("restore ledger: %w", err)
	}
	if err := l.Verify(); err != nil {
		return fmt.Errorf("ledger integrity check failed: %w", err)
	}
	height, _ := l.Height()
	root, _ := l.Root()
	logger.Info("ledger ready", zap.Uint64("height", height), zap.String("root", root.String()))

	archiver := archive.NewArchiver(blocks, viper.GetInt("archive.queue_size"), logger)
	archiver.OnWrite(handler.RecordArchiveWrite)
	l.OnSeal(archiver.Enqueue)
	l.OnSeal(handler.RecordBlockSealed)

	archiveCtx, stopArchive := context.WithCancel(context.Background())
	var archiveWG sync.WaitGroup
	archiveWG.Add(1)
	go func() {
		defer archiveWG.Done()
		archiver.Run(archiveCtx)
	}()

	// ── Sessions + commands ──────────────────────────────────────────────────
	var sessions *identity.SessionIssuer
	if secret := viper.GetString("casad.session_secret"); secret != "" {
		var err error
		sessions, err = identity.NewSessionIssuer(
			[]byte(secret),
			viper.GetString("casad.issuer"),
			time.Duration(viper.GetInt("casad.session_ttl_seconds"))*time.Second,
		)
		if err != nil {
			stopArchive()
			return fmt.Errorf("session issuer: %w", err)
		}
	} else {
		logger.Warn("casad.session_secret not set, running in open session mode")
	}

	state := device.NewStateTracker(device.NewNoopActuator(logger))
	svc := service.NewCommandService(engine, l, state, sessions, logger)
	svc.OnResult(handler.RecordCommand)

	adminHash := viper.GetString("casad.admin_secret_hash")
	if adminHash == "" {
		logger.Warn("casad.admin_secret_hash not set, admin endpoints disabled")
	}

	// ── HTTP router ──────────────────────────────────────────────────────────
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("casad.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", identity.AdminHeader},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))
	router.Use(handler.SecurityHeaders())
	router.Use(handler.BodyLimit(64 << 10))
	if rps := viper.GetInt("casad.rate_limit_rps"); rps > 0 {
		router.Use(handler.RateLimiter(ctx, rps, rps*2))
	}
	router.Use(handler.PrometheusMiddleware())
	router.Use(handler.RequestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		if _, err := l.Height(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/api/v1")
	handler.NewCommandHandler(svc, sessions, adminHash, logger).Register(v1)
	handler.NewLedgerHandler(l, blocks, adminHash, logger).Register(v1)
	handler.NewPolicyHandler(engine, store, state).Register(v1)

	// ── gRPC health ──────────────────────────────────────────────────────────
	grpcPort := viper.GetInt("casad.grpc_port")
	grpcLis, err := net.Listen("tcp", fmt.Sprintf(":%d", grpcPort))
	if err != nil {
		stopArchive()
		return fmt.Errorf("gRPC listen on :%d: %w", grpcPort, err)
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	healthSvc := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthSvc)
	healthSvc.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	go func() {
		logger.Info("casad gRPC health listening", zap.Int("port", grpcPort))
		if err := grpcServer.Serve(grpcLis); err != nil {
			logger.Error("gRPC serve error", zap.Error(err))
		}
	}()

	httpPort := viper.GetInt("casad.port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("casad HTTP listening", zap.Int("port", httpPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Profile reload on SIGHUP ─────────────────────────────────────────────
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				reloadProfiles(store, profileDir, logger)
			case <-ctx.Done():
				return
			}
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	<-ctx.Done()
	logger.Info("shutting down casad...")
	healthSvc.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	grpcServer.GracefulStop()

	if viper.GetBool("casad.seal_on_shutdown") {
		if b, err := l.Seal(); err != nil {
			logger.Error("seal open block", zap.Error(err))
		} else if b != nil {
			logger.Info("open block sealed for shutdown", zap.Uint64("index", b.Index()))
		}
	}
	stopArchive()
	archiveWG.Wait()

	logger.Info("casad stopped")
	return nil
}

// loadProfiles installs every profile in dir. Bad profiles are logged and
// skipped; the rest stay usable.
func loadProfiles(store *policy.Store, dir string, logger *zap.Logger) {
	n, err := profiles.Install(store, dir)
	if err != nil {
		logger.Warn("some profiles were not loaded", zap.String("dir", dir), zap.Error(err))
	}
	handler.SetProfilesGauge(store.Len())
	logger.Info("profiles loaded", zap.String("dir", dir), zap.Int("installed", n), zap.Int("total", store.Len()))
}

// reloadProfiles swaps in the profiles currently in dir. Actors whose file
// was removed lose access and their session.
func reloadProfiles(store *policy.Store, dir string, logger *zap.Logger) {
	n, err := profiles.Reload(store, dir)
	if err != nil {
		logger.Warn("profile reload incomplete", zap.String("dir", dir), zap.Error(err))
	}
	handler.SetProfilesGauge(store.Len())
	logger.Info("profiles reloaded", zap.String("dir", dir), zap.Int("installed", n))
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// loggingInterceptor returns a gRPC unary server interceptor that logs each call.
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("latency", time.Since(start)),
		)
		return resp, err
	}
}
