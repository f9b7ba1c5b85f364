package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-wf-approvals/internal/client"
	"github.com/pesio-ai/be-wf-approvals/internal/handler"
	"github.com/pesio-ai/be-wf-approvals/internal/platform/auth"
	"github.com/pesio-ai/be-wf-approvals/internal/platform/config"
	"github.com/pesio-ai/be-wf-approvals/internal/platform/database"
	"github.com/pesio-ai/be-wf-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-wf-approvals/internal/platform/middleware"
	"github.com/pesio-ai/be-wf-approvals/internal/platform/natsclient"
	"github.com/pesio-ai/be-wf-approvals/internal/platform/tracing"
	"github.com/pesio-ai/be-wf-approvals/internal/repository"
	"github.com/pesio-ai/be-wf-approvals/internal/scheduler"
	"github.com/pesio-ai/be-wf-approvals/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Workflow Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Service.Name, cfg.Service.Version, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		log.Warn().Err(err).Msg("Tracing disabled: exporter setup failed")
	}

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
		MaxRetries:  cfg.Database.MaxRetries,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	if cfg.Database.AutoMigrate {
		if err := repository.Migrate(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply migrations")
		}
	}

	// Initialize repositories
	workflowRepo := repository.NewWorkflowRepository(db)
	approverRepo := repository.NewApproverRepository(db)
	instanceRepo := repository.NewInstanceRepository(db)
	historyRepo := repository.NewHistoryRepository(db)
	tokenRepo := repository.NewTokenRepository(db)

	// Notifications are optional; without NATS events are dropped.
	var nats client.Publisher
	if cfg.NATS.URL != "" {
		nc, err := natsclient.Connect(natsclient.Config{
			URL:           cfg.NATS.URL,
			Name:          cfg.NATS.Name,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
		}, log.Logger)
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable, notifications disabled")
		} else {
			defer nc.Close()
			nats = nc
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
		}
	}
	publisher := client.NewNotificationPublisher(nats, log.Logger)

	// Initialize services
	tokenService := service.NewTokenService(tokenRepo, cfg.EmailApproval.TokenTTL, cfg.EmailApproval.BaseURL, nil)
	routingService := service.NewApprovalRoutingService(
		db,
		workflowRepo,
		approverRepo,
		instanceRepo,
		historyRepo,
		tokenService,
		publisher,
		service.Options{
			EmailApprovalEnabled: cfg.EmailApproval.Enabled,
			CommentsMandatory:    cfg.Comments.Mandatory,
		},
		log,
	)

	// Scheduled jobs lease through Redis when several replicas run.
	var locker scheduler.Locker = scheduler.NewLocalLocker()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, scheduler falls back to a process-local lock")
		} else {
			locker = scheduler.NewRedisLocker(rdb, cfg.Service.Name)
		}
	}

	sched, err := scheduler.New(scheduler.Config{
		SweepCron:   cfg.Escalation.SweepCron,
		CleanupCron: cfg.EmailApproval.CleanupCron,
		LockTTL:     cfg.Escalation.LockTTL,
	}, routingService, locker, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure scheduler")
	}
	sched.Start()

	// Setup HTTP routes
	if cfg.Environment() != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	httpHandler := handler.NewHTTPHandler(routingService, db, log)

	router := gin.New()
	router.Use(
		middleware.RequestID(),
		middleware.Logger(&log.Logger),
		middleware.Recovery(&log.Logger),
		middleware.CORS(cfg.Server.AllowedOrigins),
		middleware.Timeout(cfg.Server.RequestTimeout),
	)
	httpHandler.RegisterRoutes(router, middleware.RequireActor(tokens))

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	grpcHandler := handler.NewGRPCHandler(db, cfg.Service.Name, log.Logger)

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(handler.UnaryServerInterceptor(log.Logger)),
	)
	grpcHandler.Register(grpcServer)
	reflection.Register(grpcServer) // Enable reflection for debugging
	go grpcHandler.Watch(ctx, 15*time.Second)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.GRPC.Port).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	grpcServer.GracefulStop()
	sched.Stop(shutdownCtx)

	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Tracing shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
