package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/bizmatters/contract-studio/internal/auth"
	"github.com/bizmatters/contract-studio/internal/config"
	"github.com/bizmatters/contract-studio/internal/gateway"
	"github.com/bizmatters/contract-studio/internal/metrics"
	"github.com/bizmatters/contract-studio/internal/orchestration"
	"github.com/bizmatters/contract-studio/internal/store"

	_ "github.com/bizmatters/contract-studio/docs" // swagger docs
)

// @title Contract Studio API
// @version 1.0
// @description Conversational smart-contract studio
// @description
// @description Chat with the agent backend to draft a contract specification, inspect it as a diagram,
// @description edit variable values, generate code and simulate deployments.

// @contact.name API Support
// @contact.email support@bizmatters.dev

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /api

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and the JWT token.

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := config.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	shutdownTracer, err := initTracer()
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer shutdownTracer()

	sessionMetrics, err := metrics.NewSessionMetrics()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agent := orchestration.NewAgentClient(cfg.Agent.URL, logger)

	conversations, closeStore, err := openStore(ctx, cfg.Storage, agent, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	service := orchestration.NewService(orchestration.ServiceConfig{
		Backend:       agent,
		Conversations: conversations,
		Metrics:       sessionMetrics,
		Logger:        logger,
		SaveDelay:     cfg.Session.SaveDelay(),
		IdleTimeout:   cfg.Session.IdleTimeout(),
	})
	go service.RunEvictor(ctx, cfg.Session.EvictInterval())

	var (
		jwtManager *auth.JWTManager
		users      *auth.UserDirectory
	)
	if cfg.Auth.Enabled {
		jwtManager, err = auth.NewJWTManager(cfg.Auth.JWTSecret)
		if err != nil {
			return fmt.Errorf("failed to initialize JWT manager: %w", err)
		}
		users = auth.NewUserDirectory(cfg.Auth.Users)
		logger.Info("authentication enabled", "operators", users.Len())
	} else {
		logger.Warn("authentication disabled, sessions are shared by all callers")
	}

	var limiter *gateway.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = gateway.NewRateLimiter(gateway.RateLimitConfig{
			RequestsPerMin: cfg.RateLimit.RequestsPerMin,
			BurstSize:      cfg.RateLimit.BurstSize,
			CleanupMinutes: cfg.RateLimit.CleanupMinutes,
		})
		defer limiter.Stop()
	}

	router := gateway.NewRouter(gateway.RouterConfig{
		Handler:     gateway.NewHandler(service, users, jwtManager, cfg.Auth.TokenTTL(), logger),
		Stream:      gateway.NewSessionStream(service, cfg.CORS.AllowedOrigins, logger),
		JWTManager:  jwtManager,
		RateLimiter: limiter,
		Ready: func(ctx context.Context) error {
			if !agent.IsHealthy(ctx) {
				return errors.New("agent backend unreachable")
			}
			return nil
		},
		Logger: logger,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      gateway.CORS(router, cfg.CORS.AllowedOrigins),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting contract studio server",
			"addr", server.Addr,
			"agent_url", cfg.Agent.URL,
			"storage", cfg.Storage.Type)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	// flushes pending conversation saves
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error("sessions closed with errors", "error", err)
	}

	logger.Info("server exited")
	return nil
}

// openStore builds the configured conversation store. The returned close
// function is always safe to call.
func openStore(ctx context.Context, cfg config.StorageConfig, agent *orchestration.AgentClient, logger *slog.Logger) (store.ConversationStore, func(), error) {
	noop := func() {}

	switch cfg.Type {
	case "memory":
		logger.Warn("conversations are kept in memory and lost on restart")
		return store.NewMemoryStore(), noop, nil

	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.SQLite.Path, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, noop, fmt.Errorf("failed to migrate sqlite store: %w", err)
		}
		logger.Info("using sqlite conversation store", "path", cfg.SQLite.Path)
		return s, func() { s.Close() }, nil

	case "postgres":
		pool, err := connectPostgres(ctx, cfg.Postgres.URL, logger)
		if err != nil {
			return nil, noop, err
		}
		s := store.NewPostgresStore(pool, logger)
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, noop, fmt.Errorf("failed to migrate postgres store: %w", err)
		}
		logger.Info("using postgres conversation store")
		return s, pool.Close, nil

	case "s3":
		client, err := store.NewS3Client(ctx, store.S3Options{
			Region:   cfg.S3.Region,
			Bucket:   cfg.S3.Bucket,
			Endpoint: cfg.S3.Endpoint,
		})
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create s3 client: %w", err)
		}
		logger.Info("using s3 conversation store", "bucket", cfg.S3.Bucket)
		return store.NewS3Store(client, cfg.S3.Bucket, logger), noop, nil

	default:
		logger.Info("using agent backend conversation store", "agent_url", agent.BaseURL())
		return agent, noop, nil
	}
}

// connectPostgres retries the initial connection while the database starts
func connectPostgres(ctx context.Context, url string, logger *slog.Logger) (*pgxpool.Pool, error) {
	logger.Info("connecting to PostgreSQL database")

	var (
		pool *pgxpool.Pool
		err  error
	)
	for i := 0; i < 10; i++ {
		pool, err = pgxpool.New(ctx, url)
		if err == nil {
			err = pool.Ping(ctx)
			if err == nil {
				logger.Info("connected to PostgreSQL database")
				return pool, nil
			}
			pool.Close()
		}
		logger.Warn("waiting for database", "attempt", i+1, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
	return nil, fmt.Errorf("failed to connect to database after retries: %w", err)
}

// initTracer initializes OpenTelemetry tracing
func initTracer() (func(), error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}, nil
}
