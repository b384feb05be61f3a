// Package main is the entry point for the ContractFlow ingestion API.
//
// It loads configuration, wires the queue backend, the webhook processor and
// its optional collaborators (document lookup, audit database, CloudWatch
// metrics), mounts the HTTP chassis, and serves until a shutdown signal.
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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"contractflow/internal/api/handlers"
	"contractflow/internal/config"
	"contractflow/internal/core"
	"contractflow/internal/db"
	"contractflow/internal/external"
	"contractflow/internal/messaging"
	"contractflow/internal/telemetry"
	"contractflow/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(secretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("contractflow API starting",
		"environment", cfg.Environment,
		"queue", cfg.Queue.Name,
		"queue_backend", cfg.Queue.Backend,
		"port", cfg.Server.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}

	backend := buildBackend(cfg, awsCfg, logger)

	// Optional collaborators degrade gracefully: without a lookup base URL
	// synthesized doc ids flow through unchanged, and without a database URL
	// auditing is disabled.
	var processorOpts []webhook.ProcessorOption

	if cfg.Lookup.BaseURL != "" {
		lookup := external.NewDocumentLookupClient(
			&http.Client{Timeout: cfg.Lookup.Timeout},
			external.DocumentLookupConfig{
				BaseURL: cfg.Lookup.BaseURL,
				APIKey:  cfg.Lookup.APIKey,
				Logger:  logger,
			},
		)
		processorOpts = append(processorOpts, webhook.WithDocumentResolver(lookup))
	}

	var (
		pool      *pgxpool.Pool
		auditRepo *db.WebhookEventRepository
	)
	if cfg.Database.URL.IsSet() {
		pool, err = buildPool(ctx, cfg)
		if err != nil {
			return fmt.Errorf("connecting to audit database: %w", err)
		}
		defer pool.Close()
		auditRepo = db.NewWebhookEventRepository(pool)
		processorOpts = append(processorOpts, webhook.WithAuditRecorder(auditRepo))
	}

	if cfg.Environment != "local" {
		emitter := telemetry.NewCloudWatchEmitter(
			cloudwatch.NewFromConfig(awsCfg), cfg.Queue.Name, logger)
		processorOpts = append(processorOpts, webhook.WithOutcomeEmitter(emitter))
	}

	processor := webhook.NewProcessor(backend, logger, processorOpts...)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	var handlerOpts []handlers.WebhookHandlerOption
	if auditRepo != nil {
		handlerOpts = append(handlerOpts, handlers.WithAuditReader(auditRepo))
	}
	webhookHandler := handlers.NewWebhookHandler(processor, logger, cfg.Webhook.MaxBodyBytes, handlerOpts...)
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, func(r chi.Router) {
		webhookHandler.Routes(r)
	})

	srv.HealthProbes = append(srv.HealthProbes, core.QueueProbe{Backend: backend})
	if pool != nil {
		srv.HealthProbes = append(srv.HealthProbes,
			core.PingProbe{ProbeName: "database", Pinger: pool},
			core.IngestFailureProbe{Counter: auditRepo})
	}

	srv.MountRoutes()

	return serve(ctx, srv, cfg, logger)
}

// buildBackend selects the queue backend. The in-memory backend is for local
// development only; everything else talks to SQS, optionally through a
// LocalStack endpoint.
func buildBackend(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) messaging.Backend {
	if cfg.Queue.Backend == "memory" {
		return messaging.NewMemoryBackend(cfg.Queue.Name, logger)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	return messaging.NewSQSBackend(client, cfg.Queue.Name, logger)
}

// buildPool creates the pgx connection pool for the audit repository.
func buildPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolCfg.ConnConfig.ConnectTimeout = cfg.Database.AcquireTimeout

	return pgxpool.NewWithConfig(ctx, poolCfg)
}

// serve runs the HTTP server until the context is cancelled or the listener
// fails, then shuts down gracefully within the configured deadline.
func serve(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	httpServer := srv.HTTPServer()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// secretProvider picks how *_SSM_PARAM pointers are resolved. Deployments
// that inject secrets directly into the environment (compose, CI) set
// SECRET_PROVIDER=env; everything else reads SSM Parameter Store.
func secretProvider() config.SecretProvider {
	if os.Getenv("SECRET_PROVIDER") == "env" {
		return config.NewEnvVarProvider()
	}
	return config.NewSSMProvider(regionFromEnv())
}

// regionFromEnv reads the AWS region before configuration is loaded; the SSM
// provider needs it to resolve the rest of the configuration.
func regionFromEnv() string {
	if region := os.Getenv("AWS_REGION"); region != "" {
		return region
	}
	return "us-east-1"
}

// newLogger creates a JSON slog.Logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
