// Package main is the entry point for the ContractFlow download worker.
//
// It polls the contract download queue, fetches document content from the
// CRM, and hands the content off to the parse queue. The poller runs until a
// shutdown signal arrives; in-flight messages finish before exit.
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

	"contractflow/internal/config"
	"contractflow/internal/external"
	"contractflow/internal/messaging"
	"contractflow/internal/telemetry"
	"contractflow/internal/worker"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(secretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	// The worker exists to download documents; without a CRM base URL there
	// is nothing it can do with a message.
	if cfg.Lookup.BaseURL == "" {
		return errors.New("LOOKUP_BASE_URL is required for the download worker")
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("contractflow download worker starting",
		"environment", cfg.Environment,
		"queue", cfg.Queue.Name,
		"queue_backend", cfg.Queue.Backend,
		"parse_queue", cfg.Worker.ParseQueueName,
		"concurrency", cfg.Worker.Concurrency,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("loading AWS config: %w", err)
	}

	backend := buildBackend(cfg, awsCfg, logger, cfg.Queue.Name)

	fetcher := external.NewContractDownloadClient(
		&http.Client{Timeout: cfg.Lookup.Timeout},
		external.DocumentLookupConfig{
			BaseURL: cfg.Lookup.BaseURL,
			APIKey:  cfg.Lookup.APIKey,
			Logger:  logger,
		},
	)

	var handlerOpts []worker.DownloadHandlerOption
	if cfg.Worker.ParseQueueName != "" {
		parseBackend := buildBackend(cfg, awsCfg, logger, cfg.Worker.ParseQueueName)
		handlerOpts = append(handlerOpts, worker.WithParsePublisher(parseBackend))
	}
	handler := worker.NewDownloadHandler(fetcher, logger, handlerOpts...)

	var pollerOpts []worker.PollerOption
	if cfg.Environment != "local" {
		emitter := telemetry.NewCloudWatchEmitter(
			cloudwatch.NewFromConfig(awsCfg), cfg.Queue.Name, logger)
		pollerOpts = append(pollerOpts, worker.WithOutcomeRecorder(emitter))
	}

	poller := worker.NewPoller(backend, handler, worker.Config{
		BatchSize:    cfg.Worker.BatchSize,
		Concurrency:  cfg.Worker.Concurrency,
		IdleInterval: cfg.Worker.IdleInterval,
		ErrorBackoff: cfg.Worker.ErrorBackoff,
	}, logger, pollerOpts...)

	err = poller.Run(ctx)
	logger.Info("download worker stopped")
	return err
}

// buildBackend selects the queue backend for the named queue. The in-memory
// backend is for local development only; everything else talks to SQS,
// optionally through a LocalStack endpoint.
func buildBackend(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger, queueName string) messaging.Backend {
	if cfg.Queue.Backend == "memory" {
		return messaging.NewMemoryBackend(queueName, logger)
	}

	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
		}
	})
	return messaging.NewSQSBackend(client, queueName, logger)
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
