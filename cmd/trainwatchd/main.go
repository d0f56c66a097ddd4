package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/trainwatch-labs/trainwatch-go/internal/artifact"
	"github.com/trainwatch-labs/trainwatch-go/internal/ingest"
	"github.com/trainwatch-labs/trainwatch-go/internal/platform/env"
	"github.com/trainwatch-labs/trainwatch-go/internal/platform/httpserver"
	"github.com/trainwatch-labs/trainwatch-go/internal/platform/metrics"
	"github.com/trainwatch-labs/trainwatch-go/internal/platform/postgres"
	"github.com/trainwatch-labs/trainwatch-go/internal/query"
	"github.com/trainwatch-labs/trainwatch-go/internal/repo"
	memorystore "github.com/trainwatch-labs/trainwatch-go/internal/repo/memory"
	postgresstore "github.com/trainwatch-labs/trainwatch-go/internal/repo/postgres"
	"github.com/trainwatch-labs/trainwatch-go/internal/supervise"
	"github.com/trainwatch-labs/trainwatch-go/internal/trainmode"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("TRAINWATCH_HTTP_ADDR", ":8087")
	shutdownTimeout, err := env.Duration("TRAINWATCH_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	tokenSecret, err := env.Require("TRAINWATCH_TOKEN_SECRET")
	if err != nil {
		logger.Error("missing token secret", "env", "TRAINWATCH_TOKEN_SECRET")
		os.Exit(2)
	}
	tokenTTL, err := env.Duration("TRAINWATCH_TOKEN_TTL", 12*time.Hour)
	if err != nil {
		logger.Error("invalid token ttl", "error", err)
		os.Exit(2)
	}

	dataDir := env.String("TRAINWATCH_DATA_DIR", "/var/lib/trainwatch")
	reportURL := env.String("TRAINWATCH_REPORT_URL", "http://localhost:8087")
	monitorInterval, err := env.Duration("TRAINWATCH_MONITOR_INTERVAL", 30*time.Second)
	if err != nil {
		logger.Error("invalid monitor interval", "error", err)
		os.Exit(2)
	}

	policy := trainmode.Default()
	if policyPath := strings.TrimSpace(env.String("TRAINWATCH_TRAINMODE_POLICY", "")); policyPath != "" {
		policy, err = trainmode.Load(policyPath)
		if err != nil {
			logger.Error("invalid trainmode policy", "path", policyPath, "error", err)
			os.Exit(2)
		}
	}

	var (
		store  repo.Store
		checks []httpserver.ReadinessCheck
	)
	backend := strings.ToLower(strings.TrimSpace(env.String("TRAINWATCH_STORE", "postgres")))
	switch backend {
	case "postgres":
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid database config", "error", err)
			os.Exit(2)
		}
		db, err := postgres.Open(ctx, dbCfg)
		if err != nil {
			logger.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		if err := postgresstore.EnsureSchema(ctx, db); err != nil {
			logger.Error("schema migration failed", "error", err)
			os.Exit(1)
		}
		store = postgresstore.NewStore(db)
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return db.PingContext(checkCtx)
			},
		})
	case "memory":
		logger.Warn("using in-memory store, all state is lost on restart")
		store = memorystore.NewStore()
	default:
		logger.Error("unsupported store backend", "backend", backend)
		os.Exit(2)
	}

	artifactEnabled, err := env.Bool("TRAINWATCH_ARTIFACT_ENABLED", false)
	if err != nil {
		logger.Error("invalid artifact enabled flag", "error", err)
		os.Exit(2)
	}
	var artifacts *artifact.Store
	if artifactEnabled {
		artifactCfg, err := artifact.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid artifact store config", "error", err)
			os.Exit(2)
		}
		artifacts, err = artifact.NewStore(artifactCfg)
		if err != nil {
			logger.Error("artifact store client init failed", "error", err)
			os.Exit(2)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := artifacts.EnsureBucket(startupCtx); err != nil {
			cancel()
			logger.Error("artifact store unavailable", "error", err)
			os.Exit(1)
		}
		cancel()
		checks = append(checks, httpserver.ReadinessCheck{
			Name: "minio",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return artifacts.Ping(checkCtx)
			},
		})
	}

	collector := metrics.NewCollector()

	launcher, err := supervise.NewExecLauncher()
	if err != nil {
		logger.Error("launcher init failed", "error", err)
		os.Exit(2)
	}
	var archiver supervise.LogArchiver
	if artifacts != nil {
		archiver = artifacts
	}
	supervisor, err := supervise.New(logger, store, policy, supervise.Config{
		DataDir:     dataDir,
		ReportURL:   reportURL,
		TokenSecret: tokenSecret,
		TokenTTL:    tokenTTL,
	}, launcher, archiver, collector)
	if err != nil {
		logger.Error("supervisor init failed", "error", err)
		os.Exit(2)
	}

	ingestor := ingest.New(logger, store, collector)
	assembler := query.New(logger, store)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("trainwatchd"))
	mux.HandleFunc("/readyz", httpserver.Readyz("trainwatchd", checks...))
	mux.Handle("GET /metrics", collector.Handler())

	var verifier artifactVerifier
	if artifacts != nil {
		verifier = artifacts
	}
	api := newTrainwatchAPI(logger, ingestor, supervisor, assembler, verifier, tokenSecret)
	api.register(mux)

	go supervisor.MonitorLoop(ctx, monitorInterval)

	cfg := httpserver.Config{
		Service:         "trainwatchd",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}
	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "trainwatchd", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
