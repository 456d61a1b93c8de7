package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/conduitrun/conduit/internal/config"
	graphregistry "github.com/conduitrun/conduit/internal/graph/registry"
	llmregistry "github.com/conduitrun/conduit/internal/llm/registry"
	"github.com/conduitrun/conduit/internal/observability"
	"github.com/conduitrun/conduit/internal/orchestrator"
	"github.com/conduitrun/conduit/internal/secrets"
	"github.com/conduitrun/conduit/internal/storage"
	"github.com/conduitrun/conduit/internal/stream"
	"github.com/conduitrun/conduit/internal/toolpool"
)

// registryCacheTTL bounds how long the LM/graph registries cache a resolved
// record before re-checking storage.
const registryCacheTTL = 5 * time.Minute

// secretsKeyEnvVar names the AES-256 key used to encrypt provider API keys
// at rest (internal/secrets). Must decode to exactly 32 bytes.
const secretsKeyEnvVar = "CONDUIT_SECRETS_KEY"

func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the conduit orchestrator process",
		Long: `Start the conduit orchestrator: connect to storage and the Redis
generation cache, start the tool process pool, and serve the ambient
health and metrics endpoints.

This command does not expose the chat/generation HTTP API; wire
Orchestrator.Respond into a transport of your own.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("CONDUIT_CONFIG"), "path to YAML config file")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	logger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Logging.Level,
		Format:         cfg.Logging.Format,
		AddSource:      cfg.Logging.AddSource,
		RedactPatterns: cfg.Logging.Redact,
	})
	metrics := observability.NewMetrics()
	eventStore := observability.NewMemoryEventStore(0)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Endpoint:       tracingEndpoint(cfg.Tracing),
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			slog.Warn("tracer shutdown returned an error", "error", err)
		}
	}()

	stores, closeStores, err := buildStores(cfg.Storage)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer closeStores()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Stream.Addr,
		Password: cfg.Stream.Password,
		DB:       cfg.Stream.DB,
	})
	defer redisClient.Close()
	hub := stream.New(redisClient)

	box, err := loadSecretsBox()
	if err != nil {
		return fmt.Errorf("init secrets box: %w", err)
	}

	llmRegistry := llmregistry.New(stores.Neurons, stores.Users, box, registryCacheTTL)
	graphRegistry := graphregistry.New(stores.Graphs, stores.Users, registryCacheTTL)

	pool := toolpool.NewWithObservability(cfg.Tools, slog.Default(), metrics, tracer, eventStore)
	if err := pool.Start(ctx); err != nil {
		slog.Warn("tool pool start returned an error; continuing with whatever connected", "error", err)
	}
	defer pool.Stop()

	orch := orchestrator.New(orchestrator.Config{
		Stores:               stores,
		LLMRegistry:          llmRegistry,
		GraphRegistry:        graphRegistry,
		ToolClient:           pool,
		Hub:                  hub,
		Logger:               logger,
		Metrics:              metrics,
		Tracer:               tracer,
		EventStore:           eventStore,
		SystemDefaultGraphID: cfg.Orchestrator.SystemDefaultGraphID,
	})
	// orch is fully wired here for an embedding transport to call Respond
	// against; this command itself only serves the ambient endpoints below.

	srv := buildAmbientServer(cfg.Server, metrics, pool, orch)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ambient server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-sigCtx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("ambient server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// tracingEndpoint returns cfg.Endpoint, or "" (a no-op tracer) when tracing
// is disabled outright.
func tracingEndpoint(cfg config.TracingConfig) string {
	if !cfg.Enabled {
		return ""
	}
	return cfg.Endpoint
}

func buildStores(cfg config.StorageConfig) (storage.StoreSet, func(), error) {
	switch cfg.Driver {
	case "", "memory":
		stores := storage.NewMemoryStores()
		return stores, func() { stores.Close() }, nil
	case "postgres":
		stores, err := storage.NewPostgresStoresFromDSN(cfg.DSN, &storage.CockroachConfig{
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.ConnMaxIdleTime,
			ConnectTimeout:  cfg.ConnectTimeout,
		})
		if err != nil {
			return storage.StoreSet{}, nil, err
		}
		return stores, func() { stores.Close() }, nil
	default:
		return storage.StoreSet{}, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// loadSecretsBox builds the AES-256 box that encrypts provider credentials
// at rest. CONDUIT_SECRETS_KEY must hold exactly 32 bytes.
func loadSecretsBox() (*secrets.Box, error) {
	key := os.Getenv(secretsKeyEnvVar)
	if key == "" {
		return nil, fmt.Errorf("%s must be set to a 32-byte key", secretsKeyEnvVar)
	}
	return secrets.NewBox([]byte(key))
}

// buildAmbientServer exposes /healthz, /metrics, and /debug/timeline; the
// chat/generation surface itself is left to an embedding transport that
// calls Orchestrator.Respond directly.
func buildAmbientServer(cfg config.ServerConfig, metrics *observability.Metrics, pool *toolpool.Pool, orch *orchestrator.Orchestrator) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"tools":  pool.StatusAll(),
		})
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/timeline", func(w http.ResponseWriter, r *http.Request) {
		generationID := r.URL.Query().Get("generationId")
		if generationID == "" {
			http.Error(w, "generationId query parameter is required", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(orch.Timeline(generationID))
	})

	return &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: mux,
	}
}
