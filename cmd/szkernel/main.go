// SignalZero kernel server — symbol registry, context sessions, tool-calling
// inference and the HTTP/MCP control surfaces.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/signalzero/kernel/pkg/agents"
	"github.com/signalzero/kernel/pkg/api"
	"github.com/signalzero/kernel/pkg/auth"
	"github.com/signalzero/kernel/pkg/config"
	"github.com/signalzero/kernel/pkg/contextsession"
	"github.com/signalzero/kernel/pkg/inference"
	"github.com/signalzero/kernel/pkg/llm"
	"github.com/signalzero/kernel/pkg/mcp"
	"github.com/signalzero/kernel/pkg/project"
	"github.com/signalzero/kernel/pkg/prompts"
	"github.com/signalzero/kernel/pkg/registry"
	"github.com/signalzero/kernel/pkg/store"
	"github.com/signalzero/kernel/pkg/testrunner"
	"github.com/signalzero/kernel/pkg/tools"
	"github.com/signalzero/kernel/pkg/trace"
	"github.com/signalzero/kernel/pkg/vector"
)

func main() {
	envFile := flag.String("env-file", ".env", "Path to optional .env file")
	flag.Parse()

	config.LoadEnvFile(*envFile)

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	slog.Info("Starting SignalZero kernel", "http_port", cfg.HTTPPort)

	// 1. Store. Redis when configured; connection failure degrades rather
	// than exits — health reports the outage and operations retry lazily.
	var st store.Store
	if cfg.RedisAddr == "" {
		slog.Info("No REDIS_ADDR configured, using in-memory store")
		st = store.NewMemoryStore()
	} else {
		redisCfg := store.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
		rs, err := store.NewRedisStore(ctx, redisCfg)
		if err != nil {
			slog.Error("Redis unreachable, starting degraded", "addr", cfg.RedisAddr, "error", err)
			rs = store.NewRedisStoreDeferred(redisCfg)
		} else {
			slog.Info("Connected to Redis", "addr", cfg.RedisAddr)
		}
		st = rs
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()

	// 2. LLM clients. Anthropic carries reasoning; OpenAI serves baseline
	// comparisons and embeddings, falling back to the primary when absent.
	primary := llm.NewAnthropicClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	var baseline llm.Client = primary
	var openaiClient *llm.OpenAIClient
	if cfg.OpenAIAPIKey != "" {
		openaiClient = llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIEmbeddingModel)
		baseline = openaiClient
	}

	// 3. Vector index.
	var indexer registry.Indexer = vector.Disabled{}
	var reindexIndex vector.Index = vector.Disabled{}
	var vectorHealth func() error
	if cfg.VectorEnabled() {
		qd, err := vector.New(vector.Config{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			APIKey:     cfg.QdrantAPIKey,
			UseTLS:     cfg.QdrantUseTLS,
			Collection: cfg.QdrantCollection,
		}, openaiClient)
		if err != nil {
			slog.Error("Failed to initialize Qdrant client", "error", err)
			os.Exit(1)
		}
		indexer = qd
		reindexIndex = qd
		vectorHealth = func() error {
			healthCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return qd.HealthCheck(healthCtx)
		}
		slog.Info("Vector index enabled", "host", cfg.QdrantHost, "collection", cfg.QdrantCollection)
	} else {
		slog.Info("No QDRANT_HOST configured, semantic search disabled")
	}

	// 4. Services.
	authSvc := auth.NewService(st, cfg.InternalKey)
	sessions := contextsession.NewManager(st)
	sink := trace.NewSink(st)
	reg := registry.NewService(st, indexer)
	promptCache := prompts.NewCache(st)
	toolDeps := tools.Deps{Registry: reg, Traces: sink, Sessions: sessions}
	processor := inference.NewProcessor(sessions, primary, baseline, promptCache, st, toolDeps)
	agentSvc := agents.NewService(st, sessions, processor, sink)
	runner := testrunner.NewRunner(st, sessions, processor, sink)
	projectSvc := project.NewService(reg, promptCache, runner, agentSvc)
	mcpSrv := mcp.NewServer(st, toolDeps, reg, promptCache)
	reindexer := vector.NewReindexer(st, reindexIndex, reg)

	// 5. Startup maintenance: prompt defaults, symbol shape migration, then
	// crash recovery for sessions whose turn died mid-flight.
	if err := promptCache.Load(ctx); err != nil {
		slog.Error("Failed to load prompts", "error", err)
	}
	if err := reg.MigrateAll(ctx); err != nil {
		slog.Error("Symbol migration failed", "error", err)
	}
	if err := processor.RecoverInterrupted(ctx); err != nil {
		slog.Error("Crash recovery failed", "error", err)
	}

	// 6. Scheduler starts after recovery so recovered sessions are not
	// contended by cron fires.
	scheduler := agents.NewScheduler(agentSvc)
	scheduler.Start()
	slog.Info("Agent scheduler started")

	// 7. HTTP server.
	apiServer := api.NewServer(api.Deps{
		Store:        st,
		Auth:         authSvc,
		Sessions:     sessions,
		Processor:    processor,
		Registry:     reg,
		Reindexer:    reindexer,
		Traces:       sink,
		Agents:       agentSvc,
		Tests:        runner,
		Project:      projectSvc,
		MCP:          mcpSrv,
		VectorHealth: vectorHealth,
	})
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: apiServer.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown: stop cron fires first, then drain in-flight
	// turns and test runs, then close the listener.
	scheduler.Stop()

	drained := make(chan struct{})
	go func() {
		processor.Wait()
		runner.Wait()
		close(drained)
	}()
	drainCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	select {
	case <-drained:
		slog.Info("In-flight work drained")
	case <-drainCtx.Done():
		slog.Warn("Shutdown timeout exceeded, interrupted turns will be recovered on restart")
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
