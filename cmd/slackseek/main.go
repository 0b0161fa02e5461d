// Command slackseek indexes Slack workspace history into a vector store and
// serves semantic search over it via MCP.
//
// Subcommands:
//
//	ingestion          run the scheduled ingestion loop
//	serve              run ingestion plus the MCP search endpoint
//	search-once QUERY  run a single search and print the results as JSON
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

	"github.com/nevindra/slackseek"
	"github.com/nevindra/slackseek/ingest"
	"github.com/nevindra/slackseek/internal/config"
	"github.com/nevindra/slackseek/mcp"
	"github.com/nevindra/slackseek/observer"
	"github.com/nevindra/slackseek/provider/openai"
	"github.com/nevindra/slackseek/search"
	"github.com/nevindra/slackseek/slack"
	"github.com/nevindra/slackseek/store/local"
	"github.com/nevindra/slackseek/store/pinecone"
)

const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2

	drainTimeout = 10 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		usage()
		return exitConfig
	}

	cfg := config.Load(os.Getenv("SLACKSEEK_CONFIG"))
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitConfig
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "ingestion":
		return runIngestion(ctx, cfg, logger)
	case "serve":
		return runServe(ctx, cfg, logger)
	case "search-once":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "search-once requires a query")
			return exitConfig
		}
		return runSearchOnce(ctx, cfg, logger, os.Args[2])
	default:
		usage()
		return exitConfig
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: slackseek <ingestion|serve|search-once QUERY>")
}

// services bundles the wired pipeline.
type services struct {
	chat     *slack.Client
	embedder slackseek.EmbeddingProvider
	store    slackseek.VectorStore
	searcher mcp.Searcher
	state    *ingest.StateFile
	worker   *ingest.Worker
	inst     *observer.Instruments
	shutdown func(context.Context) error
}

// build wires every component from config. The returned shutdown function
// flushes telemetry and closes the store.
func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*services, error) {
	var (
		inst         *observer.Instruments
		otelShutdown func(context.Context) error
	)
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		var err error
		inst, otelShutdown, err = observer.Init(ctx, pricing)
		if err != nil {
			return nil, slackseek.Errorf(slackseek.KindConfig, "observer init: %v", err)
		}
	}

	chatOpts := []slack.Option{slack.WithLogger(logger)}
	if cfg.Chat.RatePerMinute > 0 {
		chatOpts = append(chatOpts, slack.WithGovernor(slackseek.NewGovernor(
			slackseek.WithDefaultLimit("slack", cfg.Chat.RatePerMinute),
		)))
	}
	chat := slack.New(cfg.Chat.BotToken, chatOpts...)

	var embedder slackseek.EmbeddingProvider = openai.NewEmbedding(
		cfg.Embed.APIKey, cfg.Embed.Model, cfg.Embed.Dimensions,
		openai.WithEmbeddingLogger(logger),
	)
	var provider slackseek.Provider = openai.NewChat(
		cfg.LLM.APIKey, cfg.LLM.Model,
		openai.WithChatLogger(logger),
	)
	if inst != nil {
		embedder = observer.WrapEmbedding(embedder, cfg.Embed.Model, inst)
		provider = observer.WrapProvider(provider, cfg.LLM.Model, inst)
	}

	var (
		store slackseek.VectorStore
		err   error
	)
	if cfg.Vector.APIKey != "" {
		store, err = pinecone.Open(ctx, cfg.Vector.APIKey, cfg.Vector.IndexName, cfg.Embed.Dimensions,
			pinecone.WithLogger(logger))
	} else {
		logger.Info("no vector api key set, using local store", "path", cfg.Vector.LocalPath)
		store, err = local.Open(cfg.Vector.LocalPath, cfg.Embed.Dimensions,
			local.WithLogger(logger))
	}
	if err != nil {
		return nil, err
	}

	enhancer := search.NewEnhancer(provider, search.DefaultEnhancerPrompt, logger)
	var searcher mcp.Searcher = search.NewService(embedder, store,
		search.WithEnhancer(enhancer),
		search.WithDirectory(chat),
		search.WithWorkspace(cfg.Chat.Workspace),
		search.WithServiceLogger(logger),
	)
	if inst != nil {
		searcher = observer.WrapSearch(searcher, inst)
	}

	state, err := ingest.OpenState(cfg.Ingest.StatePath)
	if err != nil {
		store.Close()
		return nil, err
	}

	channels, err := resolveChannels(ctx, chat, cfg.Chat.Channels, logger)
	if err != nil {
		store.Close()
		return nil, err
	}

	sinks := ingest.MultiRunLogger{ingest.SlogRunLogger{Logger: logger}}
	if cfg.Ingest.WebhookURL != "" {
		sinks = append(sinks, ingest.WebhookRunLogger{URL: cfg.Ingest.WebhookURL})
	}
	if inst != nil {
		sinks = append(sinks, observer.NewRunLogger(inst))
	}

	worker := ingest.NewWorker(chat, embedder, store, state, channels,
		ingest.WithChunker(slackseek.NewChunker(
			slackseek.WithChunkBudget(cfg.Ingest.ChunkSize),
			slackseek.WithChunkOverlap(cfg.Ingest.ChunkOverlap),
		)),
		ingest.WithRunLogger(sinks),
		ingest.WithWorkerLogger(logger),
	)

	shutdown := func(ctx context.Context) error {
		err := store.Close()
		if otelShutdown != nil {
			err = errors.Join(err, otelShutdown(ctx))
		}
		return err
	}

	return &services{
		chat:     chat,
		embedder: embedder,
		store:    store,
		searcher: searcher,
		state:    state,
		worker:   worker,
		inst:     inst,
		shutdown: shutdown,
	}, nil
}

// resolveChannels maps configured channel names to IDs. Values that already
// look like IDs, or that the workspace listing does not know, pass through
// unchanged so a later membership check can report them.
func resolveChannels(ctx context.Context, chat *slack.Client, names []string, logger *slog.Logger) ([]string, error) {
	if _, err := chat.ListChannels(ctx); err != nil {
		if slackseek.KindOf(err) == slackseek.KindAuthUpstream {
			return nil, err
		}
		logger.Warn("channel listing failed, using configured values as-is", "error", err)
	}
	ids := make([]string, 0, len(names))
	for _, name := range names {
		if ch, ok := chat.ResolveChannel(name); ok {
			ids = append(ids, ch.ID)
			continue
		}
		ids = append(ids, name)
	}
	return ids, nil
}

func runIngestion(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	svc, err := build(ctx, cfg, logger)
	if err != nil {
		return report(logger, err)
	}
	defer drain(svc, logger)

	sched := ingest.NewScheduler(svc.worker,
		time.Duration(cfg.Ingest.RefreshIntervalHours)*time.Hour,
		ingest.WithSchedulerLogger(logger),
	)
	if err := sched.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return report(logger, err)
	}
	return exitOK
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	svc, err := build(ctx, cfg, logger)
	if err != nil {
		return report(logger, err)
	}
	defer drain(svc, logger)

	ring, rejected := mcp.NewKeyring(cfg.Server.Keys())
	for range rejected {
		logger.Warn("dropping malformed api key from whitelist")
	}
	if ring.Empty() {
		logger.Warn("no valid api keys configured, the endpoint will reject everything")
	}

	registry := mcp.NewRegistry()
	tools := []mcp.Tool{
		mcp.NewSearchTool(svc.searcher),
		mcp.NewListChannelsTool(svc.chat),
		mcp.NewStatsTool(svc.store, svc.state.Snapshot),
	}
	for _, t := range tools {
		if svc.inst != nil {
			t = observer.WrapTool(t, svc.inst)
		}
		registry.Add(t)
	}

	server := mcp.NewServer("slackseek", slackseek.Version, ring, registry,
		mcp.WithServerLogger(logger),
		mcp.WithCORSOrigins(cfg.Server.CORSOrigins),
		mcp.WithReadyCheck(func() bool { return svc.state.Snapshot().FirstRunCompleted }),
	)
	go server.Sessions().Sweep(ctx, time.Hour)

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("mcp endpoint listening", "addr", cfg.Server.ListenAddr)
		httpErr <- httpSrv.ListenAndServe()
	}()

	sched := ingest.NewScheduler(svc.worker,
		time.Duration(cfg.Ingest.RefreshIntervalHours)*time.Hour,
		ingest.WithSchedulerLogger(logger),
	)
	schedErr := make(chan error, 1)
	go func() { schedErr <- sched.Start(ctx) }()

	var failure error
	select {
	case <-ctx.Done():
	case failure = <-httpErr:
	case failure = <-schedErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	if failure != nil && !errors.Is(failure, http.ErrServerClosed) && !errors.Is(failure, context.Canceled) {
		return report(logger, failure)
	}
	return exitOK
}

func runSearchOnce(ctx context.Context, cfg config.Config, logger *slog.Logger, query string) int {
	svc, err := build(ctx, cfg, logger)
	if err != nil {
		return report(logger, err)
	}
	defer drain(svc, logger)

	resp, err := svc.searcher.Search(ctx, query, search.Overrides{})
	if err != nil {
		return report(logger, err)
	}
	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return report(logger, err)
	}
	fmt.Println(string(out))
	return exitOK
}

// drain closes the pipeline with a bounded timeout.
func drain(svc *services, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := svc.shutdown(ctx); err != nil {
		logger.Warn("shutdown", "error", err)
	}
}

// report logs an error and maps it to an exit code: configuration problems
// are the operator's to fix (1), everything else is a runtime failure (2).
func report(logger *slog.Logger, err error) int {
	logger.Error("fatal", "error", err)
	if slackseek.KindOf(err) == slackseek.KindConfig {
		return exitConfig
	}
	return exitRuntime
}
