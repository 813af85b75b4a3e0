package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loanhive/loanhive/internal/agent"
	"github.com/loanhive/loanhive/internal/bus"
	"github.com/loanhive/loanhive/internal/config"
	"github.com/loanhive/loanhive/internal/gateway/httpapi"
	"github.com/loanhive/loanhive/internal/gateway/voice"
	"github.com/loanhive/loanhive/internal/ingest"
	"github.com/loanhive/loanhive/internal/llm"
	"github.com/loanhive/loanhive/internal/llm/openai"
	"github.com/loanhive/loanhive/internal/mail/graph"
	"github.com/loanhive/loanhive/internal/mailroom"
	"github.com/loanhive/loanhive/internal/observability"
	"github.com/loanhive/loanhive/internal/orchestrator"
	"github.com/loanhive/loanhive/internal/planner"
	"github.com/loanhive/loanhive/internal/sms/twilio"
	"github.com/loanhive/loanhive/internal/storage"
	"github.com/loanhive/loanhive/internal/storage/memory"
	pgstore "github.com/loanhive/loanhive/internal/storage/postgres"
	sqlitestore "github.com/loanhive/loanhive/internal/storage/sqlite"
	"github.com/loanhive/loanhive/internal/tools"
	"github.com/loanhive/loanhive/internal/tools/builtin"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serveConfigPath string
	serveListenAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestration server (HTTP API, mailroom, voice bridge)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `loanhive --config path` and `loanhive serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveListenAddr, "listen", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts Loanhive in server mode.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig(logger)
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serveListenAddr != "" {
		cfg.Server.ListenAddr = serveListenAddr
	}

	logger.Info("starting loanhive",
		slog.String("listen", cfg.Server.Addr()),
		slog.String("storage", cfg.StorageDriverName()),
	)

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return err
	}
	defer obs.Shutdown(context.Background())

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := store.Ping(ctx); err != nil {
		return err
	}

	// Tool catalog: seed built-in definitions, then compile the registry.
	toolreg := tools.NewRegistry(store, logger)
	var smsSender builtin.SMSSender
	if cfg.Twilio != nil {
		smsSender = twilio.NewClient(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.From, logger)
	}
	if err := builtin.Register(ctx, toolreg, smsSender); err != nil {
		return err
	}

	if err := seedAgents(ctx, cfg, store, logger); err != nil {
		return err
	}
	agents := agent.NewRegistry(store, cfg.Agents.TypedRoutes(), logger)
	if err := agents.Reload(ctx); err != nil {
		return err
	}

	var provider llm.Provider = newProvider(cfg, logger)
	if obs != nil {
		provider = observability.NewInstrumentedProvider(provider, obs.LLM, obs.Tracer)
	}

	pl := planner.NewChatPlanner(provider, toolreg, logger)
	msgbus := bus.New(store, logger)

	orch := orchestrator.New(store, agents, toolreg, pl, msgbus, store, logger).
		WithMaxConcurrent(cfg.Orchestrator.Concurrency()).
		WithToolTimeout(cfg.Orchestrator.ToolTimeout()).
		WithExecutionTimeout(cfg.Orchestrator.ExecutionTimeout()).
		WithMaxReplans(cfg.Orchestrator.Replans())
	if reg := obs.Registerer(); reg != nil {
		orch = orch.WithMetrics(orchestrator.NewMetrics(reg))
	}
	if ts := obs.TracerOrNil(); ts != nil {
		orch = orch.WithTracer(ts.Tracer())
	}

	stopMailroom, err := startMailroom(ctx, cfg, store, orch, obs, logger)
	if err != nil {
		return err
	}
	defer stopMailroom()

	// HTTP gateway.
	httpCfg := httpapi.Config{
		ListenAddr:      cfg.Server.Addr(),
		APIKeys:         cfg.Server.APIKeys,
		RateLimitPerMin: cfg.Server.RateLimit(),
		EnableDocs:      cfg.Server.EnableDocs,
		MetricsRegistry: obs.MetricsRegistry(),
	}
	if cfg.Twilio != nil {
		httpCfg.TwilioWebhookKey = cfg.Twilio.WebhookKey
	}
	gw := httpapi.NewGateway(httpCfg, orch, agents, toolreg, msgbus, logger)
	if cfg.Server.EnableDocs {
		gw.WithOpenAPIDocs()
	}
	if cfg.Voice != nil && cfg.Voice.Enabled {
		vs := voice.NewServer(orch, msgbus, cfg.Voice.Token, logger)
		gw.WithHandler(http.MethodGet, "/ws/voice", vs.Handler())
		logger.Info("voice bridge mounted", slog.String("path", "/ws/voice"))
	}

	errs := make(chan error, 1)
	go func() { errs <- gw.Start(ctx) }()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline. Stop intake first, then let
	// in-flight executions drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping http gateway", slog.String("error", err.Error()))
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("draining executions", slog.String("error", err.Error()))
	}

	return nil
}

// loadConfig reads the config file, falling back to built-in defaults
// when the default path does not exist.
func loadConfig(logger *slog.Logger) (*config.Config, error) {
	path := goutils.Env("LOANHIVE_CONFIG", serveConfigPath)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == config.DefaultConfigPath() {
		logger.Info("no config file found, using defaults", slog.String("path", path))
		return config.Default(), nil
	}
	return config.Load(path)
}

// openStore creates the persistence backend named by the config.
func openStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StorageDriverName() {
	case storage.DriverMemory:
		return memory.New(), nil
	case storage.DriverPostgres:
		pg := cfg.Storage.Postgres
		return pgstore.Open(pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: pg.ConnMaxLifetime(),
		}, logger)
	default:
		sqliteCfg := sqlitestore.Config{Path: cfg.DatabasePath()}
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			sqliteCfg.JournalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlitestore.Open(sqliteCfg, logger)
	}
}

// newProvider builds the chat-completion client from the LLM config.
func newProvider(cfg *config.Config, logger *slog.Logger) *openai.Client {
	var opts []openai.Option
	if cfg.LLM.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.LLM.BaseURL))
	}
	return openai.NewClient(cfg.LLM.APIKey, logger, opts...)
}

// seedAgents saves the configured seed agents on first start. A store
// that already holds agents is left untouched.
func seedAgents(ctx context.Context, cfg *config.Config, store storage.Store, logger *slog.Logger) error {
	if len(cfg.Agents.Seed) == 0 {
		return nil
	}
	existing, err := store.ListAgents(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	for _, seed := range cfg.Agents.Seed {
		ac := &agent.Config{
			Name:         seed.Name,
			Type:         agent.Type(seed.Type),
			Status:       agent.StatusActive,
			Model:        seed.Model,
			SystemPrompt: seed.SystemPrompt,
			AllowedTools: seed.AllowedTools,
			RiskCeiling:  agent.RiskLevel(seed.RiskCeiling),
			MaxPlanSteps: seed.MaxPlanSteps,
		}
		if ac.Model == "" {
			ac.Model = cfg.LLM.Model()
		}
		if ac.RiskCeiling == "" {
			ac.RiskCeiling = agent.RiskLow
		}
		if ac.MaxPlanSteps < 1 {
			ac.MaxPlanSteps = 8
		}
		if err := store.SaveAgent(ctx, ac); err != nil {
			return err
		}
		logger.Info("agent seeded",
			slog.String("name", ac.Name),
			slog.String("type", string(ac.Type)),
		)
	}
	return nil
}

// startMailroom schedules the configured mailbox accounts. Accounts
// flagged delete_after_import go through a deduplicator that removes
// imported messages at the source; the rest leave the mailbox alone.
func startMailroom(ctx context.Context, cfg *config.Config, store storage.Store, orch *orchestrator.Orchestrator, obs *observability.Observability, logger *slog.Logger) (func(), error) {
	if cfg.Mailroom == nil || !cfg.Mailroom.Enabled || len(cfg.Mailroom.Accounts) == 0 {
		return func() {}, nil
	}

	metrics := mailroom.NewMetrics(obs.Registerer())
	keep := mailroom.New(ingest.NewDeduplicator(store, orch, logger), logger).
		WithLookback(cfg.Mailroom.Lookback()).
		WithMetrics(metrics)
	purge := mailroom.New(ingest.NewDeduplicator(store, orch, logger).WithDeleteAtSource(), logger).
		WithLookback(cfg.Mailroom.Lookback()).
		WithMetrics(metrics)

	var keepCount, purgeCount int
	for _, acct := range cfg.Mailroom.Accounts {
		mailbox := graph.NewClient(acct.TenantID, acct.ClientID, acct.ClientSecret, acct.Mailbox, logger)
		account := mailroom.Account{
			Source:   acct.Source(),
			Schedule: acct.CronSchedule(),
			Provider: mailbox,
		}
		if acct.DeleteAfterImport {
			purge.AddAccount(account)
			purgeCount++
		} else {
			keep.AddAccount(account)
			keepCount++
		}
	}

	var stops []func()
	if keepCount > 0 {
		stopKeep, err := keep.Start(ctx)
		if err != nil {
			return nil, err
		}
		stops = append(stops, stopKeep)
	}
	if purgeCount > 0 {
		stopPurge, err := purge.Start(ctx)
		if err != nil {
			for _, s := range stops {
				s()
			}
			return nil, err
		}
		stops = append(stops, stopPurge)
	}

	return func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}, nil
}
