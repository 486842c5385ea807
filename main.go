// Command backend is the chatlens API and polling service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Builds the analysis pipeline (comment source, orchestrator, publisher)
//     and resumes polling of streams left active by a previous run.
//   - Keeps the stored YouTube OAuth token fresh and prunes old analyses.
//   - Serves the HTTP API, live subscriptions and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/chatlens/backend/config"
	"github.com/onnwee/chatlens/backend/crypto"
	"github.com/onnwee/chatlens/backend/db"
	"github.com/onnwee/chatlens/backend/events"
	"github.com/onnwee/chatlens/backend/heuristics"
	"github.com/onnwee/chatlens/backend/llm"
	"github.com/onnwee/chatlens/backend/oauth"
	"github.com/onnwee/chatlens/backend/pipeline"
	"github.com/onnwee/chatlens/backend/retention"
	"github.com/onnwee/chatlens/backend/server"
	"github.com/onnwee/chatlens/backend/telemetry"
	"github.com/onnwee/chatlens/backend/youtubeapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load("backend/.env")

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("chatlens", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("service exited with error", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shut down")
}

func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func run(ctx context.Context, cfg *config.Config) error {
	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		return err
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// versioned migrations first, embedded schema for databases that predate them
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting embedded schema",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			return err
		}
	}

	var sealer crypto.Sealer
	if cfg.EncryptionKey != "" {
		aead, err := crypto.NewAESGCM(cfg.EncryptionKey, cfg.EncryptionKeyID)
		if err != nil {
			return err
		}
		sealer = aead
		slog.Info("oauth token encryption enabled", slog.String("key_id", aead.KeyID()))
	} else {
		slog.Warn("ENCRYPTION_KEY not set - oauth tokens are stored in plaintext")
	}
	store := db.NewStore(database, sealer)

	bus, err := newBus(ctx, cfg)
	if err != nil {
		return err
	}
	defer bus.Close()

	client, err := llm.New(ctx, llm.Config{
		Provider:    cfg.LLMProvider,
		APIKey:      cfg.LLMAPIKey,
		BaseURL:     cfg.LLMBaseURL,
		Model:       cfg.LLMModel,
		MaxTokens:   cfg.LLMMaxTokens,
		Temperature: cfg.LLMTemperature,
		Timeout:     cfg.LLMCallTimeout,
		SiteURL:     cfg.FrontendURL,
		SiteName:    cfg.LLMSiteName,
	})
	if err != nil {
		slog.Warn("llm client unavailable, running on heuristics only", slog.Any("err", err))
		client = nil
	} else if client == nil {
		slog.Info("no llm provider configured, running on heuristics only")
	}

	lex, err := heuristics.LoadLexicon(cfg.LexiconFile)
	if err != nil {
		return err
	}

	yt := youtubeapi.New(cfg, store)
	deps := server.Deps{Store: store, Bus: bus}
	if yt.Configured() {
		deps.OAuth = yt
	}
	var source pipeline.CommentSource
	if cs, err := youtubeapi.NewCommentSource(ctx, cfg, yt); err != nil {
		slog.Warn("youtube comment source unavailable, streams cannot be started", slog.Any("err", err))
	} else {
		source = cs
		deps.Source = cs
	}

	orch := pipeline.NewOrchestrator(client, heuristics.New(lex), pipeline.OrchestratorConfig{
		RateLimitWindow: cfg.LLMRateLimit,
		MaxAttempts:     cfg.LLMMaxAttempts,
		BackoffUnit:     cfg.LLMBackoffUnit,
		CallTimeout:     cfg.LLMCallTimeout,
	})
	sched := pipeline.NewScheduler(store, source, orch, pipeline.NewPublisher(store, bus), pipeline.SchedulerConfig{
		LiveInterval:     cfg.LivePollInterval,
		RecordedInterval: cfg.RecordedPollInterval,
	})
	defer sched.Shutdown()
	deps.Scheduler = sched

	if cfg.ResumeActiveOnBoot && source != nil {
		n, err := sched.ResumeActive(ctx)
		if err != nil {
			slog.Warn("resume active streams", slog.Any("err", err))
		}
		slog.Info("resumed active streams", slog.Int("count", n))
	}

	startPprof()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx, cfg.HTTPAddr, server.NewMux(gctx, deps))
	})
	g.Go(func() error {
		return retention.NewJob(store, retention.LoadPolicy()).Run(gctx)
	})
	if yt.Configured() {
		refresher := oauth.NewRefresher(store, youtubeapi.Provider, cfg.OAuthRefreshInterval, cfg.OAuthRefreshWindow, yt.Refresh)
		g.Go(func() error { return refresher.Run(gctx) })
	}
	slog.Info("chatlens started", slog.String("addr", cfg.HTTPAddr))
	return g.Wait()
}

// newBus returns the Redis bus when REDIS_URL is set, else the in-process bus.
func newBus(ctx context.Context, cfg *config.Config) (events.Bus, error) {
	if cfg.RedisURL == "" {
		return events.NewMemoryBus(), nil
	}
	rdb, err := events.DialRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	slog.Info("using redis event bus")
	return events.NewRedisBus(rdb), nil
}

// startPprof serves /debug/pprof when ENABLE_PPROF=1.
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
