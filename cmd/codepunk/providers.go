package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"github.com/neilgilbert/codepunk/internal/authstore"
	"github.com/neilgilbert/codepunk/internal/config"
	"github.com/neilgilbert/codepunk/internal/editing"
	"github.com/neilgilbert/codepunk/internal/gitsession"
	"github.com/neilgilbert/codepunk/internal/logging"
	"github.com/neilgilbert/codepunk/internal/metrics"
	"github.com/neilgilbert/codepunk/internal/orchestrator"
	"github.com/neilgilbert/codepunk/internal/provider"
	"github.com/neilgilbert/codepunk/internal/repoinfo"
	"github.com/neilgilbert/codepunk/internal/storage"
	"github.com/neilgilbert/codepunk/internal/tooling"
)

// ProvideLogger builds the rotating-file logger and registers its
// lumberjack sink to flush on shutdown. CODEPUNK_VERBOSE additionally
// fans records to stderr; CODEPUNK_QUIET raises the minimum level to
// error, taking precedence over --debug.
func ProvideLogger(lc fx.Lifecycle) (*slog.Logger, error) {
	verbose := os.Getenv("CODEPUNK_VERBOSE") == "1"
	quiet := os.Getenv("CODEPUNK_QUIET") == "1"
	logger, closeFn, err := logging.New(logging.Options{
		LogPath:  config.Default().Logging.LogPath,
		Debug:    cli.Debug,
		ToStderr: cli.Debug || verbose,
		Quiet:    quiet,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error { return closeFn() },
	})
	return logger, nil
}

func ProvideConfig(logger *slog.Logger) (*config.Config, error) {
	logger.Info("loading configuration")
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if cli.Provider != "" {
		cfg.LLM.Provider = cli.Provider
	}
	if cli.Model != "" {
		cfg.LLM.Model = cli.Model
	}
	logger.Info("configuration loaded", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)
	return cfg, nil
}

// ProvideRepoInfo detects whether the working directory is inside a git
// repository; the shadow-session subsystem is only enabled when it
// is.
func ProvideRepoInfo(logger *slog.Logger) repoinfo.Info {
	wd, err := os.Getwd()
	if err != nil {
		logger.Warn("failed to determine working directory", "error", err)
		return repoinfo.Info{}
	}
	info := repoinfo.Detect(wd)
	if info.IsRepo {
		logger.Info("git repository detected", "root", info.Root, "branch", info.Branch)
	} else {
		logger.Info("no git repository found; shadow-session subsystem disabled")
	}
	return info
}

func ProvideAuthStore(logger *slog.Logger) *authstore.Store {
	path := authstore.DefaultFallbackPath()
	logger.Debug("authstore fallback path", "path", path)
	return authstore.New(path)
}

func ProvideDB(cfg *config.Config, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.Open(cfg.Storage.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func ProvideSessionRepository(db *storage.DB) *storage.SessionRepository {
	return storage.NewSessionRepository(db)
}

func ProvideMessageRepository(db *storage.DB) *storage.MessageRepository {
	return storage.NewMessageRepository(db)
}

func ProvideToolCallCommitRepository(db *storage.DB) *storage.ToolCallCommitRepository {
	return storage.NewToolCallCommitRepository(db)
}

// ProvideMetrics builds the Prometheus registry and, when metrics are
// enabled, an internal HTTP listener exposing /metrics. The core
// orchestrator never requires this listener to function: a nil or
// disabled Metrics just means RecordX calls are no-ops.
func ProvideMetrics(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) *metrics.Metrics {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	verbose := cfg.Metrics.Enabled || os.Getenv("CODEPUNK_VERBOSE") == "1"
	if !verbose {
		return m
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("metrics server failed", "error", err)
				}
			}()
			logger.Info("metrics endpoint listening", "addr", cfg.Metrics.Addr)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
	return m
}

func ProvideProviderAdapter(cfg *config.Config, store *authstore.Store, logger *slog.Logger) (orchestrator.ProviderAdapter, error) {
	apiKey := cfg.LLM.APIKey
	if apiKey == "" {
		key, err := store.GetAPIKey(cfg.LLM.Provider)
		if err != nil {
			logger.Warn("failed to read stored api key", "provider", cfg.LLM.Provider, "error", err)
		}
		apiKey = key
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no API key configured for provider %q; run the login flow or set CODEPUNK_LLM_API_KEY", cfg.LLM.Provider)
	}

	const anthropicAPIVersion = "2023-06-01"
	client := provider.NewClient(nil, cfg.LLM.BaseURL, apiKey, anthropicAPIVersion, logger)
	client.SetSessionDefaults(cfg.LLM.Model)
	return orchestrator.NewProviderAdapter(client), nil
}

// ProvideToolExecutor builds the tool registry, registers the built-in
// write_file tool gated behind the approval/diff pipeline, and wraps it
// in a Dispatcher enforcing the configured per-call timeout.
func ProvideToolExecutor(cfg *config.Config, info repoinfo.Info, logger *slog.Logger) (*tooling.Registry, *tooling.Dispatcher) {
	registry := tooling.NewRegistry()

	maxFileSize := int64(0)
	if v := os.Getenv("CODEPUNK_MAX_FILE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			maxFileSize = n
		} else {
			logger.Warn("ignoring invalid CODEPUNK_MAX_FILE_SIZE", "value", v)
		}
	}
	root := info.Root
	if root == "" {
		if wd, err := os.Getwd(); err == nil {
			root = wd
		}
	}
	editSvc := editing.NewService(root, editing.NewApprovalService(autoApprover{}), maxFileSize)
	registry.Register(newWriteFileTool(editSvc))

	timeout := tooling.DefaultToolExecutionTimeout
	if cfg.Orchestrator.ToolExecutionTimeoutSeconds > 0 {
		timeout = time.Duration(cfg.Orchestrator.ToolExecutionTimeoutSeconds) * time.Second
	}
	dispatcher := tooling.NewDispatcher(registry, timeout, logger)
	return registry, dispatcher
}

// ProvideGitSession wires the shadow-session manager. It's always
// constructed so StartupCleanup can sweep orphaned sessions from a prior
// crashed process; Manager itself no-ops everywhere once it discovers the
// working directory isn't a repo (gitsession.Manager.Begin).
func ProvideGitSession(cfg *config.Config, info repoinfo.Info, commits *storage.ToolCallCommitRepository, logger *slog.Logger) *gitsession.Manager {
	stateDir := os.Getenv("XDG_STATE_HOME")
	if stateDir == "" {
		home, _ := os.UserHomeDir()
		stateDir = home + "/.local/state/codepunk"
	}
	store := gitsession.NewStore(stateDir)

	if !cfg.GitSession.Enabled {
		os.Setenv("CODEPUNK_GIT_SESSION_DISABLED", "1")
	}
	return gitsession.NewManager(info.Root, store, logger,
		gitsession.WithBranchPrefix(cfg.GitSession.BranchPrefix),
		gitsession.WithKeepFailedSessions(cfg.GitSession.KeepFailedSessions),
		gitsession.WithCommitRecorder(commits),
	)
}

// OrchestratorDeps bundles the collaborators main.go needs to build a
// session-scoped orchestrator.Orchestrator and its git-aware
// ToolExecutor. fx.Populate extracts these out of the container; the
// orchestrator itself is built per-session in main.go because its
// ToolExecutor depends on which shadow-session Handle (if any) Begin
// returns for that specific session.
type OrchestratorDeps struct {
	Cfg        *config.Config
	Logger     *slog.Logger
	Sessions   *storage.SessionRepository
	Messages   *storage.MessageRepository
	Provider   orchestrator.ProviderAdapter
	Dispatcher *tooling.Dispatcher
	GitSession *gitsession.Manager
	Metrics    *metrics.Metrics
}

func newOrchestrator(deps OrchestratorDeps, tools orchestrator.ToolExecutor) *orchestrator.Orchestrator {
	opts := orchestrator.DefaultOptions()
	if deps.Cfg.Orchestrator.MaxToolCallIterations > 0 {
		opts.MaxToolCallIterations = deps.Cfg.Orchestrator.MaxToolCallIterations
	}
	opts.MaxToolCallsPerIteration = deps.Cfg.Orchestrator.MaxToolCallsPerIteration
	opts.MaxRepeatedToolCalls = deps.Cfg.Orchestrator.MaxRepeatedToolCalls
	opts.MaxConsecutiveToolErrors = deps.Cfg.Orchestrator.MaxConsecutiveToolErrors
	if deps.Cfg.Orchestrator.ToolExecutionTimeoutSeconds > 0 {
		opts.ToolExecutionTimeout = time.Duration(deps.Cfg.Orchestrator.ToolExecutionTimeoutSeconds) * time.Second
	}
	opts.DefaultProvider = deps.Cfg.LLM.Provider
	opts.DefaultModel = deps.Cfg.LLM.Model

	return orchestrator.New(orchestrator.Config{
		Options:  opts,
		Sessions: deps.Sessions,
		Messages: deps.Messages,
		Provider: deps.Provider,
		Tools:    tools,
		Metrics:  deps.Metrics,
		Log:      deps.Logger,
	})
}
