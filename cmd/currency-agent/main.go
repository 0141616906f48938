package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/basket/currency-agent/internal/a2a"
	"github.com/basket/currency-agent/internal/config"
	"github.com/basket/currency-agent/internal/coordinator"
	"github.com/basket/currency-agent/internal/cron"
	"github.com/basket/currency-agent/internal/engine"
	"github.com/basket/currency-agent/internal/gateway"
	otelpkg "github.com/basket/currency-agent/internal/otel"
	"github.com/basket/currency-agent/internal/persistence"
	"github.com/basket/currency-agent/internal/push"
	"github.com/basket/currency-agent/internal/shared"
	"github.com/basket/currency-agent/internal/telemetry"
	"github.com/basket/currency-agent/internal/tools"
)

type cliFlags struct {
	host     string
	port     int
	logLevel string
	quiet    bool
}

func parseFlags(args []string) (*pflag.FlagSet, cliFlags, error) {
	var f cliFlags
	fs := pflag.NewFlagSet("currency-agent", pflag.ContinueOnError)
	fs.StringVar(&f.host, "host", "localhost", "interface to bind the A2A server to")
	fs.IntVar(&f.port, "port", 10000, "port to bind the A2A server to")
	fs.StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.BoolVarP(&f.quiet, "quiet", "q", false, "log to the log file only")
	if err := fs.Parse(args); err != nil {
		return nil, f, err
	}
	return fs, f, nil
}

// applyFlags lets explicitly set flags win over config.yaml and the
// environment.
func applyFlags(cfg *config.Config, fs *pflag.FlagSet, f cliFlags) error {
	if fs.Changed("host") {
		cfg.Host = f.host
	}
	if fs.Changed("port") {
		cfg.Port = f.port
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	return cfg.Validate()
}

func main() {
	loadDotEnv(".env")

	fs, flags, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if err := applyFlags(&cfg, fs, flags); err != nil {
		fatalStartup(nil, "E_CONFIG_FLAGS", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, flags.quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"home_dir", cfg.HomeDir, "bind_addr", cfg.BindAddr(), "config_fingerprint", cfg.Fingerprint())

	otelProvider, err := otelpkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelpkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	dsn := cfg.DatabaseDSN()
	store, err := persistence.Open(ctx, persistence.Config{
		Driver:       cfg.Database.Driver,
		DSN:          dsn,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		OpTimeout:    time.Duration(cfg.Database.OpTimeoutSeconds) * time.Second,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       otelProvider.Tracer,
	})
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_opened", "dialect", store.Dialect(), "dsn", shared.RedactDSN(dsn))

	checkpoints, err := persistence.NewCheckpointStore(ctx, store)
	if err != nil {
		fatalStartup(logger, "E_SCHEMA_CHECKPOINTS", err)
	}
	taskStore, err := persistence.NewTaskStore(ctx, store)
	if err != nil {
		fatalStartup(logger, "E_SCHEMA_TASKS", err)
	}
	tasks := a2a.NewTaskRepository(taskStore)

	exchange := tools.NewExchangeClient(cfg.Exchange.BaseURL,
		&http.Client{Timeout: time.Duration(cfg.Exchange.TimeoutSeconds) * time.Second}, metrics)
	brainCfg := engine.BrainConfig{
		ModelSource:  cfg.LLM.ModelSource,
		GoogleAPIKey: cfg.LLM.GoogleAPIKey,
		Tools:        tools.NewRegistry(exchange),
		Metrics:      metrics,
		Tracer:       otelProvider.Tracer,
	}
	if cfg.LLM.ModelSource != "google" {
		brainCfg.BaseURL = cfg.LLM.ToolLLMURL
		brainCfg.Model = cfg.LLM.ToolLLMName
		brainCfg.APIKey = cfg.LLM.APIKey
	}
	agent, err := engine.NewCurrencyAgent(engine.AgentConfig{
		Brain:        engine.NewGenkitBrain(ctx, brainCfg),
		Checkpointer: checkpoints,
		Logger:       logger,
		MaxHistory:   cfg.MaxHistory,
	})
	if err != nil {
		fatalStartup(logger, "E_AGENT_INIT", err)
	}

	execCfg := coordinator.Config{Agent: agent, Tasks: tasks, Logger: logger}
	if cfg.Push.Enabled {
		pushStore, err := persistence.NewPushConfigStore(ctx, store)
		if err != nil {
			fatalStartup(logger, "E_SCHEMA_PUSH", err)
		}
		pushRepo := a2a.NewPushRepository(pushStore)
		execCfg.Push = pushRepo
		execCfg.Notifier = push.NewSender(pushRepo, push.Config{
			MaxTries:       uint(cfg.Push.MaxTries),
			AttemptTimeout: time.Duration(cfg.Push.AttemptTimeoutSeconds) * time.Second,
			Logger:         logger,
			Metrics:        metrics,
		})
	}
	executor, err := coordinator.NewExecutor(execCfg)
	if err != nil {
		fatalStartup(logger, "E_EXECUTOR_INIT", err)
	}
	logger.Info("startup phase", "phase", "agent_ready", "model_source", cfg.LLM.ModelSource, "push", cfg.Push.Enabled)

	prober, err := cron.NewProber(cron.Config{
		Store:    store,
		Schedule: cfg.Database.HealthSchedule,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		fatalStartup(logger, "E_PROBER_INIT", err)
	}

	var auth *gateway.BasicAuthMiddleware
	if cfg.Auth.Enabled {
		auth = gateway.NewBasicAuthMiddleware(gateway.BasicAuthConfig{
			Users:       cfg.Auth.Users,
			PublicPaths: cfg.Auth.PublicPaths,
			Metrics:     metrics,
			Logger:      logger,
		})
	}
	rateLimit := gateway.NewRateLimitMiddleware(cfg.RateLimit, metrics)

	srv := gateway.New(gateway.Config{
		Tasks:             executor,
		Lister:            tasks,
		Store:             store,
		Card:              gateway.NewAgentCard(cfg.AgentURL(), cfg.Push.Enabled, cfg.Auth.Enabled),
		Auth:              auth,
		RateLimit:         rateLimit,
		CORS:              cfg.CORS,
		MaxRequestBytes:   cfg.MaxRequestBytes,
		MetricsHandler:    otelProvider.MetricsHandler(),
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
		Logger:            logger,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	server := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.BindAddr())
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("startup phase", "phase", "listening", "addr", ln.Addr().String(), "agent_url", cfg.AgentURL())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return prober.Start(gctx)
	})
	g.Go(func() error {
		rateLimit.StartEviction(gctx, 5*time.Minute, 10*time.Minute)
		return nil
	})
	g.Go(func() error {
		reloadAuth(gctx, watcher, auth, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
		prober.Stop()
		drain(executor, time.Duration(cfg.DrainTimeoutSeconds)*time.Second, logger)
		if err := executor.Close(); err != nil {
			logger.Warn("push notification shutdown", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited with error", "error", err)
		stop()
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

// reloadAuth re-reads config.yaml on change and swaps the basic-auth
// credential table. Other settings need a restart.
func reloadAuth(ctx context.Context, w *config.Watcher, auth *gateway.BasicAuthMiddleware, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			next, err := config.Load()
			if err != nil {
				logger.Error("config reload rejected; keeping previous settings", "path", ev.Path, "error", err)
				continue
			}
			if auth == nil {
				if next.Auth.Enabled {
					logger.Warn("enabling basic auth requires a restart")
				}
				continue
			}
			users := next.Auth.Users
			if !next.Auth.Enabled {
				logger.Warn("disabling basic auth requires a restart; credentials unchanged")
				continue
			}
			auth.Update(users, next.Auth.PublicPaths)
			logger.Info("basic auth credentials reloaded", "users", len(users), "config_fingerprint", next.Fingerprint())
		}
	}
}

// drain waits for in-flight agent runs to finish, up to timeout.
func drain(exec *coordinator.Executor, timeout time.Duration, logger *slog.Logger) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for exec.Running() > 0 {
		if time.Now().After(deadline) {
			logger.Warn("drain timeout; abandoning running tasks", "running", exec.Running())
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = shared.Redact(err.Error())
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv sets variables from a .env file without overriding ones that
// are already set.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
