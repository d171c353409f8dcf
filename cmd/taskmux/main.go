// Command taskmux runs the task orchestration daemon and its CLI client.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/ferrolith/taskmux/internal/audit"
	"github.com/ferrolith/taskmux/internal/bus"
	"github.com/ferrolith/taskmux/internal/config"
	"github.com/ferrolith/taskmux/internal/engine"
	"github.com/ferrolith/taskmux/internal/gateway"
	"github.com/ferrolith/taskmux/internal/limiter"
	"github.com/ferrolith/taskmux/internal/loopguard"
	"github.com/ferrolith/taskmux/internal/maintenance"
	"github.com/ferrolith/taskmux/internal/orchestrator"
	otelPkg "github.com/ferrolith/taskmux/internal/otel"
	"github.com/ferrolith/taskmux/internal/pool"
	"github.com/ferrolith/taskmux/internal/store"
	"github.com/ferrolith/taskmux/internal/telemetry"
	"github.com/ferrolith/taskmux/internal/tui"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `taskmux - LLM task orchestration daemon

USAGE:
  %s -daemon                  Run the daemon (API + event stream)
  %s submit [flags]           Submit a task to a running daemon
  %s run <task-id> [flags]    Execute a pending task
  %s get <task-id>            Show one task
  %s list [flags]             List tasks
  %s delete <task-id> [-force]  Delete a task
  %s status                   Check daemon health
  %s watch                    Live dashboard for a running daemon
  %s help                     Show this help

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKMUX_HOME            Data directory (default: ~/.taskmux)
  TASKMUX_NO_TUI          Set to 1 to disable the dashboard (use with -daemon)
  TASKMUX_AUTH_TOKEN      API bearer token (overrides config.yaml and auth.token)

EXAMPLES:
  Start the daemon:       %s -daemon
  Submit and execute:     %s submit -type summarize -payload '{"prompt":"..."}' -run
  Check daemon health:    %s status
  Watch live events:      %s watch
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("TASKMUX_NO_TUI") == ""
	daemon := flag.Bool("daemon", false, "run the daemon (API server, janitor, event stream)")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Client subcommands talk to a running daemon over its HTTP API.
	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "submit":
			os.Exit(runSubmitCommand(ctx, args[1:]))
		case "run":
			os.Exit(runRunCommand(ctx, args[1:]))
		case "get":
			os.Exit(runGetCommand(ctx, args[1:]))
		case "list":
			os.Exit(runListCommand(ctx, args[1:]))
		case "delete":
			os.Exit(runDeleteCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "watch":
			os.Exit(runWatchCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if !*daemon {
		printUsage()
		os.Exit(2)
	}

	runDaemon(ctx, stop, interactive)
}

func runDaemon(ctx context.Context, stop context.CancelFunc, interactive bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit before logger so logger-init failures are still audited.
	auditLog, err := audit.Open(cfg.HomeDir)
	if err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer auditLog.Close()

	// Quiet logs (file-only) while the dashboard owns the terminal.
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if host, _, splitErr := net.SplitHostPort(cfg.BindAddr); splitErr == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback {
			logger.Warn("binding to a non-loopback address; bearer-token auth is the only protection",
				"bind_addr", cfg.BindAddr)
		}
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	dbPool, err := pool.Open(pool.Config{
		Path:           cfg.DBPath,
		Size:           cfg.Pool.Size,
		BusyTimeout:    time.Duration(cfg.Pool.BusyTimeoutSeconds) * time.Second,
		AcquireTimeout: time.Duration(cfg.Pool.AcquireTimeoutSeconds) * time.Second,
		MaxQueueSize:   cfg.Pool.MaxQueueSize,
		Logger:         logger,
		Bus:            eventBus,
	})
	if err != nil {
		fatalStartup(logger, "E_POOL_OPEN", err)
	}

	st, err := store.Open(dbPool, eventBus)
	if err != nil {
		_ = dbPool.Shutdown()
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	auditLog.SetSink(st)
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	// Nothing is executing yet, so a row still marked running is a leftover
	// from a crashed process; put it back in line.
	requeued, err := st.RequeueRunning(ctx)
	if err != nil {
		_ = dbPool.Shutdown()
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	if requeued > 0 {
		logger.Warn("requeued tasks stranded by an unclean shutdown", "count", requeued)
	}
	logger.Info("startup phase", "phase", "recovery_scanned", "requeued", requeued)

	lim := limiter.New(limiter.Config{
		TokensPerMinute:        cfg.Limiter.TokensPerMinute,
		MaxConcurrentPerClient: cfg.Limiter.MaxConcurrentPerClient,
		BucketTTL:              time.Duration(cfg.Limiter.BucketTTLMinutes) * time.Minute,
		Logger:                 logger,
		Bus:                    eventBus,
	})
	lim.StartReaper(ctx)

	guard := loopguard.New(loopguard.Config{
		MaxDepth:       cfg.LoopGuard.MaxDepth,
		MaxChainLength: cfg.LoopGuard.MaxChainLength,
		BlockedPairs:   cfg.LoopGuard.BlockedPairs,
	})

	registry := engine.NewRegistry()
	for _, ec := range cfg.Engines {
		eng, engErr := engine.NewHTTPEngine(engine.HTTPConfig{
			ID:        ec.ID,
			BaseURL:   ec.BaseURL,
			Model:     ec.Model,
			APIKeyEnv: ec.APIKeyEnv,
			Timeout:   time.Duration(ec.TimeoutSeconds) * time.Second,
			Logger:    logger,
		})
		if engErr != nil {
			fatalStartup(logger, "E_ENGINE_INIT", engErr)
		}
		if regErr := registry.Register(eng); regErr != nil {
			fatalStartup(logger, "E_ENGINE_INIT", regErr)
		}
	}
	for taskType, engineID := range cfg.DefaultEngines {
		if defErr := registry.SetDefault(taskType, engineID); defErr != nil {
			fatalStartup(logger, "E_ENGINE_INIT", defErr)
		}
	}
	if len(cfg.Engines) == 0 {
		logger.Warn("no engines configured; task execution will fail until config.yaml lists one")
	}
	logger.Info("startup phase", "phase", "engines_registered", "engines", registry.IDs())

	orch := orchestrator.New(orchestrator.Config{
		MaxConcurrent:   cfg.Orchestrator.MaxConcurrent,
		DefaultTimeout:  cfg.DefaultTimeout(),
		MaxRetries:      cfg.Orchestrator.MaxRetries,
		RetryDelay:      cfg.RetryDelay(),
		MaxPayloadBytes: cfg.Orchestrator.MaxPayloadKB * 1024,
		Logger:          logger,
		Bus:             eventBus,
		Audit:           auditLog,
		Metrics:         metrics,
	}, st, lim, guard, registry)

	janitor, err := maintenance.New(maintenance.Config{
		Cleaner:       orch,
		Reaper:        lim,
		Schedule:      cfg.Maintenance.CleanupSchedule,
		ReapIdleAfter: time.Duration(cfg.Maintenance.ReapIdleMinutes) * time.Minute,
		Logger:        logger,
	})
	if err != nil {
		fatalStartup(logger, "E_JANITOR_INIT", err)
	}
	janitor.Start(ctx)
	defer janitor.Stop()

	authToken := cfg.AuthToken
	if authToken == "" {
		authToken, err = loadAuthToken(cfg.HomeDir)
		if err != nil {
			fatalStartup(logger, "E_AUTH_TOKEN", err)
		}
	}

	gw := gateway.New(gateway.Config{
		Orch:              orch,
		Pool:              dbPool,
		Limiter:           lim,
		Bus:               eventBus,
		Logger:            logger,
		AuthToken:         authToken,
		ConfigFingerprint: cfg.Fingerprint(),
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if serveErr := server.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			serverErr <- serveErr
		}
	}()

	// Reload watcher: limiter knobs apply live; everything wired at
	// construction needs a restart, so the change is surfaced on the bus
	// and in the log.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; edits to config.yaml require a restart", "error", err)
	} else {
		go func() {
			fingerprint := cfg.Fingerprint()
			for range watcher.Events() {
				reloaded, loadErr := config.Load()
				if loadErr != nil {
					logger.Error("config reload failed; keeping previous config", "error", loadErr)
					continue
				}
				next := reloaded.Fingerprint()
				if next == fingerprint {
					continue
				}
				lim.SetLimits(reloaded.Limiter.TokensPerMinute, reloaded.Limiter.MaxConcurrentPerClient)
				logger.Info("config reloaded; limiter limits applied, other knobs need a restart",
					"old_fingerprint", fingerprint, "new_fingerprint", next)
				eventBus.Publish(bus.TopicConfigReloaded, next)
				fingerprint = next
			}
		}()
	}

	if interactive {
		events := tui.NewEventLog(20)
		sub := eventBus.Subscribe("")
		go func() {
			for ev := range sub.Ch() {
				events.Append(ev)
			}
		}()
		started := time.Now()
		provider := func() tui.Snapshot {
			os := orch.Stats()
			ps := dbPool.Stats()
			ls := lim.Stats()
			probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			healthy := orch.IsHealthy(probeCtx)
			cancel()
			return tui.Snapshot{
				Healthy:       healthy,
				Running:       os.Running,
				Completed:     os.Completed,
				Failed:        os.Failed,
				Retried:       os.Retried,
				LoopPrevented: os.LoopPrevented,
				CacheHits:     os.CacheHits,
				PoolAvailable: ps.Available,
				PoolSize:      ps.Size,
				QueueDepth:    ps.QueueDepth,
				ActiveBuckets: ls.ActiveBuckets,
				Uptime:        time.Since(started),
			}
		}
		go func() {
			if tuiErr := tui.Run(ctx, provider, events); tuiErr != nil && ctx.Err() == nil {
				logger.Error("dashboard exited with error", "error", tuiErr)
			}
			stop()
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then drain in-flight tasks. The orchestrator owns
	// the limiter and store shutdown; the store owns the pool.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelDrain()
	if err := orch.Shutdown(drainCtx); err != nil {
		logger.Warn("shutdown drain incomplete", "error", err)
	}
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
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

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

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
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// loadAuthToken returns the API token: the env var wins, then auth.token,
// and on first run a fresh token is generated and persisted with 0600.
func loadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("TASKMUX_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}
