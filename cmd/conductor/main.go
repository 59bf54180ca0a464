package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-conductor/internal/broadcaster"
	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/channels"
	"github.com/basket/go-conductor/internal/config"
	"github.com/basket/go-conductor/internal/correction"
	"github.com/basket/go-conductor/internal/doctor"
	"github.com/basket/go-conductor/internal/estimator"
	"github.com/basket/go-conductor/internal/gateway"
	"github.com/basket/go-conductor/internal/graph"
	"github.com/basket/go-conductor/internal/knowledge"
	otelPkg "github.com/basket/go-conductor/internal/otel"
	"github.com/basket/go-conductor/internal/persistence"
	"github.com/basket/go-conductor/internal/router"
	"github.com/basket/go-conductor/internal/scheduler"
	"github.com/basket/go-conductor/internal/shared"
	"github.com/basket/go-conductor/internal/telemetry"
	"github.com/basket/go-conductor/internal/trigger"
)

const version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the coordinator daemon
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CONDUCTOR_HOME           Data directory (default: ~/.conductor)
  CONDUCTOR_BIND_ADDR      Gateway bind address override
  CONDUCTOR_AUTH_TOKEN     Gateway bearer token override
  TELEGRAM_TOKEN           Telegram bot token (enables the channel with channels.telegram.enabled)
`)
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if cfg.NeedsGenesis {
		if err := writeGenesisConfig(cfg); err != nil {
			fatalStartup(nil, "E_CONFIG_GENESIS", err)
		}
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	eventBus := bus.New()

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "conductor.db"), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "store_opened")

	// Backend chains per generation category. Backends are routed by name;
	// the default factory produces local summarizers so the daemon runs
	// without external generation services.
	chains := router.BuildChains(cfg.Router, localBackendFactory, store, logger)
	for _, chain := range chains {
		chain := chain
		chain.OnRecover(func(backend string) {
			eventBus.Publish(bus.TopicBackendRecovered, bus.BackendRecoveredEvent{
				Backend:  backend,
				Category: chain.Category(),
			})
		})
		chain.OnFallback(func(string) {
			metrics.BackendFallbacks.Add(ctx, 1)
		})
	}

	capRouter := router.New(cfg.Capabilities)
	builder := graph.NewBuilder(cfg.Capabilities)

	triggers := trigger.NewEngine(store, cfg.Triggers, logger)
	go triggers.Run(ctx, eventBus)

	sched := scheduler.New(scheduler.Config{
		Store:    store,
		Bus:      eventBus,
		Router:   capRouter,
		Conf:     cfg,
		Logger:   logger,
		Observer: triggers,
	})
	if err := sched.Start(ctx); err != nil {
		fatalStartup(logger, "E_SCHEDULER_START", err)
	}
	defer sched.Stop()

	var knowledgeGen knowledge.Generator
	if chain, ok := chains["copywriting"]; ok {
		knowledgeGen = chain
	}
	knowledgeSched, err := knowledge.NewScheduler(knowledge.Config{
		Store:     store,
		Logger:    logger,
		Domains:   cfg.Knowledge.Domains,
		Cadence:   cfg.Cadence(),
		CronExpr:  cfg.Knowledge.Cron,
		Generator: knowledgeGen,
	})
	if err != nil {
		fatalStartup(logger, "E_KNOWLEDGE_INIT", err)
	}
	knowledgeSched.Start(ctx)
	defer knowledgeSched.Stop()

	corrections := correction.NewManager(store, builder, eventBus, logger)
	corrections.OnApply(sched.Kick)

	feeds := broadcaster.New(store, eventBus, logger)

	go tailMetrics(ctx, eventBus, metrics)

	authToken, err := gateway.LoadAuthToken(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}

	gw := gateway.New(gateway.Config{
		Store:             store,
		Bus:               eventBus,
		Scheduler:         sched,
		Builder:           builder,
		Estimator:         estimator.LOCModel{},
		Corrections:       corrections,
		Triggers:          triggers,
		Broadcaster:       feeds,
		Logger:            logger,
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	server := &http.Server{Handler: instrument(gw.Handler(), otelProvider, metrics)}

	ln, err := gateway.Listen(ctx, cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w (is another conductor running on %s?)", err, cfg.BindAddr))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but no token configured, skipping")
		} else {
			tg := channels.NewTelegramChannel(
				cfg.Channels.Telegram.Token,
				[]int64{cfg.Channels.Telegram.ChatID},
				store,
				eventBus,
				channels.Controller{
					Pause:   sched.PauseProject,
					Resume:  sched.ResumeProject,
					AckTrig: triggers.Acknowledge,
				},
				logger,
			)
			go func() {
				if err := tg.Start(ctx); err != nil {
					logger.Error("telegram channel exited", "error", err)
				}
			}()
		}
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			if filepath.Base(ev.Path) != "config.yaml" {
				continue
			}
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed, retaining previous config", "error", err)
				continue
			}
			// Catalog, routes and bind address need a restart; rule and
			// retention tunables apply live.
			triggers.ReplaceRules(newCfg.Triggers)
			cfg.RetentionActivityDays = newCfg.RetentionActivityDays
			cfg.RetentionProjectDays = newCfg.RetentionProjectDays
			logger.Info("config.yaml hot-reloaded", "fingerprint", newCfg.Fingerprint())
		}
	}()

	go retentionLoop(ctx, store, &cfg, logger)

	logger.Info("conductor started", "addr", cfg.BindAddr)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Shutdown phases: stop intake first, then drain scheduler loops, then
	// close the store via the deferred Close.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	sched.Stop()
	logger.Info("shutdown complete")
}

// runDoctorCommand prints diagnostics and exits 0 when nothing failed.
func runDoctorCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "emit JSON output")
	_ = fs.Parse(args)

	cfg, err := config.Load()
	var cfgPtr *config.Config
	if err == nil {
		cfgPtr = &cfg
	}
	diagnosis := doctor.Run(ctx, cfgPtr, version)

	if *asJSON {
		data, err := json.MarshalIndent(diagnosis, "", "  ")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Println(string(data))
	} else {
		fmt.Printf("conductor %s on %s/%s\n\n", diagnosis.System.Version, diagnosis.System.OS, diagnosis.System.Arch)
		for _, r := range diagnosis.Results {
			fmt.Printf("  [%s] %-12s %s\n", r.Status, r.Name, r.Message)
			if r.Detail != "" {
				fmt.Printf("         %s\n", r.Detail)
			}
		}
	}
	if !diagnosis.Healthy() {
		return 1
	}
	return 0
}

// localBackendFactory builds the default name-routed generation backends. A
// deployment that fronts real generation services replaces this at the chain
// boundary.
func localBackendFactory(name string) router.Backend {
	return router.FuncBackend{
		BackendName: name,
		Fn: func(ctx context.Context, prompt string) (string, error) {
			return fmt.Sprintf("[%s] %s", name, prompt), nil
		},
	}
}

// instrument wraps the gateway with per-request tracing, timing and a
// trace id for log correlation.
func instrument(next http.Handler, provider *otelPkg.Provider, m *otelPkg.Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		ctx, span := otelPkg.StartServerSpan(ctx, provider.Tracer, r.Method+" "+r.URL.Path)
		defer span.End()

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		m.RequestDuration.Record(ctx, time.Since(start).Seconds())
	})
}

// tailMetrics folds bus traffic into OTel counters.
func tailMetrics(ctx context.Context, eventBus *bus.Bus, m *otelPkg.Metrics) {
	sub := eventBus.Subscribe("")
	defer eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch ev.Topic {
			case bus.TopicTaskAssigned:
				m.TasksAssigned.Add(ctx, 1)
			case bus.TopicTaskCompleted:
				m.TasksCompleted.Add(ctx, 1)
			case bus.TopicTaskFailed:
				m.TasksFailed.Add(ctx, 1)
			case bus.TopicTaskBlocked:
				m.TasksBlocked.Add(ctx, 1)
			case bus.TopicTriggerRaised:
				m.TriggersRaised.Add(ctx, 1)
			case bus.TopicKnowledgeAvailable:
				m.SnapshotsPublished.Add(ctx, 1)
			case bus.TopicProjectCreated:
				m.ActiveProjects.Add(ctx, 1)
			case bus.TopicProjectPaused:
				m.ActiveProjects.Add(ctx, -1)
			case bus.TopicProjectResumed:
				m.ActiveProjects.Add(ctx, 1)
			}
		}
	}
}

// retentionLoop prunes old activity rows and archives deployed projects once
// an hour. Trigger events are never pruned.
func retentionLoop(ctx context.Context, store *persistence.Store, cfg *config.Config, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if days := cfg.RetentionActivityDays; days > 0 {
				cutoff := time.Now().AddDate(0, 0, -days)
				if n, err := store.PruneActivityBefore(ctx, cutoff); err != nil {
					logger.Error("activity retention", "error", err)
				} else if n > 0 {
					logger.Info("activity pruned", "rows", n)
				}
			}
			if days := cfg.RetentionProjectDays; days > 0 {
				cutoff := time.Now().AddDate(0, 0, -days)
				if n, err := store.ArchiveDeployedBefore(ctx, cutoff); err != nil {
					logger.Error("project retention", "error", err)
				} else if n > 0 {
					logger.Info("deployed projects archived", "rows", n)
				}
			}
		}
	}
}

// writeGenesisConfig persists the normalized defaults on first run so the
// operator has a real file to edit.
func writeGenesisConfig(cfg config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(config.ConfigPath(cfg.HomeDir), data, 0o644); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
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
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
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
