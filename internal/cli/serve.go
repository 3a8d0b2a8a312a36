package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Dicklesworthstone/ntmd/internal/agents"
	"github.com/Dicklesworthstone/ntmd/internal/config"
	"github.com/Dicklesworthstone/ntmd/internal/events"
	"github.com/Dicklesworthstone/ntmd/internal/logging"
	"github.com/Dicklesworthstone/ntmd/internal/metrics"
	"github.com/Dicklesworthstone/ntmd/internal/ptyhost"
	"github.com/Dicklesworthstone/ntmd/internal/ratelimit"
	"github.com/Dicklesworthstone/ntmd/internal/reconcile"
	"github.com/Dicklesworthstone/ntmd/internal/registry"
	"github.com/Dicklesworthstone/ntmd/internal/serve"
	"github.com/Dicklesworthstone/ntmd/internal/spawn"
	"github.com/Dicklesworthstone/ntmd/internal/status"
	"github.com/Dicklesworthstone/ntmd/internal/terminal"
	"github.com/Dicklesworthstone/ntmd/internal/tmux"
)

type serveOptions struct {
	Host        string
	Port        int
	NoRecovery  bool
	NoWatch     bool
	LogLevel    string
	Development bool
}

func newServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the session daemon (REST API, WebSocket events, metrics)",
		Long: `Run the ntmd daemon in the foreground.

API Endpoints:
  POST   /api/v1/terminals                 Spawn a session
  GET    /api/v1/terminals                 List sessions
  GET    /api/v1/terminals/{id}            Get a session
  DELETE /api/v1/terminals/{id}            Close (?force=true kills tmux)
  POST   /api/v1/terminals/{id}/input      Send input
  POST   /api/v1/terminals/{id}/resize     Resize
  GET    /api/v1/terminals/{id}/capture    Capture recent output
  GET    /api/v1/orphans                   Managed tmux sessions nobody tracks
  POST   /api/v1/orphans/reattach          Reattach many
  POST   /api/v1/orphans/{name}/reattach   Reattach one
  POST   /api/v1/external/kill             Kill many
  DELETE /api/v1/external/{name}           Kill one
  GET    /api/v1/status                    Agent status for ?cwd= and/or ?session=
  POST   /api/v1/status/cleanup            Sweep the status directory
  GET    /ws                               WebSocket event stream (?topics=)
  GET    /metrics                          Prometheus metrics
  GET    /health                           Health check

Examples:
  ntmd serve                    # Listen on 127.0.0.1:7337
  ntmd serve --port 8080
  ntmd serve --no-recovery      # Skip the startup tmux scan`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			opts.apply(cmd, cfg)

			logger, err := logging.New(logging.Config{
				Level:       cfg.Logging.Level,
				Development: cfg.Logging.Development,
				OutputPaths: cfg.Logging.OutputPaths,
			})
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d := newDaemon(cfg, logger)
			return d.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&opts.Host, "host", "", "HTTP bind host (default from config, 127.0.0.1)")
	cmd.Flags().IntVar(&opts.Port, "port", 0, "HTTP server port (default from config, 7337)")
	cmd.Flags().BoolVar(&opts.NoRecovery, "no-recovery", false, "Skip startup reconciliation with tmux")
	cmd.Flags().BoolVar(&opts.NoWatch, "no-watch", false, "Rescan the status directory on every query")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.Flags().BoolVar(&opts.Development, "dev", false, "Human-readable development logging")
	return cmd
}

// apply lets explicit flags win over the config file.
func (o serveOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	if o.Host != "" {
		cfg.Server.Host = o.Host
	}
	if o.Port > 0 {
		cfg.Server.Port = o.Port
	}
	if o.NoRecovery {
		cfg.Recovery.Enabled = false
	}
	if o.NoWatch {
		cfg.Status.Watch = false
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if cmd.Flags().Changed("dev") {
		cfg.Logging.Development = o.Development
	}
}

// daemon is the fully wired service graph behind 'ntmd serve'.
type daemon struct {
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
	bus      *events.EventBus
	emitter  *events.EventEmitter
	registry *registry.Registry
	window   *ratelimit.Window
	tmux     *tmux.Client
	ptys     *ptyhost.Manager
	spawner  *spawn.Coordinator
	engine   *reconcile.Engine
	status   *status.Matcher
	server   *serve.Server
}

type daemonOption func(*daemonSettings)

type daemonSettings struct {
	tmuxOpts []tmux.Option
}

// withTmuxRunner replaces the exec runner, for tests.
func withTmuxRunner(r tmux.Runner) daemonOption {
	return func(s *daemonSettings) { s.tmuxOpts = append(s.tmuxOpts, tmux.WithRunner(r)) }
}

func newDaemon(cfg *config.Config, logger *zap.Logger, opts ...daemonOption) *daemon {
	var settings daemonSettings
	for _, opt := range opts {
		opt(&settings)
	}

	d := &daemon{cfg: cfg, logger: logger, metrics: metrics.New()}

	d.bus = events.NewEventBus(cfg.Server.EventHistory)
	d.bus.SetLogger(logger.Named("events"))
	d.emitter = events.NewEventEmitter(d.bus, cfg.Server.EventBuffer, logger.Named("events"))

	d.registry = registry.New(
		registry.WithLogger(logger.Named("registry")),
		registry.WithKillTimeout(cfg.Tmux.KillTimeout),
		registry.WithObserver(registry.Observers{d.metrics, events.SessionObserver{Emitter: d.emitter}}),
	)

	d.window = ratelimit.NewWindow(cfg.Spawn.RateMax, cfg.Spawn.RateWindow)

	tmuxOpts := append([]tmux.Option{
		tmux.WithRunner(tmux.ExecRunner{Remote: cfg.Tmux.Remote, Binary: cfg.Tmux.Binary}),
		tmux.WithTimeouts(tmux.Timeouts{
			List:    cfg.Tmux.ListTimeout,
			Probe:   cfg.Tmux.ProbeTimeout,
			Launch:  cfg.Tmux.LaunchTimeout,
			Kill:    cfg.Tmux.KillTimeout,
			Capture: cfg.Tmux.CaptureTimeout,
		}),
		tmux.WithObserver(d.metrics.ObserveTmux),
		tmux.WithLogger(logger.Named("tmux")),
	}, settings.tmuxOpts...)
	d.tmux = tmux.NewClient(cfg.Tmux.Remote, tmuxOpts...)

	d.ptys = ptyhost.NewManager(logger.Named("pty"))

	platform := terminal.Platform(cfg.Spawn.Platform)
	d.spawner = spawn.New(spawn.Config{
		Prefix:           cfg.Tmux.Prefix,
		ResumableDefault: cfg.Spawn.ResumableDefault,
		Platform:         platform,
		Shell:            cfg.Spawn.Shell,
		ProfileTimeout:   cfg.Spawn.ProfileTimeout,
		LaunchTimeout:    cfg.Tmux.LaunchTimeout,
		DefaultCols:      cfg.Spawn.DefaultCols,
		DefaultRows:      cfg.Spawn.DefaultRows,
	}, d.registry, d.window,
		spawn.WithProfiles(agents.NewFileStore(cfg.Profiles.File)),
		spawn.WithTmux(&spawn.TmuxBackend{Client: d.tmux, Logger: logger.Named("spawn")}),
		spawn.WithPTY(&spawn.PTYBackend{Manager: d.ptys}),
		spawn.WithEmitter(d.emitter),
		spawn.WithMetrics(d.metrics),
		spawn.WithLogger(logger.Named("spawn")),
	)

	d.engine = reconcile.New(reconcile.Config{
		Prefix:       cfg.Tmux.Prefix,
		Platform:     platform,
		AutoReattach: cfg.Recovery.AutoReattach,
		GracePeriod:  cfg.Recovery.GracePeriod,
		Concurrency:  cfg.Bulk.Concurrency,
		Pace:         cfg.Bulk.Pace,
		KillTimeout:  cfg.Bulk.KillTimeout,
	}, d.tmux, d.registry,
		reconcile.WithEmitter(d.emitter),
		reconcile.WithMetrics(d.metrics),
		reconcile.WithLogger(logger.Named("reconcile")),
	)

	d.status = status.New(status.Config{
		Dir:             cfg.Status.Dir,
		CleanupInterval: cfg.Status.CleanupInterval,
		MaxAge:          cfg.Status.MaxAge,
		NonTmuxIdle:     cfg.Status.NonTmuxIdle,
		NonTmuxMaxAge:   cfg.Status.NonTmuxMaxAge,
		DebugMaxAge:     cfg.Status.DebugMaxAge,
		ContextMaxAge:   cfg.Status.ContextMaxAge,
	},
		status.WithPanes(d.engine),
		status.WithEmitter(d.emitter),
		status.WithMetrics(d.metrics),
		status.WithLogger(logger.Named("status")),
	)

	d.server = serve.New(serve.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout,
		APIRate:        cfg.Server.APIRate,
		APIBurst:       cfg.Server.APIBurst,
		ListWait:       cfg.Recovery.ListWait,
		CaptureTimeout: cfg.Tmux.CaptureTimeout,
		TrustedProxies: cfg.Server.TrustedProxies,
		Registry:       d.registry,
		Spawner:        d.spawner,
		Engine:         d.engine,
		Status:         d.status,
		EventBus:       d.bus,
		Metrics:        d.metrics,
		Logger:         logger.Named("http"),
	})
	return d
}

// startBackground launches everything except the HTTP listener.
func (d *daemon) startBackground(ctx context.Context) {
	d.emitter.Start()
	go d.window.Run(ctx, d.cfg.Spawn.RateWindow)

	if d.cfg.Recovery.Enabled {
		go d.engine.Recover(ctx)
	} else {
		d.registry.MarkRecovered()
	}

	go d.status.Run(ctx)
	if d.cfg.Status.Watch {
		if err := os.MkdirAll(d.cfg.Status.Dir, 0o755); err != nil {
			d.logger.Warn("status directory unavailable, rescanning per query", zap.Error(err))
			return
		}
		w, err := status.NewWatcher(d.status)
		if err != nil {
			d.logger.Warn("status watcher not started, rescanning per query", zap.Error(err))
			return
		}
		go w.Run(ctx)
	}
}

// Run serves until ctx is cancelled. Ephemeral sessions die with the daemon;
// tmux sessions are left running for the next start to reattach.
func (d *daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.startBackground(ctx)
	defer d.emitter.Stop()

	d.logger.Info("ntmd starting",
		zap.String("version", Version),
		zap.String("addr", d.cfg.Server.Addr()),
		zap.String("prefix", d.cfg.Tmux.Prefix),
		zap.Bool("recovery", d.cfg.Recovery.Enabled),
		zap.String("status_dir", d.cfg.Status.Dir))

	err := d.server.Start(ctx)

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	d.ptys.Shutdown(shutdownCtx)
	return err
}
