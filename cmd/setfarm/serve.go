package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/setfarm/setfarm"
	"github.com/setfarm/setfarm/cron/local"
	"github.com/setfarm/setfarm/cron/remote"
	"github.com/setfarm/setfarm/internal/config"
	"github.com/setfarm/setfarm/observer"
)

// shutdownGrace bounds observer flush on exit.
const shutdownGrace = 5 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine daemon: medic, spec watcher, and local cron",
		Args:  exactArgs(0, "serve"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func init() {
	rootCmd.AddCommand(newServeCmd())
}

func runServe() error {
	cfg := loadConfig()
	logger := newLogger(cfg, false)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Observability first, so the store wrapper and tracer see a configured
	// provider.
	var engineOpts []setfarm.EngineOption
	var wrapStore func(setfarm.Store) setfarm.Store
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("serve: observer shutdown", "error", err)
			}
		}()
		engineOpts = append(engineOpts, setfarm.WithTracer(observer.NewTracer()))
		wrapStore = func(s setfarm.Store) setfarm.Store { return observer.WrapStore(s, inst) }
	}

	sq, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sq.Close() //nolint:errcheck
	var store setfarm.Store = sq
	if wrapStore != nil {
		store = wrapStore(store)
	}

	gateway, localGW := serveGateway(cfg, logger)

	engineOpts = append(engineOpts,
		setfarm.WithLogger(logger),
		setfarm.WithArchiver(setfarm.NewArchiver(cfg.RunsDir())),
		setfarm.WithCronStagger(cfg.CronStagger()),
	)
	engine := setfarm.NewEngine(store, gateway, engineOpts...)

	watcher := setfarm.NewWatcher(cfg.WorkflowsDir(), setfarm.WithWatcherLogger(logger))

	medic := setfarm.NewMedic(store, gateway, engine,
		setfarm.WithMedicLogger(logger),
		setfarm.WithMedicInterval(cfg.MedicInterval()),
		setfarm.WithRoleTimeout(cfg.RoleTimeout()),
	)

	// Re-create wake-up jobs for runs that were mid-flight when the previous
	// process died. Required in local mode, harmless in http mode.
	if err := medic.RestoreCrons(ctx); err != nil {
		logger.Warn("serve: restore crons", "error", err)
	}

	logger.Info("serve: starting",
		"db", cfg.DBPath(),
		"workflows", cfg.WorkflowsDir(),
		"cron_mode", cfg.Cron.Mode,
		"medic_interval", cfg.MedicInterval(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return medic.Start(gctx) })
	g.Go(func() error { return watcher.Start(gctx) })
	if localGW != nil {
		g.Go(func() error { return localGW.Start(gctx) })
	}
	err = g.Wait()
	logger.Info("serve: stopped")
	return err
}

// serveGateway builds the gateway for the daemon. Local mode returns the
// gateway a second time so the caller can run its scheduler loop.
func serveGateway(cfg config.Config, logger *slog.Logger) (setfarm.CronGateway, *local.Gateway) {
	switch cfg.Cron.Mode {
	case "http":
		opts := []remote.GatewayOption{remote.WithLogger(logger)}
		if cfg.Cron.Token != "" {
			opts = append(opts, remote.WithToken(cfg.Cron.Token))
		}
		return remote.New(cfg.Cron.BaseURL, opts...), nil
	case "local":
		var runner local.Runner
		if cfg.Cron.AgentCommand != "" {
			runner = local.CommandRunner("sh", "-c", cfg.Cron.AgentCommand)
		}
		gw := local.New(runner, local.WithLogger(logger))
		return gw, gw
	default:
		return nopGateway{}, nil
	}
}
