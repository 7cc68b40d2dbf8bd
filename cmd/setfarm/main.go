// Command setfarm is the workflow orchestration CLI: a long-running serve
// mode for the engine daemon, operator commands for runs and workflows, and
// the step subcommands agents call to claim and report work.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/setfarm/setfarm"
	"github.com/setfarm/setfarm/cron/remote"
	"github.com/setfarm/setfarm/internal/config"
	"github.com/setfarm/setfarm/store/sqlite"
)

// Global flag values accessible to all subcommands.
var (
	flagConfig  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "setfarm",
	Short: "Multi-agent workflow orchestration engine",
	Long: `Setfarm coordinates populations of autonomous agents through YAML-defined
workflows. The engine keeps all state in an embedded SQLite database; agents
are woken by cron jobs and interact through the step subcommands.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to setfarm.toml config file (env: SETFARM_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")

	// Flag parse failures are usage errors and must exit 2.
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return setfarm.E(setfarm.KindBadInput, cmd.Name(), "%v", err)
	})
}

// Execute runs the root command and returns the process exit code:
// 0 success, 1 error, 2 invalid arguments.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if setfarm.IsKind(err, setfarm.KindBadInput) {
			return 2
		}
		return 1
	}
	return 0
}

func main() {
	os.Exit(Execute())
}

// exactArgs validates positional arity with a usage-style message, so arity
// mistakes exit 2 like other usage errors.
func exactArgs(n int, usage string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return setfarm.E(setfarm.KindBadInput, cmd.Name(), "expected %s", usage)
		}
		return nil
	}
}

func minArgs(n int, usage string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < n {
			return setfarm.E(setfarm.KindBadInput, cmd.Name(), "expected %s", usage)
		}
		return nil
	}
}

// loadConfig resolves the config path from --config or SETFARM_CONFIG.
func loadConfig() config.Config {
	path := flagConfig
	if path == "" {
		path = os.Getenv("SETFARM_CONFIG")
	}
	return config.Load(path)
}

// newLogger builds the process logger. One-shot commands default to warn so
// engine chatter stays off agent-visible output; --verbose forces debug.
func newLogger(cfg config.Config, quiet bool) *slog.Logger {
	level := parseLevel(cfg.Log.Level)
	if quiet && level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	if flagVerbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openStore opens and initializes the SQLite store.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*sqlite.Store, error) {
	store := sqlite.New(cfg.DBPath(), sqlite.WithLogger(logger))
	if err := store.Init(ctx); err != nil {
		store.Close() //nolint:errcheck
		return nil, fmt.Errorf("open store %s: %w", cfg.DBPath(), err)
	}
	return store, nil
}

// buildGateway returns the cron gateway for one-shot commands. Local mode
// schedules in the serve process only, so one-shots get a no-op gateway and
// the serve medic reconciles jobs on its next pass.
func buildGateway(cfg config.Config, logger *slog.Logger) setfarm.CronGateway {
	if cfg.Cron.Mode == "http" {
		opts := []remote.GatewayOption{remote.WithLogger(logger)}
		if cfg.Cron.Token != "" {
			opts = append(opts, remote.WithToken(cfg.Cron.Token))
		}
		return remote.New(cfg.Cron.BaseURL, opts...)
	}
	return nopGateway{}
}

// nopGateway satisfies CronGateway when no scheduler is reachable from this
// process.
type nopGateway struct{}

func (nopGateway) CreateJob(context.Context, setfarm.CronJob) (string, error) { return "", nil }
func (nopGateway) ListJobs(context.Context) ([]setfarm.CronJobRef, error)     { return nil, nil }
func (nopGateway) DeleteJob(context.Context, string) error                    { return nil }
func (nopGateway) DeleteJobsByPrefix(context.Context, string) error           { return nil }
