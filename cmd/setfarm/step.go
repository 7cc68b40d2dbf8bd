package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/setfarm/setfarm"
)

// newStepCmd builds the agent-facing claim protocol: peek, claim, complete,
// fail. Output is machine-readable; logs go to stderr at warn level.
func newStepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step",
		Short: "Claim protocol for agents",
	}
	cmd.AddCommand(newStepPeekCmd())
	cmd.AddCommand(newStepClaimCmd())
	cmd.AddCommand(newStepCompleteCmd())
	cmd.AddCommand(newStepFailCmd())
	return cmd
}

func init() {
	rootCmd.AddCommand(newStepCmd())
}

func newStepPeekCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peek <role>",
		Short: "Check whether claimable work exists for a role",
		Args:  exactArgs(1, "peek <role>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(engine *setfarm.Engine) error {
				has, err := engine.Peek(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if has {
					fmt.Fprintln(cmd.OutOrStdout(), "HAS_WORK")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "NO_WORK")
				}
				return nil
			})
		},
	}
}

func newStepClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <role>",
		Short: "Atomically claim the next unit of work for a role",
		Args:  exactArgs(1, "claim <role>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, func(engine *setfarm.Engine) error {
				claim, err := engine.Claim(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if claim == nil {
					fmt.Fprintln(cmd.OutOrStdout(), "NO_WORK")
					return nil
				}
				out, err := json.Marshal(claim)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			})
		},
	}
}

func newStepCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <unit_id>",
		Short: "Report a claimed unit as done, reading KEY: value output from stdin",
		Args:  exactArgs(1, "complete <unit_id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			return withEngine(cmd, func(engine *setfarm.Engine) error {
				if err := engine.Complete(cmd.Context(), args[0], string(raw)); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "OK")
				return nil
			})
		},
	}
}

func newStepFailCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fail <unit_id> [reason...]",
		Short: "Report a claimed unit as failed",
		Args:  minArgs(1, "fail <unit_id> [reason...]"),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason := strings.Join(args[1:], " ")
			return withEngine(cmd, func(engine *setfarm.Engine) error {
				if err := engine.Fail(cmd.Context(), args[0], reason); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "OK")
				return nil
			})
		},
	}
}

// withEngine wires config, store, and gateway for a one-shot engine call.
func withEngine(cmd *cobra.Command, fn func(*setfarm.Engine) error) error {
	cfg := loadConfig()
	logger := newLogger(cfg, true)
	store, err := openStore(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	engine := setfarm.NewEngine(store, buildGateway(cfg, logger),
		setfarm.WithLogger(logger),
		setfarm.WithArchiver(setfarm.NewArchiver(cfg.RunsDir())),
		setfarm.WithCronStagger(cfg.CronStagger()),
	)
	return fn(engine)
}
