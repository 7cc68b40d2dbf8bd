package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/setfarm/setfarm"
)

func newMedicCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "medic",
		Short: "Health checks and remediation",
	}
	cmd.AddCommand(newMedicRunCmd())
	return cmd
}

func init() {
	rootCmd.AddCommand(newMedicCmd())
}

func newMedicRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one medic pass and print the findings",
		Args:  exactArgs(0, "run"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			logger := newLogger(cfg, false)
			store, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck

			gateway := buildGateway(cfg, logger)
			engine := setfarm.NewEngine(store, gateway,
				setfarm.WithLogger(logger),
				setfarm.WithArchiver(setfarm.NewArchiver(cfg.RunsDir())),
				setfarm.WithCronStagger(cfg.CronStagger()),
			)
			medic := setfarm.NewMedic(store, gateway, engine,
				setfarm.WithMedicLogger(logger),
				setfarm.WithRoleTimeout(cfg.RoleTimeout()),
			)

			check, err := medic.RunChecks(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), check.Summary)
			if len(check.Findings) > 0 {
				fmt.Fprintln(cmd.OutOrStdout())
				formatFindingTable(check.Findings, cmd.OutOrStdout())
			}
			return nil
		},
	}
}

func formatFindingTable(findings []setfarm.Finding, w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "CHECK\tSEVERITY\tACTION\tREMEDIATED\tDETAIL")
	for _, f := range findings {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%s\n",
			f.Check, f.Severity, f.Action, f.Remediated, truncate(f.Detail, 60))
	}
}
