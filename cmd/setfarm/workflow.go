package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/setfarm/setfarm"
)

func newWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Inspect and validate workflow definitions",
	}
	cmd.AddCommand(newWorkflowListCmd())
	cmd.AddCommand(newWorkflowValidateCmd())
	return cmd
}

func init() {
	rootCmd.AddCommand(newWorkflowCmd())
}

func newWorkflowListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflows in the workflows directory",
		Args:  exactArgs(0, "list"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			specs, err := setfarm.LoadWorkflowDir(cfg.WorkflowsDir())
			if err != nil {
				return err
			}
			if len(specs) == 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "No workflows found in %s.\n", cfg.WorkflowsDir())
				return nil
			}
			formatWorkflowTable(specs, cmd.OutOrStdout())
			return nil
		},
	}
}

func newWorkflowValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Parse and validate a workflow YAML file",
		Args:  exactArgs(1, "validate <file>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := setfarm.LoadWorkflow(args[0])
			if err != nil {
				return err
			}
			roles := map[string]bool{}
			for _, ss := range spec.PipelineSteps() {
				roles[ss.Agent] = true
			}
			fmt.Fprintf(cmd.OutOrStdout(), "OK: %s (%q), %d steps, %d roles\n",
				spec.ID, spec.Name, len(spec.PipelineSteps()), len(roles))
			return nil
		},
	}
}

func formatWorkflowTable(specs map[string]*setfarm.WorkflowSpec, w io.Writer) {
	ids := make([]string, 0, len(specs))
	for id := range specs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "ID\tNAME\tSTEPS\tWAKE INTERVAL")
	for _, id := range ids {
		spec := specs[id]
		interval := time.Duration(spec.Interval()) * time.Millisecond
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n",
			spec.ID, spec.Name, len(spec.PipelineSteps()), interval)
	}
}
