package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/setfarm/setfarm"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start and inspect workflow runs",
	}
	cmd.AddCommand(newRunStartCmd())
	cmd.AddCommand(newRunListCmd())
	cmd.AddCommand(newRunShowCmd())
	return cmd
}

func init() {
	rootCmd.AddCommand(newRunCmd())
}

func newRunStartCmd() *cobra.Command {
	var task string

	cmd := &cobra.Command{
		Use:   "start <workflow_id>",
		Short: "Start a new run of a workflow",
		Args:  exactArgs(1, "start <workflow_id> --task <description>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if task == "" {
				return setfarm.E(setfarm.KindBadInput, "run start", "--task is required")
			}
			cfg := loadConfig()
			logger := newLogger(cfg, false)

			specs, err := setfarm.LoadWorkflowDir(cfg.WorkflowsDir())
			if err != nil {
				return err
			}
			spec, ok := specs[args[0]]
			if !ok {
				return setfarm.E(setfarm.KindNotFound, "run start",
					"workflow %q not found in %s", args[0], cfg.WorkflowsDir())
			}

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
			run, err := engine.StartRun(cmd.Context(), spec, task)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), run.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&task, "task", "", "Task description passed to the first step")
	return cmd
}

func newRunListCmd() *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		Args:  exactArgs(0, "list [--status running|done|failed]"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			logger := newLogger(cfg, true)
			store, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck

			runs, err := store.ListRuns(cmd.Context(), setfarm.RunStatus(status), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "No runs found.")
				return nil
			}
			formatRunTable(runs, cmd.OutOrStdout())
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (running, done, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum runs to list")
	return cmd
}

func newRunShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run_id>",
		Short: "Show a run with its steps and stories",
		Args:  exactArgs(1, "show <run_id>"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			logger := newLogger(cfg, true)
			store, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck

			ctx := cmd.Context()
			run, err := store.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			steps, err := store.ListSteps(ctx, run.ID)
			if err != nil {
				return err
			}
			stories, err := store.ListRunStories(ctx, run.ID)
			if err != nil {
				return err
			}
			events, err := store.ListEvents(ctx, run.ID, 10)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run:      %s\n", run.ID)
			fmt.Fprintf(out, "Workflow: %s\n", run.WorkflowID)
			fmt.Fprintf(out, "Status:   %s\n", run.Status)
			fmt.Fprintf(out, "Task:     %s\n", run.Task)
			fmt.Fprintf(out, "Created:  %s\n", formatUnix(run.CreatedAt))

			fmt.Fprintln(out)
			formatStepTable(steps, out)
			if len(stories) > 0 {
				fmt.Fprintln(out)
				formatStoryTable(stories, out)
			}
			if len(events) > 0 {
				fmt.Fprintln(out)
				formatEventTable(events, out)
			}
			return nil
		},
	}
}

func formatRunTable(runs []*setfarm.Run, w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "RUN ID\tWORKFLOW\tSTATUS\tTASK\tCREATED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.WorkflowID, r.Status, truncate(r.Task, 40), formatUnix(r.CreatedAt))
	}
}

func formatStepTable(steps []*setfarm.Step, w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "#\tSTEP\tTYPE\tAGENT\tSTATUS\tRETRIES")
	for _, s := range steps {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d/%d\n",
			s.StepIndex, s.StepID, s.Type, s.AgentID, s.Status, s.RetryCount, s.RetryLimit)
	}
}

func formatStoryTable(stories []*setfarm.Story, w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "#\tSTORY\tTITLE\tSTATUS\tRETRIES")
	for _, s := range stories {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d/%d\n",
			s.StoryIndex, s.StoryID, truncate(s.Title, 40), s.Status, s.RetryCount, s.RetryLimit)
	}
}

func formatEventTable(events []setfarm.Event, w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "TIME\tEVENT\tDETAIL")
	for _, ev := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", formatUnix(ev.TS), ev.Kind, truncate(ev.Detail, 60))
	}
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(ts, 0).UTC().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
