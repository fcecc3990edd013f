package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/bid-intel/internal/model"
	"github.com/sells-group/bid-intel/internal/monitoring"
	"github.com/sells-group/bid-intel/internal/store"
	"github.com/sells-group/bid-intel/pkg/bidclient"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect analysis runs",
	Long:  "Commands for listing, viewing and cancelling analysis runs, reading their logs, and summarising run health.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List analysis runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStoreForCLI(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		opp, _ := cmd.Flags().GetString("opportunity")
		status, _ := cmd.Flags().GetString("status")
		typ, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.RunFilter{
			OpportunityID: opp,
			Status:        model.RunStatus(status),
			Limit:         limit,
		}
		if typ != "" {
			t, err := model.ParseAnalysisType(typ)
			if err != nil {
				return err
			}
			filter.AnalysisType = t
		}

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStoreForCLI(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

// -- runs logs --

var runsLogsCmd = &cobra.Command{
	Use:   "logs <run-id>",
	Short: "Print the most recent log messages of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStoreForCLI(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if _, err := st.GetRun(ctx, args[0]); err != nil {
			return eris.Wrap(err, "runs logs")
		}
		limit, _ := cmd.Flags().GetInt("limit")
		msgs, err := st.GetLogs(ctx, args[0], store.ClampLogLimit(limit))
		if err != nil {
			return eris.Wrap(err, "runs logs")
		}

		formatLogs(os.Stdout, msgs)
		return nil
	},
}

// -- runs cancel --

var runsCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a pending or running run",
	Long:  "With --server the request goes to the API, which stops an executing run at its next stage boundary. Without it the run is failed directly in the store.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if server, _ := cmd.Flags().GetString("server"); server != "" {
			if err := bidclient.NewClient(server).CancelRun(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "cancellation requested for %s\n", args[0])
			return nil
		}

		st, err := openStoreForCLI(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := cancelInStore(ctx, st, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "run %s cancelled\n", args[0])
		return nil
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarise run health and LLM spend over a lookback window",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStoreForCLI(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		hours, _ := cmd.Flags().GetInt("hours")
		snap, err := monitoring.NewCollector(st).Collect(ctx, hours)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}
		alerts := monitoring.NewAlerter(cfg.Monitor).Evaluate(snap)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			*monitoring.MetricsSnapshot
			Alerts []monitoring.Alert `json:"alerts,omitempty"`
		}{snap, alerts})
	},
}

func openStoreForCLI(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	return initStore(ctx)
}

// cancelInStore fails a non-terminal run with reason cancelled.
func cancelInStore(ctx context.Context, st store.Store, id string) error {
	run, err := st.GetRun(ctx, id)
	if err != nil {
		return eris.Wrap(err, "runs cancel")
	}
	if run.Status.Terminal() {
		return eris.Wrapf(model.ErrConflict, "run %s is already %s", id, run.Status)
	}
	return st.FailRun(ctx, id, model.FailureCancelled, "cancelled", "")
}

func init() {
	runsListCmd.Flags().String("opportunity", "", "filter by opportunity notice ID")
	runsListCmd.Flags().String("status", "", "filter by run status (pending, running, completed, failed)")
	runsListCmd.Flags().String("type", "", "filter by analysis type")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsLogsCmd.Flags().Int("limit", store.DefaultLogLimit, "number of most recent messages")

	runsCancelCmd.Flags().String("server", "", "API base URL; cancel through the running server")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsLogsCmd)
	runsStatsCmd.Flags().Int("hours", 24, "lookback window in hours")
	runsCmd.AddCommand(runsCancelCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.AnalysisResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tOPPORTUNITY\tTYPE\tSTATUS\tSTAGES\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t-----------\t----\t------\t------\t-------\t--------")

	for _, r := range runs {
		stages := 0
		if r.Result != nil {
			stages = len(r.Result.CompletedStages)
		}
		status := string(r.Status)
		if r.FailureReason != "" {
			status += " (" + string(r.FailureReason) + ")"
		}
		dur := ""
		if r.StartedAt != nil && r.CompletedAt != nil {
			dur = r.CompletedAt.Sub(*r.StartedAt).Round(time.Second).String()
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			truncateID(r.ID),
			r.OpportunityID,
			r.AnalysisType,
			status,
			stages, len(model.StageOrder),
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatLogs writes one line per message.
func formatLogs(out io.Writer, msgs []model.AgentMessage) {
	for _, m := range msgs {
		stage := string(m.Stage)
		if stage == "" {
			stage = "-"
		}
		_, _ = fmt.Fprintf(out, "%s %-5s %-24s %s\n",
			m.CreatedAt.Format("15:04:05"), m.Level, stage, m.Message)
	}
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
