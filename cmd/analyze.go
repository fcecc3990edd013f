package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/bid-intel/internal/model"
	"github.com/sells-group/bid-intel/pkg/bidclient"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <opportunity_id>",
	Short: "Start an analysis run on a running server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, _ := cmd.Flags().GetString("server")
		if server == "" {
			server = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
		}
		typ, _ := cmd.Flags().GetString("type")
		attachments, _ := cmd.Flags().GetStringSlice("attachments")
		wait, _ := cmd.Flags().GetBool("wait")
		interval, _ := cmd.Flags().GetDuration("interval")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		client := bidclient.NewClient(server)
		return analyze(cmd.Context(), client, os.Stdout, os.Stderr, bidclient.RunRequest{
			OpportunityID: args[0],
			AnalysisType:  typ,
			AttachmentIDs: attachments,
		}, wait, interval, timeout)
	},
}

// analyze starts a run and, when wait is set, polls until it is terminal.
// A failed run is reported as an error.
func analyze(ctx context.Context, client bidclient.Client, stdout, stderr io.Writer, req bidclient.RunRequest, wait bool, interval, timeout time.Duration) error {
	resp, err := client.StartRun(ctx, req)
	if err != nil {
		if bidclient.IsConflict(err) {
			return eris.Wrapf(err, "a %s run is already active for %s", req.AnalysisType, req.OpportunityID)
		}
		return err
	}
	_, _ = fmt.Fprintf(stderr, "started run %s\n", resp.AnalysisResultID)
	if !wait {
		_, _ = fmt.Fprintln(stdout, resp.AnalysisResultID)
		return nil
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	last := ""
	run, err := bidclient.WaitForResult(ctx, client, resp.AnalysisResultID,
		bidclient.WithPollInterval(interval),
		bidclient.WithOnPoll(func(status string) {
			if status != last {
				_, _ = fmt.Fprintf(stderr, "status: %s\n", status)
				last = status
			}
		}),
	)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(run); err != nil {
		return err
	}
	if run.Status == model.RunStatusFailed {
		return eris.Errorf("run %s failed (%s): %s", run.ID, run.FailureReason, run.ErrorMessage)
	}
	return nil
}

func init() {
	analyzeCmd.Flags().String("type", "", "analysis type (sow_draft, hotel_match, compliance_review)")
	_ = analyzeCmd.MarkFlagRequired("type")
	analyzeCmd.Flags().String("server", "", "API base URL (default http://localhost:<server.port>)")
	analyzeCmd.Flags().StringSlice("attachments", nil, "restrict the run to these attachment IDs")
	analyzeCmd.Flags().Bool("wait", false, "poll until the run completes or fails")
	analyzeCmd.Flags().Duration("interval", 2*time.Second, "poll interval")
	analyzeCmd.Flags().Duration("timeout", 30*time.Minute, "give up waiting after this long")
	rootCmd.AddCommand(analyzeCmd)
}
