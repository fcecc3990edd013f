package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/bid-intel/internal/model"
)

var downloadCmd = &cobra.Command{
	Use:   "download <opportunity_id>",
	Short: "Download an opportunity's pending attachments and print the job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initDownloads(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close(time.Second)

		job, err := env.Downloads.Ensure(cmd.Context(), args[0])
		if err != nil {
			return eris.Wrap(err, "download")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(job); err != nil {
			return err
		}
		if job.Status == model.DownloadStatusFailed {
			return eris.Errorf("download job %s failed: %s", job.JobID, job.ErrorMessage)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(downloadCmd)
}
