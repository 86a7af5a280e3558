package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/mlOS-foundation/system-test/pkg/result"
	"github.com/mlOS-foundation/system-test/pkg/upload"
	"github.com/spf13/cobra"
)

var (
	uploadMethod    string
	uploadResultDir string
	uploadList      bool
)

var uploadResultsCmd = &cobra.Command{
	Use:   "upload-results",
	Short: "Upload run results to remote storage",
	Long: `Upload a local run directory to S3-compatible storage using the config file
settings. A directory holding result.json also moves the latest pointer. With
--list, print the runs already uploaded instead.`,
	RunE: runUploadResults,
}

func init() {
	rootCmd.AddCommand(uploadResultsCmd)
	uploadResultsCmd.Flags().StringVar(&uploadMethod, "method", "s3",
		"Upload method (currently only \"s3\")")
	uploadResultsCmd.Flags().StringVar(&uploadResultDir, "result-dir", "",
		"Path to the run directory to upload")
	uploadResultsCmd.Flags().BoolVar(&uploadList, "list", false,
		"List uploaded runs instead of uploading")

	uploadResultsCmd.MarkFlagsOneRequired("result-dir", "list")
	uploadResultsCmd.MarkFlagsMutuallyExclusive("result-dir", "list")
}

func runUploadResults(cmd *cobra.Command, args []string) error {
	if uploadMethod != "s3" {
		return fmt.Errorf("unsupported method %q (only \"s3\" is supported)", uploadMethod)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !cfg.Upload.S3.Enabled {
		return fmt.Errorf("S3 upload is not configured or not enabled in config")
	}

	ctx := cmd.Context()

	if uploadList {
		return listUploadedRuns(cmd, upload.NewS3Reader(log, &cfg.Upload.S3))
	}

	uploader, err := upload.NewS3Uploader(log, &cfg.Upload.S3)
	if err != nil {
		return fmt.Errorf("creating S3 uploader: %w", err)
	}

	log.WithField("dir", uploadResultDir).Info("Uploading results")

	run, err := result.ReadRunResult(uploadResultDir)
	if err != nil {
		log.WithError(err).Warn("No run result found, uploading files without moving the latest pointer")

		if err := uploader.Upload(ctx, uploadResultDir); err != nil {
			return fmt.Errorf("uploading results: %w", err)
		}
	} else if err := uploader.Publish(ctx, uploadResultDir, run); err != nil {
		return fmt.Errorf("publishing results: %w", err)
	}

	log.Info("Upload completed successfully")

	return nil
}

func listUploadedRuns(cmd *cobra.Command, reader *upload.S3Reader) error {
	ctx := cmd.Context()

	runs, err := reader.ListRuns(ctx)
	if err != nil {
		return fmt.Errorf("listing uploaded runs: %w", err)
	}

	latest, err := reader.GetLatest(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to read latest pointer")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DIR\tRUN ID\tSTATUS\tRUNTIME\tSUCCESS RATE\tLATEST")

	for _, run := range runs {
		runID, status, version, rate := "-", "-", "-", "-"

		if m := run.Metrics; m != nil {
			runID = m.RunID
			status = string(m.Status)
			version = m.Versions.Runtime
			rate = fmt.Sprintf("%.1f%%", m.Totals.SuccessRate)
		}

		marker := ""
		if latest != nil && latest.Dir == run.Dir {
			marker = "*"
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", run.Dir, runID, status, version, rate, marker)
	}

	return w.Flush()
}
