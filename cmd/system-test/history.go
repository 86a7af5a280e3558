package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/mlOS-foundation/system-test/pkg/history"
	"github.com/spf13/cobra"
)

var (
	historyLimit          int
	historyRuntimeVersion string
	historyStatus         string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Query the run history database",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the workloads of a recorded run",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyImportCmd = &cobra.Command{
	Use:   "import <run-dir>...",
	Short: "Record existing run directories",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runHistoryImport,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd, historyShowCmd, historyImportCmd)

	historyListCmd.Flags().IntVar(&historyLimit, "limit", history.DefaultListLimit,
		"Maximum number of runs to list")
	historyListCmd.Flags().StringVar(&historyRuntimeVersion, "runtime-version", "",
		"Only list runs of this runtime version")
	historyListCmd.Flags().StringVar(&historyStatus, "status", "",
		"Only list runs with this status (completed, aborted)")
}

// withHistory opens the configured store for the duration of fn.
func withHistory(ctx context.Context, fn func(store history.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !cfg.History.Enabled {
		return fmt.Errorf("history is not enabled in config")
	}

	if err := cfg.History.Validate(); err != nil {
		return fmt.Errorf("validating history config: %w", err)
	}

	store := history.NewStore(log, &cfg.History)

	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("starting history store: %w", err)
	}

	defer func() {
		if err := store.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop history store")
		}
	}()

	return fn(store)
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	return withHistory(cmd.Context(), func(store history.Store) error {
		runs, err := store.ListRuns(cmd.Context(), history.RunFilter{
			RuntimeVersion: historyRuntimeVersion,
			Status:         historyStatus,
			Limit:          historyLimit,
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RUN ID\tSTARTED\tSTATUS\tRUNTIME\tINFERENCES\tSUCCESS RATE\tDIR")

		for _, run := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%.1f%%\t%s\n",
				run.RunID,
				run.StartedAt.Local().Format("2006-01-02 15:04:05"),
				run.Status,
				run.RuntimeVersion,
				run.SuccessfulInvocations,
				run.TotalInvocations,
				run.SuccessRate,
				run.Dir,
			)
		}

		return w.Flush()
	})
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	return withHistory(cmd.Context(), func(store history.Store) error {
		run, err := store.GetRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		workloads, err := store.ListWorkloads(cmd.Context(), run.RunID)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(struct {
			*history.Run
			Workloads []history.Workload `json:"workloads"`
		}{Run: run, Workloads: workloads})
	})
}

func runHistoryImport(cmd *cobra.Command, args []string) error {
	return withHistory(cmd.Context(), func(store history.Store) error {
		for _, dir := range args {
			run, err := store.ImportDir(cmd.Context(), dir)
			if err != nil {
				return fmt.Errorf("importing %s: %w", dir, err)
			}

			log.WithField("run_id", run.RunID).WithField("dir", dir).Info("Run imported")
		}

		return nil
	})
}
