package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cwbudde/expectreg/internal/store"
	"github.com/spf13/cobra"
)

var (
	resultsDataDir string
	keepLast       int
	olderThanDays  int
	forceClean     bool
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Manage stored registration results",
	Long: `Manage stored registration results including listing, inspecting and cleaning them.
Stored results can be continued with the resume command.`,
}

var listResultsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all stored results",
	Long:  `Display all stored results with job ID, timestamp, iterations, stop reason, value and size on disk.`,
	RunE:  runListResults,
}

var showResultCmd = &cobra.Command{
	Use:   "show [job-id]",
	Short: "Show one stored result",
	Args:  cobra.ExactArgs(1),
	RunE:  runShowResult,
}

var cleanResultsCmd = &cobra.Command{
	Use:   "clean",
	Short: "Clean old results",
	Long: `Delete old results based on retention policy.
You can keep only the newest N results or delete results older than N days.`,
	RunE: runCleanResults,
}

func init() {
	rootCmd.AddCommand(resultsCmd)

	resultsCmd.AddCommand(listResultsCmd)
	resultsCmd.AddCommand(showResultCmd)
	resultsCmd.AddCommand(cleanResultsCmd)

	resultsCmd.PersistentFlags().StringVar(&resultsDataDir, "data-dir", "./data", "Base directory for stored results")

	cleanResultsCmd.Flags().IntVar(&keepLast, "keep-last", 0, "Keep only the newest N results (0 = keep all)")
	cleanResultsCmd.Flags().IntVar(&olderThanDays, "older-than", 0, "Delete results older than N days (0 = no age limit)")
	cleanResultsCmd.Flags().BoolVarP(&forceClean, "force", "f", false, "Skip confirmation prompt")
}

func runListResults(cmd *cobra.Command, args []string) error {
	resultStore, err := store.NewFSStore(resultsDataDir)
	if err != nil {
		return fmt.Errorf("failed to create result store: %w", err)
	}

	infos, err := resultStore.ListResults()
	if err != nil {
		return fmt.Errorf("failed to list results: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No results found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "JOB ID\tTIMESTAMP\tSCENARIO\tITERATIONS\tREASON\tVALUE\tSIZE")
	fmt.Fprintln(w, "------\t---------\t--------\t----------\t------\t-----\t----")

	for _, info := range infos {
		jobDir := filepath.Join(resultsDataDir, "jobs", info.JobID)
		size, err := getDirSize(jobDir)
		sizeStr := "unknown"
		if err == nil {
			sizeStr = formatBytes(size)
		}

		fmt.Fprintf(w, "%s\t%s\t%s/%s\t%d\t%s\t%.6g\t%s\n",
			shortID(info.JobID),
			info.Timestamp.Format("2006-01-02 15:04:05"),
			info.Shape,
			info.Transform,
			info.Iterations,
			info.Reason,
			info.Value,
			sizeStr,
		)
	}

	w.Flush()

	fmt.Fprintf(out, "\nTotal results: %d\n", len(infos))
	return nil
}

func runShowResult(cmd *cobra.Command, args []string) error {
	resultStore, err := store.NewFSStore(resultsDataDir)
	if err != nil {
		return fmt.Errorf("failed to create result store: %w", err)
	}

	record, err := resultStore.LoadResult(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Job: %s\n", record.JobID)
	fmt.Fprintf(out, "Stored: %s\n", record.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(out, "Scenario: %s (%dD), transform %s\n",
		record.Config.Scenario.Shape, record.Config.Scenario.Dimension, record.Config.Transform.Kind)
	fmt.Fprintf(out, "Stop reason: %s after %d iterations\n", record.Reason, record.Iterations)
	fmt.Fprintf(out, "Value: %.6g -> %.6g\n", record.InitialValue, record.Value)
	fmt.Fprintf(out, "Parameters: %v\n", record.Parameters)
	if record.ResidualForward > 0 || record.ResidualInverse > 0 {
		fmt.Fprintf(out, "Residuals: forward %.3g, inverse %.3g\n", record.ResidualForward, record.ResidualInverse)
	}
	return nil
}

func runCleanResults(cmd *cobra.Command, args []string) error {
	if keepLast == 0 && olderThanDays == 0 {
		return fmt.Errorf("must specify either --keep-last or --older-than")
	}

	resultStore, err := store.NewFSStore(resultsDataDir)
	if err != nil {
		return fmt.Errorf("failed to create result store: %w", err)
	}

	infos, err := resultStore.ListResults()
	if err != nil {
		return fmt.Errorf("failed to list results: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(infos) == 0 {
		fmt.Fprintln(out, "No results to clean.")
		return nil
	}

	toDelete := selectResultsForDeletion(infos, keepLast, olderThanDays)
	if len(toDelete) == 0 {
		fmt.Fprintln(out, "No results match deletion criteria.")
		return nil
	}

	fmt.Fprintf(out, "Found %d result(s) to delete:\n", len(toDelete))
	for _, info := range toDelete {
		fmt.Fprintf(out, "  - %s (%d iterations, %s)\n",
			shortID(info.JobID),
			info.Iterations,
			info.Timestamp.Format("2006-01-02 15:04:05"),
		)
	}

	if !forceClean && !confirm(cmd.InOrStdin(), out, "\nProceed with deletion? [y/N]: ") {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}

	deleted := 0
	failed := 0
	for _, info := range toDelete {
		if err := resultStore.DeleteResult(info.JobID); err != nil {
			slog.Error("Failed to delete result", "job_id", info.JobID, "error", err)
			failed++
		} else {
			slog.Info("Deleted result", "job_id", info.JobID)
			deleted++
		}
	}

	fmt.Fprintf(out, "\nDeleted %d result(s), %d failed.\n", deleted, failed)
	return nil
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	line, _ := bufio.NewReader(in).ReadString('\n')
	answer := strings.TrimSpace(line)
	return answer == "y" || answer == "Y"
}

// selectResultsForDeletion applies the age and count retention rules. A result matched by
// both rules is listed once.
func selectResultsForDeletion(infos []store.RecordInfo, keepLast int, olderThanDays int) []store.RecordInfo {
	var toDelete []store.RecordInfo
	selected := make(map[string]bool)

	if olderThanDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -olderThanDays)
		for _, info := range infos {
			if info.Timestamp.Before(cutoff) {
				toDelete = append(toDelete, info)
				selected[info.JobID] = true
			}
		}
	}

	if keepLast > 0 && len(infos) > keepLast {
		sorted := make([]store.RecordInfo, len(infos))
		copy(sorted, infos)
		sort.Slice(sorted, func(i, j int) bool {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		})

		for _, info := range sorted[:len(sorted)-keepLast] {
			if !selected[info.JobID] {
				toDelete = append(toDelete, info)
				selected[info.JobID] = true
			}
		}
	}

	return toDelete
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}

// getDirSize calculates the total size of a directory
func getDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// formatBytes formats bytes as human-readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
