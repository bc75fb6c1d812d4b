package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cwbudde/expectreg/internal/server"
	"github.com/spf13/cobra"
)

var (
	serverURL string
)

var statusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Query server status or specific job",
	Long: `Queries the server for job status information.
If no job-id is provided, lists all jobs.
If job-id is provided, shows detailed status for that job.`,
	RunE: runStatus,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a running job on the server",
	Long: `Asks the server to stop a pending or running job. The job ends at its next
iteration and keeps the parameters reached so far.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cancelJob(cmd.OutOrStdout(), serverURL, args[0])
	},
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	cancelCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return listJobs(cmd.OutOrStdout(), fmt.Sprintf("%s/api/v1/jobs", serverURL))
	}
	jobID := args[0]
	return getJobStatus(cmd.OutOrStdout(), fmt.Sprintf("%s/api/v1/jobs/%s/status", serverURL, jobID), jobID)
}

func listJobs(w io.Writer, url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", string(body))
	}

	var jobs []server.Job
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found")
		return nil
	}

	fmt.Fprintf(w, "Found %d job(s):\n\n", len(jobs))
	for _, job := range jobs {
		fmt.Fprintf(w, "Job ID: %s\n", job.ID)
		fmt.Fprintf(w, "  State: %s\n", job.State)
		fmt.Fprintf(w, "  Scenario: %s (%dD), transform %s\n", job.Config.Scenario.Shape, job.Config.Scenario.Dimension, job.Config.Transform.Kind)
		if job.Iterations > 0 {
			fmt.Fprintf(w, "  Value: %.6g -> %.6g after %d iterations\n", job.InitialValue, job.Value, job.Iterations)
		}
		fmt.Fprintln(w)
	}

	return nil
}

// jobStatus mirrors the status endpoint response.
type jobStatus struct {
	ID                  string          `json:"id"`
	State               server.JobState `json:"state"`
	Value               float64         `json:"value"`
	InitialValue        float64         `json:"initialValue"`
	GradientNorm        float64         `json:"gradientNorm"`
	Iterations          int             `json:"iterations"`
	Budget              int             `json:"budget"`
	Reason              string          `json:"reason"`
	Elapsed             float64         `json:"elapsed"`
	IterationsPerSecond float64         `json:"iterationsPerSecond"`
	Error               string          `json:"error"`
}

func getJobStatus(w io.Writer, url, jobID string) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("job not found: %s", jobID)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", string(body))
	}

	var status jobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Fprintf(w, "Job: %s\n", status.ID)
	fmt.Fprintf(w, "State: %s\n", status.State)
	if status.Reason != "" {
		fmt.Fprintf(w, "Stop reason: %s\n", status.Reason)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Progress:")
	fmt.Fprintf(w, "  Iterations: %d / %d\n", status.Iterations, status.Budget)
	if status.InitialValue > 0 {
		fmt.Fprintf(w, "  Initial value: %.6g\n", status.InitialValue)
		fmt.Fprintf(w, "  Value: %.6g\n", status.Value)
		improvement := status.InitialValue - status.Value
		fmt.Fprintf(w, "  Improvement: %.6g (%.1f%%)\n", improvement, improvement/status.InitialValue*100)
	}
	fmt.Fprintf(w, "  Gradient norm: %.3g\n", status.GradientNorm)

	elapsed := time.Duration(status.Elapsed * float64(time.Second))
	fmt.Fprintf(w, "  Elapsed: %s\n", elapsed.Round(time.Millisecond))
	if status.IterationsPerSecond > 0 {
		fmt.Fprintf(w, "  Throughput: %.0f iterations/sec\n", status.IterationsPerSecond)
	}

	if status.Error != "" {
		fmt.Fprintf(w, "\nError: %s\n", status.Error)
	}

	return nil
}

func cancelJob(w io.Writer, baseURL, jobID string) error {
	resp, err := http.Post(fmt.Sprintf("%s/api/v1/jobs/%s/cancel", baseURL, jobID), "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		fmt.Fprintf(w, "Cancellation requested for job %s\n", jobID)
		return nil
	case http.StatusNotFound:
		return fmt.Errorf("job not found: %s", jobID)
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server refused cancellation: %s", strings.TrimSpace(string(body)))
	}
}
