package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

const resultFile = "result.json"

// FSStore keeps one directory per job under <baseDir>/jobs/<jobID>/, holding result.json
// and, when tracing is enabled, trace.jsonl.
//
// Results are written to a temporary file and renamed into place, so concurrent readers
// never see a partial record.
type FSStore struct {
	baseDir string
}

// NewFSStore creates baseDir if needed and returns a store rooted there.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

func (fs *FSStore) jobDir(jobID string) string {
	return filepath.Join(fs.baseDir, "jobs", jobID)
}

func (fs *FSStore) resultPath(jobID string) string {
	return filepath.Join(fs.jobDir(jobID), resultFile)
}

// SaveResult validates record and replaces the stored result of jobID.
func (fs *FSStore) SaveResult(jobID string, record *Record) error {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}
	if record == nil {
		return fmt.Errorf("record cannot be nil")
	}
	if record.JobID != jobID {
		return &ValidationError{Field: "JobID", Reason: fmt.Sprintf("is %q, stored under %q", record.JobID, jobID)}
	}
	if err := record.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(fs.jobDir(jobID), 0755); err != nil {
		return fmt.Errorf("failed to create job directory: %w", err)
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize result: %w", err)
	}

	path := fs.resultPath(jobID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp result file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename result file: %w", err)
	}

	slog.Debug("Result saved", "job_id", jobID, "path", path, "reason", record.Reason)
	return nil
}

// LoadResult returns the stored result of jobID or a *NotFoundError.
func (fs *FSStore) LoadResult(jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID cannot be empty")
	}

	data, err := os.ReadFile(fs.resultPath(jobID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, &NotFoundError{JobID: jobID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read result file: %w", err)
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to deserialize result of %s: %w", jobID, err)
	}
	return &record, nil
}

// ListResults returns a summary of every stored result, newest first. Job directories
// without a result, such as the trace of a running job, and unreadable records are skipped.
func (fs *FSStore) ListResults() ([]RecordInfo, error) {
	entries, err := os.ReadDir(filepath.Join(fs.baseDir, "jobs"))
	if errors.Is(err, os.ErrNotExist) {
		return []RecordInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs directory: %w", err)
	}

	infos := make([]RecordInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		record, err := fs.LoadResult(entry.Name())
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			slog.Warn("Skipping unreadable result", "job_id", entry.Name(), "error", err)
			continue
		}
		infos = append(infos, record.ToInfo())
	}

	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].Timestamp.After(infos[j].Timestamp)
	})
	slog.Debug("Listed results", "count", len(infos))
	return infos, nil
}

// DeleteResult removes the job directory of jobID, trace included.
func (fs *FSStore) DeleteResult(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID cannot be empty")
	}

	dir := fs.jobDir(jobID)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return &NotFoundError{JobID: jobID}
	} else if err != nil {
		return fmt.Errorf("failed to stat job directory: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove job directory: %w", err)
	}

	slog.Debug("Result deleted", "job_id", jobID, "path", dir)
	return nil
}
