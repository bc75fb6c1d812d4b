package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cwbudde/expectreg/internal/opt"
)

const traceFile = "trace.jsonl"

// TraceEntry is one sampled iteration of a registration run, stored as a JSON line.
type TraceEntry struct {
	Iteration        int       `json:"iteration"`
	Value            float64   `json:"value"`
	GradientNorm     float64   `json:"gradientNorm"`
	ConvergenceValue float64   `json:"convergenceValue,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	Parameters       []float64 `json:"parameters,omitempty"`
}

// TraceOptions controls which iterations a TraceWriter records.
type TraceOptions struct {
	// Every records every n-th iteration. Values < 1 record every iteration.
	Every int

	// Append continues an existing trace instead of truncating it.
	Append bool

	// Offset is added to iteration numbers so a resumed run continues the numbering.
	Offset int
}

// TraceWriter appends trace entries to <baseDir>/jobs/<jobID>/trace.jsonl.
// It is safe for concurrent use.
type TraceWriter struct {
	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	path    string
	opts    TraceOptions
	written int
}

func tracePath(baseDir, jobID string) string {
	return filepath.Join(baseDir, "jobs", jobID, traceFile)
}

// OpenTrace opens the trace of jobID for writing.
func OpenTrace(baseDir, jobID string, opts TraceOptions) (*TraceWriter, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID cannot be empty")
	}
	path := tracePath(baseDir, jobID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create job directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if opts.Append {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	if opts.Every < 1 {
		opts.Every = 1
	}

	return &TraceWriter{
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024),
		path:   path,
		opts:   opts,
	}, nil
}

// Observe records ev when its iteration is sampled. It has the signature of an
// optimizer observer apart from the error.
func (tw *TraceWriter) Observe(ev opt.IterationEvent) error {
	if ev.Iteration%tw.opts.Every != 0 {
		return nil
	}
	return tw.Write(TraceEntry{
		Iteration:        tw.opts.Offset + ev.Iteration,
		Value:            ev.Value,
		GradientNorm:     ev.GradientNorm,
		ConvergenceValue: finiteOrZero(ev.ConvergenceValue),
		Timestamp:        time.Now(),
		Parameters:       ev.Parameters,
	})
}

// Write appends entry as is. It is buffered until Flush or Close.
func (tw *TraceWriter) Write(entry TraceEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal trace entry: %w", err)
	}
	data = append(data, '\n')

	tw.mu.Lock()
	defer tw.mu.Unlock()
	if _, err := tw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write trace entry: %w", err)
	}
	tw.written++
	return nil
}

// Written returns the number of entries written through this writer.
func (tw *TraceWriter) Written() int {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.written
}

// Flush writes buffered entries and syncs the file.
func (tw *TraceWriter) Flush() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if err := tw.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace writer: %w", err)
	}
	if err := tw.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync trace file: %w", err)
	}
	return nil
}

// Close flushes buffered entries and closes the file.
func (tw *TraceWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	flushErr := tw.writer.Flush()
	closeErr := tw.file.Close()
	if flushErr != nil {
		return fmt.Errorf("failed to flush on close: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close trace file: %w", closeErr)
	}
	return nil
}

// Path returns the trace file location.
func (tw *TraceWriter) Path() string {
	return tw.path
}

// TraceReader reads trace entries one line at a time.
type TraceReader struct {
	file    *os.File
	scanner *bufio.Scanner
}

// NewTraceReader opens the trace of jobID. A missing trace is a *NotFoundError.
func NewTraceReader(baseDir, jobID string) (*TraceReader, error) {
	file, err := os.Open(tracePath(baseDir, jobID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &NotFoundError{JobID: jobID}
		}
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	scanner := bufio.NewScanner(file)
	// parameter vectors of large affine transforms make long lines
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	return &TraceReader{file: file, scanner: scanner}, nil
}

// Read returns the next entry, or io.EOF at the end of the trace.
func (tr *TraceReader) Read() (*TraceEntry, error) {
	if !tr.scanner.Scan() {
		if err := tr.scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to scan trace line: %w", err)
		}
		return nil, io.EOF
	}

	var entry TraceEntry
	if err := json.Unmarshal(tr.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trace entry: %w", err)
	}
	return &entry, nil
}

// ReadAll returns the remaining entries.
func (tr *TraceReader) ReadAll() ([]TraceEntry, error) {
	var entries []TraceEntry
	for {
		entry, err := tr.Read()
		if errors.Is(err, io.EOF) {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
}

// Close closes the trace file.
func (tr *TraceReader) Close() error {
	if err := tr.file.Close(); err != nil {
		return fmt.Errorf("failed to close trace file: %w", err)
	}
	return nil
}

// ReadTrace returns every entry of jobID's trace. When last > 0 only the final last
// entries are returned.
func ReadTrace(baseDir, jobID string, last int) ([]TraceEntry, error) {
	reader, err := NewTraceReader(baseDir, jobID)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	entries, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if last > 0 && len(entries) > last {
		entries = entries[len(entries)-last:]
	}
	return entries, nil
}

// finiteOrZero maps the "window not full" sentinel and non-finite values to 0.
func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v == math.MaxFloat64 {
		return 0
	}
	return v
}
