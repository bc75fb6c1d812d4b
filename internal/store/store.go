package store

// Store defines the interface for result persistence operations.
// Implementations must be thread-safe and handle concurrent access gracefully.
//
// Error handling conventions:
//   - Return nil error on success
//   - Return ErrNotFound if a result doesn't exist (for Load/Delete)
//   - Return descriptive errors for I/O, serialization, or validation failures
//   - Wrap underlying errors with context using fmt.Errorf("context: %w", err)
type Store interface {
	// SaveResult atomically saves the result record for the given job.
	// An existing record for this jobID is overwritten.
	SaveResult(jobID string, record *Record) error

	// LoadResult retrieves the result record for the given job.
	// Returns ErrNotFound if no record exists for this jobID.
	LoadResult(jobID string) (*Record, error)

	// ListResults returns metadata for all stored results.
	// The returned slice may be empty if nothing has been stored.
	ListResults() ([]RecordInfo, error)

	// DeleteResult removes the record and its trace for the given job.
	// Returns ErrNotFound if nothing is stored for this jobID.
	DeleteResult(jobID string) error
}

// ErrNotFound is returned when a requested result does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing result error.
type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string {
	if e.JobID != "" {
		return "result not found: " + e.JobID
	}
	return "result not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
