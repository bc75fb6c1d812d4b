package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cwbudde/expectreg/internal/config"
	"github.com/cwbudde/expectreg/internal/registration"
	"github.com/google/uuid"
)

var errJobNotFound = errors.New("job not found")

// JobState represents the current state of a job
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Done reports whether the state is terminal.
func (s JobState) Done() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// JobRequest is the body of POST /api/v1/jobs. Config fields left out keep their defaults.
type JobRequest struct {
	Config config.RegistrationConfig `json:"config"`

	// Initial replaces the identity starting parameters.
	Initial []float64 `json:"initial,omitempty"`
}

// Job represents a registration job
type Job struct {
	ID           string                    `json:"id"`
	State        JobState                  `json:"state"`
	Config       config.RegistrationConfig `json:"config"`
	Initial      []float64                 `json:"initial,omitempty"`
	Parameters   []float64                 `json:"parameters,omitempty"`
	Value        float64                   `json:"value"`
	InitialValue float64                   `json:"initialValue"`
	GradientNorm float64                   `json:"gradientNorm"`
	Iterations   int                       `json:"iterations"`
	Reason       string                    `json:"reason,omitempty"`
	Residuals    *registration.Residuals   `json:"residuals,omitempty"`
	StartTime    time.Time                 `json:"startTime"`
	EndTime      *time.Time                `json:"endTime,omitempty"`
	Error        string                    `json:"error,omitempty"`
}

// JobManager manages the lifecycle of jobs
type JobManager struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	cancels     map[string]context.CancelFunc
	broadcaster *EventBroadcaster
}

// NewJobManager creates a new JobManager
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:        make(map[string]*Job),
		cancels:     make(map[string]context.CancelFunc),
		broadcaster: NewEventBroadcaster(),
	}
}

// CreateJob creates a new pending job with the given configuration
func (jm *JobManager) CreateJob(cfg config.RegistrationConfig, initial []float64) *Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job := &Job{
		ID:        uuid.New().String(),
		State:     StatePending,
		Config:    cfg,
		Initial:   append([]float64(nil), initial...),
		StartTime: time.Now(),
	}

	jm.jobs[job.ID] = job
	snapshot := *job
	return &snapshot
}

// GetJob returns a snapshot of the job with the given ID
func (jm *JobManager) GetJob(id string) (*Job, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	if !exists {
		return nil, false
	}
	snapshot := *job
	return &snapshot, true
}

// ListJobs returns snapshots of all jobs, oldest first
func (jm *JobManager) ListJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	jobs := make([]*Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		snapshot := *job
		jobs = append(jobs, &snapshot)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].StartTime.Before(jobs[j].StartTime)
	})
	return jobs
}

// UpdateJob atomically updates a job using the provided function
func (jm *JobManager) UpdateJob(id string, updateFn func(*Job)) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("%w: %s", errJobNotFound, id)
	}

	updateFn(job)
	return nil
}

// GetRunningJobs returns all jobs currently in the running state
func (jm *JobManager) GetRunningJobs() []*Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	runningJobs := make([]*Job, 0)
	for _, job := range jm.jobs {
		if job.State == StateRunning {
			snapshot := *job
			runningJobs = append(runningJobs, &snapshot)
		}
	}
	return runningJobs
}

// setCancel registers the function that stops the job's run.
func (jm *JobManager) setCancel(id string, cancel context.CancelFunc) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.cancels[id] = cancel
}

// clearCancel drops the job's cancel function once the run has ended.
func (jm *JobManager) clearCancel(id string) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	delete(jm.cancels, id)
}

// CancelJob asks a pending or running job to stop. The optimizer notices at its next
// iteration boundary.
func (jm *JobManager) CancelJob(id string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return fmt.Errorf("%w: %s", errJobNotFound, id)
	}
	if job.State.Done() {
		return fmt.Errorf("job %s already %s", id, job.State)
	}
	if cancel, ok := jm.cancels[id]; ok {
		cancel()
	}
	return nil
}

// RemoveJob forgets a finished job and closes its event subscribers.
func (jm *JobManager) RemoveJob(id string) error {
	jm.mu.Lock()
	job, exists := jm.jobs[id]
	if !exists {
		jm.mu.Unlock()
		return fmt.Errorf("%w: %s", errJobNotFound, id)
	}
	if !job.State.Done() {
		jm.mu.Unlock()
		return fmt.Errorf("job %s is %s", id, job.State)
	}
	delete(jm.jobs, id)
	jm.mu.Unlock()

	jm.broadcaster.CleanupJob(id)
	return nil
}

// CancelAll stops every job that is still running.
func (jm *JobManager) CancelAll() {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	for _, cancel := range jm.cancels {
		cancel()
	}
}
