package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ProgressEvent is one update of a job's optimization progress.
type ProgressEvent struct {
	JobID        string    `json:"jobId"`
	Seq          uint64    `json:"seq"`
	State        JobState  `json:"state"`
	Iterations   int       `json:"iterations"`
	Value        float64   `json:"value"`
	GradientNorm float64   `json:"gradientNorm"`
	Parameters   []float64 `json:"parameters,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// name is the SSE event type: "progress" while the job runs, the terminal state after.
func (e ProgressEvent) name() string {
	if e.State.Done() {
		return string(e.State)
	}
	return "progress"
}

const subscriberBuffer = 16

// EventBroadcaster fans progress events out to SSE subscribers, per job. The last event
// of every job is replayed to new subscribers.
type EventBroadcaster struct {
	mu        sync.Mutex
	clients   map[string]map[chan ProgressEvent]struct{}
	lastEvent map[string]ProgressEvent
	seq       map[string]uint64
}

// NewEventBroadcaster creates an empty broadcaster.
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{
		clients:   make(map[string]map[chan ProgressEvent]struct{}),
		lastEvent: make(map[string]ProgressEvent),
		seq:       make(map[string]uint64),
	}
}

// Subscribe registers a client for jobID's events.
func (eb *EventBroadcaster) Subscribe(jobID string) chan ProgressEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan ProgressEvent, subscriberBuffer)
	if eb.clients[jobID] == nil {
		eb.clients[jobID] = make(map[chan ProgressEvent]struct{})
	}
	eb.clients[jobID][ch] = struct{}{}

	if last, ok := eb.lastEvent[jobID]; ok {
		ch <- last
	}

	slog.Debug("SSE client subscribed", "job_id", jobID, "clients", len(eb.clients[jobID]))
	return ch
}

// Unsubscribe removes and closes ch. Channels already closed by CleanupJob are ignored.
func (eb *EventBroadcaster) Unsubscribe(jobID string, ch chan ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	clients, ok := eb.clients[jobID]
	if !ok {
		return
	}
	if _, ok := clients[ch]; !ok {
		return
	}
	delete(clients, ch)
	close(ch)
	if len(clients) == 0 {
		delete(eb.clients, jobID)
	}
	slog.Debug("SSE client unsubscribed", "job_id", jobID)
}

// Broadcast numbers event and delivers it to every subscriber of its job. Slow
// subscribers miss events rather than block the job.
func (eb *EventBroadcaster) Broadcast(event ProgressEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.seq[event.JobID]++
	event.Seq = eb.seq[event.JobID]
	eb.lastEvent[event.JobID] = event

	for ch := range eb.clients[event.JobID] {
		select {
		case ch <- event:
		default:
			slog.Warn("SSE channel full, dropping event", "job_id", event.JobID, "seq", event.Seq)
		}
	}
}

// CleanupJob closes every subscriber of jobID and forgets its events.
func (eb *EventBroadcaster) CleanupJob(jobID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for ch := range eb.clients[jobID] {
		close(ch)
	}
	delete(eb.clients, jobID)
	delete(eb.lastEvent, jobID)
	delete(eb.seq, jobID)
	slog.Debug("Cleaned up SSE resources", "job_id", jobID)
}

// handleJobStream streams a job's progress as server-sent events until the job ends or the
// client goes away.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request, jobID string) {
	job, exists := s.jobManager.GetJob(jobID)
	if !exists {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := s.jobManager.broadcaster.Subscribe(jobID)
	defer s.jobManager.broadcaster.Unsubscribe(jobID, events)

	current := ProgressEvent{
		JobID:        job.ID,
		State:        job.State,
		Iterations:   job.Iterations,
		Value:        job.Value,
		GradientNorm: job.GradientNorm,
		Parameters:   job.Parameters,
		Timestamp:    time.Now(),
	}
	if err := writeSSEEvent(w, current); err != nil {
		slog.Error("Failed to write SSE event", "job_id", jobID, "error", err)
		return
	}
	flusher.Flush()
	if job.State.Done() {
		return
	}

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Debug("SSE client disconnected", "job_id", jobID)
			return

		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				slog.Error("Failed to write SSE event", "job_id", jobID, "error", err)
				return
			}
			flusher.Flush()
			if event.State.Done() {
				return
			}

		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes event as one SSE message. Events that were never broadcast carry
// no id.
func writeSSEEvent(w http.ResponseWriter, event ProgressEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if event.Seq > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", event.Seq); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.name(), data)
	return err
}
