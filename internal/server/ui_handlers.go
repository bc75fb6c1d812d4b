package server

import (
	"encoding/json"
	"net/http"
)

// handleIndex handles GET / with a summary of the job table.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	// Only handle exact root path
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	counts := make(map[JobState]int)
	jobs := s.jobManager.ListJobs()
	for _, job := range jobs {
		counts[job.State]++
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"service": "expectreg",
		"jobs":    len(jobs),
		"states":  counts,
		"api":     "/api/v1/jobs",
	})
}
