package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cwbudde/expectreg/internal/server"
)

func TestStatus_NoJobs(t *testing.T) {
	ts := httptest.NewServer(server.NewServer(":0", nil, "").Handler())
	defer ts.Close()

	var out bytes.Buffer
	if err := listJobs(&out, ts.URL+"/api/v1/jobs"); err != nil {
		t.Fatalf("listJobs: %v", err)
	}
	if !strings.Contains(out.String(), "No jobs found") {
		t.Errorf("Unexpected output: %q", out.String())
	}
}

func TestStatus_UnknownJob(t *testing.T) {
	ts := httptest.NewServer(server.NewServer(":0", nil, "").Handler())
	defer ts.Close()

	var out bytes.Buffer
	err := getJobStatus(&out, ts.URL+"/api/v1/jobs/missing/status", "missing")
	if err == nil || !strings.Contains(err.Error(), "job not found") {
		t.Errorf("Expected job not found error, got %v", err)
	}
}

func TestStatus_Unreachable(t *testing.T) {
	var out bytes.Buffer
	if err := listJobs(&out, "http://127.0.0.1:1/api/v1/jobs"); err == nil {
		t.Error("Expected connection error")
	}
}

func TestCancel_Accepted(t *testing.T) {
	var gotMethod, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	var out bytes.Buffer
	if err := cancelJob(&out, ts.URL, "job-1"); err != nil {
		t.Fatalf("cancelJob: %v", err)
	}
	if gotMethod != http.MethodPost || gotPath != "/api/v1/jobs/job-1/cancel" {
		t.Errorf("Unexpected request %s %s", gotMethod, gotPath)
	}
	if !strings.Contains(out.String(), "Cancellation requested for job job-1") {
		t.Errorf("Unexpected output: %q", out.String())
	}
}

func TestCancel_UnknownJob(t *testing.T) {
	ts := httptest.NewServer(server.NewServer(":0", nil, "").Handler())
	defer ts.Close()

	var out bytes.Buffer
	err := cancelJob(&out, ts.URL, "missing")
	if err == nil || !strings.Contains(err.Error(), "job not found") {
		t.Errorf("Expected job not found error, got %v", err)
	}
}

func TestCancel_Conflict(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "job job-1 already completed", http.StatusConflict)
	}))
	defer ts.Close()

	var out bytes.Buffer
	err := cancelJob(&out, ts.URL, "job-1")
	if err == nil || !strings.Contains(err.Error(), "already completed") {
		t.Errorf("Expected conflict error, got %v", err)
	}
}
