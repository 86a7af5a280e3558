package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/mlOS-foundation/system-test/pkg/history"
	"github.com/mlOS-foundation/system-test/pkg/result"
)

const maxListLimit = 500

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeStoreError maps a history error to a response.
func (s *server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, history.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{"run not found"})

		return
	}

	s.log.WithError(err).Error("History query failed")
	writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type listRunsResponse struct {
	Runs []history.Run `json:"runs"`
}

// handleListRuns lists runs, optionally filtered by runtime_version and
// status.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := history.RunFilter{
		RuntimeVersion: q.Get("runtime_version"),
		Status:         q.Get("status"),
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxListLimit {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"limit must be between 1 and 500"})

			return
		}

		filter.Limit = limit
	}

	runs, err := s.history.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	if runs == nil {
		runs = []history.Run{}
	}

	writeJSON(w, http.StatusOK, listRunsResponse{Runs: runs})
}

// handleGetRun returns the full recorded result of a run.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.history.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(run.ResultJSON))
}

// handleLatestRun returns the summary row of the newest run.
func (s *server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.history.LatestRun(r.Context())
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, run)
}

type listWorkloadsResponse struct {
	Workloads []history.Workload `json:"workloads"`
}

// handleListWorkloads returns the per-workload rows of a run.
func (s *server) handleListWorkloads(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	// Distinguishes an unknown run from a run without workloads.
	if _, err := s.history.GetRun(r.Context(), runID); err != nil {
		s.writeStoreError(w, err)

		return
	}

	workloads, err := s.history.ListWorkloads(r.Context(), runID)
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	if workloads == nil {
		workloads = []history.Workload{}
	}

	writeJSON(w, http.StatusOK, listWorkloadsResponse{Workloads: workloads})
}

// handleRunMetrics rebuilds the metrics document of a run.
func (s *server) handleRunMetrics(w http.ResponseWriter, r *http.Request) {
	run, err := s.history.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	s.writeMetrics(w, run)
}

// handleLatestMetrics returns the metrics document of the newest run.
func (s *server) handleLatestMetrics(w http.ResponseWriter, r *http.Request) {
	run, err := s.history.LatestRun(r.Context())
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	s.writeMetrics(w, run)
}

func (s *server) writeMetrics(w http.ResponseWriter, run *history.Run) {
	var res result.RunResult
	if err := json.Unmarshal([]byte(run.ResultJSON), &res); err != nil {
		s.log.WithError(err).WithField("run_id", run.RunID).
			Error("Stored run result is unreadable")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"stored run result is unreadable"})

		return
	}

	writeJSON(w, http.StatusOK, result.BuildMetrics(&res))
}

// handleRunFile serves a file from the run's local directory, such as
// server.log.
func (s *server) handleRunFile(w http.ResponseWriter, r *http.Request) {
	run, err := s.history.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.writeStoreError(w, err)

		return
	}

	filePath := chi.URLParam(r, "*")

	if err := s.localServer.ServeFile(w, r, run.Dir, filePath); err != nil {
		s.log.WithError(err).WithField("run_id", run.RunID).
			Debug("Run file not served")
		writeJSON(w, http.StatusNotFound, errorResponse{"file not found"})
	}
}
