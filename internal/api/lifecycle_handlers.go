package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-lifecycle/internal/lifecycle"
	"github.com/JakeFAU/crawl-lifecycle/internal/metrics"
)

type statusResponse struct {
	Phase               string      `json:"phase"`
	RunID               string      `json:"run_id,omitempty"`
	CriticalOperations  int         `json:"critical_operations"`
	RegisteredResources int         `json:"registered_resources"`
	Run                 *runSummary `json:"run,omitempty"`
}

type runSummary struct {
	Trigger         string       `json:"trigger"`
	StartedAt       time.Time    `json:"started_at"`
	FinishedAt      *time.Time   `json:"finished_at,omitempty"`
	DurationMS      int64        `json:"duration_ms"`
	Phases          []phaseEntry `json:"phases"`
	TasksSucceeded  int          `json:"tasks_succeeded"`
	TasksFailed     int          `json:"tasks_failed"`
	TasksTimedOut   int          `json:"tasks_timed_out"`
	FailedResources []string     `json:"failed_resources,omitempty"`
	CheckpointID    string       `json:"checkpoint_id,omitempty"`
	CheckpointOK    bool         `json:"checkpoint_ok"`
	Success         bool         `json:"success"`
}

type phaseEntry struct {
	Phase      string `json:"phase"`
	DurationMS int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	Error      string `json:"error,omitempty"`
}

// GET /v1/lifecycle/status reports the current phase, in-flight critical
// operations, registry size and, once a run has started, its statistics.
func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Phase: string(s.coord.Phase())}
	resp.CriticalOperations = s.coord.CriticalOperations()
	if s.registry != nil {
		resp.RegisteredResources = s.registry.Len()
	}
	if id := s.coord.RunID(); id != uuid.Nil {
		resp.RunID = id.String()
	}
	if stats := s.coord.Statistics(); !stats.StartedAt.IsZero() {
		resp.Run = newRunSummary(stats)
	}
	writeJSON(w, http.StatusOK, resp)
}

func newRunSummary(stats lifecycle.Statistics) *runSummary {
	run := &runSummary{
		Trigger:         stats.Trigger.Signal,
		StartedAt:       stats.StartedAt,
		TasksSucceeded:  stats.TasksSucceeded,
		TasksFailed:     stats.TasksFailed,
		TasksTimedOut:   stats.TasksTimedOut,
		FailedResources: stats.FailedResources,
		CheckpointID:    stats.CheckpointID,
		CheckpointOK:    stats.CheckpointOK,
		Success:         stats.Success,
	}
	if !stats.FinishedAt.IsZero() {
		finished := stats.FinishedAt
		run.FinishedAt = &finished
		run.DurationMS = stats.Duration().Milliseconds()
	}
	for _, ps := range stats.Phases {
		entry := phaseEntry{
			Phase:      string(ps.Phase),
			DurationMS: ps.Duration.Milliseconds(),
			TimedOut:   ps.TimedOut,
		}
		if ps.Err != nil {
			entry.Error = ps.Err.Error()
		}
		run.Phases = append(run.Phases, entry)
	}
	return run
}

type triggerRequest struct {
	Reason string `json:"reason"`
}

// POST /v1/lifecycle/trigger starts a shutdown run as if a signal had
// arrived. A second trigger is absorbed by the coordinator and reported
// here as a conflict.
func (s *Server) postTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Reason == "" {
		req.Reason = "api"
	}
	if s.coord.Phase() != lifecycle.PhaseIdle {
		writeError(w, http.StatusConflict, "shutdown already in progress")
		return
	}
	s.coord.Trigger(req.Reason)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered", "reason": req.Reason})
}

// GET /v1/checkpoints lists committed checkpoints, newest first.
func (s *Server) listCheckpoints(w http.ResponseWriter, _ *http.Request) {
	if s.checkpoints == nil {
		writeError(w, http.StatusServiceUnavailable, "checkpoint manager unavailable")
		return
	}
	summaries, err := s.checkpoints.List()
	if err != nil {
		s.logger.Error("list checkpoints", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list checkpoints")
		return
	}
	metrics.SetCheckpointFiles(len(summaries))
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": summaries})
}

type verifyResponse struct {
	ID       string    `json:"id"`
	Result   string    `json:"result"`
	OK       bool      `json:"ok"`
	Expected string    `json:"expected,omitempty"`
	Actual   string    `json:"actual,omitempty"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// GET /v1/checkpoints/{checkpoint_id}/verify re-hashes a checkpoint file
// and reports whether its fingerprint still matches the stored one.
func (s *Server) verifyCheckpoint(w http.ResponseWriter, r *http.Request) {
	if s.checkpoints == nil {
		writeError(w, http.StatusServiceUnavailable, "checkpoint manager unavailable")
		return
	}
	id := chi.URLParam(r, "checkpoint_id")
	check := s.checkpoints.Verify(id)
	resp := verifyResponse{
		ID:       id,
		Result:   string(check.Result),
		OK:       check.OK(),
		Expected: check.Expected,
		Actual:   check.Actual,
		Message:  check.Message,
		At:       check.At,
	}
	writeJSON(w, http.StatusOK, resp)
}
