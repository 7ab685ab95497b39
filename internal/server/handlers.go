package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/vidforge/vidforge/internal/processor"
	"github.com/vidforge/vidforge/internal/progress"
	"github.com/vidforge/vidforge/internal/session"
)

// maxSubmissionBytes bounds the accepted request body for job submission.
const maxSubmissionBytes = 64 << 10

// errorBody is the uniform error response envelope.
type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// submitResponse is the accepted-job envelope.
type submitResponse struct {
	SessionID           string         `json:"session_id"`
	Status              session.Status `json:"status"`
	Priority            string         `json:"priority"`
	QueuePosition       int            `json:"queue_position,omitempty"`
	EstimatedProcessing string         `json:"estimated_processing"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSubmissionBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}

	sub, err := processor.DecodeSubmission(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}

	priority, err := processor.ParsePriority(sub.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)

		return
	}

	id, err := s.proc.Submit(sub.JobRequest, sub.UserID, priority)
	if err != nil {
		switch {
		case errors.Is(err, processor.ErrQueueFull):
			writeError(w, http.StatusTooManyRequests, err)
		case errors.Is(err, processor.ErrNotRunning):
			writeError(w, http.StatusServiceUnavailable, err)
		default:
			writeError(w, http.StatusBadRequest, err)
		}

		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		SessionID:           id,
		Status:              session.StatusQueued,
		Priority:            priority.String(),
		QueuePosition:       s.proc.QueuePosition(id),
		EstimatedProcessing: processor.EstimateProcessingTime(sub.JobRequest).String(),
	})
}

// jobStatusResponse combines the stored session with live progress detail
// when the job is still tracked.
type jobStatusResponse struct {
	Session  session.Session  `json:"session"`
	Progress *progress.Report `json:"progress,omitempty"`
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sess, err := s.proc.Status(id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)

			return
		}

		writeError(w, http.StatusInternalServerError, err)

		return
	}

	resp := jobStatusResponse{Session: sess}

	report, reportErr := s.tracker.Progress(id)
	if reportErr == nil {
		resp.Progress = &report
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	err := s.proc.Cancel(id)
	if err == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id, "result": "cancelling"})

		return
	}

	if !errors.Is(err, processor.ErrUnknownJob) {
		writeError(w, http.StatusInternalServerError, err)

		return
	}

	// Not queued or active: distinguish unknown from already terminal.
	_, getErr := s.store.Get(id)
	if errors.Is(getErr, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, getErr)

		return
	}

	writeError(w, http.StatusConflict, err)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := session.ListFilter{
		UserID: query.Get("user_id"),
		Status: session.Status(query.Get("status")),
	}

	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))

			return
		}

		filter.Limit = limit
	}

	sessions := s.store.List(filter)
	if sessions == nil {
		sessions = []session.Session{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleProcessorMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.proc.Metrics())
}

// processorDrainTimeout bounds the queue drain when stop is requested over
// the API.
const processorDrainTimeout = 30 * time.Second

func (s *Server) handlePauseProcessor(w http.ResponseWriter, _ *http.Request) {
	s.proc.Pause()
	writeJSON(w, http.StatusOK, map[string]any{"state": s.proc.State()})
}

func (s *Server) handleResumeProcessor(w http.ResponseWriter, _ *http.Request) {
	s.proc.Resume()
	writeJSON(w, http.StatusOK, map[string]any{"state": s.proc.State()})
}

func (s *Server) handleStopProcessor(w http.ResponseWriter, _ *http.Request) {
	err := s.proc.Stop(processorDrainTimeout)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"state": s.proc.State()})
}

// resourcesResponse is the governor view: live usage, the allocation ledger,
// and the alert log.
type resourcesResponse struct {
	Usage        any `json:"usage,omitempty"`
	Availability any `json:"availability"`
	Alerts       any `json:"alerts"`
}

func (s *Server) handleResources(w http.ResponseWriter, _ *http.Request) {
	resp := resourcesResponse{
		Availability: s.gov.Availability(),
		Alerts:       s.gov.Alerts(),
	}

	if usage, ok := s.gov.LastUsage(); ok {
		resp.Usage = usage
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleForceGC(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gov.ForceGC())
}

func (s *Server) handleRateLimit(w http.ResponseWriter, _ *http.Request) {
	services := make(map[string]any)

	for _, name := range s.limiter.Services() {
		if status, ok := s.limiter.ServiceStatus(name); ok {
			services[name] = status
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"services":   services,
		"statistics": s.limiter.Statistics(),
	})
}

func (s *Server) handleRateLimitService(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["service"]

	status, ok := s.limiter.ServiceStatus(name)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown service %q", name))

		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	state := s.proc.State()

	healthy := state == processor.StateRunning || state == processor.StatePaused

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]any{
		"healthy":  healthy,
		"state":    state,
		"sessions": s.store.Len(),
	})
}
