package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"benchmate/internal/store"
	"benchmate/pkg/api"
)

// MaxWait caps the long-poll duration of GET /jobs/{id}?wait=.
const MaxWait = 60 * time.Second

// Sync handles POST /sync.
func (h *Handlers) Sync(w http.ResponseWriter, r *http.Request) {
	job, err := h.orch.SubmitSyncBenchDetails(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.accepted(w, job)
}

// GetJob handles GET /jobs/{id}. With ?wait=<duration> it blocks until the
// job is terminal or the wait elapses, then returns the latest state.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var job *store.Job
	if raw := r.URL.Query().Get("wait"); raw != "" {
		wait, perr := time.ParseDuration(raw)
		if perr != nil || wait < 0 {
			h.httpError(w, "Invalid wait duration", http.StatusBadRequest)
			return
		}
		wait = min(wait, MaxWait)

		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		job, err = h.orch.Wait(ctx, id)
		if err != nil && job != nil && ctx.Err() != nil {
			err = nil
		}
	} else {
		job, err = h.orch.GetStatus(r.Context(), id)
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, "ok", toJobResponse(job))
}

// CancelJob handles POST /jobs/{id}/cancel.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	job, err := h.orch.Cancel(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, "job cancelled", toJobResponse(job))
}

// ListJobs handles GET /jobs?state=&kind=&bench=&limit=.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := store.JobFilter{
		State: store.JobState(query.Get("state")),
		Kind:  store.JobKind(query.Get("kind")),
		Bench: query.Get("bench"),
		Limit: 100,
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		h.httpError(w, "Unknown job kind", http.StatusBadRequest)
		return
	}
	switch filter.State {
	case "", store.JobQueued, store.JobRunning, store.JobSucceeded, store.JobFailed, store.JobCancelled:
	default:
		h.httpError(w, "Unknown job state", http.StatusBadRequest)
		return
	}
	if l := query.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			filter.Limit = parsed
		}
	}

	jobs, err := h.orch.List(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := api.ListJobsResponse{Jobs: make([]api.JobResponse, 0, len(jobs))}
	for i := range jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(&jobs[i]))
	}
	h.respondJson(w, http.StatusOK, "ok", resp)
}
