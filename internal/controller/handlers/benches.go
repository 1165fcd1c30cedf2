package handlers

import (
	"encoding/json"
	"net/http"

	"benchmate/pkg/api"
)

// StartBench handles POST /benches/{bench}/start.
func (h *Handlers) StartBench(w http.ResponseWriter, r *http.Request) {
	job, err := h.orch.SubmitStartBench(r.Context(), r.PathValue("bench"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.accepted(w, job)
}

// StopBench handles POST /benches/{bench}/stop.
func (h *Handlers) StopBench(w http.ResponseWriter, r *http.Request) {
	job, err := h.orch.SubmitStopBench(r.Context(), r.PathValue("bench"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.accepted(w, job)
}

// ListBenches handles GET /benches.
func (h *Handlers) ListBenches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	benches, err := h.store.ListBenches(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := api.ListBenchesResponse{Benches: make([]api.BenchResponse, 0, len(benches))}
	for _, b := range benches {
		sites, err := h.store.ListSites(ctx, b.ID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		resp.Benches = append(resp.Benches, toBenchResponse(b, sites))
	}
	h.respondJson(w, http.StatusOK, "ok", resp)
}

// GetBench handles GET /benches/{bench}.
func (h *Handlers) GetBench(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	bench, err := h.store.GetBench(ctx, r.PathValue("bench"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	sites, err := h.store.ListSites(ctx, bench.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, "ok", toBenchResponse(*bench, sites))
}

// RegisterBench handles PUT /benches/{bench}.
func (h *Handlers) RegisterBench(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterBenchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	bench, err := h.orch.RegisterBench(r.Context(), r.PathValue("bench"), req.Path)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, "bench registered", toBenchResponse(*bench, nil))
}
