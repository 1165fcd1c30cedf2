package handlers

import (
	"net/http"

	"benchmate/pkg/api"
)

// Healthz is a liveness probe.
// It returns 200 OK if the server is running.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	h.respondJson(w, http.StatusOK, "healthy", nil)
}

// Readyz is a readiness probe.
// It checks that the job record store is reachable.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.httpError(w, "Database unavailable", http.StatusServiceUnavailable)
		return
	}
	h.respondJson(w, http.StatusOK, "ready", nil)
}

// ListLocks handles GET /locks.
func (h *Handlers) ListLocks(w http.ResponseWriter, r *http.Request) {
	held := h.orch.Locks().Snapshot()
	resp := api.ListLocksResponse{Locks: make([]api.LockResponse, 0, len(held))}
	for _, l := range held {
		resp.Locks = append(resp.Locks, api.LockResponse{
			Key:        l.Key.String(),
			Holder:     l.Holder.String(),
			AcquiredAt: l.AcquiredAt,
		})
	}
	h.respondJson(w, http.StatusOK, "ok", resp)
}
