package handlers

import (
	"net/http"

	"benchmate/pkg/api"
)

// GetJobLogs handles GET /jobs/{id}/logs.
// Called by the CLI to view the driver output of a job.
func (h *Handlers) GetJobLogs(w http.ResponseWriter, r *http.Request) {
	id, err := parseJobID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	logs, err := h.orch.Logs(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	apiLogs := make([]api.LogEntry, len(logs))
	for i, log := range logs {
		apiLogs[i] = api.LogEntry{
			ID:        log.ID,
			Content:   log.Content,
			CreatedAt: log.CreatedAt,
		}
	}

	h.respondJson(w, http.StatusOK, "ok", api.GetLogsResponse{Logs: apiLogs})
}
