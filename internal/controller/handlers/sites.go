package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"benchmate/internal/store"
	"benchmate/pkg/api"
)

// accepted answers a successful submission.
func (h *Handlers) accepted(w http.ResponseWriter, job *store.Job) {
	h.respondJson(w, http.StatusAccepted, fmt.Sprintf("%s queued", job.Kind), toJobResponse(job))
}

// CreateSite handles POST /benches/{bench}/sites.
func (h *Handlers) CreateSite(w http.ResponseWriter, r *http.Request) {
	var req api.CreateSiteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.SiteName == "" {
		h.httpError(w, "site_name is required", http.StatusBadRequest)
		return
	}

	job, err := h.orch.SubmitCreateSite(r.Context(), r.PathValue("bench"), req.SiteName)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.accepted(w, job)
}

// DropSite handles DELETE /benches/{bench}/sites/{site}.
func (h *Handlers) DropSite(w http.ResponseWriter, r *http.Request) {
	job, err := h.orch.SubmitDropSite(r.Context(), r.PathValue("bench"), r.PathValue("site"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.accepted(w, job)
}

// BackupSite handles POST /benches/{bench}/sites/{site}/backup.
func (h *Handlers) BackupSite(w http.ResponseWriter, r *http.Request) {
	job, err := h.orch.SubmitBackupSite(r.Context(), r.PathValue("bench"), r.PathValue("site"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.accepted(w, job)
}

// RestoreSite handles POST /benches/{bench}/sites/{site}/restore.
// The files are paths on the bench host.
func (h *Handlers) RestoreSite(w http.ResponseWriter, r *http.Request) {
	var req api.RestoreSiteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	params := store.JobParams{
		DatabaseFile: req.DatabaseFile,
		PublicFiles:  req.PublicFiles,
		PrivateFiles: req.PrivateFiles,
	}
	job, err := h.orch.SubmitRestoreSite(r.Context(), r.PathValue("bench"), r.PathValue("site"), params)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.accepted(w, job)
}
