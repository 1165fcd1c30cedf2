// Package handlers contains HTTP handlers for the benchmate API.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	apperrors "benchmate/internal/errors"
	"benchmate/internal/lock"
	"benchmate/internal/logger"
	"benchmate/internal/store"
	"benchmate/pkg/api"

	"github.com/google/uuid"
)

// Orchestrator is the part of the scheduler the API drives.
type Orchestrator interface {
	SubmitCreateSite(ctx context.Context, bench, site string) (*store.Job, error)
	SubmitDropSite(ctx context.Context, bench, site string) (*store.Job, error)
	SubmitBackupSite(ctx context.Context, bench, site string) (*store.Job, error)
	SubmitRestoreSite(ctx context.Context, bench, site string, params store.JobParams) (*store.Job, error)
	SubmitStartBench(ctx context.Context, bench string) (*store.Job, error)
	SubmitStopBench(ctx context.Context, bench string) (*store.Job, error)
	SubmitSyncBenchDetails(ctx context.Context) (*store.Job, error)
	RegisterBench(ctx context.Context, id, path string) (*store.Bench, error)

	GetStatus(ctx context.Context, id uuid.UUID) (*store.Job, error)
	Wait(ctx context.Context, id uuid.UUID) (*store.Job, error)
	Cancel(ctx context.Context, id uuid.UUID) (*store.Job, error)
	List(ctx context.Context, filter store.JobFilter) ([]store.Job, error)
	Logs(ctx context.Context, id uuid.UUID) ([]store.LogEntry, error)

	Locks() *lock.Manager
}

// StoreFactory is the read side of the store the API needs.
type StoreFactory interface {
	Ping(ctx context.Context) error
	store.BenchStore
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	orch   Orchestrator
	store  StoreFactory
	logger *slog.Logger
}

// New creates a new Handlers instance.
func New(orch Orchestrator, s StoreFactory, log *slog.Logger) *Handlers {
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{orch: orch, store: s, logger: log}
}

// A helper function to write the response envelope.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(api.Response{
		Success: status < http.StatusBadRequest,
		Message: message,
		Data:    data,
	})
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, message, nil)
}

// fail maps a classified error to its status code. Unclassified errors are
// logged and hidden behind a generic message.
func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := StatusFor(err)
	msg := apperrors.Message(err)
	if code == http.StatusInternalServerError {
		logger.FromContext(r.Context(), h.logger).Error("request failed", "path", r.URL.Path, "error", err)
		msg = "Internal error"
	}
	h.httpError(w, msg, code)
}

// StatusFor returns the HTTP status for an error kind.
func StatusFor(err error) int {
	switch apperrors.KindOf(err) {
	case apperrors.Conflict:
		return http.StatusConflict
	case apperrors.InvalidTransition:
		return http.StatusUnprocessableEntity
	case apperrors.NotFound:
		return http.StatusNotFound
	case apperrors.Validation:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func parseJobID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, apperrors.E(apperrors.Validation, "Invalid job id")
	}
	return id, nil
}

func toJobResponse(j *store.Job) api.JobResponse {
	return api.JobResponse{
		ID:          j.ID.String(),
		Kind:        string(j.Kind),
		Target:      j.Target.String(),
		Bench:       j.Params.Bench,
		Site:        j.Params.Site,
		State:       string(j.State),
		Attempt:     j.Attempt,
		Message:     j.Message,
		ErrorKind:   j.ErrorKind,
		ErrorDetail: j.ErrorDetail,
		Result:      j.Result,
		SubmittedAt: j.SubmittedAt,
		StartedAt:   j.StartedAt,
		FinishedAt:  j.FinishedAt,
	}
}

func toSiteResponse(s store.Site) api.SiteResponse {
	return api.SiteResponse{
		Name:         s.Name,
		State:        string(s.State),
		Path:         s.Path,
		LastBackup:   s.LastBackup,
		LastBackupAt: s.LastBackupAt,
	}
}

func toBenchResponse(b store.Bench, sites []store.Site) api.BenchResponse {
	resp := api.BenchResponse{
		ID:           b.ID,
		Path:         b.Path,
		State:        string(b.State),
		Version:      b.Version,
		Branch:       b.Branch,
		ErrorMessage: b.ErrorMessage,
		LastSyncedAt: b.LastSyncedAt,
	}
	for _, a := range b.Apps {
		resp.Apps = append(resp.Apps, api.AppResponse{
			Name:       a.Name,
			Title:      a.Title,
			Version:    a.Version,
			Branch:     a.Branch,
			Repository: a.Repository,
		})
	}
	for _, s := range sites {
		resp.Sites = append(resp.Sites, toSiteResponse(s))
	}
	return resp
}
