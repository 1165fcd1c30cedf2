package cmd

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"benchmate/pkg/api"
)

func TestSubmitCommands(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		method string
		path   string
		kind   string
	}{
		{"Start", []string{"start", "bench-1"}, http.MethodPost, "/benches/bench-1/start", "StartBench"},
		{"Stop", []string{"stop", "bench-1"}, http.MethodPost, "/benches/bench-1/stop", "StopBench"},
		{"Create Site", []string{"create-site", "bench-1", "acme"}, http.MethodPost, "/benches/bench-1/sites", "CreateSite"},
		{"Drop Site", []string{"drop-site", "bench-1", "acme"}, http.MethodDelete, "/benches/bench-1/sites/acme", "DropSite"},
		{"Backup Site", []string{"backup-site", "bench-1", "acme"}, http.MethodPost, "/benches/bench-1/sites/acme/backup", "BackupSite"},
		{"Sync", []string{"sync"}, http.MethodPost, "/sync", "SyncBenchDetails"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetViper()

			out, err := run(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != tt.method || r.URL.Path != tt.path {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				respond(w, http.StatusAccepted, tt.kind+" queued", api.JobResponse{ID: "job-123", Kind: tt.kind, State: "Queued"})
			}, tt.args...)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.Contains(out, tt.kind+" queued as job job-123") {
				t.Errorf("unexpected output: %s", out)
			}
		})
	}
}

func TestCreateSiteCommand_SendsSiteName(t *testing.T) {
	resetViper()

	_, err := run(t, func(w http.ResponseWriter, r *http.Request) {
		var req api.CreateSiteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		if req.SiteName != "acme.localhost" {
			t.Errorf("site_name = %q", req.SiteName)
		}
		respond(w, http.StatusAccepted, "CreateSite queued", api.JobResponse{ID: "job-1", State: "Queued"})
	}, "create-site", "bench-1", "acme.localhost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRestoreSiteCommand(t *testing.T) {
	resetViper()

	_, err := run(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected without --db-file")
	}, "restore-site", "bench-1", "acme")
	if err == nil || !strings.Contains(err.Error(), "--db-file") {
		t.Fatalf("expected --db-file error, got %v", err)
	}

	resetViper()
	_, err = run(t, func(w http.ResponseWriter, r *http.Request) {
		var req api.RestoreSiteRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.DatabaseFile != "/backups/acme.sql.gz" || req.PublicFiles != "/backups/files.tar" {
			t.Errorf("unexpected request %+v", req)
		}
		respond(w, http.StatusAccepted, "RestoreSite queued", api.JobResponse{ID: "job-1", State: "Queued"})
	}, "restore-site", "bench-1", "acme", "--db-file", "/backups/acme.sql.gz", "--public-files", "/backups/files.tar")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSubmitCommand_Conflict(t *testing.T) {
	resetViper()

	_, err := run(t, func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusConflict, "job abc (StopBench on bench:bench-1) is Running", nil)
	}, "backup-site", "bench-1", "acme")
	if err == nil || !strings.Contains(err.Error(), "409") {
		t.Fatalf("expected 409 error, got %v", err)
	}
}

func TestSubmitCommand_Wait(t *testing.T) {
	resetViper()

	var polls atomic.Int32
	out, err := run(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			respond(w, http.StatusAccepted, "StartBench queued", api.JobResponse{ID: "job-9", Kind: "StartBench", State: "Queued"})
			return
		}
		if r.URL.Query().Get("wait") == "" {
			t.Errorf("expected a long-poll, got %s", r.URL.RawQuery)
		}
		state := "Running"
		if polls.Add(1) > 1 {
			state = "Succeeded"
		}
		respond(w, http.StatusOK, "ok", api.JobResponse{ID: "job-9", Kind: "StartBench", State: state})
	}, "start", "bench-2", "--wait")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Running") || !strings.Contains(out, "Succeeded") {
		t.Errorf("expected state changes in output, got: %s", out)
	}
}
