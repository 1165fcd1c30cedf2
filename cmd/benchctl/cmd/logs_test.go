package cmd

import (
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"benchmate/pkg/api"
)

func TestLogsCommand(t *testing.T) {
	resetViper()

	out, err := run(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/jobs/job-1/logs" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		respond(w, http.StatusOK, "ok", api.GetLogsResponse{Logs: []api.LogEntry{
			{ID: 1, Content: "Backup Summary for acme"},
			{ID: 2, Content: "Database: ./acme/private/backups/db.sql.gz\n"},
		}})
	}, "logs", "job-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "Backup Summary for acme\nDatabase: ./acme/private/backups/db.sql.gz\n" {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestLogsCommand_FollowStopsWhenTerminal(t *testing.T) {
	resetViper()

	var fetches atomic.Int32
	out, err := run(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/logs") {
			logs := []api.LogEntry{{ID: 1, Content: "starting"}}
			if fetches.Add(1) > 1 {
				logs = append(logs, api.LogEntry{ID: 2, Content: "done"})
			}
			respond(w, http.StatusOK, "ok", api.GetLogsResponse{Logs: logs})
			return
		}
		state := "Running"
		if fetches.Load() > 1 {
			state = "Succeeded"
		}
		respond(w, http.StatusOK, "ok", api.JobResponse{ID: "job-1", State: state})
	}, "logs", "job-1", "--follow")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Count(out, "starting") != 1 || !strings.Contains(out, "done") {
		t.Errorf("expected each line once, got: %q", out)
	}
}
