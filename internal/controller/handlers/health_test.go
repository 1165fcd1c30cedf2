package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"benchmate/internal/store"
	"benchmate/pkg/api"
)

func TestProbes(t *testing.T) {
	tests := []struct {
		name            string
		endpoint        string
		pingErr         error
		expectedStatus  int
		expectedMessage string
	}{
		{
			name:            "Healthz Always OK",
			endpoint:        "/healthz",
			expectedStatus:  http.StatusOK,
			expectedMessage: "healthy",
		},
		{
			name:            "Readyz Success",
			endpoint:        "/readyz",
			expectedStatus:  http.StatusOK,
			expectedMessage: "ready",
		},
		{
			name:            "Readyz Database Fail",
			endpoint:        "/readyz",
			pingErr:         errors.New("db down"),
			expectedStatus:  http.StatusServiceUnavailable,
			expectedMessage: "Database unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.store.pingErr = tt.pingErr

			handler := f.h.Readyz
			if tt.endpoint == "/healthz" {
				handler = f.h.Healthz
			}
			rr := call(handler, http.MethodGet, tt.endpoint, nil)

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, tt.expectedStatus)
			}
			resp := decode(t, rr, nil)
			if resp.Message != tt.expectedMessage {
				t.Errorf("message = %q, want %q", resp.Message, tt.expectedMessage)
			}
			if resp.Success != (tt.expectedStatus == http.StatusOK) {
				t.Errorf("success = %v for status %d", resp.Success, rr.Code)
			}
		})
	}
}

func TestListLocks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, _ := f.sched.SubmitBackupSite(ctx, "bench-1", "acme")
	if _, err := f.sched.Claim(ctx, 1); err != nil {
		t.Fatal(err)
	}

	rr := call(f.h.ListLocks, http.MethodGet, "/locks", nil)
	var data api.ListLocksResponse
	decode(t, rr, &data)

	if len(data.Locks) != 1 {
		t.Fatalf("expected 1 lock, got %+v", data.Locks)
	}
	if data.Locks[0].Key != store.SiteKey("bench-1", "acme").String() || data.Locks[0].Holder != job.ID.String() {
		t.Errorf("unexpected lock %+v", data.Locks[0])
	}
}
