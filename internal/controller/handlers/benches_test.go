package handlers

import (
	"net/http"
	"testing"

	"benchmate/pkg/api"
)

func TestStartStopBench(t *testing.T) {
	tests := []struct {
		name           string
		start          bool
		bench          string
		expectedStatus int
	}{
		{"start stopped bench", true, "bench-2", http.StatusAccepted},
		{"start running bench", true, "bench-1", http.StatusUnprocessableEntity},
		{"stop running bench", false, "bench-1", http.StatusAccepted},
		{"stop stopped bench", false, "bench-2", http.StatusUnprocessableEntity},
		{"start unknown bench", true, "bench-9", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			handler, verb := f.h.StopBench, "stop"
			if tt.start {
				handler, verb = f.h.StartBench, "start"
			}

			rr := call(handler, http.MethodPost, "/benches/"+tt.bench+"/"+verb, nil, "bench", tt.bench)
			if rr.Code != tt.expectedStatus {
				t.Errorf("got status %d, want %d (%s)", rr.Code, tt.expectedStatus, rr.Body.String())
			}
		})
	}
}

func TestListBenches(t *testing.T) {
	f := newFixture(t)

	rr := call(f.h.ListBenches, http.MethodGet, "/benches", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d", rr.Code)
	}

	var data api.ListBenchesResponse
	decode(t, rr, &data)
	if len(data.Benches) != 2 {
		t.Fatalf("expected 2 benches, got %d", len(data.Benches))
	}
	first := data.Benches[0]
	if first.ID != "bench-1" || first.State != "Running" || first.Version != "15.1.0" {
		t.Errorf("unexpected bench %+v", first)
	}
	if len(first.Sites) != 1 || first.Sites[0].Name != "acme" || first.Sites[0].State != "Active" {
		t.Errorf("unexpected sites %+v", first.Sites)
	}
}

func TestGetBench(t *testing.T) {
	f := newFixture(t)

	rr := call(f.h.GetBench, http.MethodGet, "/benches/bench-2", nil, "bench", "bench-2")
	var bench api.BenchResponse
	decode(t, rr, &bench)
	if bench.ID != "bench-2" || bench.State != "Stopped" {
		t.Errorf("unexpected bench %+v", bench)
	}

	rr = call(f.h.GetBench, http.MethodGet, "/benches/nope", nil, "bench", "nope")
	if rr.Code != http.StatusNotFound {
		t.Errorf("got status %d, want 404", rr.Code)
	}
}

func TestRegisterBench(t *testing.T) {
	f := newFixture(t)

	rr := call(f.h.RegisterBench, http.MethodPut, "/benches/bench-3", api.RegisterBenchRequest{Path: "/benches/bench-3"}, "bench", "bench-3")
	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d (%s)", rr.Code, rr.Body.String())
	}
	var bench api.BenchResponse
	decode(t, rr, &bench)
	if bench.Path != "/benches/bench-3" || bench.State != "Stopped" {
		t.Errorf("unexpected bench %+v", bench)
	}

	rr = call(f.h.RegisterBench, http.MethodPut, "/benches/bench-4", api.RegisterBenchRequest{}, "bench", "bench-4")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing path: got status %d, want 400", rr.Code)
	}
}
