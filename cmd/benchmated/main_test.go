package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"benchmate/internal/config"
	"benchmate/internal/driver"
	"benchmate/internal/store/memory"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenStore_EmptyURLUsesMemory(t *testing.T) {
	st, err := openStore(context.Background(), "", quietLogger())
	if err != nil {
		t.Fatalf("openStore failed: %v", err)
	}
	if _, ok := st.(*memory.Store); !ok {
		t.Errorf("expected memory store, got %T", st)
	}
}

func TestOpenStore_BadURL(t *testing.T) {
	if _, err := openStore(context.Background(), "postgres://127.0.0.1:1/nope?sslmode=disable&connect_timeout=1", quietLogger()); err == nil {
		t.Error("expected connection error")
	}
}

func TestBuildDriver(t *testing.T) {
	d, err := buildDriver(&config.Config{Driver: "exec", BenchBin: "bench", BenchesRoot: t.TempDir()}, quietLogger())
	if err != nil {
		t.Fatalf("buildDriver failed: %v", err)
	}
	if _, ok := d.(*driver.ExecDriver); !ok {
		t.Errorf("expected exec driver, got %T", d)
	}

	if _, err := buildDriver(&config.Config{Driver: "podman"}, quietLogger()); err == nil {
		t.Error("expected error for unknown driver")
	}
}
