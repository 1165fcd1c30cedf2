package driver

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"testing"

	"benchmate/internal/store"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

type MockDocker struct {
	StartFunc    func(id string) error
	StopFunc     func(id string, opts container.StopOptions) error
	InspectFunc  func(id string) (types.ContainerJSON, error)
	ExecOutput   string
	ExecExitCode int

	ExecCmds []container.ExecOptions
}

func (m *MockDocker) ContainerStart(ctx context.Context, id string, opts container.StartOptions) error {
	if m.StartFunc != nil {
		return m.StartFunc(id)
	}
	return nil
}

func (m *MockDocker) ContainerStop(ctx context.Context, id string, opts container.StopOptions) error {
	if m.StopFunc != nil {
		return m.StopFunc(id, opts)
	}
	return nil
}

func (m *MockDocker) ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	if m.InspectFunc != nil {
		return m.InspectFunc(id)
	}
	return types.ContainerJSON{}, errors.New("no such container")
}

func (m *MockDocker) ContainerExecCreate(ctx context.Context, id string, opts container.ExecOptions) (types.IDResponse, error) {
	m.ExecCmds = append(m.ExecCmds, opts)
	return types.IDResponse{ID: "exec-1"}, nil
}

func (m *MockDocker) ContainerExecAttach(ctx context.Context, execID string, opts container.ExecAttachOptions) (types.HijackedResponse, error) {
	var buf bytes.Buffer
	stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(m.ExecOutput))
	client, server := net.Pipe()
	server.Close()
	return types.HijackedResponse{Conn: client, Reader: bufio.NewReader(&buf)}, nil
}

func (m *MockDocker) ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error) {
	return container.ExecInspect{ExecID: execID, ExitCode: m.ExecExitCode}, nil
}

func TestDockerDriver_StartStop(t *testing.T) {
	var started, stopped string
	var timeout int
	mock := &MockDocker{
		StartFunc: func(id string) error { started = id; return nil },
		StopFunc: func(id string, opts container.StopOptions) error {
			stopped = id
			timeout = *opts.Timeout
			return nil
		},
	}
	d := newDockerDriver(mock, DockerConfig{StopTimeout: 15})

	if _, err := d.StartBench(context.Background(), "/benches/bench-1"); err != nil {
		t.Fatalf("StartBench failed: %v", err)
	}
	if _, err := d.StopBench(context.Background(), "/benches/bench-1/"); err != nil {
		t.Fatalf("StopBench failed: %v", err)
	}
	if started != "bench-1" || stopped != "bench-1" {
		t.Errorf("container names: started %q stopped %q", started, stopped)
	}
	if timeout != 15 {
		t.Errorf("stop timeout = %d, want 15", timeout)
	}
}

func TestDockerDriver_QueryBenchState(t *testing.T) {
	tests := []struct {
		name    string
		running bool
		err     error
		want    store.BenchState
	}{
		{"running", true, nil, store.BenchRunning},
		{"exited", false, nil, store.BenchStopped},
		{"missing", false, errors.New("no such container"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &MockDocker{InspectFunc: func(id string) (types.ContainerJSON, error) {
				if tt.err != nil {
					return types.ContainerJSON{}, tt.err
				}
				return types.ContainerJSON{ContainerJSONBase: &types.ContainerJSONBase{
					State: &types.ContainerState{Running: tt.running},
				}}, nil
			}}
			d := newDockerDriver(mock, DockerConfig{})

			got, err := d.QueryBenchState(context.Background(), "/benches/bench-1")
			if tt.err != nil {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if got != tt.want {
				t.Errorf("state = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDockerDriver_SiteCommands(t *testing.T) {
	mock := &MockDocker{ExecOutput: "Database: ./acme/private/backups/x-database.sql.gz 1MiB\n"}
	d := newDockerDriver(mock, DockerConfig{DBRootPassword: "pw"})

	res, err := d.BackupSite(context.Background(), "/benches/bench-1", "acme")
	if err != nil {
		t.Fatalf("BackupSite failed: %v", err)
	}
	if res.Data["artifact"] != "bench-1:/home/frappe/frappe-bench/sites/acme/private/backups/x-database.sql.gz" {
		t.Errorf("artifact = %q", res.Data["artifact"])
	}

	exec := mock.ExecCmds[0]
	if exec.WorkingDir != "/home/frappe/frappe-bench" {
		t.Errorf("working dir = %q", exec.WorkingDir)
	}
	if strings.Join(exec.Cmd, " ") != "bench --site acme backup --with-files" {
		t.Errorf("cmd = %v", exec.Cmd)
	}
}

func TestDockerDriver_ExecFailure(t *testing.T) {
	mock := &MockDocker{ExecOutput: "Site acme already exists\n", ExecExitCode: 1}
	d := newDockerDriver(mock, DockerConfig{})

	_, err := d.CreateSite(context.Background(), "/benches/bench-1", "acme")
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("error should carry output: %v", err)
	}
}
