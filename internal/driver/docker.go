package driver

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"benchmate/internal/store"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// dockerAPI is the subset of the Docker client the driver uses.
type dockerAPI interface {
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// DockerConfig configures the container driver.
type DockerConfig struct {
	BenchDir       string // bench directory inside the container (default: /home/frappe/frappe-bench)
	BenchBin       string
	DBRootPassword string
	AdminPassword  string
	StopTimeout    int // seconds
}

// DockerDriver runs each bench in its own container. The container name is
// the last element of the bench path.
type DockerDriver struct {
	client dockerAPI
	cfg    DockerConfig
}

var _ Driver = (*DockerDriver)(nil)

// NewDockerDriver creates a driver using the Docker environment settings
// (DOCKER_HOST, etc.).
func NewDockerDriver(cfg DockerConfig) (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return newDockerDriver(cli, cfg), nil
}

func newDockerDriver(api dockerAPI, cfg DockerConfig) *DockerDriver {
	if cfg.BenchDir == "" {
		cfg.BenchDir = "/home/frappe/frappe-bench"
	}
	if cfg.BenchBin == "" {
		cfg.BenchBin = "bench"
	}
	if cfg.AdminPassword == "" {
		cfg.AdminPassword = "admin"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30
	}
	return &DockerDriver{client: api, cfg: cfg}
}

func containerName(benchPath string) string {
	return filepath.Base(filepath.Clean(benchPath))
}

// exec runs the bench CLI inside the bench container and returns its output.
func (d *DockerDriver) exec(ctx context.Context, benchPath string, args ...string) (Result, error) {
	name := containerName(benchPath)
	created, err := d.client.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          append([]string{d.cfg.BenchBin}, args...),
		WorkingDir:   d.cfg.BenchDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return Result{}, fmt.Errorf("failed to create exec in %s: %w", name, err)
	}

	attached, err := d.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return Result{}, fmt.Errorf("failed to attach exec in %s: %w", name, err)
	}
	defer attached.Close()

	var out bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&out, &out, attached.Reader)
		copied <- err
	}()

	select {
	case err := <-copied:
		if err != nil {
			return Result{Output: out.String()}, fmt.Errorf("failed to read exec output: %w", err)
		}
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	inspect, err := d.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return Result{Output: out.String()}, fmt.Errorf("failed to inspect exec: %w", err)
	}
	output := strings.TrimSpace(out.String())
	if inspect.ExitCode != 0 {
		return Result{Output: output}, fmt.Errorf("bench %s exited with code %d\n%s", args[0], inspect.ExitCode, tail(output, 20))
	}
	return Result{Output: output}, nil
}

func (d *DockerDriver) CreateSite(ctx context.Context, benchPath, siteName string) (Result, error) {
	return d.exec(ctx, benchPath, newSiteArgs(siteName, d.cfg.DBRootPassword, d.cfg.AdminPassword)...)
}

func (d *DockerDriver) DropSite(ctx context.Context, benchPath, siteName string) (Result, error) {
	return d.exec(ctx, benchPath, dropSiteArgs(siteName, d.cfg.DBRootPassword)...)
}

func (d *DockerDriver) BackupSite(ctx context.Context, benchPath, siteName string) (Result, error) {
	res, err := d.exec(ctx, benchPath, backupArgs(siteName)...)
	if err != nil {
		return res, err
	}
	if artifact := backupArtifact(d.cfg.BenchDir, res.Output); artifact != "" {
		res.Data = map[string]string{"artifact": containerName(benchPath) + ":" + artifact}
	}
	return res, nil
}

func (d *DockerDriver) RestoreSite(ctx context.Context, benchPath, siteName string, files RestoreFiles) (Result, error) {
	args, err := restoreArgs(siteName, files, d.cfg.DBRootPassword)
	if err != nil {
		return Result{}, err
	}
	return d.exec(ctx, benchPath, args...)
}

func (d *DockerDriver) StartBench(ctx context.Context, benchPath string) (Result, error) {
	name := containerName(benchPath)
	if err := d.client.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return Result{}, fmt.Errorf("failed to start container %s: %w", name, err)
	}
	return Result{Output: "started container " + name}, nil
}

func (d *DockerDriver) StopBench(ctx context.Context, benchPath string) (Result, error) {
	name := containerName(benchPath)
	timeout := d.cfg.StopTimeout
	if err := d.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		return Result{}, fmt.Errorf("failed to stop container %s: %w", name, err)
	}
	return Result{Output: "stopped container " + name}, nil
}

func (d *DockerDriver) QueryBenchState(ctx context.Context, benchPath string) (store.BenchState, error) {
	name := containerName(benchPath)
	info, err := d.client.ContainerInspect(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container %s: %w", name, err)
	}
	if info.ContainerJSONBase != nil && info.State != nil && info.State.Running {
		return store.BenchRunning, nil
	}
	return store.BenchStopped, nil
}
