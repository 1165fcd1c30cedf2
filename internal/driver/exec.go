package driver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"benchmate/internal/store"

	"github.com/spf13/afero"
)

// ExecConfig configures the exec driver.
type ExecConfig struct {
	BenchBin       string        // bench CLI (default: "bench")
	Root           string        // directory holding the benches, used by Discover
	SudoPassword   string        // when set, site create/drop/restore run through sudo -S
	DBRootPassword string
	AdminPassword  string        // admin password for new sites (default: "admin")
	StartGrace     time.Duration // how long a started bench must survive (default: 3s)
	StopGrace      time.Duration // SIGTERM to SIGKILL delay (default: 10s)
	Logger         *slog.Logger
}

// ExecDriver runs the bench CLI directly on the host.
type ExecDriver struct {
	cfg    ExecConfig
	fs     afero.Fs
	runner CommandRunner
	logger *slog.Logger

	alive     func(pid int) bool
	terminate func(pid int) error
	kill      func(pid int) error
	dial      func(ctx context.Context, addr string) error
}

var (
	_ Driver     = (*ExecDriver)(nil)
	_ Aborter    = (*ExecDriver)(nil)
	_ Discoverer = (*ExecDriver)(nil)
)

// NewExecDriver creates a new host driver. fs is used for bench files and
// discovery; runner executes processes.
func NewExecDriver(cfg ExecConfig, fs afero.Fs, runner CommandRunner) *ExecDriver {
	if cfg.BenchBin == "" {
		cfg.BenchBin = "bench"
	}
	if cfg.AdminPassword == "" {
		cfg.AdminPassword = "admin"
	}
	if cfg.StartGrace <= 0 {
		cfg.StartGrace = 3 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &ExecDriver{
		cfg:       cfg,
		fs:        fs,
		runner:    runner,
		logger:    cfg.Logger,
		alive:     processAlive,
		terminate: terminateGroup,
		kill:      killGroup,
		dial: func(ctx context.Context, addr string) error {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return err
			}
			return conn.Close()
		},
	}
}

// bench builds a bench CLI invocation in benchPath, through sudo when
// privileged is set and a sudo password is configured.
func (d *ExecDriver) bench(benchPath string, privileged bool, args ...string) Command {
	if privileged && d.cfg.SudoPassword != "" {
		return Command{
			Dir:   benchPath,
			Name:  "sudo",
			Args:  append([]string{"-S", d.cfg.BenchBin}, args...),
			Stdin: d.cfg.SudoPassword + "\n",
		}
	}
	return Command{Dir: benchPath, Name: d.cfg.BenchBin, Args: args}
}

func (d *ExecDriver) run(ctx context.Context, cmd Command) (Result, error) {
	d.logger.Debug("running bench command", "dir", cmd.Dir, "command", cmd.Name, "args", redact(cmd.Args))
	out, err := d.runner.Run(ctx, cmd)
	if err != nil && out != "" {
		return Result{Output: out}, fmt.Errorf("%w\n%s", err, tail(out, 20))
	}
	return Result{Output: out}, err
}

// CreateSite runs `bench new-site`.
func (d *ExecDriver) CreateSite(ctx context.Context, benchPath, siteName string) (Result, error) {
	args := newSiteArgs(siteName, d.cfg.DBRootPassword, d.cfg.AdminPassword)
	return d.run(ctx, d.bench(benchPath, true, args...))
}

// DropSite runs `bench drop-site` without keeping a backup.
func (d *ExecDriver) DropSite(ctx context.Context, benchPath, siteName string) (Result, error) {
	return d.run(ctx, d.bench(benchPath, true, dropSiteArgs(siteName, d.cfg.DBRootPassword)...))
}

// BackupSite runs `bench backup --with-files` and reports the database dump
// as the "artifact" result.
func (d *ExecDriver) BackupSite(ctx context.Context, benchPath, siteName string) (Result, error) {
	res, err := d.run(ctx, d.bench(benchPath, false, backupArgs(siteName)...))
	if err != nil {
		return res, err
	}
	if artifact := backupArtifact(benchPath, res.Output); artifact != "" {
		res.Data = map[string]string{"artifact": artifact}
	}
	return res, nil
}

// RestoreSite runs `bench restore` from the given files.
func (d *ExecDriver) RestoreSite(ctx context.Context, benchPath, siteName string, files RestoreFiles) (Result, error) {
	args, err := restoreArgs(siteName, files, d.cfg.DBRootPassword)
	if err != nil {
		return Result{}, err
	}
	return d.run(ctx, d.bench(benchPath, true, args...))
}

// StartBench spawns `bench start` detached and records its pid. The bench
// counts as started once the process survives StartGrace.
func (d *ExecDriver) StartBench(ctx context.Context, benchPath string) (Result, error) {
	if pid, err := readPID(d.fs, benchPath); err == nil && d.alive(pid) {
		return Result{Output: fmt.Sprintf("bench already running (pid %d)", pid), Data: map[string]string{"pid": strconv.Itoa(pid)}}, nil
	}

	logFile := filepath.Join(benchPath, startLogFile)
	pid, err := d.runner.Spawn(Command{Dir: benchPath, Name: d.cfg.BenchBin, Args: []string{"start"}}, logFile)
	if err != nil {
		return Result{}, err
	}
	if err := writePID(d.fs, benchPath, pid); err != nil {
		d.kill(pid)
		return Result{}, fmt.Errorf("failed to write pid file: %w", err)
	}

	select {
	case <-time.After(d.cfg.StartGrace):
	case <-ctx.Done():
		d.kill(pid)
		removePID(d.fs, benchPath)
		return Result{}, ctx.Err()
	}

	if !d.alive(pid) {
		removePID(d.fs, benchPath)
		logTail, _ := afero.ReadFile(d.fs, logFile)
		return Result{Output: tail(string(logTail), 20)}, fmt.Errorf("bench start exited within %v; see %s", d.cfg.StartGrace, logFile)
	}

	return Result{
		Output: fmt.Sprintf("bench started (pid %d), logs in %s", pid, logFile),
		Data:   map[string]string{"pid": strconv.Itoa(pid)},
	}, nil
}

// StopBench stops the recorded process group, escalating to SIGKILL after
// StopGrace, then frees every port the bench is configured to use.
func (d *ExecDriver) StopBench(ctx context.Context, benchPath string) (Result, error) {
	var out []string

	if pid, err := readPID(d.fs, benchPath); err == nil && d.alive(pid) {
		if err := d.terminate(pid); err != nil {
			d.logger.Warn("SIGTERM failed", "pid", pid, "error", err)
		}
		if !d.waitExit(ctx, pid) {
			d.kill(pid)
			out = append(out, fmt.Sprintf("killed process group %d", pid))
		} else {
			out = append(out, fmt.Sprintf("stopped process group %d", pid))
		}
	}
	removePID(d.fs, benchPath)

	ports := benchPorts(d.fs, benchPath)
	for _, p := range ports {
		// fuser exits non-zero when nothing holds the port.
		d.runner.Run(ctx, Command{Dir: benchPath, Name: "fuser", Args: []string{"-k", fmt.Sprintf("%d/tcp", p)}})
	}
	if err := ctx.Err(); err != nil {
		return Result{Output: strings.Join(out, "\n")}, err
	}
	out = append(out, "freed ports "+joinPorts(ports))

	return Result{
		Output: strings.Join(out, "\n"),
		Data:   map[string]string{"stopped_ports": joinPorts(ports)},
	}, nil
}

func (d *ExecDriver) waitExit(ctx context.Context, pid int) bool {
	deadline := time.After(d.cfg.StopGrace)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for d.alive(pid) {
		select {
		case <-deadline:
			return false
		case <-ctx.Done():
			return false
		case <-tick.C:
		}
	}
	return true
}

// QueryBenchState reports Running when the recorded process is alive or the
// configured web server port accepts connections.
func (d *ExecDriver) QueryBenchState(ctx context.Context, benchPath string) (store.BenchState, error) {
	if _, err := d.fs.Stat(benchPath); err != nil {
		return "", fmt.Errorf("bench path %s: %w", benchPath, err)
	}
	if pid, err := readPID(d.fs, benchPath); err == nil && d.alive(pid) {
		return store.BenchRunning, nil
	}
	if port := webserverPort(d.fs, benchPath); port > 0 {
		dialCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cancel()
		if d.dial(dialCtx, net.JoinHostPort("127.0.0.1", strconv.Itoa(port))) == nil {
			return store.BenchRunning, nil
		}
	}
	return store.BenchStopped, nil
}

// Abort kills every bench command running in benchPath.
func (d *ExecDriver) Abort(ctx context.Context, benchPath string) error {
	n := d.runner.Kill(benchPath)
	d.logger.Info("aborted bench commands", "bench_path", benchPath, "killed", n)
	return nil
}

// redact hides password arguments from logs.
func redact(args []string) []string {
	out := append([]string(nil), args...)
	for i := 0; i < len(out)-1; i++ {
		if strings.HasSuffix(out[i], "-password") {
			out[i+1] = "***"
		}
	}
	return out
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
