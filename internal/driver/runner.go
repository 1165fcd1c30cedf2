package driver

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Command describes one process invocation.
type Command struct {
	Dir   string
	Name  string
	Args  []string
	Stdin string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// CommandRunner runs processes for the exec driver.
type CommandRunner interface {
	// Run executes cmd and returns its combined output.
	Run(ctx context.Context, cmd Command) (string, error)

	// Spawn starts cmd detached in its own process group with output
	// appended to logFile, and returns its pid.
	Spawn(cmd Command, logFile string) (int, error)

	// Kill terminates every process Run started in dir.
	Kill(dir string) int
}

// OSRunner runs commands with os/exec. Each command gets its own process
// group so that cancellation kills the whole tree.
type OSRunner struct {
	WaitDelay time.Duration

	mu      sync.Mutex
	running map[string]map[*exec.Cmd]struct{}
}

// NewOSRunner creates a runner that waits up to 10s for output pipes after a
// killed process exits.
func NewOSRunner() *OSRunner {
	return &OSRunner{
		WaitDelay: 10 * time.Second,
		running:   make(map[string]map[*exec.Cmd]struct{}),
	}
}

// Run implements CommandRunner.Run.
func (r *OSRunner) Run(ctx context.Context, c Command) (string, error) {
	if c.Name == "" {
		return "", fmt.Errorf("command is required")
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killGroup(cmd.Process.Pid) }
	cmd.WaitDelay = r.WaitDelay
	if c.Stdin != "" {
		cmd.Stdin = strings.NewReader(c.Stdin)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start %s: %w", c.Name, err)
	}
	r.track(c.Dir, cmd, true)
	defer r.track(c.Dir, cmd, false)

	err := cmd.Wait()
	output := strings.TrimSpace(out.String())
	if err != nil {
		if ctx.Err() != nil {
			return output, ctx.Err()
		}
		return output, fmt.Errorf("%s: %w", c, err)
	}
	return output, nil
}

// Spawn implements CommandRunner.Spawn.
func (r *OSRunner) Spawn(c Command, logFile string) (int, error) {
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create log dir: %w", err)
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	cmd := exec.Command(c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdout = f
	cmd.Stderr = f
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", c.Name, err)
	}
	pid := cmd.Process.Pid
	// Reap the child so it does not linger as a zombie.
	go cmd.Wait()
	return pid, nil
}

// Kill implements CommandRunner.Kill.
func (r *OSRunner) Kill(dir string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for cmd := range r.running[dir] {
		if cmd.Process != nil && killGroup(cmd.Process.Pid) == nil {
			n++
		}
	}
	return n
}

func (r *OSRunner) track(dir string, cmd *exec.Cmd, add bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if add {
		if r.running[dir] == nil {
			r.running[dir] = make(map[*exec.Cmd]struct{})
		}
		r.running[dir][cmd] = struct{}{}
		return
	}
	delete(r.running[dir], cmd)
	if len(r.running[dir]) == 0 {
		delete(r.running, dir)
	}
}
