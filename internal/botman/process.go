package botman

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// ProcessSpec describes one trading-engine invocation: the generated config
// artifact and strategy file are referenced by arguments, the workspace is
// the working directory, and stdout/stderr go to a log file sink.
type ProcessSpec struct {
	Bin     string
	Args    []string
	Dir     string
	Env     []string
	LogPath string
}

// Process is a handle to a spawned trading-engine process. Exclusively
// owned by the Manager.
type Process interface {
	PID() int
	// Terminate sends the graceful stop signal.
	Terminate() error
	// Kill forcibly ends the process.
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// ExitErr returns the wait error after Done is closed (nil on clean exit).
	ExitErr() error
}

// Launcher spawns trading-engine processes. The exec-based implementation
// is the production one; tests substitute a fake so no real binary is
// needed.
type Launcher interface {
	Launch(ctx context.Context, spec ProcessSpec) (Process, error)
}

// ExecLauncher launches real OS processes via os/exec.
type ExecLauncher struct{}

func (ExecLauncher) Launch(_ context.Context, spec ProcessSpec) (Process, error) {
	logFile, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log sink: %w", err)
	}

	// Deliberately not exec.CommandContext: the process must outlive the
	// caller's context and is stopped through Terminate/Kill only.
	cmd := exec.Command(spec.Bin, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("spawn %s: %w", spec.Bin, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		_ = logFile.Close()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	exitErr error
}

func (p *execProcess) PID() int { return p.cmd.Process.Pid }

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) Done() <-chan struct{} { return p.done }

func (p *execProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}
