package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/projecteru2/core/log"
	"golang.org/x/term"

	"github.com/projecteru2/openindiana-up/utils"
)

var _ Supervisor = (*Native)(nil)

// Native spawns through os/exec. Detached children leave this process group
// and inherit an O_APPEND log file as stdout and stderr.
type Native struct {
	base
}

// NewNative returns a Native supervisor.
func NewNative(opts Options) *Native {
	return &Native{base: base{opts: opts, warmUp: sudoWarmUp(opts.Sudo)}}
}

// Spawn implements Supervisor.
func (n *Native) Spawn(ctx context.Context, spec Spec) (*Process, error) {
	if err := n.prepare(ctx, spec); err != nil {
		return nil, err
	}
	if spec.Detach {
		return n.spawnDetached(ctx, spec)
	}
	return n.spawnAttached(ctx, spec)
}

func (n *Native) spawnAttached(ctx context.Context, spec Spec) (*Process, error) {
	logger := log.WithFunc("supervisor.spawnAttached")
	if !term.IsTerminal(int(os.Stdin.Fd())) { //nolint:gosec
		logger.Warnf(ctx, "stdin is not a terminal, the guest console will not be interactive")
	}

	// Not CommandContext: the hypervisor owns its lifetime, stop is signal-driven.
	cmd := exec.Command(spec.Command.Path, spec.Command.Args...) //nolint:gosec
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("exec %s: %w", spec.Command.Path, err)
	}
	proc := track(cmd)
	proc.PID = n.capturePID(ctx, spec, cmd.Process.Pid, func() bool { return !proc.exited() })
	if proc.PID != cmd.Process.Pid {
		proc.WrapperPID = cmd.Process.Pid
	}
	return proc, nil
}

func (n *Native) spawnDetached(ctx context.Context, spec Spec) (*Process, error) {
	if err := utils.EnsureDirs(filepath.Dir(spec.LogFile)); err != nil {
		return nil, err
	}
	logFile, err := os.OpenFile(spec.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", spec.LogFile, err)
	}
	defer logFile.Close() //nolint:errcheck

	cmd := exec.Command(spec.Command.Path, spec.Command.Args...) //nolint:gosec
	cmd.SysProcAttr = detachAttr(spec.Privileged)
	cmd.Stdout, cmd.Stderr = logFile, logFile
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("exec %s: %w", spec.Command.Path, err)
	}
	proc := track(cmd)
	proc.Detached = true
	alive := func() bool { return !proc.exited() }

	if err := n.settle(ctx, spec, alive); err != nil {
		return nil, err
	}
	proc.PID = n.capturePID(ctx, spec, cmd.Process.Pid, alive)
	if proc.PID != cmd.Process.Pid {
		proc.WrapperPID = cmd.Process.Pid
	}
	return proc, nil
}

// detachAttr returns the process attributes of a detached child.
// Unprivileged children get a new session and survive terminal hangup.
// sudo keeps the controlling terminal: its cached credential is tied to the
// tty that ran the warm-up, so a session without one would make sudo fail.
func detachAttr(privileged bool) *syscall.SysProcAttr {
	if privileged {
		return &syscall.SysProcAttr{Setpgid: true}
	}
	return &syscall.SysProcAttr{Setsid: true}
}

// track reaps cmd in the background so exit can be observed without blocking.
func track(cmd *exec.Cmd) *Process {
	proc := &Process{PID: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		if err := cmd.Wait(); err != nil {
			proc.err = exitError(err)
		}
		close(proc.done)
	}()
	return proc
}
