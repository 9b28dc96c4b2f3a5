package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/openindiana-up/config"
	"github.com/projecteru2/openindiana-up/types"
	"github.com/projecteru2/openindiana-up/utils"
)

const pollInterval = 100 * time.Millisecond

// ErrEarlyExit is returned when a detached child dies before it could be trusted.
var ErrEarlyExit = errors.New("hypervisor exited during startup")

// Spec describes one hypervisor launch.
type Spec struct {
	Command types.Command
	// Detach backgrounds the process with output appended to LogFile.
	Detach  bool
	LogFile string
	// PIDFile is where the hypervisor writes its own pid. It is the source of
	// truth when Command is wrapped by a privilege-escalation helper.
	PIDFile string
	// Privileged means Command is wrapped (e.g. sudo qemu-system-x86_64 ...).
	Privileged bool
}

// Process is a spawned hypervisor.
type Process struct {
	// PID of the hypervisor itself, never of a wrapper.
	PID int
	// WrapperPID is the directly spawned pid when it differs from PID.
	WrapperPID int
	Detached   bool

	done chan struct{}
	err  error
}

// Wait blocks until an attached process exits. A non-zero exit is an *ExitError.
// For detached processes it returns nil immediately.
func (p *Process) Wait() error {
	if p.Detached || p.done == nil {
		return nil
	}
	<-p.done
	return p.err
}

// exited reports whether the directly spawned child has exited.
func (p *Process) exited() bool {
	if p.done == nil {
		return false
	}
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitError carries a hypervisor's non-zero exit status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("hypervisor exited with code %d", e.Code) }

// Supervisor spawns hypervisor processes.
type Supervisor interface {
	Spawn(ctx context.Context, spec Spec) (*Process, error)
}

// Options tune pid capture and detach behaviour.
type Options struct {
	// Settle is how long a detached child is observed before its pid is trusted.
	Settle time.Duration
	// PIDTimeout bounds the wait for Spec.PIDFile to appear.
	PIDTimeout time.Duration
	// Sudo is the privilege-escalation binary, used for warm-up and pid file reads.
	Sudo string
}

// New returns the supervisor selected by conf.DetachMode.
func New(conf *config.Config) Supervisor {
	opts := Options{Settle: conf.Settle(), PIDTimeout: conf.PIDTimeout(), Sudo: conf.SudoBinary}
	native := NewNative(opts)
	if conf.DetachMode == config.DetachShell {
		return &Shell{native: native}
	}
	return native
}

// base holds behaviour shared by the native and shell strategies.
type base struct {
	opts   Options
	warmUp func(ctx context.Context) error
}

// prepare clears a stale pid file and, for wrapped launches, refreshes the
// sudo credential cache on the terminal so that a password prompt never
// races pid capture or lands in a detached log.
func (b *base) prepare(ctx context.Context, spec Spec) error {
	if spec.PIDFile != "" {
		if err := utils.RemovePIDFile(spec.PIDFile); err != nil && !errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("remove stale pid file: %w", err)
		}
	}
	if spec.Privileged && b.warmUp != nil {
		if err := b.warmUp(ctx); err != nil {
			return fmt.Errorf("acquire privileges: %w", err)
		}
	}
	return nil
}

// settle observes a detached child for opts.Settle and fails if it died.
func (b *base) settle(ctx context.Context, spec Spec, alive func() bool) error {
	deadline := time.Now().Add(b.opts.Settle)
	for time.Now().Before(deadline) {
		if !alive() {
			return fmt.Errorf("%w, see %s", ErrEarlyExit, spec.LogFile)
		}
		if err := utils.Sleep(ctx, pollInterval); err != nil {
			return err
		}
	}
	if !alive() {
		return fmt.Errorf("%w, see %s", ErrEarlyExit, spec.LogFile)
	}
	return nil
}

// capturePID returns the hypervisor's own pid. Unwrapped launches are the
// hypervisor already; wrapped ones are resolved through the pid file.
func (b *base) capturePID(ctx context.Context, spec Spec, spawned int, alive func() bool) int {
	logger := log.WithFunc("supervisor.capturePID")
	if !spec.Privileged || spec.PIDFile == "" {
		return spawned
	}
	var pid int
	err := utils.WaitFor(ctx, b.opts.PIDTimeout, pollInterval, func() (bool, error) {
		p, err := b.readPID(ctx, spec.PIDFile)
		if err == nil {
			pid = p
			return true, nil
		}
		if !alive() {
			return false, ErrEarlyExit
		}
		return false, nil
	})
	if err != nil {
		logger.Warnf(ctx, "pid file %s not readable (%v), tracking wrapper pid %d", spec.PIDFile, err, spawned)
		return spawned
	}
	return pid
}

// readPID reads a pid file, falling back to the escalation helper when the
// file is owned by root with mode 0600.
func (b *base) readPID(ctx context.Context, path string) (int, error) {
	pid, err := utils.ReadPIDFile(path)
	if err == nil || !errors.Is(err, fs.ErrPermission) || b.opts.Sudo == "" {
		return pid, err
	}
	out, err := exec.CommandContext(ctx, b.opts.Sudo, "-n", "cat", path).Output() //nolint:gosec
	if err != nil {
		return 0, err
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("parse PID from %s: %q", path, out)
	}
	return pid, nil
}

// sudoWarmUp validates cached sudo credentials, prompting on the terminal if needed.
func sudoWarmUp(sudo string) func(context.Context) error {
	return func(ctx context.Context) error {
		if os.Geteuid() == 0 {
			return nil
		}
		cmd := exec.CommandContext(ctx, sudo, "-v") //nolint:gosec
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stderr, os.Stderr
		return cmd.Run()
	}
}

// exitError converts a Wait error into *ExitError where possible.
// A signal death maps to 128+signo, as shells report it.
func exitError(err error) error {
	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return err
	}
	code := ee.ExitCode()
	if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		code = 128 + int(ws.Signal())
	}
	return &ExitError{Code: code}
}
