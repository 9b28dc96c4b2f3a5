package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/alessio/shellescape"

	"github.com/projecteru2/openindiana-up/utils"
)

var _ Supervisor = (*Shell)(nil)

// Shell backgrounds detached launches through `sh -c '... & echo $!'`.
// It exists for hosts where a directly spawned session leader does not
// outlive the CLI (some service managers kill the whole process group).
// Attached launches are delegated to Native.
type Shell struct {
	native *Native
}

// NewShell returns a Shell supervisor.
func NewShell(opts Options) *Shell { return &Shell{native: NewNative(opts)} }

// Spawn implements Supervisor.
func (s *Shell) Spawn(ctx context.Context, spec Spec) (*Process, error) {
	if !spec.Detach {
		return s.native.Spawn(ctx, spec)
	}
	if err := s.native.prepare(ctx, spec); err != nil {
		return nil, err
	}
	if err := utils.EnsureDirs(filepath.Dir(spec.LogFile)); err != nil {
		return nil, err
	}

	out, err := exec.CommandContext(ctx, "sh", "-c", ShellLine(spec)).Output() //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("background %s: %w", spec.Command.Path, err)
	}
	spawned, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil || spawned <= 0 {
		return nil, fmt.Errorf("parse background pid from %q", out)
	}

	alive := func() bool { return utils.IsProcessAlive(spawned) }
	if err := s.native.settle(ctx, spec, alive); err != nil {
		return nil, err
	}
	proc := &Process{Detached: true}
	proc.PID = s.native.capturePID(ctx, spec, spawned, alive)
	if proc.PID != spawned {
		proc.WrapperPID = spawned
	}
	return proc, nil
}

// ShellLine renders the background one-liner with every word quoted.
func ShellLine(spec Spec) string {
	return fmt.Sprintf("%s >> %s 2>&1 < /dev/null & echo $!",
		shellescape.QuoteCommand(spec.Command.Argv()), shellescape.Quote(spec.LogFile))
}
