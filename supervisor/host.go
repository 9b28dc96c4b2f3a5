package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/projecteru2/openindiana-up/utils"
)

// Host is the OS process primitives the lifecycle controller depends on.
type Host interface {
	// Alive reports whether pid exists.
	Alive(pid int) bool
	// Owns reports whether pid is alive and is an instance of binary.
	Owns(pid int, binary string) bool
	// Signal delivers sig to pid, through the escalation helper when privileged.
	// Signalling a pid that no longer exists is not an error.
	Signal(ctx context.Context, pid int, sig syscall.Signal, privileged bool) error
}

var _ Host = (*OSHost)(nil)

// OSHost implements Host with kill(2) and /proc.
type OSHost struct {
	Sudo string
}

// Alive implements Host.
func (h *OSHost) Alive(pid int) bool { return utils.IsProcessAlive(pid) }

// Owns implements Host.
func (h *OSHost) Owns(pid int, binary string) bool { return utils.VerifyProcess(pid, binary) }

// Signal implements Host.
func (h *OSHost) Signal(ctx context.Context, pid int, sig syscall.Signal, privileged bool) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if !privileged || os.Geteuid() == 0 || h.Sudo == "" {
		err := syscall.Kill(pid, sig)
		if err == nil || errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("kill -%d %d: %w", int(sig), pid, err)
	}
	out, err := exec.CommandContext(ctx, h.Sudo, "kill", "-"+strconv.Itoa(int(sig)), strconv.Itoa(pid)).CombinedOutput() //nolint:gosec
	if err == nil || !utils.IsProcessAlive(pid) {
		return nil
	}
	return fmt.Errorf("%s kill -%d %d: %w: %s", h.Sudo, int(sig), pid, err, strings.TrimSpace(string(out)))
}
