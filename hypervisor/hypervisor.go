package hypervisor

import (
	"context"
	"errors"

	"github.com/projecteru2/openindiana-up/gc"
	"github.com/projecteru2/openindiana-up/options"
	"github.com/projecteru2/openindiana-up/progress"
	"github.com/projecteru2/openindiana-up/types"
)

var (
	// ErrNotFound is returned when a reference matches no VM record.
	ErrNotFound = errors.New("VM not found")
	// ErrAmbiguousRef is returned when an id prefix matches several records.
	ErrAmbiguousRef = errors.New("ambiguous VM reference")
	// ErrTerminateFailed is returned when a hypervisor survives SIGTERM and SIGKILL.
	ErrTerminateFailed = errors.New("hypervisor process did not terminate")
	// ErrAlreadyRunning reports that start found a live hypervisor; informational.
	ErrAlreadyRunning = errors.New("VM already running")
)

// StartOptions tune start and restart.
type StartOptions struct {
	Detach    bool
	Overrides options.Overrides
}

// Hypervisor manages VM records and the hypervisor processes behind them.
//
// Attached launches (Run/Start/Restart without Detach) block until the
// hypervisor exits; a non-zero exit is returned as *supervisor.ExitError.
type Hypervisor interface {
	Type() string

	Run(ctx context.Context, r *options.Resolved, tracker progress.Tracker) (*types.VM, error)
	Start(ctx context.Context, ref string, opts StartOptions) (*types.VM, error)
	Stop(ctx context.Context, refs []string) ([]string, error)
	Restart(ctx context.Context, ref string, opts StartOptions) (*types.VM, error)
	Inspect(ctx context.Context, ref string) (*types.VM, error)
	List(ctx context.Context, all bool) ([]*types.VM, error)
	Delete(ctx context.Context, refs []string) ([]string, error)
	LogPath(ctx context.Context, ref string) (string, error)

	RegisterGC(*gc.Orchestrator)
}
