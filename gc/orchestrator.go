package gc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/projecteru2/core/log"
)

// Orchestrator runs one cleanup cycle over every registered module.
type Orchestrator struct {
	modules []runner
}

// New creates an empty Orchestrator.
func New() *Orchestrator { return &Orchestrator{} }

// Register adds a typed Module. Methods cannot carry type parameters,
// hence the package-level function.
func Register[S any](o *Orchestrator, m Module[S]) {
	o.modules = append(o.modules, m)
}

// Run locks every module, snapshots them, resolves targets against the
// combined snapshots and collects. Locks are held until Run returns so a
// concurrent run or rm cannot create a record between snapshot and collect.
//
// A module whose lock is busy aborts the whole cycle: a partial snapshot
// could classify a live VM's pid or log file as orphaned.
func (o *Orchestrator) Run(ctx context.Context) error {
	logger := log.WithFunc("gc.Run")

	var held []runner
	defer func() {
		for _, m := range held {
			if err := m.getLocker().Unlock(ctx); err != nil {
				logger.Warnf(ctx, "unlock %s: %v", m.getName(), err)
			}
		}
	}()

	var busy []string
	for _, m := range o.modules {
		ok, err := m.getLocker().TryLock(ctx)
		switch {
		case err != nil:
			logger.Warnf(ctx, "lock %s: %v", m.getName(), err)
			busy = append(busy, m.getName())
		case !ok:
			busy = append(busy, m.getName())
		default:
			held = append(held, m)
		}
	}
	if len(busy) > 0 {
		return fmt.Errorf("gc aborted, busy: %s", strings.Join(busy, ", "))
	}

	snapshots := make(map[string]any, len(held))
	for _, m := range held {
		snap, err := m.readSnapshot(ctx)
		if err != nil {
			return fmt.Errorf("gc aborted, snapshot %s: %w", m.getName(), err)
		}
		snapshots[m.getName()] = snap
	}

	var errs []error
	for _, m := range held {
		targets := m.resolveTargets(snapshots[m.getName()], snapshots)
		if len(targets) == 0 {
			continue
		}
		logger.Infof(ctx, "%s: collecting %d target(s)", m.getName(), len(targets))
		if err := m.collect(ctx, targets); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.getName(), err))
		}
	}
	return errors.Join(errs...)
}
