package gc

import (
	"context"

	"github.com/projecteru2/openindiana-up/lock"
)

// runner erases a Module's snapshot type so the Orchestrator can hold
// modules of different S in one slice.
type runner interface {
	getName() string
	getLocker() lock.Locker
	readSnapshot(ctx context.Context) (any, error)
	resolveTargets(snap any, others map[string]any) []string
	collect(ctx context.Context, ids []string) error
}
