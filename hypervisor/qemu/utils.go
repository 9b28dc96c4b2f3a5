package qemu

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/openindiana-up/hypervisor"
	"github.com/projecteru2/openindiana-up/lock"
	"github.com/projecteru2/openindiana-up/lock/flock"
	"github.com/projecteru2/openindiana-up/types"
)

// forEachVM resolves each ref and runs fn on it, at most pool_size at a time.
// All refs are attempted; failures are logged and joined. The returned names
// keep the input order and are valid even when err != nil.
func (q *QEMU) forEachVM(ctx context.Context, refs []string, op string, fn func(context.Context, *types.VM) error) ([]string, error) {
	logger := log.WithFunc("qemu." + op)
	names := make([]string, len(refs))
	errs := make([]error, len(refs))

	var g errgroup.Group
	g.SetLimit(q.poolSize())
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			vm, err := hypervisor.ResolveRef(ctx, q.store, ref)
			if err == nil {
				err = fn(ctx, vm)
			}
			if err != nil {
				logger.Warnf(ctx, "%s %s: %v", op, ref, err)
				errs[i] = fmt.Errorf("%s: %w", ref, err)
				return nil
			}
			names[i] = vm.Config.Name
			return nil
		})
	}
	_ = g.Wait()

	var succeeded []string
	for i, name := range names {
		if errs[i] == nil {
			succeeded = append(succeeded, name)
		}
	}
	return succeeded, errors.Join(errs...)
}

// withLock runs fn holding the per-VM lock, serialising lifecycle writes
// across processes.
func (q *QEMU) withLock(ctx context.Context, id string, fn func() error) error {
	return lock.WithLock(ctx, flock.New(q.conf.VMLockFile(id)), fn)
}

func (q *QEMU) poolSize() int {
	if q.conf.PoolSize > 0 {
		return q.conf.PoolSize
	}
	return runtime.NumCPU()
}
