package qemu

import (
	"context"

	"github.com/projecteru2/openindiana-up/hypervisor"
	"github.com/projecteru2/openindiana-up/supervisor"
	"github.com/projecteru2/openindiana-up/types"
	"github.com/projecteru2/openindiana-up/utils"
)

// Restart stops ref if running, waits the restart delay, and relaunches it
// with any overrides applied. If the old hypervisor cannot be terminated the
// VM is not relaunched.
func (q *QEMU) Restart(ctx context.Context, ref string, opts hypervisor.StartOptions) (*types.VM, error) {
	found, err := hypervisor.ResolveRef(ctx, q.store, ref)
	if err != nil {
		return nil, err
	}

	var (
		vm   *types.VM
		proc *supervisor.Process
	)
	if err := q.withLock(ctx, found.ID, func() error {
		cur, err := q.reload(ctx, found.ID)
		if err != nil {
			return err
		}
		vm = cur
		// Validate overrides before touching the running guest.
		if _, err := opts.Overrides.Apply(cur.Config); err != nil {
			return err
		}
		if q.alive(cur) {
			if err := q.terminate(ctx, cur); err != nil {
				return err
			}
		}
		if err := q.markStopped(ctx, cur); err != nil {
			return err
		}
		if err := utils.Sleep(ctx, q.conf.RestartDelay()); err != nil {
			return err
		}
		if err := q.prepareRelaunch(ctx, cur, opts); err != nil {
			return err
		}
		proc, err = q.launch(ctx, cur, opts.Detach, q.store.Update)
		return err
	}); err != nil {
		return vm, err
	}
	return q.finish(ctx, vm, proc)
}
