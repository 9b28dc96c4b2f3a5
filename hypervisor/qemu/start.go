package qemu

import (
	"context"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/openindiana-up/hypervisor"
	"github.com/projecteru2/openindiana-up/supervisor"
	"github.com/projecteru2/openindiana-up/types"
	"github.com/projecteru2/openindiana-up/utils"
)

// Start relaunches a stopped VM from its stored configuration, with the
// same MAC and network topology. A VM whose hypervisor is alive is left
// alone and hypervisor.ErrAlreadyRunning is returned alongside its record.
func (q *QEMU) Start(ctx context.Context, ref string, opts hypervisor.StartOptions) (*types.VM, error) {
	found, err := hypervisor.ResolveRef(ctx, q.store, ref)
	if err != nil {
		return nil, err
	}

	var (
		vm   *types.VM
		proc *supervisor.Process
	)
	// The lock covers check-and-spawn; an attached wait happens after release.
	if err := q.withLock(ctx, found.ID, func() error {
		cur, err := q.reload(ctx, found.ID)
		if err != nil {
			return err
		}
		vm = cur
		if cur.State == types.VMStateRunning && q.alive(cur) {
			return fmt.Errorf("%s (pid %d): %w", cur.Config.Name, cur.PID, hypervisor.ErrAlreadyRunning)
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

// prepareRelaunch applies overrides to vm and re-checks host resources that
// may have vanished since the VM was created (e.g. a bridge after reboot).
func (q *QEMU) prepareRelaunch(ctx context.Context, vm *types.VM, opts hypervisor.StartOptions) error {
	logger := log.WithFunc("qemu.prepareRelaunch")
	cfg, err := opts.Overrides.Apply(vm.Config)
	if err != nil {
		return err
	}
	if iso := cfg.Boot.ISOPath; iso != nil && !utils.Exists(*iso) {
		logger.Warnf(ctx, "boot media %s of %s is gone, starting without it", *iso, cfg.Name)
		cfg.Boot.ISOPath = nil
	}
	if err := q.ensureNetwork(ctx, cfg); err != nil {
		return err
	}
	vm.Config = cfg
	return nil
}
