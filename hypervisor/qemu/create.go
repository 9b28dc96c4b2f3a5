package qemu

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/openindiana-up/hypervisor"
	"github.com/projecteru2/openindiana-up/images/iso"
	"github.com/projecteru2/openindiana-up/options"
	"github.com/projecteru2/openindiana-up/progress"
	"github.com/projecteru2/openindiana-up/storage"
	"github.com/projecteru2/openindiana-up/supervisor"
	"github.com/projecteru2/openindiana-up/types"
	"github.com/projecteru2/openindiana-up/utils"
)

// persistFunc writes a freshly launched record: Insert for a new VM, Update
// for a relaunch.
type persistFunc func(context.Context, *types.VM) error

// Run creates a VM from a resolved configuration and launches it.
//
// Steps: boot media, persistent disk, host bridge, spawn, persist. The
// record is only written once the hypervisor is confirmed alive, so a failed
// launch leaves no trace in the store.
func (q *QEMU) Run(ctx context.Context, r *options.Resolved, tracker progress.Tracker) (*types.VM, error) {
	logger := log.WithFunc("qemu.Run")
	cfg := r.Config

	if cfg.Disk.Attached() {
		abs, err := filepath.Abs(*cfg.Disk.Path)
		if err != nil {
			return nil, fmt.Errorf("resolve drive path: %w", err)
		}
		cfg.Disk.Path = &abs
	}

	taken := hypervisor.NameTaken(q.store)
	if cfg.Name == "" {
		name, err := hypervisor.GenerateName(ctx, taken)
		if err != nil {
			return nil, err
		}
		cfg.Name = name
	} else if used, err := taken(ctx, cfg.Name); err != nil {
		return nil, err
	} else if used {
		return nil, fmt.Errorf("%w: VM name %q already in use", storage.ErrDuplicate, cfg.Name)
	}

	// Media first: the empty-disk rule must see the drive before it is created.
	isoPath, err := q.media.Ensure(ctx, iso.Request{
		Source: r.Source,
		Output: r.Output,
		Drive:  types.Deref(cfg.Disk.Path),
	}, tracker)
	if err != nil {
		return nil, fmt.Errorf("boot media: %w", err)
	}
	if cfg.Disk.Attached() {
		created, err := q.disk.Ensure(ctx, *cfg.Disk.Path, cfg.Disk.Format, cfg.Disk.Size)
		if err != nil {
			return nil, fmt.Errorf("disk image: %w", err)
		}
		if created {
			logger.Infof(ctx, "created %s disk %s (%s)", cfg.Disk.Format, *cfg.Disk.Path, cfg.Disk.Size)
		}
		// The image exists now, so symlinks can be resolved.
		canonical, err := canonicalPath(*cfg.Disk.Path)
		if err != nil {
			return nil, fmt.Errorf("disk image %s: %w", *cfg.Disk.Path, err)
		}
		cfg.Disk.Path = &canonical
	}
	if err := q.ensureNetwork(ctx, cfg); err != nil {
		return nil, err
	}
	if isoPath != "" {
		canonical, err := canonicalPath(isoPath)
		if err != nil {
			return nil, fmt.Errorf("boot media %s: %w", isoPath, err)
		}
		cfg.Boot.ISOPath = &canonical
	}

	mac, err := hypervisor.GenerateMAC()
	if err != nil {
		return nil, err
	}
	vm := &types.VM{
		ID:         hypervisor.GenerateID(),
		MACAddress: mac,
		State:      types.VMStateStopped,
		Config:     cfg,
	}
	proc, err := q.launch(ctx, vm, r.Detach, q.store.Insert)
	if err != nil {
		return nil, err
	}
	return q.finish(ctx, vm, proc)
}

// launch builds the command for vm, spawns it, and persists the RUNNING
// record with the hypervisor's pid. A spawn failure leaves the record as it
// was.
func (q *QEMU) launch(ctx context.Context, vm *types.VM, detach bool, persist persistFunc) (*supervisor.Process, error) {
	logger := log.WithFunc("qemu.launch")

	cmd, err := BuildCommand(BuildInput{
		Config:     vm.Config,
		MAC:        vm.MACAddress,
		PIDFile:    q.conf.VMPIDFile(vm.ID),
		KVM:        q.conf.KVM(),
		QemuBinary: q.conf.QemuBinary,
		SudoBinary: q.conf.SudoBinary,
	})
	if err != nil {
		return nil, fmt.Errorf("build command: %w", err)
	}
	logFile := q.conf.VMLogFile(vm.Config.Name)
	proc, err := q.sup.Spawn(ctx, supervisor.Spec{
		Command:    cmd,
		Detach:     detach,
		LogFile:    logFile,
		PIDFile:    q.conf.VMPIDFile(vm.ID),
		Privileged: vm.Privileged(),
	})
	if err != nil {
		return nil, fmt.Errorf("launch %s: %w", vm.Config.Name, err)
	}

	vm.State = types.VMStateRunning
	vm.PID = proc.PID
	if err := persist(ctx, vm); err != nil {
		logger.Warnf(ctx, "hypervisor for %s is running as pid %d but is not tracked: %v", vm.Config.Name, proc.PID, err)
		return nil, fmt.Errorf("save %s: %w", vm.Config.Name, err)
	}
	if detach {
		logger.Infof(ctx, "VM %s (%s) started in background, pid %d, log %s", vm.Config.Name, vm.ID, proc.PID, logFile)
	} else {
		logger.Infof(ctx, "VM %s (%s) started, pid %d", vm.Config.Name, vm.ID, proc.PID)
	}
	return proc, nil
}

// finish waits for an attached hypervisor and records its exit. The record
// is only marked STOPPED if it still carries this run's pid.
func (q *QEMU) finish(ctx context.Context, vm *types.VM, proc *supervisor.Process) (*types.VM, error) {
	if proc == nil || proc.Detached {
		return vm, nil
	}
	logger := log.WithFunc("qemu.finish")
	waitErr := proc.Wait()

	ctx = context.WithoutCancel(ctx)
	ok, err := q.store.UpdateStateIf(ctx, vm.ID, proc.PID, types.VMStateStopped, 0)
	switch {
	case err != nil:
		logger.Warnf(ctx, "mark %s stopped: %v", vm.Config.Name, err)
	case ok:
		vm.State = types.VMStateStopped
		vm.PID = 0
		if rmErr := utils.RemovePIDFile(q.conf.VMPIDFile(vm.ID)); rmErr != nil {
			logger.Warnf(ctx, "remove pid file of %s: %v", vm.Config.Name, rmErr)
		}
	}
	return vm, waitErr
}

// ensureNetwork prepares the host side of bridged networking.
func (q *QEMU) ensureNetwork(ctx context.Context, cfg types.VMConfig) error {
	if !cfg.Network.Bridged() {
		return nil
	}
	if err := q.bridge.Ensure(ctx, *cfg.Network.Bridge); err != nil {
		return fmt.Errorf("bridge %s: %w", *cfg.Network.Bridge, err)
	}
	return nil
}

func canonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}
