package qemu

import (
	"context"
	"errors"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/openindiana-up/config"
	"github.com/projecteru2/openindiana-up/hypervisor"
	"github.com/projecteru2/openindiana-up/images/disk"
	"github.com/projecteru2/openindiana-up/images/iso"
	"github.com/projecteru2/openindiana-up/network/bridge"
	"github.com/projecteru2/openindiana-up/progress"
	"github.com/projecteru2/openindiana-up/storage"
	"github.com/projecteru2/openindiana-up/supervisor"
	"github.com/projecteru2/openindiana-up/types"
)

const typ = "qemu"

var _ hypervisor.Hypervisor = (*QEMU)(nil)

// MediaProvider resolves boot media to a local file.
type MediaProvider interface {
	Ensure(ctx context.Context, req iso.Request, tracker progress.Tracker) (string, error)
}

// DiskProvider creates a persistent disk image if it does not exist.
type DiskProvider interface {
	Ensure(ctx context.Context, path, format, size string) (bool, error)
}

// BridgeProvider makes a host bridge usable by the hypervisor.
type BridgeProvider interface {
	Ensure(ctx context.Context, name string) error
}

// Deps are the collaborators of the controller. Tests swap them for fakes.
type Deps struct {
	Supervisor supervisor.Supervisor
	Host       supervisor.Host
	Media      MediaProvider
	Disk       DiskProvider
	Bridge     BridgeProvider
}

// DefaultDeps wires the real providers for conf.
func DefaultDeps(conf *config.Config) Deps {
	return Deps{
		Supervisor: supervisor.New(conf),
		Host:       &supervisor.OSHost{Sudo: conf.SudoBinary},
		Media:      iso.New(conf),
		Disk:       disk.New(conf),
		Bridge:     bridge.New(conf),
	}
}

// QEMU implements hypervisor.Hypervisor on top of qemu-system.
type QEMU struct {
	conf   *config.Config
	store  storage.Store
	sup    supervisor.Supervisor
	host   supervisor.Host
	media  MediaProvider
	disk   DiskProvider
	bridge BridgeProvider
}

// New creates a QEMU controller persisting records in store.
func New(conf *config.Config, store storage.Store, deps Deps) (*QEMU, error) {
	if err := conf.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("ensure dirs: %w", err)
	}
	return &QEMU{
		conf:   conf,
		store:  store,
		sup:    deps.Supervisor,
		host:   deps.Host,
		media:  deps.Media,
		disk:   deps.Disk,
		bridge: deps.Bridge,
	}, nil
}

func (q *QEMU) Type() string { return typ }

// Inspect returns the record for ref, reconciled against the live process table.
func (q *QEMU) Inspect(ctx context.Context, ref string) (*types.VM, error) {
	vm, err := hypervisor.ResolveRef(ctx, q.store, ref)
	if err != nil {
		return nil, err
	}
	q.reconcile(ctx, vm)
	return vm, nil
}

// List returns RUNNING records, or every record when all is set.
// Records whose hypervisor has died are downgraded to STOPPED on the way.
func (q *QEMU) List(ctx context.Context, all bool) ([]*types.VM, error) {
	vms, err := q.store.List(ctx, storage.Filter{RunningOnly: !all})
	if err != nil {
		return nil, err
	}
	result := make([]*types.VM, 0, len(vms))
	for _, vm := range vms {
		q.reconcile(ctx, vm)
		if !all && vm.State != types.VMStateRunning {
			continue
		}
		result = append(result, vm)
	}
	return result, nil
}

// LogPath returns the detached-output log file of ref.
func (q *QEMU) LogPath(ctx context.Context, ref string) (string, error) {
	vm, err := hypervisor.ResolveRef(ctx, q.store, ref)
	if err != nil {
		return "", err
	}
	return q.conf.VMLogFile(vm.Config.Name), nil
}

// reconcile marks a RUNNING record STOPPED when its pid no longer belongs to
// a hypervisor. The write is conditional on the pid so that a concurrent
// start is never overwritten.
func (q *QEMU) reconcile(ctx context.Context, vm *types.VM) {
	if vm.State != types.VMStateRunning || (vm.PID != 0 && q.alive(vm)) {
		return
	}
	logger := log.WithFunc("qemu.reconcile")
	ok, err := q.store.UpdateStateIf(ctx, vm.ID, vm.PID, types.VMStateStopped, 0)
	if err != nil {
		logger.Warnf(ctx, "mark %s stopped: %v", vm.Config.Name, err)
		return
	}
	if ok {
		logger.Infof(ctx, "VM %s (pid %d) is gone, marked stopped", vm.Config.Name, vm.PID)
		vm.State = types.VMStateStopped
		vm.PID = 0
	}
}

// alive reports whether vm.PID is still its hypervisor. A privileged launch
// whose pid file could not be read is tracked by the escalation wrapper.
func (q *QEMU) alive(vm *types.VM) bool {
	if vm.PID <= 0 {
		return false
	}
	if q.host.Owns(vm.PID, q.conf.QemuBinary) {
		return true
	}
	return vm.Privileged() && q.host.Owns(vm.PID, q.conf.SudoBinary)
}

// reload re-reads a record after its lock is taken.
func (q *QEMU) reload(ctx context.Context, id string) (*types.VM, error) {
	vm, err := q.store.Lookup(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, hypervisor.ErrNotFound)
	}
	return vm, err
}
