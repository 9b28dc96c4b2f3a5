package qemu

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/openindiana-up/hypervisor"
	"github.com/projecteru2/openindiana-up/types"
	"github.com/projecteru2/openindiana-up/utils"
)

// exitPollInterval is how often termination is re-checked.
const exitPollInterval = 100 * time.Millisecond

// Stop terminates the hypervisor of each ref. A record is only marked
// STOPPED once its process is confirmed gone; refs that fail keep their
// status. Returns the names that were stopped.
func (q *QEMU) Stop(ctx context.Context, refs []string) ([]string, error) {
	return q.forEachVM(ctx, refs, "Stop", q.stopOne)
}

func (q *QEMU) stopOne(ctx context.Context, vm *types.VM) error {
	return q.withLock(ctx, vm.ID, func() error {
		cur, err := q.reload(ctx, vm.ID)
		if err != nil {
			return err
		}
		// Fast path: nothing alive, just record it.
		if !q.alive(cur) {
			return q.markStopped(ctx, cur)
		}
		if err := q.terminate(ctx, cur); err != nil {
			return err
		}
		return q.markStopped(ctx, cur)
	})
}

// terminate sends SIGTERM, waits up to the stop grace, then SIGKILL and waits
// up to the kill wait. A signal delivery failure is logged and escalation
// continues; only the final liveness check decides the outcome.
func (q *QEMU) terminate(ctx context.Context, vm *types.VM) error {
	logger := log.WithFunc("qemu.terminate")
	privileged := vm.Privileged()
	gone := func() (bool, error) { return !q.alive(vm), nil }

	if err := q.host.Signal(ctx, vm.PID, syscall.SIGTERM, privileged); err != nil {
		logger.Warnf(ctx, "SIGTERM %s (pid %d): %v", vm.Config.Name, vm.PID, err)
	}
	if done, err := waitGone(ctx, q.conf.StopGrace(), gone); done || err != nil {
		return err
	}

	logger.Warnf(ctx, "VM %s did not exit within %s, sending SIGKILL", vm.Config.Name, q.conf.StopGrace())
	if err := q.host.Signal(ctx, vm.PID, syscall.SIGKILL, privileged); err != nil {
		logger.Warnf(ctx, "SIGKILL %s (pid %d): %v", vm.Config.Name, vm.PID, err)
	}
	if done, err := waitGone(ctx, q.conf.KillWait(), gone); done || err != nil {
		return err
	}
	return fmt.Errorf("%w: %s (pid %d)", hypervisor.ErrTerminateFailed, vm.Config.Name, vm.PID)
}

// waitGone polls gone until it holds or timeout passes. A timeout is not an
// error, cancellation is.
func waitGone(ctx context.Context, timeout time.Duration, gone func() (bool, error)) (bool, error) {
	err := utils.WaitFor(ctx, timeout, exitPollInterval, gone)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, utils.ErrTimeout):
		return false, nil
	default:
		return false, err
	}
}

// markStopped records vm as STOPPED with no pid and drops its pid file.
func (q *QEMU) markStopped(ctx context.Context, vm *types.VM) error {
	if err := q.store.UpdateState(ctx, vm.ID, types.VMStateStopped, 0); err != nil {
		return fmt.Errorf("mark %s stopped: %w", vm.Config.Name, err)
	}
	vm.State = types.VMStateStopped
	vm.PID = 0
	if err := utils.RemovePIDFile(q.conf.VMPIDFile(vm.ID)); err != nil {
		log.WithFunc("qemu.markStopped").Warnf(ctx, "remove pid file of %s: %v", vm.Config.Name, err)
	}
	return nil
}
