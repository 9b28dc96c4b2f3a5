package qemu

import (
	"context"
	"errors"
	"fmt"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/openindiana-up/hypervisor"
	"github.com/projecteru2/openindiana-up/storage"
	"github.com/projecteru2/openindiana-up/types"
	"github.com/projecteru2/openindiana-up/utils"
)

// Delete removes the records of refs. It does not stop hypervisors; a VM
// still running is reported and left untracked. Disks and media are kept.
// Returns the names that were removed.
func (q *QEMU) Delete(ctx context.Context, refs []string) ([]string, error) {
	return q.forEachVM(ctx, refs, "Delete", q.deleteOne)
}

func (q *QEMU) deleteOne(ctx context.Context, vm *types.VM) error {
	logger := log.WithFunc("qemu.Delete")
	return q.withLock(ctx, vm.ID, func() error {
		cur, err := q.reload(ctx, vm.ID)
		if err != nil {
			return err
		}
		if cur.State == types.VMStateRunning && q.alive(cur) {
			logger.Warnf(ctx, "VM %s is still running as pid %d and will no longer be tracked", cur.Config.Name, cur.PID)
		}
		if err := q.store.Delete(ctx, cur.ID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("%s: %w", cur.ID, hypervisor.ErrNotFound)
			}
			return err
		}
		if err := utils.RemovePIDFile(q.conf.VMPIDFile(cur.ID)); err != nil {
			logger.Warnf(ctx, "remove pid file of %s: %v", cur.Config.Name, err)
		}
		logger.Infof(ctx, "removed VM %s (%s)", cur.Config.Name, cur.ID)
		return nil
	})
}
