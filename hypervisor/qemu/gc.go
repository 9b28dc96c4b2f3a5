package qemu

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/projecteru2/openindiana-up/gc"
	"github.com/projecteru2/openindiana-up/lock/flock"
	"github.com/projecteru2/openindiana-up/storage"
	"github.com/projecteru2/openindiana-up/utils"
)

// orphanGrace keeps files of a launch whose record is not written yet.
const orphanGrace = 10 * time.Minute

const (
	gcLockName = "gc"

	kindPID  = "pid"
	kindLock = "lock"
	kindLog  = "log"
)

type qemuSnapshot struct {
	ids   map[string]struct{} // every record id
	names map[string]struct{} // every record name (log files are per name)
	pids  []string            // stems of aged <run>/<id>.pid
	locks []string            // stems of aged <run>/locks/<id>.lock
	logs  []string            // stems of aged <log>/<name>.log
}

// GCModule returns the module that removes pid, lock and log files left
// behind by deleted records.
func (q *QEMU) GCModule() gc.Module[qemuSnapshot] {
	return gc.Module[qemuSnapshot]{
		Name:   typ,
		Locker: flock.New(filepath.Join(q.conf.LockDir(), gcLockName+".lock")),
		ReadDB: func(ctx context.Context) (qemuSnapshot, error) {
			snap := qemuSnapshot{ids: map[string]struct{}{}, names: map[string]struct{}{}}
			vms, err := q.store.List(ctx, storage.Filter{})
			if err != nil {
				return snap, err
			}
			for _, vm := range vms {
				snap.ids[vm.ID] = struct{}{}
				snap.names[vm.Config.Name] = struct{}{}
			}
			cutoff := time.Now().Add(-orphanGrace)
			snap.pids = agedStems(q.conf.RunDir, ".pid", cutoff)
			snap.locks = agedStems(q.conf.LockDir(), ".lock", cutoff)
			snap.logs = agedStems(q.conf.LogDir, ".log", cutoff)
			return snap, nil
		},
		Resolve: func(snap qemuSnapshot, _ map[string]any) []string {
			var targets []string
			for _, s := range utils.FilterUnreferenced(snap.pids, snap.ids) {
				targets = append(targets, kindPID+":"+s)
			}
			for _, s := range utils.FilterUnreferenced(snap.locks, snap.ids) {
				if s != gcLockName {
					targets = append(targets, kindLock+":"+s)
				}
			}
			for _, s := range utils.FilterUnreferenced(snap.logs, snap.names) {
				targets = append(targets, kindLog+":"+s)
			}
			return targets
		},
		Collect: func(ctx context.Context, targets []string) error {
			byKind := map[string][]string{}
			for _, t := range targets {
				kind, stem, ok := strings.Cut(t, ":")
				if !ok {
					continue
				}
				byKind[kind] = append(byKind[kind], stem)
			}
			var errs []error
			errs = append(errs, utils.RemoveFiles(ctx, q.conf.RunDir, ".pid", byKind[kindPID])...)
			errs = append(errs, utils.RemoveFiles(ctx, q.conf.LogDir, ".log", byKind[kindLog])...)
			for _, id := range byKind[kindLock] {
				if err := q.removeLockFile(ctx, id); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
}

// RegisterGC registers the QEMU GC module with the given Orchestrator.
func (q *QEMU) RegisterGC(orch *gc.Orchestrator) {
	gc.Register(orch, q.GCModule())
}

// removeLockFile removes a per-VM lock file only while nobody holds it.
func (q *QEMU) removeLockFile(ctx context.Context, id string) error {
	l := flock.New(q.conf.VMLockFile(id))
	ok, err := l.TryLock(ctx)
	if err != nil {
		return fmt.Errorf("lock %s: %w", l.Path(), err)
	}
	if !ok {
		return nil
	}
	defer l.Unlock(ctx) //nolint:errcheck
	return errors.Join(utils.RemoveFiles(ctx, q.conf.LockDir(), ".lock", []string{id})...)
}

// agedStems lists stems of files in dir ending in suffix, last modified
// before cutoff.
func agedStems(dir, suffix string, cutoff time.Time) []string {
	var out []string
	for _, stem := range utils.ScanFileStems(dir, suffix) {
		info, err := os.Stat(filepath.Join(dir, stem+suffix))
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		out = append(out, stem)
	}
	return out
}
