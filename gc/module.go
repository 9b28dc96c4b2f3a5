package gc

import (
	"context"

	"github.com/projecteru2/openindiana-up/lock"
)

// Module is one participant in a GC cycle, typed by its snapshot S.
type Module[S any] struct {
	Name string

	// Locker is held for the whole cycle. A busy lock aborts the cycle.
	Locker lock.Locker

	// ReadDB captures the module's state. Called with Locker held.
	ReadDB func(ctx context.Context) (S, error)

	// Resolve returns the targets to collect. others holds every module's
	// snapshot keyed by Name, including this one.
	Resolve func(snap S, others map[string]any) []string

	// Collect removes targets. Called with Locker held.
	Collect func(ctx context.Context, ids []string) error
}

func (m Module[S]) getName() string        { return m.Name }
func (m Module[S]) getLocker() lock.Locker { return m.Locker }

func (m Module[S]) readSnapshot(ctx context.Context) (any, error) {
	return m.ReadDB(ctx)
}

func (m Module[S]) resolveTargets(snap any, others map[string]any) []string {
	s, ok := snap.(S)
	if !ok || m.Resolve == nil {
		return nil
	}
	return m.Resolve(s, others)
}

func (m Module[S]) collect(ctx context.Context, ids []string) error {
	return m.Collect(ctx, ids)
}
