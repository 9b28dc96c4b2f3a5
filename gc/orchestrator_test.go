package gc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLocker struct {
	busy     bool
	locked   bool
	unlocked int
}

func (l *fakeLocker) Lock(context.Context) error { l.locked = true; return nil }

func (l *fakeLocker) Unlock(context.Context) error {
	l.locked = false
	l.unlocked++
	return nil
}

func (l *fakeLocker) TryLock(context.Context) (bool, error) {
	if l.busy {
		return false, nil
	}
	l.locked = true
	return true, nil
}

func TestRunCollectsResolvedTargets(t *testing.T) {
	var collected []string
	records := &fakeLocker{}
	files := &fakeLocker{}

	o := New()
	Register(o, Module[[]string]{
		Name:    "records",
		Locker:  records,
		ReadDB:  func(context.Context) ([]string, error) { return []string{"a"}, nil },
		Collect: func(context.Context, []string) error { t.Fatal("records has no targets"); return nil },
	})
	Register(o, Module[[]string]{
		Name:   "files",
		Locker: files,
		ReadDB: func(context.Context) ([]string, error) { return []string{"a", "b", "c"}, nil },
		Resolve: func(snap []string, others map[string]any) []string {
			known := map[string]bool{}
			for _, id := range others["records"].([]string) {
				known[id] = true
			}
			var out []string
			for _, id := range snap {
				if !known[id] {
					out = append(out, id)
				}
			}
			return out
		},
		Collect: func(_ context.Context, ids []string) error {
			collected = append(collected, ids...)
			return nil
		},
	})

	require.NoError(t, o.Run(context.Background()))
	assert.Equal(t, []string{"b", "c"}, collected)
	assert.False(t, records.locked)
	assert.False(t, files.locked)
}

func TestRunAbortsWhenAnyLockIsBusy(t *testing.T) {
	free := &fakeLocker{}
	o := New()
	Register(o, Module[int]{
		Name:   "free",
		Locker: free,
		ReadDB: func(context.Context) (int, error) { t.Fatal("snapshot taken"); return 0, nil },
	})
	Register(o, Module[int]{Name: "held", Locker: &fakeLocker{busy: true}})

	err := o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "held")
	assert.Equal(t, 1, free.unlocked, "acquired locks are released on abort")
}

func TestRunJoinsCollectErrors(t *testing.T) {
	boom := errors.New("boom")
	o := New()
	Register(o, Module[string]{
		Name:    "files",
		Locker:  &fakeLocker{},
		ReadDB:  func(context.Context) (string, error) { return "x", nil },
		Resolve: func(s string, _ map[string]any) []string { return []string{s} },
		Collect: func(context.Context, []string) error { return boom },
	})

	err := o.Run(context.Background())
	require.ErrorIs(t, err, boom)
}
