package storage

import (
	"context"
	"errors"

	"github.com/projecteru2/openindiana-up/types"
)

// Errors returned by Store implementations, checkable with errors.Is.
var (
	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert violates a unique constraint (id, name or MAC).
	ErrDuplicate = errors.New("record already exists")
)

// Filter narrows List results.
type Filter struct {
	// RunningOnly keeps records whose stored state is RUNNING.
	RunningOnly bool
}

// Store is the durable table of VM records.
//
// Writes are last-write-wins at the row level; callers that need a
// consistent pid/state pair across processes hold the per-record lock.
type Store interface {
	// Insert persists a new record. CreatedAt/UpdatedAt are set by the store.
	Insert(ctx context.Context, vm *types.VM) error
	// Lookup returns the record whose id or name equals ref. An id match wins.
	Lookup(ctx context.Context, ref string) (*types.VM, error)
	// List returns records ordered by creation time.
	List(ctx context.Context, filter Filter) ([]*types.VM, error)
	// Update rewrites the mutable fields of an existing record: config, state and pid.
	Update(ctx context.Context, vm *types.VM) error
	// UpdateState sets state and pid. A zero pid is stored as absent.
	UpdateState(ctx context.Context, id string, state types.VMState, pid int) error
	// UpdateStateIf is UpdateState guarded by the currently stored pid.
	// Returns false when the stored pid no longer equals expectPID.
	UpdateStateIf(ctx context.Context, id string, expectPID int, state types.VMState, pid int) (bool, error)
	// Delete removes the record with the given id.
	Delete(ctx context.Context, id string) error
	// Close releases the underlying handle.
	Close() error
}
