package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/projecteru2/openindiana-up/storage"
	"github.com/projecteru2/openindiana-up/types"
)

const columns = `id, name, bridge, mac_address, memory, cpus, cpu, disk_size, drive_path,
	version, disk_format, iso_path, port_forward, status, pid, created_at, updated_at`

var _ storage.Store = (*Store)(nil)

// Store is the sqlite-backed storage.Store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	tune(db)
	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := NewMigrator(db, Migrations()).Run(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// tune sizes the pool for a short-lived CLI process.
func tune(db *sql.DB) {
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return err
		}
	}
	return nil
}

// Close implements storage.Store.
func (s *Store) Close() error { return s.db.Close() }

// Insert implements storage.Store.
func (s *Store) Insert(ctx context.Context, vm *types.VM) error {
	now := s.now().UTC()
	vm.CreatedAt, vm.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, "INSERT INTO vms ("+columns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		vm.ID,
		vm.Config.Name,
		nullable(vm.Config.Network.Bridge),
		vm.MACAddress,
		vm.Config.Memory,
		vm.Config.CPUs,
		vm.Config.CPU,
		vm.Config.Disk.Size,
		nullable(vm.Config.Disk.Path),
		nullable(types.StringPtr(vm.Config.Boot.Version)),
		vm.Config.Disk.Format,
		nullable(vm.Config.Boot.ISOPath),
		nullable(vm.Config.Network.PortForward),
		string(vm.State),
		nullablePID(vm.PID),
		formatTime(vm.CreatedAt),
		formatTime(vm.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert vm %s: %w", vm.ID, classify(err))
	}
	return nil
}

// Lookup implements storage.Store.
func (s *Store) Lookup(ctx context.Context, ref string) (*types.VM, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+columns+" FROM vms WHERE id = ? OR name = ? ORDER BY (id = ?) DESC LIMIT 1",
		ref, ref, ref)
	vm, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%q: %w", ref, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %q: %w", ref, err)
	}
	return vm, nil
}

// List implements storage.Store.
func (s *Store) List(ctx context.Context, filter storage.Filter) ([]*types.VM, error) {
	query := "SELECT " + columns + " FROM vms"
	var args []any
	if filter.RunningOnly {
		query += " WHERE status = ?"
		args = append(args, string(types.VMStateRunning))
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list vms: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var vms []*types.VM
	for rows.Next() {
		vm, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vm: %w", err)
		}
		vms = append(vms, vm)
	}
	return vms, rows.Err()
}

// Update implements storage.Store.
func (s *Store) Update(ctx context.Context, vm *types.VM) error {
	vm.UpdatedAt = s.now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE vms SET
		bridge = ?, memory = ?, cpus = ?, cpu = ?, disk_size = ?, drive_path = ?, version = ?,
		disk_format = ?, iso_path = ?, port_forward = ?, status = ?, pid = ?, updated_at = ?
		WHERE id = ?`,
		nullable(vm.Config.Network.Bridge),
		vm.Config.Memory,
		vm.Config.CPUs,
		vm.Config.CPU,
		vm.Config.Disk.Size,
		nullable(vm.Config.Disk.Path),
		nullable(types.StringPtr(vm.Config.Boot.Version)),
		vm.Config.Disk.Format,
		nullable(vm.Config.Boot.ISOPath),
		nullable(vm.Config.Network.PortForward),
		string(vm.State),
		nullablePID(vm.PID),
		formatTime(vm.UpdatedAt),
		vm.ID,
	)
	if err != nil {
		return fmt.Errorf("update vm %s: %w", vm.ID, classify(err))
	}
	return expectOne(res, vm.ID)
}

// UpdateState implements storage.Store.
func (s *Store) UpdateState(ctx context.Context, id string, state types.VMState, pid int) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE vms SET status = ?, pid = ?, updated_at = ? WHERE id = ?",
		string(state), nullablePID(pid), formatTime(s.now().UTC()), id)
	if err != nil {
		return fmt.Errorf("update state of %s: %w", id, err)
	}
	return expectOne(res, id)
}

// UpdateStateIf implements storage.Store.
func (s *Store) UpdateStateIf(ctx context.Context, id string, expectPID int, state types.VMState, pid int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE vms SET status = ?, pid = ?, updated_at = ? WHERE id = ? AND pid IS ?",
		string(state), nullablePID(pid), formatTime(s.now().UTC()), id, nullablePID(expectPID))
	if err != nil {
		return false, fmt.Errorf("update state of %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Delete implements storage.Store.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM vms WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete vm %s: %w", id, err)
	}
	return expectOne(res, id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (*types.VM, error) {
	var (
		vm                                       types.VM
		bridge, drivePath, version, iso, portFwd sql.NullString
		pid                                      sql.NullInt64
		status, createdAt, updatedAt             string
	)
	if err := row.Scan(
		&vm.ID, &vm.Config.Name, &bridge, &vm.MACAddress, &vm.Config.Memory, &vm.Config.CPUs, &vm.Config.CPU,
		&vm.Config.Disk.Size, &drivePath, &version, &vm.Config.Disk.Format, &iso, &portFwd,
		&status, &pid, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	vm.Config.Network.Bridge = fromNull(bridge)
	vm.Config.Network.PortForward = fromNull(portFwd)
	vm.Config.Disk.Path = fromNull(drivePath)
	vm.Config.Boot.ISOPath = fromNull(iso)
	vm.Config.Boot.Version = version.String
	vm.State = types.VMState(status)
	if pid.Valid {
		vm.PID = int(pid.Int64)
	}
	var err error
	if vm.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if vm.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &vm, nil
}

func expectOne(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%q: %w", id, storage.ErrNotFound)
	}
	return nil
}

// classify maps sqlite unique/primary-key violations to storage.ErrDuplicate.
func classify(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %s", storage.ErrDuplicate, constraintDetail(se.Error()))
		}
	}
	return err
}

func constraintDetail(msg string) string {
	if i := strings.Index(msg, "UNIQUE constraint failed:"); i >= 0 {
		return strings.TrimSpace(msg[i:])
	}
	return msg
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullablePID(pid int) any {
	if pid <= 0 {
		return nil
	}
	return pid
}

func fromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// timeLayout is fixed-width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }
