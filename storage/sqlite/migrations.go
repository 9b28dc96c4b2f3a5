package sqlite

import "database/sql"

// Migration is one additive schema change, applied exactly once.
type Migration struct {
	Version int64
	Name    string
	Up      func(*sql.Tx) error
}

// Migrations returns the schema history in order. Entries are never edited
// or removed once released; new columns must be nullable.
func Migrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "create_vms_table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE IF NOT EXISTS vms (
						id          TEXT PRIMARY KEY,
						name        TEXT NOT NULL UNIQUE,
						bridge      TEXT,
						mac_address TEXT NOT NULL UNIQUE,
						memory      TEXT NOT NULL,
						cpus        INTEGER NOT NULL,
						cpu         TEXT NOT NULL,
						disk_size   TEXT NOT NULL,
						drive_path  TEXT,
						version     TEXT,
						disk_format TEXT NOT NULL,
						iso_path    TEXT,
						status      TEXT NOT NULL,
						pid         INTEGER,
						created_at  TEXT NOT NULL,
						updated_at  TEXT NOT NULL
					)
				`)
				return err
			},
		},
		{
			Version: 2,
			Name:    "add_port_forward",
			Up: func(tx *sql.Tx) error {
				return addColumnIfMissing(tx, "vms", "port_forward", "TEXT")
			},
		},
		{
			Version: 3,
			Name:    "index_vms_status",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_vms_status ON vms(status)`)
				return err
			},
		},
	}
}

// addColumnIfMissing keeps a migration safe to re-run against a database
// that already gained the column out of band.
func addColumnIfMissing(tx *sql.Tx, table, column, decl string) error {
	var count int
	if err := tx.QueryRow(
		"SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?", table, column,
	).Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	_, err := tx.Exec("ALTER TABLE " + table + " ADD COLUMN " + column + " " + decl)
	return err
}
