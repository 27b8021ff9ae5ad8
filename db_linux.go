//go:build linux

package grovedb

import "golang.org/x/sys/unix"

// fdatasync flushes written data to the database file, skipping metadata
// that isn't needed for recovery.
func fdatasync(db *DB) error {
	return unix.Fdatasync(int(db.file.Fd()))
}
