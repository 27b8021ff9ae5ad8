//go:build darwin

package grovedb

// fdatasync flushes written data to the database file. Darwin has no
// fdatasync so a full fsync is used instead.
func fdatasync(db *DB) error {
	return db.file.Sync()
}
