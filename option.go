package grovedb

import "time"

// DBOptions configures database behavior.
type DBOptions struct {
	pageSize        int           // On-disk page size. 0 means the OS page size (new files) or whatever the file was created with.
	readOnly        bool          // Open with a shared file lock and reject write transactions.
	noSync          bool          // Skip fsync after commit writes. Unsafe outside tests and bulk loads.
	nonBlockingTx   bool          // Begin(true) fails with ErrTxInProgress instead of waiting for the writer lock.
	lockTimeout     time.Duration // How long Open waits for the file lock. 0 waits forever.
	initialMmapSize int           // Initial size of the memory map in bytes.
	nodeCacheSize   int           // Number of decoded nodes kept in the shared read cache.
	logger          Logger
}

const defaultNodeCacheSize = 8192

// DefaultDBOptions returns safe default configuration.
//
//goland:noinspection GoUnusedExportedFunction
func DefaultDBOptions() DBOptions {
	return DBOptions{
		nodeCacheSize: defaultNodeCacheSize,
		logger:        DiscardLogger{},
	}
}

// DBOption configures database options using the functional options pattern.
type DBOption func(*DBOptions)

// WithPageSize sets the on-disk page size for new database files.
// Opening an existing file with a different page size fails with
// ErrPageSizeMismatch.
//
//goland:noinspection GoUnusedExportedFunction
func WithPageSize(size int) DBOption {
	return func(opts *DBOptions) {
		opts.pageSize = size
	}
}

// WithReadOnly opens the database with a shared file lock. Multiple
// processes may hold the shared lock at once, and write transactions
// fail with ErrDatabaseReadOnly.
//
//goland:noinspection GoUnusedExportedFunction
func WithReadOnly() DBOption {
	return func(opts *DBOptions) {
		opts.readOnly = true
	}
}

// WithNoSync disables fsync after commit writes.
// This provides maximum throughput but a crash can lose or corrupt recent
// commits. Only use for testing or bulk loads where data can be
// reconstructed.
//
//goland:noinspection GoUnusedExportedFunction
func WithNoSync() DBOption {
	return func(opts *DBOptions) {
		opts.noSync = true
	}
}

// WithNonBlockingWriters makes Begin(true) fail with ErrTxInProgress
// while another write transaction is open instead of blocking.
//
//goland:noinspection GoUnusedExportedFunction
func WithNonBlockingWriters() DBOption {
	return func(opts *DBOptions) {
		opts.nonBlockingTx = true
	}
}

// WithLockTimeout bounds how long Open waits for the exclusive file lock
// before failing with ErrTimeout.
//
//goland:noinspection GoUnusedExportedFunction
func WithLockTimeout(d time.Duration) DBOption {
	return func(opts *DBOptions) {
		opts.lockTimeout = d
	}
}

// WithInitialMmapSize sets the initial size of the memory map in bytes.
// A large enough value lets write transactions grow the file without
// remapping, so they do not have to wait for open read transactions.
//
//goland:noinspection GoUnusedExportedFunction
func WithInitialMmapSize(size int) DBOption {
	return func(opts *DBOptions) {
		opts.initialMmapSize = size
	}
}

// WithNodeCacheSize sets how many decoded B+tree nodes the shared read
// cache holds. 0 disables the cache.
//
//goland:noinspection GoUnusedExportedFunction
func WithNodeCacheSize(n int) DBOption {
	return func(opts *DBOptions) {
		opts.nodeCacheSize = n
	}
}

// WithLogger sets the logger used for open and recovery diagnostics.
// See the logger submodule for adapters for common logger libraries.
//
//goland:noinspection GoUnusedExportedFunction
func WithLogger(l Logger) DBOption {
	return func(opts *DBOptions) {
		opts.logger = l
	}
}
