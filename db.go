// Package grovedb implements an embedded key/value store backed by a single
// memory-mapped file. Keys live in nested buckets arranged as copy-on-write
// B+trees, so a write transaction never overwrites pages a concurrent reader
// can still observe. One write transaction runs at a time alongside any
// number of read transactions, each pinned to the committed snapshot it
// started from.
package grovedb

import (
	"fmt"
	"os"
	"sync"
	"unsafe"
)

// maxMapSize represents the largest mmap size supported (256TB).
const maxMapSize = 0xFFFFFFFFFFFF

// maxMmapStep is the largest step that can be taken when remapping the mmap.
const maxMmapStep = 1 << 30 // 1GB

// pageSizeCandidates are tried when the primary meta page is corrupt and the
// file's page size has to be recovered from the backup meta.
var pageSizeCandidates = []int{512, 1024, 2048, 4096, 8192, 16384, 32768, 65536}

// DB represents a collection of buckets persisted to a file on disk.
// All data access is performed through transactions which can be obtained
// through the DB. All the functions on DB will return ErrDatabaseNotOpen if
// accessed before Open() is called.
type DB struct {
	opts   DBOptions
	logger Logger

	path     string
	file     *os.File
	dataref  []byte
	data     *[maxMapSize]byte
	datasz   int
	filesz   int // current on disk file size
	meta0    *meta
	meta1    *meta
	pageSize int
	opened   bool
	readOnly bool
	rwtx     *Tx
	txs      []*Tx
	freelist *freelist
	cache    *nodeCache
	stats    Stats

	rwlock   sync.Mutex   // Allows only one writer at a time.
	metalock sync.Mutex   // Protects meta page access and the open tx list.
	mmaplock sync.RWMutex // Protects mmap access during remapping.
	statlock sync.RWMutex // Protects stats access.

	// Read-write function for the data file, swappable for error simulation
	// in tests.
	ops struct {
		writeAt func(b []byte, off int64) (n int, err error)
	}
}

// Path returns the path to currently open database file.
func (db *DB) Path() string {
	return db.path
}

// String returns the string representation of the database.
func (db *DB) String() string {
	return fmt.Sprintf("DB<%q>", db.path)
}

// Open creates and opens a database at the given path.
// If the file does not exist then it will be created automatically.
func Open(path string, options ...DBOption) (*DB, error) {
	opts := DefaultDBOptions()
	for _, opt := range options {
		opt(&opts)
	}

	db := &DB{
		opts:     opts,
		logger:   opts.logger,
		opened:   true,
		readOnly: opts.readOnly,
	}

	flag := os.O_RDWR | os.O_CREATE
	if db.readOnly {
		flag = os.O_RDONLY
	}

	// Open data file and separate sync handler for metadata writes.
	var err error
	if db.file, err = os.OpenFile(path, flag, 0600); err != nil {
		_ = db.close()
		return nil, err
	}
	db.path = db.file.Name()

	// Lock the file so collisions with other processes are caught up front.
	// A read-only open takes a shared lock, otherwise an exclusive one.
	if err := flock(db, opts.lockTimeout); err != nil {
		_ = db.close()
		return nil, err
	}

	// Default values for test hooks.
	db.ops.writeAt = db.file.WriteAt

	// Initialize the database if it doesn't exist.
	if info, err := db.file.Stat(); err != nil {
		_ = db.close()
		return nil, err
	} else if info.Size() == 0 {
		if db.readOnly {
			_ = db.close()
			return nil, ErrInvalid
		}
		// Initialize new files with meta pages.
		if err := db.init(); err != nil {
			_ = db.close()
			return nil, err
		}
	} else {
		db.filesz = int(info.Size())

		// Read the first meta page to determine the page size. The file can
		// be smaller than the read buffer at small page sizes, so a short
		// read is fine as long as it covers the meta.
		buf := make([]byte, 0x1000)
		if n, _ := db.file.ReadAt(buf, 0); n < pageHeaderSize+int(unsafe.Sizeof(meta{})) {
			_ = db.close()
			return nil, ErrInvalid
		}
		if m := (*meta)(unsafe.Pointer(&buf[pageHeaderSize])); m.validate() == nil {
			db.pageSize = int(m.pageSize)
		} else {
			sz, err := db.recoverPageSize()
			if err != nil {
				_ = db.close()
				return nil, err
			}
			db.pageSize = sz
		}
		if opts.pageSize != 0 && opts.pageSize != db.pageSize {
			_ = db.close()
			return nil, ErrPageSizeMismatch
		}
	}

	// Memory map the data file.
	if err := db.mmap(opts.initialMmapSize); err != nil {
		_ = db.close()
		return nil, err
	}

	// Read in the freelist.
	db.freelist = newFreelist()
	db.freelist.read(db.page(db.meta().freelist))

	db.cache = newNodeCache(opts.nodeCacheSize)

	// Mark the database as opened and return.
	return db, nil
}

// recoverPageSize scans the backup meta slot at candidate page sizes when
// the primary meta page is corrupt.
func (db *DB) recoverPageSize() (int, error) {
	db.logger.Warn("primary meta page invalid, scanning for backup meta", "path", db.path)

	buf := make([]byte, 0x1000)
	for _, sz := range pageSizeCandidates {
		// The backup meta lives on page 1, at offset sz for a candidate
		// page size sz. Short reads near the end of the file just rule the
		// candidate out.
		n, _ := db.file.ReadAt(buf, int64(sz))
		if n < pageHeaderSize+int(unsafe.Sizeof(meta{})) {
			continue
		}
		m := (*meta)(unsafe.Pointer(&buf[pageHeaderSize]))
		if m.validate() == nil && int(m.pageSize) == sz {
			db.logger.Info("recovered page size from backup meta", "pageSize", sz)
			return sz, nil
		}
	}
	return 0, ErrInvalid
}

// init creates a new database file and initializes its meta pages.
func (db *DB) init() error {
	// Set the page size to the OS page size unless overridden.
	db.pageSize = db.opts.pageSize
	if db.pageSize == 0 {
		db.pageSize = os.Getpagesize()
	}

	// Create two meta pages on a buffer.
	buf := make([]byte, db.pageSize*4)
	for i := 0; i < 2; i++ {
		p := db.pageInBuffer(buf, pgid(i))
		p.id = pgid(i)
		p.flags = metaPageFlag

		// Initialize the meta page.
		m := p.meta()
		m.magic = magic
		m.version = version
		m.pageSize = uint32(db.pageSize)
		m.freelist = 2
		m.root = bucketHeader{root: 3}
		m.pgid = 4
		m.txid = txid(i)
		m.checksum = m.sum64()
	}

	// Write an empty freelist at page 2.
	p := db.pageInBuffer(buf, pgid(2))
	p.id = pgid(2)
	p.flags = freelistPageFlag
	p.count = 0

	// Write an empty leaf page at page 3.
	p = db.pageInBuffer(buf, pgid(3))
	p.id = pgid(3)
	p.flags = leafPageFlag
	p.count = 0

	// Write the buffer to our data file.
	if _, err := db.ops.writeAt(buf, 0); err != nil {
		return err
	}
	if err := fdatasync(db); err != nil {
		return err
	}
	db.filesz = len(buf)

	return nil
}

// mmap opens the underlying memory-mapped file and initializes the meta
// references. minsz is the minimum size that the new mmap can be.
func (db *DB) mmap(minsz int) error {
	db.mmaplock.Lock()
	defer db.mmaplock.Unlock()

	info, err := db.file.Stat()
	if err != nil {
		return fmt.Errorf("mmap stat error: %s", err)
	} else if int(info.Size()) < db.pageSize*2 {
		return ErrInvalid
	}

	// Ensure the size is at least the minimum size.
	size := int(info.Size())
	if size < minsz {
		size = minsz
	}
	size, err = db.mmapSize(size)
	if err != nil {
		return err
	}

	// Unmap existing data before continuing. Nodes decoded from the old map
	// hold copies of their keys and values, so nothing references it.
	if err := db.munmap(); err != nil {
		return err
	}

	// Memory-map the data file as a byte slice.
	if err := mmap(db, size); err != nil {
		return err
	}

	// Save references to the meta pages.
	db.meta0 = db.page(0).meta()
	db.meta1 = db.page(1).meta()

	// Validate the meta pages. Only fail if both are broken, since a crashed
	// commit can legitimately leave one of them torn.
	err0 := db.meta0.validate()
	err1 := db.meta1.validate()
	if err0 != nil && err1 != nil {
		return err0
	}
	if err0 != nil {
		db.logger.Warn("meta page 0 invalid, falling back to meta page 1", "error", err0)
	} else if err1 != nil {
		db.logger.Warn("meta page 1 invalid, falling back to meta page 0", "error", err1)
	}

	return nil
}

// munmap unmaps the data file from memory.
func (db *DB) munmap() error {
	if err := munmap(db); err != nil {
		return fmt.Errorf("unmap error: %s", err)
	}
	return nil
}

// mmapSize determines the appropriate size for the mmap given the current
// size of the database. The minimum size is 32KB and doubles until it
// reaches 1GB. Returns an error if the new mmap size is greater than the max
// allowed.
func (db *DB) mmapSize(size int) (int, error) {
	// Double the size from 32KB until 1GB.
	for i := uint(15); i <= 30; i++ {
		if size <= 1<<i {
			return 1 << i, nil
		}
	}

	// Verify the requested size is not above the maximum allowed.
	if size > maxMapSize {
		return 0, fmt.Errorf("mmap too large")
	}

	// If larger than 1GB then grow by 1GB at a time.
	sz := int64(size)
	if remainder := sz % int64(maxMmapStep); remainder > 0 {
		sz += int64(maxMmapStep) - remainder
	}

	// Ensure that the mmap size is a multiple of the page size.
	pageSize := int64(db.pageSize)
	if (sz % pageSize) != 0 {
		sz = ((sz / pageSize) + 1) * pageSize
	}

	// If we've exceeded the max size then only grow up to the max size.
	if sz > maxMapSize {
		sz = maxMapSize
	}

	return int(sz), nil
}

// Close releases all database resources.
// All transactions must be closed before closing the database.
func (db *DB) Close() error {
	db.rwlock.Lock()
	defer db.rwlock.Unlock()

	db.metalock.Lock()
	defer db.metalock.Unlock()

	db.mmaplock.Lock()
	defer db.mmaplock.Unlock()

	return db.close()
}

func (db *DB) close() error {
	if !db.opened {
		return nil
	}
	db.opened = false

	db.freelist = nil
	if db.cache != nil {
		db.cache.purge()
		db.cache = nil
	}

	// Clear ops.
	db.ops.writeAt = nil

	// Close the mmap.
	if err := db.munmap(); err != nil {
		return err
	}

	// Close file handles.
	if db.file != nil {
		// Unlock the file.
		if err := funlock(db); err != nil {
			db.logger.Error("unlocking file failed", "error", err)
		}

		// Close the file descriptor.
		if err := db.file.Close(); err != nil {
			return fmt.Errorf("db file close: %s", err)
		}
		db.file = nil
	}

	db.path = ""
	return nil
}

// Begin starts a new transaction.
// Multiple read-only transactions can be used concurrently but only one
// write transaction can be used at a time.
//
// IMPORTANT: You must close read-only transactions after you are finished or
// else the database will not reclaim old pages.
func (db *DB) Begin(writable bool) (*Tx, error) {
	if writable {
		return db.beginRWTx()
	}
	return db.beginTx()
}

func (db *DB) beginTx() (*Tx, error) {
	// Lock the meta pages while we initialize the transaction. We obtain
	// the meta lock before the mmap lock because that's the order that the
	// write transaction will obtain them.
	db.metalock.Lock()

	// Obtain a read-only lock on the mmap. When the mmap is remapped it will
	// obtain a write lock so all transactions must finish before it can be
	// remapped.
	db.mmaplock.RLock()

	// Exit if the database is not open yet.
	if !db.opened {
		db.mmaplock.RUnlock()
		db.metalock.Unlock()
		return nil, ErrDatabaseNotOpen
	}

	// Create a transaction associated with the database.
	t := &Tx{}
	t.init(db)

	// Keep track of transaction until it closes.
	db.txs = append(db.txs, t)
	n := len(db.txs)

	// Unlock the meta pages.
	db.metalock.Unlock()

	// Update the transaction stats.
	db.statlock.Lock()
	db.stats.TxN++
	db.stats.OpenTxN = n
	db.statlock.Unlock()

	return t, nil
}

func (db *DB) beginRWTx() (*Tx, error) {
	// If the database was opened with a read-only lock then writes are
	// rejected outright.
	if db.readOnly {
		return nil, ErrDatabaseReadOnly
	}

	// Obtain writer lock. This is released by the transaction close. With
	// non-blocking writers a held lock fails fast instead of queueing.
	if db.opts.nonBlockingTx {
		if !db.rwlock.TryLock() {
			return nil, ErrTxInProgress
		}
	} else {
		db.rwlock.Lock()
	}

	// Once we have the writer lock then we can lock the meta pages so that
	// we can set up the transaction.
	db.metalock.Lock()
	defer db.metalock.Unlock()

	// Exit if the database is not open yet.
	if !db.opened {
		db.rwlock.Unlock()
		return nil, ErrDatabaseNotOpen
	}

	// Create a transaction associated with the database.
	t := &Tx{writable: true}
	t.init(db)
	db.rwtx = t

	// Free any pages associated with closed read-only transactions. A page
	// freed by transaction N can only be handed out again once the oldest
	// open reader started at a transaction above N.
	var minid txid = 0xFFFFFFFFFFFFFFFF
	for _, t := range db.txs {
		if t.meta.txid < minid {
			minid = t.meta.txid
		}
	}
	if minid > 0 {
		db.freelist.release(minid - 1)
	}

	return t, nil
}

// removeTx removes a transaction from the database.
func (db *DB) removeTx(tx *Tx) {
	// Release the read lock on the mmap.
	db.mmaplock.RUnlock()

	// Use the meta lock to restrict access to the DB object.
	db.metalock.Lock()

	// Remove the transaction.
	for i, t := range db.txs {
		if t == tx {
			last := len(db.txs) - 1
			db.txs[i] = db.txs[last]
			db.txs[last] = nil
			db.txs = db.txs[:last]
			break
		}
	}
	n := len(db.txs)

	// Unlock the meta pages.
	db.metalock.Unlock()

	// Merge statistics.
	db.statlock.Lock()
	db.stats.OpenTxN = n
	db.statlock.Unlock()
}

// Update executes a function within the context of a read-write managed
// transaction. If no error is returned from the function then the
// transaction is committed. If an error is returned then the entire
// transaction is rolled back. Any error that is returned from the function
// or returned from the commit is returned from the Update() method.
//
// Attempting to manually commit or rollback within the function will cause
// a panic.
func (db *DB) Update(fn func(*Tx) error) error {
	t, err := db.Begin(true)
	if err != nil {
		return err
	}

	// Make sure the transaction rolls back in the event of a panic.
	defer func() {
		if t.db != nil {
			t.rollback()
		}
	}()

	// Mark as a managed tx so that the inner function cannot manually commit.
	t.managed = true

	// If an error is returned from the function then rollback and return error.
	err = fn(t)
	t.managed = false
	if err != nil {
		_ = t.Rollback()
		return err
	}

	return t.Commit()
}

// View executes a function within the context of a managed read-only
// transaction. Any error that is returned from the function is returned
// from the View() method.
//
// Attempting to manually rollback within the function will cause a panic.
func (db *DB) View(fn func(*Tx) error) error {
	t, err := db.Begin(false)
	if err != nil {
		return err
	}

	// Make sure the transaction rolls back in the event of a panic.
	defer func() {
		if t.db != nil {
			t.rollback()
		}
	}()

	// Mark as a managed tx so that the inner function cannot manually rollback.
	t.managed = true

	// If an error is returned from the function then pass it through.
	err = fn(t)
	t.managed = false
	if err != nil {
		_ = t.Rollback()
		return err
	}

	if err := t.Rollback(); err != nil {
		return err
	}

	return nil
}

// Sync executes fdatasync() against the database file handle.
//
// This is not necessary under normal operation, however, if you use
// the WithNoSync option then it allows you to force the database file to
// sync against the disk.
func (db *DB) Sync() error {
	return fdatasync(db)
}

// Stats retrieves ongoing performance stats for the database.
// This is only updated when a transaction closes.
func (db *DB) Stats() Stats {
	db.statlock.RLock()
	defer db.statlock.RUnlock()
	return db.stats
}

// page retrieves a page reference from the mmap based on the current page
// size.
func (db *DB) page(id pgid) *page {
	pos := id * pgid(db.pageSize)
	return (*page)(unsafe.Pointer(&db.data[pos]))
}

// pageInBuffer retrieves a page reference from a given byte array based on
// the current page size.
func (db *DB) pageInBuffer(b []byte, id pgid) *page {
	return (*page)(unsafe.Pointer(&b[id*pgid(db.pageSize)]))
}

// meta retrieves the current meta page reference, preferring the one with
// the higher transaction id as long as it validates.
func (db *DB) meta() *meta {
	// We have to return the meta with the highest txid which doesn't fail
	// validation. Otherwise, we can cause errors when in fact the database is
	// in a consistent state. metaA is the one with the higher txid.
	metaA := db.meta0
	metaB := db.meta1
	if db.meta1.txid > db.meta0.txid {
		metaA = db.meta1
		metaB = db.meta0
	}

	// Use higher meta page if valid. Otherwise fallback to previous, if valid.
	if err := metaA.validate(); err == nil {
		return metaA
	} else if err := metaB.validate(); err == nil {
		return metaB
	}

	// This should never be reached, because both meta pages were validated
	// on mmap() and we do fsync() before writing meta pages.
	panic("grovedb.DB.meta(): invalid meta pages")
}

// allocate returns a contiguous block of memory starting at a given page.
func (db *DB) allocate(count int) (*page, error) {
	// Allocate a temporary buffer for the page.
	buf := make([]byte, count*db.pageSize)
	p := (*page)(unsafe.Pointer(&buf[0]))
	p.overflow = uint32(count - 1)

	// Use pages from the freelist if they are available.
	if p.id = db.freelist.allocate(count); p.id != 0 {
		// The reused pages may still have decoded nodes from their
		// previous life in the shared cache.
		for i := pgid(0); i < pgid(count); i++ {
			db.cache.remove(p.id + i)
		}
		return p, nil
	}

	// Resize mmap() if we're at the end.
	p.id = db.rwtx.meta.pgid
	var minsz = int((p.id+pgid(count))+1) * db.pageSize
	if minsz >= db.datasz {
		if err := db.mmap(minsz); err != nil {
			return nil, fmt.Errorf("mmap allocate error: %s", err)
		}
	}

	// Move the page id high water mark.
	db.rwtx.meta.pgid += pgid(count)

	return p, nil
}

// grow grows the size of the database file to the given size.
func (db *DB) grow(sz int) error {
	if sz <= db.filesz {
		return nil
	}

	if err := db.file.Truncate(int64(sz)); err != nil {
		return fmt.Errorf("file resize error: %s", err)
	}
	if err := db.file.Sync(); err != nil {
		return fmt.Errorf("file sync error: %s", err)
	}

	db.filesz = sz
	return nil
}

// Stats represents statistics about the database.
type Stats struct {
	// Freelist stats.
	FreePageN     int // total number of free pages on the freelist
	PendingPageN  int // total number of pending pages on the freelist
	FreeAlloc     int // total bytes allocated in free pages
	FreelistInuse int // total bytes used by the freelist

	// Transaction stats.
	TxN     int // total number of started read transactions
	OpenTxN int // number of currently open read transactions

	TxStats TxStats // global, ongoing stats
}

// Sub calculates and returns the difference between two sets of database
// stats. This is useful when obtaining stats at two different points in time
// and you need the performance counters that occurred within that time span.
func (s *Stats) Sub(other *Stats) Stats {
	if other == nil {
		return *s
	}
	var diff Stats
	diff.FreePageN = s.FreePageN
	diff.PendingPageN = s.PendingPageN
	diff.FreeAlloc = s.FreeAlloc
	diff.FreelistInuse = s.FreelistInuse
	diff.TxN = s.TxN - other.TxN
	diff.TxStats = s.TxStats.Sub(&other.TxStats)
	return diff
}

func _assert(condition bool, msg string, v ...any) {
	if !condition {
		panic(fmt.Sprintf("assertion failed: "+msg, v...))
	}
}
