package grovedb

import "errors"

//goland:noinspection GoUnusedGlobalVariable
var (
	ErrDatabaseNotOpen  = errors.New("database not open")
	ErrDatabaseReadOnly = errors.New("database is in read-only mode")
	ErrTimeout          = errors.New("timed out waiting for file lock")

	ErrInvalid            = errors.New("file is not a grovedb database")
	ErrInvalidMagicNumber = errors.New("invalid magic number")
	ErrInvalidVersion     = errors.New("version mismatch")
	ErrInvalidChecksum    = errors.New("checksum mismatch")
	ErrPageSizeMismatch   = errors.New("page size mismatch")

	ErrTxClosed      = errors.New("transaction has been committed or rolled back")
	ErrTxNotWritable = errors.New("transaction is read-only")
	ErrTxInProgress  = errors.New("write transaction already in progress")

	ErrBucketExists       = errors.New("bucket already exists")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrBucketNameRequired = errors.New("bucket name required")
	ErrIncompatibleValue  = errors.New("incompatible value")

	ErrKeyRequired   = errors.New("key required")
	ErrKeyTooLarge   = errors.New("key too large")
	ErrValueTooLarge = errors.New("value too large")
)
