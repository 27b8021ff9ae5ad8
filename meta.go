package grovedb

import (
	"fmt"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// magic spells "grvd" and identifies a grovedb file.
const magic uint32 = 0x67727664

// version is the on-disk format version.
const version uint32 = 1

// meta is the database file header. Two copies live on pages 0 and 1 and a
// commit alternates between them, so a torn meta write always leaves the
// previous copy intact.
type meta struct {
	magic    uint32
	version  uint32
	pageSize uint32
	flags    uint32
	root     bucketHeader
	freelist pgid
	pgid     pgid
	txid     txid
	checksum uint64
}

// validate checks the marker bytes and version of the meta page and then
// verifies the checksum.
func (m *meta) validate() error {
	if m.magic != magic {
		return ErrInvalidMagicNumber
	} else if m.version != version {
		return ErrInvalidVersion
	} else if m.checksum != m.sum64() {
		return ErrInvalidChecksum
	}
	return nil
}

// copy copies one meta object to another.
func (m *meta) copy(dest *meta) {
	*dest = *m
}

// write writes the meta onto a page buffer. The destination slot is chosen
// by transaction id so consecutive commits alternate between pages 0 and 1.
func (m *meta) write(p *page) {
	if m.root.root >= m.pgid {
		panic(fmt.Sprintf("root bucket pgid (%d) above high water mark (%d)", m.root.root, m.pgid))
	} else if m.freelist >= m.pgid {
		panic(fmt.Sprintf("freelist pgid (%d) above high water mark (%d)", m.freelist, m.pgid))
	}

	p.id = pgid(m.txid % 2)
	p.flags |= metaPageFlag

	m.checksum = m.sum64()
	m.copy(p.meta())
}

// sum64 generates the checksum for the meta.
func (m *meta) sum64() uint64 {
	var h = xxhash.New()
	_, _ = h.Write((*[unsafe.Offsetof(meta{}.checksum)]byte)(unsafe.Pointer(m))[:])
	return h.Sum64()
}
