package grovedb

import (
	"fmt"
	"unsafe"
)

const pageHeaderSize = int(unsafe.Offsetof(((*page)(nil)).ptr))

const minKeysPerPage = 2

const (
	branchPageElementSize = int(unsafe.Sizeof(branchPageElement{}))
	leafPageElementSize   = int(unsafe.Sizeof(leafPageElement{}))
)

const (
	branchPageFlag   = uint16(0x01)
	leafPageFlag     = uint16(0x02)
	metaPageFlag     = uint16(0x04)
	freelistPageFlag = uint16(0x10)
)

// bucketLeafFlag marks a leaf element whose value is a serialized bucket
// header rather than user data.
const bucketLeafFlag = uint32(0x01)

type pgid uint64

// page is the in-memory view of an on-disk page. The header fields lie
// directly over the mapped bytes and ptr marks where the payload begins.
type page struct {
	id       pgid
	flags    uint16
	count    uint16
	overflow uint32
	ptr      uintptr
}

// typ returns a human readable page type string used for debugging.
func (p *page) typ() string {
	if (p.flags & branchPageFlag) != 0 {
		return "branch"
	} else if (p.flags & leafPageFlag) != 0 {
		return "leaf"
	} else if (p.flags & metaPageFlag) != 0 {
		return "meta"
	} else if (p.flags & freelistPageFlag) != 0 {
		return "freelist"
	}
	return fmt.Sprintf("unknown<%02x>", p.flags)
}

// meta returns a pointer to the metadata section of the page.
func (p *page) meta() *meta {
	return (*meta)(unsafe.Pointer(&p.ptr))
}

// leafPageElement retrieves the leaf node by index.
func (p *page) leafPageElement(index uint16) *leafPageElement {
	return &p.leafPageElements()[index]
}

// leafPageElements retrieves a list of leaf nodes.
func (p *page) leafPageElements() []leafPageElement {
	if p.count == 0 {
		return nil
	}
	return unsafe.Slice((*leafPageElement)(unsafe.Pointer(&p.ptr)), int(p.count))
}

// branchPageElement retrieves the branch node by index.
func (p *page) branchPageElement(index uint16) *branchPageElement {
	return &p.branchPageElements()[index]
}

// branchPageElements retrieves a list of branch nodes.
func (p *page) branchPageElements() []branchPageElement {
	if p.count == 0 {
		return nil
	}
	return unsafe.Slice((*branchPageElement)(unsafe.Pointer(&p.ptr)), int(p.count))
}

// branchPageElement represents a node on a branch page.
type branchPageElement struct {
	pos   uint32
	ksize uint32
	pgid  pgid
}

// key returns a byte slice of the node key.
func (n *branchPageElement) key() []byte {
	return unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(n), n.pos)), int(n.ksize))
}

// leafPageElement represents a node on a leaf page.
type leafPageElement struct {
	flags uint32
	pos   uint32
	ksize uint32
	vsize uint32
}

// key returns a byte slice of the node key.
func (n *leafPageElement) key() []byte {
	return unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(n), n.pos)), int(n.ksize))
}

// value returns a byte slice of the node value.
func (n *leafPageElement) value() []byte {
	return unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(n), n.pos+n.ksize)), int(n.vsize))
}
