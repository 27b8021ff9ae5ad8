package grovedb

import (
	"bytes"
	"fmt"
	"sort"
)

// Cursor represents an iterator that can traverse over all key/value pairs
// in a bucket in sorted order.
// Cursors see nested buckets with value == nil.
// Cursors can be obtained from a transaction and are valid as long as the
// transaction is open.
//
// Keys and values returned from the cursor are only valid for the life of
// the transaction.
//
// Changing data while traversing with a cursor may cause it to be
// invalidated and return unexpected keys and/or values. You must reposition
// your cursor after mutating data.
type Cursor struct {
	bucket *Bucket
	stack  []elemRef
}

// Bucket returns the bucket that this cursor was created from.
func (c *Cursor) Bucket() *Bucket {
	return c.bucket
}

// First moves the cursor to the first item in the bucket and returns its
// key and value. If the bucket is empty then a nil key and value are
// returned.
func (c *Cursor) First() (key []byte, value []byte) {
	k, v, flags := c.first()
	if (flags & bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

func (c *Cursor) first() (key []byte, value []byte, flags uint32) {
	_assert(c.bucket.tx.db != nil, "tx closed")
	c.stack = c.stack[:0]
	n := c.bucket.loadNode(c.bucket.root)
	c.stack = append(c.stack, elemRef{node: n, index: 0})
	c.toFirstLeaf()

	// If we land on an empty page then move to the next value.
	if c.stack[len(c.stack)-1].count() == 0 {
		return c.next()
	}

	return c.keyValue()
}

// Last moves the cursor to the last item in the bucket and returns its key
// and value. If the bucket is empty then a nil key and value are returned.
func (c *Cursor) Last() (key []byte, value []byte) {
	k, v, flags := c.last()
	if (flags & bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

func (c *Cursor) last() (key []byte, value []byte, flags uint32) {
	_assert(c.bucket.tx.db != nil, "tx closed")
	c.stack = c.stack[:0]
	n := c.bucket.loadNode(c.bucket.root)
	ref := elemRef{node: n}
	ref.index = ref.count() - 1
	c.stack = append(c.stack, ref)
	c.toLastLeaf()

	// If we land on an empty page then move to the previous value.
	if c.stack[len(c.stack)-1].count() == 0 {
		return c.prev()
	}

	return c.keyValue()
}

// Next moves the cursor to the next item in the bucket and returns its key
// and value. If the cursor is at the end of the bucket then a nil key and
// value are returned.
func (c *Cursor) Next() (key []byte, value []byte) {
	k, v, flags := c.next()
	if (flags & bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

// Prev moves the cursor to the previous item in the bucket and returns its
// key and value. If the cursor is at the beginning of the bucket then a nil
// key and value are returned.
func (c *Cursor) Prev() (key []byte, value []byte) {
	k, v, flags := c.prev()
	if (flags & bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

// Seek moves the cursor to a given key and returns it.
// If the key does not exist then the next key is used. If no keys
// follow, a nil key is returned.
func (c *Cursor) Seek(seek []byte) (key []byte, value []byte) {
	k, v, flags := c.seek(seek)

	// If we ended up after the last element of a page then move to the next one.
	if ref := &c.stack[len(c.stack)-1]; ref.index >= ref.count() {
		k, v, flags = c.next()
	}

	if k == nil {
		return nil, nil
	} else if (flags & bucketLeafFlag) != 0 {
		return k, nil
	}
	return k, v
}

// Delete removes the current key/value under the cursor from the bucket.
// Delete fails if the current key/value is a bucket or if the transaction
// is not writable.
func (c *Cursor) Delete() error {
	if c.bucket.tx.db == nil {
		return ErrTxClosed
	} else if !c.bucket.Writable() {
		return ErrTxNotWritable
	}

	key, _, flags := c.keyValue()
	if key == nil {
		return nil
	}

	// Return an error if current value is a bucket.
	if (flags & bucketLeafFlag) != 0 {
		return ErrIncompatibleValue
	}
	c.node().del(key)

	return nil
}

// seek moves the cursor to a given key and returns it.
// If the key does not exist then the next key is used.
func (c *Cursor) seek(seek []byte) (key []byte, value []byte, flags uint32) {
	_assert(c.bucket.tx.db != nil, "tx closed")

	// Start from root page/node and traverse to correct page.
	c.stack = c.stack[:0]
	c.search(seek, c.bucket.root)

	// If this is a bucket then return a nil value.
	return c.keyValue()
}

// toFirstLeaf moves the cursor to the first leaf element under the last
// node in the stack.
func (c *Cursor) toFirstLeaf() {
	for {
		// Exit when we hit a leaf node.
		ref := &c.stack[len(c.stack)-1]
		if ref.isLeaf() {
			break
		}

		// Keep adding nodes to the stack until we find the first leaf.
		n := c.bucket.loadNode(ref.node.inodes[ref.index].pgid)
		c.stack = append(c.stack, elemRef{node: n, index: 0})
	}
}

// toLastLeaf moves the cursor to the last leaf element under the last node
// in the stack.
func (c *Cursor) toLastLeaf() {
	for {
		// Exit when we hit a leaf node.
		ref := &c.stack[len(c.stack)-1]
		if ref.isLeaf() {
			break
		}

		// Keep adding nodes to the stack until we find the last leaf.
		n := c.bucket.loadNode(ref.node.inodes[ref.index].pgid)
		nextRef := elemRef{node: n}
		nextRef.index = nextRef.count() - 1
		c.stack = append(c.stack, nextRef)
	}
}

// next moves to the next leaf element and returns the key and value.
// If the cursor is at the last leaf element then it stays there and
// returns nil.
func (c *Cursor) next() (key []byte, value []byte, flags uint32) {
	for {
		// Attempt to move over one element until we're successful.
		// Move up the stack as we hit the end of each page in our stack.
		var i int
		for i = len(c.stack) - 1; i >= 0; i-- {
			elem := &c.stack[i]
			if elem.index < elem.count()-1 {
				elem.index++
				break
			}
		}

		// If we've hit the root page then stop and return. This will leave
		// the cursor on the last element of the last page.
		if i == -1 {
			return nil, nil, 0
		}

		// Otherwise start from where we left off in the stack and find the
		// first element of the first leaf page.
		c.stack = c.stack[:i+1]
		c.toFirstLeaf()

		// If this is an empty page then restart and move back up the stack.
		if c.stack[len(c.stack)-1].count() == 0 {
			continue
		}

		return c.keyValue()
	}
}

// prev moves the cursor to the previous leaf element and returns the key
// and value. If the cursor is at the first leaf element then it stays
// there and returns nil.
func (c *Cursor) prev() (key []byte, value []byte, flags uint32) {
	for {
		// Attempt to move back one element until we're successful.
		// Move up the stack as we hit the beginning of each page in our stack.
		var i int
		for i = len(c.stack) - 1; i >= 0; i-- {
			elem := &c.stack[i]
			if elem.index > 0 {
				elem.index--
				break
			}
			// The index can be out of bounds if the node was an empty leaf.
			c.stack[i].index = 0
		}

		// If we've hit the beginning, return nil.
		if i == -1 {
			return nil, nil, 0
		}

		// Otherwise start from where we left off in the stack and find the
		// last element of the last leaf page.
		c.stack = c.stack[:i+1]
		c.toLastLeaf()

		// If this is an empty page then restart and move back up the stack.
		if c.stack[len(c.stack)-1].count() == 0 {
			continue
		}

		return c.keyValue()
	}
}

// search recursively performs a binary search against a given page/node
// until it finds a given key.
func (c *Cursor) search(key []byte, id pgid) {
	n := c.bucket.loadNode(id)
	e := elemRef{node: n}
	c.stack = append(c.stack, e)

	// If we're on a leaf node then find the specific element.
	if e.isLeaf() {
		c.nsearch(key)
		return
	}
	c.searchNode(key, n)
}

func (c *Cursor) searchNode(key []byte, n *node) {
	index := sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, key) != -1
	})

	// The separator is the first key of the child subtree, so if the match
	// isn't exact we descend into the previous child.
	exact := index < len(n.inodes) && bytes.Equal(n.inodes[index].key, key)
	if !exact && index > 0 {
		index--
	}
	c.stack[len(c.stack)-1].index = index

	// Recursively search to the next page.
	c.search(key, n.inodes[index].pgid)
}

// nsearch searches the leaf node on the top of the stack for a key.
func (c *Cursor) nsearch(key []byte) {
	e := &c.stack[len(c.stack)-1]
	n := e.node

	index := sort.Search(len(n.inodes), func(i int) bool {
		return bytes.Compare(n.inodes[i].key, key) != -1
	})
	e.index = index
}

// keyValue returns the key and value of the current leaf element.
func (c *Cursor) keyValue() ([]byte, []byte, uint32) {
	ref := &c.stack[len(c.stack)-1]
	if ref.count() == 0 || ref.index >= ref.count() {
		return nil, nil, 0
	}

	in := &ref.node.inodes[ref.index]
	return in.key, in.value, in.flags
}

// node returns the node that the cursor is currently positioned on,
// materializing a mutable copy of the path if the cursor descended through
// shared read-only nodes.
func (c *Cursor) node() *node {
	_assert(len(c.stack) > 0, "accessing a node with a zero-length cursor stack")

	// If the top of the stack is a leaf node owned by this bucket then just
	// return it.
	if ref := &c.stack[len(c.stack)-1]; ref.node.bucket == c.bucket && ref.isLeaf() {
		return ref.node
	}

	// Start from root and traverse down the hierarchy.
	var n *node
	if top := c.stack[0].node; top.bucket == c.bucket {
		n = top
	} else {
		n = c.bucket.node(top.pgid, nil)
	}
	for _, ref := range c.stack[:len(c.stack)-1] {
		_assert(!n.isLeaf, "expected branch node")
		n = n.childAt(ref.index)
	}
	_assert(n.isLeaf, "expected leaf node")
	return n
}

// elemRef represents a reference to an element on a given node.
type elemRef struct {
	node  *node
	index int
}

// isLeaf returns whether the ref is pointing at a leaf node.
func (r *elemRef) isLeaf() bool {
	if r.node == nil {
		panic(fmt.Sprintf("elemRef has no node: %v", r))
	}
	return r.node.isLeaf
}

// count returns the number of inodes on the node.
func (r *elemRef) count() int {
	if r.node == nil {
		panic(fmt.Sprintf("elemRef has no node: %v", r))
	}
	return len(r.node.inodes)
}
