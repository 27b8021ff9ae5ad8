package grovedb

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNode() *node {
	return &node{
		isLeaf: true,
		inodes: make(inodes, 0),
		bucket: &Bucket{
			bucketHeader: &bucketHeader{},
			tx:           &Tx{meta: &meta{pgid: 1}, db: &DB{pageSize: 4096}},
			FillPercent:  DefaultFillPercent,
		},
	}
}

func TestNode_Put(t *testing.T) {
	t.Parallel()
	n := testNode()

	n.put([]byte("baz"), []byte("baz"), []byte("2"), 0, 0)
	n.put([]byte("foo"), []byte("foo"), []byte("0"), 0, 0)
	n.put([]byte("bar"), []byte("bar"), []byte("1"), 0, 0)
	// Overwrite keeps a single entry.
	n.put([]byte("foo"), []byte("foo"), []byte("3"), 0, bucketLeafFlag)

	require.Len(t, n.inodes, 3)
	assert.Equal(t, "bar", string(n.inodes[0].key))
	assert.Equal(t, "1", string(n.inodes[0].value))
	assert.Equal(t, "baz", string(n.inodes[1].key))
	assert.Equal(t, "2", string(n.inodes[1].value))
	assert.Equal(t, "foo", string(n.inodes[2].key))
	assert.Equal(t, "3", string(n.inodes[2].value))
	assert.Equal(t, bucketLeafFlag, n.inodes[2].flags)
}

func TestNode_Del(t *testing.T) {
	t.Parallel()
	n := testNode()
	n.put([]byte("bar"), []byte("bar"), []byte("1"), 0, 0)
	n.put([]byte("foo"), []byte("foo"), []byte("2"), 0, 0)

	n.del([]byte("bar"))
	require.Len(t, n.inodes, 1)
	assert.Equal(t, "foo", string(n.inodes[0].key))
	assert.True(t, n.unbalanced)

	// Deleting a missing key is a no-op.
	n.del([]byte("nope"))
	require.Len(t, n.inodes, 1)
}

func TestNode_ReadLeafPage(t *testing.T) {
	t.Parallel()

	// Write a leaf, then decode it into a fresh node.
	src := testNode()
	src.put([]byte("bar"), []byte("bar"), []byte("1"), 0, 0)
	src.put([]byte("foo"), []byte("foo"), []byte("2"), 0, bucketLeafFlag)

	buf := make([]byte, 4096)
	p := (*page)(unsafe.Pointer(&buf[0]))
	p.id = 3
	src.write(p)

	n := testNode()
	n.read(p)

	assert.True(t, n.isLeaf)
	assert.Equal(t, pgid(3), n.pgid)
	require.Len(t, n.inodes, 2)
	assert.Equal(t, "bar", string(n.inodes[0].key))
	assert.Equal(t, "1", string(n.inodes[0].value))
	assert.Equal(t, "foo", string(n.inodes[1].key))
	assert.Equal(t, "2", string(n.inodes[1].value))
	assert.Equal(t, bucketLeafFlag, n.inodes[1].flags)
	assert.Equal(t, []byte("bar"), n.key)

	// Decoded inodes own their memory and survive the page being clobbered.
	for i := range buf {
		buf[i] = 0xFF
	}
	assert.Equal(t, "bar", string(n.inodes[0].key))
	assert.Equal(t, "2", string(n.inodes[1].value))
}

func TestNode_ReadBranchPage(t *testing.T) {
	t.Parallel()

	src := testNode()
	src.isLeaf = false
	src.bucket.tx.meta.pgid = 100
	src.put([]byte("bar"), []byte("bar"), nil, 5, 0)
	src.put([]byte("foo"), []byte("foo"), nil, 9, 0)

	buf := make([]byte, 4096)
	p := (*page)(unsafe.Pointer(&buf[0]))
	p.id = 2
	src.write(p)
	assert.Equal(t, branchPageFlag, p.flags&branchPageFlag)

	n := testNode()
	n.read(p)

	assert.False(t, n.isLeaf)
	require.Len(t, n.inodes, 2)
	assert.Equal(t, pgid(5), n.inodes[0].pgid)
	assert.Equal(t, pgid(9), n.inodes[1].pgid)
}

func TestNode_SplitTwo(t *testing.T) {
	t.Parallel()
	n := testNode()
	for _, k := range []string{"00000001", "00000002", "00000003", "00000004", "00000005"} {
		n.put([]byte(k), []byte(k), []byte("0123456701234567"), 0, 0)
	}

	// Split with a small threshold so the node splits in two.
	n.bucket.FillPercent = minFillPercent
	a, b := n.splitTwo(100)
	require.NotNil(t, b)
	assert.Equal(t, n, a)
	assert.Len(t, a.inodes, 2)
	assert.Len(t, b.inodes, 3)
	require.NotNil(t, a.parent)
	assert.Equal(t, a.parent, b.parent)
}

func TestNode_SplitTwo_FitsInPage(t *testing.T) {
	t.Parallel()
	n := testNode()
	for _, k := range []string{"00000001", "00000002", "00000003", "00000004", "00000005"} {
		n.put([]byte(k), []byte(k), []byte("0123456701234567"), 0, 0)
	}

	a, b := n.splitTwo(4096)
	assert.Equal(t, n, a)
	assert.Nil(t, b, "nodes that fit in a page are not split")
	assert.Nil(t, n.parent)
}

func TestNode_SplitTwo_MinKeys(t *testing.T) {
	t.Parallel()
	n := testNode()
	n.put([]byte("00000001"), []byte("00000001"), []byte("0123456701234567"), 0, 0)
	n.put([]byte("00000002"), []byte("00000002"), []byte("0123456701234567"), 0, 0)

	// Too few keys to split no matter the threshold.
	a, b := n.splitTwo(10)
	assert.Equal(t, n, a)
	assert.Nil(t, b)
}

func TestNode_Split_Multiple(t *testing.T) {
	t.Parallel()
	n := testNode()
	for i := 0; i < 100; i++ {
		k := []byte{'k', byte('0' + i/10), byte('0' + i%10)}
		n.put(k, k, []byte("0123456701234567"), 0, 0)
	}

	n.bucket.FillPercent = minFillPercent
	nodes := n.split(512)
	assert.Greater(t, len(nodes), 2)

	// All inodes are preserved, in order, across the split nodes.
	var total int
	var last []byte
	for _, node := range nodes {
		assert.GreaterOrEqual(t, len(node.inodes), minKeysPerPage)
		for _, in := range node.inodes {
			if last != nil {
				assert.Less(t, string(last), string(in.key))
			}
			last = in.key
		}
		total += len(node.inodes)
	}
	assert.Equal(t, 100, total)
}

func TestNode_Size(t *testing.T) {
	t.Parallel()
	n := testNode()
	assert.Equal(t, pageHeaderSize, n.size())

	n.put([]byte("foo"), []byte("foo"), []byte("barbaz"), 0, 0)
	want := pageHeaderSize + leafPageElementSize + 3 + 6
	assert.Equal(t, want, n.size())
	assert.True(t, n.sizeLessThan(want+1))
	assert.False(t, n.sizeLessThan(want))
}
