package grovedb

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucket_CreateAndGet(t *testing.T) {
	t.Parallel()
	db := setup(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("widgets"))
		require.NoError(t, err)
		require.NotNil(t, b)

		// The bucket is usable within the creating transaction.
		require.NoError(t, b.Put([]byte("foo"), []byte("bar")))
		assert.Equal(t, []byte("bar"), b.Get([]byte("foo")))
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("widgets"))
		require.NotNil(t, b)
		assert.Equal(t, []byte("bar"), b.Get([]byte("foo")))
		assert.Nil(t, b.Get([]byte("missing")))
		return nil
	}))
}

func TestBucket_CreateErrors(t *testing.T) {
	t.Parallel()
	db := setup(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("widgets"))
		require.NoError(t, err)

		_, err = tx.CreateBucket([]byte("widgets"))
		assert.ErrorIs(t, err, ErrBucketExists)

		_, err = tx.CreateBucket(nil)
		assert.ErrorIs(t, err, ErrBucketNameRequired)

		// A plain key blocks a bucket of the same name.
		require.NoError(t, tx.Root().Put([]byte("key"), []byte("value")))
		_, err = tx.CreateBucket([]byte("key"))
		assert.ErrorIs(t, err, ErrIncompatibleValue)
		return nil
	}))

	// Creation requires a writable transaction.
	require.NoError(t, db.View(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("nope"))
		assert.ErrorIs(t, err, ErrTxNotWritable)
		return nil
	}))
}

func TestBucket_CreateIfNotExists(t *testing.T) {
	t.Parallel()
	db := setup(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b1, err := tx.CreateBucketIfNotExists([]byte("widgets"))
		require.NoError(t, err)
		require.NoError(t, b1.Put([]byte("k"), []byte("v")))

		b2, err := tx.CreateBucketIfNotExists([]byte("widgets"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), b2.Get([]byte("k")))
		return nil
	}))
}

func TestBucket_PutErrors(t *testing.T) {
	t.Parallel()
	db := setup(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		require.NoError(t, err)

		assert.ErrorIs(t, b.Put(nil, []byte("v")), ErrKeyRequired)
		assert.ErrorIs(t, b.Put([]byte{}, []byte("v")), ErrKeyRequired)
		assert.ErrorIs(t, b.Put(make([]byte, MaxKeySize+1), []byte("v")), ErrKeyTooLarge)

		// A nested bucket name cannot be overwritten with a plain value.
		_, err = b.CreateBucket([]byte("nested"))
		require.NoError(t, err)
		assert.ErrorIs(t, b.Put([]byte("nested"), []byte("v")), ErrIncompatibleValue)
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		assert.ErrorIs(t, tx.Bucket([]byte("b")).Put([]byte("k"), []byte("v")), ErrTxNotWritable)
		return nil
	}))
}

func TestBucket_PutOverwrite(t *testing.T) {
	t.Parallel()
	db := setup(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		require.NoError(t, err)
		require.NoError(t, b.Put([]byte("k"), []byte("v1")))
		require.NoError(t, b.Put([]byte("k"), []byte("v2")))
		assert.Equal(t, []byte("v2"), b.Get([]byte("k")))
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		assert.Equal(t, []byte("v2"), tx.Bucket([]byte("b")).Get([]byte("k")))
		return nil
	}))
}

func TestBucket_Delete(t *testing.T) {
	t.Parallel()
	db := setup(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		require.NoError(t, err)
		require.NoError(t, b.Put([]byte("k"), []byte("v")))
		require.NoError(t, b.Delete([]byte("k")))
		assert.Nil(t, b.Get([]byte("k")))

		// Deleting a missing key is not an error.
		require.NoError(t, b.Delete([]byte("missing")))

		// Deleting a nested bucket through Delete is rejected.
		_, err = b.CreateBucket([]byte("nested"))
		require.NoError(t, err)
		assert.ErrorIs(t, b.Delete([]byte("nested")), ErrIncompatibleValue)
		return nil
	}))
}

func TestBucket_GetBucketValueIsNil(t *testing.T) {
	t.Parallel()
	db := setup(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		_, err := tx.CreateBucket([]byte("b"))
		require.NoError(t, err)

		// Get on a bucket name returns nil rather than the header bytes.
		assert.Nil(t, tx.Root().Get([]byte("b")))
		return nil
	}))
}

func TestBucket_Nested(t *testing.T) {
	t.Parallel()
	db := setup(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		users, err := tx.CreateBucket([]byte("users"))
		require.NoError(t, err)
		alice, err := users.CreateBucket([]byte("alice"))
		require.NoError(t, err)
		require.NoError(t, alice.Put([]byte("email"), []byte("alice@example.com")))

		deep, err := alice.CreateBucket([]byte("settings"))
		require.NoError(t, err)
		return deep.Put([]byte("theme"), []byte("dark"))
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		alice := tx.Bucket([]byte("users")).Bucket([]byte("alice"))
		require.NotNil(t, alice)
		assert.Equal(t, []byte("alice@example.com"), alice.Get([]byte("email")))
		assert.Equal(t, []byte("dark"), alice.Bucket([]byte("settings")).Get([]byte("theme")))

		// Path resolution fails at the first missing segment.
		assert.Nil(t, tx.Bucket([]byte("users")).Bucket([]byte("bob")))
		return nil
	}))
}

func TestBucket_DeleteBucket(t *testing.T) {
	t.Parallel()
	db := setup(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		users, err := tx.CreateBucket([]byte("users"))
		require.NoError(t, err)
		alice, err := users.CreateBucket([]byte("alice"))
		require.NoError(t, err)
		require.NoError(t, alice.Put([]byte("k"), []byte("v")))
		inner, err := alice.CreateBucket([]byte("inner"))
		require.NoError(t, err)
		return inner.Put([]byte("deep"), []byte("value"))
	}))

	require.NoError(t, db.Update(func(tx *Tx) error {
		// Recursively deletes all nested buckets.
		require.NoError(t, tx.Bucket([]byte("users")).DeleteBucket([]byte("alice")))
		assert.Nil(t, tx.Bucket([]byte("users")).Bucket([]byte("alice")))

		assert.ErrorIs(t, tx.Bucket([]byte("users")).DeleteBucket([]byte("alice")), ErrBucketNotFound)
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		assert.Nil(t, tx.Bucket([]byte("users")).Bucket([]byte("alice")))
		return nil
	}))

	// Deleting a plain key through DeleteBucket is rejected.
	require.NoError(t, db.Update(func(tx *Tx) error {
		require.NoError(t, tx.Root().Put([]byte("plain"), []byte("v")))
		assert.ErrorIs(t, tx.DeleteBucket([]byte("plain")), ErrIncompatibleValue)
		return nil
	}))
}

func TestBucket_InlinePromotion(t *testing.T) {
	t.Parallel()
	db := setup(t)

	// A small bucket is stored inline in its parent leaf.
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("small"))
		require.NoError(t, err)
		return b.Put([]byte("k"), []byte("v"))
	}))
	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("small"))
		require.NotNil(t, b)
		assert.Equal(t, pgid(0), b.root, "small bucket should be stored inline")
		assert.Equal(t, []byte("v"), b.Get([]byte("k")))
		return nil
	}))

	// Growing the bucket past the inline threshold promotes it to its own
	// root page.
	require.NoError(t, db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("small"))
		for i := 0; i < 64; i++ {
			if err := b.Put([]byte(fmt.Sprintf("key-%02d", i)), bytes.Repeat([]byte("x"), 64)); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("small"))
		require.NotNil(t, b)
		assert.NotEqual(t, pgid(0), b.root, "grown bucket should have its own root page")
		for i := 0; i < 64; i++ {
			assert.Equal(t, bytes.Repeat([]byte("x"), 64), b.Get([]byte(fmt.Sprintf("key-%02d", i))))
		}
		return nil
	}))

	// Shrinking it back below the threshold demotes it to inline again.
	require.NoError(t, db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("small"))
		for i := 0; i < 64; i++ {
			if err := b.Delete([]byte(fmt.Sprintf("key-%02d", i))); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("small"))
		require.NotNil(t, b)
		assert.Equal(t, pgid(0), b.root, "shrunk bucket should be inline again")
		assert.Equal(t, []byte("v"), b.Get([]byte("k")))
		return nil
	}))
}

func TestBucket_SubBucketForcesNonInline(t *testing.T) {
	t.Parallel()
	db := setup(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("parent"))
		require.NoError(t, err)
		_, err = b.CreateBucket([]byte("child"))
		return err
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("parent"))
		assert.NotEqual(t, pgid(0), b.root, "a bucket holding sub-buckets cannot be inline")
		require.NotNil(t, b.Bucket([]byte("child")))
		return nil
	}))
}

func TestBucket_Sequence(t *testing.T) {
	t.Parallel()
	db := setup(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		require.NoError(t, err)

		assert.Equal(t, uint64(0), b.Sequence())
		n, err := b.NextSequence()
		require.NoError(t, err)
		assert.Equal(t, uint64(1), n)
		n, err = b.NextSequence()
		require.NoError(t, err)
		assert.Equal(t, uint64(2), n)

		return b.SetSequence(1000)
	}))

	// Sequences are durable.
	path := db.Path()
	require.NoError(t, db.Close())
	db2, err := Open(path)
	require.NoError(t, err)
	defer db2.Close()

	require.NoError(t, db2.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		assert.Equal(t, uint64(1000), b.Sequence())
		n, err := b.NextSequence()
		require.NoError(t, err)
		assert.Equal(t, uint64(1001), n)
		return nil
	}))

	require.NoError(t, db2.View(func(tx *Tx) error {
		_, err := tx.Bucket([]byte("b")).NextSequence()
		assert.ErrorIs(t, err, ErrTxNotWritable)
		return nil
	}))
}

func TestBucket_ForEach(t *testing.T) {
	t.Parallel()
	db := setup(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		require.NoError(t, err)
		require.NoError(t, b.Put([]byte("bar"), []byte("2")))
		require.NoError(t, b.Put([]byte("foo"), []byte("1")))
		require.NoError(t, b.Put([]byte("baz"), []byte("3")))
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		var keys []string
		err := tx.Bucket([]byte("b")).ForEach(func(k, v []byte) error {
			keys = append(keys, string(k))
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"bar", "baz", "foo"}, keys, "iteration is in byte order")

		// Errors from the callback stop iteration.
		errStop := fmt.Errorf("stop")
		var n int
		err = tx.Bucket([]byte("b")).ForEach(func(k, v []byte) error {
			n++
			return errStop
		})
		assert.ErrorIs(t, err, errStop)
		assert.Equal(t, 1, n)
		return nil
	}))
}

func TestBucket_ForEachPrefix(t *testing.T) {
	t.Parallel()
	db := setup(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		require.NoError(t, err)
		for _, k := range []string{"app:1", "app:2", "app:3", "web:1", "web:2", "zzz"} {
			if err := b.Put([]byte(k), []byte("v")); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		var keys []string
		err := tx.Bucket([]byte("b")).ForEachPrefix([]byte("app:"), func(k, v []byte) error {
			keys = append(keys, string(k))
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"app:1", "app:2", "app:3"}, keys)
		return nil
	}))
}

func TestBucket_ForEachBucket(t *testing.T) {
	t.Parallel()
	db := setup(t)

	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		require.NoError(t, err)
		if _, err := b.CreateBucket([]byte("sub1")); err != nil {
			return err
		}
		if _, err := b.CreateBucket([]byte("sub2")); err != nil {
			return err
		}
		// Plain keys are skipped by ForEachBucket.
		return b.Put([]byte("plain"), []byte("v"))
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		var names []string
		err := tx.Bucket([]byte("b")).ForEachBucket(func(name []byte) error {
			names = append(names, string(name))
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"sub1", "sub2"}, names)
		return nil
	}))
}

func TestBucket_ManyKeysSplitAndMerge(t *testing.T) {
	t.Parallel()
	db := setup(t)

	const n = 2000

	// Enough keys to force the root to split into branches.
	require.NoError(t, db.Update(func(tx *Tx) error {
		b, err := tx.CreateBucket([]byte("b"))
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if err := b.Put([]byte(fmt.Sprintf("key-%06d", i)), []byte(fmt.Sprintf("val-%06d", i))); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		assert.Greater(t, treeDepth(b), 1, "tree should have split into branches")

		var i int
		err := b.ForEach(func(k, v []byte) error {
			assert.Equal(t, fmt.Sprintf("key-%06d", i), string(k))
			assert.Equal(t, fmt.Sprintf("val-%06d", i), string(v))
			i++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, n, i)
		return nil
	}))

	// Deleting most keys merges pages back down.
	require.NoError(t, db.Update(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		for i := 0; i < n-50; i++ {
			if err := b.Delete([]byte(fmt.Sprintf("key-%06d", i))); err != nil {
				return err
			}
		}
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		b := tx.Bucket([]byte("b"))
		var i int
		err := b.ForEach(func(k, v []byte) error {
			assert.Equal(t, fmt.Sprintf("key-%06d", n-50+i), string(k))
			i++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 50, i)
		assert.LessOrEqual(t, treeDepth(b), 2, "tree should have collapsed after deletions")
		return nil
	}))
}

// treeDepth walks the leftmost path of a bucket's tree.
func treeDepth(b *Bucket) int {
	if b.root == 0 {
		return 1
	}
	depth := 0
	id := b.root
	for {
		depth++
		n := b.loadNode(id)
		if n.isLeaf {
			return depth
		}
		id = n.inodes[0].pgid
	}
}

func TestBucket_RootSplitDepthDelta(t *testing.T) {
	t.Parallel()
	db := setup(t)

	put := func(from, to int) {
		require.NoError(t, db.Update(func(tx *Tx) error {
			b, err := tx.CreateBucketIfNotExists([]byte("b"))
			if err != nil {
				return err
			}
			for i := from; i < to; i++ {
				if err := b.Put([]byte(fmt.Sprintf("key-%06d", i)), []byte("0123456789abcdef")); err != nil {
					return err
				}
			}
			return nil
		}))
	}
	depth := func() int {
		var d int
		require.NoError(t, db.View(func(tx *Tx) error {
			d = treeDepth(tx.Bucket([]byte("b")))
			return nil
		}))
		return d
	}

	// 60 entries fit in a single root leaf.
	put(0, 60)
	d1 := depth()
	require.Equal(t, 1, d1)

	// Growing past one page splits the root leaf under a new branch root,
	// raising the height by exactly one.
	put(60, 180)
	d2 := depth()
	assert.Equal(t, d1+1, d2)

	// Growing past one page of branch elements splits the branch root the
	// same way.
	put(180, 8000)
	d3 := depth()
	assert.Equal(t, d2+1, d3)
}

func TestBucket_RootNamespaceShared(t *testing.T) {
	t.Parallel()
	db := setup(t)

	// Root keys and top-level bucket names share one keyspace.
	require.NoError(t, db.Update(func(tx *Tx) error {
		require.NoError(t, tx.Root().Put([]byte("config"), []byte("v")))
		_, err := tx.CreateBucket([]byte("config"))
		assert.ErrorIs(t, err, ErrIncompatibleValue)
		return nil
	}))

	require.NoError(t, db.View(func(tx *Tx) error {
		assert.Equal(t, []byte("v"), tx.Root().Get([]byte("config")))
		return nil
	}))
}
