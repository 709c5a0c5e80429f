package s3directory

import (
	"bytes"
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDirectory(t *testing.T, store ObjectStore, blockSize int64) *S3Directory {
	t.Helper()
	d, err := newWithStore(context.Background(), Config{
		LocalCachePath: t.TempDir(),
		BlockSize:      blockSize,
	}, store)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

// patternBytes returns n bytes of i mod 251, the content used throughout the
// read tests so any offset's expected value is computable.
func patternBytes(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return data
}

func TestWriteCommitCycle(t *testing.T) {
	store := newMemStore()
	d := newTestDirectory(t, store, 1024)

	ramp := make([]byte, 256)
	for i := range ramp {
		ramp[i] = byte(i)
	}
	payload := bytes.Repeat(ramp, 10)
	out, err := d.CreateOutput("seg.fdt")
	require.NoError(t, err)
	_, err = out.Write(payload)
	require.NoError(t, err)
	require.NoError(t, out.Close())

	require.NoError(t, d.Sync([]string{"seg.fdt"}))

	remote, ok := store.bytesOf("seg.fdt")
	require.True(t, ok)
	assert.Equal(t, payload, remote)

	names, err := d.ListAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"seg.fdt"}, names)

	length, err := d.FileLength("seg.fdt")
	require.NoError(t, err)
	assert.Equal(t, int64(2560), length)
}

func TestSyncSkipsTempFiles(t *testing.T) {
	store := newMemStore()
	d := newTestDirectory(t, store, 1024)

	out, err := d.CreateTempOutput("merge", ".fdt")
	require.NoError(t, err)
	tempName := out.Name()
	assert.Equal(t, "tmp", tempName[len(tempName)-3:])
	_, err = out.Write([]byte("scratch"))
	require.NoError(t, err)
	require.NoError(t, out.Close())

	pending, err := d.CreateOutput("pending_segments_1")
	require.NoError(t, err)
	_, err = pending.Write([]byte("not yet"))
	require.NoError(t, err)
	require.NoError(t, pending.Close())

	require.NoError(t, d.Sync([]string{tempName, "pending_segments_1"}))
	_, ok := store.bytesOf(tempName)
	assert.False(t, ok, "temp file must never be uploaded")
	_, ok = store.bytesOf("pending_segments_1")
	assert.False(t, ok, "pending segments file must never be uploaded by sync")
}

func TestCreateTempOutputRetriesOnCollision(t *testing.T) {
	store := newMemStore()
	d := newTestDirectory(t, store, 1024)

	// Occupy the name the first counter value would produce.
	collider, err := d.cache.CreateOutput("merge_0.fdttmp")
	require.NoError(t, err)
	require.NoError(t, collider.Close())

	out, err := d.CreateTempOutput("merge", ".fdt")
	require.NoError(t, err)
	defer out.Close()
	assert.Equal(t, "merge_1.fdttmp", out.Name())
}

func TestListAllOrderingAndDedup(t *testing.T) {
	store := newMemStore()
	store.seed("zeta", []byte("z"))
	store.seed("alpha", []byte("a"))
	// A supplementary-plane name sorts before U+FFFD in UTF-16 code-unit
	// order even though raw UTF-8 byte order puts it after.
	store.seed("\U00010000", []byte("s"))
	store.seed("�", []byte("r"))
	d := newTestDirectory(t, store, 1024)

	out, err := d.CreateOutput("alpha") // same name buffered and remote
	require.NoError(t, err)
	require.NoError(t, out.Close())
	out2, err := d.CreateOutput("beta")
	require.NoError(t, err)
	require.NoError(t, out2.Close())

	names, err := d.ListAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta", "zeta", "\U00010000", "�"}, names)
}

func TestRenameVisibility(t *testing.T) {
	store := newMemStore()
	d := newTestDirectory(t, store, 1024)

	payload := bytes.Repeat([]byte{0xAA}, 100)
	out, err := d.CreateOutput("pending.seg")
	require.NoError(t, err)
	_, err = out.Write(payload)
	require.NoError(t, err)
	require.NoError(t, out.Close())
	require.NoError(t, d.Sync([]string{"pending.seg"}))

	require.NoError(t, d.Rename("pending.seg", "segments_1"))
	require.NoError(t, d.SyncMetaData())

	_, ok := store.bytesOf("segments_1")
	assert.True(t, ok)
	_, ok = store.bytesOf("pending.seg")
	assert.False(t, ok)

	names, err := d.ListAll()
	require.NoError(t, err)
	assert.Contains(t, names, "segments_1")
	assert.NotContains(t, names, "pending.seg")

	in, err := d.OpenInput("segments_1")
	require.NoError(t, err)
	defer in.Close()
	got := make([]byte, 100)
	_, err = in.Read(got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRenameBufferedUploadsAtSyncMetaData(t *testing.T) {
	store := newMemStore()
	d := newTestDirectory(t, store, 1024)

	out, err := d.CreateOutput("pending.seg")
	require.NoError(t, err)
	_, err = out.Write([]byte("commit point"))
	require.NoError(t, err)
	require.NoError(t, out.Close())

	require.NoError(t, d.Rename("pending.seg", "segments_2"))
	_, ok := store.bytesOf("segments_2")
	assert.False(t, ok, "rename alone must not upload a buffered file")

	require.NoError(t, d.SyncMetaData())
	remote, ok := store.bytesOf("segments_2")
	require.True(t, ok)
	assert.Equal(t, []byte("commit point"), remote)
	assert.True(t, d.isSynced("segments_2"))
	assert.False(t, d.isBuffered("segments_2"))
}

func TestRenameRemoteOnly(t *testing.T) {
	store := newMemStore()
	d := newTestDirectory(t, store, 1024)
	// Seeded after construction so the name has no local footprint at all.
	store.seed("old.cfs", []byte("remote bytes"))

	require.NoError(t, d.Rename("old.cfs", "new.cfs"))
	_, ok := store.bytesOf("new.cfs")
	assert.True(t, ok)
	_, ok = store.bytesOf("old.cfs")
	assert.False(t, ok)
}

func TestRenameCachedTransfersBlockMap(t *testing.T) {
	store := newMemStore()
	store.seed("x.fdx", patternBytes(3000))
	d := newTestDirectory(t, store, 1024)

	in, err := d.OpenInput("x.fdx")
	require.NoError(t, err)
	buf := make([]byte, 100)
	_, err = in.Read(buf)
	require.NoError(t, err)
	require.NoError(t, in.Close())
	require.True(t, d.isCached("x.fdx"))

	require.NoError(t, d.Rename("x.fdx", "y.fdx"))
	assert.False(t, d.isCached("x.fdx"))
	require.True(t, d.isCached("y.fdx"))

	bmAny, _ := d.cachedBlocks.Load("y.fdx")
	assert.True(t, bmAny.(*blockMap).Has(0), "block map moves with the rename")
	assert.True(t, d.cache.Exists("y.fdx"))
	assert.False(t, d.cache.Exists("x.fdx"))
}

func TestDeleteCachedFile(t *testing.T) {
	store := newMemStore()
	store.seed("x", patternBytes(5000))
	d := newTestDirectory(t, store, 1024)

	in, err := d.OpenInput("x")
	require.NoError(t, err)
	require.NoError(t, in.Seek(3200))
	buf := make([]byte, 10)
	_, err = in.Read(buf)
	require.NoError(t, err)
	require.NoError(t, in.Close())
	require.True(t, d.isCached("x"))

	require.NoError(t, d.DeleteFile("x"))
	assert.False(t, d.cache.Exists("x"))
	assert.False(t, d.isCached("x"))
	_, ok := store.bytesOf("x")
	assert.False(t, ok)

	_, err = d.OpenInput("x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDeleteBufferedNeverTouchesRemote(t *testing.T) {
	store := newMemStore()
	store.seed("keep", []byte("unrelated"))
	d := newTestDirectory(t, store, 1024)

	out, err := d.CreateOutput("scratch")
	require.NoError(t, err)
	require.NoError(t, out.Close())
	require.NoError(t, d.DeleteFile("scratch"))
	assert.False(t, d.cache.Exists("scratch"))
	_, ok := store.bytesOf("keep")
	assert.True(t, ok)
}

func TestFileLengthPerState(t *testing.T) {
	store := newMemStore()
	d := newTestDirectory(t, store, 1024)
	store.seed("remote.bin", patternBytes(4321))

	out, err := d.CreateOutput("local.bin")
	require.NoError(t, err)
	_, err = out.Write(make([]byte, 77))
	require.NoError(t, err)
	require.NoError(t, out.Close())

	n, err := d.FileLength("local.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(77), n)

	n, err = d.FileLength("remote.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(4321), n)

	// Opening the remote file makes it Cached; the sparse file is sized to
	// the remote length, so the answer is unchanged.
	in, err := d.OpenInput("remote.bin")
	require.NoError(t, err)
	require.NoError(t, in.Close())
	require.True(t, d.isCached("remote.bin"))
	n, err = d.FileLength("remote.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(4321), n)

	_, err = d.FileLength("missing.bin")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStateDisjointness(t *testing.T) {
	store := newMemStore()
	d := newTestDirectory(t, store, 1024)
	// Seeded after construction: pre-population would otherwise have already
	// moved the object to Cached.
	store.seed("cold.bin", patternBytes(2048))

	states := func(name string) int {
		n := 0
		if d.isBuffered(name) {
			n++
		}
		if d.isSynced(name) {
			n++
		}
		if d.isCached(name) {
			n++
		}
		return n
	}

	out, err := d.CreateOutput("f")
	require.NoError(t, err)
	require.NoError(t, out.Close())
	assert.Equal(t, 1, states("f"), "buffered")

	require.NoError(t, d.Sync([]string{"f"}))
	assert.Equal(t, 1, states("f"), "synced")

	assert.Equal(t, 0, states("cold.bin"), "remote-only has no local membership")
	in, err := d.OpenInput("cold.bin")
	require.NoError(t, err)
	require.NoError(t, in.Close())
	assert.Equal(t, 1, states("cold.bin"), "cached")
}

func TestPrePopulation(t *testing.T) {
	store := newMemStore()
	store.seed("small.si", patternBytes(600))  // one block
	store.seed("exact.si", patternBytes(1024)) // exactly one block
	store.seed("two.si", patternBytes(1800))   // two blocks
	d := newTestDirectory(t, store, 1024)

	expect := map[string][]int64{
		"small.si": {0},
		"exact.si": {0},
		"two.si":   {0, 1},
	}
	for name, blocks := range expect {
		bmAny, ok := d.cachedBlocks.Load(name)
		require.True(t, ok, name)
		bm := bmAny.(*blockMap)
		assert.Equal(t, len(blocks), bm.Len(), name)
		for _, idx := range blocks {
			assert.True(t, bm.Has(idx), "%s block %d", name, idx)
		}
	}

	// Reads confined to the warmed blocks issue no further range GETs.
	before := store.rangeCount("two.si")
	in, err := d.OpenInput("two.si")
	require.NoError(t, err)
	defer in.Close()
	buf := make([]byte, 100)
	_, err = in.Read(buf)
	require.NoError(t, err)
	require.NoError(t, in.Seek(1700))
	_, err = in.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, before, store.rangeCount("two.si"))
}

func TestClosedDirectoryRejectsOperations(t *testing.T) {
	store := newMemStore()
	d := newTestDirectory(t, store, 1024)
	require.NoError(t, d.Close())

	_, err := d.ListAll()
	assert.True(t, errors.Is(err, ErrInvalidState))
	_, err = d.CreateOutput("f")
	assert.True(t, errors.Is(err, ErrInvalidState))
	_, err = d.OpenInput("f")
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.True(t, errors.Is(d.Sync([]string{"f"}), ErrInvalidState))
	assert.True(t, errors.Is(d.Rename("a", "b"), ErrInvalidState))
	assert.True(t, errors.Is(d.SyncMetaData(), ErrInvalidState))
	assert.True(t, errors.Is(d.DeleteFile("f"), ErrInvalidState))
	assert.True(t, errors.Is(d.Close(), ErrInvalidState))
}

func TestGetPendingDeletionsAlwaysEmpty(t *testing.T) {
	store := newMemStore()
	store.seed("gone", []byte("x"))
	d := newTestDirectory(t, store, 1024)
	require.NoError(t, d.DeleteFile("gone"))
	assert.Empty(t, d.GetPendingDeletions())
}

func TestDisableCompoundFiles(t *testing.T) {
	d := newTestDirectory(t, newMemStore(), 1024)
	assert.True(t, d.DisableCompoundFiles())
}

func TestObtainLock(t *testing.T) {
	d := newTestDirectory(t, newMemStore(), 1024)
	l, err := d.ObtainLock("write.lock")
	require.NoError(t, err)
	defer l.Unlock()

	_, err = d.ObtainLock("write.lock")
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestClearBufferDirOnOpen(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(root+"/buffer", 0o755))
	require.NoError(t, os.WriteFile(root+"/buffer/orphan", []byte("stale"), 0o644))
	require.NoError(t, os.WriteFile(root+"/warm.fdt", []byte("keep"), 0o644))

	d, err := newWithStore(context.Background(), Config{LocalCachePath: root, BlockSize: 1024}, newMemStore())
	require.NoError(t, err)
	defer d.Close()

	_, err = os.Stat(root + "/buffer")
	assert.True(t, os.IsNotExist(err), "legacy buffer dir is cleared on open")
	_, err = os.Stat(root + "/warm.fdt")
	assert.NoError(t, err, "cache files survive restart as a warm cache")
}
