// Package s3directory implements a file-namespace abstraction over
// S3-compatible object storage for an immutable, segment-based search index.
// Newly written files buffer on local disk until the engine commits them;
// remote files are read through a block-addressable sparse-file cache that
// fills lazily on miss.
package s3directory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"
)

// pendingSegmentsPrefix marks in-progress commit metadata written by the
// engine. Files carrying it stay Buffered until the engine renames them into
// their final segments name.
const pendingSegmentsPrefix = "pending_segments"

// S3Directory is the file-namespace facade over the hybrid three-tier store.
// Every logical file is in exactly one of four states — Buffered (local
// only), Synced (local and remote, local authoritative), Cached (remote,
// with some blocks in a local sparse file), Remote-only — and every
// directory operation routes to the tier that owns the name.
type S3Directory struct {
	ctx    context.Context
	store  ObjectStore
	cache  *FSCache
	logger *slog.Logger

	blockSize int64
	isOpen    atomic.Bool

	// buffered and cachedBlocks are touched on the hot read/write paths and
	// need atomic compute-if-absent; synced and renamed only change inside
	// sync/rename/syncMetaData and share one mutex.
	buffered     sync.Map // name -> struct{}
	cachedBlocks sync.Map // name -> *blockMap

	mu      sync.Mutex
	synced  map[string]struct{}
	renamed map[string]struct{}

	tempCounter atomic.Int64
}

// New opens a directory rooted at cfg.Bucket/cfg.Prefix with its local tiers
// under cfg.LocalCachePath, then warms the cache by pre-fetching the first
// and last block of every remote object. Pre-population failures are logged
// and never abort construction; cold reads fetch lazily.
func New(ctx context.Context, cfg Config) (*S3Directory, error) {
	concurrency := cfg.PrepopulateConcurrency
	if concurrency <= 0 {
		concurrency = DefaultPrepopulateConcurrency
	}
	store, err := newS3ObjectStoreFromConfig(ctx, cfg, concurrency)
	if err != nil {
		return nil, err
	}
	return newWithStore(ctx, cfg, store)
}

func newWithStore(ctx context.Context, cfg Config, store ObjectStore) (*S3Directory, error) {
	if cfg.LocalCachePath == "" {
		return nil, wrapErr("New", "", KindInvalidState, fmt.Errorf("LocalCachePath is required"))
	}
	cache, err := NewFSCache(cfg.LocalCachePath)
	if err != nil {
		return nil, err
	}
	if err := cache.ClearBufferDir(); err != nil {
		return nil, err
	}
	blockSize := cfg.BlockSize
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	d := &S3Directory{
		ctx:       ctx,
		store:     store,
		cache:     cache,
		logger:    cfg.Logger,
		blockSize: blockSize,
		synced:    make(map[string]struct{}),
		renamed:   make(map[string]struct{}),
	}
	d.isOpen.Store(true)

	concurrency := cfg.PrepopulateConcurrency
	if concurrency <= 0 {
		concurrency = DefaultPrepopulateConcurrency
	}
	d.prePopulate(ctx, concurrency)
	return d, nil
}

func (d *S3Directory) checkOpen(op, name string) error {
	if !d.isOpen.Load() {
		return wrapErr(op, name, KindInvalidState, ErrDirectoryShut)
	}
	return nil
}

// prePopulate fetches block 0 and, for multi-block objects, the last block
// of every remote object. Those blocks hold the segment header and checksum
// footer, so nearly every first read lands on them; warming them in parallel
// amortizes the round trips. Everything in between stays on demand.
func (d *S3Directory) prePopulate(ctx context.Context, concurrency int) {
	objs, err := d.store.List(ctx)
	if err != nil {
		if d.logger != nil {
			d.logger.Warn("pre-populate list failed, cache starts cold", "error", err)
		}
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, obj := range objs {
		obj := obj
		if obj.Size == 0 {
			continue
		}
		g.Go(func() error {
			if err := d.warmObject(gctx, obj); err != nil && d.logger != nil {
				d.logger.Warn("pre-populate failed for object", "name", obj.Name, "error", err)
			}
			return nil
		})
	}
	g.Wait()
}

func (d *S3Directory) warmObject(ctx context.Context, obj ObjectInfo) error {
	sparse, err := d.cache.OpenSparse(obj.Name, obj.Size)
	if err != nil {
		return err
	}
	defer sparse.Close()

	bmAny, _ := d.cachedBlocks.LoadOrStore(obj.Name, newBlockMap())
	bm := bmAny.(*blockMap)

	fetch := func(idx int64) error {
		if bm.Has(idx) {
			return nil
		}
		start := idx * d.blockSize
		n := d.blockSize
		if start+n > obj.Size {
			n = obj.Size - start
		}
		data, err := d.store.GetRange(ctx, obj.Name, start, n)
		if err != nil {
			return err
		}
		if int64(len(data)) != n {
			return wrapErr("warmObject", obj.Name, KindConsistency, fmt.Errorf("expected %d bytes for block %d, got %d", n, idx, len(data)))
		}
		if err := sparse.WriteBlock(start, data); err != nil {
			return err
		}
		bm.Mark(idx)
		return nil
	}

	if err := fetch(0); err != nil {
		return err
	}
	if last := (obj.Size - 1) / d.blockSize; last > 0 {
		return fetch(last)
	}
	return nil
}

// ListAll returns the union of remote objects and Buffered names, without
// duplicates, in UTF-16 code-unit order.
func (d *S3Directory) ListAll() ([]string, error) {
	if err := d.checkOpen("ListAll", ""); err != nil {
		return nil, err
	}
	objs, err := d.store.List(d.ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(objs))
	names := make([]string, 0, len(objs))
	for _, obj := range objs {
		if _, dup := seen[obj.Name]; !dup {
			seen[obj.Name] = struct{}{}
			names = append(names, obj.Name)
		}
	}
	d.buffered.Range(func(k, _ any) bool {
		name := k.(string)
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			names = append(names, name)
		}
		return true
	})
	sortUTF16(names)
	return names, nil
}

func (d *S3Directory) isBuffered(name string) bool {
	_, ok := d.buffered.Load(name)
	return ok
}

func (d *S3Directory) isSynced(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.synced[name]
	return ok
}

func (d *S3Directory) isCached(name string) bool {
	_, ok := d.cachedBlocks.Load(name)
	return ok
}

// FileLength returns the logical length of name. Any local state answers
// from disk — a Cached sparse file is sized to the remote length, so its
// stat is just as authoritative — otherwise the remote store is asked.
func (d *S3Directory) FileLength(name string) (int64, error) {
	if err := d.checkOpen("FileLength", name); err != nil {
		return 0, err
	}
	if d.isBuffered(name) || d.isSynced(name) || d.isCached(name) {
		return d.cache.FileLength(name)
	}
	return d.store.Head(d.ctx, name)
}

// CreateOutput opens a Buffered writer for name. The file lives only on
// local disk until Sync or SyncMetaData uploads it.
func (d *S3Directory) CreateOutput(name string) (*Output, error) {
	if err := d.checkOpen("CreateOutput", name); err != nil {
		return nil, err
	}
	out, err := d.cache.CreateOutput(name)
	if err != nil {
		return nil, err
	}
	d.buffered.Store(name, struct{}{})
	return out, nil
}

// CreateTempOutput opens a Buffered writer under a counter-derived name of
// the form <prefix>_<counter><suffix>tmp, retrying the counter on collision
// with a file already on disk.
func (d *S3Directory) CreateTempOutput(prefix, suffix string) (*Output, error) {
	if err := d.checkOpen("CreateTempOutput", prefix); err != nil {
		return nil, err
	}
	for {
		name := fmt.Sprintf("%s_%d%stmp", prefix, d.tempCounter.Add(1)-1, suffix)
		out, err := d.cache.createOutputExclusive(name)
		if err != nil {
			if isExist(err) {
				continue
			}
			return nil, wrapErr("CreateTempOutput", name, KindLocalIO, err)
		}
		d.buffered.Store(name, struct{}{})
		return out, nil
	}
}

// OpenInput returns a random-access reader over name. Buffered and Synced
// files are fully present locally and read directly; anything else goes
// through an S3IndexInput, transitioning Remote-only to Cached on the first
// open.
func (d *S3Directory) OpenInput(name string) (IndexInput, error) {
	if err := d.checkOpen("OpenInput", name); err != nil {
		return nil, err
	}
	if d.isBuffered(name) || d.isSynced(name) {
		return d.cache.OpenInput(name)
	}
	length, err := d.store.Head(d.ctx, name)
	if err != nil {
		return nil, err
	}
	bmAny, _ := d.cachedBlocks.LoadOrStore(name, newBlockMap())
	bm := bmAny.(*blockMap)
	sparse, err := d.cache.OpenSparse(name, length)
	if err != nil {
		return nil, err
	}
	return newS3IndexInput(d.ctx, name, d.store, d.blockSize, length, bm, sparse, d.logger)
}

func isTempName(name string) bool {
	return strings.HasSuffix(name, "tmp") || strings.HasPrefix(name, pendingSegmentsPrefix)
}

// Sync uploads the named Buffered files and moves them to Synced. Temp
// files are silently skipped; the engine discards them when it abandons a
// segment, so they must never reach the remote store.
func (d *S3Directory) Sync(names []string) error {
	if err := d.checkOpen("Sync", ""); err != nil {
		return err
	}
	var items []UploadItem
	for _, name := range names {
		if isTempName(name) || !d.isBuffered(name) {
			continue
		}
		items = append(items, UploadItem{Name: name, LocalPath: d.cache.ResolvePath(name)})
	}
	if len(items) == 0 {
		return nil
	}
	if err := d.store.BulkUpload(d.ctx, items); err != nil {
		return err
	}
	for _, it := range items {
		d.markSynced(it.Name)
	}
	return nil
}

func (d *S3Directory) markSynced(name string) {
	d.buffered.Delete(name)
	d.mu.Lock()
	d.synced[name] = struct{}{}
	d.mu.Unlock()
}

// Rename moves from to to in whichever tier owns it, and enqueues to for
// the next SyncMetaData. Remote movement is copy+delete; the versioned-retry
// read path masks the window in which the two halves have propagated
// asymmetrically.
func (d *S3Directory) Rename(from, to string) error {
	if err := d.checkOpen("Rename", from); err != nil {
		return err
	}
	switch {
	case d.isBuffered(from):
		if err := d.cache.Rename(from, to); err != nil {
			return err
		}
		d.buffered.Delete(from)
		d.buffered.Store(to, struct{}{})

	case d.isSynced(from):
		if err := d.cache.Rename(from, to); err != nil {
			return err
		}
		if err := d.renameRemote(from, to); err != nil {
			return err
		}
		d.mu.Lock()
		delete(d.synced, from)
		d.synced[to] = struct{}{}
		d.mu.Unlock()

	case d.isCached(from):
		if err := d.cache.Rename(from, to); err != nil {
			return err
		}
		if err := d.renameRemote(from, to); err != nil {
			return err
		}
		if bm, ok := d.cachedBlocks.LoadAndDelete(from); ok {
			d.cachedBlocks.Store(to, bm)
		}

	default:
		if err := d.renameRemote(from, to); err != nil {
			return err
		}
	}
	d.mu.Lock()
	d.renamed[to] = struct{}{}
	d.mu.Unlock()
	return nil
}

func (d *S3Directory) renameRemote(from, to string) error {
	if err := d.store.Copy(d.ctx, from, to); err != nil {
		return err
	}
	return d.store.Delete(d.ctx, from)
}

// SyncMetaData uploads every renamed name that is still Buffered, then
// clears the rename queue. The engine's commit sequence renames its pending
// segments file into the final segments name as the visibility barrier;
// uploading at that barrier gives the remote store the same commit point.
func (d *S3Directory) SyncMetaData() error {
	if err := d.checkOpen("SyncMetaData", ""); err != nil {
		return err
	}
	d.mu.Lock()
	pending := make([]string, 0, len(d.renamed))
	for name := range d.renamed {
		pending = append(pending, name)
	}
	d.renamed = make(map[string]struct{})
	d.mu.Unlock()

	var items []UploadItem
	for _, name := range pending {
		if d.isBuffered(name) {
			items = append(items, UploadItem{Name: name, LocalPath: d.cache.ResolvePath(name)})
		}
	}
	if len(items) == 0 {
		return nil
	}
	if err := d.store.BulkUpload(d.ctx, items); err != nil {
		return err
	}
	for _, it := range items {
		d.markSynced(it.Name)
	}
	return nil
}

// DeleteFile removes name from its owning tier, dropping the local file and
// block map where present and deleting the remote object for any state that
// ever touched remote. Delete of a missing remote key is idempotent.
func (d *S3Directory) DeleteFile(name string) error {
	if err := d.checkOpen("DeleteFile", name); err != nil {
		return err
	}
	if _, wasBuffered := d.buffered.LoadAndDelete(name); wasBuffered {
		return d.cache.Delete(name)
	}
	d.mu.Lock()
	_, wasSynced := d.synced[name]
	delete(d.synced, name)
	delete(d.renamed, name)
	d.mu.Unlock()
	if wasSynced {
		if err := d.cache.Delete(name); err != nil {
			return err
		}
		return d.store.Delete(d.ctx, name)
	}
	if _, wasCached := d.cachedBlocks.LoadAndDelete(name); wasCached {
		if err := d.cache.Delete(name); err != nil {
			return err
		}
	}
	return d.store.Delete(d.ctx, name)
}

// ObtainLock takes the engine's advisory write lock on name in the local
// cache directory.
func (d *S3Directory) ObtainLock(name string) (*flock.Flock, error) {
	if err := d.checkOpen("ObtainLock", name); err != nil {
		return nil, err
	}
	return d.cache.ObtainLock(name)
}

// GetPendingDeletions is always empty: deletions are applied immediately,
// never deferred.
func (d *S3Directory) GetPendingDeletions() []string { return nil }

// DisableCompoundFiles advises the engine layer to keep compound segment
// files off so every logical file remains independently rangeable. The
// directory never merges segments itself.
func (d *S3Directory) DisableCompoundFiles() bool { return true }

// Close clears every in-memory set and closes both tiers. Every operation
// after Close fails with an InvalidState error.
func (d *S3Directory) Close() error {
	if !d.isOpen.CompareAndSwap(true, false) {
		return wrapErr("Close", "", KindInvalidState, ErrDirectoryShut)
	}
	d.buffered.Range(func(k, _ any) bool {
		d.buffered.Delete(k)
		return true
	})
	d.cachedBlocks.Range(func(k, _ any) bool {
		d.cachedBlocks.Delete(k)
		return true
	})
	d.mu.Lock()
	d.synced = make(map[string]struct{})
	d.renamed = make(map[string]struct{})
	d.mu.Unlock()
	if err := d.cache.Close(); err != nil {
		return err
	}
	return d.store.Close()
}
