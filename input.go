package s3directory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// IndexInput is the random-access read contract handed back by
// S3Directory.OpenInput, satisfied both by a plain local Input (Buffered and
// Synced files) and by S3IndexInput (Cached and Remote-only files).
type IndexInput interface {
	Read(p []byte) (int, error)
	ReadByte() (byte, error)
	Seek(pos int64) error
	Position() int64
	Length() int64
	Slice(desc string, offset, length int64) (IndexInput, error)
	Close() error
}

// S3IndexInput is a random-access reader over a remote object backed by a
// local sparse cache file: a read first ensures every block it spans is
// present (fetching on miss), then delegates to the local Input. Slices
// share the parent's block map, sparse file, and fetch deduper; only the
// sliceOffset translation and read position are independent.
type S3IndexInput struct {
	ctx    context.Context
	name   string
	store  ObjectStore
	logger *slog.Logger

	blockSize int64
	length    int64
	blocks    *blockMap
	sparse    *SparseFile
	reader    *Input

	sliceOffset int64
	isRoot      bool
	fetchGroup  *singleflight.Group
}

func newS3IndexInput(ctx context.Context, name string, store ObjectStore, blockSize, length int64, blocks *blockMap, sparse *SparseFile, logger *slog.Logger) (*S3IndexInput, error) {
	return &S3IndexInput{
		ctx:        ctx,
		name:       name,
		store:      store,
		logger:     logger,
		blockSize:  blockSize,
		length:     length,
		blocks:     blocks,
		sparse:     sparse,
		reader:     sparse.NewReader(),
		isRoot:     true,
		fetchGroup: &singleflight.Group{},
	}, nil
}

func (s *S3IndexInput) absoluteOffset() int64 { return s.sliceOffset + s.reader.Position() }

// ensureRange guarantees every block spanned by [startAbs, startAbs+n) is
// present in the sparse file before the caller reads it.
func (s *S3IndexInput) ensureRange(startAbs, n int64) error {
	if startAbs >= s.length {
		return nil
	}
	if startAbs+n > s.length {
		n = s.length - startAbs
	}
	if n <= 0 {
		return nil
	}
	first := startAbs / s.blockSize
	last := (startAbs + n - 1) / s.blockSize
	for idx := first; idx <= last; idx++ {
		if s.blocks.Has(idx) {
			continue
		}
		if err := s.fetchBlock(idx); err != nil {
			return err
		}
	}
	return nil
}

// fetchBlock deduplicates concurrent misses on the same (name, blockIdx)
// pair among a root reader and its slices, which share one fetch group: only
// one goroutine issues the GetRange, the rest wait on its result. Readers
// from separate OpenInput calls have separate groups and are not deduplicated
// against each other.
func (s *S3IndexInput) fetchBlock(idx int64) error {
	key := fmt.Sprintf("%s/%d", s.name, idx)
	_, err, _ := s.fetchGroup.Do(key, func() (interface{}, error) {
		if s.blocks.Has(idx) {
			return nil, nil
		}
		start := idx * s.blockSize
		n := s.blockSize
		if start+n > s.length {
			n = s.length - start
		}
		reqID := uuid.New()
		data, err := s.store.GetRange(s.ctx, s.name, start, n)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("block fetch failed", "request_id", reqID, "name", s.name, "block", idx, "error", err)
			}
			return nil, err
		}
		if int64(len(data)) != n {
			return nil, wrapErr("fetchBlock", s.name, KindConsistency, fmt.Errorf("expected %d bytes for block %d, got %d", n, idx, len(data)))
		}
		if err := s.sparse.WriteBlock(start, data); err != nil {
			return nil, err
		}
		s.blocks.Mark(idx)
		return nil, nil
	})
	return err
}

func (s *S3IndexInput) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := s.ensureRange(s.absoluteOffset(), int64(len(p))); err != nil {
		return 0, err
	}
	return s.reader.Read(p)
}

func (s *S3IndexInput) ReadByte() (byte, error) {
	if err := s.ensureRange(s.absoluteOffset(), 1); err != nil {
		return 0, err
	}
	return s.reader.ReadByte()
}

func (s *S3IndexInput) Seek(pos int64) error { return s.reader.Seek(pos) }
func (s *S3IndexInput) Position() int64      { return s.reader.Position() }
func (s *S3IndexInput) Length() int64        { return s.reader.Length() }

func (s *S3IndexInput) Slice(desc string, offset, length int64) (IndexInput, error) {
	child, err := s.reader.Slice(desc, offset, length)
	if err != nil {
		return nil, err
	}
	childReader, ok := child.(*Input)
	if !ok {
		return nil, wrapErr("Slice", s.name, KindInvalidState, fmt.Errorf("unexpected reader type %T", child))
	}
	return &S3IndexInput{
		ctx:         s.ctx,
		name:        s.name,
		store:       s.store,
		logger:      s.logger,
		blockSize:   s.blockSize,
		length:      s.length,
		blocks:      s.blocks,
		sparse:      s.sparse,
		reader:      childReader,
		sliceOffset: s.sliceOffset + offset,
		isRoot:      false,
		fetchGroup:  s.fetchGroup,
	}, nil
}

// Close closes the local reader window always, and the shared sparse file
// only when this is the root — slices never own the underlying handle.
func (s *S3IndexInput) Close() error {
	if err := s.reader.Close(); err != nil {
		return err
	}
	if s.isRoot {
		return s.sparse.Close()
	}
	return nil
}
