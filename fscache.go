package s3directory

import (
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// FSCache is the local-disk half of the hybrid store: a flat directory
// holding one regular file per Buffered/Synced name and one sparse,
// read-write file per Cached name. It never interprets "/" in a name as a
// path separator beyond what filepath.Join already does to reach the cache
// root; the namespace above it is flat.
type FSCache struct {
	root string
}

func NewFSCache(root string) (*FSCache, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, wrapErr("NewFSCache", root, KindLocalIO, err)
	}
	return &FSCache{root: root}, nil
}

func (c *FSCache) ResolvePath(name string) string {
	return filepath.Join(c.root, name)
}

func (c *FSCache) ListAll() ([]string, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return nil, wrapErr("ListAll", "", KindLocalIO, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (c *FSCache) Exists(name string) bool {
	_, err := os.Stat(c.ResolvePath(name))
	return err == nil
}

func (c *FSCache) FileLength(name string) (int64, error) {
	fi, err := os.Stat(c.ResolvePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, wrapErr("FileLength", name, KindNotFound, err)
		}
		return 0, wrapErr("FileLength", name, KindLocalIO, err)
	}
	return fi.Size(), nil
}

func (c *FSCache) Delete(name string) error {
	if err := os.Remove(c.ResolvePath(name)); err != nil && !os.IsNotExist(err) {
		return wrapErr("Delete", name, KindLocalIO, err)
	}
	return nil
}

func (c *FSCache) Rename(from, to string) error {
	if err := os.Rename(c.ResolvePath(from), c.ResolvePath(to)); err != nil {
		return wrapErr("Rename", from, KindLocalIO, err)
	}
	return nil
}

// ObtainLock takes an advisory, non-blocking lock on name, the engine's
// write lock. Held locks are reported as InvalidState, not a distinct kind,
// since from the caller's perspective this directory simply isn't writable
// right now.
func (c *FSCache) ObtainLock(name string) (*flock.Flock, error) {
	l := flock.New(c.ResolvePath(name))
	ok, err := l.TryLock()
	if err != nil {
		return nil, wrapErr("ObtainLock", name, KindLocalIO, err)
	}
	if !ok {
		return nil, wrapErr("ObtainLock", name, KindInvalidState, fmt.Errorf("lock %q already held", name))
	}
	return l, nil
}

func (c *FSCache) Close() error { return nil }

// ClearBufferDir removes the legacy "buffer" subdirectory left behind by
// older layouts that segregated un-synced files from cache files. Orphans in
// it were never uploaded and are unrecoverable; sparse cache files at the
// root are kept as a best-effort warm cache.
func (c *FSCache) ClearBufferDir() error {
	if err := os.RemoveAll(filepath.Join(c.root, "buffer")); err != nil {
		return wrapErr("ClearBufferDir", "", KindLocalIO, err)
	}
	return nil
}

func isExist(err error) bool { return errors.Is(err, fs.ErrExist) }

// CreateOutput truncates-and-creates name for writing; used for regular
// Buffered files.
func (c *FSCache) CreateOutput(name string) (*Output, error) {
	f, err := os.OpenFile(c.ResolvePath(name), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, wrapErr("CreateOutput", name, KindLocalIO, err)
	}
	return &Output{f: f, name: name, crc: crc32.NewIEEE()}, nil
}

// createOutputExclusive creates name only if it does not already exist,
// returning the raw *os.PathError unwrapped so callers can distinguish
// "already exists" (retry with a new name) from any other failure.
func (c *FSCache) createOutputExclusive(name string) (*Output, error) {
	f, err := os.OpenFile(c.ResolvePath(name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Output{f: f, name: name, crc: crc32.NewIEEE()}, nil
}

// OpenInput opens name for sequential/random read access. Used directly for
// Buffered and Synced files, which are fully present on disk already.
func (c *FSCache) OpenInput(name string) (*Input, error) {
	f, err := os.Open(c.ResolvePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, wrapErr("OpenInput", name, KindNotFound, err)
		}
		return nil, wrapErr("OpenInput", name, KindLocalIO, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, wrapErr("OpenInput", name, KindLocalIO, err)
	}
	return &Input{f: f, owner: true, length: fi.Size()}, nil
}

// OpenSparse opens (creating if absent) a read-write sparse file sized to
// length, for Cached files. Growing or shrinking to length is done by a
// single WriteAt/Truncate at construction; every block fill after that goes
// through SparseFile.WriteBlock.
func (c *FSCache) OpenSparse(name string, length int64) (*SparseFile, error) {
	f, err := os.OpenFile(c.ResolvePath(name), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, wrapErr("OpenSparse", name, KindLocalIO, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, wrapErr("OpenSparse", name, KindLocalIO, err)
	}
	if fi.Size() != length {
		if length > fi.Size() {
			if _, err := f.WriteAt([]byte{0}, length-1); err != nil {
				f.Close()
				return nil, wrapErr("OpenSparse", name, KindLocalIO, err)
			}
		} else if err := f.Truncate(length); err != nil {
			f.Close()
			return nil, wrapErr("OpenSparse", name, KindLocalIO, err)
		}
	}
	return &SparseFile{f: f, length: length, name: name}, nil
}

// Output is a write-only handle over a Buffered file: a monotonic byte
// pointer plus a running CRC32, the trivial stdlib adapter the engine's
// segment footers consume.
type Output struct {
	f    *os.File
	name string
	crc  hash.Hash32
	n    int64
}

func (o *Output) Write(p []byte) (int, error) {
	n, err := o.f.Write(p)
	if n > 0 {
		o.crc.Write(p[:n])
		o.n += int64(n)
	}
	if err != nil {
		return n, wrapErr("Write", o.name, KindLocalIO, err)
	}
	return n, nil
}

func (o *Output) WriteByte(b byte) error {
	_, err := o.Write([]byte{b})
	return err
}

func (o *Output) Name() string        { return o.name }
func (o *Output) FilePointer() int64  { return o.n }
func (o *Output) Checksum() uint32    { return o.crc.Sum32() }
func (o *Output) Close() error {
	if err := o.f.Close(); err != nil {
		return wrapErr("Close", o.name, KindLocalIO, err)
	}
	return nil
}

// Input is a read handle over a window of an *os.File: [base, base+length).
// An Input returned by FSCache.OpenInput owns and closes f; slices and
// SparseFile readers share it and leave closing to its owner.
type Input struct {
	f      *os.File
	owner  bool
	base   int64
	length int64
	pos    int64
}

func (in *Input) Read(p []byte) (int, error) {
	if in.pos >= in.length {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	if max := in.length - in.pos; int64(len(p)) > max {
		p = p[:max]
	}
	n, err := in.f.ReadAt(p, in.base+in.pos)
	in.pos += int64(n)
	if err != nil && err != io.EOF {
		return n, wrapErr("Read", "", KindLocalIO, err)
	}
	return n, nil
}

func (in *Input) ReadByte() (byte, error) {
	var b [1]byte
	n, err := in.Read(b[:])
	if n == 0 && err == nil {
		err = io.EOF
	}
	return b[0], err
}

func (in *Input) Seek(pos int64) error {
	if pos < 0 || pos > in.length {
		return wrapErr("Seek", "", KindInvalidState, fmt.Errorf("seek %d out of [0,%d]", pos, in.length))
	}
	in.pos = pos
	return nil
}

func (in *Input) Position() int64 { return in.pos }
func (in *Input) Length() int64   { return in.length }

func (in *Input) Slice(desc string, offset, length int64) (IndexInput, error) {
	if offset < 0 || length < 0 || offset+length > in.length {
		return nil, wrapErr("Slice", desc, KindInvalidState, fmt.Errorf("slice [%d,%d) out of [0,%d]", offset, offset+length, in.length))
	}
	return &Input{f: in.f, owner: false, base: in.base + offset, length: length}, nil
}

func (in *Input) Close() error {
	if in.owner {
		if err := in.f.Close(); err != nil {
			return wrapErr("Close", "", KindLocalIO, err)
		}
	}
	return nil
}

// SparseFile is the Cached-state backing store: a local file addressed by
// absolute offset, whose holes are advisory only. The blockMap, not the
// filesystem's notion of allocated extents, is authoritative for which
// regions actually hold fetched data.
type SparseFile struct {
	mu     sync.Mutex
	f      *os.File
	length int64
	name   string
}

// WriteBlock is serialized per file: sibling slices of the same cached file
// share this SparseFile and must not interleave fills.
func (s *SparseFile) WriteBlock(offset int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.WriteAt(data, offset); err != nil {
		return wrapErr("WriteBlock", s.name, KindLocalIO, err)
	}
	return nil
}

func (s *SparseFile) NewReader() *Input {
	return &Input{f: s.f, owner: false, length: s.length}
}

func (s *SparseFile) Length() int64 { return s.length }

func (s *SparseFile) Close() error {
	if err := s.f.Close(); err != nil {
		return wrapErr("Close", s.name, KindLocalIO, err)
	}
	return nil
}
