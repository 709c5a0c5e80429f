package s3directory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// memStore is an in-memory ObjectStore used by directory and reader tests.
// It counts GetRange calls per name and can inject one-shot failures so
// tests can assert what does and does not hit the wire.
type memStore struct {
	mu         sync.Mutex
	objects    map[string][]byte
	rangeCalls map[string]int
	failRange  map[string]error
}

func newMemStore() *memStore {
	return &memStore{
		objects:    make(map[string][]byte),
		rangeCalls: make(map[string]int),
		failRange:  make(map[string]error),
	}
}

func (m *memStore) seed(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[name] = append([]byte(nil), data...)
}

func (m *memStore) bytesOf(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[name]
	return data, ok
}

func (m *memStore) rangeCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rangeCalls[name]
}

func (m *memStore) List(ctx context.Context) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ObjectInfo, 0, len(m.objects))
	for name, data := range m.objects {
		out = append(out, ObjectInfo{Name: name, Size: int64(len(data))})
	}
	return out, nil
}

func (m *memStore) Head(ctx context.Context, name string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[name]
	if !ok {
		return 0, wrapErr("Head", name, KindNotFound, errors.New("no such key"))
	}
	return int64(len(data)), nil
}

func (m *memStore) GetRange(ctx context.Context, name string, offset, length int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rangeCalls[name]++
	if err, ok := m.failRange[name]; ok {
		delete(m.failRange, name)
		return nil, err
	}
	data, ok := m.objects[name]
	if !ok {
		return nil, wrapErr("GetRange", name, KindNotFound, errors.New("no such key"))
	}
	if offset < 0 || offset+length > int64(len(data)) {
		return nil, wrapErr("GetRange", name, KindConsistency, fmt.Errorf("range [%d,%d) out of %d", offset, offset+length, len(data)))
	}
	return append([]byte(nil), data[offset:offset+length]...), nil
}

func (m *memStore) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	data, ok := m.bytesOf(name)
	if !ok {
		return nil, wrapErr("Get", name, KindNotFound, errors.New("no such key"))
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStore) Put(ctx context.Context, name, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return wrapErr("Put", name, KindLocalIO, err)
	}
	m.seed(name, data)
	return nil
}

func (m *memStore) Copy(ctx context.Context, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[from]
	if !ok {
		return wrapErr("Copy", from, KindNotFound, errors.New("no such key"))
	}
	m.objects[to] = append([]byte(nil), data...)
	return nil
}

func (m *memStore) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, name)
	return nil
}

func (m *memStore) BulkUpload(ctx context.Context, items []UploadItem) error {
	for _, it := range items {
		if err := m.Put(ctx, it.Name, it.LocalPath); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStore) BulkDownload(ctx context.Context, items []DownloadItem) error {
	for _, it := range items {
		data, ok := m.bytesOf(it.Name)
		if !ok {
			return wrapErr("BulkDownload", it.Name, KindNotFound, errors.New("no such key"))
		}
		if err := os.WriteFile(it.LocalPath, data, 0o644); err != nil {
			return wrapErr("BulkDownload", it.Name, KindLocalIO, err)
		}
	}
	return nil
}

func (m *memStore) Close() error { return nil }
