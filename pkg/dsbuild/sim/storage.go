package sim

import (
	"bytes"
	"sync"

	"github.com/jabolina/dsbuild/pkg/dsbuild/file"
)

// storageModel is a single node's simulated filesystem: a capacity-bounded
// byte-map keyed by file name. Crashing a node discards it; shutting one
// down preserves it, matching spec §3's Node-state invariant.
type storageModel struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	files    map[string][]byte
}

func newStorageModel(capacity int64) *storageModel {
	return &storageModel{
		capacity: capacity,
		files:    make(map[string][]byte),
	}
}

func (s *storageModel) create(name string) (*simFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.files[name]; exists {
		return nil, file.ErrAlreadyExists
	}
	if s.used >= s.capacity {
		return nil, file.ErrUnavailable
	}
	s.files[name] = nil
	return &simFile{name: name, storage: s}, nil
}

func (s *storageModel) open(name string) (*simFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.files[name]; !exists {
		return nil, file.ErrNotFound
	}
	return &simFile{name: name, storage: s}, nil
}

func (s *storageModel) exists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[name]
	return ok
}

func (s *storageModel) read(name string, offset int64, buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[name]
	if !ok {
		return 0, file.ErrNotFound
	}
	if offset >= int64(len(data)) {
		return 0, nil
	}
	n := copy(buf, data[offset:])
	return n, nil
}

func (s *storageModel) append(name string, data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.files[name]
	if !ok {
		return 0, file.ErrNotFound
	}
	remaining := s.capacity - s.used
	if int64(len(data)) > remaining {
		if remaining <= 0 {
			return 0, file.ErrUnavailable
		}
		return 0, file.ErrBufferSizeExceed
	}
	s.files[name] = append(bytes.Clone(existing), data...)
	s.used += int64(len(data))
	return len(data), nil
}

// simFile is the file.File handle handed back by the sim backend.
type simFile struct {
	name    string
	storage *storageModel
}

func (f *simFile) Name() string { return f.name }

func (f *simFile) Read(offset int64, buf []byte) (int, error) {
	return f.storage.read(f.name, offset, buf)
}

func (f *simFile) Append(data []byte) (int, error) {
	return f.storage.append(f.name, data)
}

var _ file.File = (*simFile)(nil)
