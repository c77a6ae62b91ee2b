package real

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jabolina/dsbuild/pkg/dsbuild/file"
)

// resolvePath joins name onto mountDir and rejects any path that would
// escape it (spec §6.2: "filenames must not traverse directories"). Unlike
// the common http.FileServer trick of neutralizing ".." by cleaning
// against a synthetic root, this rejects outright: a caller asking for
// "../escape.txt" gets an error, not a silently remapped path.
func resolvePath(mountDir, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", errors.New("dsbuild: file name escapes mount directory")
	}
	full := filepath.Join(mountDir, name)
	rel, err := filepath.Rel(mountDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.New("dsbuild: file name escapes mount directory")
	}
	return full, nil
}

// realFile is a handle over a host file opened read/write inside the
// node's mount directory (spec §3, "File (real)").
type realFile struct {
	mu   sync.Mutex
	name string
	path string
}

var _ file.File = (*realFile)(nil)

func (f *realFile) Name() string { return f.name }

func (f *realFile) Read(offset int64, buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, file.ErrNotFound
		}
		return 0, err
	}
	defer fh.Close()

	n, err := fh.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return n, err
	}
	return n, nil
}

func (f *realFile) Append(data []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := os.OpenFile(f.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, file.ErrNotFound
		}
		return 0, err
	}
	defer fh.Close()
	return fh.Write(data)
}

// createFile creates name fresh inside mountDir, failing with
// file.ErrAlreadyExists if it's already there.
func createFile(mountDir, name string) (file.File, error) {
	path, err := resolvePath(mountDir, name)
	if err != nil {
		return nil, err
	}
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, file.ErrAlreadyExists
		}
		return nil, err
	}
	fh.Close()
	return &realFile{name: name, path: path}, nil
}

// openFile opens an existing file inside mountDir, failing with
// file.ErrNotFound if it isn't there.
func openFile(mountDir, name string) (file.File, error) {
	path, err := resolvePath(mountDir, name)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, file.ErrNotFound
		}
		return nil, err
	}
	return &realFile{name: name, path: path}, nil
}

// fileExists reports whether name exists inside mountDir.
func fileExists(mountDir, name string) (bool, error) {
	path, err := resolvePath(mountDir, name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
