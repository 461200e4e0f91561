package cache

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

const fileBackendExt = ".json"

// FileBackend keeps one JSON document per key under Dir.
type FileBackend struct {
	fs  afero.Fs
	Dir string
}

func NewFileBackend(fs afero.Fs, dir string) (*FileBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileBackend{fs: fs, Dir: filepath.Clean(dir)}, nil
}

func (b *FileBackend) Get(_ context.Context, key string) ([]byte, error) {
	if b == nil {
		return nil, ErrNotFound
	}
	data, err := afero.ReadFile(b.fs, b.pathFor(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (b *FileBackend) Set(_ context.Context, key string, value []byte) error {
	if b == nil || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	return writeFileAtomic(b.fs, b.pathFor(key), value, 0o644)
}

// OnOsFs reports whether the backend writes to the real filesystem, which is
// what change notifications require.
func (b *FileBackend) OnOsFs() bool {
	if b == nil {
		return false
	}
	_, ok := b.fs.(*afero.OsFs)
	return ok
}

func (b *FileBackend) pathFor(key string) string {
	return filepath.Join(b.Dir, url.PathEscape(key)+fileBackendExt)
}

// keyForPath reverses pathFor. Temp files and foreign files yield false.
func (b *FileBackend) keyForPath(path string) (string, bool) {
	if filepath.Clean(filepath.Dir(path)) != b.Dir {
		return "", false
	}
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, fileBackendExt) {
		return "", false
	}
	key, err := url.PathUnescape(strings.TrimSuffix(base, fileBackendExt))
	if err != nil || key == "" {
		return "", false
	}
	return key, true
}

func writeFileAtomic(fs afero.Fs, path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = fs.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := fs.Chmod(tmpName, mode); err != nil {
		return err
	}
	if err := fs.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
