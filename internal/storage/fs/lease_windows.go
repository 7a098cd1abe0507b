//go:build windows

package fs

import (
	"os"
	"path/filepath"
)

type fileLock struct {
	f    *os.File
	path string
}

// lockFile creates the lock file exclusively, a leftover file of a crashed
// process has to be removed by hand.
func lockFile(path string) (*fileLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errLocked
		}
		return nil, err
	}
	return &fileLock{f: f, path: path}, nil
}

func (l *fileLock) unlock() error {
	if err := l.f.Close(); err != nil {
		return err
	}
	return os.Remove(l.path)
}
