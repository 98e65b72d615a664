package atomicfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrLocked is returned by Lock when the directory is already owned.
var ErrLocked = errors.New("atomicfile: directory already locked")

var heldLocks sync.Map

// DirLock is an exclusive claim on a data directory.
type DirLock struct {
	path string
	file *os.File
	once sync.Once
}

// Lock claims root for this process. Advisory file locks do not conflict
// within one process, so claims are also tracked in memory.
func Lock(root string) (*DirLock, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("atomicfile: resolve lock root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, ioErr("mkdir", abs, err)
	}
	lockPath := filepath.Join(abs, ".lock")
	if _, loaded := heldLocks.LoadOrStore(lockPath, struct{}{}); loaded {
		return nil, fmt.Errorf("%w: %s", ErrLocked, abs)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		heldLocks.Delete(lockPath)
		return nil, ioErr("open lock", lockPath, err)
	}
	if err := tryLockFile(f); err != nil {
		f.Close()
		heldLocks.Delete(lockPath)
		return nil, fmt.Errorf("%w: %s: %v", ErrLocked, abs, err)
	}
	return &DirLock{path: lockPath, file: f}, nil
}

// Close releases the claim.
func (l *DirLock) Close() error {
	if l == nil {
		return nil
	}
	var err error
	l.once.Do(func() {
		_ = unlockFile(l.file)
		err = l.file.Close()
		heldLocks.Delete(l.path)
	})
	return err
}
