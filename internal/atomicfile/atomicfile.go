// Package atomicfile replaces and appends named files under a root directory
// so that a crash at any point leaves either the previous or the new content,
// never a mix.
//
// Write stages into <root>/.tmp, fsyncs, renames over the target and fsyncs
// the parent directory. Append frames each payload with a length and CRC so a
// torn tail can be detected and truncated away on recovery.
package atomicfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ErrIO marks failures of the underlying storage. Callers treat it as a
// durability failure: nothing was replaced or appended.
var ErrIO = errors.New("atomicfile: io failure")

// ErrInvalidName is returned for names that escape the root or are empty.
var ErrInvalidName = errors.New("atomicfile: invalid name")

// IOError describes a failed storage step.
type IOError struct {
	Op   string
	Name string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("atomicfile: %s %s: %v", e.Op, e.Name, e.Err)
}

// Unwrap exposes the underlying os error.
func (e *IOError) Unwrap() error { return e.Err }

// Is reports true for ErrIO.
func (e *IOError) Is(target error) bool { return target == ErrIO }

func ioErr(op, name string, err error) error {
	return &IOError{Op: op, Name: name, Err: err}
}

// Entry is one directory entry returned by ReadDir.
type Entry struct {
	Name  string
	IsDir bool
	Size  int64
}

// lockStripes bounds the per-name mutexes. Names that share a stripe
// serialize against each other, which is harmless; no path holds two.
const lockStripes = 256

// Writer performs atomic writes and framed appends below one root directory.
type Writer struct {
	root   string
	tmpDir string
	locks  [lockStripes]sync.Mutex
}

// New prepares root (and its staging directory) and returns a Writer.
func New(root string) (*Writer, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("atomicfile: root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("atomicfile: resolve root: %w", err)
	}
	tmpDir := filepath.Join(abs, ".tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, ioErr("mkdir", ".tmp", err)
	}
	w := &Writer{root: abs, tmpDir: tmpDir}
	w.sweepStaging()
	return w, nil
}

// Root returns the absolute root directory.
func (w *Writer) Root() string {
	return w.root
}

// Path resolves name to an absolute path below the root.
func (w *Writer) Path(name string) (string, error) {
	clean, err := cleanName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(w.root, filepath.FromSlash(clean)), nil
}

func cleanName(name string) (string, error) {
	if name == "" || strings.ContainsRune(name, 0) || strings.Contains(name, "\\") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	clean := path.Clean(name)
	if clean == "." || path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") || strings.HasPrefix(clean, ".tmp") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return clean, nil
}

func (w *Writer) keyLock(name string) *sync.Mutex {
	return &w.locks[xxhash.Sum64String(name)%lockStripes]
}

// Write atomically replaces name with data.
func (w *Writer) Write(name string, data []byte) error {
	target, err := w.Path(name)
	if err != nil {
		return err
	}
	mu := w.keyLock(name)
	mu.Lock()
	defer mu.Unlock()

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ioErr("mkdir", name, err)
	}
	tmp, err := os.CreateTemp(w.tmpDir, "collabd-*")
	if err != nil {
		return ioErr("create temp", name, err)
	}
	moved := false
	defer func() {
		if !moved {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		return ioErr("write", name, err)
	}
	if err := syncFile(tmp); err != nil {
		return ioErr("sync", name, err)
	}
	if err := tmp.Close(); err != nil {
		return ioErr("close", name, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return ioErr("rename", name, err)
	}
	moved = true
	if err := syncDir(dir); err != nil {
		return ioErr("sync dir", name, err)
	}
	return nil
}

// Read returns the content of name. Missing files yield an error satisfying
// errors.Is(err, fs.ErrNotExist).
func (w *Writer) Read(name string) ([]byte, error) {
	target, err := w.Path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, ioErr("read", name, err)
	}
	return data, nil
}

// Remove deletes name. Removing a missing file is not an error.
func (w *Writer) Remove(name string) error {
	target, err := w.Path(name)
	if err != nil {
		return err
	}
	mu := w.keyLock(name)
	mu.Lock()
	defer mu.Unlock()
	if err := os.Remove(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return ioErr("remove", name, err)
	}
	if err := syncDir(filepath.Dir(target)); err != nil {
		return ioErr("sync dir", name, err)
	}
	return nil
}

// Size returns the current size of name.
func (w *Writer) Size(name string) (int64, error) {
	target, err := w.Path(name)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, err
		}
		return 0, ioErr("stat", name, err)
	}
	return info.Size(), nil
}

// ReadDir lists dir sorted by name. A missing directory is empty.
func (w *Writer) ReadDir(dir string) ([]Entry, error) {
	target, err := w.Path(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, ioErr("readdir", dir, err)
	}
	out := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		e := Entry{Name: entry.Name(), IsDir: entry.IsDir()}
		if !e.IsDir {
			if info, err := entry.Info(); err == nil {
				e.Size = info.Size()
			}
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// sweepStaging removes temp files left behind by a crash mid-Write.
func (w *Writer) sweepStaging() {
	entries, err := os.ReadDir(w.tmpDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "collabd-") {
			_ = os.Remove(filepath.Join(w.tmpDir, entry.Name()))
		}
	}
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
