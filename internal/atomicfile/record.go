package atomicfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	recordMagic      = uint32(0x434c4244) // "CLBD"
	recordVersion    = uint8(1)
	recordHeaderSize = 16
	// MaxRecordSize bounds a single appended payload.
	MaxRecordSize = 16 << 20
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ErrRecordTooLarge is returned by Append for payloads above MaxRecordSize.
var ErrRecordTooLarge = errors.New("atomicfile: record too large")

// ScanResult summarises a pass over a framed file.
type ScanResult struct {
	Records int
	// GoodOffset is the end of the last intact record.
	GoodOffset int64
	// Size is the file size observed when the scan started.
	Size int64
	// Torn is set when trailing bytes did not form a valid record.
	Torn bool
}

func encodeRecord(payload []byte) []byte {
	buf := make([]byte, recordHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], recordMagic)
	buf[4] = recordVersion
	buf[5] = 0
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[12:16], crc32.Checksum(payload, castagnoli))
	copy(buf[recordHeaderSize:], payload)
	return buf
}

// Append adds payload as one framed record at the end of name and flushes it
// to stable storage. It returns the offset just past the new record. On
// failure the file is truncated back to its previous length.
func (w *Writer) Append(name string, payload []byte) (int64, error) {
	if len(payload) > MaxRecordSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, len(payload))
	}
	target, err := w.Path(name)
	if err != nil {
		return 0, err
	}
	mu := w.keyLock(name)
	mu.Lock()
	defer mu.Unlock()

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, ioErr("mkdir", name, err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, ioErr("open", name, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, ioErr("stat", name, err)
	}
	offset := info.Size()
	frame := encodeRecord(payload)
	if n, err := f.WriteAt(frame, offset); err != nil || n != len(frame) {
		if err == nil {
			err = io.ErrShortWrite
		}
		_ = f.Truncate(offset)
		return 0, ioErr("append", name, err)
	}
	if err := syncFile(f); err != nil {
		_ = f.Truncate(offset)
		return 0, ioErr("sync", name, err)
	}
	if offset == 0 {
		if err := syncDir(dir); err != nil {
			return 0, ioErr("sync dir", name, err)
		}
	}
	return offset + int64(len(frame)), nil
}

// Scan walks every intact record of name in order. See ScanRange.
func (w *Writer) Scan(name string, fn func(offset int64, payload []byte) error) (ScanResult, error) {
	return w.ScanRange(name, 0, -1, fn)
}

// ScanRange walks the intact records of name between start and end. See
// ScanFile.
func (w *Writer) ScanRange(name string, start, end int64, fn func(offset int64, payload []byte) error) (ScanResult, error) {
	target, err := w.Path(name)
	if err != nil {
		return ScanResult{}, err
	}
	res, err := ScanFile(target, start, end, fn)
	var ioError *IOError
	if errors.As(err, &ioError) {
		ioError.Name = name
	}
	return res, err
}

// ScanFile walks the intact records of the file at path starting at offset
// start and ending at end (exclusive, -1 for end of file). Scanning stops
// silently at the first torn or corrupt record and reports it through
// ScanResult.Torn. An error from fn aborts the scan and is returned
// unchanged. ScanFile never writes, so it is safe on a directory owned by a
// running server.
func ScanFile(path string, start, end int64, fn func(offset int64, payload []byte) error) (ScanResult, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ScanResult{}, err
		}
		return ScanResult{}, ioErr("open", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ScanResult{}, ioErr("stat", path, err)
	}
	res := ScanResult{Size: info.Size(), GoodOffset: start}
	if end < 0 || end > res.Size {
		end = res.Size
	}
	if start >= end {
		return res, nil
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return res, ioErr("seek", path, err)
	}
	reader := bufio.NewReaderSize(io.LimitReader(f, end-start), 64<<10)
	header := make([]byte, recordHeaderSize)
	offset := start
	for offset < end {
		if _, err := io.ReadFull(reader, header); err != nil {
			res.Torn = true
			return res, nil
		}
		if binary.LittleEndian.Uint32(header[0:4]) != recordMagic || header[4] != recordVersion {
			res.Torn = true
			return res, nil
		}
		length := binary.LittleEndian.Uint32(header[8:12])
		sum := binary.LittleEndian.Uint32(header[12:16])
		if length > MaxRecordSize {
			res.Torn = true
			return res, nil
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			res.Torn = true
			return res, nil
		}
		if crc32.Checksum(payload, castagnoli) != sum {
			res.Torn = true
			return res, nil
		}
		if fn != nil {
			if err := fn(offset, payload); err != nil {
				return res, err
			}
		}
		offset += int64(recordHeaderSize) + int64(length)
		res.GoodOffset = offset
		res.Records++
	}
	return res, nil
}

// Recover truncates name to its last intact record. A missing file is
// treated as empty.
func (w *Writer) Recover(name string) (ScanResult, error) {
	res, err := w.Scan(name, nil)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ScanResult{}, nil
		}
		return res, err
	}
	if res.GoodOffset == res.Size {
		res.Torn = false
		return res, nil
	}
	target, err := w.Path(name)
	if err != nil {
		return res, err
	}
	mu := w.keyLock(name)
	mu.Lock()
	defer mu.Unlock()
	f, err := os.OpenFile(target, os.O_WRONLY, 0o644)
	if err != nil {
		return res, ioErr("open", name, err)
	}
	defer f.Close()
	if err := f.Truncate(res.GoodOffset); err != nil {
		return res, ioErr("truncate", name, err)
	}
	if err := syncFile(f); err != nil {
		return res, ioErr("sync", name, err)
	}
	res.Torn = true
	return res, nil
}
