//go:build !linux

package atomicfile

import "os"

func syncFile(file *os.File) error {
	if file == nil {
		return nil
	}
	return file.Sync()
}
