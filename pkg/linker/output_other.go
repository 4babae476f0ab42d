//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package linker

import (
	"errors"
	"os"
)

func mapFile(file *os.File, size uint64) ([]byte, error) {
	return nil, errors.New("mmap is not supported on this platform")
}

func unmapFile(buf []byte) error {
	return nil
}

func umask() os.FileMode {
	return 0o022
}
