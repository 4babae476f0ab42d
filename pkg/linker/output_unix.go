//go:build linux || darwin || freebsd || netbsd || openbsd

package linker

import (
	"os"

	"golang.org/x/sys/unix"
)

func mapFile(file *os.File, size uint64) ([]byte, error) {
	fd := int(file.Fd())
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return nil, err
	}
	return unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func unmapFile(buf []byte) error {
	if err := unix.Msync(buf, unix.MS_SYNC); err != nil {
		return err
	}
	return unix.Munmap(buf)
}

// umask reads the process umask. There is no way to do so without
// setting it.
func umask() os.FileMode {
	mask := unix.Umask(0)
	unix.Umask(mask)
	return os.FileMode(mask)
}
