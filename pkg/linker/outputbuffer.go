package linker

import (
	"os"
	"path/filepath"
)

// FileOutputBuffer is the in-memory image of the output file. The image is
// written to a temporary file next to the output and renamed into place by
// Commit, so a failed link never leaves a partial file behind.
type FileOutputBuffer struct {
	Buf []byte

	path   string
	file   *os.File
	mapped bool
}

func NewFileOutputBuffer(path string, size uint64, mmap bool) (*FileOutputBuffer, error) {
	file, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return nil, err
	}

	b := &FileOutputBuffer{path: path, file: file}
	if mmap && size > 0 {
		if buf, err := mapFile(file, size); err == nil {
			b.Buf = buf
			b.mapped = true
			return b, nil
		}
	}

	b.Buf = make([]byte, size)
	return b, nil
}

func (b *FileOutputBuffer) Commit() error {
	if b.mapped {
		if err := unmapFile(b.Buf); err != nil {
			b.Discard()
			return err
		}
	} else if _, err := b.file.Write(b.Buf); err != nil {
		b.Discard()
		return err
	}
	b.Buf = nil

	if err := b.file.Chmod(0o777 &^ umask()); err != nil {
		b.Discard()
		return err
	}
	if err := b.file.Close(); err != nil {
		_ = os.Remove(b.file.Name())
		return err
	}
	return os.Rename(b.file.Name(), b.path)
}

// Discard drops the image and removes the temporary file.
func (b *FileOutputBuffer) Discard() {
	if b.mapped && b.Buf != nil {
		_ = unmapFile(b.Buf)
	}
	b.Buf = nil
	_ = b.file.Close()
	_ = os.Remove(b.file.Name())
}
