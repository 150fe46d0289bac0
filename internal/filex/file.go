// Package filex reads local files in the parts of an upload plan.
package filex

import (
	"fmt"
	"io"
	"os"

	"github.com/dandiarchive/blobstore/internal/parts"
)

// File is an open regular file that can be read in independent sections
// by concurrent part uploads.
type File struct {
	f    *os.File
	size int64
}

// Open opens path for reading. Directories and other non-regular files are
// rejected.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if !fi.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	return &File{f: f, size: fi.Size()}, nil
}

func (f *File) Name() string {
	return f.f.Name()
}

// Size is the size of the file when it was opened.
func (f *File) Size() int64 {
	return f.size
}

// Reader returns a reader over the whole file.
func (f *File) Reader() *io.SectionReader {
	return io.NewSectionReader(f.f, 0, f.size)
}

// Part returns a reader over the bytes of p. Readers of different parts may
// be used concurrently.
func (f *File) Part(p parts.Part) (*io.SectionReader, error) {
	if p.Offset < 0 || p.Size < 0 || p.End() > f.size {
		return nil, fmt.Errorf("part %d [%d, %d) is outside of %s (%d bytes)", p.Number, p.Offset, p.End(), f.Name(), f.size)
	}
	return io.NewSectionReader(f.f, p.Offset, p.Size), nil
}

func (f *File) Close() error {
	return f.f.Close()
}
