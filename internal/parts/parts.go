// Package parts computes deterministic multipart layouts for object uploads
// and server-side copies.
//
// A Plan partitions the byte range [0, size) into 1-based, contiguous parts.
// Every part except the last has the same size; the last part absorbs the
// remainder. A zero-length object still yields a single, empty part so that a
// multipart upload can be completed.
package parts

import (
	"errors"
	"fmt"
)

const (
	KiB int64 = 1 << 10
	MiB int64 = 1 << 20
	GiB int64 = 1 << 30

	// DefaultPartSize is the part size used for server-side copies.
	DefaultPartSize = 500 * MiB

	// EtagPartSize is the initial part size of the dandi-etag layout.
	EtagPartSize = 64 * MiB

	// MinPartSize and MaxPartSize are the object store limits for every part
	// but the last one.
	MinPartSize = 5 * MiB
	MaxPartSize = 5 * GiB

	// MaxParts is the maximum number of parts in a single multipart upload.
	MaxParts = 10000
)

var (
	ErrInvalidSize     = errors.New("invalid object size")
	ErrInvalidPartSize = errors.New("invalid part size")
	ErrTooLarge        = errors.New("object too large for multipart upload")
)

// Part is a single contiguous byte range of an object.
type Part struct {
	Number int32
	Offset int64
	Size   int64
}

// CopyRange renders the inclusive HTTP byte range used by range copies,
// e.g. "bytes=0-524287999".
func (p Part) CopyRange() string {
	return fmt.Sprintf("bytes=%d-%d", p.Offset, p.Offset+p.Size-1)
}

// End returns the offset one past the last byte of the part.
func (p Part) End() int64 {
	return p.Offset + p.Size
}

// Plan is an ordered partition of an object into parts.
type Plan struct {
	PartSize int64
	Parts    []Part
}

// TotalSize returns the sum of all part sizes.
func (p Plan) TotalSize() int64 {
	var n int64
	for _, part := range p.Parts {
		n += part.Size
	}
	return n
}

// Count returns the number of parts.
func (p Plan) Count() int {
	return len(p.Parts)
}

// New partitions totalSize bytes into parts of partSize bytes.
func New(totalSize, partSize int64) (Plan, error) {
	if totalSize < 0 {
		return Plan{}, fmt.Errorf("%w: %d", ErrInvalidSize, totalSize)
	}
	if partSize <= 0 {
		return Plan{}, fmt.Errorf("%w: %d", ErrInvalidPartSize, partSize)
	}

	count := totalSize / partSize
	if totalSize%partSize > 0 {
		count++
	}
	if count == 0 {
		count = 1
	}

	plan := Plan{PartSize: partSize, Parts: make([]Part, 0, count)}

	var offset int64
	for n := int64(1); n <= count; n++ {
		size := partSize
		if n == count {
			size = totalSize - (count-1)*partSize
		}
		plan.Parts = append(plan.Parts, Part{Number: int32(n), Offset: offset, Size: size})
		offset += size
	}

	return plan, nil
}

// ForFileSize returns the dandi-etag layout for an object of totalSize bytes.
// It starts from EtagPartSize and grows the part size when the object would
// otherwise need more than MaxParts parts.
func ForFileSize(totalSize int64) (Plan, error) {
	if totalSize < 0 {
		return Plan{}, fmt.Errorf("%w: %d", ErrInvalidSize, totalSize)
	}

	partSize := EtagPartSize
	if totalSize > partSize*MaxParts {
		partSize = totalSize / MaxParts
		if totalSize%MaxParts > 0 {
			partSize++
		}
	}
	if partSize > MaxPartSize {
		return Plan{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, totalSize)
	}

	return New(totalSize, partSize)
}
