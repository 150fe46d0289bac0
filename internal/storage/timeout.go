package storage

import (
	"context"
	"io"
	"time"

	"github.com/dandiarchive/blobstore/internal/parts"
)

// Timeouts bounds the duration of individual object-store calls.
type Timeouts struct {
	// Metadata applies to head, create, complete, abort, delete, tagging and
	// presign calls.
	Metadata time.Duration
	// PerGiB scales the timeout of part copies with the part size.
	PerGiB time.Duration
}

// ForCopy returns the timeout of a copy covering size bytes. It never drops
// below the metadata timeout.
func (t Timeouts) ForCopy(size int64) time.Duration {
	d := time.Duration(float64(t.PerGiB) * float64(size) / float64(parts.GiB))
	if d < t.Metadata {
		d = t.Metadata
	}
	return d
}

type timeoutBackend struct {
	next Backend
	t    Timeouts
}

// WithTimeouts wraps b so that every call runs under a deadline. A zero
// Metadata timeout disables the wrapper.
func WithTimeouts(b Backend, t Timeouts) Backend {
	if t.Metadata <= 0 {
		return b
	}
	return &timeoutBackend{next: b, t: t}
}

func (b *timeoutBackend) meta(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.t.Metadata)
}

func (b *timeoutBackend) HeadObject(ctx context.Context, loc Location) (ObjectInfo, error) {
	ctx, cancel := b.meta(ctx)
	defer cancel()
	return b.next.HeadObject(ctx, loc)
}

// GetObject is not bounded: the returned stream outlives the call and is
// read at the caller's pace.
func (b *timeoutBackend) GetObject(ctx context.Context, loc Location) (io.ReadCloser, error) {
	return b.next.GetObject(ctx, loc)
}

func (b *timeoutBackend) DeleteObject(ctx context.Context, loc Location) error {
	ctx, cancel := b.meta(ctx)
	defer cancel()
	return b.next.DeleteObject(ctx, loc)
}

func (b *timeoutBackend) CreateMultipartUpload(ctx context.Context, loc Location, opts UploadOptions) (string, error) {
	ctx, cancel := b.meta(ctx)
	defer cancel()
	return b.next.CreateMultipartUpload(ctx, loc, opts)
}

func (b *timeoutBackend) CopyPartRange(ctx context.Context, src, dst Location, uploadID string, partNumber int32, rng *parts.Part) (string, error) {
	d := b.t.Metadata
	if rng != nil {
		d = b.t.ForCopy(rng.Size)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return b.next.CopyPartRange(ctx, src, dst, uploadID, partNumber, rng)
}

func (b *timeoutBackend) CompleteMultipartUpload(ctx context.Context, loc Location, uploadID string, cparts []CompletedPart) (ObjectInfo, error) {
	// completion of very large objects can take minutes on the store side
	ctx, cancel := context.WithTimeout(ctx, b.t.ForCopy(parts.MaxPartSize))
	defer cancel()
	return b.next.CompleteMultipartUpload(ctx, loc, uploadID, cparts)
}

func (b *timeoutBackend) AbortMultipartUpload(ctx context.Context, loc Location, uploadID string) error {
	ctx, cancel := b.meta(ctx)
	defer cancel()
	return b.next.AbortMultipartUpload(ctx, loc, uploadID)
}

func (b *timeoutBackend) SingleCopy(ctx context.Context, src, dst Location, tags map[string]string) (ObjectInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, b.t.ForCopy(parts.MaxPartSize))
	defer cancel()
	return b.next.SingleCopy(ctx, src, dst, tags)
}

func (b *timeoutBackend) GetObjectTagging(ctx context.Context, loc Location) (map[string]string, error) {
	ctx, cancel := b.meta(ctx)
	defer cancel()
	return b.next.GetObjectTagging(ctx, loc)
}

func (b *timeoutBackend) PutObjectTagging(ctx context.Context, loc Location, tags map[string]string) error {
	ctx, cancel := b.meta(ctx)
	defer cancel()
	return b.next.PutObjectTagging(ctx, loc, tags)
}

func (b *timeoutBackend) PresignUploadPart(ctx context.Context, loc Location, uploadID string, part parts.Part, expires time.Duration) (string, error) {
	ctx, cancel := b.meta(ctx)
	defer cancel()
	return b.next.PresignUploadPart(ctx, loc, uploadID, part, expires)
}

func (b *timeoutBackend) PresignComplete(ctx context.Context, loc Location, uploadID string, cparts []CompletedPart, expires time.Duration) (PresignedRequest, error) {
	ctx, cancel := b.meta(ctx)
	defer cancel()
	return b.next.PresignComplete(ctx, loc, uploadID, cparts, expires)
}
