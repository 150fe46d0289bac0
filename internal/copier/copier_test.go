package copier

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandiarchive/blobstore/internal/checksum"
	"github.com/dandiarchive/blobstore/internal/logging"
	"github.com/dandiarchive/blobstore/internal/parts"
	"github.com/dandiarchive/blobstore/internal/storage"
	"github.com/dandiarchive/blobstore/internal/storage/memstore"
	"github.com/dandiarchive/blobstore/internal/workerpool"
)

func smallParts(size int64) (parts.Plan, error) {
	return parts.New(size, 10)
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

var (
	src = storage.Location{Bucket: "embargo", Key: "123/blobs/abc"}
	dst = storage.Location{Bucket: "public", Key: "blobs/abc"}
)

func newEngine(b storage.Backend, opts ...Option) *Engine {
	opts = append([]Option{WithPlanner(smallParts), WithSinglePartThreshold(10)}, opts...)
	return New(b, workerpool.New(4), logging.Nop(), opts...)
}

func TestCopy_SinglePart(t *testing.T) {
	store := memstore.New()
	etag := store.PutObject(src, []byte("tiny"), nil)

	res, err := newEngine(store).Copy(context.Background(), CopyJob{Source: src, Dest: dst, Size: 4})
	require.NoError(t, err)

	assert.Equal(t, Result{Key: dst.Key, ETag: etag, Size: 4}, res)
	assert.False(t, store.Has(src))
	assert.True(t, store.Has(dst))
}

func TestCopy_ForceSingle(t *testing.T) {
	store := memstore.New()
	data := payload(50)
	etag := store.PutObject(src, data, nil)

	res, err := newEngine(store).Copy(context.Background(), CopyJob{Source: src, Dest: dst, Size: 50, ForceSingle: true})
	require.NoError(t, err)
	assert.Equal(t, etag, res.ETag)
	assert.Equal(t, 0, store.Uploads())
}

func TestCopy_MultipartPreservesLayoutETag(t *testing.T) {
	store := memstore.New()
	data := payload(35)
	store.PutObject(src, data, nil)

	res, err := newEngine(store).Copy(context.Background(), CopyJob{Source: src, Dest: dst, Size: 35})
	require.NoError(t, err)

	plan, err := smallParts(35)
	require.NoError(t, err)
	stream := checksum.NewETagStream(plan)
	_, err = stream.Write(data)
	require.NoError(t, err)
	want, err := stream.Digest()
	require.NoError(t, err)

	assert.Equal(t, want, res.ETag)
	assert.Equal(t, int64(35), res.Size)
	assert.False(t, store.Has(src), "source must be deleted after completion")
	assert.Equal(t, 0, store.Uploads())
}

func TestCopy_JobPlannerOverridesEngine(t *testing.T) {
	store := memstore.New()
	store.PutObject(src, payload(30), nil)

	var planned atomic.Bool
	_, err := newEngine(store).Copy(context.Background(), CopyJob{
		Source: src, Dest: dst, Size: 30,
		Planner: func(size int64) (parts.Plan, error) {
			planned.Store(true)
			return parts.New(size, 15)
		},
	})
	require.NoError(t, err)
	assert.True(t, planned.Load())
}

type failingBackend struct {
	*memstore.Store

	failPart  int32
	abortErr  error
	aborted   atomic.Int32
	completes atomic.Int32
}

func (f *failingBackend) CopyPartRange(ctx context.Context, s, d storage.Location, uploadID string, n int32, rng *parts.Part) (string, error) {
	if n == f.failPart {
		return "", errors.New("throttled")
	}
	return f.Store.CopyPartRange(ctx, s, d, uploadID, n, rng)
}

func (f *failingBackend) CompleteMultipartUpload(ctx context.Context, loc storage.Location, uploadID string, cp []storage.CompletedPart) (storage.ObjectInfo, error) {
	f.completes.Add(1)
	return f.Store.CompleteMultipartUpload(ctx, loc, uploadID, cp)
}

func (f *failingBackend) AbortMultipartUpload(ctx context.Context, loc storage.Location, uploadID string) error {
	f.aborted.Add(1)
	if f.abortErr != nil {
		return f.abortErr
	}
	return f.Store.AbortMultipartUpload(ctx, loc, uploadID)
}

func TestCopy_PartFailureAbortsAndKeepsSource(t *testing.T) {
	store := memstore.New()
	store.PutObject(src, payload(35), nil)
	fb := &failingBackend{Store: store, failPart: 2}

	_, err := newEngine(fb).Copy(context.Background(), CopyJob{Source: src, Dest: dst, Size: 35})
	require.Error(t, err)

	var ce *CopyError
	require.True(t, errors.As(err, &ce))
	assert.NotEmpty(t, ce.UploadID)
	assert.Equal(t, "copy part", ce.Stage)
	assert.True(t, IsCopyError(err))

	assert.Equal(t, int32(1), fb.aborted.Load())
	assert.Equal(t, int32(0), fb.completes.Load())
	assert.True(t, store.Has(src), "source must survive a failed copy")
	assert.False(t, store.Has(dst))
	assert.Equal(t, 0, store.Uploads())
}

func TestCopy_AbortFailureStillReportsCopyError(t *testing.T) {
	store := memstore.New()
	store.PutObject(src, payload(35), nil)
	fb := &failingBackend{Store: store, failPart: 1, abortErr: errors.New("abort denied")}

	_, err := newEngine(fb).Copy(context.Background(), CopyJob{Source: src, Dest: dst, Size: 35})

	var ce *CopyError
	require.True(t, errors.As(err, &ce))
	assert.EqualError(t, ce.Err, "part 1: throttled")
	assert.Equal(t, int32(1), fb.aborted.Load())
	assert.True(t, store.Has(src))
}

func TestCopy_CancelledContextStillAborts(t *testing.T) {
	store := memstore.New()
	store.PutObject(src, payload(35), nil)
	fb := &failingBackend{Store: store}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newEngine(fb).Copy(ctx, CopyJob{Source: src, Dest: dst, Size: 35})
	// a cancelled context fails before or after the upload is created
	require.Error(t, err)
	assert.True(t, store.Has(src))
	assert.Equal(t, 0, store.Uploads())
}

func TestCopy_MissingSource(t *testing.T) {
	store := memstore.New()

	_, err := newEngine(store).Copy(context.Background(), CopyJob{Source: src, Dest: dst, Size: 4})
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestCopy_NegativeSize(t *testing.T) {
	_, err := newEngine(memstore.New()).Copy(context.Background(), CopyJob{Source: src, Dest: dst, Size: -1})
	assert.True(t, errors.Is(err, parts.ErrInvalidSize))
}

func TestCopy_KeepSource(t *testing.T) {
	store := memstore.New()
	store.PutObject(src, payload(25), nil)

	res, err := newEngine(store).Copy(context.Background(), CopyJob{Source: src, Dest: dst, Size: 25, KeepSource: true})
	require.NoError(t, err)
	assert.Equal(t, dst.Key, res.Key)
	assert.True(t, store.Has(src))
	assert.True(t, store.Has(dst))
}

// putMultipart stores data at loc through a multipart upload with parts of
// partSize bytes and returns the resulting etag.
func putMultipart(t *testing.T, store *memstore.Store, loc storage.Location, data []byte, partSize int64) string {
	t.Helper()
	ctx := context.Background()
	plan, err := parts.New(int64(len(data)), partSize)
	require.NoError(t, err)

	id, err := store.CreateMultipartUpload(ctx, loc, storage.UploadOptions{})
	require.NoError(t, err)
	var done []storage.CompletedPart
	for _, p := range plan.Parts {
		etag, err := store.UploadPart(id, p.Number, data[p.Offset:p.End()])
		require.NoError(t, err)
		done = append(done, storage.CompletedPart{PartNumber: p.Number, ETag: etag})
	}
	info, err := store.CompleteMultipartUpload(ctx, loc, id, done)
	require.NoError(t, err)
	return info.ETag
}

func TestCopy_SingleCopyDropsMultipartETag(t *testing.T) {
	store := memstore.New()
	data := payload(8)
	srcETag := putMultipart(t, store, src, data, 10)

	res, err := newEngine(store).Copy(context.Background(), CopyJob{Source: src, Dest: dst, Size: 8})
	require.NoError(t, err)

	assert.NotEqual(t, srcETag, res.ETag)
	assert.Equal(t, store.PutObject(storage.Location{Bucket: "scratch", Key: "k"}, data, nil), res.ETag)
}

func TestCopy_ForceMultipartKeepsMultipartETag(t *testing.T) {
	store := memstore.New()
	data := payload(8)
	srcETag := putMultipart(t, store, src, data, 10)

	res, err := newEngine(store).Copy(context.Background(), CopyJob{Source: src, Dest: dst, Size: 8, ForceMultipart: true})
	require.NoError(t, err)

	assert.Equal(t, srcETag, res.ETag)
	assert.False(t, store.Has(src))
	assert.Equal(t, 0, store.Uploads())
}

func TestCopy_ConflictingModes(t *testing.T) {
	store := memstore.New()
	store.PutObject(src, payload(4), nil)

	_, err := newEngine(store).Copy(context.Background(), CopyJob{Source: src, Dest: dst, Size: 4, ForceSingle: true, ForceMultipart: true})
	var ce *CopyError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "plan", ce.Stage)
	assert.True(t, store.Has(src))
}

// pathBackend records which copy path a job takes without moving any bytes.
type pathBackend struct {
	storage.Backend

	single atomic.Int32
	parts  atomic.Int32
}

func (b *pathBackend) SingleCopy(ctx context.Context, s, d storage.Location, tags map[string]string) (storage.ObjectInfo, error) {
	b.single.Add(1)
	return storage.ObjectInfo{Key: d.Key}, nil
}

func (b *pathBackend) CreateMultipartUpload(ctx context.Context, loc storage.Location, opts storage.UploadOptions) (string, error) {
	return "upload-1", nil
}

func (b *pathBackend) CopyPartRange(ctx context.Context, s, d storage.Location, uploadID string, n int32, rng *parts.Part) (string, error) {
	b.parts.Add(1)
	return "0123456789abcdef0123456789abcdef", nil
}

func (b *pathBackend) CompleteMultipartUpload(ctx context.Context, loc storage.Location, uploadID string, cp []storage.CompletedPart) (storage.ObjectInfo, error) {
	return storage.ObjectInfo{Key: loc.Key, ETag: "etag-" + uploadID}, nil
}

func (b *pathBackend) DeleteObject(ctx context.Context, loc storage.Location) error {
	return nil
}

func TestCopy_DefaultThresholdFollowsPlanner(t *testing.T) {
	tests := []struct {
		name       string
		size       int64
		wantSingle int32
		wantParts  int32
	}{
		{name: "fits one part", size: parts.DefaultPartSize, wantSingle: 1},
		{name: "one byte over", size: parts.DefaultPartSize + 1, wantParts: 2},
		{name: "one gib", size: parts.GiB, wantParts: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &pathBackend{}
			_, err := New(b, workerpool.New(4), logging.Nop()).Copy(context.Background(), CopyJob{Source: src, Dest: dst, Size: tt.size})
			require.NoError(t, err)
			assert.Equal(t, tt.wantSingle, b.single.Load())
			assert.Equal(t, tt.wantParts, b.parts.Load())
		})
	}
}
