package services

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dandiarchive/blobstore/internal/checksum"
	"github.com/dandiarchive/blobstore/internal/common"
	"github.com/dandiarchive/blobstore/internal/parts"
	"github.com/dandiarchive/blobstore/internal/server/models"
	"github.com/dandiarchive/blobstore/internal/storage"
)

// etagOf returns the dandi-etag of data.
func etagOf(t *testing.T, data []byte) string {
	t.Helper()
	plan, err := parts.ForFileSize(int64(len(data)))
	require.NoError(t, err)
	var sums []string
	for _, p := range plan.Parts {
		sum := md5.Sum(data[p.Offset:p.End()])
		sums = append(sums, hex.EncodeToString(sum[:]))
	}
	etag, err := checksum.ETagFromParts(sums)
	require.NoError(t, err)
	return etag
}

func sha256Of(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func publicUpload(id string, etag string, size int64) *models.Upload {
	return &models.Upload{
		ID:         id,
		StorageKey: testLayout.Location(models.PartitionPublic, "", id).Key,
		Size:       size,
		ETag:       etag,
		Partition:  models.PartitionPublic,
		State:      models.UploadValidating,
	}
}

func TestBlobService_Register_CreatesBlob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	blob, err := e.blobs.Register(ctx, publicUpload("11111111-aaaa", "0123456789abcdef0123456789abcdef-1", 10))
	require.NoError(t, err)

	assert.Equal(t, "11111111-aaaa", blob.ID)
	assert.Equal(t, int64(1), blob.DownloadCount)
	assert.Equal(t, "blobs/111/111/11111111-aaaa", blob.StorageKey)
	assert.Equal(t, models.PartitionPublic, blob.Partition)
}

func TestBlobService_Register_DeduplicatesContent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	data := []byte("same bytes")
	etag := etagOf(t, data)

	first := publicUpload("11111111-aaaa", etag, int64(len(data)))
	second := publicUpload("22222222-bbbb", etag, int64(len(data)))
	e.store.PutObject(testLayout.Location(models.PartitionPublic, "", first.ID), data, nil)
	dup := testLayout.Location(models.PartitionPublic, "", second.ID)
	e.store.PutObject(dup, data, nil)

	_, err := e.blobs.Register(ctx, first)
	require.NoError(t, err)
	blob, err := e.blobs.Register(ctx, second)
	require.NoError(t, err)

	assert.Equal(t, first.ID, blob.ID)
	assert.Equal(t, int64(2), blob.DownloadCount)
	assert.Equal(t, 1, e.rm.b.count())
	assert.False(t, e.store.Has(dup), "duplicate object should be deleted")
	assert.True(t, e.store.Has(testLayout.Location(models.PartitionPublic, "", first.ID)))
}

func TestBlobService_Register_Concurrent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	data := []byte("raced bytes")
	etag := etagOf(t, data)

	uploads := []*models.Upload{
		publicUpload("11111111-aaaa", etag, int64(len(data))),
		publicUpload("22222222-bbbb", etag, int64(len(data))),
	}
	for _, u := range uploads {
		e.store.PutObject(testLayout.Location(models.PartitionPublic, "", u.ID), data, nil)
	}

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		got   = make([]*models.Blob, len(uploads))
		errs  = make([]error, len(uploads))
	)
	for i, u := range uploads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			got[i], errs[i] = e.blobs.Register(ctx, u)
		}()
	}
	close(start)
	wg.Wait()

	for i := range uploads {
		require.NoError(t, errs[i])
	}
	assert.Equal(t, got[0].ID, got[1].ID)
	require.Equal(t, 1, e.rm.b.count())
	winner := e.rm.b.get(got[0].ID)
	require.NotNil(t, winner)
	assert.Equal(t, int64(2), winner.DownloadCount)

	kept := 0
	for _, u := range uploads {
		if e.store.Has(testLayout.Location(models.PartitionPublic, "", u.ID)) {
			kept++
		}
	}
	assert.Equal(t, 1, kept, "only the winning object is kept")
}

func TestBlobService_Register_PartitionsAreIndependent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	etag := "0123456789abcdef0123456789abcdef-1"

	_, err := e.blobs.Register(ctx, publicUpload("11111111-aaaa", etag, 10))
	require.NoError(t, err)

	embargoed := &models.Upload{
		ID:         "22222222-bbbb",
		StorageKey: testLayout.Location(models.PartitionEmbargoed, "000123", "22222222-bbbb").Key,
		Size:       10,
		ETag:       etag,
		Partition:  models.PartitionEmbargoed,
		Dataset:    "000123",
	}
	blob, err := e.blobs.Register(ctx, embargoed)
	require.NoError(t, err)

	assert.Equal(t, "22222222-bbbb", blob.ID)
	assert.Equal(t, 2, e.rm.b.count())
}

func TestBlobService_Register_DigestConflict(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	etag := "0123456789abcdef0123456789abcdef-1"

	_, err := e.blobs.Register(ctx, publicUpload("11111111-aaaa", etag, 10))
	require.NoError(t, err)

	_, err = e.blobs.Register(ctx, publicUpload("22222222-bbbb", etag, 11))
	var dc *DigestConflictError
	require.ErrorAs(t, err, &dc)
	assert.Equal(t, "11111111-aaaa", dc.Existing.ID)
	assert.Equal(t, int64(11), dc.Size)
	assert.Equal(t, 1, e.rm.b.count())
}

func TestBlobService_Register_RequiresETag(t *testing.T) {
	e := newEnv(t)

	_, err := e.blobs.Register(context.Background(), publicUpload("11111111-aaaa", "", 10))
	assert.ErrorIs(t, err, common.ErrUploadIncomplete)
}

func TestBlobService_Lookup(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	sha := sha256Of([]byte("x"))
	e.rm.b.put(models.Blob{ID: "pub", ETag: "0123456789abcdef0123456789abcdef-1", SHA256: sha, Size: 10, Partition: models.PartitionPublic})
	e.rm.b.put(models.Blob{ID: "emb", ETag: "fedcba9876543210fedcba9876543210-1", Size: 5, Partition: models.PartitionEmbargoed, Dataset: "000001"})

	tests := []struct {
		name      string
		digest    models.Digest
		size      int64
		partition models.Partition
		wantID    string
		wantErr   error
	}{
		{
			name:   "etag any size",
			digest: models.Digest{Algorithm: models.AlgorithmETag, Value: "0123456789abcdef0123456789abcdef-1"},
			size:   -1,
			wantID: "pub",
		},
		{
			name:    "etag wrong size",
			digest:  models.Digest{Algorithm: models.AlgorithmETag, Value: "0123456789abcdef0123456789abcdef-1"},
			size:    11,
			wantErr: common.ErrorNotFound,
		},
		{
			name:   "sha256",
			digest: models.Digest{Algorithm: models.AlgorithmSHA256, Value: sha},
			size:   -1,
			wantID: "pub",
		},
		{
			name:      "embargoed hidden from public lookup",
			digest:    models.Digest{Algorithm: models.AlgorithmETag, Value: "fedcba9876543210fedcba9876543210-1"},
			size:      -1,
			partition: models.PartitionPublic,
			wantErr:   common.ErrorNotFound,
		},
		{
			name:    "invalid digest",
			digest:  models.Digest{Algorithm: models.AlgorithmETag, Value: "nope"},
			size:    -1,
			wantErr: common.ErrorValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := e.blobs.Lookup(ctx, tt.digest, tt.size, tt.partition)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, blob.ID)
		})
	}
}

func TestBlobService_Fold(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	from := e.rm.b.put(models.Blob{ID: "from", ETag: "0123456789abcdef0123456789abcdef-1", Size: 10, DownloadCount: 3, Partition: models.PartitionEmbargoed})
	into := e.rm.b.put(models.Blob{ID: "into", ETag: "0123456789abcdef0123456789abcdef-1", Size: 10, DownloadCount: 4, Partition: models.PartitionPublic})

	require.NoError(t, e.blobs.Fold(ctx, from, into))

	assert.Nil(t, e.rm.b.get("from"))
	assert.Equal(t, int64(7), e.rm.b.get("into").DownloadCount)
	assert.Equal(t, int64(7), into.DownloadCount)
}

func TestBlobService_Fold_RejectsDifferentContent(t *testing.T) {
	e := newEnv(t)
	from := e.rm.b.put(models.Blob{ID: "from", ETag: "0123456789abcdef0123456789abcdef-1", Size: 10})
	into := e.rm.b.put(models.Blob{ID: "into", ETag: "0123456789abcdef0123456789abcdef-1", Size: 12})

	err := e.blobs.Fold(context.Background(), from, into)
	require.Error(t, err)
	assert.NotNil(t, e.rm.b.get("from"))
}

func TestBlobService_RecordDownload(t *testing.T) {
	e := newEnv(t)
	e.rm.b.put(models.Blob{ID: "b", DownloadCount: 1})

	require.NoError(t, e.blobs.RecordDownload(context.Background(), "b"))
	assert.Equal(t, int64(2), e.rm.b.get("b").DownloadCount)

	err := e.blobs.RecordDownload(context.Background(), "missing")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestBlobService_CalculateSHA256(t *testing.T) {
	data := []byte("hash me please")

	t.Run("stores digest", func(t *testing.T) {
		e := newEnv(t)
		b := e.rm.b.put(models.Blob{ID: "b", StorageKey: "blobs/b", Size: int64(len(data)), Partition: models.PartitionPublic})
		e.store.PutObject(testLayout.BlobLocation(b), data, nil)

		sum, err := e.blobs.CalculateSHA256(context.Background(), "b")
		require.NoError(t, err)
		assert.Equal(t, sha256Of(data), sum)
		assert.Equal(t, sum, e.rm.b.get("b").SHA256)
	})

	t.Run("stored digest differs", func(t *testing.T) {
		e := newEnv(t)
		stored := sha256Of([]byte("other"))
		b := e.rm.b.put(models.Blob{ID: "b", StorageKey: "blobs/b", SHA256: stored, Size: int64(len(data)), Partition: models.PartitionPublic})
		e.store.PutObject(testLayout.BlobLocation(b), data, nil)

		_, err := e.blobs.CalculateSHA256(context.Background(), "b")
		var cm *ChecksumMismatchError
		require.ErrorAs(t, err, &cm)
		assert.Equal(t, stored, cm.Stored)
		assert.Equal(t, stored, e.rm.b.get("b").SHA256)
	})

	t.Run("size differs", func(t *testing.T) {
		e := newEnv(t)
		b := e.rm.b.put(models.Blob{ID: "b", StorageKey: "blobs/b", Size: 3, Partition: models.PartitionPublic})
		e.store.PutObject(testLayout.BlobLocation(b), data, nil)

		_, err := e.blobs.CalculateSHA256(context.Background(), "b")
		var sm *SizeMismatchError
		require.ErrorAs(t, err, &sm)
		assert.Equal(t, int64(len(data)), sm.Actual)
	})
}

func TestBlobService_Verify(t *testing.T) {
	data := []byte("verify")
	e := newEnv(t)
	ctx := context.Background()

	ok := e.rm.b.put(models.Blob{ID: "ok", StorageKey: "blobs/ok", Size: int64(len(data)), Partition: models.PartitionPublic})
	ok.ETag = e.store.PutObject(testLayout.BlobLocation(ok), data, nil)
	e.rm.b.put(*ok)
	require.NoError(t, e.blobs.Verify(ctx, "ok"))

	short := e.rm.b.put(models.Blob{ID: "short", StorageKey: "blobs/short", ETag: ok.ETag, Size: 2, Partition: models.PartitionPublic})
	e.store.PutObject(testLayout.BlobLocation(short), data, nil)
	var sm *SizeMismatchError
	assert.ErrorAs(t, e.blobs.Verify(ctx, "short"), &sm)

	bad := e.rm.b.put(models.Blob{ID: "bad", StorageKey: "blobs/bad", ETag: "0123456789abcdef0123456789abcdef-1", Size: int64(len(data)), Partition: models.PartitionPublic})
	e.store.PutObject(testLayout.BlobLocation(bad), data, nil)
	var em *EtagMismatchError
	assert.ErrorAs(t, e.blobs.Verify(ctx, "bad"), &em)

	e.rm.b.put(models.Blob{ID: "gone", StorageKey: "blobs/gone", Size: 1, Partition: models.PartitionPublic})
	err := e.blobs.Verify(ctx, "gone")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}
