// Package services contains the server-side business logic: the blob
// registry, the upload session protocol and the unembargo migration.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dandiarchive/blobstore/internal/checksum"
	"github.com/dandiarchive/blobstore/internal/common"
	"github.com/dandiarchive/blobstore/internal/dbx"
	"github.com/dandiarchive/blobstore/internal/logging"
	"github.com/dandiarchive/blobstore/internal/metrics"
	"github.com/dandiarchive/blobstore/internal/server/models"
	"github.com/dandiarchive/blobstore/internal/server/repositories/blobs"
	"github.com/dandiarchive/blobstore/internal/server/repositories/repomanager"
	"github.com/dandiarchive/blobstore/internal/storage"
)

// BlobService is the registry of stored blobs. It guarantees at most one
// record, and one physical object, per (etag, size) in each partition.
type BlobService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	backend     storage.Backend
	layout      Layout
	log         logging.Logger
	metrics     *metrics.Metrics
}

func NewBlobService(db *sql.DB, rm repomanager.RepositoryManager, backend storage.Backend, layout Layout, log logging.Logger, m *metrics.Metrics) *BlobService {
	return &BlobService{
		db:          db,
		repomanager: rm,
		backend:     backend,
		layout:      layout,
		log:         log.With("module", "blobs"),
		metrics:     m,
	}
}

// Layout returns the key layout used by the registry.
func (s *BlobService) Layout() Layout {
	return s.layout
}

// Get returns a blob by id.
func (s *BlobService) Get(ctx context.Context, id string) (*models.Blob, error) {
	return s.repomanager.Blobs(s.db).Get(ctx, id)
}

// Lookup resolves a digest to a registered blob. An etag digest matches on
// etag, and on (etag, size) when size is not blobs.AnySize; a sha256 digest
// matches on sha256 alone. An empty partition searches both partitions.
func (s *BlobService) Lookup(ctx context.Context, digest models.Digest, size int64, partition models.Partition) (*models.Blob, error) {
	if err := digest.Validate(); err != nil {
		return nil, &ValidationError{Messages: []string{err.Error()}}
	}
	found, err := s.find(ctx, s.repomanager.Blobs(s.db), digest, size, partition)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, common.ErrorNotFound
	}
	return found[0], nil
}

func (s *BlobService) find(ctx context.Context, repo blobs.Repository, digest models.Digest, size int64, partition models.Partition) ([]*models.Blob, error) {
	switch digest.Algorithm {
	case models.AlgorithmETag:
		return repo.FindByETag(ctx, digest.Value, size, partition)
	case models.AlgorithmSHA256:
		return repo.FindBySHA256(ctx, digest.Value, partition)
	}
	return nil, fmt.Errorf("%w: %s", common.ErrInvalidDigest, digest.Algorithm)
}

// resolve looks for content already registered in partition. It returns the
// matching blob, nil when the content is unknown, or a DigestConflictError
// when the digest is registered with another size.
func (s *BlobService) resolve(ctx context.Context, repo blobs.Repository, digest models.Digest, size int64, partition models.Partition) (*models.Blob, error) {
	found, err := s.find(ctx, repo, digest, blobs.AnySize, partition)
	if err != nil {
		return nil, err
	}
	var conflict *models.Blob
	for _, b := range found {
		if b.Size == size {
			return b, nil
		}
		if conflict == nil {
			conflict = b
		}
	}
	if conflict != nil {
		return nil, &DigestConflictError{Existing: conflict, Size: size}
	}
	return nil, nil
}

// Register records the validated object of an upload session. Registering
// content that already exists in the partition returns the existing record
// with its download count incremented, and removes the duplicate object.
func (s *BlobService) Register(ctx context.Context, u *models.Upload) (*models.Blob, error) {
	var (
		blob    *models.Blob
		created bool
	)
	err := dbx.WithRetryTx(ctx, s.db, dbx.Serializable, dbx.DefaultRetries, func(ctx context.Context, tx dbx.DBTX) error {
		var err error
		blob, created, err = s.register(ctx, s.repomanager.Blobs(tx), u)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.afterRegister(ctx, u, blob, created)
	return blob, nil
}

func (s *BlobService) register(ctx context.Context, repo blobs.Repository, u *models.Upload) (*models.Blob, bool, error) {
	if u.ETag == "" {
		return nil, false, fmt.Errorf("%w: upload %s has no etag", common.ErrUploadIncomplete, u.ID)
	}
	digest := models.Digest{Algorithm: models.AlgorithmETag, Value: u.ETag}
	if _, err := s.resolve(ctx, repo, digest, u.Size, u.Partition); err != nil {
		var dc *DigestConflictError
		if errors.As(err, &dc) {
			s.metrics.BlobRegistered("conflict")
		}
		return nil, false, err
	}

	blob, created, err := repo.Upsert(ctx, &models.Blob{
		ID:            u.ID,
		ETag:          u.ETag,
		Size:          u.Size,
		StorageKey:    u.StorageKey,
		Partition:     u.Partition,
		Dataset:       u.Dataset,
		DownloadCount: 1,
	})
	if err != nil {
		return nil, false, err
	}
	return blob, created, nil
}

func (s *BlobService) afterRegister(ctx context.Context, u *models.Upload, blob *models.Blob, created bool) {
	if created {
		s.metrics.BlobRegistered("created")
		s.log.Info(ctx, "blob registered", "blob_id", blob.ID, "size", blob.Size, "partition", string(blob.Partition))
		return
	}
	s.metrics.BlobRegistered("existing")
	if blob.StorageKey == u.StorageKey {
		return
	}
	dup := storage.Location{Bucket: s.layout.Bucket(u.Partition), Key: u.StorageKey}
	if err := s.backend.DeleteObject(ctx, dup); err != nil {
		s.log.Error(ctx, "failed to delete duplicate object", "key", dup.String(), "error", err)
		return
	}
	s.log.Info(ctx, "upload folded into existing blob", "blob_id", blob.ID, "upload_id", u.ID)
}

// Fold merges from into into: the download count of from is added to into
// and the record of from is deleted. Objects are not touched.
func (s *BlobService) Fold(ctx context.Context, from, into *models.Blob) error {
	return dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return s.fold(ctx, s.repomanager.Blobs(tx), from, into)
	})
}

func (s *BlobService) fold(ctx context.Context, repo blobs.Repository, from, into *models.Blob) error {
	if from.ETag != into.ETag || from.Size != into.Size {
		return fmt.Errorf("cannot fold blob %s into %s: content differs", from.ID, into.ID)
	}
	if err := repo.AddDownloads(ctx, into.ID, from.DownloadCount); err != nil {
		return fmt.Errorf("error updating blob %s: %w", into.ID, err)
	}
	if err := repo.Delete(ctx, from.ID); err != nil {
		return fmt.Errorf("error deleting blob %s: %w", from.ID, err)
	}
	into.DownloadCount += from.DownloadCount
	return nil
}

// RecordDownload counts one read of a blob.
func (s *BlobService) RecordDownload(ctx context.Context, id string) error {
	return s.repomanager.Blobs(s.db).AddDownloads(ctx, id, 1)
}

// CalculateSHA256 streams the stored object through a sha256 and records the
// digest. A digest that differs from an already stored one is reported as a
// ChecksumMismatchError and not overwritten.
func (s *BlobService) CalculateSHA256(ctx context.Context, id string) (string, error) {
	repo := s.repomanager.Blobs(s.db)
	blob, err := repo.Get(ctx, id)
	if err != nil {
		return "", err
	}

	rc, err := s.backend.GetObject(ctx, s.layout.BlobLocation(blob))
	if err != nil {
		return "", err
	}
	defer rc.Close()

	h := checksum.NewSHA256()
	n, err := checksum.Copy(ctx, h, rc, checksum.DefaultBufferSize)
	if err != nil {
		return "", fmt.Errorf("error reading blob %s: %w", id, err)
	}
	if n != blob.Size {
		return "", &SizeMismatchError{Expected: blob.Size, Actual: n}
	}

	sum := h.Digest()
	if blob.SHA256 != "" {
		if blob.SHA256 != sum {
			return "", &ChecksumMismatchError{BlobID: id, Stored: blob.SHA256, Computed: sum}
		}
		return sum, nil
	}
	if err := repo.SetSHA256(ctx, id, sum); err != nil {
		return "", err
	}
	s.log.Info(ctx, "sha256 calculated", "blob_id", id, "sha256", sum)
	return sum, nil
}

// Verify checks that the stored object matches the size and etag of its
// record.
func (s *BlobService) Verify(ctx context.Context, id string) error {
	blob, err := s.repomanager.Blobs(s.db).Get(ctx, id)
	if err != nil {
		return err
	}
	info, err := s.backend.HeadObject(ctx, s.layout.BlobLocation(blob))
	if err != nil {
		return err
	}
	if info.Size != blob.Size {
		return &SizeMismatchError{Expected: blob.Size, Actual: info.Size}
	}
	if info.ETag != blob.ETag {
		return &EtagMismatchError{Expected: blob.ETag, Actual: info.ETag}
	}
	return nil
}
