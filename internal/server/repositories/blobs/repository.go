package blobs

import (
	"context"

	"github.com/dandiarchive/blobstore/internal/server/models"
)

// AnySize disables the size filter of FindByETag.
const AnySize int64 = -1

type Repository interface {
	// Upsert inserts b, or increments the download count of the record that
	// already holds (partition, etag, size). The stored record is returned
	// together with whether it was newly created.
	Upsert(ctx context.Context, b *models.Blob) (*models.Blob, bool, error)
	Get(ctx context.Context, id string) (*models.Blob, error)
	FindByETag(ctx context.Context, etag string, size int64, partition models.Partition) ([]*models.Blob, error)
	FindBySHA256(ctx context.Context, sha256 string, partition models.Partition) ([]*models.Blob, error)
	ListByDataset(ctx context.Context, dataset string, partition models.Partition) ([]*models.Blob, error)
	SetSHA256(ctx context.Context, id, sha256 string) error
	AddDownloads(ctx context.Context, id string, n int64) error
	Move(ctx context.Context, id string, partition models.Partition, storageKey string) error
	Delete(ctx context.Context, id string) error
}
