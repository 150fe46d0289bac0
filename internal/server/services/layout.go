package services

import (
	"github.com/dandiarchive/blobstore/internal/server/config"
	"github.com/dandiarchive/blobstore/internal/server/models"
	"github.com/dandiarchive/blobstore/internal/storage"
)

// EmbargoTag marks objects that must not be served publicly yet.
const EmbargoTag = "embargoed"

// Layout maps blobs to object-store locations. Keys shard on the first six
// characters of the blob id:
//
//	public:    {PublicPrefix}blobs/abc/def/abcdef...
//	embargoed: {EmbargoPrefix}{dataset}/blobs/abc/def/abcdef...
type Layout struct {
	PublicBucket  string
	PublicPrefix  string
	EmbargoBucket string
	EmbargoPrefix string
}

// LayoutFromConfig reads the bucket settings of cfg.
func LayoutFromConfig(cfg *config.Config) Layout {
	return Layout{
		PublicBucket:  cfg.PublicBucket,
		PublicPrefix:  cfg.PublicPrefix,
		EmbargoBucket: cfg.EmbargoBucket,
		EmbargoPrefix: cfg.EmbargoPrefix,
	}
}

func blobPath(id string) string {
	if len(id) < 6 {
		return "blobs/" + id
	}
	return "blobs/" + id[0:3] + "/" + id[3:6] + "/" + id
}

// Location returns where a blob with the given id is stored in partition.
// The dataset is only part of embargoed keys.
func (l Layout) Location(partition models.Partition, dataset, id string) storage.Location {
	if partition == models.PartitionEmbargoed {
		return storage.Location{Bucket: l.EmbargoBucket, Key: l.EmbargoPrefix + dataset + "/" + blobPath(id)}
	}
	return storage.Location{Bucket: l.PublicBucket, Key: l.PublicPrefix + blobPath(id)}
}

// Bucket returns the bucket of a partition.
func (l Layout) Bucket(partition models.Partition) string {
	if partition == models.PartitionEmbargoed {
		return l.EmbargoBucket
	}
	return l.PublicBucket
}

// BlobLocation returns the location recorded for b.
func (l Layout) BlobLocation(b *models.Blob) storage.Location {
	return storage.Location{Bucket: l.Bucket(b.Partition), Key: b.StorageKey}
}
