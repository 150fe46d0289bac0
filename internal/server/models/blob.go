// Package models defines the records persisted by the server.
package models

import (
	"fmt"
	"time"

	"github.com/dandiarchive/blobstore/internal/checksum"
)

// Partition separates embargoed content from public content. Each
// partition has its own bucket and key prefix.
type Partition string

const (
	PartitionPublic    Partition = "PUBLIC"
	PartitionEmbargoed Partition = "EMBARGOED"
)

// DigestAlgorithm names a content digest accepted by the upload protocol.
type DigestAlgorithm string

const (
	AlgorithmETag   DigestAlgorithm = "dandi:dandi-etag"
	AlgorithmSHA256 DigestAlgorithm = "dandi:sha2-256"
)

// Digest is a client-declared content digest.
type Digest struct {
	Algorithm DigestAlgorithm `json:"algorithm"`
	Value     string          `json:"value"`
}

// Validate checks the algorithm and the value format.
func (d Digest) Validate() error {
	switch d.Algorithm {
	case AlgorithmETag:
		if !checksum.ValidETag(d.Value) {
			return fmt.Errorf("invalid %s value %q", d.Algorithm, d.Value)
		}
	case AlgorithmSHA256:
		if !checksum.ValidSHA256(d.Value) {
			return fmt.Errorf("invalid %s value %q", d.Algorithm, d.Value)
		}
	default:
		return fmt.Errorf("unsupported digest algorithm. supported: %s, %s", AlgorithmETag, AlgorithmSHA256)
	}
	return nil
}

// Blob is one physical object, deduplicated by (etag, size) inside its
// partition. SHA256 is empty until it has been computed.
type Blob struct {
	ID            string
	ETag          string
	SHA256        string
	Size          int64
	StorageKey    string
	Partition     Partition
	Dataset       string
	DownloadCount int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Embargoed reports whether the blob lives in the embargoed partition.
func (b *Blob) Embargoed() bool {
	return b.Partition == PartitionEmbargoed
}
