package models

import "time"

// UploadState is the position of an upload session in its lifecycle.
type UploadState string

const (
	UploadInitialized  UploadState = "INITIALIZED"
	UploadPartsPending UploadState = "PARTS_PENDING"
	UploadValidating   UploadState = "VALIDATING"
	UploadComplete     UploadState = "COMPLETE"
	UploadAbandoned    UploadState = "ABANDONED"
)

// Upload tracks one client multipart upload from initialization until the
// object is validated and registered as a Blob.
type Upload struct {
	// ID is the session uuid handed to the client.
	ID string
	// UploadID is the object-store multipart upload id.
	UploadID   string
	StorageKey string
	Size       int64
	Digest     Digest
	// ETag is the assembled etag, known once the client has completed the
	// upload or declared up front with a dandi-etag digest.
	ETag      string
	Partition Partition
	Dataset   string
	State     UploadState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanTransition reports whether the session may move from its current state
// to next.
func (u *Upload) CanTransition(next UploadState) bool {
	switch next {
	case UploadPartsPending:
		return u.State == UploadInitialized || u.State == UploadPartsPending
	case UploadValidating:
		return u.State == UploadInitialized || u.State == UploadPartsPending
	case UploadComplete:
		return u.State == UploadValidating
	case UploadInitialized:
		return u.State == UploadValidating
	case UploadAbandoned:
		return u.State != UploadComplete
	}
	return false
}
