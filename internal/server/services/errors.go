package services

import (
	"fmt"
	"strings"

	"github.com/dandiarchive/blobstore/internal/common"
	"github.com/dandiarchive/blobstore/internal/server/models"
)

// Messages reported to clients for integrity failures.
const (
	MsgSizeMismatch   = "Size does not match."
	MsgETagMismatch   = "ETag does not match."
	MsgObjectNotFound = "Object does not exist."
)

// ValidationError carries field-level messages for rejected input.
type ValidationError struct {
	Messages []string
}

func newValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Messages: []string{fmt.Sprintf(format, args...)}}
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Messages, "; ")
}

func (e *ValidationError) Unwrap() error {
	return common.ErrorValidation
}

// BlobAlreadyExistsError is returned by Initialize when the declared content
// is already registered. Clients reference BlobID instead of uploading.
type BlobAlreadyExistsError struct {
	BlobID string
}

func (e *BlobAlreadyExistsError) Error() string {
	return fmt.Sprintf("blob already exists: %s", e.BlobID)
}

func (e *BlobAlreadyExistsError) Unwrap() error {
	return common.ErrBlobExists
}

// DigestConflictError reports a digest that is registered with another size.
type DigestConflictError struct {
	Existing *models.Blob
	Size     int64
}

func (e *DigestConflictError) Error() string {
	return fmt.Sprintf("digest %s is registered with size %d, not %d", e.Existing.ETag, e.Existing.Size, e.Size)
}

// SizeMismatchError reports a stored object whose size differs from the
// declared one.
type SizeMismatchError struct {
	Expected int64
	Actual   int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// EtagMismatchError reports an assembled or stored etag that differs from
// the expected one.
type EtagMismatchError struct {
	Expected string
	Actual   string
}

func (e *EtagMismatchError) Error() string {
	return fmt.Sprintf("etag mismatch: expected %s, got %s", e.Expected, e.Actual)
}

// ChecksumMismatchError reports a computed sha256 that differs from the one
// stored for the blob.
type ChecksumMismatchError struct {
	BlobID   string
	Stored   string
	Computed string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("blob %s: stored sha256 %s, computed %s", e.BlobID, e.Stored, e.Computed)
}
