// Package common defines sentinel errors shared by the repositories, the
// services and the transport layers. Callers should use errors.Is to match
// these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")

	// Service-level errors.
	ErrorInternal   = errors.New("internal error")
	ErrorValidation = errors.New("validation error")

	// Upload protocol errors.
	ErrInvalidDigest    = errors.New("invalid digest")
	ErrInvalidState     = errors.New("invalid upload state")
	ErrUploadIncomplete = errors.New("upload not complete")
	ErrUploadExpired    = errors.New("upload expired")

	// Blob lifecycle errors.
	ErrBlobEmbargoed = errors.New("blob is embargoed")
	ErrBlobExists    = errors.New("blob already exists")
)
