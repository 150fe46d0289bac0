package uploads

import (
	"context"
	"time"

	"github.com/dandiarchive/blobstore/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, u *models.Upload) error
	Get(ctx context.Context, id string) (*models.Upload, error)
	GetByUploadID(ctx context.Context, uploadID string) (*models.Upload, error)
	// Transition moves the session from one state to another and returns
	// common.ErrVersionConflict when it is no longer in state from. A
	// non-empty etag is stored alongside.
	Transition(ctx context.Context, id string, from, to models.UploadState, etag string) error
	Delete(ctx context.Context, id string) error
	ListCreatedBefore(ctx context.Context, before time.Time) ([]*models.Upload, error)
}
