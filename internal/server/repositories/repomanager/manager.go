package repomanager

import (
	"context"
	"database/sql"

	"github.com/dandiarchive/blobstore/internal/dbx"
	"github.com/dandiarchive/blobstore/internal/server/repositories/blobs"
	"github.com/dandiarchive/blobstore/internal/server/repositories/uploads"
)

// RepositoryManager vends repositories bound to a DBTX, so services can use
// the same code inside and outside a transaction.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Blobs(db dbx.DBTX) blobs.Repository
	Uploads(db dbx.DBTX) uploads.Repository
}
