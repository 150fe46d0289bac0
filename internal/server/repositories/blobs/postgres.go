// Package blobs provides the PostgreSQL-backed blob registry table.
package blobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dandiarchive/blobstore/internal/common"
	"github.com/dandiarchive/blobstore/internal/dbx"
	"github.com/dandiarchive/blobstore/internal/server/models"
)

const blobColumns = `id, etag, sha256, size, storage_key, partition, dataset, download_count, created_at, updated_at`

// PostgresRepository implements Repository over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBlob(s scanner, extra ...any) (*models.Blob, error) {
	var (
		b         models.Blob
		sha       sql.NullString
		partition string
	)
	dest := []any{&b.ID, &b.ETag, &sha, &b.Size, &b.StorageKey, &partition, &b.Dataset, &b.DownloadCount, &b.CreatedAt, &b.UpdatedAt}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	b.SHA256 = sha.String
	b.Partition = models.Partition(partition)
	return &b, nil
}

// Upsert inserts b or, when (partition, etag, size) is taken, adds
// b.DownloadCount to the existing record. The conflict is resolved by the
// unique constraint, so concurrent registrations of identical content
// converge on one row.
func (r *PostgresRepository) Upsert(ctx context.Context, b *models.Blob) (*models.Blob, bool, error) {
	query := `
		INSERT INTO blobs (id, etag, sha256, size, storage_key, partition, dataset, download_count)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)
		ON CONFLICT (partition, etag, size)
		DO UPDATE SET
			download_count = blobs.download_count + EXCLUDED.download_count,
			sha256 = COALESCE(blobs.sha256, EXCLUDED.sha256),
			updated_at = now()
		RETURNING ` + blobColumns + `, (xmax = 0) AS inserted
	`
	var inserted bool
	got, err := scanBlob(r.db.QueryRowContext(ctx, query,
		b.ID, b.ETag, b.SHA256, b.Size, b.StorageKey, string(b.Partition), b.Dataset, b.DownloadCount,
	), &inserted)
	if err != nil {
		return nil, false, fmt.Errorf("db error: %w", err)
	}
	return got, inserted, nil
}

// Get returns the blob with the given id or common.ErrorNotFound.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Blob, error) {
	query := `SELECT ` + blobColumns + ` FROM blobs WHERE id = $1`

	b, err := scanBlob(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return b, nil
}

// FindByETag returns the blobs with the given etag, optionally restricted to
// one size (AnySize disables it) and one partition (empty disables it).
func (r *PostgresRepository) FindByETag(ctx context.Context, etag string, size int64, partition models.Partition) ([]*models.Blob, error) {
	query := `SELECT ` + blobColumns + ` FROM blobs
		WHERE etag = $1 AND ($2::bigint < 0 OR size = $2::bigint) AND ($3::text = '' OR partition = $3::text)
		ORDER BY created_at, id`
	return r.list(ctx, query, etag, size, string(partition))
}

// FindBySHA256 returns the blobs whose computed sha256 equals sha256.
func (r *PostgresRepository) FindBySHA256(ctx context.Context, sha256 string, partition models.Partition) ([]*models.Blob, error) {
	query := `SELECT ` + blobColumns + ` FROM blobs
		WHERE sha256 = $1 AND ($2::text = '' OR partition = $2::text)
		ORDER BY created_at, id`
	return r.list(ctx, query, sha256, string(partition))
}

// ListByDataset returns the blobs of a dataset in one partition.
func (r *PostgresRepository) ListByDataset(ctx context.Context, dataset string, partition models.Partition) ([]*models.Blob, error) {
	query := `SELECT ` + blobColumns + ` FROM blobs
		WHERE dataset = $1 AND partition = $2
		ORDER BY created_at, id`
	return r.list(ctx, query, dataset, string(partition))
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*models.Blob, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select blobs: %w", err)
	}
	defer rows.Close()

	var result []*models.Blob
	for rows.Next() {
		b, err := scanBlob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// SetSHA256 stores the computed sha256 of a blob.
func (r *PostgresRepository) SetSHA256(ctx context.Context, id, sha256 string) error {
	query := `UPDATE blobs SET sha256 = $2, updated_at = now() WHERE id = $1`
	return r.execOne(ctx, query, id, sha256)
}

// AddDownloads adds n to the download count of a blob.
func (r *PostgresRepository) AddDownloads(ctx context.Context, id string, n int64) error {
	query := `UPDATE blobs SET download_count = download_count + $2, updated_at = now() WHERE id = $1`
	return r.execOne(ctx, query, id, n)
}

// Move reassigns a blob to another partition and storage key. A record with
// the same content in the target partition makes it fail with a unique
// violation (see dbx.IsUniqueViolation).
func (r *PostgresRepository) Move(ctx context.Context, id string, partition models.Partition, storageKey string) error {
	query := `UPDATE blobs SET partition = $2, storage_key = $3, updated_at = now() WHERE id = $1`
	return r.execOne(ctx, query, id, string(partition), storageKey)
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	return r.execOne(ctx, `DELETE FROM blobs WHERE id = $1`, id)
}

func (r *PostgresRepository) execOne(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	switch n {
	case 1:
		return nil
	case 0:
		return common.ErrorNotFound
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}
