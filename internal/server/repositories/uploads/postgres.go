// Package uploads provides the PostgreSQL-backed upload session table.
package uploads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dandiarchive/blobstore/internal/common"
	"github.com/dandiarchive/blobstore/internal/dbx"
	"github.com/dandiarchive/blobstore/internal/server/models"
)

const uploadColumns = `id, upload_id, storage_key, size, digest_algorithm, digest_value, etag, partition, dataset, state, created_at, updated_at`

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

func scanUpload(s scanner) (*models.Upload, error) {
	var (
		u              models.Upload
		etag           sql.NullString
		algo, part, st string
	)
	if err := s.Scan(&u.ID, &u.UploadID, &u.StorageKey, &u.Size, &algo, &u.Digest.Value, &etag, &part, &u.Dataset, &st, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Digest.Algorithm = models.DigestAlgorithm(algo)
	u.ETag = etag.String
	u.Partition = models.Partition(part)
	u.State = models.UploadState(st)
	return &u, nil
}

// Create persists a new session. CreatedAt and UpdatedAt are set from the
// database clock.
func (r *PostgresRepository) Create(ctx context.Context, u *models.Upload) error {
	query := `
		INSERT INTO uploads (id, upload_id, storage_key, size, digest_algorithm, digest_value, etag, partition, dataset, state)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRowContext(ctx, query,
		u.ID, u.UploadID, u.StorageKey, u.Size, string(u.Digest.Algorithm), u.Digest.Value,
		u.ETag, string(u.Partition), u.Dataset, string(u.State),
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.Upload, error) {
	return r.getOne(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id = $1`, id)
}

func (r *PostgresRepository) GetByUploadID(ctx context.Context, uploadID string) (*models.Upload, error) {
	return r.getOne(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE upload_id = $1`, uploadID)
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, arg any) (*models.Upload, error) {
	u, err := scanUpload(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return u, nil
}

// Transition is a compare-and-swap on the session state.
func (r *PostgresRepository) Transition(ctx context.Context, id string, from, to models.UploadState, etag string) error {
	query := `
		UPDATE uploads
		SET state = $3, etag = COALESCE(NULLIF($4, ''), etag), updated_at = now()
		WHERE id = $1 AND state = $2
	`
	res, err := r.db.ExecContext(ctx, query, id, string(from), string(to), etag)
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
		return common.ErrVersionConflict
	default:
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM uploads WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

// ListCreatedBefore returns the sessions created before the given time,
// oldest first.
func (r *PostgresRepository) ListCreatedBefore(ctx context.Context, before time.Time) ([]*models.Upload, error) {
	query := `SELECT ` + uploadColumns + ` FROM uploads WHERE created_at < $1 ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("failed to select uploads: %w", err)
	}
	defer rows.Close()

	var result []*models.Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
