package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const objectColumns = `id, bucket, key, original_name, mime_type, size_bytes,
	owner_type, owner_id, document_type, status, checksum,
	fiscal_year, fiscal_quarter, fiscal_month, document_date,
	auto_generated, archived_from_status, source_table, source_id,
	deleted_at, custom_folder_id, created_at, updated_at`

// Repository wraps all SQL used by the gateway, the reconcile worker and the
// backfill driver.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository over the given pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert creates a new registry row with the status set by the caller.
// A missing ID is generated server-side.
func (r *Repository) Insert(ctx context.Context, obj *StoredObject) error {
	if obj.ID == "" {
		obj.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	obj.CreatedAt = now
	obj.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `
		INSERT INTO file_registry (`+objectColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
	`, obj.ID, obj.Bucket, obj.Key, obj.OriginalName, obj.MimeType, obj.SizeBytes,
		obj.OwnerType, obj.OwnerID, obj.DocumentType, obj.Status, obj.Checksum,
		obj.FiscalYear, obj.FiscalQuarter, obj.FiscalMonth, obj.DocumentDate,
		obj.AutoGenerated, obj.ArchivedFromStatus, obj.SourceTable, obj.SourceID,
		obj.DeletedAt, obj.CustomFolderID, obj.CreatedAt, obj.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert registry row: %w", ErrConflict)
		}
		return fmt.Errorf("insert registry row: %w", err)
	}
	return nil
}

// GetByID returns the non-deleted record with the given id.
func (r *Repository) GetByID(ctx context.Context, id string) (*StoredObject, error) {
	return r.getOne(ctx, `WHERE id = $1 AND deleted_at IS NULL`, id)
}

// GetByKey returns the non-deleted record at the given storage key.
func (r *Repository) GetByKey(ctx context.Context, key string) (*StoredObject, error) {
	return r.getOne(ctx, `WHERE key = $1 AND deleted_at IS NULL`, key)
}

// FindActiveBySource returns the single non-deleted record linked to a
// business row, or ErrNotFound.
func (r *Repository) FindActiveBySource(ctx context.Context, sourceTable, sourceID string) (*StoredObject, error) {
	return r.getOne(ctx, `WHERE source_table = $1 AND source_id = $2 AND deleted_at IS NULL`, sourceTable, sourceID)
}

func (r *Repository) getOne(ctx context.Context, where string, args ...any) (*StoredObject, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+objectColumns+` FROM file_registry `+where, args...)
	obj, err := scanObject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select registry row: %w", err)
	}
	return obj, nil
}

// MarkReady transitions an UPLOADING record to READY once the object has
// been verified in the store, recording its real size.
func (r *Repository) MarkReady(ctx context.Context, id string, sizeBytes int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE file_registry
		SET status = $1, size_bytes = $2, updated_at = $3
		WHERE id = $4 AND deleted_at IS NULL
	`, StatusReady, sizeBytes, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a row outright. Reserved for upload intents whose backing
// object never appeared; archival history is retired via ReplaceArchival.
func (r *Repository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM file_registry WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete registry row: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceArchival retires the active record for (source_table, source_id)
// and inserts obj as the new ACTIVE one, in a single transaction. The
// partial unique index on active sources makes concurrent replacements
// collide instead of both landing.
func (r *Repository) ReplaceArchival(ctx context.Context, obj *StoredObject) error {
	if obj.SourceTable == nil || obj.SourceID == nil {
		return fmt.Errorf("replace archival: source link required")
	}
	if obj.ID == "" {
		obj.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	obj.Status = StatusActive
	obj.CreatedAt = now
	obj.UpdatedAt = now

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE file_registry
		SET status = $1, deleted_at = $2, updated_at = $2
		WHERE source_table = $3 AND source_id = $4 AND deleted_at IS NULL
	`, StatusReplaced, now, *obj.SourceTable, *obj.SourceID)
	if err != nil {
		return fmt.Errorf("retire prior record: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO file_registry (`+objectColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
	`, obj.ID, obj.Bucket, obj.Key, obj.OriginalName, obj.MimeType, obj.SizeBytes,
		obj.OwnerType, obj.OwnerID, obj.DocumentType, obj.Status, obj.Checksum,
		obj.FiscalYear, obj.FiscalQuarter, obj.FiscalMonth, obj.DocumentDate,
		obj.AutoGenerated, obj.ArchivedFromStatus, obj.SourceTable, obj.SourceID,
		obj.DeletedAt, obj.CustomFolderID, obj.CreatedAt, obj.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert replacement: %w", ErrConflict)
		}
		return fmt.Errorf("insert replacement: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit replace: %w", err)
	}
	return nil
}

// ListByFiscalPeriod returns non-deleted records for a fiscal period,
// ordered by document date ascending.
func (r *Repository) ListByFiscalPeriod(ctx context.Context, filter FiscalFilter) ([]*StoredObject, error) {
	query := `SELECT ` + objectColumns + ` FROM file_registry
		WHERE fiscal_year = $1 AND deleted_at IS NULL`
	args := []any{filter.Year}
	if filter.Quarter != nil {
		args = append(args, *filter.Quarter)
		query += fmt.Sprintf(" AND fiscal_quarter = $%d", len(args))
	}
	if filter.Section != nil {
		args = append(args, *filter.Section)
		query += fmt.Sprintf(" AND document_type = $%d", len(args))
	}
	query += " ORDER BY document_date ASC NULLS LAST, created_at ASC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list fiscal period: %w", err)
	}
	defer rows.Close()

	var out []*StoredObject
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan registry row: %w", err)
		}
		out = append(out, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list fiscal period: %w", err)
	}
	return out, nil
}

// GetFolder returns a custom folder by id.
func (r *Repository) GetFolder(ctx context.Context, id string) (*CustomFolder, error) {
	var f CustomFolder
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, minio_prefix, created_at FROM custom_folders WHERE id = $1
	`, id).Scan(&f.ID, &f.Name, &f.MinioPrefix, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select folder: %w", err)
	}
	return &f, nil
}

func scanObject(row pgx.Row) (*StoredObject, error) {
	var obj StoredObject
	err := row.Scan(&obj.ID, &obj.Bucket, &obj.Key, &obj.OriginalName, &obj.MimeType, &obj.SizeBytes,
		&obj.OwnerType, &obj.OwnerID, &obj.DocumentType, &obj.Status, &obj.Checksum,
		&obj.FiscalYear, &obj.FiscalQuarter, &obj.FiscalMonth, &obj.DocumentDate,
		&obj.AutoGenerated, &obj.ArchivedFromStatus, &obj.SourceTable, &obj.SourceID,
		&obj.DeletedAt, &obj.CustomFolderID, &obj.CreatedAt, &obj.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &obj, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
