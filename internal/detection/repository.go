package detection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/darkermemo/huntql/common/apperr"
	"github.com/darkermemo/huntql/internal/rule"
)

// Repository persists detections and their run history in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a Repository over the given pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const detectionColumns = `id, tenant_id, name, description, severity, enabled,
	interval_sec, spec, version, created_by, updated_by, created_at, updated_at, deleted_at`

// Create inserts a new detection. The ID and timestamps are assigned here.
func (r *Repository) Create(ctx context.Context, rec *Record) error {
	spec, err := rule.MarshalSpec(rec.Spec)
	if err != nil {
		return apperr.Internal(err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return apperr.Internal(err)
	}
	now := time.Now().UTC()
	rec.ID = id
	rec.Version = 1
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err = r.pool.Exec(ctx, `
		INSERT INTO detections (id, tenant_id, name, description, severity, enabled,
			interval_sec, spec, version, created_by, updated_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID, rec.TenantID, rec.Name, rec.Description, rec.Severity, rec.Enabled,
		rec.IntervalSec, spec, rec.Version, rec.CreatedBy, rec.UpdatedBy, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return apperr.Internal(fmt.Errorf("insert detection: %w", err))
	}
	return nil
}

// GetByID fetches one detection within the tenant. Soft-deleted records are
// not visible.
func (r *Repository) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Record, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+detectionColumns+`
		FROM detections
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL`, id, tenantID)
	rec, err := scanDetection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("detection %s not found", id)
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return rec, nil
}

// List pages through a tenant's detections, newest first.
func (r *Repository) List(ctx context.Context, tenantID string, includeDisabled bool, limit, offset int) ([]*Record, int, error) {
	filter := `tenant_id = $1 AND deleted_at IS NULL`
	if !includeDisabled {
		filter += ` AND enabled`
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM detections WHERE `+filter, tenantID).Scan(&total); err != nil {
		return nil, 0, apperr.Internal(err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+detectionColumns+`
		FROM detections
		WHERE `+filter+`
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	if err != nil {
		return nil, 0, apperr.Internal(err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanDetection(rows)
		if err != nil {
			return nil, 0, apperr.Internal(err)
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

// Update rewrites a detection's mutable fields with optimistic locking on
// the version column.
func (r *Repository) Update(ctx context.Context, rec *Record) error {
	spec, err := rule.MarshalSpec(rec.Spec)
	if err != nil {
		return apperr.Internal(err)
	}
	rec.UpdatedAt = time.Now().UTC()

	tag, err := r.pool.Exec(ctx, `
		UPDATE detections
		SET name = $1, description = $2, severity = $3, enabled = $4,
			interval_sec = $5, spec = $6, version = version + 1,
			updated_by = $7, updated_at = $8
		WHERE id = $9 AND tenant_id = $10 AND version = $11 AND deleted_at IS NULL`,
		rec.Name, rec.Description, rec.Severity, rec.Enabled,
		rec.IntervalSec, spec, rec.UpdatedBy, rec.UpdatedAt,
		rec.ID, rec.TenantID, rec.Version)
	if err != nil {
		return apperr.Internal(fmt.Errorf("update detection: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("detection %s not found at version %d", rec.ID, rec.Version)
	}
	rec.Version++
	return nil
}

// SetEnabled flips the enabled flag without touching the spec.
func (r *Repository) SetEnabled(ctx context.Context, tenantID string, id uuid.UUID, enabled bool, updatedBy string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE detections
		SET enabled = $1, updated_by = $2, updated_at = $3
		WHERE id = $4 AND tenant_id = $5 AND deleted_at IS NULL`,
		enabled, updatedBy, time.Now().UTC(), id, tenantID)
	if err != nil {
		return apperr.Internal(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("detection %s not found", id)
	}
	return nil
}

// SoftDelete disables and hides a detection while keeping its history.
func (r *Repository) SoftDelete(ctx context.Context, tenantID string, id uuid.UUID, deletedBy string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE detections
		SET enabled = false, deleted_at = $1, updated_by = $2, updated_at = $1
		WHERE id = $3 AND tenant_id = $4 AND deleted_at IS NULL`,
		time.Now().UTC(), deletedBy, id, tenantID)
	if err != nil {
		return apperr.Internal(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("detection %s not found", id)
	}
	return nil
}

// HardDelete removes a detection permanently. Detections that ever produced
// findings are protected; their audit trail must survive, so only soft
// deletion is allowed for them.
func (r *Repository) HardDelete(ctx context.Context, tenantID string, id uuid.UUID) error {
	var hasFindings bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM detection_runs WHERE detection_id = $1 AND finding_count > 0
		)`, id).Scan(&hasFindings)
	if err != nil {
		return apperr.Internal(err)
	}
	if hasFindings {
		return apperr.Validation("detection %s has recorded findings; disable or soft-delete it instead", id)
	}

	tag, err := r.pool.Exec(ctx,
		`DELETE FROM detections WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return apperr.Internal(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("detection %s not found", id)
	}
	return nil
}

// ListEnabled returns every enabled detection across tenants, for the
// scheduler.
func (r *Repository) ListEnabled(ctx context.Context) ([]*Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+detectionColumns+`
		FROM detections
		WHERE enabled AND deleted_at IS NULL
		ORDER BY created_at`)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanDetection(rows)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// InsertRun appends one evaluation to the run history.
func (r *Repository) InsertRun(ctx context.Context, run *Run) error {
	id, err := uuid.NewV7()
	if err != nil {
		return apperr.Internal(err)
	}
	run.ID = id

	_, err = r.pool.Exec(ctx, `
		INSERT INTO detection_runs (id, detection_id, tenant_id, status,
			finding_count, rows_read, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.DetectionID, run.TenantID, run.Status,
		run.FindingCount, run.RowsRead, run.Error, run.StartedAt, run.FinishedAt)
	if err != nil {
		return apperr.Internal(fmt.Errorf("insert run: %w", err))
	}
	return nil
}

// ListRuns returns the most recent runs for one detection.
func (r *Repository) ListRuns(ctx context.Context, tenantID string, detectionID uuid.UUID, limit int) ([]*Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, detection_id, tenant_id, status, finding_count, rows_read, error, started_at, finished_at
		FROM detection_runs
		WHERE detection_id = $1 AND tenant_id = $2
		ORDER BY started_at DESC
		LIMIT $3`, detectionID, tenantID, limit)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(&run.ID, &run.DetectionID, &run.TenantID, &run.Status,
			&run.FindingCount, &run.RowsRead, &run.Error, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, apperr.Internal(err)
		}
		out = append(out, &run)
	}
	return out, rows.Err()
}

func scanDetection(row pgx.Row) (*Record, error) {
	var rec Record
	var spec []byte
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.Name, &rec.Description, &rec.Severity,
		&rec.Enabled, &rec.IntervalSec, &spec, &rec.Version,
		&rec.CreatedBy, &rec.UpdatedBy, &rec.CreatedAt, &rec.UpdatedAt, &rec.DeletedAt)
	if err != nil {
		return nil, err
	}
	rec.Spec, err = rule.UnmarshalSpec(spec)
	if err != nil {
		return nil, fmt.Errorf("detection %s: %w", rec.ID, err)
	}
	return &rec, nil
}
