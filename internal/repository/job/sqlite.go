package job

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ahmethakanbesel/ecar-manager/internal/apperror"
	domain "github.com/ahmethakanbesel/ecar-manager/internal/job"
)

const timeFormat = time.RFC3339Nano

const columns = `id, type, name, grp, status, progress,
	failed_code, failed_reason, metadata, created_on, updated_on`

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, j *domain.Record) error {
	const query = `INSERT INTO jobs (` + columns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().UTC()
	if j.CreatedOn.IsZero() {
		j.CreatedOn = now
	}
	j.UpdatedOn = now

	_, err := r.db.ExecContext(ctx, query,
		j.ID, string(j.Type), j.Name, j.Group, string(j.Status), j.Progress,
		nullString(j.FailedCode), nullString(j.FailedReason), metadata(j.MetaData),
		j.CreatedOn.Format(timeFormat), j.UpdatedOn.Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (r *Repository) Update(ctx context.Context, j *domain.Record) error {
	const query = `UPDATE jobs SET name = ?, status = ?, progress = ?,
		failed_code = ?, failed_reason = ?, metadata = ?, updated_on = ?
		WHERE id = ?`

	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, query,
		j.Name, string(j.Status), j.Progress,
		nullString(j.FailedCode), nullString(j.FailedReason), metadata(j.MetaData),
		now.Format(timeFormat), j.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.New(apperror.NotFound, "job not found")
	}
	j.UpdatedOn = now
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Record, error) {
	const query = `SELECT ` + columns + ` FROM jobs WHERE id = ?`

	j, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.New(apperror.NotFound, "job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (r *Repository) List(ctx context.Context, f domain.Filter) ([]domain.Record, error) {
	query := `SELECT ` + columns + ` FROM jobs WHERE 1=1`

	var args []any
	if len(f.Types) > 0 {
		query += " AND type IN (" + placeholders(len(f.Types)) + ")"
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	if len(f.Statuses) > 0 {
		query += " AND status IN (" + placeholders(len(f.Statuses)) + ")"
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if f.Group != "" {
		query += " AND grp = ?"
		args = append(args, f.Group)
	}
	query += " ORDER BY created_on ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []domain.Record
	for rows.Next() {
		j, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}

	return jobs, rows.Err()
}

func (r *Repository) FindActive(ctx context.Context, t domain.Type, group string) (*domain.Record, error) {
	jobs, err := r.List(ctx, domain.Filter{
		Types:    []domain.Type{t},
		Statuses: domain.Active,
		Group:    group,
		Limit:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("find active job: %w", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

func (r *Repository) RecoverStale(ctx context.Context) (int64, error) {
	const query = `UPDATE jobs SET
		status = CASE status
			WHEN 'IN_PROGRESS' THEN 'RECONCILE'
			WHEN 'PAUSING' THEN 'PAUSED'
		END,
		updated_on = ?
		WHERE status IN ('IN_PROGRESS', 'PAUSING')`

	res, err := r.db.ExecContext(ctx, query, time.Now().UTC().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}

	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*domain.Record, error) {
	j := &domain.Record{}
	var typ, status, meta, createdStr, updatedStr string
	var failedCode, failedReason sql.NullString

	if err := s.Scan(
		&j.ID, &typ, &j.Name, &j.Group, &status, &j.Progress,
		&failedCode, &failedReason, &meta, &createdStr, &updatedStr,
	); err != nil {
		return nil, err
	}

	j.Type = domain.Type(typ)
	j.Status = domain.Status(status)
	j.FailedCode = failedCode.String
	j.FailedReason = failedReason.String
	if meta != "" && meta != "{}" {
		j.MetaData = []byte(meta)
	}
	j.CreatedOn, _ = time.Parse(timeFormat, createdStr)
	j.UpdatedOn, _ = time.Parse(timeFormat, updatedStr)
	return j, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func metadata(b []byte) string {
	if len(b) == 0 {
		return "{}"
	}
	return string(b)
}
