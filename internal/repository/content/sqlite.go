package content

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ahmethakanbesel/ecar-manager/internal/apperror"
	domain "github.com/ahmethakanbesel/ecar-manager/internal/content"
)

// Repository stores content documents as JSON, one row per identifier.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Get(ctx context.Context, id string) (*domain.Item, error) {
	var doc string
	err := r.db.QueryRowContext(ctx, `SELECT doc FROM content WHERE identifier = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.New(apperror.ContentNotFound, "content not found: "+id)
	}
	if err != nil {
		return nil, fmt.Errorf("get content: %w", err)
	}
	var it domain.Item
	if err := json.Unmarshal([]byte(doc), &it); err != nil {
		return nil, fmt.Errorf("decode content %s: %w", id, err)
	}
	return &it, nil
}

// Upsert overlays the item's non-empty top-level fields on the stored
// document, creating it if absent.
func (r *Repository) Upsert(ctx context.Context, item *domain.Item) error {
	_, err := r.upsert(ctx, item)
	return err
}

// upsert writes one document and returns its new revision.
func (r *Repository) upsert(ctx context.Context, item *domain.Item) (int64, error) {
	if item == nil || item.Identifier == "" {
		return 0, apperror.New(apperror.BadRequest, "content identifier is required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("upsert content: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rev, err := upsertTx(ctx, tx, item)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("upsert content: commit: %w", err)
	}
	return rev, nil
}

// Bulk upserts each item on its own; one bad document does not stop the
// batch.
func (r *Repository) Bulk(ctx context.Context, items []*domain.Item) ([]domain.BulkResult, error) {
	results := make([]domain.BulkResult, 0, len(items))
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := domain.BulkResult{}
		if it != nil {
			res.Identifier = it.Identifier
		}
		res.Rev, res.Err = r.upsert(ctx, it)
		results = append(results, res)
	}
	return results, nil
}

func (r *Repository) Find(ctx context.Context, sel domain.Selector) ([]domain.Item, error) {
	query := `SELECT doc FROM content WHERE 1=1`

	var args []any
	if len(sel.Identifiers) > 0 {
		query += " AND identifier IN (" + strings.TrimSuffix(strings.Repeat("?, ", len(sel.Identifiers)), ", ") + ")"
		for _, id := range sel.Identifiers {
			args = append(args, id)
		}
	}
	if sel.Visibility != "" {
		query += " AND json_extract(doc, '$.visibility') = ?"
		args = append(args, string(sel.Visibility))
	}
	if sel.Available != nil {
		if *sel.Available {
			query += " AND json_extract(doc, '$.desktopAppMetadata.isAvailable') = 1"
		} else {
			query += " AND COALESCE(json_extract(doc, '$.desktopAppMetadata.isAvailable'), 0) = 0"
		}
	}
	query += " ORDER BY identifier"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find content: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []domain.Item
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan content: %w", err)
		}
		var it domain.Item
		if err := json.Unmarshal([]byte(doc), &it); err != nil {
			return nil, fmt.Errorf("decode content: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func upsertTx(ctx context.Context, tx *sql.Tx, item *domain.Item) (int64, error) {
	patch, err := toFields(item)
	if err != nil {
		return 0, err
	}

	var existing string
	err = tx.QueryRowContext(ctx, `SELECT doc FROM content WHERE identifier = ?`, item.Identifier).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		existing = ""
	case err != nil:
		return 0, fmt.Errorf("upsert content: load: %w", err)
	}

	merged := map[string]json.RawMessage{}
	if existing != "" {
		if err := json.Unmarshal([]byte(existing), &merged); err != nil {
			return 0, fmt.Errorf("upsert content: decode stored %s: %w", item.Identifier, err)
		}
	}
	for k, v := range patch {
		merged[k] = v
	}
	doc, err := json.Marshal(merged)
	if err != nil {
		return 0, fmt.Errorf("upsert content: encode: %w", err)
	}

	const query = `INSERT INTO content (identifier, rev, doc, updated_on) VALUES (?, 1, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET rev = rev + 1, doc = excluded.doc, updated_on = excluded.updated_on
		RETURNING rev`
	var rev int64
	err = tx.QueryRowContext(ctx, query, item.Identifier, string(doc), time.Now().UTC().Format(time.RFC3339Nano)).Scan(&rev)
	if err != nil {
		return 0, fmt.Errorf("upsert content %s: %w", item.Identifier, err)
	}
	return rev, nil
}

func toFields(item *domain.Item) (map[string]json.RawMessage, error) {
	b, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encode content %s: %w", item.Identifier, err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &fields); err != nil {
		return nil, fmt.Errorf("encode content %s: %w", item.Identifier, err)
	}
	return fields, nil
}
