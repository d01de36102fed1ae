package database

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/camden-git/imageoptimizer/models"
)

// pendingBatchSize keeps multi-row inserts below SQLite's bound-variable limit.
const pendingBatchSize = 100

// RecordWrite carries one successful optimization result.
type RecordWrite struct {
	Path         string // normalized
	AttachmentID *uint
	Gallery      string
	Resize       string
	OrigSize     int64
	ImageSize    int64
	Converted    string // normalized, empty keeps the stored value
	Backup       string // empty keeps the stored value
	Level        int
	Updated      time.Time
}

// PendingRow flags a file as enqueued for optimization.
type PendingRow struct {
	Path         string // normalized
	AttachmentID *uint
	Gallery      string
	Resize       string
}

// UpsertRecord inserts a record or folds the result into the existing row for
// the same path. orig_size only ever grows; updates counts every write.
func UpsertRecord(ctx context.Context, db Querier, w RecordWrite) error {
	queryBuilder := psql.Insert(recordsTable).
		Columns("attachment_id", "gallery", "resize", "path", "converted", "results",
			"image_size", "orig_size", "backup", "level", "pending", "updates", "updated").
		Values(w.AttachmentID, w.Gallery, w.Resize, w.Path, w.Converted, "",
			w.ImageSize, w.OrigSize, w.Backup, w.Level, false, 1, w.Updated).
		Suffix("ON CONFLICT(path) DO UPDATE SET").
		Suffix("attachment_id = COALESCE(excluded.attachment_id, attachment_id),").
		Suffix("gallery = excluded.gallery,").
		Suffix("resize = CASE WHEN excluded.resize <> '' THEN excluded.resize ELSE resize END,").
		Suffix("converted = CASE WHEN excluded.converted <> '' THEN excluded.converted ELSE converted END,").
		Suffix("image_size = excluded.image_size,").
		Suffix("orig_size = MAX(orig_size, excluded.orig_size),").
		Suffix("backup = CASE WHEN excluded.backup <> '' THEN excluded.backup ELSE backup END,").
		Suffix("level = excluded.level,").
		Suffix("pending = 0,").
		Suffix("updates = updates + 1,").
		Suffix("updated = excluded.updated")

	sqlStr, args, err := queryBuilder.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build SQL for UpsertRecord %s: %w", w.Path, err)
	}
	if _, err := db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("failed to upsert record %s: %w", w.Path, err)
	}
	return nil
}

// SetRecordResults stores the savings label and the optional call trace.
func SetRecordResults(ctx context.Context, db Querier, id uint, results string, trace *string) error {
	queryBuilder := psql.Update(recordsTable).
		Set("results", results).
		Set("trace", trace).
		Where(sq.Eq{"id": id})

	sqlStr, args, err := queryBuilder.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build SQL for SetRecordResults %d: %w", id, err)
	}
	if _, err := db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("failed to set results for record %d: %w", id, err)
	}
	return nil
}

// MarkPendingRows flags every row as pending, creating placeholder rows for
// files that have never been seen. Returns the number of affected rows.
func MarkPendingRows(ctx context.Context, db Querier, rows []PendingRow, now time.Time) (int64, error) {
	var total int64
	for start := 0; start < len(rows); start += pendingBatchSize {
		end := start + pendingBatchSize
		if end > len(rows) {
			end = len(rows)
		}

		queryBuilder := psql.Insert(recordsTable).
			Columns("attachment_id", "gallery", "resize", "path", "pending", "updated")
		for _, row := range rows[start:end] {
			gallery := row.Gallery
			if gallery == "" {
				gallery = models.GalleryMedia
			}
			queryBuilder = queryBuilder.Values(row.AttachmentID, gallery, row.Resize, row.Path, true, now)
		}
		queryBuilder = queryBuilder.
			Suffix("ON CONFLICT(path) DO UPDATE SET").
			Suffix("pending = 1,").
			Suffix("attachment_id = COALESCE(attachment_id, excluded.attachment_id)")

		sqlStr, args, err := queryBuilder.ToSql()
		if err != nil {
			return total, fmt.Errorf("failed to build SQL for MarkPendingRows: %w", err)
		}
		res, err := db.ExecContext(ctx, sqlStr, args...)
		if err != nil {
			return total, fmt.Errorf("failed to mark %d rows pending: %w", end-start, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

// ClearPendingRows drops the pending flag on every listed path form.
func ClearPendingRows(ctx context.Context, db Querier, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	queryBuilder := psql.Update(recordsTable).
		Set("pending", false).
		Where(sq.Eq{"path": paths})

	sqlStr, args, err := queryBuilder.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build SQL for ClearPendingRows: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("failed to clear pending flag: %w", err)
	}
	return nil
}

// SumSavings aggregates every row holding a completed optimization.
func SumSavings(ctx context.Context, db Querier) (models.SavingsTotals, error) {
	var totals models.SavingsTotals
	queryBuilder := psql.Select(
		"COALESCE(SUM(orig_size), 0)",
		"COALESCE(SUM(image_size), 0)",
		"COALESCE(SUM(CASE WHEN orig_size > image_size THEN orig_size - image_size ELSE 0 END), 0)",
		"COUNT(*)",
	).From(recordsTable).
		Where(sq.Gt{"image_size": 0})

	sqlStr, args, err := queryBuilder.ToSql()
	if err != nil {
		return totals, fmt.Errorf("failed to build SQL for SumSavings: %w", err)
	}
	err = db.QueryRowContext(ctx, sqlStr, args...).Scan(&totals.OrigBytes, &totals.OptBytes, &totals.Saved, &totals.Count)
	if err != nil {
		return totals, fmt.Errorf("failed to query savings totals: %w", err)
	}
	return totals, nil
}
