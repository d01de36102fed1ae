package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/camden-git/imageoptimizer/database"
	"github.com/camden-git/imageoptimizer/models"
	"github.com/camden-git/imageoptimizer/paths"
)

var ErrRecordNotFound = errors.New("optimization record not found")

// UpsertInput describes one successful optimization. Path and Converted are absolute.
type UpsertInput struct {
	Path         string
	OrigSize     int64
	OptSize      int64
	Converted    string
	Backup       string
	Level        int
	Gallery      string
	Resize       string
	AttachmentID *uint
}

// PendingInput flags one file for later optimization.
type PendingInput struct {
	Path         string
	AttachmentID *uint
	Gallery      string
	Resize       string
}

// RecordRepository handles database operations for ImageRecord entities
type RecordRepository struct {
	DB    *gorm.DB
	Paths *paths.Normalizer
	// Trace attaches a call stack to records written more than twice.
	Trace bool
	Now   func() time.Time
}

// NewRecordRepository creates a new instance of RecordRepository
func NewRecordRepository(db *gorm.DB, norm *paths.Normalizer, trace bool) *RecordRepository {
	return &RecordRepository{DB: db, Paths: norm, Trace: trace, Now: time.Now}
}

// AbsPath expands the stored key of rec.
func (r *RecordRepository) AbsPath(rec models.ImageRecord) string {
	return r.Paths.Denormalize(rec.Path)
}

// FindByPath looks the file up under every literal form it may be stored as.
// Conflicting rows are merged before the survivor is returned.
func (r *RecordRepository) FindByPath(ctx context.Context, absPath string) (*models.ImageRecord, error) {
	var rows []models.ImageRecord
	err := r.DB.WithContext(ctx).
		Where("path IN ?", r.Paths.Candidates(absPath)).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find records for %s: %w", absPath, err)
	}

	switch len(rows) {
	case 0:
		return nil, ErrRecordNotFound
	case 1:
		return &rows[0], nil
	}

	// rows read above may be stale by now; the merge re-reads them
	var rec *models.ImageRecord
	err = r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		rec, err = r.findTx(ctx, tx, absPath)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// findTx reads every literal form of absPath inside tx and merges duplicates
// there, so no write can land between the read and the merge.
func (r *RecordRepository) findTx(ctx context.Context, tx *gorm.DB, absPath string) (*models.ImageRecord, error) {
	var rows []models.ImageRecord
	err := tx.Where("path IN ?", r.Paths.Candidates(absPath)).Order("id").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find records for %s: %w", absPath, err)
	}
	switch len(rows) {
	case 0:
		return nil, ErrRecordNotFound
	case 1:
		return &rows[0], nil
	}
	return r.mergeDuplicates(ctx, tx, absPath, rows)
}

// mergeDuplicates keeps one row for absPath, deletes the rest and rewrites the
// survivor's path to its canonical key. It must run inside tx together with
// the read that produced rows.
func (r *RecordRepository) mergeDuplicates(ctx context.Context, tx *gorm.DB, absPath string, rows []models.ImageRecord) (*models.ImageRecord, error) {
	var diskSize int64
	if fi, err := os.Stat(absPath); err == nil {
		diskSize = fi.Size()
	}

	survivor, discarded := Resolve(rows, diskSize)
	survivor.Path = r.Paths.Normalize(absPath)

	ids := make([]uint, 0, len(discarded))
	for _, d := range discarded {
		ids = append(ids, d.ID)
	}

	if err := tx.Where("id IN ?", ids).Delete(&models.ImageRecord{}).Error; err != nil {
		return nil, fmt.Errorf("failed to delete duplicate records: %w", err)
	}
	// only the merged columns are written; orig_size never goes down
	err := tx.Model(&models.ImageRecord{}).Where("id = ?", survivor.ID).Updates(map[string]interface{}{
		"path":          survivor.Path,
		"attachment_id": survivor.AttachmentID,
		"gallery":       survivor.Gallery,
		"resize":        survivor.Resize,
		"converted":     survivor.Converted,
		"results":       survivor.Results,
		"image_size":    survivor.ImageSize,
		"orig_size":     gorm.Expr("MAX(orig_size, ?)", survivor.OrigSize),
		"backup":        survivor.Backup,
		"level":         survivor.Level,
		"updates":       gorm.Expr("MAX(updates, ?)", survivor.Updates),
		"trace":         survivor.Trace,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to save surviving record %d: %w", survivor.ID, err)
	}

	var merged models.ImageRecord
	if err := tx.First(&merged, survivor.ID).Error; err != nil {
		return nil, fmt.Errorf("failed to reload surviving record %d: %w", survivor.ID, err)
	}

	zerolog.Ctx(ctx).Debug().
		Str("path", absPath).
		Uint("survivor", survivor.ID).
		Int("discarded", len(ids)).
		Msg("repository: merged duplicate records")
	return &merged, nil
}

// storageKey returns the literal path a write for absPath should target so
// that ON CONFLICT(path) hits an existing row in any of its forms. It runs
// inside the writing transaction so a concurrent merge cannot remove the
// form in between.
func (r *RecordRepository) storageKey(ctx context.Context, tx *gorm.DB, absPath string) (string, error) {
	existing, err := r.findTx(ctx, tx, absPath)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return r.Paths.Normalize(absPath), nil
		}
		return "", err
	}
	return existing.Path, nil
}

// Upsert records a successful optimization and returns the stored row.
func (r *RecordRepository) Upsert(ctx context.Context, in UpsertInput) (*models.ImageRecord, error) {
	gallery := in.Gallery
	if gallery == "" {
		gallery = models.GalleryMedia
	}
	converted := ""
	if in.Converted != "" {
		converted = r.Paths.Normalize(in.Converted)
	}

	var rec models.ImageRecord
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		key, err := r.storageKey(ctx, tx, in.Path)
		if err != nil {
			return err
		}

		err = database.UpsertRecord(ctx, tx.Statement.ConnPool, database.RecordWrite{
			Path:         key,
			AttachmentID: in.AttachmentID,
			Gallery:      gallery,
			Resize:       in.Resize,
			OrigSize:     in.OrigSize,
			ImageSize:    in.OptSize,
			Converted:    converted,
			Backup:       in.Backup,
			Level:        in.Level,
			Updated:      r.Now().UTC(),
		})
		if err != nil {
			return err
		}

		if err := tx.Where("path = ?", key).First(&rec).Error; err != nil {
			return fmt.Errorf("failed to reload record %s: %w", key, err)
		}

		rec.Results = ResultsLabel(rec.OrigSize, rec.ImageSize)
		// updates was already above one before this write
		if r.Trace && rec.Updates-1 > 1 {
			stack := string(debug.Stack())
			rec.Trace = &stack
		}
		return database.SetRecordResults(ctx, tx.Statement.ConnPool, rec.ID, rec.Results, rec.Trace)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert record for %s: %w", in.Path, err)
	}
	return &rec, nil
}

// ResultsLabel renders the human-readable savings for a record.
func ResultsLabel(origSize, optSize int64) string {
	if origSize <= 0 || optSize >= origSize {
		return models.ResultsNoSavings
	}
	saved := origSize - optSize
	pct := float64(saved) / float64(origSize) * 100
	return fmt.Sprintf("Reduced by %01.1f%% (%s)", pct, humanize.Bytes(uint64(saved)))
}

// MarkPendingBatch flags every item as pending, reusing whichever literal
// form an existing row is stored under.
func (r *RecordRepository) MarkPendingBatch(ctx context.Context, items []PendingInput) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}

	var allCandidates []string
	for _, it := range items {
		allCandidates = append(allCandidates, r.Paths.Candidates(it.Path)...)
	}
	var stored []string
	err := r.DB.WithContext(ctx).Model(&models.ImageRecord{}).
		Where("path IN ?", allCandidates).
		Pluck("path", &stored).Error
	if err != nil {
		return 0, fmt.Errorf("failed to look up pending candidates: %w", err)
	}
	existing := make(map[string]bool, len(stored))
	for _, p := range stored {
		existing[p] = true
	}

	rows := make([]database.PendingRow, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		key := r.Paths.Normalize(it.Path)
		for _, c := range r.Paths.Candidates(it.Path) {
			if existing[c] {
				key = c
				break
			}
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		rows = append(rows, database.PendingRow{
			Path:         key,
			AttachmentID: it.AttachmentID,
			Gallery:      it.Gallery,
			Resize:       it.Resize,
		})
	}

	var n int64
	err = r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		n, err = database.MarkPendingRows(ctx, tx.Statement.ConnPool, rows, r.Now().UTC())
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// NextPending returns the pending record with the lowest id.
func (r *RecordRepository) NextPending(ctx context.Context) (*models.ImageRecord, error) {
	var rec models.ImageRecord
	err := r.DB.WithContext(ctx).Where("pending = ?", true).Order("id").First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get next pending record: %w", err)
	}
	return &rec, nil
}

// ClearPending drops the pending flag for absPath in every stored form.
func (r *RecordRepository) ClearPending(ctx context.Context, absPath string) error {
	return database.ClearPendingRows(ctx, r.DB.WithContext(ctx).Statement.ConnPool, r.Paths.Candidates(absPath))
}

func (r *RecordRepository) Delete(ctx context.Context, id uint) error {
	if err := r.DB.WithContext(ctx).Delete(&models.ImageRecord{}, id).Error; err != nil {
		return fmt.Errorf("failed to delete record %d: %w", id, err)
	}
	return nil
}

func (r *RecordRepository) DeleteByPath(ctx context.Context, absPath string) error {
	err := r.DB.WithContext(ctx).
		Where("path IN ?", r.Paths.Candidates(absPath)).
		Delete(&models.ImageRecord{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete records for %s: %w", absPath, err)
	}
	return nil
}

// ListByAttachment returns every record of one attachment ordered by id.
func (r *RecordRepository) ListByAttachment(ctx context.Context, gallery string, attachmentID uint) ([]models.ImageRecord, error) {
	if gallery == "" {
		gallery = models.GalleryMedia
	}
	var rows []models.ImageRecord
	err := r.DB.WithContext(ctx).
		Where("gallery = ? AND attachment_id = ?", gallery, attachmentID).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list records for attachment %d: %w", attachmentID, err)
	}
	return rows, nil
}

func (r *RecordRepository) SavingsTotals(ctx context.Context) (models.SavingsTotals, error) {
	return database.SumSavings(ctx, r.DB.WithContext(ctx).Statement.ConnPool)
}

// ReconcileDuplicates collapses rows whose stored keys expand to the same
// absolute path. Returns the number of files that had duplicates.
func (r *RecordRepository) ReconcileDuplicates(ctx context.Context) (int, error) {
	type keyRow struct {
		ID   uint
		Path string
	}
	var keys []keyRow
	err := r.DB.WithContext(ctx).Model(&models.ImageRecord{}).
		Select("id", "path").
		Order("id").
		Find(&keys).Error
	if err != nil {
		return 0, fmt.Errorf("failed to load record paths: %w", err)
	}

	counts := make(map[string]int, len(keys))
	var order []string
	for _, k := range keys {
		abs := r.Paths.Denormalize(k.Path)
		if counts[abs] == 0 {
			order = append(order, abs)
		}
		counts[abs]++
	}

	merged := 0
	for _, abs := range order {
		if counts[abs] < 2 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return merged, err
		}
		if _, err := r.FindByPath(ctx, abs); err != nil {
			return merged, err
		}
		merged++
	}
	return merged, nil
}
