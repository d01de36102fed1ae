package repository

import (
	"context"

	"github.com/camden-git/imageoptimizer/models"
)

// RecordRepositoryInterface defines the methods for optimization record operations.
// Every path argument is absolute; normalization happens inside the repository.
type RecordRepositoryInterface interface {
	FindByPath(ctx context.Context, absPath string) (*models.ImageRecord, error)
	Upsert(ctx context.Context, in UpsertInput) (*models.ImageRecord, error)
	MarkPendingBatch(ctx context.Context, items []PendingInput) (int64, error)
	NextPending(ctx context.Context) (*models.ImageRecord, error)
	ClearPending(ctx context.Context, absPath string) error
	Delete(ctx context.Context, id uint) error
	DeleteByPath(ctx context.Context, absPath string) error
	ListByAttachment(ctx context.Context, gallery string, attachmentID uint) ([]models.ImageRecord, error)
	SavingsTotals(ctx context.Context) (models.SavingsTotals, error)
	ReconcileDuplicates(ctx context.Context) (int, error)
	AbsPath(rec models.ImageRecord) string
}

var _ RecordRepositoryInterface = (*RecordRepository)(nil)
