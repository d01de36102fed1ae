package models

import "time"

// Gallery identifies which media library owns an attachment.
const (
	GalleryMedia    = "media"
	GalleryNextGen  = "nextgen"
	GalleryNextCell = "nextcell"
	GalleryFlag     = "flag"
)

const (
	ResizeFull       = "full"
	RetinaSuffix     = "-retina"
	ResultsNoSavings = "No savings"
)

// ImageRecord is one optimization record per physical file.
// It corresponds to the 'optimized_images' table.
type ImageRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	AttachmentID *uint     `gorm:"index:idx_gallery_attachment,priority:2" json:"attachment_id,omitempty"` // Nullable
	Gallery      string    `gorm:"size:10;not null;default:media;index:idx_gallery_attachment,priority:1" json:"gallery"`
	Resize       string    `gorm:"size:75" json:"resize"`
	Path         string    `gorm:"not null;uniqueIndex:uniq_path;index:idx_path_size,priority:1" json:"path"` // normalized, relocatable
	Converted    string    `gorm:"not null;default:''" json:"converted,omitempty"`                            // normalized path of the pre-conversion original
	Results      string    `gorm:"size:75;not null;default:''" json:"results"`
	ImageSize    int64     `gorm:"not null;default:0;index:idx_path_size,priority:2" json:"image_size"`
	OrigSize     int64     `gorm:"not null;default:0" json:"orig_size"`
	Backup       string    `gorm:"size:100;not null;default:''" json:"backup,omitempty"`
	Level        int       `gorm:"not null;default:0" json:"level"`
	Pending      bool      `gorm:"not null;default:false;index" json:"pending"`
	Updates      int       `gorm:"not null;default:0" json:"updates"`
	Updated      time.Time `gorm:"not null" json:"updated"`
	Trace        *string   `gorm:"" json:"trace,omitempty"` // Nullable
}

// TableName explicitly sets the table name for GORM.
func (ImageRecord) TableName() string {
	return "optimized_images"
}

// Optimized reports whether the file has a completed optimization.
func (r ImageRecord) Optimized() bool {
	return r.ImageSize > 0
}

// Saved returns bytes saved; zero when the result was not smaller.
func (r ImageRecord) Saved() int64 {
	if r.ImageSize <= 0 || r.OrigSize <= r.ImageSize {
		return 0
	}
	return r.OrigSize - r.ImageSize
}

// SavingsTotals aggregates every optimized record.
type SavingsTotals struct {
	OrigBytes int64 `json:"orig_bytes"`
	OptBytes  int64 `json:"opt_bytes"`
	Saved     int64 `json:"saved"`
	Count     int64 `json:"count"`
}
