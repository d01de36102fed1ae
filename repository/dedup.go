package repository

import (
	"sort"

	"github.com/camden-git/imageoptimizer/models"
)

// Resolve picks one survivor among records that describe the same file.
// Candidates are ordered by id so ties always break toward the oldest row.
// Preference: image_size equal to the size on disk, then the first optimized
// row, then the oldest. The survivor absorbs every field it is missing from
// the discarded rows; fields it already has are never overwritten.
func Resolve(candidates []models.ImageRecord, diskSize int64) (models.ImageRecord, []models.ImageRecord) {
	if len(candidates) == 0 {
		return models.ImageRecord{}, nil
	}

	sorted := make([]models.ImageRecord, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	pick := -1
	if diskSize > 0 {
		for i, c := range sorted {
			if c.ImageSize == diskSize {
				pick = i
				break
			}
		}
	}
	if pick < 0 {
		for i, c := range sorted {
			if c.ImageSize != 0 {
				pick = i
				break
			}
		}
	}
	if pick < 0 {
		pick = 0
	}

	survivor := sorted[pick]
	discarded := make([]models.ImageRecord, 0, len(sorted)-1)
	for i, c := range sorted {
		if i == pick {
			continue
		}
		absorb(&survivor, c)
		discarded = append(discarded, c)
	}
	return survivor, discarded
}

func absorb(dst *models.ImageRecord, src models.ImageRecord) {
	if dst.AttachmentID == nil && src.AttachmentID != nil {
		id := *src.AttachmentID
		dst.AttachmentID = &id
	}
	if dst.Gallery == "" {
		dst.Gallery = src.Gallery
	}
	if dst.Resize == "" {
		dst.Resize = src.Resize
	}
	if dst.Converted == "" {
		dst.Converted = src.Converted
	}
	if dst.Results == "" {
		dst.Results = src.Results
	}
	if dst.ImageSize == 0 {
		dst.ImageSize = src.ImageSize
	}
	if dst.OrigSize == 0 {
		dst.OrigSize = src.OrigSize
	}
	if dst.Backup == "" {
		dst.Backup = src.Backup
	}
	if dst.Level == 0 {
		dst.Level = src.Level
	}
	if dst.Updates == 0 {
		dst.Updates = src.Updates
	}
	if dst.Updated.IsZero() {
		dst.Updated = src.Updated
	}
	if dst.Trace == nil && src.Trace != nil {
		tr := *src.Trace
		dst.Trace = &tr
	}
}
