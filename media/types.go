package media

import (
	"context"
	"errors"

	"github.com/camden-git/imageoptimizer/routing"
)

type AssetType string

const (
	AssetTypeBackup AssetType = "backup" // local copy of an original before first optimization
)

var ErrToolMissing = errors.New("optimization tool not installed")

// ToolStatus is one row of the tool status panel.
type ToolStatus struct {
	Name      string   `json:"name"`
	Path      string   `json:"path,omitempty"`
	Available bool     `json:"available"`
	Mimes     []string `json:"mimes"`
}

// LocalOptimizer runs the binaries that handle local tiers.
type LocalOptimizer interface {
	Optimize(ctx context.Context, src string, p routing.Params) (string, error)
	WebP(ctx context.Context, src, dst string, p routing.Params) error
	Available(tool string) bool
	Status() []ToolStatus
}
