package media

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"github.com/rwcarlsen/goexif/exif"

	"github.com/camden-git/imageoptimizer/routing"
)

var ErrAnimated = errors.New("animated gif cannot be converted")

// Processor handles pixel-level transformations the optimizer applies
// itself: format conversion, orientation fixes and local backups. it relies
// on a Store implementation for the backups.
type Processor struct {
	store Store
	log   zerolog.Logger
}

func NewProcessor(store Store, log zerolog.Logger) *Processor {
	return &Processor{store: store, log: log}
}

// BackupOriginal copies src into the backup store under hash.
func (p *Processor) BackupOriginal(src, hash string) (string, error) {
	if len(hash) < 2 {
		return "", fmt.Errorf("invalid backup hash %q", hash)
	}
	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open original for backup: %w", err)
	}
	defer f.Close()

	rel, err := p.store.Save(AssetTypeBackup, hash[:2], hash+strings.ToLower(filepath.Ext(src)), f)
	if err != nil {
		return "", fmt.Errorf("failed to save backup via store: %w", err)
	}
	p.log.Debug().Str("src", src).Str("backup", rel).Msg("processor: backed up original")
	return rel, nil
}

// LocalBackup returns the stored copy for hash, if any.
func (p *Processor) LocalBackup(hash string) (string, bool) {
	if len(hash) < 2 {
		return "", false
	}
	dir, err := p.store.EnsureDir(AssetTypeBackup)
	if err != nil {
		return "", false
	}
	matches, err := filepath.Glob(filepath.Join(dir, hash[:2], hash+".*"))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	return matches[0], true
}

// Convert re-encodes src as targetMime next to it and returns the new path.
// JPEG output is flattened onto fill (hex, default white).
func (p *Processor) Convert(src, targetMime, fill string, quality int) (string, error) {
	var ext string
	switch targetMime {
	case routing.MimeJPEG:
		ext = ".jpg"
	case routing.MimePNG:
		ext = ".png"
	default:
		return "", fmt.Errorf("unsupported conversion target %s", targetMime)
	}

	if strings.EqualFold(filepath.Ext(src), ".gif") {
		if animated, err := isAnimated(src); err != nil {
			return "", err
		} else if animated {
			return "", ErrAnimated
		}
	}

	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("failed to decode %s for conversion: %w", src, err)
	}

	dst := UniqueConvertedPath(src, ext)
	if targetMime == routing.MimeJPEG {
		b := img.Bounds()
		bg := imaging.New(b.Dx(), b.Dy(), parseFill(fill))
		flat := imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
		if quality <= 0 || quality > 100 {
			quality = 82
		}
		err = imaging.Save(flat, dst, imaging.JPEGQuality(quality))
	} else {
		err = imaging.Save(img, dst, imaging.PNGCompressionLevel(-3))
	}
	if err != nil {
		os.Remove(dst)
		return "", fmt.Errorf("failed to encode %s: %w", dst, err)
	}
	p.log.Debug().Str("src", src).Str("dst", dst).Msg("processor: converted")
	return dst, nil
}

// UniqueConvertedPath swaps src's extension, appending -1, -2, ... until the
// name is free.
func UniqueConvertedPath(src, ext string) string {
	base := strings.TrimSuffix(src, filepath.Ext(src))
	candidate := base + ext
	for i := 1; ; i++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = base + "-" + strconv.Itoa(i) + ext
	}
}

func isAnimated(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("failed to open gif: %w", err)
	}
	defer f.Close()
	g, err := gif.DecodeAll(f)
	if err != nil {
		return false, fmt.Errorf("failed to decode gif: %w", err)
	}
	return len(g.Image) > 1, nil
}

func parseFill(hex string) color.NRGBA {
	hex = strings.TrimPrefix(hex, "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}
}

// Orientation returns the EXIF orientation of a JPEG, 1 when absent.
func Orientation(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 1
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil || tag == nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

// AutoRotate applies the EXIF orientation to the pixels in place. It reports
// whether the file changed.
func (p *Processor) AutoRotate(path string, quality int) (bool, error) {
	if Orientation(path) <= 1 {
		return false, nil
	}
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return false, fmt.Errorf("failed to decode %s for rotation: %w", path, err)
	}
	if quality <= 0 || quality > 100 {
		quality = 82
	}
	tmp := path + ".rot-tmp.jpg"
	if err := imaging.Save(img, tmp, imaging.JPEGQuality(quality)); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("failed to encode rotated image: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return false, fmt.Errorf("failed to replace rotated image: %w", err)
	}
	p.log.Debug().Str("path", path).Msg("processor: applied exif orientation")
	return true, nil
}
