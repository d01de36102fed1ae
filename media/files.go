package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

const (
	retinaMarker = "@2x"
	webpSuffix   = ".webp"
)

// DetectMime sniffs the file content; the extension is ignored.
func DetectMime(path string) (string, error) {
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to detect type of %s: %w", path, err)
	}
	mime := m.String()
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return mime, nil
}

// RetinaPath returns the high-density sibling name: photo-300x200@2x.jpg.
func RetinaPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + retinaMarker + ext
}

// RetinaSibling returns the retina sibling of path when it exists on disk.
func RetinaSibling(path string) (string, bool) {
	if strings.HasSuffix(strings.TrimSuffix(path, filepath.Ext(path)), retinaMarker) {
		return "", false
	}
	r := RetinaPath(path)
	if fi, err := os.Stat(r); err == nil && !fi.IsDir() {
		return r, true
	}
	return "", false
}

// WebPPath is where the WebP derivative of path lives: photo.jpg.webp.
func WebPPath(path string) string {
	return path + webpSuffix
}

// FileSize returns the size of path, or 0 if it cannot be read.
func FileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// ReplaceFile moves src over dst.
func ReplaceFile(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to replace %s: %w", dst, err)
	}
	return nil
}

// WriteFileAtomic writes data next to path and renames it into place.
func WriteFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".write-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file for %s: %w", path, err)
	}
	if fi, err := os.Stat(path); err == nil {
		os.Chmod(tmp.Name(), fi.Mode().Perm())
	} else {
		os.Chmod(tmp.Name(), 0644)
	}
	return ReplaceFile(tmp.Name(), path)
}
