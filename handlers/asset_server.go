package handlers

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
)

// BackupLocator finds the locally stored original for a backup hash.
type BackupLocator interface {
	LocalBackup(hash string) (string, bool)
}

func validBackupHash(hash string) bool {
	if len(hash) < 8 || len(hash) > 100 {
		return false
	}
	for _, c := range hash {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '-':
		default:
			return false
		}
	}
	return true
}

// BackupServer serves a pre-optimization original by its backup hash, e.g.
//
//	r.Get("/originals/{hash}", handlers.BackupServer(processor))
//
// Backups never change once written, so responses are cacheable for a day.
func BackupServer(backups BackupLocator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hash := chi.URLParam(r, "hash")
		if !validBackupHash(hash) {
			WriteAPIError(w, http.StatusBadRequest, "invalid_hash", "Invalid backup hash")
			return
		}

		path, ok := backups.LocalBackup(hash)
		if !ok {
			WriteAPIError(w, http.StatusNotFound, "no_backup", "No local backup for this hash")
			return
		}
		if _, err := os.Stat(path); err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("path", path).Msg("handlers: backup vanished")
			WriteAPIError(w, http.StatusNotFound, "no_backup", "No local backup for this hash")
			return
		}

		cacheDuration := 24 * time.Hour
		w.Header().Set("Cache-Control", fmt.Sprintf("private, max-age=%d", int(cacheDuration.Seconds())))
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(path)))
		http.ServeFile(w, r, path)
	}
}
