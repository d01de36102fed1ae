package cloud

import (
	"github.com/camden-git/imageoptimizer/config"
	"github.com/camden-git/imageoptimizer/routing"
)

// Downgrade returns s unchanged when a key is set. Without one, every level
// that needs the cloud falls back to its local tier and backups are disabled.
func Downgrade(s config.Settings) config.Settings {
	if s.CloudActive() {
		return s
	}
	d := s.Clone()
	d.JPGLevel = int(routing.LocalFallback(routing.MimeJPEG, routing.Level(s.JPGLevel)))
	d.PNGLevel = int(routing.LocalFallback(routing.MimePNG, routing.Level(s.PNGLevel)))
	d.GIFLevel = int(routing.LocalFallback(routing.MimeGIF, routing.Level(s.GIFLevel)))
	d.PDFLevel = int(routing.LocalFallback(routing.MimePDF, routing.Level(s.PDFLevel)))
	d.Backup = false
	return d
}
