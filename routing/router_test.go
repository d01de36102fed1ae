package routing

import (
	"testing"

	"github.com/camden-git/imageoptimizer/config"
)

func settings(mut func(*config.Settings)) config.Settings {
	s := config.DefaultSettings()
	if mut != nil {
		mut(&s)
	}
	return s
}

func TestRouteTiers(t *testing.T) {
	tests := []struct {
		name  string
		mime  string
		level int
		want  Params
	}{
		{"jpeg disabled", MimeJPEG, 0, Params{Supported: true}},
		{"jpeg local", MimeJPEG, 10, Params{Supported: true, Enabled: true, Level: 10, Tool: ToolJpegtran}},
		{"jpeg cloud lossless", MimeJPEG, 20, Params{Supported: true, Enabled: true, Level: 20, Cloud: true}},
		{"jpeg cloud lossy", MimeJPEG, 30, Params{Supported: true, Enabled: true, Level: 30, Cloud: true, Lossy: true, LossyFast: true}},
		{"jpeg cloud max", MimeJPEG, 40, Params{Supported: true, Enabled: true, Level: 40, Cloud: true, Lossy: true}},
		{"jpeg unknown level rounds down", MimeJPEG, 35, Params{Supported: true, Enabled: true, Level: 30, Cloud: true, Lossy: true, LossyFast: true}},
		{"png local", MimePNG, 10, Params{Supported: true, Enabled: true, Level: 10, Tool: ToolOptipng}},
		{"png cloud lossless", MimePNG, 20, Params{Supported: true, Enabled: true, Level: 20, Cloud: true, Compress: true}},
		{"png lossy compress", MimePNG, 50, Params{Supported: true, Enabled: true, Level: 50, Cloud: true, Lossy: true, Compress: true}},
		{"gif cloud", MimeGIF, 20, Params{Supported: true, Enabled: true, Level: 20, Cloud: true}},
		{"gif above table", MimeGIF, 40, Params{Supported: true, Enabled: true, Level: 20, Cloud: true}},
		{"pdf lossless", MimePDF, 10, Params{Supported: true, Enabled: true, Level: 10, Cloud: true}},
		{"pdf lossy", MimePDF, 20, Params{Supported: true, Enabled: true, Level: 20, Cloud: true, Lossy: true}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := settings(func(s *config.Settings) {
				s.JPGLevel, s.PNGLevel, s.GIFLevel, s.PDFLevel = tc.level, tc.level, tc.level, tc.level
			})
			got := Route(tc.mime, false, s)
			if got.Supported != tc.want.Supported || got.Enabled != tc.want.Enabled || got.Level != tc.want.Level ||
				got.Cloud != tc.want.Cloud || got.Tool != tc.want.Tool || got.Lossy != tc.want.Lossy ||
				got.LossyFast != tc.want.LossyFast || got.Compress != tc.want.Compress {
				t.Errorf("Route(%s, %d) = %+v, want %+v", tc.mime, tc.level, got, tc.want)
			}
		})
	}
}

func TestRouteUnsupported(t *testing.T) {
	got := Route("image/svg+xml", true, settings(nil))
	if got.Supported || got.Enabled {
		t.Errorf("svg routed: %+v", got)
	}
}

func TestRouteConversionFullOnly(t *testing.T) {
	s := settings(func(s *config.Settings) {
		s.PNGToJPG = true
		s.GIFToPNG = true
	})

	full := Route(MimePNG, true, s)
	if !full.Convert || full.ConvertTo != MimeJPEG {
		t.Errorf("full png: %+v", full)
	}
	resize := Route(MimePNG, false, s)
	if resize.Convert {
		t.Errorf("resize converted on its own: %+v", resize)
	}
	if gif := Route(MimeGIF, true, s); gif.ConvertTo != MimePNG {
		t.Errorf("gif: %+v", gif)
	}
	if jpg := Route(MimeJPEG, true, s); jpg.Convert {
		t.Errorf("jpeg converted without toggle: %+v", jpg)
	}
}

func TestRouteMetadata(t *testing.T) {
	tests := []struct {
		name     string
		remove   bool
		keepFull bool
		isFull   bool
		want     int
	}{
		{"strip resize", true, false, false, 0},
		{"strip full", true, false, true, 0},
		{"keep full override", true, true, true, 1},
		{"override ignores resizes", true, true, false, 0},
		{"stripping disabled", false, false, false, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := settings(func(s *config.Settings) {
				s.MetadataRemove = tc.remove
				s.MetadataKeepFull = tc.keepFull
			})
			if got := Route(MimeJPEG, tc.isFull, s).Metadata; got != tc.want {
				t.Errorf("Metadata = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestRouteWebPAndQuality(t *testing.T) {
	s := settings(func(s *config.Settings) {
		s.WebP = true
		s.JPGQuality = 70
		s.JPGFill = "ffffff"
	})
	if !Route(MimeJPEG, false, s).WebP || !Route(MimePNG, false, s).WebP {
		t.Error("webp not requested for jpeg/png")
	}
	if Route(MimeGIF, false, s).WebP {
		t.Error("webp requested for gif")
	}
	p := Route(MimePNG, true, s)
	if p.Quality != 70 || p.JPGFill != "ffffff" {
		t.Errorf("quality/fill = %d/%q", p.Quality, p.JPGFill)
	}
}

func TestRouteDeterministic(t *testing.T) {
	s := settings(func(s *config.Settings) { s.PNGLevel = 40; s.WebP = true })
	first := Route(MimePNG, true, s)
	for i := 0; i < 50; i++ {
		if got := Route(MimePNG, true, s); got != first {
			t.Fatalf("Route changed between calls: %+v vs %+v", got, first)
		}
	}
}

func TestLocalFallback(t *testing.T) {
	tests := []struct {
		mime string
		in   Level
		want Level
	}{
		{MimeJPEG, 40, LevelLocal},
		{MimePNG, 20, LevelLocal},
		{MimeGIF, 10, LevelLocal},
		{MimePDF, 20, LevelDisabled},
		{MimeJPEG, 0, LevelDisabled},
	}
	for _, tc := range tests {
		if got := LocalFallback(tc.mime, tc.in); got != tc.want {
			t.Errorf("LocalFallback(%s, %d) = %d, want %d", tc.mime, tc.in, got, tc.want)
		}
	}
}
