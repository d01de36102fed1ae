// Package routing decides how one file is optimized: which tier of its mime
// type's level table applies, whether the cloud is needed, and which
// conversion, metadata and WebP options go with the request.
package routing

import (
	"github.com/camden-git/imageoptimizer/config"
)

const (
	MimeJPEG = "image/jpeg"
	MimePNG  = "image/png"
	MimeGIF  = "image/gif"
	MimePDF  = "application/pdf"
	MimeWebP = "image/webp"
)

const (
	ToolJpegtran = "jpegtran"
	ToolOptipng  = "optipng"
	ToolGifsicle = "gifsicle"
	ToolCwebp    = "cwebp"
)

// Level is the ordinal compression tier configured per mime type.
type Level int

const (
	LevelDisabled           Level = 0
	LevelLocal              Level = 10
	LevelCloudLossless      Level = 20
	LevelCloudLossy         Level = 30
	LevelCloudLossyMax      Level = 40
	LevelCloudLossyCompress Level = 50
)

// Tier is what one level means for one mime type.
type Tier struct {
	Cloud     bool
	Tool      string
	Lossy     bool
	LossyFast bool
	Compress  bool
}

var levelTable = map[string]map[Level]Tier{
	MimeJPEG: {
		LevelLocal:         {Tool: ToolJpegtran},
		LevelCloudLossless: {Cloud: true},
		LevelCloudLossy:    {Cloud: true, Lossy: true, LossyFast: true},
		LevelCloudLossyMax: {Cloud: true, Lossy: true},
	},
	MimePNG: {
		LevelLocal:              {Tool: ToolOptipng},
		LevelCloudLossless:      {Cloud: true, Compress: true},
		LevelCloudLossy:         {Cloud: true, Lossy: true, LossyFast: true},
		LevelCloudLossyMax:      {Cloud: true, Lossy: true},
		LevelCloudLossyCompress: {Cloud: true, Lossy: true, Compress: true},
	},
	MimeGIF: {
		LevelLocal:         {Tool: ToolGifsicle},
		LevelCloudLossless: {Cloud: true},
	},
	MimePDF: {
		LevelLocal:         {Cloud: true},
		LevelCloudLossless: {Cloud: true, Lossy: true},
	},
}

// Params are the per-file decisions handed to the local tools or the cloud.
type Params struct {
	Mime      string `json:"mime"`
	Level     Level  `json:"level"`
	Supported bool   `json:"supported"`
	Enabled   bool   `json:"enabled"`

	Cloud     bool   `json:"cloud"`
	Tool      string `json:"tool,omitempty"`
	Lossy     bool   `json:"lossy"`
	LossyFast bool   `json:"lossy_fast"`
	Compress  bool   `json:"compress"`

	Convert   bool   `json:"convert"`
	ConvertTo string `json:"convert_to,omitempty"`
	Metadata  int    `json:"metadata"` // 0 strip, 1 keep
	WebP      bool   `json:"webp"`
	JPGFill   string `json:"jpg_fill,omitempty"`
	Quality   int    `json:"quality"`
}

// Supported reports whether mime has a level table.
func Supported(mime string) bool {
	_, ok := levelTable[mime]
	return ok
}

// LevelFor returns the configured level for mime.
func LevelFor(mime string, s config.Settings) Level {
	switch mime {
	case MimeJPEG:
		return Level(s.JPGLevel)
	case MimePNG:
		return Level(s.PNGLevel)
	case MimeGIF:
		return Level(s.GIFLevel)
	case MimePDF:
		return Level(s.PDFLevel)
	}
	return LevelDisabled
}

// LocalFallback is the level used for mime when no cloud key is available.
func LocalFallback(mime string, l Level) Level {
	if l <= LevelDisabled {
		return LevelDisabled
	}
	if t, ok := levelTable[mime][LevelLocal]; ok && !t.Cloud {
		return LevelLocal
	}
	return LevelDisabled
}

// lookup resolves l to the highest defined tier not above it.
func lookup(mime string, l Level) (Level, Tier, bool) {
	tiers := levelTable[mime]
	best := LevelDisabled
	var tier Tier
	found := false
	for lv, t := range tiers {
		if lv <= l && lv > best {
			best, tier, found = lv, t, true
		}
	}
	return best, tier, found
}

// Route is a pure function of its arguments.
func Route(mime string, isFull bool, s config.Settings) Params {
	p := Params{
		Mime:      mime,
		Supported: Supported(mime),
		Quality:   s.JPGQuality,
		JPGFill:   s.JPGFill,
	}
	if !p.Supported {
		return p
	}

	level, tier, ok := lookup(mime, LevelFor(mime, s))
	if !ok {
		return p
	}
	p.Level = level
	p.Enabled = true
	p.Cloud = tier.Cloud
	p.Tool = tier.Tool
	p.Lossy = tier.Lossy
	p.LossyFast = tier.LossyFast
	p.Compress = tier.Compress

	if isFull {
		switch {
		case mime == MimeJPEG && s.JPGToPNG:
			p.Convert, p.ConvertTo = true, MimePNG
		case mime == MimePNG && s.PNGToJPG:
			p.Convert, p.ConvertTo = true, MimeJPEG
		case mime == MimeGIF && s.GIFToPNG:
			p.Convert, p.ConvertTo = true, MimePNG
		}
	}

	if !s.MetadataRemove || (isFull && s.MetadataKeepFull) {
		p.Metadata = 1
	}

	p.WebP = s.WebP && (mime == MimeJPEG || mime == MimePNG)
	return p
}

// ConvertTarget is the conversion a resize inherits when its full size was converted.
func ConvertTarget(mime string) string {
	switch mime {
	case MimeJPEG:
		return MimePNG
	case MimePNG:
		return MimeJPEG
	case MimeGIF:
		return MimePNG
	}
	return ""
}
