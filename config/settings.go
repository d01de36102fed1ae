package config

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Settings is the read-only optimizer configuration snapshot the CMS supplies
// as a flat key/value map. Levels use the values of routing.Level.
type Settings struct {
	JPGLevel int `mapstructure:"jpg_level"`
	PNGLevel int `mapstructure:"png_level"`
	GIFLevel int `mapstructure:"gif_level"`
	PDFLevel int `mapstructure:"pdf_level"`

	APIKey string `mapstructure:"cloud_key"`
	Backup bool   `mapstructure:"backup_files"`

	MetadataRemove   bool `mapstructure:"metadata_remove"`
	MetadataKeepFull bool `mapstructure:"metadata_keep_full"`
	AutoRotate       bool `mapstructure:"auto_rotate"`

	JPGToPNG        bool   `mapstructure:"jpg_to_png"`
	PNGToJPG        bool   `mapstructure:"png_to_jpg"`
	GIFToPNG        bool   `mapstructure:"gif_to_png"`
	DeleteOriginals bool   `mapstructure:"delete_originals"`
	JPGFill         string `mapstructure:"jpg_background"`
	JPGQuality      int    `mapstructure:"jpg_quality"`

	WebP bool `mapstructure:"webp"`

	ParallelOptimization   bool `mapstructure:"parallel_optimization"`
	BackgroundOptimization bool `mapstructure:"background_optimization"`
	LocationLock           bool `mapstructure:"location_lock"`
	MaxConcurrency         int  `mapstructure:"max_parallel"`
	ParallelThreshold      int  `mapstructure:"parallel_threshold"`
	WaveTimeoutSeconds     int  `mapstructure:"wave_timeout"`
	DelaySeconds           int  `mapstructure:"delay"`

	// resize names never optimized
	SkipSizes []string `mapstructure:"disable_resizes_opt"`
}

func DefaultSettings() Settings {
	return Settings{
		JPGLevel:             10,
		PNGLevel:             10,
		GIFLevel:             10,
		PDFLevel:             0,
		MetadataRemove:       true,
		AutoRotate:           true,
		JPGQuality:           82,
		ParallelOptimization: true,
		MaxConcurrency:       5,
		ParallelThreshold:    5,
		WaveTimeoutSeconds:   20,
	}
}

// DecodeSettings overlays raw onto the defaults. Values are weakly typed, so
// "1", 1 and true all decode into a bool toggle.
func DecodeSettings(raw map[string]interface{}) (Settings, error) {
	s := DefaultSettings()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &s,
		TagName:          "mapstructure",
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
	})
	if err != nil {
		return Settings{}, fmt.Errorf("failed to build settings decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return Settings{}, fmt.Errorf("failed to decode optimizer settings: %w", err)
	}
	return s.normalize(), nil
}

// LoadSettingsFile reads a settings map from path. A missing file yields defaults.
func LoadSettingsFile(path string) (Settings, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultSettings(), nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Settings{}, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}
	return DecodeSettings(v.AllSettings())
}

func (s Settings) normalize() Settings {
	if s.MaxConcurrency <= 0 {
		s.MaxConcurrency = 5
	}
	if s.ParallelThreshold <= 0 {
		s.ParallelThreshold = 5
	}
	if s.WaveTimeoutSeconds <= 0 {
		s.WaveTimeoutSeconds = 20
	}
	if s.JPGQuality <= 0 || s.JPGQuality > 100 {
		s.JPGQuality = 82
	}
	if s.DelaySeconds < 0 {
		s.DelaySeconds = 0
	}
	return s
}

// CloudActive reports whether a cloud key is configured.
func (s Settings) CloudActive() bool {
	return s.APIKey != ""
}

func (s Settings) WaveTimeout() time.Duration {
	return time.Duration(s.WaveTimeoutSeconds) * time.Second
}

func (s Settings) Delay() time.Duration {
	return time.Duration(s.DelaySeconds) * time.Second
}

// SkipSize reports whether the named resize is excluded from optimization.
func (s Settings) SkipSize(name string) bool {
	for _, n := range s.SkipSizes {
		if n == name {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with s.
func (s Settings) Clone() Settings {
	c := s
	c.SkipSizes = append([]string(nil), s.SkipSizes...)
	return c
}

// SettingsSource yields the current optimizer settings snapshot.
type SettingsSource interface {
	Current() Settings
}

// FileSettings re-reads the settings file on every call so CMS edits apply
// to the next upload. A read error keeps the last good snapshot.
type FileSettings struct {
	path string
	mu   sync.Mutex
	last Settings
}

func NewFileSettings(path string) *FileSettings {
	return &FileSettings{path: path, last: DefaultSettings()}
}

func (f *FileSettings) Current() Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, err := LoadSettingsFile(f.path); err == nil {
		f.last = s
	}
	return f.last.Clone()
}

// StaticSettings always returns the same snapshot.
type StaticSettings Settings

func (s StaticSettings) Current() Settings {
	return Settings(s).Clone()
}
