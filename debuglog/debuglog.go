// Package debuglog collects per-request debug output in memory and appends it
// to the debug log file once the request or job finishes.
package debuglog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

const defaultMaxSize = 10 << 20

// Buffer is a goroutine-safe in-memory log sink for one unit of work.
type Buffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

// levelFilter forwards only events at or above min.
type levelFilter struct {
	w   io.Writer
	min zerolog.Level
}

func (f levelFilter) Write(p []byte) (int, error) {
	return f.w.Write(p)
}

func (f levelFilter) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l < f.min {
		return len(p), nil
	}
	return f.w.Write(p)
}

// Sink owns the debug log file.
type Sink struct {
	path    string
	enabled bool
	maxSize int64
	console io.Writer
	mu      sync.Mutex
}

// NewSink writes buffered output to path; console still receives events at
// the base logger's level.
func NewSink(path string, enabled bool, console io.Writer) *Sink {
	if console == nil {
		console = io.Discard
	}
	return &Sink{path: path, enabled: enabled, maxSize: defaultMaxSize, console: console}
}

func (s *Sink) Enabled() bool {
	return s != nil && s.enabled
}

// Begin attaches a logger to ctx. With debugging on it writes into a fresh
// Buffer that must be handed to Flush; otherwise base is attached and the
// returned Buffer is nil.
func (s *Sink) Begin(ctx context.Context, base zerolog.Logger, fields map[string]string) (context.Context, *Buffer) {
	if !s.Enabled() {
		return base.WithContext(ctx), nil
	}
	buf := &Buffer{}
	out := zerolog.MultiLevelWriter(buf, levelFilter{w: s.console, min: base.GetLevel()})
	lc := base.Output(out).
		Level(zerolog.DebugLevel).
		With()
	for k, v := range fields {
		lc = lc.Str(k, v)
	}
	l := lc.Logger()
	return l.WithContext(ctx), buf
}

// Flush appends buf to the debug log, truncating the file once it passes maxSize.
func (s *Sink) Flush(buf *Buffer) error {
	if buf == nil || !s.Enabled() {
		return nil
	}
	data := buf.Bytes()
	if len(data) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create debug log directory: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if fi, err := os.Stat(s.path); err == nil && fi.Size() > s.maxSize {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(s.path, flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to open debug log %s: %w", s.path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write debug log: %w", err)
	}
	return nil
}

// Run executes fn with a debug-buffered context and flushes afterwards.
func (s *Sink) Run(ctx context.Context, base zerolog.Logger, fields map[string]string, fn func(context.Context) error) error {
	ctx, buf := s.Begin(ctx, base, fields)
	err := fn(ctx)
	if ferr := s.Flush(buf); ferr != nil {
		base.Warn().Err(ferr).Msg("debuglog: flush failed")
	}
	return err
}

// Middleware gives every request its own buffered logger.
func (s *Sink) Middleware(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fields := map[string]string{"path": r.URL.Path}
			if id := middleware.GetReqID(r.Context()); id != "" {
				fields["request_id"] = id
			}
			ctx, buf := s.Begin(r.Context(), base, fields)
			next.ServeHTTP(w, r.WithContext(ctx))
			if err := s.Flush(buf); err != nil {
				base.Warn().Err(err).Msg("debuglog: flush failed")
			}
		})
	}
}
