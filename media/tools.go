package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/camden-git/imageoptimizer/routing"
)

var toolMimes = map[string][]string{
	routing.ToolJpegtran: {routing.MimeJPEG},
	routing.ToolOptipng:  {routing.MimePNG},
	routing.ToolGifsicle: {routing.MimeGIF},
	routing.ToolCwebp:    {routing.MimeWebP},
}

var toolOrder = []string{routing.ToolJpegtran, routing.ToolOptipng, routing.ToolGifsicle, routing.ToolCwebp}

// Tools locates the optimization binaries once and runs them.
type Tools struct {
	dir   string
	log   zerolog.Logger
	mu    sync.RWMutex
	paths map[string]string // tool -> absolute binary path
}

// NewTools looks in dir first, then PATH.
func NewTools(dir string, log zerolog.Logger) *Tools {
	t := &Tools{dir: dir, log: log, paths: make(map[string]string)}
	t.Refresh()
	return t
}

// Refresh re-runs tool discovery.
func (t *Tools) Refresh() {
	found := make(map[string]string, len(toolOrder))
	for _, name := range toolOrder {
		if p, err := t.lookPath(name); err == nil {
			found[name] = p
		} else {
			t.log.Warn().Str("tool", name).Msg("media.tools: binary not found, local optimization for its type is skipped")
		}
	}
	t.mu.Lock()
	t.paths = found
	t.mu.Unlock()
}

func (t *Tools) lookPath(name string) (string, error) {
	if t.dir != "" {
		candidate := filepath.Join(t.dir, name)
		if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() && fi.Mode()&0111 != 0 {
			return candidate, nil
		}
	}
	return exec.LookPath(name)
}

func (t *Tools) path(name string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.paths[name]
	return p, ok
}

func (t *Tools) Available(name string) bool {
	_, ok := t.path(name)
	return ok
}

func (t *Tools) Status() []ToolStatus {
	out := make([]ToolStatus, 0, len(toolOrder))
	for _, name := range toolOrder {
		p, ok := t.path(name)
		out = append(out, ToolStatus{Name: name, Path: p, Available: ok, Mimes: toolMimes[name]})
	}
	return out
}

func (t *Tools) run(ctx context.Context, name string, args ...string) error {
	bin, ok := t.path(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrToolMissing)
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s failed: %w, stderr: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	zerolog.Ctx(ctx).Debug().Str("tool", name).Strs("args", args).Msg("media.tools: ran")
	return nil
}

// Optimize writes an optimized copy of src next to it and returns its path.
// The caller decides whether to keep it.
func (t *Tools) Optimize(ctx context.Context, src string, p routing.Params) (string, error) {
	dst := src + ".opt-tmp"
	os.Remove(dst)

	var err error
	switch p.Tool {
	case routing.ToolJpegtran:
		copyMode := "none"
		if p.Metadata == 1 {
			copyMode = "all"
		}
		err = t.run(ctx, routing.ToolJpegtran, "-copy", copyMode, "-optimize", "-progressive", "-outfile", dst, src)
	case routing.ToolOptipng:
		args := []string{"-o2", "-quiet", "-fix"}
		if p.Metadata == 0 {
			args = append(args, "-strip", "all")
		}
		args = append(args, "-out", dst, src)
		err = t.run(ctx, routing.ToolOptipng, args...)
	case routing.ToolGifsicle:
		err = t.run(ctx, routing.ToolGifsicle, "-O3", "--careful", "-o", dst, src)
	default:
		return "", fmt.Errorf("no local tool for %s level %d: %w", p.Mime, p.Level, ErrToolMissing)
	}
	if err != nil {
		os.Remove(dst)
		return "", err
	}
	return dst, nil
}

// WebP encodes a WebP derivative of src at dst.
func (t *Tools) WebP(ctx context.Context, src, dst string, p routing.Params) error {
	args := []string{"-quiet", "-metadata", "none"}
	if p.Mime == routing.MimePNG {
		args = append(args, "-lossless")
	} else {
		args = append(args, "-q", strconv.Itoa(p.Quality))
	}
	args = append(args, src, "-o", dst)
	if err := t.run(ctx, routing.ToolCwebp, args...); err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}

var _ LocalOptimizer = (*Tools)(nil)
