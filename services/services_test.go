package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/camden-git/imageoptimizer/cache"
	"github.com/camden-git/imageoptimizer/cloud"
	"github.com/camden-git/imageoptimizer/config"
	"github.com/camden-git/imageoptimizer/database"
	"github.com/camden-git/imageoptimizer/media"
	"github.com/camden-git/imageoptimizer/models"
	"github.com/camden-git/imageoptimizer/paths"
	"github.com/camden-git/imageoptimizer/realtime"
	"github.com/camden-git/imageoptimizer/repository"
	"github.com/camden-git/imageoptimizer/routing"
)

// shrinkTools stands in for jpegtran and friends: each pass writes a copy
// cut to 90% of the input while shrink is set.
type shrinkTools struct {
	mu     sync.Mutex
	shrink bool
	calls  int
}

func (f *shrinkTools) Optimize(ctx context.Context, src string, p routing.Params) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	data, err := os.ReadFile(src)
	if err != nil {
		return "", err
	}
	if f.shrink {
		data = data[:len(data)*9/10]
	}
	out := src + ".opt"
	return out, os.WriteFile(out, data, 0644)
}

func (f *shrinkTools) WebP(ctx context.Context, src, dst string, p routing.Params) error {
	return errors.New("cwebp not installed")
}

func (f *shrinkTools) Available(tool string) bool { return tool != routing.ToolCwebp }

func (f *shrinkTools) Status() []media.ToolStatus { return nil }

type offlineCloud struct{}

func (offlineCloud) QuotaExceeded(ctx context.Context, apiKey string) bool { return false }

func (offlineCloud) Compress(ctx context.Context, apiKey string, req cloud.CompressRequest) (*cloud.CompressResult, error) {
	return nil, cloud.ErrVerificationFailed
}

func (offlineCloud) CompressWebP(ctx context.Context, apiKey, path string, p routing.Params) ([]byte, error) {
	return nil, cloud.ErrVerificationFailed
}

func (offlineCloud) Rotate(ctx context.Context, apiKey, path, mime string, orientation int) ([]byte, error) {
	return nil, cloud.ErrVerificationFailed
}

func (offlineCloud) Restore(ctx context.Context, apiKey, backupHash string) ([]byte, string, error) {
	return nil, "", cloud.ErrVerificationFailed
}

type eventLog struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (e *eventLog) Broadcast(ev realtime.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.events))
	for _, ev := range e.events {
		out = append(out, ev.Type)
	}
	return out
}

type testEnv struct {
	svc     *OptimizerService
	repo    *repository.RecordRepository
	tools   *shrinkTools
	events  *eventLog
	uploads string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	db, err := database.InitGormDB(filepath.Join(dir, "records.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("InitGormDB: %v", err)
	}
	t.Cleanup(func() { database.Close(db) })

	content := filepath.Join(dir, "wp-content")
	uploads := filepath.Join(content, "uploads")
	if err := os.MkdirAll(uploads, 0755); err != nil {
		t.Fatal(err)
	}
	norm := paths.NewNormalizer(paths.Roots{Content: content, Install: dir, Relocation: true})
	repo := repository.NewRecordRepository(db, norm, false)

	store, err := media.NewLocalStorage(filepath.Join(dir, "storage"), map[media.AssetType]string{media.AssetTypeBackup: "originals"}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	tools := &shrinkTools{shrink: true}
	events := &eventLog{}
	svc := NewOptimizerService(repo, norm, offlineCloud{}, tools, media.NewProcessor(store, zerolog.Nop()), events, zerolog.Nop())
	return testEnv{svc: svc, repo: repo, tools: tools, events: events, uploads: uploads}
}

func writeJPEG(t *testing.T, path string) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for x := 0; x < 64; x++ {
		for y := 0; y < 48; y++ {
			img.Set(x, y, color.RGBA{uint8(x * 4), uint8(y * 5), 90, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestOptimizeLocalThenRepeat(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := filepath.Join(env.uploads, "2024", "05", "photo.jpg")
	orig := writeJPEG(t, p)

	opts := OptimizeOptions{Settings: config.DefaultSettings(), Gallery: models.GalleryMedia}
	res, err := env.svc.Optimize(ctx, p, opts)
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if res.NewSize >= res.OrigSize || res.OrigSize != int64(len(orig)) {
		t.Fatalf("sizes = %d -> %d", res.OrigSize, res.NewSize)
	}
	if res.Engine != routing.ToolJpegtran {
		t.Errorf("Engine = %q", res.Engine)
	}
	if !strings.HasPrefix(res.Message, "Reduced by") {
		t.Errorf("Message = %q", res.Message)
	}

	rec, err := env.repo.FindByPath(ctx, p)
	if err != nil {
		t.Fatalf("FindByPath: %v", err)
	}
	if rec.Updates != 1 || rec.Resize != models.ResizeFull || rec.ImageSize != res.NewSize {
		t.Fatalf("record = %+v", rec)
	}
	if _, ok := env.svc.Current(ctx, p); !ok {
		t.Error("Current reported a freshly optimized file as stale")
	}

	// nothing left to squeeze: the second pass is recorded but saves nothing
	env.tools.shrink = false
	res, err = env.svc.Optimize(ctx, p, opts)
	if err != nil {
		t.Fatalf("second Optimize: %v", err)
	}
	if res.Message != models.ResultsNoSavings {
		t.Errorf("second Message = %q, want %q", res.Message, models.ResultsNoSavings)
	}
	rec, _ = env.repo.FindByPath(ctx, p)
	if rec.Updates != 2 {
		t.Errorf("Updates = %d, want 2", rec.Updates)
	}
	if !strings.HasPrefix(rec.Results, "Reduced by") {
		t.Errorf("stored Results = %q, want the cumulative savings", rec.Results)
	}

	got := env.events.types()
	if len(got) != 2 || got[0] != realtime.EventOptimized || got[1] != realtime.EventOptimized {
		t.Errorf("events = %v", got)
	}
}

func TestCurrentDetectsReplacedFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := filepath.Join(env.uploads, "a.jpg")
	writeJPEG(t, p)

	if _, err := env.svc.Optimize(ctx, p, OptimizeOptions{Settings: config.DefaultSettings()}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, bytes.Repeat([]byte{0xff}, 5000), 0644); err != nil {
		t.Fatal(err)
	}
	if _, ok := env.svc.Current(ctx, p); ok {
		t.Error("Current matched a file whose size changed")
	}
}

func TestOptimizeRejects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	txt := filepath.Join(env.uploads, "notes.txt")
	if err := os.WriteFile(txt, []byte("plain text, not an image"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		want error
	}{
		{"missing", filepath.Join(env.uploads, "nope.jpg"), ErrFileNotFound},
		{"directory", env.uploads, ErrFileNotFound},
		{"unsupported", txt, ErrUnsupportedType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Optimize(ctx, tt.path, OptimizeOptions{Settings: config.DefaultSettings()})
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if _, err := env.repo.FindByPath(ctx, tt.path); !errors.Is(err, repository.ErrRecordNotFound) {
				t.Errorf("record written for rejected file: %v", err)
			}
		})
	}
	if n := len(env.events.types()); n != len(tests) {
		t.Errorf("failure events = %d, want %d", n, len(tests))
	}
}

func TestOptimizeDisabledLevel(t *testing.T) {
	env := newTestEnv(t)
	p := filepath.Join(env.uploads, "a.jpg")
	writeJPEG(t, p)

	settings := config.DefaultSettings()
	settings.JPGLevel = 0
	res, err := env.svc.Optimize(context.Background(), p, OptimizeOptions{Settings: settings})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped || res.Message != MsgDisabled {
		t.Fatalf("result = %+v", res)
	}
	if env.tools.calls != 0 {
		t.Errorf("tool ran %d times for a disabled type", env.tools.calls)
	}
}

func TestOptimizeMissingToolSkipsSilently(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := filepath.Join(env.uploads, "a.jpg")
	orig := writeJPEG(t, p)

	events := &eventLog{}
	svc := NewOptimizerService(env.repo, env.svc.paths, offlineCloud{}, &noTools{}, env.svc.processor, events, zerolog.Nop())
	res, err := svc.Optimize(ctx, p, OptimizeOptions{Settings: config.DefaultSettings()})
	if err != nil {
		t.Fatalf("Optimize: %v, want a skipped result", err)
	}
	if !res.Skipped || res.Message != MsgToolMissing {
		t.Errorf("result = %+v", res)
	}
	if got, _ := os.ReadFile(p); !bytes.Equal(got, orig) {
		t.Error("file changed without an optimizer")
	}
	if _, err := env.repo.FindByPath(ctx, p); !errors.Is(err, repository.ErrRecordNotFound) {
		t.Errorf("FindByPath err = %v, want no record", err)
	}
	for _, typ := range events.types() {
		if typ == realtime.EventFailed {
			t.Error("a missing tool was published as a failure")
		}
	}
}

type noTools struct{ shrinkTools }

func (*noTools) Available(string) bool { return false }

func TestRestoreFromLocalBackup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := filepath.Join(env.uploads, "a.jpg")
	orig := writeJPEG(t, p)

	settings := config.DefaultSettings()
	settings.Backup = true
	res, err := env.svc.Optimize(ctx, p, OptimizeOptions{Settings: settings})
	if err != nil {
		t.Fatal(err)
	}
	if res.BackupHash == "" {
		t.Fatal("no backup hash recorded")
	}

	if _, err := env.svc.Restore(ctx, p, settings); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got, _ := os.ReadFile(p)
	if !bytes.Equal(got, orig) {
		t.Error("restored file differs from the original")
	}
	if _, err := env.repo.FindByPath(ctx, p); !errors.Is(err, repository.ErrRecordNotFound) {
		t.Errorf("record kept after restore: %v", err)
	}

	if _, err := env.svc.Restore(ctx, p, settings); !errors.Is(err, repository.ErrRecordNotFound) {
		t.Errorf("second Restore err = %v", err)
	}
}

func TestRestoreWithoutBackup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	p := filepath.Join(env.uploads, "a.jpg")
	writeJPEG(t, p)

	if _, err := env.svc.Optimize(ctx, p, OptimizeOptions{Settings: config.DefaultSettings()}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.Restore(ctx, p, config.DefaultSettings()); !errors.Is(err, ErrNoBackup) {
		t.Fatalf("err = %v, want ErrNoBackup", err)
	}
}

type stubDispatcher struct {
	jobs []AttachmentJob
	res  *DispatchResult
}

func (d *stubDispatcher) Dispatch(ctx context.Context, job AttachmentJob) (*DispatchResult, error) {
	d.jobs = append(d.jobs, job)
	return d.res, nil
}

func TestBuildJob(t *testing.T) {
	svc := NewAttachmentService(nil, nil, nil, cache.NewMemoryCache(), nil, filepath.FromSlash("/srv/uploads"), zerolog.Nop())
	meta := models.AttachmentMetadata{
		File: "2024/05/logo.png",
		Sizes: map[string]models.SizeMeta{
			"thumbnail": {File: "logo-150x150.png", Width: 150, Height: 150},
			"medium":    {File: "logo-300x200.png", Width: 300, Height: 200},
			"same":      {File: "logo.png"},
			"broken":    {},
		},
	}
	settings := config.DefaultSettings()
	settings.SkipSizes = []string{"medium"}

	job, err := svc.BuildJob(9, meta, settings)
	if err != nil {
		t.Fatal(err)
	}
	if job.Full.Path != filepath.FromSlash("/srv/uploads/2024/05/logo.png") {
		t.Errorf("Full.Path = %q", job.Full.Path)
	}
	if len(job.Variants) != 1 || job.Variants[0].Name != "thumbnail" {
		t.Fatalf("variants = %+v", job.Variants)
	}
	if job.Variants[0].Path != filepath.FromSlash("/srv/uploads/2024/05/logo-150x150.png") {
		t.Errorf("variant path = %q", job.Variants[0].Path)
	}

	meta.SizeOrder = []string{"same", "thumbnail", "medium", "broken"}
	meta.Sizes["large"] = models.SizeMeta{File: "logo-1024x768.png"}
	meta.Sizes["medium_large"] = models.SizeMeta{File: "logo-768x576.png"}
	job, err = svc.BuildJob(9, meta, config.DefaultSettings())
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, v := range job.Variants {
		names = append(names, v.Name)
	}
	// declared names first, undeclared ones after in natural order
	if want := "[thumbnail medium large medium_large]"; fmt.Sprint(names) != want {
		t.Errorf("variant order = %v, want %s", names, want)
	}

	if _, err := svc.BuildJob(9, models.AttachmentMetadata{}, settings); !errors.Is(err, ErrInvalidMetadata) {
		t.Errorf("err = %v, want ErrInvalidMetadata", err)
	}
}

func TestApplyResults(t *testing.T) {
	uploads := filepath.FromSlash("/srv/uploads")
	meta := models.AttachmentMetadata{
		File:  "2024/05/logo.png",
		Sizes: map[string]models.SizeMeta{"thumbnail": {File: "logo-150x150.png"}},
	}
	res := &DispatchResult{
		Full: &Result{FinalPath: filepath.FromSlash("/srv/uploads/2024/05/logo.jpg"), Converted: filepath.FromSlash("/srv/uploads/2024/05/logo.png")},
		Results: map[string]*Result{
			"thumbnail": {FinalPath: filepath.FromSlash("/srv/uploads/2024/05/logo-150x150.jpg")},
		},
		Processing: true,
	}
	out := ApplyResults(meta, res, uploads)
	if out.File != "2024/05/logo.jpg" {
		t.Errorf("File = %q", out.File)
	}
	if out.Sizes["thumbnail"].File != "logo-150x150.jpg" {
		t.Errorf("thumbnail = %q", out.Sizes["thumbnail"].File)
	}
	if !out.Processing {
		t.Error("Processing not carried over")
	}
	if meta.Sizes["thumbnail"].File != "logo-150x150.png" {
		t.Error("input metadata was modified")
	}
}

type recordingOffload struct {
	uploaded, removed []string
}

func (o *recordingOffload) Upload(ctx context.Context, p []string) error {
	o.uploaded = append(o.uploaded, p...)
	return nil
}

func (o *recordingOffload) Remove(ctx context.Context, p []string) error {
	o.removed = append(o.removed, p...)
	return nil
}

func TestProcessAndDeleteAttachment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	full := filepath.Join(env.uploads, "a.jpg")
	writeJPEG(t, full)

	id := uint(41)
	res, err := env.svc.Optimize(ctx, full, OptimizeOptions{Settings: config.DefaultSettings(), AttachmentID: &id})
	if err != nil {
		t.Fatal(err)
	}
	webp := media.WebPPath(full)
	if err := os.WriteFile(webp, []byte("webp"), 0644); err != nil {
		t.Fatal(err)
	}

	c := cache.NewMemoryCache()
	offload := &recordingOffload{}
	disp := &stubDispatcher{res: &DispatchResult{Mode: ModeSequential, Full: res, Results: map[string]*Result{}}}
	svc := NewAttachmentService(env.svc, disp, env.repo, c, offload, env.uploads, zerolog.Nop())

	meta, err := svc.ProcessAttachment(ctx, id, models.AttachmentMetadata{File: "a.jpg"}, config.DefaultSettings())
	if err != nil {
		t.Fatalf("ProcessAttachment: %v", err)
	}
	if meta.File != "a.jpg" || meta.Processing {
		t.Errorf("meta = %+v", meta)
	}
	if len(offload.uploaded) != 2 {
		t.Errorf("uploaded = %v, want file and webp", offload.uploaded)
	}

	if err := c.Set(ctx, MarkerKey(id), []byte("1"), 0); err != nil {
		t.Fatal(err)
	}
	st, err := svc.Status(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !st.Optimizing || len(st.Records) != 1 {
		t.Fatalf("status = %+v", st)
	}

	n, err := svc.DeleteAttachment(ctx, id)
	if err != nil || n != 1 {
		t.Fatalf("DeleteAttachment = %d, %v", n, err)
	}
	if _, err := os.Stat(webp); !os.IsNotExist(err) {
		t.Error("webp derivative left behind")
	}
	if _, ok, _ := c.Get(ctx, MarkerKey(id)); ok {
		t.Error("in-progress marker left behind")
	}
	if len(offload.removed) == 0 {
		t.Error("offloaded copies not removed")
	}
	if _, err := os.Stat(full); err != nil {
		t.Error("the attachment file itself must stay; the CMS deletes it")
	}
}

func TestProcessAttachmentFullFailure(t *testing.T) {
	disp := &stubDispatcher{res: &DispatchResult{Mode: ModeSequential, FullErr: cloud.ErrQuotaExceeded}}
	svc := NewAttachmentService(nil, disp, nil, cache.NewMemoryCache(), nil, filepath.FromSlash("/srv/uploads"), zerolog.Nop())
	_, err := svc.ProcessAttachment(context.Background(), 3, models.AttachmentMetadata{File: "x.jpg"}, config.DefaultSettings())
	if !errors.Is(err, cloud.ErrQuotaExceeded) {
		t.Fatalf("err = %v", err)
	}
}
