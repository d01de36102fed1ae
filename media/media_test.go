package media

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/camden-git/imageoptimizer/routing"
)

func writePNG(t *testing.T, path string, alpha uint8) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 10, B: 10, A: alpha})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func newProcessor(t *testing.T) *Processor {
	t.Helper()
	store, err := NewLocalStorage(t.TempDir(), map[AssetType]string{AssetTypeBackup: "originals"}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return NewProcessor(store, zerolog.Nop())
}

func TestConvertPNGToJPEG(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "logo.png")
	writePNG(t, src, 128)
	// an unrelated file already owns the plain name
	if err := os.WriteFile(filepath.Join(dir, "logo.jpg"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	dst, err := newProcessor(t).Convert(src, routing.MimeJPEG, "000000", 90)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if filepath.Base(dst) != "logo-1.jpg" {
		t.Errorf("dst = %s, want logo-1.jpg", dst)
	}
	mime, err := DetectMime(dst)
	if err != nil || mime != routing.MimeJPEG {
		t.Errorf("DetectMime = %q, %v", mime, err)
	}
	if _, err := os.Stat(src); err != nil {
		t.Errorf("source removed by Convert: %v", err)
	}
}

func TestConvertRejectsAnimatedGIF(t *testing.T) {
	src := filepath.Join(t.TempDir(), "spin.gif")
	pal := color.Palette{color.Black, color.White}
	anim := &gif.GIF{
		Image: []*image.Paletted{image.NewPaletted(image.Rect(0, 0, 4, 4), pal), image.NewPaletted(image.Rect(0, 0, 4, 4), pal)},
		Delay: []int{10, 10},
	}
	f, err := os.Create(src)
	if err != nil {
		t.Fatal(err)
	}
	if err := gif.EncodeAll(f, anim); err != nil {
		t.Fatal(err)
	}
	f.Close()

	if _, err := newProcessor(t).Convert(src, routing.MimePNG, "", 0); !errors.Is(err, ErrAnimated) {
		t.Errorf("err = %v, want ErrAnimated", err)
	}
}

func TestOrientationWithoutExif(t *testing.T) {
	src := filepath.Join(t.TempDir(), "plain.png")
	writePNG(t, src, 255)
	if got := Orientation(src); got != 1 {
		t.Errorf("Orientation = %d, want 1", got)
	}
	changed, err := newProcessor(t).AutoRotate(src, 82)
	if err != nil || changed {
		t.Errorf("AutoRotate = %v, %v", changed, err)
	}
}

func TestRetinaAndWebPPaths(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "photo-300x200.jpg")
	if RetinaPath(base) != filepath.Join(dir, "photo-300x200@2x.jpg") {
		t.Errorf("RetinaPath = %s", RetinaPath(base))
	}
	if _, ok := RetinaSibling(base); ok {
		t.Error("sibling reported before it exists")
	}
	if err := os.WriteFile(RetinaPath(base), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if p, ok := RetinaSibling(base); !ok || p != RetinaPath(base) {
		t.Errorf("RetinaSibling = %s, %v", p, ok)
	}
	if _, ok := RetinaSibling(RetinaPath(base)); ok {
		t.Error("retina file has its own retina sibling")
	}
	if WebPPath(base) != base+".webp" {
		t.Errorf("WebPPath = %s", WebPPath(base))
	}
}

func TestLocalStorage(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir(), map[AssetType]string{AssetTypeBackup: "originals"}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	rel, err := store.Save(AssetTypeBackup, "ab", "abcdef.jpg", strings.NewReader("original"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if rel != "originals/ab/abcdef.jpg" {
		t.Errorf("rel = %s", rel)
	}

	rc, _, err := store.Get(rel)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "original" {
		t.Errorf("content = %q", data)
	}

	if _, err := store.Save(AssetTypeBackup, "../../escape", "x.jpg", strings.NewReader("x")); err == nil {
		t.Error("directory traversal accepted")
	}
	if _, err := store.GetFullPath("../outside"); err == nil {
		t.Error("GetFullPath accepted traversal")
	}

	if err := store.Delete(rel); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(rel); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestBackupOriginal(t *testing.T) {
	p := newProcessor(t)
	src := filepath.Join(t.TempDir(), "a.PNG")
	writePNG(t, src, 255)

	if _, err := p.BackupOriginal(src, "ffee00112233"); err != nil {
		t.Fatalf("BackupOriginal: %v", err)
	}
	got, ok := p.LocalBackup("ffee00112233")
	if !ok || filepath.Ext(got) != ".png" {
		t.Errorf("LocalBackup = %s, %v", got, ok)
	}
	if _, ok := p.LocalBackup("0000"); ok {
		t.Error("LocalBackup found a missing hash")
	}
}

func TestToolsMissing(t *testing.T) {
	t.Setenv("PATH", "")
	tools := NewTools(t.TempDir(), zerolog.Nop())

	for _, st := range tools.Status() {
		if st.Available {
			t.Errorf("%s reported available", st.Name)
		}
	}
	_, err := tools.Optimize(context.Background(), "/tmp/none.jpg", routing.Params{Tool: routing.ToolJpegtran})
	if !errors.Is(err, ErrToolMissing) {
		t.Errorf("err = %v, want ErrToolMissing", err)
	}
}

func TestToolsRunsBinary(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script tool")
	}
	t.Setenv("PATH", "/usr/bin:/bin")
	dir := t.TempDir()
	// stand-in jpegtran: -copy X -optimize -progressive -outfile DST SRC
	script := "#!/bin/sh\nhead -c 10 \"$7\" > \"$6\"\n"
	if err := os.WriteFile(filepath.Join(dir, "jpegtran"), []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	tools := NewTools(dir, zerolog.Nop())
	if !tools.Available(routing.ToolJpegtran) {
		t.Fatal("jpegtran not discovered in tools dir")
	}

	src := filepath.Join(t.TempDir(), "in.jpg")
	if err := os.WriteFile(src, make([]byte, 100), 0644); err != nil {
		t.Fatal(err)
	}
	out, err := tools.Optimize(context.Background(), src, routing.Params{Tool: routing.ToolJpegtran})
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if FileSize(out) != 10 {
		t.Errorf("output size = %d, want 10", FileSize(out))
	}
}
