package cloud

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/camden-git/imageoptimizer/cache"
	"github.com/camden-git/imageoptimizer/config"
	"github.com/camden-git/imageoptimizer/routing"
)

var (
	pngBytes  = append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 32)...)
	jpegBytes = append([]byte{0xff, 0xd8, 0xff, 0xe0}, make([]byte, 32)...)
)

type stubResolver struct {
	ips []string
	err error
}

func (s stubResolver) LookupHost(context.Context, string) ([]string, error) {
	return s.ips, s.err
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type apiServer struct {
	verifyReply   string
	compressReply []byte
	failCompress  bool
	verifyHits    atomic.Int32
	compressHits  atomic.Int32
	lastFields    sync.Map
}

func (a *apiServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for k, v := range r.MultipartForm.Value {
		a.lastFields.Store(k, v[0])
	}
	switch r.URL.Path {
	case "/verify/":
		a.verifyHits.Add(1)
		w.Write([]byte(a.verifyReply))
	case "/v2/", "/rotate/", "/backup/":
		a.compressHits.Add(1)
		if a.failCompress {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		w.Write(a.compressReply)
	default:
		http.NotFound(w, r)
	}
}

func (a *apiServer) field(k string) string {
	v, _ := a.lastFields.Load(k)
	s, _ := v.(string)
	return s
}

func newTestClient(t *testing.T, api *apiServer, clock *fakeClock) (*Client, cache.Cache) {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	_, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	c := cache.NewMemoryCacheWithClock(clock.Now)
	client := NewClient(Options{
		Host:     net.JoinHostPort("api.optimizer.test", port),
		Timeout:  5 * time.Second,
		Cache:    c,
		Resolver: stubResolver{ips: []string{"127.0.0.1"}},
		Now:      clock.Now,
	})
	return client, c
}

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, data, 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestVerifyCollapsesConcurrentHandshakes(t *testing.T) {
	api := &apiServer{verifyReply: "great"}
	client, _ := newTestClient(t, api, &fakeClock{now: time.Now()})

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.Verify(context.Background(), "key-1"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Verify: %v", err)
	}

	if got := api.verifyHits.Load(); got != 1 {
		t.Errorf("verify requests = %d, want 1", got)
	}
	v, err := client.Verify(context.Background(), "key-1")
	if err != nil {
		t.Fatal(err)
	}
	// plain-http test server: https attempt fails, http wins
	if v.Status != StatusGreat || v.Transport != TransportHTTP || v.IP != "127.0.0.1" {
		t.Errorf("verification = %+v", v)
	}
}

func TestVerifyFailures(t *testing.T) {
	clock := &fakeClock{now: time.Now()}

	t.Run("no key", func(t *testing.T) {
		client, _ := newTestClient(t, &apiServer{verifyReply: "great"}, clock)
		if _, err := client.Verify(context.Background(), ""); !errors.Is(err, ErrNoKey) {
			t.Errorf("err = %v, want ErrNoKey", err)
		}
	})

	t.Run("dns failure", func(t *testing.T) {
		client, _ := newTestClient(t, &apiServer{verifyReply: "great"}, clock)
		client.resolver = stubResolver{err: errors.New("no such host")}
		if _, err := client.Verify(context.Background(), "k"); !errors.Is(err, ErrVerificationFailed) {
			t.Errorf("err = %v, want ErrVerificationFailed", err)
		}
	})

	t.Run("unrecognized reply", func(t *testing.T) {
		api := &apiServer{verifyReply: "invalid key"}
		client, _ := newTestClient(t, api, clock)
		if _, err := client.Verify(context.Background(), "k"); !errors.Is(err, ErrVerificationFailed) {
			t.Errorf("err = %v, want ErrVerificationFailed", err)
		}
		// the failure is cached briefly
		client.Verify(context.Background(), "k")
		if got := api.verifyHits.Load(); got != 1 {
			t.Errorf("verify requests = %d, want 1", got)
		}
	})
}

func TestQuotaBreakerSkipsNetwork(t *testing.T) {
	api := &apiServer{verifyReply: "exceeded", compressReply: jpegBytes}
	clock := &fakeClock{now: time.Now()}
	client, _ := newTestClient(t, api, clock)
	path := writeTemp(t, "a.jpg", jpegBytes)
	req := CompressRequest{Path: path, Mime: routing.MimeJPEG}

	if _, err := client.Compress(context.Background(), "k", req); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("first Compress err = %v, want ErrQuotaExceeded", err)
	}
	before := api.verifyHits.Load() + api.compressHits.Load()

	clock.Advance(200 * time.Second)
	if _, err := client.Compress(context.Background(), "k", req); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Compress in cooldown err = %v", err)
	}
	if !client.InCooldown(context.Background()) {
		t.Error("breaker closed inside the cooldown window")
	}

	// cooldown over, cached exceeded status still honored
	clock.Advance(200 * time.Second)
	if client.InCooldown(context.Background()) {
		t.Error("cooldown outlived 300s")
	}
	if _, err := client.Compress(context.Background(), "k", req); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Compress with cached exceeded err = %v", err)
	}
	if after := api.verifyHits.Load() + api.compressHits.Load(); after != before {
		t.Errorf("network requests during breaker: %d -> %d", before, after)
	}

	// verification expires, a fresh handshake runs
	api.verifyReply = "great"
	clock.Advance(time.Hour)
	res, err := client.Compress(context.Background(), "k", req)
	if err != nil {
		t.Fatalf("Compress after expiry: %v", err)
	}
	if res.Mime != routing.MimeJPEG {
		t.Errorf("Mime = %s", res.Mime)
	}
}

func TestCompressExceededReplyTripsBreaker(t *testing.T) {
	api := &apiServer{verifyReply: "great", compressReply: []byte("License exceeded")}
	client, _ := newTestClient(t, api, &fakeClock{now: time.Now()})
	path := writeTemp(t, "b.png", pngBytes)

	_, err := client.Compress(context.Background(), "k", CompressRequest{Path: path, Mime: routing.MimePNG})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
	if !client.QuotaExceeded(context.Background(), "k") {
		t.Error("breaker not open after exceeded reply")
	}
}

func TestCompressUnsupportedResponse(t *testing.T) {
	api := &apiServer{verifyReply: "great", compressReply: []byte("<html><body>server error</body></html>")}
	client, _ := newTestClient(t, api, &fakeClock{now: time.Now()})
	path := writeTemp(t, "c.png", pngBytes)

	_, err := client.Compress(context.Background(), "k", CompressRequest{Path: path, Mime: routing.MimePNG})
	if !errors.Is(err, ErrUnsupportedResponse) {
		t.Fatalf("err = %v, want ErrUnsupportedResponse", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != string(pngBytes) {
		t.Error("original modified")
	}
}

func TestCompressConversionAndFields(t *testing.T) {
	api := &apiServer{verifyReply: "great", compressReply: jpegBytes}
	client, _ := newTestClient(t, api, &fakeClock{now: time.Now()})
	path := writeTemp(t, "d.png", pngBytes)

	params := routing.Params{Convert: true, ConvertTo: routing.MimeJPEG, Lossy: true, Quality: 75, JPGFill: "ffffff", Metadata: 1}
	res, err := client.Compress(context.Background(), "secret", CompressRequest{
		Path: path, Mime: routing.MimePNG, Params: params, Backup: "prevhash", BackupEnabled: true,
	})
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if res.Mime != routing.MimeJPEG || res.BackupHash != "prevhash" {
		t.Errorf("result = %s / %s", res.Mime, res.BackupHash)
	}
	for k, want := range map[string]string{
		"convert": "1", "lossy": "1", "lossy_fast": "0", "quality": "75",
		"jpg_fill": "ffffff", "metadata": "1", "backup": "prevhash", "api_key": "secret", "webp": "0",
	} {
		if got := api.field(k); got != want {
			t.Errorf("field %s = %q, want %q", k, got, want)
		}
	}
}

func TestNewBackupHashWhenEnabled(t *testing.T) {
	api := &apiServer{verifyReply: "great", compressReply: pngBytes}
	client, _ := newTestClient(t, api, &fakeClock{now: time.Now()})
	path := writeTemp(t, "e.png", pngBytes)

	res, err := client.Compress(context.Background(), "k", CompressRequest{Path: path, Mime: routing.MimePNG, BackupEnabled: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.BackupHash) != 48 || api.field("backup") != res.BackupHash {
		t.Errorf("backup hash = %q, sent %q", res.BackupHash, api.field("backup"))
	}

	res, err = client.Compress(context.Background(), "k", CompressRequest{Path: path, Mime: routing.MimePNG})
	if err != nil {
		t.Fatal(err)
	}
	if res.BackupHash != "" {
		t.Errorf("backup hash without backups = %q", res.BackupHash)
	}
}

func TestTransportFallbackKeepsIP(t *testing.T) {
	api := &apiServer{verifyReply: "great", compressReply: pngBytes}
	clock := &fakeClock{now: time.Now()}
	client, c := newTestClient(t, api, clock)
	ctx := context.Background()

	seeded := Verification{Status: StatusGreat, IP: "127.0.0.1", Transport: TransportHTTPS, Expiry: clock.Now().Add(time.Hour)}
	if err := cache.SetJSON(ctx, c, verificationKey("k"), seeded, time.Hour); err != nil {
		t.Fatal(err)
	}

	path := writeTemp(t, "f.png", pngBytes)
	if _, err := client.Compress(ctx, "k", CompressRequest{Path: path, Mime: routing.MimePNG}); err != nil {
		t.Fatalf("Compress: %v", err)
	}
	v, err := client.Verify(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if v.Transport != TransportHTTP || v.IP != "127.0.0.1" {
		t.Errorf("verification after fallback = %+v", v)
	}
	if api.verifyHits.Load() != 0 {
		t.Error("fallback re-ran the handshake")
	}
}

func TestWebPRotateRestore(t *testing.T) {
	webp := append([]byte("RIFF\x00\x00\x00\x00WEBPVP8 "), make([]byte, 32)...)
	api := &apiServer{verifyReply: "great", compressReply: webp}
	client, _ := newTestClient(t, api, &fakeClock{now: time.Now()})
	ctx := context.Background()
	path := writeTemp(t, "g.jpg", jpegBytes)

	if _, err := client.CompressWebP(ctx, "k", path, routing.Params{Quality: 82}); err != nil {
		t.Fatalf("CompressWebP: %v", err)
	}
	if api.field("webp") != "1" {
		t.Errorf("webp field = %q", api.field("webp"))
	}

	api.compressReply = jpegBytes
	if _, err := client.Rotate(ctx, "k", path, routing.MimeJPEG, 6); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if api.field("orientation") != "6" {
		t.Errorf("orientation field = %q", api.field("orientation"))
	}

	body, m, err := client.Restore(ctx, "k", "somehash")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if m != routing.MimeJPEG || len(body) != len(jpegBytes) {
		t.Errorf("Restore = %s, %d bytes", m, len(body))
	}
	if _, _, err := client.Restore(ctx, "k", ""); !errors.Is(err, ErrUnsupportedResponse) {
		t.Errorf("Restore without hash err = %v", err)
	}
}

func TestDowngrade(t *testing.T) {
	s := config.DefaultSettings()
	s.JPGLevel, s.PNGLevel, s.GIFLevel, s.PDFLevel = 40, 50, 20, 20
	s.Backup = true

	d := Downgrade(s)
	if d.JPGLevel != 10 || d.PNGLevel != 10 || d.GIFLevel != 10 || d.PDFLevel != 0 || d.Backup {
		t.Errorf("Downgrade = %+v", d)
	}
	if s.JPGLevel != 40 || !s.Backup {
		t.Error("Downgrade mutated its input")
	}

	s.APIKey = "k"
	if got := Downgrade(s); got.JPGLevel != 40 || !got.Backup {
		t.Errorf("Downgrade with key changed settings: %+v", got)
	}
}

func TestHTTPTransportDoesNotFallBack(t *testing.T) {
	api := &apiServer{verifyReply: "great", failCompress: true}
	clock := &fakeClock{now: time.Now()}
	client, c := newTestClient(t, api, clock)
	ctx := context.Background()

	seeded := Verification{Status: StatusGreat, IP: "127.0.0.1", Transport: TransportHTTP, Expiry: clock.Now().Add(time.Hour)}
	if err := cache.SetJSON(ctx, c, verificationKey("k"), seeded, time.Hour); err != nil {
		t.Fatal(err)
	}

	path := writeTemp(t, "f.png", pngBytes)
	_, err := client.Compress(ctx, "k", CompressRequest{Path: path, Mime: routing.MimePNG})
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("err = %v, want ErrVerificationFailed", err)
	}
	if n := api.compressHits.Load(); n != 1 {
		t.Errorf("compress attempts = %d, want 1", n)
	}
	v, err := client.Verify(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if v.Transport != TransportHTTP {
		t.Errorf("transport = %s, want http kept", v.Transport)
	}
}
