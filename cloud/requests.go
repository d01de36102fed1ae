package cloud

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"github.com/camden-git/imageoptimizer/metrics"
	"github.com/camden-git/imageoptimizer/routing"
)

const (
	endpointCompress = "/v2/"
	endpointRotate   = "/rotate/"
	endpointRestore  = "/backup/"

	maxResponseBytes = 256 << 20
)

type filePart struct {
	filename string
	data     []byte
}

// CompressRequest describes one file sent for remote compression.
type CompressRequest struct {
	Path          string
	Mime          string
	Params        routing.Params
	Backup        string // hash of an earlier backup to reuse
	BackupEnabled bool
}

type CompressResult struct {
	Body       []byte
	Mime       string
	BackupHash string
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (c *Client) post(ctx context.Context, ip, transport, endpoint string, fields map[string]string, file *filePart) ([]byte, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("failed to write field %s: %w", k, err)
		}
	}
	if file != nil {
		fw, err := w.CreateFormFile("file", file.filename)
		if err != nil {
			return nil, fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := fw.Write(file.data); err != nil {
			return nil, fmt.Errorf("failed to write form file: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL(transport)+endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient(ip).Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("compression api returned %s", resp.Status)
	}
	return data, nil
}

// call verifies the key and sends one request to the cached backend. A failed
// request toggles the transport once; the resolved IP is kept.
func (c *Client) call(ctx context.Context, apiKey, endpoint string, fields map[string]string, file *filePart) ([]byte, error) {
	if c.QuotaExceeded(ctx, apiKey) {
		metrics.CloudRequests.WithLabelValues(endpoint, "exceeded").Inc()
		return nil, ErrQuotaExceeded
	}
	v, err := c.Verify(ctx, apiKey)
	if err != nil {
		metrics.CloudRequests.WithLabelValues(endpoint, "unverified").Inc()
		return nil, err
	}
	if v.Status == StatusExceeded {
		return nil, ErrQuotaExceeded
	}

	all := make(map[string]string, len(fields)+1)
	for k, val := range fields {
		all[k] = val
	}
	all["api_key"] = apiKey

	body, err := c.post(ctx, v.IP, v.Transport, endpoint, all, file)
	// https falls back to http once; http has nowhere further to go
	if err != nil && v.Transport == TransportHTTPS {
		zerolog.Ctx(ctx).Debug().Err(err).Str("transport", v.Transport).Msg("cloud: request failed, switching transport")
		v.Transport = TransportHTTP
		c.store(ctx, apiKey, v)
		body, err = c.post(ctx, v.IP, v.Transport, endpoint, all, file)
	}
	if err != nil {
		metrics.CloudRequests.WithLabelValues(endpoint, "failed").Inc()
		return nil, fmt.Errorf("failed to reach compression api: %v: %w", err, ErrVerificationFailed)
	}
	metrics.CloudRequests.WithLabelValues(endpoint, "ok").Inc()
	return body, nil
}

// checkBody validates a returned file against the expected mime type. A short
// text reply mentioning the quota trips the breaker.
func (c *Client) checkBody(ctx context.Context, apiKey string, body []byte, expected ...string) (string, error) {
	detected := mimetype.Detect(body)
	for _, m := range expected {
		if detected.Is(m) {
			return m, nil
		}
	}
	if strings.HasPrefix(detected.String(), "text/") && strings.Contains(string(body), StatusExceeded) {
		v, _ := c.cached(ctx, apiKey)
		c.tripBreaker(ctx, apiKey, v)
		return "", ErrQuotaExceeded
	}
	zerolog.Ctx(ctx).Debug().Str("detected", detected.String()).Strs("expected", expected).Msg("cloud: unexpected response type")
	return "", fmt.Errorf("got %s: %w", detected.String(), ErrUnsupportedResponse)
}

func readPart(path string) (*filePart, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return &filePart{filename: filepath.Base(path), data: data}, nil
}

// NewBackupHash derives an opaque id for a stored original from its content
// and a random suffix.
func NewBackupHash(content []byte) string {
	sum := blake2b.Sum256(content)
	id := uuid.New()
	return hex.EncodeToString(sum[:8]) + strings.ReplaceAll(id.String(), "-", "")
}

// Compress sends the file for compression. The original file is untouched;
// the caller writes Body.
func (c *Client) Compress(ctx context.Context, apiKey string, req CompressRequest) (*CompressResult, error) {
	part, err := readPart(req.Path)
	if err != nil {
		return nil, err
	}

	backup := ""
	if req.BackupEnabled {
		backup = req.Backup
		if backup == "" {
			backup = NewBackupHash(part.data)
		}
	}

	p := req.Params
	fields := map[string]string{
		"convert":    boolField(p.Convert),
		"metadata":   strconv.Itoa(p.Metadata),
		"lossy":      boolField(p.Lossy),
		"lossy_fast": boolField(p.LossyFast),
		"webp":       "0",
		"compress":   boolField(p.Compress),
		"backup":     backup,
		"jpg_fill":   p.JPGFill,
		"quality":    strconv.Itoa(p.Quality),
	}

	body, err := c.call(ctx, apiKey, endpointCompress, fields, part)
	if err != nil {
		return nil, err
	}

	expected := req.Mime
	if p.Convert && p.ConvertTo != "" {
		expected = p.ConvertTo
	}
	m, err := c.checkBody(ctx, apiKey, body, expected)
	if err != nil {
		return nil, err
	}
	return &CompressResult{Body: body, Mime: m, BackupHash: backup}, nil
}

// CompressWebP requests a WebP derivative of the file at path.
func (c *Client) CompressWebP(ctx context.Context, apiKey, path string, p routing.Params) ([]byte, error) {
	part, err := readPart(path)
	if err != nil {
		return nil, err
	}
	fields := map[string]string{
		"convert":    "0",
		"metadata":   strconv.Itoa(p.Metadata),
		"lossy":      boolField(p.Lossy),
		"lossy_fast": boolField(p.LossyFast),
		"webp":       "1",
		"compress":   "0",
		"backup":     "",
		"quality":    strconv.Itoa(p.Quality),
	}
	body, err := c.call(ctx, apiKey, endpointCompress, fields, part)
	if err != nil {
		return nil, err
	}
	if _, err := c.checkBody(ctx, apiKey, body, routing.MimeWebP); err != nil {
		return nil, err
	}
	return body, nil
}

// Rotate asks the API to apply an EXIF orientation to the pixels.
func (c *Client) Rotate(ctx context.Context, apiKey, path, mime string, orientation int) ([]byte, error) {
	part, err := readPart(path)
	if err != nil {
		return nil, err
	}
	body, err := c.call(ctx, apiKey, endpointRotate, map[string]string{"orientation": strconv.Itoa(orientation)}, part)
	if err != nil {
		return nil, err
	}
	if _, err := c.checkBody(ctx, apiKey, body, mime); err != nil {
		return nil, err
	}
	return body, nil
}

// Restore fetches the original stored under backupHash.
func (c *Client) Restore(ctx context.Context, apiKey, backupHash string) ([]byte, string, error) {
	if backupHash == "" {
		return nil, "", fmt.Errorf("no backup hash: %w", ErrUnsupportedResponse)
	}
	body, err := c.call(ctx, apiKey, endpointRestore, map[string]string{"backup": backupHash}, nil)
	if err != nil {
		return nil, "", err
	}
	m, err := c.checkBody(ctx, apiKey, body, routing.MimeJPEG, routing.MimePNG, routing.MimeGIF, routing.MimePDF, routing.MimeWebP)
	if err != nil {
		return nil, "", err
	}
	return body, m, nil
}
