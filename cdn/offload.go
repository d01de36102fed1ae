// Package cdn mirrors optimized uploads into an S3-compatible bucket.
package cdn

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/camden-git/imageoptimizer/config"
)

type Offloader struct {
	client     *minio.Client
	bucket     string
	prefix     string
	region     string
	uploadsDir string
	log        zerolog.Logger
}

func NewOffloader(cfg config.OffloadConfig, uploadsDir string, log zerolog.Logger) (*Offloader, error) {
	endpoint := cfg.Endpoint
	useSSL := cfg.UseSSL

	if strings.HasPrefix(endpoint, "http") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to parse offload endpoint: %w", err)
		}
		endpoint = u.Host
		useSSL = u.Scheme == "https"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init offload client: %w", err)
	}

	return &Offloader{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     strings.Trim(cfg.Prefix, "/"),
		region:     cfg.Region,
		uploadsDir: uploadsDir,
		log:        log,
	}, nil
}

// EnsureBucket creates the bucket when missing.
func (o *Offloader) EnsureBucket(ctx context.Context) error {
	exists, err := o.client.BucketExists(ctx, o.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", o.bucket, err)
	}
	if !exists {
		if err := o.client.MakeBucket(ctx, o.bucket, minio.MakeBucketOptions{Region: o.region}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", o.bucket, err)
		}
	}
	return nil
}

// ObjectKey maps a file under uploadsDir onto its bucket key.
func ObjectKey(uploadsDir, prefix, abs string) (string, bool) {
	rel, err := filepath.Rel(uploadsDir, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return path.Join(prefix, filepath.ToSlash(rel)), true
}

// Upload copies every file to the bucket. Files outside the uploads root are
// skipped; a failed file does not stop the others.
func (o *Offloader) Upload(ctx context.Context, absPaths []string) error {
	var errs []error
	for _, abs := range absPaths {
		key, ok := ObjectKey(o.uploadsDir, o.prefix, abs)
		if !ok {
			continue
		}
		contentType := "application/octet-stream"
		if m, err := mimetype.DetectFile(abs); err == nil {
			contentType = m.String()
		}
		_, err := o.client.FPutObject(ctx, o.bucket, key, abs, minio.PutObjectOptions{ContentType: contentType})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to upload %s: %w", key, err))
			continue
		}
		o.log.Debug().Str("key", key).Msg("cdn: uploaded")
	}
	return errors.Join(errs...)
}

// Remove deletes the bucket copies of absPaths; missing objects are ignored.
func (o *Offloader) Remove(ctx context.Context, absPaths []string) error {
	var errs []error
	for _, abs := range absPaths {
		key, ok := ObjectKey(o.uploadsDir, o.prefix, abs)
		if !ok {
			continue
		}
		if err := o.client.RemoveObject(ctx, o.bucket, key, minio.RemoveObjectOptions{}); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", key, err))
			continue
		}
		o.log.Debug().Str("key", key).Msg("cdn: removed")
	}
	return errors.Join(errs...)
}
