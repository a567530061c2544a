package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"conversion-pipeline/internal/config"
)

// Uploader mirrors a finished output somewhere outside the job's temp dir.
type Uploader interface {
	Upload(ctx context.Context, key, localPath string) (string, error)
}

// New picks the uploader configured in cfg: S3 when a bucket is set, a local directory
// when RESULT_DIR is set, otherwise nil.
func New(ctx context.Context, cfg config.Config) (Uploader, error) {
	switch {
	case cfg.ResultS3Bucket != "":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &S3Uploader{client: client, bucket: cfg.ResultS3Bucket}, nil
	case cfg.ResultDir != "":
		return NewLocalUploader(cfg.ResultDir), nil
	}
	return nil, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ResultS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ResultS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ResultS3Endpoint)
		}
		o.UsePathStyle = cfg.ResultS3PathStyle
	}), nil
}

// SanitizeKey keeps keys relative and free of traversal.
func SanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean("/" + key))
	return strings.TrimPrefix(key, "/")
}

func contentType(path string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// LocalUploader copies outputs under a base directory.
type LocalUploader struct {
	baseDir string
}

func NewLocalUploader(baseDir string) *LocalUploader {
	return &LocalUploader{baseDir: baseDir}
}

func (l *LocalUploader) Upload(_ context.Context, key, localPath string) (string, error) {
	dst := filepath.Join(l.baseDir, filepath.FromSlash(SanitizeKey(key)))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	in, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open output: %w", err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return dst, nil
}

// S3Uploader puts outputs into a bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *S3Uploader) Upload(ctx context.Context, key, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open output: %w", err)
	}
	defer f.Close()

	key = SanitizeKey(key)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType(localPath)),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
