package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"conversion-pipeline/internal/config"
)

func TestLocalUploader(t *testing.T) {
	src := filepath.Join(t.TempDir(), "report.pdf")
	if err := os.WriteFile(src, []byte("%PDF-1.7"), 0o644); err != nil {
		t.Fatal(err)
	}
	base := t.TempDir()
	u := NewLocalUploader(base)

	got, err := u.Upload(context.Background(), "../../etc/job-1/report.pdf", src)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if want := filepath.Join(base, "etc", "job-1", "report.pdf"); got != want {
		t.Fatalf("uploaded to %s, want %s", got, want)
	}
	body, err := os.ReadFile(got)
	if err != nil || string(body) != "%PDF-1.7" {
		t.Fatalf("unexpected content %q err=%v", body, err)
	}
}

func TestNewPicksBackend(t *testing.T) {
	u, err := New(context.Background(), config.Config{})
	if err != nil || u != nil {
		t.Fatalf("expected no uploader, got %v %v", u, err)
	}
	u, err = New(context.Background(), config.Config{ResultDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := u.(*LocalUploader); !ok {
		t.Fatalf("expected local uploader, got %T", u)
	}

	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	u, err = New(context.Background(), config.Config{
		ResultS3Bucket:    "results",
		ResultS3Region:    "us-east-1",
		ResultS3Endpoint:  "http://localhost:9000",
		ResultS3PathStyle: true,
	})
	if err != nil {
		t.Fatalf("new s3: %v", err)
	}
	if s, ok := u.(*S3Uploader); !ok || s.bucket != "results" {
		t.Fatalf("expected s3 uploader, got %T", u)
	}
}

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"a/b.pdf":        "a/b.pdf",
		"/abs/b.pdf":     "abs/b.pdf",
		"../../x.pdf":    "x.pdf",
		"a/./../b/c.pdf": "b/c.pdf",
	}
	for in, want := range cases {
		if got := SanitizeKey(in); got != want {
			t.Fatalf("SanitizeKey(%q) = %q, want %q", in, got, want)
		}
	}
}
