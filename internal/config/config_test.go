package config

import (
	"os"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPPort != "8080" || cfg.Workers != 2 || cfg.DebugHistoryLimit != 100 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if want := []string{"->", "=>", ">", ",", "|"}; !reflect.DeepEqual(cfg.ChainSeparators, want) {
		t.Fatalf("separators = %v", cfg.ChainSeparators)
	}
	if cfg.RedisAddr != "" || cfg.PostgresDSN != "" || cfg.ResultS3Bucket != "" {
		t.Fatalf("optional backends should default off: %+v", cfg)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Fatalf("shutdown timeout = %s", cfg.ShutdownTimeout)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CONVERSION_WORKERS", "6")
	t.Setenv("CHAIN_SEPARATORS", "-> ;")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("RESULT_S3_PATH_STYLE", "true")
	t.Setenv("REDIS_ADDR", "localhost:6390")
	t.Setenv("SHUTDOWN_TIMEOUT", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Workers != 6 || !cfg.ResultS3PathStyle || cfg.RedisAddr != "localhost:6390" || cfg.ShutdownTimeout != 5*time.Second {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.ChainSeparators, []string{"->", ";"}) {
		t.Fatalf("separators = %v", cfg.ChainSeparators)
	}
	if !reflect.DeepEqual(cfg.CORSOrigins, []string{"https://a.example", "https://b.example"}) {
		t.Fatalf("origins = %v", cfg.CORSOrigins)
	}
}

func TestLoadRejectsZeroWorkers(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("CONVERSION_WORKERS", "0")
	if _, err := Load(); err == nil {
		t.Fatalf("expected validation error")
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(old) })
}
