package store

import (
	"context"
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func TestNewRedisConnectsFromURL(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	client, err := NewRedis(context.Background(), "redis://"+mr.Addr()+"/0", RedisTLSFiles{})
	if err != nil {
		t.Fatalf("expected redis client success, got %v", err)
	}
	defer client.Close()
	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := mr.Get("k"); got != "v" {
		t.Fatalf("expected value in miniredis, got %q", got)
	}
}

func TestNewRedisErrors(t *testing.T) {
	if _, err := NewRedis(context.Background(), "", RedisTLSFiles{}); err == nil {
		t.Fatal("expected error for empty url")
	}
	if _, err := NewRedis(context.Background(), "http://nope", RedisTLSFiles{}); err == nil {
		t.Fatal("expected error for bad scheme")
	}
	if _, err := NewRedis(context.Background(), "redis://127.0.0.1:1/0", RedisTLSFiles{CAFile: "/tmp/ca.pem"}); err == nil {
		t.Fatal("expected error for TLS files on plaintext url")
	}
}

func TestApplyRedisTLSFiles(t *testing.T) {
	cfg := &tls.Config{}
	if err := applyRedisTLSFiles(cfg, RedisTLSFiles{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Fatalf("expected TLS 1.2 floor, got %x", cfg.MinVersion)
	}

	dir := t.TempDir()
	bad := filepath.Join(dir, "ca.pem")
	if err := os.WriteFile(bad, []byte("not a cert"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := applyRedisTLSFiles(&tls.Config{}, RedisTLSFiles{CAFile: bad}); err == nil {
		t.Fatal("expected parse error for invalid CA")
	}
	if err := applyRedisTLSFiles(&tls.Config{}, RedisTLSFiles{CAFile: filepath.Join(dir, "missing.pem")}); err == nil {
		t.Fatal("expected read error for missing CA")
	}
	if err := applyRedisTLSFiles(&tls.Config{}, RedisTLSFiles{CertFile: "only-cert.pem"}); err == nil {
		t.Fatal("expected error when key file is missing")
	}
}

func TestRedisTLSFilesFromEnv(t *testing.T) {
	t.Setenv("ACCESS_REDIS_TLS_CA_CERT_FILE", " /etc/ca.pem ")
	t.Setenv("ACCESS_REDIS_TLS_CERT_FILE", "")
	files := RedisTLSFilesFromEnv()
	if files.CAFile != "/etc/ca.pem" || files.CertFile != "" {
		t.Fatalf("unexpected files: %+v", files)
	}
}
