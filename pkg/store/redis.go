package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var redisPingTimeout = 2 * time.Second

// RedisTLSFiles optionally pins the CA and client certificate used for
// rediss:// connections.
type RedisTLSFiles struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// RedisTLSFilesFromEnv reads ACCESS_REDIS_TLS_CA_CERT_FILE,
// ACCESS_REDIS_TLS_CERT_FILE and ACCESS_REDIS_TLS_KEY_FILE.
func RedisTLSFilesFromEnv() RedisTLSFiles {
	return RedisTLSFiles{
		CAFile:   strings.TrimSpace(os.Getenv("ACCESS_REDIS_TLS_CA_CERT_FILE")),
		CertFile: strings.TrimSpace(os.Getenv("ACCESS_REDIS_TLS_CERT_FILE")),
		KeyFile:  strings.TrimSpace(os.Getenv("ACCESS_REDIS_TLS_KEY_FILE")),
	}
}

// NewRedis connects to rawURL (redis:// or rediss://) and verifies the
// connection with a ping.
func NewRedis(ctx context.Context, rawURL string, files RedisTLSFiles) (*redis.Client, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("redis url required")
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.TLSConfig != nil {
		if err := applyRedisTLSFiles(opts.TLSConfig, files); err != nil {
			return nil, err
		}
	} else if files.CAFile != "" || files.CertFile != "" {
		return nil, fmt.Errorf("redis TLS files configured but url scheme is not rediss://")
	}
	client := redis.NewClient(opts)
	ctxPing, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func applyRedisTLSFiles(cfg *tls.Config, files RedisTLSFiles) error {
	if cfg.MinVersion < tls.VersionTLS12 {
		cfg.MinVersion = tls.VersionTLS12
	}
	if files.CAFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(files.CAFile))
		if err != nil {
			return fmt.Errorf("read redis CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return fmt.Errorf("parse redis CA file: no valid certificates")
		}
		cfg.RootCAs = pool
	}
	if files.CertFile != "" || files.KeyFile != "" {
		if files.CertFile == "" || files.KeyFile == "" {
			return fmt.Errorf("both redis TLS cert and key files must be set")
		}
		cert, err := tls.LoadX509KeyPair(filepath.Clean(files.CertFile), filepath.Clean(files.KeyFile))
		if err != nil {
			return fmt.Errorf("load redis mTLS keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return nil
}
