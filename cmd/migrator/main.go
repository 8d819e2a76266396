package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/254CARBON/access-sub001/pkg/config"
	"github.com/254CARBON/access-sub001/pkg/logging"
	"github.com/254CARBON/access-sub001/pkg/store"
)

// migrationLockID serializes concurrent migrators across replicas.
const migrationLockID int64 = 0x61636365737300

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf    = log.Fatalf
	loadConfigFn = config.Load
	openDBFn     = func(ctx context.Context, dsn string) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx, dsn)
	}
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := run(ctx); err != nil {
		logFatalf("migrator: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := loadConfigFn()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		return errors.New("ACCESS_POSTGRES_DSN is required")
	}

	pool, err := openDBFn(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	m := &migrator{db: pool, dir: cfg.MigrationsDir, logger: logger.Named("migrator")}
	report, err := m.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("migrations complete",
		zap.Strings("applied", report.Applied),
		zap.Int("skipped", report.Skipped))
	return nil
}

// Report lists what one Run changed.
type Report struct {
	Applied []string
	Skipped int
}

type migrator struct {
	db       migrationDB
	dir      string
	readFile func(name string) ([]byte, error)
	glob     func(pattern string) ([]string, error)
	logger   *zap.Logger
}

func validateMigrationPath(migrationsDir, file string) (string, error) {
	cleanDir := filepath.Clean(migrationsDir)
	cleanFile := filepath.Clean(file)
	prefix := cleanDir + string(os.PathSeparator)
	if !strings.HasPrefix(cleanFile, prefix) {
		return "", fmt.Errorf("path %q is outside migrations dir %q", file, migrationsDir)
	}
	return cleanFile, nil
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Run applies every *.sql file under dir in lexical order. Each file runs
// in its own transaction holding the migration advisory lock. A file whose
// content no longer matches its recorded checksum aborts the run.
func (m *migrator) Run(ctx context.Context) (Report, error) {
	var report Report
	if m.db == nil {
		return report, errors.New("db required")
	}
	readFile, glob := m.readFile, m.glob
	if readFile == nil {
		// #nosec G304 -- migration file path is validated by validateMigrationPath before read.
		readFile = os.ReadFile
	}
	if glob == nil {
		glob = filepath.Glob
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	dir := filepath.Clean(m.dir)

	if _, err := m.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return report, fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return report, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		clean, err := validateMigrationPath(dir, file)
		if err != nil {
			return report, fmt.Errorf("invalid migration path: %s", file)
		}
		body, err := readFile(clean)
		if err != nil {
			return report, fmt.Errorf("read migration %s: %w", clean, err)
		}
		name := filepath.Base(clean)
		applied, err := m.apply(ctx, name, string(body), checksum(body))
		if err != nil {
			return report, err
		}
		if !applied {
			report.Skipped++
			continue
		}
		report.Applied = append(report.Applied, name)
		m.logger.Info("applied migration", zap.String("file", name))
	}
	return report, nil
}

func (m *migrator) apply(ctx context.Context, name, body, sum string) (bool, error) {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockID); err != nil {
		return false, fmt.Errorf("migration lock: %w", err)
	}
	var recorded string
	err = tx.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE filename=$1`, name).Scan(&recorded)
	switch {
	case err == nil:
		if recorded != "" && recorded != sum {
			return false, fmt.Errorf("migration %s was modified after it was applied", name)
		}
		return false, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return false, fmt.Errorf("migration lookup: %w", err)
	}

	if _, err := tx.Exec(ctx, body); err != nil {
		return false, fmt.Errorf("apply migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename, checksum) VALUES($1, $2)`, name, sum); err != nil {
		return false, fmt.Errorf("mark migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", name, err)
	}
	return true, nil
}
