package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"RailCredit/internal/config"
	"RailCredit/internal/db"
	"RailCredit/internal/logging"
)

// migrate applies migrations/*.sql to Postgres in name order, once each.
// The sqlite driver migrates itself on open.
func main() {
	configPath := flag.String("config", "", "path to config file")
	dir := flag.String("dir", "migrations", "directory holding the .sql files")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	logger := logging.New(cfg.Logging)
	if cfg.DB.Driver != "postgres" {
		logger.Info("nothing to migrate", "db_driver", cfg.DB.Driver)
		return
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		fatal(logger, "db connect failed", err)
	}
	defer pool.Close()

	if err := ensureSchemaTable(ctx, pool); err != nil {
		fatal(logger, "ensure schema table failed", err)
	}

	files, err := listSQLFiles(*dir)
	if err != nil {
		fatal(logger, "list migrations failed", err)
	}

	applied := 0
	for _, file := range files {
		done, err := isApplied(ctx, pool, file)
		if err != nil {
			fatal(logger, "check migration failed", err, "file", file)
		}
		if done {
			continue
		}

		if err := applyMigration(ctx, pool, file); err != nil {
			fatal(logger, "apply migration failed", err, "file", file)
		}
		if err := markApplied(ctx, pool, file); err != nil {
			fatal(logger, "mark migration failed", err, "file", file)
		}
		applied++
		logger.Info("applied migration", "file", file)
	}
	logger.Info("migrations complete", "applied", applied, "total", len(files))
}

func fatal(logger *slog.Logger, msg string, err error, args ...any) {
	logger.Error(msg, append([]any{"error", err}, args...)...)
	os.Exit(1)
}

func ensureSchemaTable(ctx context.Context, pool *db.Pool) error {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (filename TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`)
	return err
}

func listSQLFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".sql") {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}

func isApplied(ctx context.Context, pool *db.Pool, file string) (bool, error) {
	var exists bool
	row := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, filepath.Base(file))
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// applyMigration runs one file in its own transaction.
func applyMigration(ctx context.Context, pool *db.Pool, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, string(data)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func markApplied(ctx context.Context, pool *db.Pool, file string) error {
	_, err := pool.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, filepath.Base(file))
	return err
}
