// Migration runner for the herald schema. Applies the *.up.sql files
// in lexical order, records each with its content checksum, and refuses
// to run when an already-applied file has been edited: delivery state
// lives in these tables, and silent schema drift is how jobs get lost.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type migration struct {
	name     string
	sql      string
	checksum string
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	migrationsDir := os.Getenv("MIGRATIONS_DIR")
	if migrationsDir == "" {
		migrationsDir = "migrations"
	}

	ctx := context.Background()

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		log.Fatalf("parse DATABASE_URL: %v", err)
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol // allow multi-statement migrations
	cfg.ConnConfig.RuntimeParams["application_name"] = "herald-migrator"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("connect to database: %v", err)
	}
	defer pool.Close()

	migrations, err := loadMigrations(migrationsDir)
	if err != nil {
		log.Fatalf("load migrations: %v", err)
	}
	if len(migrations) == 0 {
		log.Fatalf("no *.up.sql files in %s", migrationsDir)
	}

	if err := ensureSchemaTable(ctx, pool); err != nil {
		log.Fatalf("ensure schema_migrations: %v", err)
	}

	recorded, err := appliedChecksums(ctx, pool)
	if err != nil {
		log.Fatalf("read schema_migrations: %v", err)
	}

	applied := 0
	for _, m := range migrations {
		if sum, ok := recorded[m.name]; ok {
			if sum != m.checksum {
				log.Fatalf("%s was edited after being applied (checksum %s, recorded %s)", m.name, m.checksum, sum)
			}
			log.Printf("skip %s (already applied)", m.name)
			continue
		}

		log.Printf("applying %s", m.name)
		start := time.Now()
		if err := apply(ctx, pool, m); err != nil {
			log.Fatalf("apply %s: %v", m.name, err)
		}
		applied++
		log.Printf("applied %s in %s", m.name, time.Since(start).Round(time.Millisecond))
	}

	log.Printf("migrations complete (applied=%d, skipped=%d)", applied, len(migrations)-applied)
}

func loadMigrations(dir string) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}

	var migrations []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}
		contents, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		sum := sha256.Sum256(contents)
		migrations = append(migrations, migration{
			name:     entry.Name(),
			sql:      string(contents),
			checksum: hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].name < migrations[j].name })
	return migrations, nil
}

func ensureSchemaTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
        CREATE TABLE IF NOT EXISTS schema_migrations (
            name TEXT PRIMARY KEY,
            checksum TEXT NOT NULL,
            applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
    `)
	return err
}

func appliedChecksums(ctx context.Context, pool *pgxpool.Pool) (map[string]string, error) {
	rows, err := pool.Query(ctx, "SELECT name, checksum FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recorded := make(map[string]string)
	for rows.Next() {
		var name, checksum string
		if err := rows.Scan(&name, &checksum); err != nil {
			return nil, err
		}
		recorded[name] = checksum
	}
	return recorded, rows.Err()
}

// apply runs one migration and records it in the same transaction, so
// a failure partway leaves no half-recorded state.
func apply(ctx context.Context, pool *pgxpool.Pool, m migration) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, m.sql); err != nil {
		return fmt.Errorf("execute: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO schema_migrations(name, checksum) VALUES($1, $2)",
		m.name, m.checksum,
	); err != nil {
		return fmt.Errorf("record: %w", err)
	}

	return tx.Commit(ctx)
}
