// Package migrations embeds the SQL schema and applies it in file-name order
package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"gorm.io/gorm"
)

//go:embed *.sql
var files embed.FS

// Up applies every *.up.sql file not yet recorded in schema_migrations
func Up(ctx context.Context, db *gorm.DB) ([]string, error) {
	db = db.WithContext(ctx)
	if err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    VARCHAR(255) PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP AT TIME ZONE 'UTC')
	)`).Error; err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	names, err := fs.Glob(files, "*.up.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	var applied []string
	for _, name := range names {
		version := strings.TrimSuffix(name, ".up.sql")

		var count int64
		if err := db.Table("schema_migrations").Where("version = ?", version).Count(&count).Error; err != nil {
			return applied, fmt.Errorf("failed to read schema_migrations: %w", err)
		}
		if count > 0 {
			continue
		}

		body, err := files.ReadFile(name)
		if err != nil {
			return applied, err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Exec(string(body)).Error; err != nil {
				return fmt.Errorf("migration %s failed: %w", name, err)
			}
			return tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version).Error
		})
		if err != nil {
			return applied, err
		}
		applied = append(applied, version)
	}
	return applied, nil
}

// Down reverts the most recent applied migration
func Down(ctx context.Context, db *gorm.DB) (string, error) {
	db = db.WithContext(ctx)
	var version string
	if err := db.Raw("SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1").Scan(&version).Error; err != nil {
		return "", fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	if version == "" {
		return "", nil
	}
	body, err := files.ReadFile(version + ".down.sql")
	if err != nil {
		return "", err
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(string(body)).Error; err != nil {
			return fmt.Errorf("revert %s failed: %w", version, err)
		}
		return tx.Exec("DELETE FROM schema_migrations WHERE version = ?", version).Error
	})
	return version, err
}
