// Package testutil provides shared helpers for package tests: throwaway
// SQLite databases seeded with a site-shaped schema and throwaway file
// trees.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/lherron/siteporter/internal/db"
)

// TempDB creates a temporary empty SQLite database for testing.
func TempDB(t *testing.T) *db.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}

// SeedSiteDB creates the site-shaped tables a migration works against,
// under the given table prefix, with a handful of rows.
func SeedSiteDB(t *testing.T, database *db.DB, prefix string) {
	t.Helper()

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE %soptions (
			option_id INTEGER PRIMARY KEY AUTOINCREMENT,
			option_name TEXT NOT NULL UNIQUE,
			option_value TEXT NOT NULL DEFAULT ''
		)`, prefix),
		fmt.Sprintf(`CREATE TABLE %susers (
			ID INTEGER PRIMARY KEY AUTOINCREMENT,
			user_login TEXT NOT NULL,
			user_pass TEXT NOT NULL,
			user_email TEXT NOT NULL DEFAULT ''
		)`, prefix),
		fmt.Sprintf(`CREATE TABLE %susermeta (
			umeta_id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			meta_key TEXT,
			meta_value TEXT
		)`, prefix),
		fmt.Sprintf(`CREATE TABLE %sposts (
			ID INTEGER PRIMARY KEY AUTOINCREMENT,
			post_title TEXT NOT NULL DEFAULT '',
			post_content TEXT NOT NULL DEFAULT '',
			guid TEXT NOT NULL DEFAULT ''
		)`, prefix),
		fmt.Sprintf(`CREATE TABLE %spostmeta (
			meta_id INTEGER PRIMARY KEY AUTOINCREMENT,
			post_id INTEGER NOT NULL,
			meta_key TEXT,
			meta_value TEXT
		)`, prefix),
	}
	for _, stmt := range stmts {
		if _, err := database.Exec(stmt); err != nil {
			t.Fatalf("Failed to seed schema: %v", err)
		}
	}
}

// InsertOption inserts or replaces one option row.
func InsertOption(t *testing.T, database *db.DB, prefix, name, value string) {
	t.Helper()
	_, err := database.Exec(
		fmt.Sprintf("INSERT OR REPLACE INTO %soptions (option_name, option_value) VALUES (?, ?)", prefix),
		name, value)
	if err != nil {
		t.Fatalf("Failed to insert option %s: %v", name, err)
	}
}

// TempTree writes the given relative-path→content map under a new temp
// directory and returns its root.
func TempTree(t *testing.T, files map[string]string) string {
	t.Helper()

	root := t.TempDir()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("Failed to create directory for %s: %v", rel, err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write file %s: %v", rel, err)
		}
	}
	return root
}

// ReadFile reads a file and fails the test on error.
func ReadFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file %s: %v", path, err)
	}
	return string(data)
}
