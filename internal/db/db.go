// Package db wraps the SQLite connection used on both sides of a
// migration: the source side streams schema text and rows out of it, the
// destination side applies DDL and row batches into it.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps a SQLite database connection
type DB struct {
	*sql.DB
	path string
}

// Open opens a SQLite database at the given path and applies pragmas
func Open(path string) (*DB, error) {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = OFF", // row transfer replays tables in scan order, not dependency order
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply pragma %q: %w", pragma, err)
		}
	}

	return &DB{DB: db, path: path}, nil
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// WithTx executes fn within a transaction. If fn returns nil, the
// transaction is committed; otherwise it is rolled back.
func (db *DB) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// TableInfo is one user table with its row count.
type TableInfo struct {
	Name     string
	RowCount int64
}

// internalTablePrefix marks tables owned by the migration engine itself;
// they are never scanned or transferred.
const internalTablePrefix = "siteporter_"

// ListTables returns all user tables in stable (name) order with their row
// counts. SQLite internals and the engine's own bookkeeping tables are
// skipped.
func (db *DB) ListTables() ([]TableInfo, error) {
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		if strings.HasPrefix(name, internalTablePrefix) {
			continue
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var tables []TableInfo
	for _, name := range names {
		var count int64
		if err := db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", QuoteIdent(name))).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count rows in %s: %w", name, err)
		}
		tables = append(tables, TableInfo{Name: name, RowCount: count})
	}
	return tables, nil
}

// SchemaSQL returns the verbatim CREATE TABLE text for one table.
func (db *DB) SchemaSQL(table string) (string, error) {
	var schema sql.NullString
	err := db.QueryRow(`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&schema)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("table %s does not exist", table)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read schema for %s: %w", table, err)
	}
	if !schema.Valid {
		return "", fmt.Errorf("table %s has no schema text", table)
	}
	return schema.String, nil
}

// TableExists reports whether a table is present.
func (db *DB) TableExists(table string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	return n > 0, nil
}

// DropTable drops a table if it exists.
func (db *DB) DropTable(table string) error {
	if _, err := db.Exec("DROP TABLE IF EXISTS " + QuoteIdent(table)); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", table, err)
	}
	return nil
}

// Column describes one column from table introspection.
type Column struct {
	Name       string
	Type       string
	PrimaryKey bool
}

// Columns introspects a table's columns in declaration order.
func (db *DB) Columns(table string) ([]Column, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", QuoteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("failed to introspect %s: %w", table, err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notnull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		cols = append(cols, Column{Name: name, Type: typ, PrimaryKey: pk > 0})
	}
	return cols, rows.Err()
}

// TextColumns returns the names of text-family columns (char/varchar/text
// variants), the only ones the search-replace pass inspects.
func (db *DB) TextColumns(table string) ([]string, error) {
	cols, err := db.Columns(table)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, c := range cols {
		t := strings.ToLower(c.Type)
		if strings.Contains(t, "char") || strings.Contains(t, "text") || strings.Contains(t, "clob") {
			out = append(out, c.Name)
		}
	}
	return out, nil
}

// HasAutoIncrement reports whether the table's schema declares an
// AUTOINCREMENT column, and returns that column's name.
func (db *DB) HasAutoIncrement(table string) (string, bool, error) {
	schema, err := db.SchemaSQL(table)
	if err != nil {
		return "", false, err
	}
	if !strings.Contains(strings.ToUpper(schema), "AUTOINCREMENT") {
		return "", false, nil
	}
	cols, err := db.Columns(table)
	if err != nil {
		return "", false, err
	}
	for _, c := range cols {
		if c.PrimaryKey {
			return c.Name, true, nil
		}
	}
	return "", false, nil
}

// QuoteIdent quotes an identifier for inclusion in SQL text.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
