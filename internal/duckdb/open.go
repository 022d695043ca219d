package duckdb

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/marcboeker/go-duckdb"
)

// OpenDB opens a DuckDB database file at dsn, creating its parent directory
// if necessary. An empty dsn or ":memory:" opens an in-memory database.
func OpenDB(dsn string) (*sql.DB, error) {
	if dsn != "" && dsn != ":memory:" {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, err
	}

	// DuckDB's single-writer model: serialize all access through one
	// connection per partition rather than pooling.
	db.SetMaxOpenConns(1)

	return db, nil
}
