package duckdb

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/manthysbr/comfylink/internal/core/ports"
)

var migrations = []string{`
CREATE TABLE IF NOT EXISTS runs (
	id           VARCHAR PRIMARY KEY,
	prompt_id    VARCHAR,
	status       VARCHAR NOT NULL,
	workflow     TEXT NOT NULL,
	outputs      TEXT NOT NULL,
	error        TEXT,
	created_at   TIMESTAMP NOT NULL,
	completed_at TIMESTAMP
)`,
}

// Repository is the run journal backed by DuckDB.
type Repository struct {
	db *sql.DB
}

// Ensure Repository implements RunRepository interface
var _ ports.RunRepository = (*Repository)(nil)

// NewRepository opens (and creates if needed) the journal at path. An empty
// path opens an in-memory database.
func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	// An in-memory database lives as long as its single connection.
	if path == "" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply migration: %w", err)
		}
	}
	return &Repository{db: db}, nil
}

// Close closes the underlying database.
func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}
