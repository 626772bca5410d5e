package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/loykin/svcmon/internal/slot"
)

// DB implements store.Store on SQLite (modernc.org/sqlite, CGO-free).
// The path may carry a "sqlite://" prefix; ":memory:" keeps everything in
// the process.
type DB struct {
	db *sql.DB

	schemaOnce sync.Once
	schemaErr  error
}

func New(path string) (*DB, error) {
	p := strings.TrimPrefix(strings.TrimSpace(path), "sqlite://")
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	d.SetMaxOpenConns(1)
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS slots(
				position INTEGER PRIMARY KEY,
				file_name TEXT NOT NULL,
				args TEXT NOT NULL DEFAULT '',
				work_dir TEXT NOT NULL DEFAULT '',
				manual_control BOOLEAN NOT NULL DEFAULT 0,
				auto_scroll BOOLEAN NOT NULL DEFAULT 0
			);`)
	})
	return s.schemaErr
}

func (s *DB) Load(ctx context.Context) ([]slot.Descriptor, error) {
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_name, args, work_dir, manual_control, auto_scroll
		FROM slots ORDER BY position;`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []slot.Descriptor
	for rows.Next() {
		var d slot.Descriptor
		if err := rows.Scan(&d.FileName, &d.Args, &d.WorkDir, &d.ManualControl, &d.AutoScroll); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Save replaces all rows in one transaction.
func (s *DB) Save(ctx context.Context, ds []slot.Descriptor) error {
	if err := s.EnsureSchema(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM slots;`); err != nil {
		return err
	}
	for i, d := range ds {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO slots(position, file_name, args, work_dir, manual_control, auto_scroll)
			VALUES(?, ?, ?, ?, ?, ?);`,
			i, d.FileName, d.Args, d.WorkDir, d.ManualControl, d.AutoScroll); err != nil {
			return fmt.Errorf("save slot %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func (s *DB) Close() error { return s.db.Close() }
