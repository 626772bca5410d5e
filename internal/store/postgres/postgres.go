package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/svcmon/internal/slot"
)

// DB implements store.Store on PostgreSQL through the pgx stdlib driver.
// Opening does not connect; the schema is created on first use.
type DB struct {
	db *sql.DB

	schemaMu sync.Mutex
	schemaOK bool
}

func New(dsn string) (*DB, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("empty postgres dsn")
	}
	db, err := sql.Open("pgx", d)
	if err != nil {
		return nil, err
	}
	return &DB{db: db}, nil
}

// EnsureSchema creates the slots table. Failures are retried on the next
// call, so a database that comes up late is picked up.
func (s *DB) EnsureSchema(ctx context.Context) error {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaOK {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS slots(
			position INTEGER PRIMARY KEY,
			file_name TEXT NOT NULL,
			args TEXT NOT NULL DEFAULT '',
			work_dir TEXT NOT NULL DEFAULT '',
			manual_control BOOLEAN NOT NULL DEFAULT FALSE,
			auto_scroll BOOLEAN NOT NULL DEFAULT FALSE
		);`); err != nil {
		return err
	}
	s.schemaOK = true
	return nil
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
			VALUES($1, $2, $3, $4, $5, $6);`,
			i, d.FileName, d.Args, d.WorkDir, d.ManualControl, d.AutoScroll); err != nil {
			return fmt.Errorf("save slot %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func (s *DB) Close() error { return s.db.Close() }
