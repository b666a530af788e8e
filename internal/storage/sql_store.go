package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/example/ride-dispatch/internal/events"
)

const timeLayout = time.RFC3339Nano

// SQLStore archives outcomes in Postgres or SQLite.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// Open connects with driver "postgres" or "sqlite" and pings the database.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "postgres", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported archive driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return &SQLStore{db: db, driver: driver}, nil
}

func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InitSchema creates the archive tables if they are missing.
func (s *SQLStore) InitSchema(ctx context.Context) error {
	idColumn := "id BIGSERIAL PRIMARY KEY"
	if s.driver == "sqlite" {
		idColumn = "id INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dispatch_outcomes (
			` + idColumn + `,
			request_id TEXT NOT NULL,
			type TEXT NOT NULL,
			worker_id TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			occurred_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatch_outcomes_request ON dispatch_outcomes(request_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Publish(ctx context.Context, e events.Event) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO dispatch_outcomes(request_id, type, worker_id, reason, occurred_at) VALUES(?,?,?,?,?)`),
		e.RequestID, string(e.Type), e.WorkerID, e.Reason, e.At.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("archive outcome %s: %w", e.RequestID, err)
	}
	return nil
}

func (s *SQLStore) ListOutcomes(ctx context.Context, limit int) ([]Outcome, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT id, request_id, type, worker_id, reason, occurred_at FROM dispatch_outcomes ORDER BY id DESC LIMIT ?`),
		clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var (
			o  Outcome
			t  string
			at string
		)
		if err := rows.Scan(&o.ID, &o.RequestID, &t, &o.WorkerID, &o.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Type = events.Type(t)
		if o.At, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("parse occurred_at %q: %w", at, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// rebind rewrites ? placeholders to $N for Postgres.
func (s *SQLStore) rebind(q string) string {
	if s.driver != "postgres" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
