// Package sqlstore implements the authorized-user and telemetry stores on a
// relational database: SQLite through modernc.org/sqlite or PostgreSQL
// through lib/pq.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Sentinel-Gate/scriptgate/internal/domain/telemetry"
	"github.com/Sentinel-Gate/scriptgate/internal/domain/user"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrUnsupportedDriver is returned by Open for unknown driver names.
var ErrUnsupportedDriver = errors.New("unsupported database driver")

// Store holds the *sql.DB and the dialect-specific statements.
type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source for created_at defaults.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open connects, verifies connectivity and applies migrations.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// One writer at a time; the pool would only contend on the file lock.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, driver: driver, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	var stmts []string
	switch s.driver {
	case DriverSQLite:
		stmts = []string{
			`PRAGMA busy_timeout = 5000`,
			`CREATE TABLE IF NOT EXISTS authorized_users (
				user_id INTEGER PRIMARY KEY,
				username TEXT NOT NULL,
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS telemetry (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id INTEGER NOT NULL,
				event TEXT NOT NULL,
				details TEXT NOT NULL,
				created_at DATETIME NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS telemetry_user_id_idx ON telemetry (user_id)`,
		}
	case DriverPostgres:
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS authorized_users (
				user_id BIGINT PRIMARY KEY,
				username TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS telemetry (
				id BIGSERIAL PRIMARY KEY,
				user_id BIGINT NOT NULL,
				event VARCHAR(128) NOT NULL,
				details JSONB NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE INDEX IF NOT EXISTS telemetry_user_id_idx ON telemetry (user_id)`,
		}
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// GetUser returns the user with id or user.ErrUserNotFound.
func (s *Store) GetUser(ctx context.Context, id int64) (*user.User, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT user_id, username, created_at FROM authorized_users WHERE user_id = ?`), id)

	var u user.User
	if err := row.Scan(&u.ID, &u.Username, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, user.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// UpsertUser inserts the user or updates its username. created_at is kept
// from the first insert.
func (s *Store) UpsertUser(ctx context.Context, u *user.User) error {
	created := u.CreatedAt
	if created.IsZero() {
		created = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO authorized_users (user_id, username, created_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET username = excluded.username`),
		u.ID, u.Username, created)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// ListUsers returns all users ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]user.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, username, created_at FROM authorized_users ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []user.User
	for rows.Next() {
		var u user.User
		if err := rows.Scan(&u.ID, &u.Username, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// Insert writes events in one transaction.
func (s *Store) Insert(ctx context.Context, events ...telemetry.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin telemetry insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		s.rebind(`INSERT INTO telemetry (user_id, event, details, created_at) VALUES (?, ?, ?, ?)`))
	if err != nil {
		return fmt.Errorf("prepare telemetry insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range events {
		created := e.CreatedAt
		if created.IsZero() {
			created = s.now().UTC()
		}
		details := string(e.Details)
		if details == "" {
			details = "{}"
		}
		if _, err := stmt.ExecContext(ctx, e.UserID, e.Name, details, created); err != nil {
			return fmt.Errorf("insert telemetry: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit telemetry insert: %w", err)
	}
	return nil
}

// CountTelemetry returns the number of telemetry rows for userID.
func (s *Store) CountTelemetry(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM telemetry WHERE user_id = ?`), userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count telemetry: %w", err)
	}
	return n, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

var (
	_ user.Store      = (*Store)(nil)
	_ telemetry.Store = (*Store)(nil)
)
