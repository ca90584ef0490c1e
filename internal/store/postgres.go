package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, m HistoryMessage) error {
	if m.Sender == "" {
		return ErrEmptySender
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_messages (sender, role, content, created_at) VALUES ($1, $2, $3, $4)`,
		m.Sender, string(m.Role), m.Content, m.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore AppendMessage failed", "error", err, "sender", m.Sender)
		return fmt.Errorf("failed to insert message for %s: %w", m.Sender, err)
	}
	return nil
}

func (s *PostgresStore) RecentMessages(ctx context.Context, sender string, limit int) ([]HistoryMessage, error) {
	var limitArg interface{}
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT sender, role, content, created_at FROM (
			SELECT id, sender, role, content, created_at FROM conversation_messages
			WHERE sender = $1 ORDER BY id DESC LIMIT $2
		) recent ORDER BY id ASC`, sender, limitArg)
	if err != nil {
		slog.Error("PostgresStore RecentMessages query failed", "error", err, "sender", sender)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	return scanHistory(rows)
}

func (s *PostgresStore) ClearMessages(ctx context.Context, sender string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_messages WHERE sender = $1`, sender); err != nil {
		slog.Error("PostgresStore ClearMessages failed", "error", err, "sender", sender)
		return fmt.Errorf("failed to clear messages for %s: %w", sender, err)
	}
	slog.Debug("PostgresStore ClearMessages succeeded", "sender", sender)
	return nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
