package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: creating SQLite store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// mattn/go-sqlite3 serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "path", dsn)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, m HistoryMessage) error {
	if m.Sender == "" {
		return ErrEmptySender
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_messages (sender, role, content, created_at) VALUES (?, ?, ?, ?)`,
		m.Sender, string(m.Role), m.Content, m.CreatedAt.UTC())
	if err != nil {
		slog.Error("SQLiteStore AppendMessage failed", "error", err, "sender", m.Sender)
		return fmt.Errorf("failed to insert message for %s: %w", m.Sender, err)
	}
	return nil
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, sender string, limit int) ([]HistoryMessage, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT sender, role, content, created_at FROM (
			SELECT id, sender, role, content, created_at FROM conversation_messages
			WHERE sender = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, sender, limit)
	if err != nil {
		slog.Error("SQLiteStore RecentMessages query failed", "error", err, "sender", sender)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	return scanHistory(rows)
}

func (s *SQLiteStore) ClearMessages(ctx context.Context, sender string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_messages WHERE sender = ?`, sender); err != nil {
		slog.Error("SQLiteStore ClearMessages failed", "error", err, "sender", sender)
		return fmt.Errorf("failed to clear messages for %s: %w", sender, err)
	}
	slog.Debug("SQLiteStore ClearMessages succeeded", "sender", sender)
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

func scanHistory(rows *sql.Rows) ([]HistoryMessage, error) {
	var out []HistoryMessage
	for rows.Next() {
		var m HistoryMessage
		var role string
		if err := rows.Scan(&m.Sender, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.Role = Role(role)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return out, nil
}
