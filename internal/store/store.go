// Package store provides storage backends for DealerPipe.
//
// It persists the language model conversation history per sender and the
// inbound webhook deduplication records. An in-memory store is used when no
// database is configured; SQLite and PostgreSQL are the persistent backends.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Role identifies the author of a history message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DSN types returned by DetectDSNType.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite"
)

var ErrEmptySender = errors.New("store: sender cannot be empty")

// HistoryMessage is one turn of the language model conversation.
type HistoryMessage struct {
	Sender    string    `json:"sender"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryRepo stores the conversation kept for the language model fallback.
type HistoryRepo interface {
	AppendMessage(ctx context.Context, m HistoryMessage) error
	// RecentMessages returns up to limit of the newest messages, oldest first.
	RecentMessages(ctx context.Context, sender string, limit int) ([]HistoryMessage, error)
	ClearMessages(ctx context.Context, sender string) error
}

// Store is the union of the repositories a backend provides.
type Store interface {
	HistoryRepo
	DedupRepo
	Close() error
}

// Opts holds configuration for the persistent stores.
type Opts struct {
	DSN    string
	Driver string
}

// Option configures a store.
type Option func(*Opts)

// WithPostgresDSN selects the PostgreSQL backend.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = DSNTypePostgres
	}
}

// WithSQLiteDSN selects the SQLite backend. The DSN is a file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
		o.Driver = DSNTypeSQLite
	}
}

// DetectDSNType reports whether dsn points at PostgreSQL or is an SQLite path.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") || strings.Contains(d, "host=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

// New opens the backend selected by opts, or an in-memory store when no DSN
// is configured.
func New(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		slog.Debug("store.New: no DSN configured, using in-memory store")
		return NewInMemoryStore(), nil
	}
	if cfg.Driver == "" {
		cfg.Driver = DetectDSNType(cfg.DSN)
	}
	switch cfg.Driver {
	case DSNTypePostgres:
		return NewPostgresStore(opts...)
	case DSNTypeSQLite:
		return NewSQLiteStore(opts...)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// InMemoryStore keeps history and dedup records in process memory.
type InMemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]HistoryMessage
	dedup    map[string]DedupRecord
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		messages: make(map[string][]HistoryMessage),
		dedup:    make(map[string]DedupRecord),
	}
}

func (s *InMemoryStore) AppendMessage(ctx context.Context, m HistoryMessage) error {
	if m.Sender == "" {
		return ErrEmptySender
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.Sender] = append(s.messages[m.Sender], m)
	return nil
}

func (s *InMemoryStore) RecentMessages(ctx context.Context, sender string, limit int) ([]HistoryMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.messages[sender]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]HistoryMessage, len(all))
	copy(out, all)
	return out, nil
}

func (s *InMemoryStore) ClearMessages(ctx context.Context, sender string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, sender)
	return nil
}

func (s *InMemoryStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, sender string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = DedupRecord{MessageID: messageID, Sender: sender, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[messageID]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.dedup[messageID] = rec
	return nil
}

func (s *InMemoryStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.dedup {
		if rec.ReceivedAt.Before(cutoff) {
			delete(s.dedup, id)
			n++
		}
	}
	return n, nil
}

// Senders returns the senders with stored history, sorted.
func (s *InMemoryStore) Senders() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.messages))
	for k := range s.messages {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *InMemoryStore) Close() error {
	return nil
}
