package store

import (
	"context"
	"path/filepath"
	"syscall"
	"testing"
	"time"
)

func exerciseHistory(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	sender := "whatsapp:+5215512345678"
	if err := s.ClearMessages(ctx, sender); err != nil {
		t.Fatalf("ClearMessages failed: %v", err)
	}

	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	turns := []HistoryMessage{
		{Sender: sender, Role: RoleUser, Content: "hola", CreatedAt: base},
		{Sender: sender, Role: RoleAssistant, Content: "¿En qué te ayudo?", CreatedAt: base.Add(time.Second)},
		{Sender: sender, Role: RoleUser, Content: "quiero un auto familiar", CreatedAt: base.Add(2 * time.Second)},
		{Sender: "other", Role: RoleUser, Content: "no me mezcles", CreatedAt: base},
	}
	for _, m := range turns {
		if err := s.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}
	if err := s.AppendMessage(ctx, HistoryMessage{Role: RoleUser, Content: "x"}); err != ErrEmptySender {
		t.Errorf("expected ErrEmptySender, got %v", err)
	}

	all, err := s.RecentMessages(ctx, sender, 0)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(all))
	}

	recent, err := s.RecentMessages(ctx, sender, 2)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(recent))
	}
	if recent[0].Content != "¿En qué te ayudo?" || recent[1].Content != "quiero un auto familiar" {
		t.Errorf("expected the newest two in chronological order, got %+v", recent)
	}
	if recent[0].Role != RoleAssistant {
		t.Errorf("expected assistant role, got %q", recent[0].Role)
	}

	if err := s.ClearMessages(ctx, sender); err != nil {
		t.Fatalf("ClearMessages failed: %v", err)
	}
	left, _ := s.RecentMessages(ctx, sender, 10)
	if len(left) != 0 {
		t.Errorf("expected no messages after clear, got %d", len(left))
	}
	other, _ := s.RecentMessages(ctx, "other", 10)
	if len(other) != 1 {
		t.Errorf("clearing one sender must not touch another, got %d", len(other))
	}
	_ = s.ClearMessages(ctx, "other")
}

func exerciseDedup(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	sid := "SM" + time.Now().Format("20060102150405.000000000")

	dup, err := s.IsDuplicate(ctx, sid)
	if err != nil || dup {
		t.Fatalf("fresh sid reported duplicate: %v %v", dup, err)
	}
	first, err := s.RecordInbound(ctx, sid, "+52")
	if err != nil || !first {
		t.Fatalf("first RecordInbound should insert: %v %v", first, err)
	}
	second, err := s.RecordInbound(ctx, sid, "+52")
	if err != nil || second {
		t.Fatalf("second RecordInbound should be a duplicate: %v %v", second, err)
	}
	if dup, _ := s.IsDuplicate(ctx, sid); !dup {
		t.Error("expected IsDuplicate after record")
	}
	if err := s.MarkProcessed(ctx, sid); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}

	n, err := s.PurgeBefore(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("PurgeBefore failed: %v", err)
	}
	if dup, _ := s.IsDuplicate(ctx, sid); !dup {
		t.Errorf("recent record purged (removed %d)", n)
	}
	if _, err := s.PurgeBefore(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("PurgeBefore failed: %v", err)
	}
	if dup, _ := s.IsDuplicate(ctx, sid); dup {
		t.Error("expected record to be purged")
	}
}

func TestInMemoryStore(t *testing.T) {
	s := NewInMemoryStore()
	exerciseHistory(t, s)
	exerciseDedup(t, s)
	if len(s.Senders()) != 0 {
		t.Errorf("expected no senders left, got %v", s.Senders())
	}
}

func TestSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dealerpipe.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer s.Close()
	exerciseHistory(t, s)
	exerciseDedup(t, s)
}

func TestSQLiteStoreReopenKeepsHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "dealerpipe.db")
	ctx := context.Background()

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := s1.AppendMessage(ctx, HistoryMessage{Sender: "+52", Role: RoleUser, Content: "hola"}); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	s1.Close()

	s2, err := New(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer s2.Close()
	msgs, err := s2.RecentMessages(ctx, "+52", 5)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "hola" {
		t.Errorf("history not persisted: %+v", msgs)
	}
}

func TestPostgresStore(t *testing.T) {
	connStr := getenvOrSkip(t, "DATABASE_URL")
	if DetectDSNType(connStr) != DSNTypePostgres {
		t.Skip("DATABASE_URL is not a Postgres DSN")
	}
	pgStore, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pgStore.Close()
	exerciseHistory(t, pgStore)
	exerciseDedup(t, pgStore)
}

func TestDetectDSNType(t *testing.T) {
	cases := map[string]string{
		"postgres://user:pw@localhost/db":   DSNTypePostgres,
		"postgresql://localhost/db":         DSNTypePostgres,
		"host=localhost user=dealer dbname": DSNTypePostgres,
		"/var/lib/dealerpipe/dealerpipe.db": DSNTypeSQLite,
		"file:test.db?cache=shared":         DSNTypeSQLite,
	}
	for dsn, want := range cases {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestNewWithoutDSNUsesMemory(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Errorf("expected *InMemoryStore, got %T", s)
	}
}

func TestNewSQLiteStoreRequiresDSN(t *testing.T) {
	if _, err := NewSQLiteStore(); err == nil {
		t.Error("expected error without DSN")
	}
	if _, err := NewPostgresStore(); err == nil {
		t.Error("expected error without DSN")
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
