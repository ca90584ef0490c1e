package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/DealerPipe/internal/models"
)

const (
	DefaultKeyPrefix = "dealerpipe:session:"
	scanBatch        = 100
)

// RedisOpts holds configuration for a RedisStore.
type RedisOpts struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// TTL bounds the lifetime of keys the sweeper misses.
	TTL time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisOpts)

func WithRedisAddr(addr string) RedisOption {
	return func(o *RedisOpts) { o.Addr = addr }
}

func WithRedisPassword(password string) RedisOption {
	return func(o *RedisOpts) { o.Password = password }
}

func WithRedisDB(db int) RedisOption {
	return func(o *RedisOpts) { o.DB = db }
}

func WithKeyPrefix(prefix string) RedisOption {
	return func(o *RedisOpts) { o.KeyPrefix = prefix }
}

func WithTTL(ttl time.Duration) RedisOption {
	return func(o *RedisOpts) { o.TTL = ttl }
}

// RedisStore keeps sessions as JSON values so several replicas can share them.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts ...RedisOption) (*RedisStore, error) {
	cfg := RedisOpts{KeyPrefix: DefaultKeyPrefix, TTL: 2 * DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		return nil, errors.New("session: redis address must be provided")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis ping %s: %w", cfg.Addr, err)
	}
	slog.Info("RedisStore.NewRedisStore: connected", "addr", cfg.Addr, "db", cfg.DB, "prefix", cfg.KeyPrefix)
	return NewRedisStoreWithClient(client, cfg.KeyPrefix, cfg.TTL), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Close closes the Redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) key(sender string) string {
	return r.prefix + sender
}

func (r *RedisStore) read(ctx context.Context, c redis.Cmdable, sender string) (models.Session, bool, error) {
	b, err := c.Get(ctx, r.key(sender)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Session{}, false, nil
	}
	if err != nil {
		return models.Session{}, false, fmt.Errorf("session: redis get %s: %w", sender, err)
	}
	var s models.Session
	if err := json.Unmarshal(b, &s); err != nil {
		return models.Session{}, false, fmt.Errorf("session: decode %s: %w", sender, err)
	}
	return s, true, nil
}

func (r *RedisStore) write(ctx context.Context, sender string, s models.Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", sender, err)
	}
	if err := r.client.Set(ctx, r.key(sender), b, r.ttl).Err(); err != nil {
		return fmt.Errorf("session: redis set %s: %w", sender, err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, sender string) (models.Session, bool, error) {
	return r.read(ctx, r.client, sender)
}

func (r *RedisStore) Put(ctx context.Context, sender string, s models.Session) error {
	if sender == "" {
		return models.ErrEmptySender
	}
	s.Sender = sender
	if err := s.Validate(); err != nil {
		return err
	}
	return r.write(ctx, sender, s)
}

func (r *RedisStore) Clear(ctx context.Context, sender string) error {
	if err := r.client.Del(ctx, r.key(sender)).Err(); err != nil {
		return fmt.Errorf("session: redis del %s: %w", sender, err)
	}
	return nil
}

func (r *RedisStore) Touch(ctx context.Context, sender string, now time.Time) error {
	if sender == "" {
		return models.ErrEmptySender
	}
	s, ok, err := r.Get(ctx, sender)
	if err != nil {
		return err
	}
	if !ok {
		s = models.NewSession(sender, now)
	}
	s.LastActive = now
	return r.write(ctx, sender, s)
}

func (r *RedisStore) Expired(ctx context.Context, cutoff time.Time) ([]string, error) {
	var out []string
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("session: redis scan: %w", err)
		}
		for _, k := range keys {
			sender := strings.TrimPrefix(k, r.prefix)
			s, ok, err := r.Get(ctx, sender)
			if err != nil {
				slog.Warn("RedisStore.Expired: skipping unreadable session", "sender", sender, "error", err)
				continue
			}
			if ok && s.LastActive.Before(cutoff) {
				out = append(out, sender)
			}
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// ClearIfIdle re-reads the session under WATCH and deletes it in a transaction,
// so a concurrent Touch aborts the delete.
func (r *RedisStore) ClearIfIdle(ctx context.Context, sender string, cutoff time.Time) (bool, error) {
	key := r.key(sender)
	cleared := false
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		s, ok, err := r.read(ctx, tx, sender)
		if err != nil || !ok || !s.LastActive.Before(cutoff) {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			return nil
		})
		if err == nil {
			cleared = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("session: clear idle %s: %w", sender, err)
	}
	return cleared, nil
}
