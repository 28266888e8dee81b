package certificates

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// FormatSerial renders {prefix}-{category}-{year}-{seq:06d}.
func FormatSerial(prefix, category string, year int, seq int64) string {
	return fmt.Sprintf("%s-%s-%d-%06d", prefix, strings.ToUpper(category), year, seq)
}

func sequenceKey(category string, year int) string {
	return fmt.Sprintf("%s:%d", strings.ToUpper(category), year)
}

// MemorySequencer counts in process.
type MemorySequencer struct {
	mu   sync.Mutex
	next map[string]int64
}

var _ Sequencer = (*MemorySequencer)(nil)

func NewMemorySequencer() *MemorySequencer {
	return &MemorySequencer{next: make(map[string]int64)}
}

func (s *MemorySequencer) Next(_ context.Context, category string, year int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := sequenceKey(category, year)
	s.next[k]++
	return s.next[k], nil
}

// PostgresSequencer keeps one counter row per category and year.
type PostgresSequencer struct {
	db *sql.DB
}

var _ Sequencer = (*PostgresSequencer)(nil)

func NewPostgresSequencer(db *sql.DB) *PostgresSequencer {
	return &PostgresSequencer{db: db}
}

func (s *PostgresSequencer) Next(ctx context.Context, category string, year int) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO certificate_sequences (category, year, last_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (category, year)
		DO UPDATE SET last_value = certificate_sequences.last_value + 1
		RETURNING last_value
	`, strings.ToUpper(category), year).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("certificates: next serial: %w", err)
	}
	return seq, nil
}

// RedisSequencer uses INCR, so several API replicas share one counter.
type RedisSequencer struct {
	client *redis.Client
	prefix string
}

var _ Sequencer = (*RedisSequencer)(nil)

// NewRedisSequencer creates a sequencer keyed under prefix ("voltrust:serial"
// when empty).
func NewRedisSequencer(client *redis.Client, prefix string) *RedisSequencer {
	if prefix == "" {
		prefix = "voltrust:serial"
	}
	return &RedisSequencer{client: client, prefix: prefix}
}

// NewRedisSequencerFromURL parses a redis:// URL.
func NewRedisSequencerFromURL(url string) (*RedisSequencer, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("certificates: redis url: %w", err)
	}
	return NewRedisSequencer(redis.NewClient(opts), ""), nil
}

func (s *RedisSequencer) Next(ctx context.Context, category string, year int) (int64, error) {
	key := fmt.Sprintf("%s:%s", s.prefix, sequenceKey(category, year))
	seq, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("certificates: next serial: %w", err)
	}
	return seq, nil
}

// Ping checks connectivity for readiness checks.
func (s *RedisSequencer) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *RedisSequencer) Close() error {
	return s.client.Close()
}
