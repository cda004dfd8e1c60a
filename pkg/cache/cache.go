// Package cache keeps computed loan summaries so repeated reads skip the ledger simulation.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SummaryCache stores encoded summaries per loan, keyed by a field such as the as-of date.
// Invalidate drops every field of a loan at once and advances its generation.
//
// A reader that computes a value from storage should take the generation
// before reading and write under a field that includes it. A concurrent
// Invalidate then leaves the late write under a generation nobody reads.
//
// Get reports a miss as (nil, false, nil) and returns an error only when the
// backend failed.
type SummaryCache interface {
	Generation(ctx context.Context, loanID uuid.UUID) (int64, error)
	Get(ctx context.Context, loanID uuid.UUID, field string) ([]byte, bool, error)
	Set(ctx context.Context, loanID uuid.UUID, field string, value []byte) error
	Invalidate(ctx context.Context, loanID uuid.UUID) error
}

func summaryKey(loanID uuid.UUID) string {
	return fmt.Sprintf("loan:%s:summary", loanID)
}

func generationKey(loanID uuid.UUID) string {
	return fmt.Sprintf("loan:%s:gen", loanID)
}

// RedisSummaryCache keeps one hash per loan plus a counter key holding its generation.
type RedisSummaryCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSummaryCache(addr string, ttl time.Duration) *RedisSummaryCache {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return &RedisSummaryCache{
		client: rdb,
		ttl:    ttl,
	}
}

// Ping reports whether the server is reachable.
func (r *RedisSummaryCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisSummaryCache) Generation(ctx context.Context, loanID uuid.UUID) (int64, error) {
	gen, err := r.client.Get(ctx, generationKey(loanID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get generation for loan %s: %w", loanID, err)
	}
	return gen, nil
}

func (r *RedisSummaryCache) Get(ctx context.Context, loanID uuid.UUID, field string) ([]byte, bool, error) {
	val, err := r.client.HGet(ctx, summaryKey(loanID), field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get summary %q for loan %s: %w", field, loanID, err)
	}
	return val, true, nil
}

func (r *RedisSummaryCache) Set(ctx context.Context, loanID uuid.UUID, field string, value []byte) error {
	key := summaryKey(loanID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, field, value)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisSummaryCache) Invalidate(ctx context.Context, loanID uuid.UUID) error {
	pipe := r.client.TxPipeline()
	pipe.Incr(ctx, generationKey(loanID))
	pipe.Del(ctx, summaryKey(loanID))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisSummaryCache) Close() error {
	return r.client.Close()
}

type memoryEntry struct {
	fields  map[string][]byte
	expires time.Time
}

// MemorySummaryCache is the single-process fallback used when no Redis address is configured.
type MemorySummaryCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	loans map[uuid.UUID]*memoryEntry
	gens  map[uuid.UUID]int64
}

func NewMemorySummaryCache(ttl time.Duration) *MemorySummaryCache {
	return &MemorySummaryCache{
		ttl:   ttl,
		now:   time.Now,
		loans: make(map[uuid.UUID]*memoryEntry),
		gens:  make(map[uuid.UUID]int64),
	}
}

func (m *MemorySummaryCache) Generation(_ context.Context, loanID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gens[loanID], nil
}

func (m *MemorySummaryCache) Get(_ context.Context, loanID uuid.UUID, field string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.loans[loanID]
	if !ok {
		return nil, false, nil
	}
	if !entry.expires.IsZero() && !m.now().Before(entry.expires) {
		delete(m.loans, loanID)
		return nil, false, nil
	}
	val, ok := entry.fields[field]
	return val, ok, nil
}

func (m *MemorySummaryCache) Set(_ context.Context, loanID uuid.UUID, field string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.loans[loanID]
	if !ok {
		entry = &memoryEntry{fields: make(map[string][]byte)}
		m.loans[loanID] = entry
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	entry.fields[field] = stored
	// Like EXPIRE on the Redis hash, each write renews the whole loan entry.
	if m.ttl > 0 {
		entry.expires = m.now().Add(m.ttl)
	}
	return nil
}

func (m *MemorySummaryCache) Invalidate(_ context.Context, loanID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.loans, loanID)
	m.gens[loanID]++
	return nil
}

var (
	_ SummaryCache = (*RedisSummaryCache)(nil)
	_ SummaryCache = (*MemorySummaryCache)(nil)
)
