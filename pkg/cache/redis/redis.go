// Package redis persists cache entries as JSON documents in Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pario-ai/mathgate/pkg/fingerprint"
	"github.com/pario-ai/mathgate/pkg/models"
)

// Config holds connection settings.
type Config struct {
	URL         string        `yaml:"url"`
	Namespace   string        `yaml:"namespace"`
	TTL         time.Duration `yaml:"ttl"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// Store implements cache persistence on Redis. Each entry lives under
// <namespace>:<fingerprint hex> and expires with the cache TTL.
type Store struct {
	client    goredis.UniversalClient
	namespace string
	ttl       time.Duration
	now       func() time.Time
}

type record struct {
	Fingerprint    string    `json:"fingerprint"`
	Scope          string    `json:"scope,omitempty"`
	Payload        []byte    `json:"payload"`
	Embedding      []float32 `json:"embedding,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// New connects to the server named by cfg.URL (redis://...).
func New(cfg Config) (*Store, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	opts.DialTimeout = cfg.DialTimeout
	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client goredis.UniversalClient, cfg Config) *Store {
	ns := cfg.Namespace
	if ns == "" {
		ns = "mathgate:cache"
	}
	return &Store{client: client, namespace: ns, ttl: cfg.TTL, now: time.Now}
}

func (s *Store) key(fp fingerprint.Fingerprint) string {
	return s.namespace + ":" + fp.String()
}

// Load scans the namespace and decodes every entry.
func (s *Store) Load(ctx context.Context) ([]models.CacheEntry, error) {
	keys, err := s.keys(ctx)
	if err != nil {
		return nil, err
	}
	var entries []models.CacheEntry
	for start := 0; start < len(keys); start += 100 {
		end := min(start+100, len(keys))
		vals, err := s.client.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, fmt.Errorf("redis mget: %w", err)
		}
		for _, v := range vals {
			str, ok := v.(string)
			if !ok {
				// Expired between SCAN and MGET.
				continue
			}
			var r record
			if err := json.Unmarshal([]byte(str), &r); err != nil {
				continue
			}
			fp, err := fingerprint.Parse(r.Fingerprint)
			if err != nil {
				continue
			}
			entries = append(entries, models.CacheEntry{
				Fingerprint:    fp,
				Scope:          r.Scope,
				Payload:        r.Payload,
				Embedding:      r.Embedding,
				CreatedAt:      r.CreatedAt,
				LastAccessedAt: r.LastAccessedAt,
			})
		}
	}
	return entries, nil
}

// Save writes e with the remaining TTL measured from its creation time.
func (s *Store) Save(ctx context.Context, e models.CacheEntry) error {
	data, err := json.Marshal(record{
		Fingerprint:    e.Fingerprint.String(),
		Scope:          e.Scope,
		Payload:        e.Payload,
		Embedding:      e.Embedding,
		CreatedAt:      e.CreatedAt,
		LastAccessedAt: e.LastAccessedAt,
	})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	var ttl time.Duration
	if s.ttl > 0 {
		ttl = s.ttl - s.now().Sub(e.CreatedAt)
		if ttl <= 0 {
			return s.Delete(ctx, e.Fingerprint)
		}
	}
	if err := s.client.Set(ctx, s.key(e.Fingerprint), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes fp.
func (s *Store) Delete(ctx context.Context, fp fingerprint.Fingerprint) error {
	if err := s.client.Del(ctx, s.key(fp)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Clear removes every key in the namespace.
func (s *Store) Clear(ctx context.Context) error {
	keys, err := s.keys(ctx)
	if err != nil {
		return err
	}
	for start := 0; start < len(keys); start += 500 {
		end := min(start+500, len(keys))
		if err := s.client.Del(ctx, keys[start:end]...).Err(); err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
	}
	return nil
}

// Close closes the client.
func (s *Store) Close() error {
	err := s.client.Close()
	if errors.Is(err, goredis.ErrClosed) {
		return nil
	}
	return err
}

func (s *Store) keys(ctx context.Context) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, s.namespace+":*", 200).Result()
		if err != nil {
			return nil, fmt.Errorf("redis scan: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
