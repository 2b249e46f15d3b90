package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pario-ai/mathgate/pkg/fingerprint"
	"github.com/pario-ai/mathgate/pkg/models"
)

// Store persists cache entries in a SQLite file.
type Store struct {
	db *sql.DB
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint TEXT PRIMARY KEY,
	scope TEXT NOT NULL DEFAULT '',
	payload BLOB NOT NULL,
	embedding BLOB,
	created_at INTEGER NOT NULL,
	last_accessed_at INTEGER NOT NULL
);
`

// New opens (or creates) the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	// Databases created before entries carried a scope lack the column.
	if !columnExists(db, "cache_entries", "scope") {
		if _, err := db.Exec(`ALTER TABLE cache_entries ADD COLUMN scope TEXT NOT NULL DEFAULT ''`); err != nil {
			db.Close()
			return nil, fmt.Errorf("add scope column: %w", err)
		}
	}

	return &Store{db: db}, nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid, notnull, pk int
			name, ctype      string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false
		}
		if name == column {
			return true
		}
	}
	return false
}

// Load returns every stored entry.
func (s *Store) Load(ctx context.Context) ([]models.CacheEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint, scope, payload, embedding, created_at, last_accessed_at FROM cache_entries`)
	if err != nil {
		return nil, fmt.Errorf("cache load: %w", err)
	}
	defer rows.Close()

	var entries []models.CacheEntry
	for rows.Next() {
		var (
			hex, scope     string
			payload, emb   []byte
			created, atime int64
		)
		if err := rows.Scan(&hex, &scope, &payload, &emb, &created, &atime); err != nil {
			return nil, fmt.Errorf("scan cache row: %w", err)
		}
		fp, err := fingerprint.Parse(hex)
		if err != nil {
			// Rows written by a different key scheme are skipped.
			continue
		}
		entries = append(entries, models.CacheEntry{
			Fingerprint:    fp,
			Scope:          scope,
			Payload:        payload,
			Embedding:      decodeEmbedding(emb),
			CreatedAt:      time.Unix(0, created).UTC(),
			LastAccessedAt: time.Unix(0, atime).UTC(),
		})
	}
	return entries, rows.Err()
}

// Save writes or replaces e.
func (s *Store) Save(ctx context.Context, e models.CacheEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (fingerprint, scope, payload, embedding, created_at, last_accessed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Fingerprint.String(), e.Scope, e.Payload, encodeEmbedding(e.Embedding),
		e.CreatedAt.UnixNano(), e.LastAccessedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("cache save: %w", err)
	}
	return nil
}

// Delete removes fp. Deleting an absent entry is not an error.
func (s *Store) Delete(ctx context.Context, fp fingerprint.Fingerprint) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE fingerprint = ?`, fp.String()); err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// Clear removes every entry.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

// Count returns the number of stored rows.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cache count: %w", err)
	}
	return n, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
	return b
}

func decodeEmbedding(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
