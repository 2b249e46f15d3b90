// Package journal records routing decisions in a dedicated SQLite database.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/pario-ai/mathgate/pkg/models"
)

// Config configures the decision journal.
type Config struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// Journal writes and queries decision records.
type Journal struct {
	db   *sql.DB
	cfg  Config
	log  *zap.Logger
	now  func() time.Time
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New opens the journal database and creates the schema.
func New(cfg Config, log *zap.Logger) (*Journal, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open("sqlite", cfg.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal db: %w", err)
	}

	j := &Journal{
		db:   db,
		cfg:  cfg,
		log:  log,
		now:  time.Now,
		done: make(chan struct{}),
	}

	if cfg.RetentionDays > 0 {
		j.wg.Add(1)
		go j.retentionLoop()
	}

	return j, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS decisions (
		request_id      TEXT PRIMARY KEY,
		fingerprint     TEXT NOT NULL,
		candidate_id    TEXT,
		confidence      REAL,
		uncertainty     REAL,
		use_lightweight INTEGER NOT NULL,
		breaker_state   TEXT NOT NULL,
		tier            TEXT NOT NULL,
		outcome         TEXT NOT NULL,
		latency_ms      INTEGER,
		created_at      INTEGER NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_decisions_fingerprint ON decisions(fingerprint)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_decisions_created ON decisions(created_at)`)
	return err
}

// Log inserts a decision record. A nil Journal discards it.
func (j *Journal) Log(ctx context.Context, rec models.DecisionRecord) error {
	if j == nil || j.db == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = j.now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO decisions
		(request_id, fingerprint, candidate_id, confidence, uncertainty, use_lightweight,
		 breaker_state, tier, outcome, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Fingerprint, rec.CandidateID,
		float64(rec.Confidence), float64(rec.Uncertainty), boolToInt(rec.UseLightweight),
		rec.BreakerState, rec.Tier, rec.Outcome, rec.LatencyMs, rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// Query returns decision records matching opts, newest first.
func (j *Journal) Query(ctx context.Context, opts models.JournalQueryOpts) ([]models.DecisionRecord, error) {
	q := `SELECT request_id, fingerprint, candidate_id, confidence, uncertainty, use_lightweight,
		breaker_state, tier, outcome, latency_ms, created_at
		FROM decisions WHERE 1=1`
	var args []any

	if opts.RequestID != "" {
		q += " AND request_id = ?"
		args = append(args, opts.RequestID)
	}
	if opts.Fingerprint != "" {
		q += " AND fingerprint = ?"
		args = append(args, opts.Fingerprint)
	}
	if opts.Tier != "" {
		q += " AND tier = ?"
		args = append(args, opts.Tier)
	}
	if opts.Outcome != "" {
		q += " AND outcome = ?"
		args = append(args, opts.Outcome)
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since.UnixNano())
	}

	q += " ORDER BY created_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var records []models.DecisionRecord
	for rows.Next() {
		var (
			r         models.DecisionRecord
			candidate sql.NullString
			conf, unc float64
			lw        int
			createdAt int64
		)
		if err := rows.Scan(
			&r.RequestID, &r.Fingerprint, &candidate, &conf, &unc, &lw,
			&r.BreakerState, &r.Tier, &r.Outcome, &r.LatencyMs, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		r.CandidateID = candidate.String
		r.Confidence = float32(conf)
		r.Uncertainty = float32(unc)
		r.UseLightweight = lw != 0
		r.CreatedAt = time.Unix(0, createdAt)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Stats returns decision counts grouped by day and tier, newest day first.
func (j *Journal) Stats(ctx context.Context) ([]models.JournalStat, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT date(created_at / 1000000000, 'unixepoch') AS day, tier,
		        count(*) AS cnt, avg(use_lightweight) AS lw
		 FROM decisions GROUP BY day, tier ORDER BY day DESC, tier`)
	if err != nil {
		return nil, fmt.Errorf("journal stats: %w", err)
	}
	defer rows.Close()

	var stats []models.JournalStat
	for rows.Next() {
		var s models.JournalStat
		var day sql.NullString
		if err := rows.Scan(&day, &s.Tier, &s.Count, &s.LightweightRatio); err != nil {
			return nil, fmt.Errorf("scan journal stat: %w", err)
		}
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes records older than the retention period. It is a no-op
// when retention is disabled.
func (j *Journal) Cleanup(ctx context.Context) (int64, error) {
	if j.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	cutoff := j.now().AddDate(0, 0, -j.cfg.RetentionDays)
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM decisions WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("journal cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close stops the retention goroutine and closes the database.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	var err error
	j.once.Do(func() {
		close(j.done)
		j.wg.Wait()
		err = j.db.Close()
	})
	return err
}

func (j *Journal) retentionLoop() {
	defer j.wg.Done()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			n, err := j.Cleanup(context.Background())
			if err != nil {
				j.log.Warn("journal retention failed", zap.Error(err))
				continue
			}
			if n > 0 {
				j.log.Debug("journal retention", zap.Int64("deleted", n))
			}
		}
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
