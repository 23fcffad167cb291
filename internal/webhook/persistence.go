package webhook

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	seenTable       = "whatsapp_webhook_events"
	deliveriesTable = "whatsapp_forward_deliveries"
)

// PostgresStore shares the connection store's database so every replica
// sees the same dedup window.
type PostgresStore struct {
	db *sql.DB

	countsMu  sync.RWMutex
	counts    map[DeliveryStatus]int64
	countsAt  time.Time
	countsTTL time.Duration
}

func NewPostgresStore(ctx context.Context, db *sql.DB, countsTTL time.Duration) (*PostgresStore, error) {
	s := &PostgresStore{db: db, countsTTL: countsTTL}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure webhook schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + pq.QuoteIdentifier(seenTable) + ` (
			dedup_key TEXT PRIMARY KEY,
			seen_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + pq.QuoteIdentifier("idx_"+seenTable+"_seen_at") + ` ON ` + pq.QuoteIdentifier(seenTable) + ` (seen_at)`,
		`CREATE TABLE IF NOT EXISTS ` + pq.QuoteIdentifier(deliveriesTable) + ` (
			id BIGSERIAL PRIMARY KEY,
			unit_id TEXT NOT NULL,
			dedup_key TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			attempt_count INT NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// MarkSeen inserts the key, or refreshes it when the stored sighting is
// older than cutoff. No affected row means a duplicate inside the window.
func (s *PostgresStore) MarkSeen(ctx context.Context, key string, at time.Time, cutoff time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO `+pq.QuoteIdentifier(seenTable)+` AS seen (dedup_key, seen_at)
		VALUES ($1, $2)
		ON CONFLICT (dedup_key) DO UPDATE SET seen_at = EXCLUDED.seen_at
		WHERE seen.seen_at < $3
	`, key, at.UTC(), cutoff.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) Forget(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+pq.QuoteIdentifier(seenTable)+` WHERE dedup_key = $1`, key)
	return err
}

func (s *PostgresStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+pq.QuoteIdentifier(seenTable)+` WHERE seen_at < $1`, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) LogDelivery(ctx context.Context, d DeliveryLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+pq.QuoteIdentifier(deliveriesTable)+` (unit_id, dedup_key, status, attempt_count, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP)
	`, d.UnitID, d.DedupKey, string(d.Status), d.AttemptCount, sql.NullString{String: d.LastError, Valid: d.LastError != ""})
	if err == nil {
		s.invalidateCounts()
	}
	return err
}

func (s *PostgresStore) DeliveryCounts(ctx context.Context) (map[DeliveryStatus]int64, int64, error) {
	counts, ok := s.cachedCounts()
	if !ok {
		rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM `+pq.QuoteIdentifier(deliveriesTable)+` GROUP BY status`)
		if err != nil {
			return nil, 0, err
		}
		defer rows.Close()

		counts = make(map[DeliveryStatus]int64)
		for rows.Next() {
			var status string
			var n int64
			if err := rows.Scan(&status, &n); err != nil {
				return nil, 0, err
			}
			counts[DeliveryStatus(status)] = n
		}
		if err := rows.Err(); err != nil {
			return nil, 0, err
		}
		s.setCounts(counts)
	}

	var seen int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+pq.QuoteIdentifier(seenTable)).Scan(&seen); err != nil {
		return nil, 0, err
	}
	return counts, seen, nil
}

func (s *PostgresStore) cachedCounts() (map[DeliveryStatus]int64, bool) {
	if s.countsTTL <= 0 {
		return nil, false
	}
	s.countsMu.RLock()
	defer s.countsMu.RUnlock()
	if s.counts == nil || time.Since(s.countsAt) > s.countsTTL {
		return nil, false
	}
	out := make(map[DeliveryStatus]int64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out, true
}

func (s *PostgresStore) setCounts(counts map[DeliveryStatus]int64) {
	if s.countsTTL <= 0 {
		return
	}
	s.countsMu.Lock()
	s.counts = counts
	s.countsAt = time.Now()
	s.countsMu.Unlock()
}

func (s *PostgresStore) invalidateCounts() {
	if s.countsTTL <= 0 {
		return
	}
	s.countsMu.Lock()
	s.counts = nil
	s.countsMu.Unlock()
}
