package connection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

const (
	defaultTableName         = "whatsapp_connections"
	postgresOperationTimeout = 5 * time.Second
	uniqueViolationCode      = "23505"
)

type PostgresStoreOptions struct {
	// Driver is "pgx" (jackc/pgx stdlib) or "postgres" (lib/pq).
	Driver    string
	DSN       string
	TableName string
	// InstanceCacheTTL caches instance -> unit lookups on the webhook path. Zero disables it.
	InstanceCacheTTL time.Duration
}

type PostgresStore struct {
	db        *sql.DB
	table     string
	cacheTTL  time.Duration
	cacheMu   sync.RWMutex
	instCache map[string]instanceCacheEntry
}

type instanceCacheEntry struct {
	unitID    string
	expiresAt time.Time
}

// NormalizeDriver maps the accepted spellings onto registered database/sql driver names.
func NormalizeDriver(driver string) string {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "pgx", "postgresql":
		return "pgx"
	case "postgres", "pq", "lib/pq":
		return "postgres"
	default:
		return strings.ToLower(strings.TrimSpace(driver))
	}
}

func NewPostgresStore(ctx context.Context, opts PostgresStoreOptions) (*PostgresStore, error) {
	driver := NormalizeDriver(opts.Driver)
	if driver != "pgx" && driver != "postgres" {
		return nil, fmt.Errorf("unsupported connection store driver: %s", opts.Driver)
	}
	if strings.TrimSpace(opts.DSN) == "" {
		return nil, errors.New("connection store DSN is empty")
	}

	db, err := sql.Open(driver, opts.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)
	db.SetConnMaxIdleTime(3 * time.Minute)

	store, err := NewPostgresStoreWithDB(ctx, db, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB reuses an open handle and makes sure the schema exists.
func NewPostgresStoreWithDB(ctx context.Context, db *sql.DB, opts PostgresStoreOptions) (*PostgresStore, error) {
	table := strings.TrimSpace(opts.TableName)
	if table == "" {
		table = defaultTableName
	}
	s := &PostgresStore{
		db:        db,
		table:     table,
		cacheTTL:  opts.InstanceCacheTTL,
		instCache: make(map[string]instanceCacheEntry),
	}

	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure connection schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) quotedTable() string {
	return pq.QuoteIdentifier(s.table)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	table := s.quotedTable()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
			unit_id TEXT PRIMARY KEY,
			provider TEXT NOT NULL DEFAULT '',
			provider_config JSONB NOT NULL DEFAULT '{}'::jsonb,
			instance_id TEXT,
			status TEXT NOT NULL DEFAULT 'disconnected',
			pairing_artifact TEXT,
			pairing_expires_at TIMESTAMPTZ,
			phone TEXT,
			last_error TEXT,
			last_synced_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`ALTER TABLE ` + table + ` ADD COLUMN IF NOT EXISTS pairing_expires_at TIMESTAMPTZ`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ` + pq.QuoteIdentifier("idx_"+s.table+"_instance") +
			` ON ` + table + ` (provider, instance_id) WHERE instance_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS ` + pq.QuoteIdentifier("idx_"+s.table+"_status") + ` ON ` + table + ` (status)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const recordColumns = `unit_id, provider, provider_config, instance_id, status, pairing_artifact, phone, last_error, last_synced_at, created_at, updated_at, pairing_expires_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r          Record
		provider   string
		status     string
		configJSON []byte
		instanceID sql.NullString
		artifact   sql.NullString
		phone      sql.NullString
		lastError  sql.NullString
		lastSynced sql.NullTime
		expiresAt  sql.NullTime
	)
	if err := row.Scan(&r.UnitID, &provider, &configJSON, &instanceID, &status, &artifact, &phone, &lastError, &lastSynced, &r.CreatedAt, &r.UpdatedAt, &expiresAt); err != nil {
		return nil, err
	}
	r.Provider = Provider(provider)
	r.Status = Status(status)
	if !r.Status.Valid() {
		r.Status = StatusError
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &r.ProviderConfig); err != nil {
			return nil, fmt.Errorf("decode provider_config: %w", err)
		}
	}
	r.InstanceID = instanceID.String
	r.PairingArtifact = artifact.String
	r.Phone = phone.String
	r.LastError = lastError.String
	if lastSynced.Valid {
		t := lastSynced.Time
		r.LastSyncedAt = &t
	}
	if expiresAt.Valid && r.PairingArtifact != "" {
		t := expiresAt.Time
		r.PairingExpiresAt = &t
	}
	return &r, nil
}

func (s *PostgresStore) Get(ctx context.Context, unitID string) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM `+s.quotedTable()+` WHERE unit_id = $1`, unitID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &Error{Kind: KindUnknownTenant, Op: "store.get"}
	}
	return r, err
}

func (s *PostgresStore) GetByInstance(ctx context.Context, provider Provider, instanceID string) (*Record, error) {
	if unitID, ok := s.getInstanceCache(provider, instanceID); ok {
		r, err := s.Get(ctx, unitID)
		if err == nil && r.Provider == provider && r.InstanceID == instanceID {
			return r, nil
		}
		s.invalidateInstanceCache(provider, instanceID)
	}

	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM `+s.quotedTable()+` WHERE provider = $1 AND instance_id = $2`, string(provider), instanceID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &Error{Kind: KindUnknownTenant, Op: "store.get_by_instance"}
	}
	if err != nil {
		return nil, err
	}
	s.setInstanceCache(provider, instanceID, r.UnitID)
	return r, nil
}

func (s *PostgresStore) Save(ctx context.Context, record *Record) error {
	configJSON, err := json.Marshal(record.ProviderConfig)
	if err != nil {
		return err
	}
	if record.ProviderConfig == nil {
		configJSON = []byte("{}")
	}
	var lastSynced sql.NullTime
	if record.LastSyncedAt != nil {
		lastSynced = sql.NullTime{Time: *record.LastSyncedAt, Valid: true}
	}
	var expiresAt sql.NullTime
	if record.PairingExpiresAt != nil {
		expiresAt = sql.NullTime{Time: *record.PairingExpiresAt, Valid: true}
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	// The previous instance handle is needed to evict it from the lookup cache.
	var previousProvider, previousInstance sql.NullString
	_ = s.db.QueryRowContext(ctx, `SELECT provider, instance_id FROM `+s.quotedTable()+` WHERE unit_id = $1`, record.UnitID).
		Scan(&previousProvider, &previousInstance)

	table := s.quotedTable()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO `+table+` (`+recordColumns+`)
		VALUES ($1, $2, $3::jsonb, NULLIF($4, ''), $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11, $12)
		ON CONFLICT (unit_id) DO UPDATE
		SET provider = EXCLUDED.provider,
		    provider_config = EXCLUDED.provider_config,
		    instance_id = EXCLUDED.instance_id,
		    status = EXCLUDED.status,
		    pairing_artifact = EXCLUDED.pairing_artifact,
		    pairing_expires_at = EXCLUDED.pairing_expires_at,
		    phone = EXCLUDED.phone,
		    last_error = EXCLUDED.last_error,
		    last_synced_at = EXCLUDED.last_synced_at,
		    updated_at = EXCLUDED.updated_at
		WHERE `+table+`.last_synced_at IS NULL
		   OR EXCLUDED.last_synced_at IS NULL
		   OR EXCLUDED.last_synced_at >= `+table+`.last_synced_at
	`, record.UnitID, string(record.Provider), string(configJSON), record.InstanceID, string(record.Status),
		record.PairingArtifact, record.Phone, record.LastError, lastSynced, createdAt, updatedAt, expiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Errorf(KindInvalidConfig, "store.save", "instance %q is already bound to another unit", record.InstanceID)
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return ErrStaleWrite
	}

	if previousInstance.Valid {
		s.invalidateInstanceCache(Provider(previousProvider.String), previousInstance.String)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM `+s.quotedTable()+` ORDER BY unit_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) getInstanceCache(provider Provider, instanceID string) (string, bool) {
	if s.cacheTTL <= 0 {
		return "", false
	}
	key := instanceKey(provider, instanceID)
	s.cacheMu.RLock()
	entry, ok := s.instCache[key]
	s.cacheMu.RUnlock()
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expiresAt) {
		s.cacheMu.Lock()
		delete(s.instCache, key)
		s.cacheMu.Unlock()
		return "", false
	}
	return entry.unitID, true
}

func (s *PostgresStore) setInstanceCache(provider Provider, instanceID string, unitID string) {
	if s.cacheTTL <= 0 {
		return
	}
	s.cacheMu.Lock()
	s.instCache[instanceKey(provider, instanceID)] = instanceCacheEntry{
		unitID:    unitID,
		expiresAt: time.Now().Add(s.cacheTTL),
	}
	s.cacheMu.Unlock()
}

func (s *PostgresStore) invalidateInstanceCache(provider Provider, instanceID string) {
	if s.cacheTTL <= 0 {
		return
	}
	s.cacheMu.Lock()
	delete(s.instCache, instanceKey(provider, instanceID))
	s.cacheMu.Unlock()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolationCode
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolationCode
	}
	return false
}
