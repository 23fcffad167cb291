package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// RoutedSession maps an instance handle to the whatsmeow device that backs it.
type RoutedSession struct {
	InstanceID  string
	StoreJID    string
	LastLoginAt *time.Time
	CreatedAt   time.Time
}

func openRoutingDB(ctx context.Context, driver string, dsn string) (*sql.DB, error) {
	if driver == "" || dsn == "" {
		return nil, errors.New("whatsapp datastore configuration not initialized")
	}
	if driver != "pgx" {
		return nil, fmt.Errorf("unsupported datastore driver for routing: %s", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)
	db.SetConnMaxIdleTime(3 * time.Minute)
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS native_session_routing (
		instance_id TEXT PRIMARY KEY,
		store_jid TEXT,
		last_login_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// saveRouting records the store jid of an instance. An empty jid keeps the
// row but marks the session unpaired. A jid can back only one instance.
func (m *Manager) saveRouting(ctx context.Context, instanceID string, storeJID string) error {
	if storeJID == "" {
		_, err := m.db.ExecContext(ctx, `
			INSERT INTO native_session_routing (instance_id, store_jid, last_login_at, updated_at)
			VALUES ($1, NULL, NULL, NOW())
			ON CONFLICT(instance_id) DO UPDATE
			SET store_jid = NULL, last_login_at = NULL, updated_at = NOW()
		`, instanceID)
		return err
	}

	_, err := m.db.ExecContext(ctx, `
		UPDATE native_session_routing
		SET store_jid = NULL, updated_at = NOW()
		WHERE store_jid = $2 AND instance_id != $1
	`, instanceID, storeJID)
	if err != nil {
		return err
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO native_session_routing (instance_id, store_jid, last_login_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT(instance_id) DO UPDATE
		SET store_jid = EXCLUDED.store_jid,
		    last_login_at = NOW(),
		    updated_at = NOW()
	`, instanceID, storeJID)
	return err
}

func (m *Manager) getStoreJID(ctx context.Context, instanceID string) (string, bool, error) {
	var jid sql.NullString
	err := m.db.QueryRowContext(ctx, `SELECT store_jid FROM native_session_routing WHERE instance_id = $1`, instanceID).Scan(&jid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return jid.String, true, nil
}

func (m *Manager) deleteRouting(ctx context.Context, instanceID string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM native_session_routing WHERE instance_id = $1`, instanceID)
	return err
}

// RoutedSessions lists paired instances, the startup restore works off it.
func (m *Manager) RoutedSessions(ctx context.Context) ([]RoutedSession, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT instance_id, store_jid, last_login_at, created_at
		FROM native_session_routing
		WHERE store_jid IS NOT NULL
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoutedSession
	for rows.Next() {
		var r RoutedSession
		var lastLogin sql.NullTime
		if err := rows.Scan(&r.InstanceID, &r.StoreJID, &lastLogin, &r.CreatedAt); err != nil {
			return nil, err
		}
		if lastLogin.Valid {
			value := lastLogin.Time
			r.LastLoginAt = &value
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Restore loads a routed session into memory without connecting it.
func (m *Manager) Restore(ctx context.Context, routed RoutedSession) error {
	if m.get(routed.InstanceID) != nil {
		return nil
	}
	device, err := m.loadDevice(ctx, routed.StoreJID)
	if err != nil {
		return err
	}
	if device == nil || device.ID == nil {
		// The device was removed from the store, the routing row is stale.
		return m.saveRouting(ctx, routed.InstanceID, "")
	}
	m.initClient(device, routed.InstanceID)
	return nil
}
