package connection

import (
	"context"
)

// Store persists one Record per unit with a secondary index on the
// provider instance handle for webhook resolution.
//
// Save replaces the full record (last writer wins) unless the stored
// record carries a newer LastSyncedAt, in which case it returns ErrStaleWrite.
type Store interface {
	Get(ctx context.Context, unitID string) (*Record, error)
	GetByInstance(ctx context.Context, provider Provider, instanceID string) (*Record, error)
	Save(ctx context.Context, record *Record) error
	List(ctx context.Context) ([]*Record, error)
	Close() error
}

func instanceKey(provider Provider, instanceID string) string {
	return string(provider) + "\x00" + instanceID
}

// Stats summarizes records per status for the admin dashboard.
func Stats(records []*Record) map[Status]int {
	out := map[Status]int{
		StatusDisconnected: 0,
		StatusConnecting:   0,
		StatusConnected:    0,
		StatusError:        0,
	}
	for _, r := range records {
		out[r.Status]++
	}
	return out
}
