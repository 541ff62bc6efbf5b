package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": journal + snapshot files next to Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Delivery records that a fingerprint reached a destination. Records are
// never updated, only inserted and pruned.
type Delivery struct {
	Fingerprint string
	Destination string
	Channel     string
	MessageID   int64
	At          time.Time
}

// Cursor is the last processed message id of a source channel.
type Cursor struct {
	Channel   string
	Value     int64
	UpdatedAt time.Time
}

type Store interface {
	HasDelivery(ctx context.Context, fingerprint, destination string) (bool, error)
	// PutDeliveries stores all records atomically. Existing keys are kept.
	PutDeliveries(ctx context.Context, ds []Delivery) error
	// PruneDeliveries removes records older than before.
	PruneDeliveries(ctx context.Context, before time.Time) (int64, error)

	GetCursor(ctx context.Context, channel string) (int64, bool, error)
	// PutCursor never moves a cursor backwards; smaller values are ignored.
	PutCursor(ctx context.Context, channel string, value int64) error
	Cursors(ctx context.Context) ([]Cursor, error)

	Close() error
}
