package state

import (
	"context"
	"errors"

	"coopwatch/internal/domain"
)

var (
	// ErrNotFound indicates absent alert record.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates revision mismatch for CAS update or duplicate create.
	ErrConflict = errors.New("revision conflict")
)

// ChangeKind classifies one watch notification.
type ChangeKind int

const (
	// ChangePut reports created or updated alert.
	ChangePut ChangeKind = iota
	// ChangeDelete reports alert key removed from the bucket by an outside writer.
	ChangeDelete
	// ChangeSynced marks end of initial snapshot replay.
	ChangeSynced
)

// Change is one alert collection notification.
// Params: kind, alert key, record body (puts only), and store revision.
// Returns: watch event delivered to WatchHandler.
type Change struct {
	Kind     ChangeKind
	ID       string
	Alert    domain.Alert
	Revision uint64
}

// WatchHandler receives collection changes.
// Handlers must not call back into the store synchronously.
type WatchHandler func(Change)

// Store provides realtime alert collection operations.
// Params: create/read/update with revision CAS plus subscribe-and-diff watch; alerts are never deleted.
// Returns: backend persistence behavior.
type Store interface {
	List(ctx context.Context) ([]domain.Alert, error)
	Get(ctx context.Context, id string) (domain.Alert, uint64, error)
	Create(ctx context.Context, alert domain.Alert) (uint64, error)
	Update(ctx context.Context, id string, expectedRevision uint64, alert domain.Alert) (uint64, error)
	Watch(ctx context.Context, handler WatchHandler) (func(), error)
	Close() error
}
