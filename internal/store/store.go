package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/wu8685/marathon/internal/state"
)

// EntityKind namespaces the keys of the persistent store.
type EntityKind string

const (
	KindApp        EntityKind = "app"
	KindGroup      EntityKind = "group"
	KindDeployment EntityKind = "deployment"
	KindFramework  EntityKind = "framework"
)

// ErrNotFound is returned by Get when the key has no current blob (even if
// versioned history remains), and by GetVersion when no blob is stored at the
// requested version.
var ErrNotFound = errors.New("entity not found")

// KVStore is the persistent store surface: a versioned blob store indexed by
// (kind, path, version). Implementations must provide read-after-write per
// key; cross-key atomicity is not required.
type KVStore interface {
	// Get returns the current blob for the key.
	Get(ctx context.Context, kind EntityKind, path string) ([]byte, error)
	// GetVersion returns the blob stored at exactly the given version.
	GetVersion(ctx context.Context, kind EntityKind, path string, version state.Timestamp) ([]byte, error)
	// Store writes blob as the current value and records it under version.
	Store(ctx context.Context, kind EntityKind, path string, version state.Timestamp, blob []byte) error
	// DeleteCurrent removes the current value but keeps versioned history.
	DeleteCurrent(ctx context.Context, kind EntityKind, path string) error
	// DeleteVersion removes a single versioned blob.
	DeleteVersion(ctx context.Context, kind EntityKind, path string, version state.Timestamp) error
	// DeleteAll removes the current value and all versions.
	DeleteAll(ctx context.Context, kind EntityKind, path string) error
	// Versions lists the stored versions of a key, oldest first.
	Versions(ctx context.Context, kind EntityKind, path string) ([]state.Timestamp, error)
	// IDs lists the paths that currently exist for a kind.
	IDs(ctx context.Context, kind EntityKind) ([]string, error)
}
