package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/wu8685/marathon/internal/state"
	"github.com/wu8685/marathon/internal/store"
)

const appCacheExpiry = 30 * time.Minute

// AppRepository reads and writes versioned run specs. Versioned apps are
// immutable once written, so reads go through an expiring cache.
type AppRepository struct {
	store store.KVStore
	cache *gocache.Cache
}

func NewAppRepository(kv store.KVStore) *AppRepository {
	return &AppRepository{
		store: kv,
		cache: gocache.New(appCacheExpiry, 10*time.Minute),
	}
}

func appCacheKey(id state.PathId, version state.Timestamp) string {
	return fmt.Sprintf("%s@%s", id, version)
}

// Get returns the current version of the app, or nil if it does not exist.
func (r *AppRepository) Get(ctx context.Context, id state.PathId) (*state.AppDefinition, error) {
	blob, err := r.store.Get(ctx, store.KindApp, id.String())
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return unmarshalApp(blob)
}

// GetVersion returns the app at an exact version, or nil if unknown.
func (r *AppRepository) GetVersion(ctx context.Context, id state.PathId, version state.Timestamp) (*state.AppDefinition, error) {
	if cached, ok := r.cache.Get(appCacheKey(id, version)); ok {
		return cached.(*state.AppDefinition), nil
	}
	blob, err := r.store.GetVersion(ctx, store.KindApp, id.String(), version)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	app, err := unmarshalApp(blob)
	if err != nil {
		return nil, err
	}
	r.cache.Set(appCacheKey(id, version), app, gocache.DefaultExpiration)
	return app, nil
}

// Store persists the app as both the current value and a new version.
func (r *AppRepository) Store(ctx context.Context, app *state.AppDefinition) error {
	blob, err := json.Marshal(app)
	if err != nil {
		return errors.Wrapf(err, "marshalling app %s", app.ID)
	}
	if err := r.store.Store(ctx, store.KindApp, app.ID.String(), app.Version(), blob); err != nil {
		return err
	}
	r.cache.Set(appCacheKey(app.ID, app.Version()), app, gocache.DefaultExpiration)
	return nil
}

// DeleteCurrent tombstones the app: versioned history is retained.
func (r *AppRepository) DeleteCurrent(ctx context.Context, id state.PathId) error {
	return r.store.DeleteCurrent(ctx, store.KindApp, id.String())
}

func (r *AppRepository) Versions(ctx context.Context, id state.PathId) ([]state.Timestamp, error) {
	return r.store.Versions(ctx, store.KindApp, id.String())
}

// IDs lists every app that currently exists.
func (r *AppRepository) IDs(ctx context.Context) ([]state.PathId, error) {
	paths, err := r.store.IDs(ctx, store.KindApp)
	if err != nil {
		return nil, err
	}
	ids := make([]state.PathId, 0, len(paths))
	for _, path := range paths {
		id, err := state.ParsePathId(path)
		if err != nil {
			return nil, errors.Wrapf(err, "stored app has malformed id %q", path)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func unmarshalApp(blob []byte) (*state.AppDefinition, error) {
	var app state.AppDefinition
	if err := json.Unmarshal(blob, &app); err != nil {
		return nil, errors.Wrap(err, "unmarshalling app")
	}
	return &app, nil
}
