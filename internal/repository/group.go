package repository

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/wu8685/marathon/internal/state"
	"github.com/wu8685/marathon/internal/store"
)

const rootGroupPath = "root"

// storedGroup is the persisted shape of a group: app definitions are stored
// separately and referenced by (id, version).
type storedGroup struct {
	ID           state.PathId                     `json:"id"`
	AppRefs      map[state.PathId]state.Timestamp `json:"appRefs,omitempty"`
	Groups       []*storedGroup                   `json:"groups,omitempty"`
	Dependencies []state.PathId                   `json:"dependencies,omitempty"`
	Version      state.Timestamp                  `json:"version"`
}

func toStoredGroup(group *state.Group) *storedGroup {
	stored := &storedGroup{
		ID:           group.ID,
		AppRefs:      make(map[state.PathId]state.Timestamp, len(group.Apps)),
		Dependencies: group.Dependencies,
		Version:      group.Version,
	}
	for id, app := range group.Apps {
		stored.AppRefs[id] = app.Version()
	}
	for _, sub := range group.Groups {
		stored.Groups = append(stored.Groups, toStoredGroup(sub))
	}
	return stored
}

// PreStoreHook runs before a root write is persisted. A returned error
// aborts the write.
type PreStoreHook func(ctx context.Context, group *state.Group) error

// GroupRepository is the read/write-through cache in front of the persistent
// store for the root application tree. It guarantees that after storeRoot
// resolves, the very next root() returns the stored group without touching
// the store.
type GroupRepository struct {
	store store.KVStore
	apps  *AppRepository

	// mu guards only the rootFuture handoff; all awaits happen outside it.
	mu         sync.Mutex
	rootFuture *groupPromise

	preStoreHook PreStoreHook
}

func NewGroupRepository(kv store.KVStore, apps *AppRepository) *GroupRepository {
	return &GroupRepository{store: kv, apps: apps}
}

// SetPreStoreHook registers a hook invoked before every root write.
func (r *GroupRepository) SetPreStoreHook(hook PreStoreHook) {
	r.preStoreHook = hook
}

// Root returns the current root group. The first call (and any call after a
// failed load) reads from the store; subsequent calls are served from the
// cached future.
func (r *GroupRepository) Root(ctx context.Context) (*state.Group, error) {
	r.mu.Lock()
	future := r.rootFuture
	if future == nil || future.isFailed() {
		future = newGroupPromise()
		r.rootFuture = future
		r.mu.Unlock()
		group, err := r.loadRoot(ctx)
		future.complete(group, err)
		return future.await()
	}
	r.mu.Unlock()
	return future.await()
}

// RootVersion returns the root group as it was at the given version, or nil
// if that version is unknown. Historic versions bypass the cache.
func (r *GroupRepository) RootVersion(ctx context.Context, version state.Timestamp) (*state.Group, error) {
	blob, err := r.store.GetVersion(ctx, store.KindGroup, rootGroupPath, version)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.resolveBlob(ctx, blob)
}

// StoreRoot atomically (from the caller's point of view) replaces the root
// group. App writes happen first; deletions are best-effort; on any failure
// the cached future reverts to the previous value and the error is returned.
func (r *GroupRepository) StoreRoot(
	ctx context.Context,
	group *state.Group,
	updatedApps []*state.AppDefinition,
	deletedApps []state.PathId,
) error {
	if r.preStoreHook != nil {
		if err := r.preStoreHook(ctx, group); err != nil {
			return err
		}
	}

	r.mu.Lock()
	oldFuture := r.rootFuture
	newFuture := newGroupPromise()
	r.rootFuture = newFuture
	r.mu.Unlock()

	if oldFuture == nil {
		oldFuture = completedGroupPromise(nil, errors.New("root was never loaded"))
	}

	err := r.storeRootInternal(ctx, group, updatedApps, deletedApps)
	if err != nil {
		newFuture.completeFrom(oldFuture)
		return err
	}
	newFuture.complete(group, nil)
	return nil
}

func (r *GroupRepository) storeRootInternal(
	ctx context.Context,
	group *state.Group,
	updatedApps []*state.AppDefinition,
	deletedApps []state.PathId,
) error {
	var result *multierror.Error
	for _, app := range updatedApps {
		if err := r.apps.Store(ctx, app); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return errors.Wrap(err, "storing updated apps")
	}

	for _, id := range deletedApps {
		if err := r.apps.DeleteCurrent(ctx, id); err != nil {
			log.WithError(err).Warnf("could not delete app %s, proceeding with root write", id)
		}
	}

	blob, err := json.Marshal(toStoredGroup(group))
	if err != nil {
		return errors.Wrap(err, "marshalling root group")
	}
	return r.store.Store(ctx, store.KindGroup, rootGroupPath, group.Version, blob)
}

// IDs lists all app ids referenced by the current root group.
func (r *GroupRepository) IDs(ctx context.Context) ([]state.PathId, error) {
	root, err := r.Root(ctx)
	if err != nil {
		return nil, err
	}
	var ids []state.PathId
	for id := range root.TransitiveApps() {
		ids = append(ids, id)
	}
	return state.SortedPathIds(ids), nil
}

func (r *GroupRepository) loadRoot(ctx context.Context) (*state.Group, error) {
	blob, err := r.store.Get(ctx, store.KindGroup, rootGroupPath)
	if errors.Is(err, store.ErrNotFound) {
		return state.NewRootGroup(state.Timestamp{}), nil
	}
	if err != nil {
		return nil, err
	}
	return r.resolveBlob(ctx, blob)
}

func (r *GroupRepository) resolveBlob(ctx context.Context, blob []byte) (*state.Group, error) {
	var stored storedGroup
	if err := json.Unmarshal(blob, &stored); err != nil {
		return nil, errors.Wrap(err, "unmarshalling root group")
	}
	return r.resolve(ctx, &stored)
}

// resolve fetches every referenced app version concurrently. Apps that fail
// to load are omitted with a warning; the group keeps its version stamp.
func (r *GroupRepository) resolve(ctx context.Context, stored *storedGroup) (*state.Group, error) {
	group := &state.Group{
		ID:           stored.ID,
		Apps:         make(map[state.PathId]*state.AppDefinition, len(stored.AppRefs)),
		Groups:       make(map[state.PathId]*state.Group, len(stored.Groups)),
		Dependencies: stored.Dependencies,
		Version:      stored.Version,
	}

	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	for id, version := range stored.AppRefs {
		id, version := id, version
		eg.Go(func() error {
			app, err := r.apps.GetVersion(egCtx, id, version)
			if err != nil || app == nil {
				log.WithError(err).Warnf("omitting app %s@%s: could not be loaded", id, version)
				return nil
			}
			mu.Lock()
			group.Apps[id] = app
			mu.Unlock()
			return nil
		})
	}
	for _, sub := range stored.Groups {
		sub := sub
		eg.Go(func() error {
			resolved, err := r.resolve(egCtx, sub)
			if err != nil {
				return err
			}
			mu.Lock()
			group.Groups[sub.ID] = resolved
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return group, nil
}
