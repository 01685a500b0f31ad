package deployment

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/wu8685/marathon/internal/store"
)

// Repository persists deployment plans. A plan is durable before its worker
// starts so leader failover can resume it.
type Repository struct {
	store store.KVStore
}

func NewRepository(kv store.KVStore) *Repository {
	return &Repository{store: kv}
}

func (r *Repository) Store(ctx context.Context, plan *Plan) error {
	blob, err := json.Marshal(plan)
	if err != nil {
		return errors.Wrapf(err, "marshalling plan %s", plan.ID)
	}
	return r.store.Store(ctx, store.KindDeployment, plan.ID, plan.Version, blob)
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	return r.store.DeleteAll(ctx, store.KindDeployment, id)
}

// All returns every persisted plan.
func (r *Repository) All(ctx context.Context) ([]*Plan, error) {
	ids, err := r.store.IDs(ctx, store.KindDeployment)
	if err != nil {
		return nil, err
	}
	plans := make([]*Plan, 0, len(ids))
	for _, id := range ids {
		blob, err := r.store.Get(ctx, store.KindDeployment, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var plan Plan
		if err := json.Unmarshal(blob, &plan); err != nil {
			return nil, errors.Wrapf(err, "unmarshalling plan %s", id)
		}
		plans = append(plans, &plan)
	}
	return plans, nil
}
