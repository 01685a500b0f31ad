package tracker

import (
	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/wu8685/marathon/internal/instance"
	"github.com/wu8685/marathon/internal/state"
)

const (
	instancesTable = "instances"
	idIndex        = "id"      // lookup by instance id
	runSpecIndex   = "runSpec" // lookup all instances of a run spec
)

// instanceRow adapts an instance to memdb's string field indexers.
type instanceRow struct {
	ID        string
	RunSpecID string
	Instance  *instance.Instance
}

// InstanceTracker is the authoritative in-memory registry of instances. It
// is implemented on top of https://github.com/hashicorp/go-memdb so snapshot
// reads never block the writer.
type InstanceTracker struct {
	db *memdb.MemDB
}

func NewInstanceTracker() (*InstanceTracker, error) {
	db, err := memdb.NewMemDB(instanceDbSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &InstanceTracker{db: db}, nil
}

// Process applies the operation through the instance state machine and
// commits the resulting effect. The returned effect carries old and new
// state for event emission.
func (t *InstanceTracker) Process(op instance.UpdateOperation) instance.UpdateEffect {
	txn := t.db.Txn(true)
	defer txn.Abort()

	current, err := t.getLocked(txn, op.InstanceID())
	if err != nil {
		return instance.EffectFailure{Cause: err}
	}

	effect := instance.ApplyOperation(current, op)
	log.Debugf("applied %s to %s", op.Name(), op.InstanceID())
	switch effect := effect.(type) {
	case instance.EffectUpdate:
		if err := txn.Insert(instancesTable, newRow(effect.New)); err != nil {
			return instance.EffectFailure{Cause: errors.WithStack(err)}
		}
	case instance.EffectExpunge:
		if err := txn.Delete(instancesTable, newRow(effect.Instance)); err != nil {
			return instance.EffectFailure{Cause: errors.WithStack(err)}
		}
	}
	txn.Commit()
	return effect
}

// Get returns the instance with the given id, or nil.
func (t *InstanceTracker) Get(id instance.InstanceID) (*instance.Instance, error) {
	txn := t.db.Txn(false)
	return t.getLocked(txn, id)
}

func (t *InstanceTracker) getLocked(txn *memdb.Txn, id instance.InstanceID) (*instance.Instance, error) {
	obj, err := txn.First(instancesTable, idIndex, id.String())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*instanceRow).Instance, nil
}

// SpecInstancesSync returns a point-in-time snapshot of all instances of the
// given run spec. The result may be stale by the time a decision is taken;
// callers must be idempotent under staleness.
func (t *InstanceTracker) SpecInstancesSync(runSpecID state.PathId) ([]*instance.Instance, error) {
	txn := t.db.Txn(false)
	iter, err := txn.Get(instancesTable, runSpecIndex, runSpecID.String())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var result []*instance.Instance
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		result = append(result, obj.(*instanceRow).Instance)
	}
	return result, nil
}

// CountSpecInstancesSync counts instances of a run spec matching the filter.
func (t *InstanceTracker) CountSpecInstancesSync(runSpecID state.PathId, matches func(*instance.Instance) bool) (int, error) {
	instances, err := t.SpecInstancesSync(runSpecID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, i := range instances {
		if matches(i) {
			count++
		}
	}
	return count, nil
}

// ListSpecIDs returns every run spec id the tracker has instances for.
func (t *InstanceTracker) ListSpecIDs() ([]state.PathId, error) {
	snapshot, err := t.Snapshot()
	if err != nil {
		return nil, err
	}
	ids := make([]state.PathId, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	return state.SortedPathIds(ids), nil
}

// Snapshot returns all tracked instances grouped by run spec.
func (t *InstanceTracker) Snapshot() (map[state.PathId][]*instance.Instance, error) {
	txn := t.db.Txn(false)
	iter, err := txn.Get(instancesTable, idIndex)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := map[state.PathId][]*instance.Instance{}
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		i := obj.(*instanceRow).Instance
		result[i.RunSpecID()] = append(result[i.RunSpecID()], i)
	}
	return result, nil
}

func newRow(i *instance.Instance) *instanceRow {
	return &instanceRow{
		ID:        i.ID.String(),
		RunSpecID: i.RunSpecID().String(),
		Instance:  i,
	}
}

func instanceDbSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			instancesTable: {
				Name: instancesTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					runSpecIndex: {
						Name:    runSpecIndex,
						Unique:  false,
						Indexer: &memdb.StringFieldIndex{Field: "RunSpecID"},
					},
				},
			},
		},
	}
}
