package scheduler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/wu8685/marathon/internal/broker"
	"github.com/wu8685/marathon/internal/events"
	"github.com/wu8685/marathon/internal/health"
	"github.com/wu8685/marathon/internal/instance"
	"github.com/wu8685/marathon/internal/killer"
	"github.com/wu8685/marathon/internal/launchqueue"
	"github.com/wu8685/marathon/internal/metrics"
	"github.com/wu8685/marathon/internal/repository"
	"github.com/wu8685/marathon/internal/state"
	"github.com/wu8685/marathon/internal/tracker"
)

// Actions implements the scheduling policies invoked by the actor and by
// deployment steps: scale target computation, broker reconciliation, orphan
// detection and app teardown.
type Actions struct {
	groups  *repository.GroupRepository
	apps    *repository.AppRepository
	tracker *tracker.InstanceTracker
	queue   launchqueue.LaunchQueue
	kills   killer.KillService
	health  *health.Manager
	bus     *events.Bus
	driver  broker.Driver
}

func NewActions(
	groups *repository.GroupRepository,
	apps *repository.AppRepository,
	instanceTracker *tracker.InstanceTracker,
	queue launchqueue.LaunchQueue,
	kills killer.KillService,
	healthManager *health.Manager,
	bus *events.Bus,
	driver broker.Driver,
) *Actions {
	return &Actions{
		groups:  groups,
		apps:    apps,
		tracker: instanceTracker,
		queue:   queue,
		kills:   kills,
		health:  healthManager,
		bus:     bus,
		driver:  driver,
	}
}

// AppVersion implements health.AppVersionSource.
func (a *Actions) AppVersion(id state.PathId, version state.Timestamp) (*state.AppDefinition, error) {
	return a.apps.GetVersion(context.Background(), id, version)
}

// ScaleApp drives the instance count of a run spec towards its target.
// Unreachable instances do not count as capacity, so lost instances are
// replaced promptly. The computation works on snapshots and is idempotent
// under staleness.
func (a *Actions) ScaleApp(ctx context.Context, runSpec *state.AppDefinition) error {
	instances, err := a.tracker.SpecInstancesSync(runSpec.ID)
	if err != nil {
		return err
	}
	launched := 0
	for _, i := range instances {
		if i.State.Condition.IsActive() {
			launched++
		}
	}
	target := runSpec.Instances

	switch {
	case target > launched:
		queuedOrRunning := launched
		if entry := a.queue.Get(runSpec.ID); entry != nil {
			if available := entry.FinalInstanceCount - entry.UnreachableInstances; available > queuedOrRunning {
				queuedOrRunning = available
			}
		}
		if toQueue := target - queuedOrRunning; toQueue > 0 {
			log.Infof("queueing %d new instances for %s, target %d", toQueue, runSpec.ID, target)
			a.queue.Add(runSpec, toQueue)
		}
	case target < launched:
		a.queue.Purge(runSpec.ID)
		victims := instance.SelectVictims(instances, launched-target)
		log.Infof("scaling %s down from %d to %d, killing %d instances",
			runSpec.ID, launched, target, len(victims))
		if err := a.kills.KillInstances(victims, killer.ScalingApp); err != nil {
			return err
		}
	}
	return nil
}

// StartApp registers health checks for a fresh app and queues its launches.
func (a *Actions) StartApp(ctx context.Context, runSpec *state.AppDefinition) error {
	a.health.AddAllFor(runSpec)
	return a.ScaleApp(ctx, runSpec)
}

// StopApp tears down a run spec: health checks go first, then every
// launched instance is killed, queued work is purged and the launch backoff
// reset. Instance rows disappear only once the broker confirms the kills.
func (a *Actions) StopApp(ctx context.Context, runSpec *state.AppDefinition) error {
	a.health.RemoveAllFor(runSpec.ID)

	instances, err := a.tracker.SpecInstancesSync(runSpec.ID)
	if err != nil {
		return err
	}
	for _, i := range instances {
		if i.IsLaunched() {
			if err := a.kills.KillInstance(i, killer.DeletingApp); err != nil {
				return err
			}
		}
	}
	a.queue.Purge(runSpec.ID)
	a.queue.ResetDelay(runSpec)
	a.bus.Publish(events.AppTerminated{AppID: runSpec.ID})
	return nil
}

// ReconcileTasks asks the broker for authoritative state of every known
// task and kills instances whose run spec no longer exists. The trailing
// empty reconcile makes the broker report tasks we do not know about.
func (a *Actions) ReconcileTasks(ctx context.Context, driver broker.Driver) error {
	start := time.Now()
	defer func() {
		metrics.ReconciliationDuration.Observe(time.Since(start).Seconds())
	}()

	knownIDs, err := a.groups.IDs(ctx)
	if err != nil {
		return errors.Wrap(err, "reconciliation could not list known apps")
	}
	known := make(map[state.PathId]bool, len(knownIDs))
	for _, id := range knownIDs {
		known[id] = true
	}

	snapshot, err := a.tracker.Snapshot()
	if err != nil {
		return errors.Wrap(err, "reconciliation could not snapshot the tracker")
	}

	var statuses []*instance.MesosStatus
	for specID, instances := range snapshot {
		if !known[specID] {
			log.Warnf("killing %d instances of unknown app %s", len(instances), specID)
			if err := a.kills.KillInstances(instances, killer.Orphaned); err != nil {
				return err
			}
			continue
		}
		for _, i := range instances {
			for _, task := range i.Tasks {
				if task.Status.MesosStatus != nil {
					statuses = append(statuses, task.Status.MesosStatus)
				}
			}
		}
	}

	if len(statuses) > 0 {
		if err := driver.ReconcileTasks(statuses); err != nil {
			return errors.Wrap(err, "explicit reconciliation failed")
		}
	}
	if err := driver.ReconcileTasks(nil); err != nil {
		return errors.Wrap(err, "implicit reconciliation failed")
	}
	return nil
}

// ReconcileHealthChecks aligns registered health checks with the live
// instance set of every known app.
func (a *Actions) ReconcileHealthChecks(ctx context.Context) error {
	ids, err := a.groups.IDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := a.health.ReconcileWith(id, a); err != nil {
			log.WithError(err).Warnf("could not reconcile health checks for %s", id)
		}
	}
	return nil
}
