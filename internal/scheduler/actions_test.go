package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wu8685/marathon/internal/common/util"
	"github.com/wu8685/marathon/internal/events"
	"github.com/wu8685/marathon/internal/health"
	"github.com/wu8685/marathon/internal/instance"
	"github.com/wu8685/marathon/internal/killer"
	"github.com/wu8685/marathon/internal/launchqueue"
	"github.com/wu8685/marathon/internal/repository"
	"github.com/wu8685/marathon/internal/state"
	"github.com/wu8685/marathon/internal/store"
	"github.com/wu8685/marathon/internal/tracker"
)

func ts(sec int) state.Timestamp {
	return state.NewTimestamp(time.Date(2023, 1, 1, 0, 0, sec, 0, time.UTC))
}

func app(id string, instances int) *state.AppDefinition {
	return &state.AppDefinition{
		ID:          state.MustParsePathId(id),
		Cmd:         "sleep 1000",
		Instances:   instances,
		VersionInfo: state.NewVersionInfo(ts(0)),
	}
}

// fakeDriver records every broker interaction.
type fakeDriver struct {
	mu         sync.Mutex
	killed     []string
	reconciled [][]*instance.MesosStatus
}

func (d *fakeDriver) ReconcileTasks(statuses []*instance.MesosStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	copied := make([]*instance.MesosStatus, len(statuses))
	copy(copied, statuses)
	d.reconciled = append(d.reconciled, copied)
	return nil
}

func (d *fakeDriver) AcknowledgeStatusUpdate(status *instance.MesosStatus) error { return nil }

func (d *fakeDriver) KillTask(taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.killed = append(d.killed, taskID)
	return nil
}

func (d *fakeDriver) Stop(failover bool) error { return nil }

func (d *fakeDriver) killCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.killed)
}

// spyQueue wraps the real queue and counts calls.
type spyQueue struct {
	launchqueue.LaunchQueue
	mu          sync.Mutex
	added       map[state.PathId]int
	purges      map[state.PathId]int
	resetDelays map[state.PathId]int
}

func newSpyQueue(inner launchqueue.LaunchQueue) *spyQueue {
	return &spyQueue{
		LaunchQueue: inner,
		added:       map[state.PathId]int{},
		purges:      map[state.PathId]int{},
		resetDelays: map[state.PathId]int{},
	}
}

func (q *spyQueue) Add(runSpec *state.AppDefinition, count int) {
	q.mu.Lock()
	q.added[runSpec.ID] += count
	q.mu.Unlock()
	q.LaunchQueue.Add(runSpec, count)
}

func (q *spyQueue) Purge(id state.PathId) {
	q.mu.Lock()
	q.purges[id]++
	q.mu.Unlock()
	q.LaunchQueue.Purge(id)
}

func (q *spyQueue) ResetDelay(runSpec *state.AppDefinition) {
	q.mu.Lock()
	q.resetDelays[runSpec.ID]++
	q.mu.Unlock()
	q.LaunchQueue.ResetDelay(runSpec)
}

type actionsHarness struct {
	actions *Actions
	groups  *repository.GroupRepository
	apps    *repository.AppRepository
	tracker *tracker.InstanceTracker
	queue   *spyQueue
	driver  *fakeDriver
	bus     *events.Bus
	health  *health.Manager
}

func newActionsHarness(t *testing.T) *actionsHarness {
	t.Helper()
	kv := store.NewInMemoryStore()
	apps := repository.NewAppRepository(kv)
	groups := repository.NewGroupRepository(kv, apps)
	instanceTracker, err := tracker.NewInstanceTracker()
	require.NoError(t, err)
	driver := &fakeDriver{}
	kills := killer.NewKillService(driver, instanceTracker, 3)
	queue := newSpyQueue(launchqueue.NewInMemoryLaunchQueue(&util.DefaultClock{}, time.Second, time.Hour, 2))
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	healthManager := health.NewManager(instanceTracker, kills, bus, &util.DefaultClock{})
	t.Cleanup(healthManager.RemoveAll)
	return &actionsHarness{
		actions: NewActions(groups, apps, instanceTracker, queue, kills, healthManager, bus, driver),
		groups:  groups,
		apps:    apps,
		tracker: instanceTracker,
		queue:   queue,
		driver:  driver,
		bus:     bus,
		health:  healthManager,
	}
}

func (h *actionsHarness) launchInstance(t *testing.T, spec *state.AppDefinition, condition instance.Condition, since state.Timestamp) *instance.Instance {
	t.Helper()
	i := instance.NewEphemeralInstance(spec, instance.AgentInfo{Host: "agent1"}, since, 1)
	i.State.Condition = condition
	i.State.Since = since
	for _, task := range i.Tasks {
		task.Status.Condition = condition
		task.Status.MesosStatus = &instance.MesosStatus{
			TaskID: task.ID.String(),
			State:  instance.MesosTaskRunning,
		}
	}
	effect := h.tracker.Process(instance.LaunchEphemeral{Instance: i})
	require.IsType(t, instance.EffectUpdate{}, effect)
	return i
}

func (h *actionsHarness) storeRootWith(t *testing.T, apps ...*state.AppDefinition) {
	t.Helper()
	root := state.NewRootGroup(ts(0))
	for i, a := range apps {
		root = root.UpdateApp(a, ts(i+1))
	}
	require.NoError(t, h.groups.StoreRoot(context.Background(), root, apps, nil))
}

func TestScaleUpQueuesMissingInstances(t *testing.T) {
	h := newActionsHarness(t)
	spec := app("/app", 3)

	require.NoError(t, h.actions.ScaleApp(context.Background(), spec))
	assert.Equal(t, 3, h.queue.added[spec.ID])
}

func TestScaleUpCountsActiveInstances(t *testing.T) {
	h := newActionsHarness(t)
	spec := app("/app", 3)
	h.launchInstance(t, spec, instance.Running, ts(1))
	h.launchInstance(t, spec, instance.Staging, ts(2))

	require.NoError(t, h.actions.ScaleApp(context.Background(), spec))
	assert.Equal(t, 1, h.queue.added[spec.ID])
}

func TestScaleUpReplacesUnreachableInstances(t *testing.T) {
	h := newActionsHarness(t)
	spec := app("/app", 15)
	for i := 0; i < 10; i++ {
		h.launchInstance(t, spec, instance.Running, ts(i))
	}
	h.queue.LaunchQueue.Add(spec, 15)
	h.queue.LaunchQueue.SyncUnreachable(spec.ID, 10, 5)

	require.NoError(t, h.actions.ScaleApp(context.Background(), spec))
	// finalInstanceCount=15 minus unreachable=5 leaves 10 usable, so 5 more
	// launches are requested on top of the already queued demand.
	assert.Equal(t, 5, h.queue.added[spec.ID])
}

func TestScaleDownKillsYoungestFirst(t *testing.T) {
	h := newActionsHarness(t)
	spec := app("/app", 3)

	h.launchInstance(t, spec, instance.Running, ts(1))
	h.launchInstance(t, spec, instance.Running, ts(2))
	h.launchInstance(t, spec, instance.Running, ts(3))
	staged := h.launchInstance(t, spec, instance.Staging, ts(1))
	young := h.launchInstance(t, spec, instance.Running, ts(4))

	require.NoError(t, h.actions.ScaleApp(context.Background(), spec))

	assert.Equal(t, 1, h.queue.purges[spec.ID])
	require.Equal(t, 2, h.driver.killCount())
	expected := map[string]bool{}
	for _, task := range staged.Tasks {
		expected[task.ID.String()] = true
	}
	for _, task := range young.Tasks {
		expected[task.ID.String()] = true
	}
	h.driver.mu.Lock()
	defer h.driver.mu.Unlock()
	for _, killed := range h.driver.killed {
		assert.True(t, expected[killed], "unexpected victim %s", killed)
	}
}

func TestScaleAtTargetIsNoop(t *testing.T) {
	h := newActionsHarness(t)
	spec := app("/app", 2)
	h.launchInstance(t, spec, instance.Running, ts(1))
	h.launchInstance(t, spec, instance.Running, ts(2))

	require.NoError(t, h.actions.ScaleApp(context.Background(), spec))
	assert.Zero(t, h.queue.added[spec.ID])
	assert.Zero(t, h.driver.killCount())
}

func TestStopAppResetsRateLimiter(t *testing.T) {
	h := newActionsHarness(t)
	spec := app("/myapp", 0)

	require.NoError(t, h.actions.StopApp(context.Background(), spec))

	assert.Equal(t, 1, h.queue.purges[spec.ID])
	assert.Equal(t, 1, h.queue.resetDelays[spec.ID])
	assert.Zero(t, h.driver.killCount())
}

func TestStopAppKillsLaunchedInstancesAndPublishes(t *testing.T) {
	h := newActionsHarness(t)
	spec := app("/app", 2)
	h.launchInstance(t, spec, instance.Running, ts(1))
	h.launchInstance(t, spec, instance.Running, ts(2))

	ch, cancel := h.bus.Subscribe(8)
	defer cancel()

	require.NoError(t, h.actions.StopApp(context.Background(), spec))
	assert.Equal(t, 2, h.driver.killCount())

	select {
	case event := <-ch:
		terminated, ok := event.(events.AppTerminated)
		require.True(t, ok)
		assert.Equal(t, spec.ID, terminated.AppID)
	case <-time.After(time.Second):
		t.Fatal("expected an AppTerminated event")
	}
}

func TestReconcileKillsOrphansAndReportsKnownStatuses(t *testing.T) {
	h := newActionsHarness(t)
	known := app("/app", 1)
	h.storeRootWith(t, known)

	knownInstance := h.launchInstance(t, known, instance.Running, ts(1))
	orphanSpec := app("/orphan", 1)
	h.launchInstance(t, orphanSpec, instance.Running, ts(2))

	require.NoError(t, h.actions.ReconcileTasks(context.Background(), h.driver))

	h.driver.mu.Lock()
	defer h.driver.mu.Unlock()

	// The orphan was killed.
	require.Len(t, h.driver.killed, 1)

	// Explicit reconcile carries exactly the known app's statuses, then the
	// implicit reconcile follows with an empty set.
	require.Len(t, h.driver.reconciled, 2)
	require.Len(t, h.driver.reconciled[0], 1)
	var knownTaskID string
	for _, task := range knownInstance.Tasks {
		knownTaskID = task.ID.String()
	}
	assert.Equal(t, knownTaskID, h.driver.reconciled[0][0].TaskID)
	assert.Empty(t, h.driver.reconciled[1])
}

func TestReconcileWithNoKnownStatusesOnlyImplicit(t *testing.T) {
	h := newActionsHarness(t)
	require.NoError(t, h.actions.ReconcileTasks(context.Background(), h.driver))

	h.driver.mu.Lock()
	defer h.driver.mu.Unlock()
	require.Len(t, h.driver.reconciled, 1)
	assert.Empty(t, h.driver.reconciled[0])
}

func TestStartAppRegistersHealthChecks(t *testing.T) {
	h := newActionsHarness(t)
	spec := app("/app", 1)
	spec.HealthChecks = []state.HealthCheck{{
		Protocol: state.HealthCheckTCP,
		Interval: time.Hour,
		Timeout:  time.Second,
	}}

	require.NoError(t, h.actions.StartApp(context.Background(), spec))
	assert.Len(t, h.health.List(spec.ID), 1)
	assert.Equal(t, 1, h.queue.added[spec.ID])
}
