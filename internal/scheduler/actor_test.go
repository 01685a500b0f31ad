package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wu8685/marathon/internal/common/util"
	"github.com/wu8685/marathon/internal/deployment"
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

// blockingDriver lets tests stall broker calls on demand.
type blockingDriver struct {
	fakeDriver
	blockKills     chan struct{}
	blockReconcile chan struct{}
}

func (d *blockingDriver) KillTask(taskID string) error {
	if d.blockKills != nil {
		<-d.blockKills
	}
	return d.fakeDriver.KillTask(taskID)
}

func (d *blockingDriver) ReconcileTasks(statuses []*instance.MesosStatus) error {
	if d.blockReconcile != nil {
		<-d.blockReconcile
	}
	return d.fakeDriver.ReconcileTasks(statuses)
}

// manualLeaderController hands leadership changes to the test.
type manualLeaderController struct {
	events chan LeadershipEvent
}

func newManualLeaderController() *manualLeaderController {
	return &manualLeaderController{events: make(chan LeadershipEvent, 4)}
}

func (c *manualLeaderController) Events() <-chan LeadershipEvent { return c.events }

type actorHarness struct {
	actor   *SchedulerActor
	manager *deployment.Manager
	plans   *deployment.Repository
	tracker *tracker.InstanceTracker
	queue   *spyQueue
	driver  *blockingDriver
	leader  *manualLeaderController
	groups  *repository.GroupRepository
	cancel  context.CancelFunc
}

func newActorHarness(t *testing.T, cancellationTimeout time.Duration) *actorHarness {
	t.Helper()
	kv := store.NewInMemoryStore()
	apps := repository.NewAppRepository(kv)
	groups := repository.NewGroupRepository(kv, apps)
	plans := deployment.NewRepository(kv)
	instanceTracker, err := tracker.NewInstanceTracker()
	require.NoError(t, err)
	driver := &blockingDriver{}
	kills := killer.NewKillService(driver, instanceTracker, 3)
	queue := newSpyQueue(launchqueue.NewInMemoryLaunchQueue(&util.DefaultClock{}, time.Second, time.Hour, 2))
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	healthManager := health.NewManager(instanceTracker, kills, bus, &util.DefaultClock{})
	t.Cleanup(healthManager.RemoveAll)
	actions := NewActions(groups, apps, instanceTracker, queue, kills, healthManager, bus, driver)
	manager := deployment.NewManager(actions, instanceTracker, queue, kills, plans, bus)
	leader := newManualLeaderController()
	actor := NewSchedulerActor(
		actions, manager, plans, groups, apps, kills, healthManager,
		leader, bus, driver, cancellationTimeout,
	)

	ctx, cancel := context.WithCancel(context.Background())
	go actor.Run(ctx)
	t.Cleanup(func() {
		cancel()
		manager.StopAllDeployments()
	})

	return &actorHarness{
		actor:   actor,
		manager: manager,
		plans:   plans,
		tracker: instanceTracker,
		queue:   queue,
		driver:  driver,
		leader:  leader,
		groups:  groups,
		cancel:  cancel,
	}
}

func (h *actorHarness) elect(t *testing.T) {
	t.Helper()
	h.leader.events <- ElectedAsLeader
	// The election is processed asynchronously; a trivial command proves
	// the actor is started.
	deadline := time.After(5 * time.Second)
	done := make(chan struct{})
	go func() {
		h.actor.RunningDeployments(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-deadline:
		t.Fatal("actor did not reach the started state")
	}
}

// neverReadyPlan adds an app that never comes up, so its deployment runs
// until canceled.
func neverReadyPlan(t *testing.T, id string) *deployment.Plan {
	t.Helper()
	original := state.NewRootGroup(ts(0))
	target := original.UpdateApp(app(id, 1), ts(1))
	plan, err := deployment.NewPlan(original, target, ts(1))
	require.NoError(t, err)
	return plan
}

func TestDeployAnswersAfterPlanIsPersisted(t *testing.T) {
	h := newActorHarness(t, time.Minute)
	h.elect(t)

	plan := neverReadyPlan(t, "/app")
	done := make(chan error, 1)
	go func() {
		done <- h.actor.Deploy(context.Background(), plan, false)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("deploy did not answer")
	}

	stored, err := h.plans.All(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, plan.ID, stored[0].ID)
	assert.Len(t, h.manager.RetrieveRunningDeployments(), 1)
}

func TestDeployConflictWithoutForce(t *testing.T) {
	h := newActorHarness(t, time.Minute)
	h.elect(t)

	first := neverReadyPlan(t, "/app")
	require.NoError(t, h.actor.Deploy(context.Background(), first, false))

	second := neverReadyPlan(t, "/app")
	err := h.actor.Deploy(context.Background(), second, false)
	require.Error(t, err)
	locked, ok := err.(*AppLockedError)
	require.True(t, ok, "expected *AppLockedError, got %v", err)
	assert.Equal(t, []string{first.ID}, locked.ConflictIDs)
}

func TestDeployConflictWithForceCancelsAndProceeds(t *testing.T) {
	h := newActorHarness(t, time.Minute)
	h.elect(t)

	first := neverReadyPlan(t, "/app")
	require.NoError(t, h.actor.Deploy(context.Background(), first, false))

	second := neverReadyPlan(t, "/app")
	err := h.actor.Deploy(context.Background(), second, true)
	require.NoError(t, err)

	infos := h.manager.RetrieveRunningDeployments()
	require.Len(t, infos, 1)
	assert.Equal(t, second.ID, infos[0].Plan.ID)
}

func TestForceDeployTimesOutWhenConflictsCannotCancel(t *testing.T) {
	h := newActorHarness(t, 200*time.Millisecond)
	h.elect(t)

	// The running deployment is stuck in a broker kill that ignores
	// cancellation, so it cannot terminate in time.
	h.driver.blockKills = make(chan struct{})
	defer close(h.driver.blockKills)

	spec := app("/app", 0)
	running := instance.NewEphemeralInstance(spec, instance.AgentInfo{Host: "agent1"}, ts(1), 1)
	running.State.Condition = instance.Running
	for _, task := range running.Tasks {
		task.Status.Condition = instance.Running
	}
	require.IsType(t, instance.EffectUpdate{}, h.tracker.Process(instance.LaunchEphemeral{Instance: running}))

	withApp := state.NewRootGroup(ts(0)).UpdateApp(app("/app", 1), ts(1))
	scaledDown := withApp.UpdateApp(app("/app", 0), ts(2))
	first, err := deployment.NewPlan(withApp, scaledDown, ts(2))
	require.NoError(t, err)
	require.NoError(t, h.actor.Deploy(context.Background(), first, false))

	second := neverReadyPlan(t, "/app")
	err = h.actor.Deploy(context.Background(), second, true)
	assert.ErrorIs(t, err, ErrCancellationTimeout)
}

func TestReconcileIsSingleFlight(t *testing.T) {
	h := newActorHarness(t, time.Minute)
	h.elect(t)

	h.driver.blockReconcile = make(chan struct{})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = h.actor.ReconcileTasks(context.Background())
		}()
	}

	// Both callers join the same run: exactly one implicit reconcile call
	// is waiting on the driver.
	time.Sleep(100 * time.Millisecond)
	close(h.driver.blockReconcile)
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	h.driver.mu.Lock()
	runs := len(h.driver.reconciled)
	h.driver.mu.Unlock()
	assert.Equal(t, 1, runs)

	// A fresh caller after completion triggers a new run.
	require.NoError(t, h.actor.ReconcileTasks(context.Background()))
	h.driver.mu.Lock()
	runs = len(h.driver.reconciled)
	h.driver.mu.Unlock()
	assert.Equal(t, 2, runs)
}

func TestCommandsAreStashedWhileSuspended(t *testing.T) {
	h := newActorHarness(t, time.Minute)

	done := make(chan error, 1)
	go func() {
		done <- h.actor.ReconcileTasks(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("command must not be answered while suspended")
	case <-time.After(200 * time.Millisecond):
	}

	h.elect(t)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stashed command was not replayed after election")
	}
}

func TestStandbyStopsDeploymentsAndClearsLocks(t *testing.T) {
	h := newActorHarness(t, time.Minute)
	h.elect(t)

	plan := neverReadyPlan(t, "/app")
	require.NoError(t, h.actor.Deploy(context.Background(), plan, false))
	require.Len(t, h.manager.RetrieveRunningDeployments(), 1)

	h.leader.events <- Standby
	require.Eventually(t, func() bool {
		return len(h.manager.RetrieveRunningDeployments()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	// After re-election the app is lockable again.
	h.elect(t)
	require.NoError(t, h.actor.ScaleApp(context.Background(), state.MustParsePathId("/app")))
}

func TestElectionRecoversPersistedDeployments(t *testing.T) {
	h := newActorHarness(t, time.Minute)

	plan := neverReadyPlan(t, "/app")
	require.NoError(t, h.plans.Store(context.Background(), plan))

	h.elect(t)
	require.Eventually(t, func() bool {
		infos := h.manager.RetrieveRunningDeployments()
		return len(infos) == 1 && infos[0].Plan.ID == plan.ID
	}, 5*time.Second, 10*time.Millisecond)
}

func TestKillTasksKillsAndTriggersScale(t *testing.T) {
	h := newActorHarness(t, time.Minute)
	h.elect(t)

	spec := app("/app", 2)
	victim := instance.NewEphemeralInstance(spec, instance.AgentInfo{Host: "agent1"}, ts(1), 1)
	victim.State.Condition = instance.Running
	for _, task := range victim.Tasks {
		task.Status.Condition = instance.Running
	}
	require.IsType(t, instance.EffectUpdate{}, h.tracker.Process(instance.LaunchEphemeral{Instance: victim}))

	root := state.NewRootGroup(ts(0)).UpdateApp(spec, ts(1))
	require.NoError(t, h.groups.StoreRoot(context.Background(), root, []*state.AppDefinition{spec}, nil))

	answer, err := h.actor.KillTasks(context.Background(), spec.ID, []*instance.Instance{victim})
	require.NoError(t, err)
	assert.Equal(t, []instance.InstanceID{victim.ID}, answer.Instances)
	assert.Equal(t, 1, h.driver.killCount())
}

func TestScaleAppOnLockedAppFails(t *testing.T) {
	h := newActorHarness(t, time.Minute)
	h.elect(t)

	plan := neverReadyPlan(t, "/app")
	require.NoError(t, h.actor.Deploy(context.Background(), plan, false))

	err := h.actor.ScaleApp(context.Background(), state.MustParsePathId("/app"))
	require.Error(t, err)
	assert.IsType(t, &AppLockedError{}, err)
}
