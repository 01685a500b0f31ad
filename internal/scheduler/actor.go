package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/wu8685/marathon/internal/broker"
	"github.com/wu8685/marathon/internal/deployment"
	"github.com/wu8685/marathon/internal/events"
	"github.com/wu8685/marathon/internal/health"
	"github.com/wu8685/marathon/internal/instance"
	"github.com/wu8685/marathon/internal/killer"
	"github.com/wu8685/marathon/internal/metrics"
	"github.com/wu8685/marathon/internal/repository"
	"github.com/wu8685/marathon/internal/state"
)

type actorState int

const (
	suspended actorState = iota
	started
	awaitingCancellation
)

// command is anything the actor processes from its mailbox.
type command interface{ isCommand() }

type reply struct {
	value interface{}
	err   error
}

// replyTo never blocks: reply channels are buffered and abandoned callers
// simply miss their answer.
func replyTo(ch chan reply, r reply) {
	if ch == nil {
		return
	}
	select {
	case ch <- r:
	default:
	}
}

type reconcileTasksCmd struct{ reply chan reply }
type scaleAppsCmd struct{}
type scaleAppCmd struct {
	appID state.PathId
	reply chan reply
}
type deployCmd struct {
	plan  *deployment.Plan
	force bool
	reply chan reply
}
type cancelDeploymentCmd struct {
	id    string
	reply chan reply
}
type killTasksCmd struct {
	appID     state.PathId
	instances []*instance.Instance
	reply     chan reply
}
type runningDeploymentsCmd struct{ reply chan reply }
type reconcileHealthChecksCmd struct{}

func (reconcileTasksCmd) isCommand()        {}
func (scaleAppsCmd) isCommand()             {}
func (scaleAppCmd) isCommand()              {}
func (deployCmd) isCommand()                {}
func (cancelDeploymentCmd) isCommand()      {}
func (killTasksCmd) isCommand()             {}
func (runningDeploymentsCmd) isCommand()    {}
func (reconcileHealthChecksCmd) isCommand() {}

// internal self-messages: they release locks and finish multi-stage
// commands, and are never stashed.
type scaleAppDone struct {
	appID state.PathId
	reply chan reply
	err   error
}
type killTasksDone struct {
	appID  state.PathId
	killed []instance.InstanceID
	reply  chan reply
	err    error
}
type deployStoreDone struct {
	plan  *deployment.Plan
	reply chan reply
	err   error
}
type reconcileDone struct{ err error }
type cancellationTimedOut struct{ planID string }

// TasksKilled answers a KillTasks command.
type TasksKilled struct {
	AppID     state.PathId
	Instances []instance.InstanceID
}

// SchedulerActor serializes cluster-wide scheduling commands while leader
// and buffers them while standby. It owns the per-app lock table and the
// single active reconciliation.
type SchedulerActor struct {
	actions *Actions
	manager *deployment.Manager
	plans   *deployment.Repository
	groups  *repository.GroupRepository
	apps    *repository.AppRepository
	kills   killer.KillService
	health  *health.Manager
	leader  LeaderController
	bus     *events.Bus
	driver  broker.Driver

	cancellationTimeout time.Duration

	mailbox  chan command
	internal chan interface{}
	stopped  chan struct{}

	// Everything below is owned by the run loop.
	state            actorState
	stash            []command
	locks            map[state.PathId]bool
	lockHolders      map[state.PathId]string
	reconcileWaiters []chan reply
	reconciling      bool
	pendingDeploy    *pendingDeploy
}

// pendingDeploy is a forced deployment waiting for its conflicts to cancel.
type pendingDeploy struct {
	plan  *deployment.Plan
	reply chan reply
	timer *time.Timer
}

func NewSchedulerActor(
	actions *Actions,
	manager *deployment.Manager,
	plans *deployment.Repository,
	groups *repository.GroupRepository,
	apps *repository.AppRepository,
	kills killer.KillService,
	healthManager *health.Manager,
	leader LeaderController,
	bus *events.Bus,
	driver broker.Driver,
	cancellationTimeout time.Duration,
) *SchedulerActor {
	if cancellationTimeout <= 0 {
		cancellationTimeout = time.Minute
	}
	return &SchedulerActor{
		actions:             actions,
		manager:             manager,
		plans:               plans,
		groups:              groups,
		apps:                apps,
		kills:               kills,
		health:              healthManager,
		leader:              leader,
		bus:                 bus,
		driver:              driver,
		cancellationTimeout: cancellationTimeout,
		mailbox:             make(chan command, 256),
		internal:            make(chan interface{}, 256),
		stopped:             make(chan struct{}),
		state:               suspended,
		locks:               map[state.PathId]bool{},
		lockHolders:         map[state.PathId]string{},
	}
}

// Run processes messages until the context dies. It is the only goroutine
// that touches the lock table and the actor state.
func (s *SchedulerActor) Run(ctx context.Context) {
	defer close(s.stopped)
	leaderEvents := s.leader.Events()
	notifications := s.manager.Notifications()
	for {
		// Internal messages take priority so lock releases are observed
		// before the next command.
		select {
		case msg := <-s.internal:
			s.handleInternal(msg)
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return
		case msg := <-s.internal:
			s.handleInternal(msg)
		case event := <-leaderEvents:
			s.handleLeadership(event)
		case notification := <-notifications:
			s.handleDeploymentResult(notification)
		case cmd := <-s.mailbox:
			s.handleCommand(cmd)
		}
	}
}

// --- public API -----------------------------------------------------------

func (s *SchedulerActor) post(cmd command) {
	select {
	case s.mailbox <- cmd:
	case <-s.stopped:
	}
}

func (s *SchedulerActor) await(ctx context.Context, ch chan reply) (interface{}, error) {
	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.stopped:
		return nil, ErrStopped
	}
}

// ReconcileTasks triggers (or joins) a broker reconciliation and waits for
// it to complete.
func (s *SchedulerActor) ReconcileTasks(ctx context.Context) error {
	ch := make(chan reply, 1)
	s.post(reconcileTasksCmd{reply: ch})
	_, err := s.await(ctx, ch)
	return err
}

// ScaleApps triggers a scale check for every known app.
func (s *SchedulerActor) ScaleApps() {
	s.post(scaleAppsCmd{})
}

// ScaleApp checks a single app against its target instance count.
func (s *SchedulerActor) ScaleApp(ctx context.Context, appID state.PathId) error {
	ch := make(chan reply, 1)
	s.post(scaleAppCmd{appID: appID, reply: ch})
	_, err := s.await(ctx, ch)
	return err
}

// Deploy starts the given plan. With force, conflicting deployments are
// canceled first; without, a conflict fails with *AppLockedError.
func (s *SchedulerActor) Deploy(ctx context.Context, plan *deployment.Plan, force bool) error {
	ch := make(chan reply, 1)
	s.post(deployCmd{plan: plan, force: force, reply: ch})
	_, err := s.await(ctx, ch)
	return err
}

// CancelDeployment stops a running deployment.
func (s *SchedulerActor) CancelDeployment(ctx context.Context, id string) error {
	ch := make(chan reply, 1)
	s.post(cancelDeploymentCmd{id: id, reply: ch})
	_, err := s.await(ctx, ch)
	return err
}

// KillTasks kills the given instances and immediately re-runs the scale
// check so replacements are queued.
func (s *SchedulerActor) KillTasks(ctx context.Context, appID state.PathId, instances []*instance.Instance) (*TasksKilled, error) {
	ch := make(chan reply, 1)
	s.post(killTasksCmd{appID: appID, instances: instances, reply: ch})
	value, err := s.await(ctx, ch)
	if err != nil {
		return nil, err
	}
	return value.(*TasksKilled), nil
}

// RunningDeployments lists running plans with their step progress.
func (s *SchedulerActor) RunningDeployments(ctx context.Context) ([]deployment.StepInfo, error) {
	ch := make(chan reply, 1)
	s.post(runningDeploymentsCmd{reply: ch})
	value, err := s.await(ctx, ch)
	if err != nil {
		return nil, err
	}
	return value.([]deployment.StepInfo), nil
}

// --- leadership -----------------------------------------------------------

func (s *SchedulerActor) handleLeadership(event LeadershipEvent) {
	switch event {
	case ElectedAsLeader:
		if s.state != suspended {
			return
		}
		log.Info("elected as leader, recovering deployments")
		s.state = started
		s.recoverDeployments()
		s.unstash()
		s.post(reconcileHealthChecksCmd{})
	case Standby:
		if s.state == suspended {
			return
		}
		log.Info("lost leadership, suspending")
		s.health.RemoveAll()
		if err := s.manager.StopAllDeployments(); err != nil {
			log.WithError(err).Warn("could not stop all deployments cleanly")
		}
		s.locks = map[state.PathId]bool{}
		s.lockHolders = map[state.PathId]string{}
		s.abortPendingDeploy(ErrStopped)
		s.state = suspended
	}
}

// recoverDeployments re-issues every persisted plan. Idempotence across
// re-launch comes from the scale algorithm and tracker state, not from
// plan-side bookkeeping.
func (s *SchedulerActor) recoverDeployments() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	plans, err := s.plans.All(ctx)
	if err != nil {
		log.WithError(err).Error("could not load persisted deployment plans")
		return
	}
	for _, plan := range plans {
		log.Infof("recovering deployment %s", plan.ID)
		s.handleDeploy(deployCmd{plan: plan, force: false, reply: nil})
	}
}

func (s *SchedulerActor) unstash() {
	stash := s.stash
	s.stash = nil
	for _, cmd := range stash {
		s.handleCommand(cmd)
	}
}

// --- command handling -----------------------------------------------------

func (s *SchedulerActor) handleCommand(cmd command) {
	if s.state != started {
		s.stash = append(s.stash, cmd)
		return
	}
	metrics.CommandsProcessed.WithLabelValues(fmt.Sprintf("%T", cmd)).Inc()
	switch cmd := cmd.(type) {
	case reconcileTasksCmd:
		s.handleReconcileTasks(cmd)
	case scaleAppsCmd:
		s.handleScaleApps()
	case scaleAppCmd:
		s.handleScaleApp(cmd)
	case deployCmd:
		s.handleDeploy(cmd)
	case cancelDeploymentCmd:
		s.handleCancelDeployment(cmd)
	case killTasksCmd:
		s.handleKillTasks(cmd)
	case runningDeploymentsCmd:
		replyTo(cmd.reply, reply{value: s.manager.RetrieveRunningDeployments()})
	case reconcileHealthChecksCmd:
		go func() {
			if err := s.actions.ReconcileHealthChecks(context.Background()); err != nil {
				log.WithError(err).Warn("health check reconciliation failed")
			}
		}()
	}
}

// handleReconcileTasks guarantees at most one reconciliation in flight.
// Every caller arriving during the run shares its result.
func (s *SchedulerActor) handleReconcileTasks(cmd reconcileTasksCmd) {
	s.reconcileWaiters = append(s.reconcileWaiters, cmd.reply)
	if s.reconciling {
		return
	}
	s.reconciling = true
	go func() {
		err := s.actions.ReconcileTasks(context.Background(), s.driver)
		s.internal <- reconcileDone{err: err}
	}()
}

func (s *SchedulerActor) handleScaleApps() {
	go func() {
		ids, err := s.groups.IDs(context.Background())
		if err != nil {
			log.WithError(err).Error("could not list apps for the scale check")
			return
		}
		for _, id := range ids {
			s.post(scaleAppCmd{appID: id, reply: nil})
		}
	}()
}

func (s *SchedulerActor) handleScaleApp(cmd scaleAppCmd) {
	if !s.acquireLocks([]state.PathId{cmd.appID}, "scale") {
		// Locked apps are being deployed; the periodic check will return.
		replyTo(cmd.reply, reply{err: &AppLockedError{ConflictIDs: s.holdersOf(cmd.appID)}})
		return
	}
	go func() {
		ctx := context.Background()
		app, err := s.apps.Get(ctx, cmd.appID)
		if err == nil && app != nil {
			err = s.actions.ScaleApp(ctx, app)
		}
		s.internal <- scaleAppDone{appID: cmd.appID, reply: cmd.reply, err: err}
	}()
}

func (s *SchedulerActor) handleDeploy(cmd deployCmd) {
	ids := cmd.plan.AffectedIDList()
	if s.acquireLocks(ids, cmd.plan.ID) {
		go func() {
			err := s.plans.Store(context.Background(), cmd.plan)
			s.internal <- deployStoreDone{plan: cmd.plan, reply: cmd.reply, err: err}
		}()
		return
	}
	if !cmd.force {
		conflicts := s.conflictingPlanIDs(cmd.plan)
		replyTo(cmd.reply, reply{err: &AppLockedError{ConflictIDs: conflicts}})
		return
	}
	log.Infof("force deploy of %s, canceling conflicting deployments", cmd.plan.ID)
	s.manager.CancelConflictingDeployments(cmd.plan)
	planID := cmd.plan.ID
	timer := time.AfterFunc(s.cancellationTimeout, func() {
		s.internal <- cancellationTimedOut{planID: planID}
	})
	s.pendingDeploy = &pendingDeploy{plan: cmd.plan, reply: cmd.reply, timer: timer}
	s.state = awaitingCancellation
}

func (s *SchedulerActor) handleCancelDeployment(cmd cancelDeploymentCmd) {
	done := s.manager.CancelDeployment(cmd.id)
	go func() {
		<-done
		replyTo(cmd.reply, reply{})
	}()
}

func (s *SchedulerActor) handleKillTasks(cmd killTasksCmd) {
	if !s.acquireLocks([]state.PathId{cmd.appID}, "kill") {
		replyTo(cmd.reply, reply{err: &AppLockedError{ConflictIDs: s.holdersOf(cmd.appID)}})
		return
	}
	go func() {
		ctx := context.Background()
		err := s.kills.KillInstances(cmd.instances, killer.KillingTasksViaApi)
		if err == nil {
			// Reload the spec: the kill may free capacity the app needs back.
			var app *state.AppDefinition
			app, err = s.apps.Get(ctx, cmd.appID)
			if err == nil && app != nil {
				err = s.actions.ScaleApp(ctx, app)
			}
		}
		killed := make([]instance.InstanceID, 0, len(cmd.instances))
		for _, i := range cmd.instances {
			killed = append(killed, i.ID)
		}
		s.internal <- killTasksDone{appID: cmd.appID, killed: killed, reply: cmd.reply, err: err}
	}()
}

// --- internal message handling -------------------------------------------

func (s *SchedulerActor) handleInternal(msg interface{}) {
	switch msg := msg.(type) {
	case scaleAppDone:
		s.releaseLocks([]state.PathId{msg.appID})
		if msg.err != nil {
			replyTo(msg.reply, reply{err: msg.err})
			return
		}
		s.bus.Publish(events.AppScaled{AppID: msg.appID})
		replyTo(msg.reply, reply{})

	case killTasksDone:
		s.releaseLocks([]state.PathId{msg.appID})
		if msg.err != nil {
			replyTo(msg.reply, reply{err: msg.err})
			return
		}
		replyTo(msg.reply, reply{value: &TasksKilled{AppID: msg.appID, Instances: msg.killed}})

	case deployStoreDone:
		if msg.err != nil {
			s.releaseLocks(msg.plan.AffectedIDList())
			replyTo(msg.reply, reply{err: errors.Wrap(msg.err, "could not persist deployment plan")})
			return
		}
		if err := s.manager.PerformDeployment(msg.plan); err != nil {
			s.releaseLocks(msg.plan.AffectedIDList())
			replyTo(msg.reply, reply{err: err})
			return
		}
		s.bus.Publish(events.DeploymentStarted{PlanID: msg.plan.ID, Version: msg.plan.Version})
		replyTo(msg.reply, reply{value: msg.plan})

	case reconcileDone:
		// Clear the active run before answering so a fresh caller starts a
		// new one.
		s.reconciling = false
		waiters := s.reconcileWaiters
		s.reconcileWaiters = nil
		for _, waiter := range waiters {
			replyTo(waiter, reply{err: msg.err})
		}

	case cancellationTimedOut:
		if s.state != awaitingCancellation || s.pendingDeploy == nil || s.pendingDeploy.plan.ID != msg.planID {
			return
		}
		log.Warnf("conflicting deployments of %s did not cancel in time", msg.planID)
		s.abortPendingDeploy(ErrCancellationTimeout)
		s.state = started
		s.unstash()
	}
}

// handleDeploymentResult releases the plan's locks and, if a forced deploy
// is waiting, retries it once its conflicts are gone.
func (s *SchedulerActor) handleDeploymentResult(notification deployment.Notification) {
	s.releaseLocks(notification.Plan.AffectedIDList())

	if s.state != awaitingCancellation || s.pendingDeploy == nil {
		return
	}
	pending := s.pendingDeploy
	for _, id := range pending.plan.AffectedIDList() {
		if s.locks[id] {
			return
		}
	}
	pending.timer.Stop()
	s.pendingDeploy = nil
	s.state = started
	s.handleDeploy(deployCmd{plan: pending.plan, force: false, reply: pending.reply})
	s.unstash()
}

func (s *SchedulerActor) abortPendingDeploy(err error) {
	if s.pendingDeploy == nil {
		return
	}
	s.pendingDeploy.timer.Stop()
	replyTo(s.pendingDeploy.reply, reply{err: err})
	s.pendingDeploy = nil
}

// --- lock table -----------------------------------------------------------

// acquireLocks succeeds atomically: either every id is free and all are
// taken, or none is.
func (s *SchedulerActor) acquireLocks(ids []state.PathId, holder string) bool {
	for _, id := range ids {
		if s.locks[id] {
			return false
		}
	}
	for _, id := range ids {
		s.locks[id] = true
		s.lockHolders[id] = holder
	}
	metrics.LockedApps.Set(float64(len(s.locks)))
	return true
}

func (s *SchedulerActor) releaseLocks(ids []state.PathId) {
	for _, id := range ids {
		delete(s.locks, id)
		delete(s.lockHolders, id)
	}
	metrics.LockedApps.Set(float64(len(s.locks)))
}

func (s *SchedulerActor) holdersOf(ids ...state.PathId) []string {
	seen := map[string]bool{}
	var holders []string
	for _, id := range ids {
		if holder, ok := s.lockHolders[id]; ok && !seen[holder] {
			seen[holder] = true
			holders = append(holders, holder)
		}
	}
	return holders
}

func (s *SchedulerActor) conflictingPlanIDs(plan *deployment.Plan) []string {
	conflicts := s.manager.ConflictingDeployments(plan)
	ids := make([]string, 0, len(conflicts))
	for _, conflict := range conflicts {
		ids = append(ids, conflict.ID)
	}
	if len(ids) == 0 {
		ids = s.holdersOf(plan.AffectedIDList()...)
	}
	return ids
}
