package deployment

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/wu8685/marathon/internal/events"
	"github.com/wu8685/marathon/internal/killer"
	"github.com/wu8685/marathon/internal/launchqueue"
	"github.com/wu8685/marathon/internal/metrics"
)

// Notification reports a finished or failed deployment to whoever started
// it. Err is nil on success and ErrCanceled (possibly wrapped) on
// cancellation.
type Notification struct {
	Plan *Plan
	Err  error
}

// StepInfo describes the progress of one running deployment.
type StepInfo struct {
	Plan        *Plan
	CurrentStep int
	TotalSteps  int
}

type runningDeployment struct {
	plan   *Plan
	worker *worker
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns every running deployment plan. Workers walk plan steps in
// order; the manager enforces cancellation and reports outcomes on the
// notification channel.
type Manager struct {
	actions   AppFunctions
	instances instanceSource
	queue     launchqueue.LaunchQueue
	kills     killer.KillService
	plans     *Repository
	bus       *events.Bus

	mu      sync.Mutex
	running map[string]*runningDeployment

	notifications chan Notification
}

func NewManager(
	actions AppFunctions,
	instances instanceSource,
	queue launchqueue.LaunchQueue,
	kills killer.KillService,
	plans *Repository,
	bus *events.Bus,
) *Manager {
	return &Manager{
		actions:       actions,
		instances:     instances,
		queue:         queue,
		kills:         kills,
		plans:         plans,
		bus:           bus,
		running:       map[string]*runningDeployment{},
		notifications: make(chan Notification, 64),
	}
}

// Notifications delivers one message per finished or failed deployment.
func (m *Manager) Notifications() <-chan Notification {
	return m.notifications
}

// PerformDeployment spawns a worker for the plan. The plan must already be
// persisted by the caller.
func (m *Manager) PerformDeployment(plan *Plan) error {
	m.mu.Lock()
	if _, exists := m.running[plan.ID]; exists {
		m.mu.Unlock()
		return errors.Errorf("deployment %s is already running", plan.ID)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := newWorker(plan, m.actions, m.instances, m.queue, m.kills)
	rd := &runningDeployment{
		plan:   plan,
		worker: w,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.running[plan.ID] = rd
	m.mu.Unlock()
	metrics.RunningDeployments.Inc()

	go func() {
		defer close(rd.done)
		err := w.run(ctx)
		m.finish(plan, err)
	}()
	return nil
}

func (m *Manager) finish(plan *Plan, err error) {
	m.mu.Lock()
	delete(m.running, plan.ID)
	m.mu.Unlock()
	metrics.RunningDeployments.Dec()

	ctx, cancelCtx := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCtx()

	switch {
	case err == nil:
		log.Infof("deployment %s finished", plan.ID)
		if deleteErr := m.plans.Delete(ctx, plan.ID); deleteErr != nil {
			log.WithError(deleteErr).Warnf("could not delete finished plan %s", plan.ID)
		}
		m.bus.Publish(events.DeploymentSuccess{PlanID: plan.ID, Version: plan.Version})
	case errors.Is(err, ErrCanceled):
		log.Infof("deployment %s canceled", plan.ID)
		// Canceled plans are deleted; other failures keep the plan around
		// for diagnostics.
		if deleteErr := m.plans.Delete(ctx, plan.ID); deleteErr != nil {
			log.WithError(deleteErr).Warnf("could not delete canceled plan %s", plan.ID)
		}
		m.bus.Publish(events.DeploymentFailed{PlanID: plan.ID, Version: plan.Version, Reason: err.Error()})
	default:
		log.WithError(err).Errorf("deployment %s failed", plan.ID)
		m.bus.Publish(events.DeploymentFailed{PlanID: plan.ID, Version: plan.Version, Reason: err.Error()})
	}
	m.notifications <- Notification{Plan: plan, Err: err}
}

// CancelDeployment asks the worker of the given plan to stop and returns a
// channel that closes once the worker has terminated. The channel is closed
// immediately if no such deployment runs.
func (m *Manager) CancelDeployment(id string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	rd, ok := m.running[id]
	if !ok {
		done := make(chan struct{})
		close(done)
		return done
	}
	rd.cancel()
	return rd.done
}

// CancelConflictingDeployments cancels every running plan that overlaps the
// new plan's affected apps and returns their termination channels.
func (m *Manager) CancelConflictingDeployments(newPlan *Plan) []<-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	var terminations []<-chan struct{}
	for _, rd := range m.running {
		if rd.plan.ConflictsWith(newPlan) {
			log.Infof("canceling deployment %s, it conflicts with %s", rd.plan.ID, newPlan.ID)
			rd.cancel()
			terminations = append(terminations, rd.done)
		}
	}
	return terminations
}

// ConflictingDeployments lists running plans that overlap the given plan.
func (m *Manager) ConflictingDeployments(plan *Plan) []*Plan {
	m.mu.Lock()
	defer m.mu.Unlock()
	var conflicts []*Plan
	for _, rd := range m.running {
		if rd.plan.ConflictsWith(plan) {
			conflicts = append(conflicts, rd.plan)
		}
	}
	return conflicts
}

// StopAllDeployments cancels everything and waits for the workers to exit.
// Used on the standby transition.
func (m *Manager) StopAllDeployments() error {
	m.mu.Lock()
	var dones []chan struct{}
	for _, rd := range m.running {
		rd.cancel()
		dones = append(dones, rd.done)
	}
	m.mu.Unlock()

	var result *multierror.Error
	for _, done := range dones {
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			result = multierror.Append(result, errors.New("deployment worker did not stop in time"))
		}
	}
	return result.ErrorOrNil()
}

// RetrieveRunningDeployments reports every running plan with step progress.
func (m *Manager) RetrieveRunningDeployments() []StepInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	infos := make([]StepInfo, 0, len(m.running))
	for _, rd := range m.running {
		infos = append(infos, StepInfo{
			Plan:        rd.plan,
			CurrentStep: rd.worker.currentStep + 1,
			TotalSteps:  len(rd.plan.Steps),
		})
	}
	return infos
}
