package deployment

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/wu8685/marathon/internal/instance"
	"github.com/wu8685/marathon/internal/killer"
	"github.com/wu8685/marathon/internal/launchqueue"
	"github.com/wu8685/marathon/internal/state"
)

// AppFunctions is the scheduler-actions surface a deployment step needs.
type AppFunctions interface {
	// StartApp registers health checks and queues the initial launches.
	StartApp(ctx context.Context, app *state.AppDefinition) error
	// ScaleApp drives the tracker towards the app's instance count.
	ScaleApp(ctx context.Context, app *state.AppDefinition) error
	// StopApp tears the app down and purges its queue demand.
	StopApp(ctx context.Context, app *state.AppDefinition) error
}

type instanceSource interface {
	SpecInstancesSync(id state.PathId) ([]*instance.Instance, error)
}

// ErrCanceled marks a deployment failure caused by cancellation. Canceled
// plans are deleted; other failures keep the plan for diagnostics.
var ErrCanceled = errors.New("deployment canceled")

// worker executes the steps of one plan in declared order.
type worker struct {
	plan      *Plan
	actions   AppFunctions
	instances instanceSource
	queue     launchqueue.LaunchQueue
	kills     killer.KillService

	pollInterval time.Duration
	currentStep  int
}

func newWorker(
	plan *Plan,
	actions AppFunctions,
	instances instanceSource,
	queue launchqueue.LaunchQueue,
	kills killer.KillService,
) *worker {
	return &worker{
		plan:         plan,
		actions:      actions,
		instances:    instances,
		queue:        queue,
		kills:        kills,
		pollInterval: 500 * time.Millisecond,
	}
}

// run walks the plan. It returns ErrCanceled when the context dies.
func (w *worker) run(ctx context.Context) error {
	for i, step := range w.plan.Steps {
		w.currentStep = i
		log.Infof("deployment %s entering step %d of %d", w.plan.ID, i+1, len(w.plan.Steps))
		for _, action := range step.Actions {
			if err := w.perform(ctx, action); err != nil {
				if ctx.Err() != nil {
					return ErrCanceled
				}
				return errors.Wrapf(err, "deployment %s step %d action %s on %s",
					w.plan.ID, i+1, action.Type, action.App.ID)
			}
		}
	}
	return nil
}

func (w *worker) perform(ctx context.Context, action Action) error {
	switch action.Type {
	case StartApplication:
		if err := w.actions.StartApp(ctx, action.App); err != nil {
			return err
		}
		return w.awaitReady(ctx, action.App, action.App.Instances)
	case ScaleApplication:
		if err := w.actions.ScaleApp(ctx, action.App); err != nil {
			return err
		}
		return w.awaitReady(ctx, action.App, action.App.Instances)
	case StopApplication:
		if err := w.actions.StopApp(ctx, action.App); err != nil {
			return err
		}
		return w.awaitGone(ctx, action.App)
	case RestartApplication:
		return w.replaceInstances(ctx, action.App)
	}
	return errors.Errorf("unknown deployment action %q", action.Type)
}

// isReady requires the target version; health only counts when the spec
// declares checks.
func isReady(i *instance.Instance, app *state.AppDefinition) bool {
	if !i.RunSpecVersion().Equal(app.Version()) {
		return false
	}
	if i.State.Condition != instance.Running {
		return false
	}
	if len(app.HealthChecks) == 0 {
		return true
	}
	return i.State.Healthy != nil && *i.State.Healthy
}

// specCounts is a point-in-time view of one app's instances during a
// rollover. readyNew counts target-version instances that are up (and
// healthy, where checks exist); readyTotal additionally counts old-version
// capacity that is still serving.
type specCounts struct {
	readyNew   int
	readyTotal int
	old        []*instance.Instance
	total      int
}

func (w *worker) counts(app *state.AppDefinition) (specCounts, error) {
	instances, err := w.instances.SpecInstancesSync(app.ID)
	if err != nil {
		return specCounts{}, err
	}
	var c specCounts
	for _, i := range instances {
		if !i.State.Condition.IsActive() {
			continue
		}
		c.total++
		serving := i.State.Condition == instance.Running &&
			(i.State.Healthy == nil || *i.State.Healthy)
		if serving {
			c.readyTotal++
		}
		if isReady(i, app) {
			c.readyNew++
		}
		if !i.RunSpecVersion().Equal(app.Version()) {
			c.old = append(c.old, i)
		}
	}
	return c, nil
}

func (w *worker) awaitReady(ctx context.Context, app *state.AppDefinition, target int) error {
	return w.poll(ctx, func() (bool, error) {
		c, err := w.counts(app)
		if err != nil {
			return false, err
		}
		return c.readyNew >= target, nil
	})
}

func (w *worker) awaitGone(ctx context.Context, app *state.AppDefinition) error {
	return w.poll(ctx, func() (bool, error) {
		instances, err := w.instances.SpecInstancesSync(app.ID)
		if err != nil {
			return false, err
		}
		for _, i := range instances {
			if i.State.Condition.IsActive() {
				return false, nil
			}
		}
		return true, nil
	})
}

// replaceInstances rolls every instance over to the app's version while
// honoring the upgrade strategy: never fewer ready instances than
// minimumHealthCapacity allows, never more total than maximumOverCapacity
// allows, except that a strategy with no headroom at all gets one instance
// of over-capacity.
func (w *worker) replaceInstances(ctx context.Context, app *state.AppDefinition) error {
	target := app.Instances
	minHealthy := int(math.Ceil(app.UpgradeStrategy.MinimumHealthCapacity * float64(target)))
	maxTotal := target + int(math.Floor(app.UpgradeStrategy.MaximumOverCapacity*float64(target)))
	if maxTotal <= minHealthy && maxTotal <= target {
		// A fully rigid strategy would deadlock the rollover.
		maxTotal = target + 1
	}

	return w.poll(ctx, func() (bool, error) {
		c, err := w.counts(app)
		if err != nil {
			return false, err
		}
		if c.readyNew >= target && len(c.old) == 0 {
			return true, nil
		}

		queued := 0
		if entry := w.queue.Get(app.ID); entry != nil {
			queued = entry.InstancesLeftToLaunch
		}
		newVersionCount := c.total - len(c.old)
		if missing := target - newVersionCount - queued; missing > 0 {
			if headroom := maxTotal - c.total - queued; headroom > 0 {
				if missing > headroom {
					missing = headroom
				}
				w.queue.Add(app, missing)
			}
		}

		allowedKills := c.readyTotal - minHealthy
		if allowedKills > 0 && len(c.old) > 0 {
			victims := instance.SelectVictims(c.old, allowedKills)
			if err := w.kills.KillInstances(victims, killer.Overcapacity); err != nil {
				return false, err
			}
		}
		return false, nil
	})
}

func (w *worker) poll(ctx context.Context, done func() (bool, error)) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		finished, err := done()
		if err != nil {
			return err
		}
		if finished {
			return nil
		}
		select {
		case <-ctx.Done():
			return ErrCanceled
		case <-ticker.C:
		}
	}
}
