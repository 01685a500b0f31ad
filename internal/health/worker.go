package health

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wu8685/marathon/internal/instance"
	"github.com/wu8685/marathon/internal/killer"
	"github.com/wu8685/marathon/internal/state"
)

// instanceSource is the tracker surface a check worker needs.
type instanceSource interface {
	SpecInstancesSync(id state.PathId) ([]*instance.Instance, error)
}

// prober performs one probe against a task. Injected for tests.
type prober func(check state.HealthCheck, task *instance.Task, timeout time.Duration) error

// checkWorker periodically probes every live task of one app version under
// one health check definition.
type checkWorker struct {
	appID     state.PathId
	version   state.Timestamp
	check     state.HealthCheck
	instances instanceSource
	kills     killer.KillService
	manager   *Manager
	probe     prober

	startedAt time.Time
	stopOnce  sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

func newCheckWorker(
	appID state.PathId,
	version state.Timestamp,
	check state.HealthCheck,
	instances instanceSource,
	kills killer.KillService,
	manager *Manager,
) *checkWorker {
	w := &checkWorker{
		appID:     appID,
		version:   version,
		check:     check,
		instances: instances,
		kills:     kills,
		manager:   manager,
		probe:     defaultProbe,
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	return w
}

func (w *checkWorker) run(now time.Time) {
	w.startedAt = now
	go w.loop()
}

func (w *checkWorker) loop() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.check.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case tick := <-ticker.C:
			w.checkAll(tick)
		}
	}
}

// shutdown signals the worker to stop. It does not wait: the worker may be
// blocked on the manager mutex held by the caller.
func (w *checkWorker) shutdown() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
}

// checkAll probes every dispatchable task once. Instances that are staging,
// unreachable or otherwise lost are skipped.
func (w *checkWorker) checkAll(now time.Time) {
	instances, err := w.instances.SpecInstancesSync(w.appID)
	if err != nil {
		log.WithError(err).Errorf("health check for %s could not list instances", w.appID)
		return
	}
	for _, i := range instances {
		if !dispatchable(i) {
			continue
		}
		if !i.RunSpecVersion().Equal(w.version) {
			continue
		}
		for _, task := range i.Tasks {
			w.checkTask(task, now)
		}
	}
}

// dispatchable excludes conditions under which probing is meaningless or
// harmful.
func dispatchable(i *instance.Instance) bool {
	condition := i.State.Condition
	if condition == instance.Staging || condition.IsLost() {
		return false
	}
	return true
}

func (w *checkWorker) checkTask(task *instance.Task, now time.Time) {
	if now.Sub(w.startedAt) < w.check.GracePeriod && task.Status.Condition != instance.Running {
		return
	}
	err := w.probe(w.check, task, w.check.Timeout)
	if err == nil {
		w.manager.recordResult(w.appID, task.ID, w.check, now, "")
		return
	}
	result := w.manager.recordResult(w.appID, task.ID, w.check, now, err.Error())
	log.WithError(err).Infof("health check for task %s failed %d times in a row", task.ID, result.ConsecutiveFailures)
	if w.check.MaxConsecutiveFailures > 0 && result.ConsecutiveFailures >= w.check.MaxConsecutiveFailures {
		if task.Status.Condition == instance.Unreachable {
			// The broker lost the task, a kill cannot reach it either.
			return
		}
		if err := w.kills.KillTask(task.ID.String(), killer.FailedHealthChecks); err != nil {
			log.WithError(err).Errorf("could not kill unhealthy task %s", task.ID)
		}
	}
}

func defaultProbe(check state.HealthCheck, task *instance.Task, timeout time.Duration) error {
	if len(task.Status.HostPorts) <= check.PortIndex {
		return fmt.Errorf("task %s has no host port at index %d", task.ID, check.PortIndex)
	}
	address := fmt.Sprintf("%s:%d", task.AgentInfo.Host, task.Status.HostPorts[check.PortIndex])
	switch check.Protocol {
	case state.HealthCheckHTTP:
		client := http.Client{Timeout: timeout}
		resp, err := client.Get(fmt.Sprintf("http://%s%s", address, check.Path))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 400 {
			return fmt.Errorf("http health check returned status %d", resp.StatusCode)
		}
		return nil
	case state.HealthCheckTCP:
		conn, err := net.DialTimeout("tcp", address, timeout)
		if err != nil {
			return err
		}
		return conn.Close()
	case state.HealthCheckCommand:
		// Command checks are executed by the agent; results arrive as task
		// status updates routed through Manager.Update.
		return nil
	}
	return fmt.Errorf("unsupported health check protocol %q", check.Protocol)
}
