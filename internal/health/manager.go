package health

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wu8685/marathon/internal/common/util"
	"github.com/wu8685/marathon/internal/events"
	"github.com/wu8685/marathon/internal/instance"
	"github.com/wu8685/marathon/internal/killer"
	"github.com/wu8685/marathon/internal/state"
)

type versionKey struct {
	appID   state.PathId
	version string
}

type checkKey struct {
	versionKey
	check string
}

func checkFingerprint(check state.HealthCheck) string {
	return fmt.Sprintf("%s:%s:%d:%s", check.Protocol, check.Path, check.PortIndex, check.Interval)
}

// Manager owns the per-app, per-version health check lifecycle. Check
// workers are registered and removed as app versions come and go; the last
// known result per task is retained across re-registration.
type Manager struct {
	instances instanceSource
	kills     killer.KillService
	bus       *events.Bus
	clock     util.Clock

	defaultGracePeriod time.Duration
	defaultInterval    time.Duration
	defaultTimeout     time.Duration

	mu      sync.Mutex
	workers map[checkKey]*checkWorker
	// results outlive workers on purpose.
	results map[instance.TaskID]map[string]*Result
}

// AppVersionSource resolves the run spec at a specific version, for
// reconciling checks against live instances.
type AppVersionSource interface {
	AppVersion(id state.PathId, version state.Timestamp) (*state.AppDefinition, error)
}

func NewManager(instances instanceSource, kills killer.KillService, bus *events.Bus, clock util.Clock) *Manager {
	return &Manager{
		instances:       instances,
		kills:           kills,
		bus:             bus,
		clock:           clock,
		defaultInterval: time.Minute,
		defaultTimeout:  20 * time.Second,
		workers:         map[checkKey]*checkWorker{},
		results:         map[instance.TaskID]map[string]*Result{},
	}
}

// SetDefaults configures the fallbacks applied to checks that do not
// declare their own grace period, interval or timeout.
func (m *Manager) SetDefaults(gracePeriod, interval, timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultGracePeriod = gracePeriod
	if interval > 0 {
		m.defaultInterval = interval
	}
	if timeout > 0 {
		m.defaultTimeout = timeout
	}
}

func (m *Manager) withDefaults(check state.HealthCheck) state.HealthCheck {
	if check.GracePeriod <= 0 {
		check.GracePeriod = m.defaultGracePeriod
	}
	if check.Interval <= 0 {
		check.Interval = m.defaultInterval
	}
	if check.Timeout <= 0 {
		check.Timeout = m.defaultTimeout
	}
	return check
}

// Add registers one health check for an app version and starts probing.
func (m *Manager) Add(appID state.PathId, version state.Timestamp, check state.HealthCheck) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addLocked(appID, version, check)
}

func (m *Manager) addLocked(appID state.PathId, version state.Timestamp, check state.HealthCheck) {
	check = m.withDefaults(check)
	key := checkKey{versionKey{appID, version.String()}, checkFingerprint(check)}
	if _, ok := m.workers[key]; ok {
		return
	}
	worker := newCheckWorker(appID, version, check, m.instances, m.kills, m)
	m.workers[key] = worker
	worker.run(m.clock.Now())
	m.bus.Publish(events.HealthCheckAdded{AppID: appID, Version: version})
}

// AddAllFor registers every check the app declares.
func (m *Manager) AddAllFor(app *state.AppDefinition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, check := range app.HealthChecks {
		m.addLocked(app.ID, app.Version(), check)
	}
}

// RemoveAllFor drops every check of every version of the app.
func (m *Manager) RemoveAllFor(appID state.PathId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, worker := range m.workers {
		if key.appID == appID {
			m.removeLocked(key, worker)
		}
	}
}

// RemoveAll drops every registered check. Used on standby transition.
func (m *Manager) RemoveAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, worker := range m.workers {
		m.removeLocked(key, worker)
	}
}

func (m *Manager) removeLocked(key checkKey, worker *checkWorker) {
	delete(m.workers, key)
	worker.shutdown()
	version, err := state.ParseTimestamp(key.version)
	if err != nil {
		log.WithError(err).Warnf("malformed version on health check key %v", key)
	}
	m.bus.Publish(events.HealthCheckRemoved{AppID: key.appID, Version: version})
}

// List returns the active checks of an app keyed by version.
func (m *Manager) List(appID state.PathId) map[string][]state.HealthCheck {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := map[string][]state.HealthCheck{}
	for key, worker := range m.workers {
		if key.appID == appID {
			result[key.version] = append(result[key.version], worker.check)
		}
	}
	return result
}

// Status returns the retained results for one task.
func (m *Manager) Status(appID state.PathId, taskID instance.TaskID) []*Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if taskID.InstanceID.RunSpecID != appID {
		return nil
	}
	var results []*Result
	for _, result := range m.results[taskID] {
		copied := *result
		results = append(results, &copied)
	}
	return results
}

// Statuses returns results for every task of the app's live instances.
func (m *Manager) Statuses(appID state.PathId) (map[string][]*Result, error) {
	instances, err := m.instances.SpecInstancesSync(appID)
	if err != nil {
		return nil, err
	}
	statuses := map[string][]*Result{}
	for _, i := range instances {
		for taskID := range i.Tasks {
			statuses[taskID.String()] = m.Status(appID, taskID)
		}
	}
	return statuses, nil
}

// Update applies a health flag carried on a broker task status, as produced
// by agent-executed command checks.
func (m *Manager) Update(status *instance.MesosStatus, version state.Timestamp) {
	if status.Healthy == nil {
		return
	}
	taskID, err := instance.ParseTaskID(status.TaskID)
	if err != nil {
		log.WithError(err).Warnf("ignoring health update with malformed task id %q", status.TaskID)
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	result := m.resultLocked(taskID, "command")
	now := m.clock.Now()
	if *status.Healthy {
		result.recordSuccess(now)
	} else {
		result.recordFailure(now, "agent reported unhealthy")
	}
}

// ReconcileWith aligns the registered checks of an app with its live
// instance set: versions with live instances get their checks registered,
// versions without any live instance are dropped. Retained results make a
// re-added check expose its prior state immediately.
func (m *Manager) ReconcileWith(appID state.PathId, apps AppVersionSource) error {
	instances, err := m.instances.SpecInstancesSync(appID)
	if err != nil {
		return err
	}

	liveVersions := map[string]state.Timestamp{}
	for _, i := range instances {
		liveVersions[i.RunSpecVersion().String()] = i.RunSpecVersion()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, worker := range m.workers {
		if key.appID != appID {
			continue
		}
		if _, live := liveVersions[key.version]; !live {
			m.removeLocked(key, worker)
		}
	}

	for _, version := range liveVersions {
		app, err := apps.AppVersion(appID, version)
		if err != nil {
			return err
		}
		if app == nil {
			log.Warnf("no run spec for %s at %s, skipping health checks", appID, version)
			continue
		}
		for _, check := range app.HealthChecks {
			m.addLocked(appID, version, check)
		}
	}
	return nil
}

// recordResult stores the outcome of one probe and returns the updated
// result. An empty cause means success.
func (m *Manager) recordResult(appID state.PathId, taskID instance.TaskID, check state.HealthCheck, now time.Time, cause string) Result {
	m.mu.Lock()
	result := m.resultLocked(taskID, checkFingerprint(check))
	wasAlive := result.Alive
	hadResult := result.LastSuccess != nil || result.LastFailure != nil
	if cause == "" {
		result.recordSuccess(now)
	} else {
		result.recordFailure(now, cause)
	}
	snapshot := *result
	m.mu.Unlock()

	if !hadResult || wasAlive != snapshot.Alive {
		m.bus.Publish(events.InstanceHealthChanged{
			ID:        taskID.InstanceID,
			RunSpecID: appID,
			Healthy:   snapshot.Alive,
		})
	}
	return snapshot
}

func (m *Manager) resultLocked(taskID instance.TaskID, fingerprint string) *Result {
	byCheck, ok := m.results[taskID]
	if !ok {
		byCheck = map[string]*Result{}
		m.results[taskID] = byCheck
	}
	result, ok := byCheck[fingerprint]
	if !ok {
		result = &Result{}
		byCheck[fingerprint] = result
	}
	return result
}

// ForgetTask drops retained results, for use when an instance is expunged.
func (m *Manager) ForgetTask(taskID instance.TaskID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.results, taskID)
}
