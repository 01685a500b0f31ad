package launchqueue

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/wu8685/marathon/internal/common/util"
	"github.com/wu8685/marathon/internal/state"
)

// QueuedInstanceInfo describes the pending launch work for one run spec.
// FinalInstanceCount is never less than UnreachableInstances.
type QueuedInstanceInfo struct {
	RunSpec               *state.AppDefinition
	InstancesLeftToLaunch int
	InProgress            bool
	FinalInstanceCount    int
	UnreachableInstances  int
	BackoffUntil          time.Time
}

// LaunchQueue is the surface of the external placement component that turns
// offers into launches. The core records demand here; matching offers
// against it happens elsewhere.
type LaunchQueue interface {
	// Add queues count additional launches for the run spec.
	Add(runSpec *state.AppDefinition, count int)
	// Get returns the queued work for a run spec, or nil if there is none.
	Get(id state.PathId) *QueuedInstanceInfo
	// List returns all pending queue entries.
	List() []*QueuedInstanceInfo
	// Purge drops all pending launches for the run spec.
	Purge(id state.PathId)
	// ResetDelay clears the launch backoff for the run spec.
	ResetDelay(runSpec *state.AppDefinition)
	// AddDelay escalates the launch backoff after a failure.
	AddDelay(runSpec *state.AppDefinition)
	// SyncUnreachable tells the queue how many of a spec's instances are
	// currently unreachable, so the scale check can replace them.
	SyncUnreachable(id state.PathId, launched int, unreachable int)
}

type queueEntry struct {
	info     QueuedInstanceInfo
	delay    time.Duration
	failures int
}

// InMemoryLaunchQueue is the default queue implementation with per-spec
// exponential launch backoff.
type InMemoryLaunchQueue struct {
	mu      sync.Mutex
	entries map[state.PathId]*queueEntry
	clock   util.Clock

	initialBackoff time.Duration
	maxBackoff     time.Duration
	backoffFactor  float64
}

func NewInMemoryLaunchQueue(clock util.Clock, initialBackoff, maxBackoff time.Duration, backoffFactor float64) *InMemoryLaunchQueue {
	return &InMemoryLaunchQueue{
		entries:        map[state.PathId]*queueEntry{},
		clock:          clock,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		backoffFactor:  backoffFactor,
	}
}

func (q *InMemoryLaunchQueue) Add(runSpec *state.AppDefinition, count int) {
	if count <= 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[runSpec.ID]
	if !ok {
		entry = &queueEntry{delay: q.initialBackoff}
		q.entries[runSpec.ID] = entry
	}
	entry.info.RunSpec = runSpec
	entry.info.InstancesLeftToLaunch += count
	entry.info.FinalInstanceCount = runSpec.Instances
	entry.info.InProgress = true
	log.Infof("queued %d launches for %s, %d left total", count, runSpec.ID, entry.info.InstancesLeftToLaunch)
}

func (q *InMemoryLaunchQueue) Get(id state.PathId) *QueuedInstanceInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[id]
	if !ok {
		return nil
	}
	info := entry.info
	return &info
}

func (q *InMemoryLaunchQueue) List() []*QueuedInstanceInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]*QueuedInstanceInfo, 0, len(q.entries))
	for _, entry := range q.entries {
		info := entry.info
		result = append(result, &info)
	}
	return result
}

func (q *InMemoryLaunchQueue) Purge(id state.PathId) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.entries, id)
}

func (q *InMemoryLaunchQueue) ResetDelay(runSpec *state.AppDefinition) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if entry, ok := q.entries[runSpec.ID]; ok {
		entry.delay = q.initialBackoff
		entry.failures = 0
		entry.info.BackoffUntil = time.Time{}
	}
}

func (q *InMemoryLaunchQueue) AddDelay(runSpec *state.AppDefinition) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[runSpec.ID]
	if !ok {
		return
	}
	entry.failures++
	entry.info.BackoffUntil = q.clock.Now().Add(entry.delay)
	next := time.Duration(float64(entry.delay) * q.backoffFactor)
	if next > q.maxBackoff {
		next = q.maxBackoff
	}
	entry.delay = next
}

func (q *InMemoryLaunchQueue) SyncUnreachable(id state.PathId, launched int, unreachable int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.entries[id]
	if !ok {
		return
	}
	entry.info.UnreachableInstances = unreachable
	if entry.info.FinalInstanceCount < unreachable {
		entry.info.FinalInstanceCount = unreachable
	}
}
