package launchqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wu8685/marathon/internal/common/util"
	"github.com/wu8685/marathon/internal/state"
)

func spec(id string, instances int) *state.AppDefinition {
	return &state.AppDefinition{
		ID:          state.MustParsePathId(id),
		Instances:   instances,
		VersionInfo: state.NewVersionInfo(state.NewTimestamp(time.Unix(0, 0))),
	}
}

func newQueue(clock util.Clock) *InMemoryLaunchQueue {
	return NewInMemoryLaunchQueue(clock, time.Second, time.Hour, 2.0)
}

func TestQueueAddAndGet(t *testing.T) {
	q := newQueue(&util.DefaultClock{})
	app := spec("/app", 5)

	q.Add(app, 3)
	entry := q.Get(app.ID)
	require.NotNil(t, entry)
	assert.Equal(t, 3, entry.InstancesLeftToLaunch)
	assert.Equal(t, 5, entry.FinalInstanceCount)
	assert.True(t, entry.InProgress)

	q.Add(app, 2)
	entry = q.Get(app.ID)
	assert.Equal(t, 5, entry.InstancesLeftToLaunch)

	assert.Nil(t, q.Get(state.MustParsePathId("/other")))
}

func TestQueueAddIgnoresNonPositiveCounts(t *testing.T) {
	q := newQueue(&util.DefaultClock{})
	app := spec("/app", 1)
	q.Add(app, 0)
	q.Add(app, -2)
	assert.Nil(t, q.Get(app.ID))
}

func TestQueuePurge(t *testing.T) {
	q := newQueue(&util.DefaultClock{})
	app := spec("/app", 5)
	q.Add(app, 3)
	q.Purge(app.ID)
	assert.Nil(t, q.Get(app.ID))
	assert.Empty(t, q.List())
}

func TestQueueBackoffEscalatesAndResets(t *testing.T) {
	clock := &util.DummyClock{T: time.Unix(1000, 0)}
	q := newQueue(clock)
	app := spec("/app", 5)
	q.Add(app, 1)

	q.AddDelay(app)
	entry := q.Get(app.ID)
	assert.Equal(t, clock.T.Add(time.Second), entry.BackoffUntil)

	q.AddDelay(app)
	entry = q.Get(app.ID)
	assert.Equal(t, clock.T.Add(2*time.Second), entry.BackoffUntil)

	q.ResetDelay(app)
	entry = q.Get(app.ID)
	assert.True(t, entry.BackoffUntil.IsZero())

	q.AddDelay(app)
	entry = q.Get(app.ID)
	assert.Equal(t, clock.T.Add(time.Second), entry.BackoffUntil)
}

func TestQueueBackoffIsCapped(t *testing.T) {
	clock := &util.DummyClock{T: time.Unix(1000, 0)}
	q := NewInMemoryLaunchQueue(clock, time.Second, 4*time.Second, 2.0)
	app := spec("/app", 1)
	q.Add(app, 1)

	for i := 0; i < 10; i++ {
		q.AddDelay(app)
	}
	entry := q.Get(app.ID)
	assert.Equal(t, clock.T.Add(4*time.Second), entry.BackoffUntil)
}

func TestQueueSyncUnreachable(t *testing.T) {
	q := newQueue(&util.DefaultClock{})
	app := spec("/app", 15)
	q.Add(app, 15)

	q.SyncUnreachable(app.ID, 10, 5)
	entry := q.Get(app.ID)
	assert.Equal(t, 5, entry.UnreachableInstances)
	assert.GreaterOrEqual(t, entry.FinalInstanceCount, entry.UnreachableInstances)
}
