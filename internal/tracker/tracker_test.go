package tracker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wu8685/marathon/internal/instance"
	"github.com/wu8685/marathon/internal/state"
)

func ts(sec int) state.Timestamp {
	return state.NewTimestamp(time.Date(2023, 1, 1, 0, 0, sec, 0, time.UTC))
}

func spec(id string) *state.AppDefinition {
	return &state.AppDefinition{
		ID:          state.MustParsePathId(id),
		Instances:   1,
		VersionInfo: state.NewVersionInfo(ts(0)),
	}
}

func launch(t *testing.T, tr *InstanceTracker, appID string) *instance.Instance {
	t.Helper()
	i := instance.NewEphemeralInstance(spec(appID), instance.AgentInfo{Host: "agent1"}, ts(1), 1)
	effect := tr.Process(instance.LaunchEphemeral{Instance: i})
	require.IsType(t, instance.EffectUpdate{}, effect)
	return i
}

func statusFor(i *instance.Instance, mesosState instance.MesosTaskState) *instance.MesosStatus {
	for taskID := range i.Tasks {
		return &instance.MesosStatus{TaskID: taskID.String(), State: mesosState}
	}
	return nil
}

func TestTrackerLaunchAndGet(t *testing.T) {
	tr, err := NewInstanceTracker()
	require.NoError(t, err)

	i := launch(t, tr, "/app")
	loaded, err := tr.Get(i.ID)
	require.NoError(t, err)
	assert.Equal(t, i, loaded)

	// A second launch with the same id is refused.
	effect := tr.Process(instance.LaunchEphemeral{Instance: i})
	assert.IsType(t, instance.EffectFailure{}, effect)
}

func TestTrackerMesosUpdateMutatesState(t *testing.T) {
	tr, err := NewInstanceTracker()
	require.NoError(t, err)
	i := launch(t, tr, "/app")

	effect := tr.Process(instance.MesosUpdate{
		ID:     i.ID,
		Status: statusFor(i, instance.MesosTaskRunning),
		Now:    ts(2),
	})
	require.IsType(t, instance.EffectUpdate{}, effect)

	loaded, err := tr.Get(i.ID)
	require.NoError(t, err)
	assert.Equal(t, instance.Running, loaded.State.Condition)
}

func TestTrackerTerminalStatusExpunges(t *testing.T) {
	tr, err := NewInstanceTracker()
	require.NoError(t, err)
	i := launch(t, tr, "/app")

	effect := tr.Process(instance.MesosUpdate{
		ID:     i.ID,
		Status: statusFor(i, instance.MesosTaskFailed),
		Now:    ts(2),
	})
	require.IsType(t, instance.EffectExpunge{}, effect)

	loaded, err := tr.Get(i.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestTrackerSpecInstancesSync(t *testing.T) {
	tr, err := NewInstanceTracker()
	require.NoError(t, err)
	launch(t, tr, "/a")
	launch(t, tr, "/a")
	launch(t, tr, "/b")

	instances, err := tr.SpecInstancesSync(state.MustParsePathId("/a"))
	require.NoError(t, err)
	assert.Len(t, instances, 2)

	count, err := tr.CountSpecInstancesSync(state.MustParsePathId("/a"), func(i *instance.Instance) bool {
		return i.State.Condition == instance.Created
	})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestTrackerListSpecIDsAndSnapshot(t *testing.T) {
	tr, err := NewInstanceTracker()
	require.NoError(t, err)
	launch(t, tr, "/a")
	launch(t, tr, "/b")

	ids, err := tr.ListSpecIDs()
	require.NoError(t, err)
	assert.Equal(t, []state.PathId{state.MustParsePathId("/a"), state.MustParsePathId("/b")}, ids)

	snapshot, err := tr.Snapshot()
	require.NoError(t, err)
	assert.Len(t, snapshot, 2)
}
