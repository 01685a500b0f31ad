package instance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wu8685/marathon/internal/state"
)

func ts(sec int) state.Timestamp {
	return state.NewTimestamp(time.Date(2023, 1, 1, 0, 0, sec, 0, time.UTC))
}

func instanceWithConditions(conditions ...Condition) *Instance {
	id := NewInstanceID(state.MustParsePathId("/app"))
	tasks := map[TaskID]*Task{}
	for i, condition := range conditions {
		taskID := TaskID{InstanceID: id, UUID: string(rune('a' + i))}
		tasks[taskID] = &Task{
			ID:        taskID,
			RunSpecID: id.RunSpecID,
			Status:    TaskStatus{Condition: condition},
		}
	}
	return &Instance{
		ID:    id,
		State: State{Condition: Created, Since: ts(0)},
		Tasks: tasks,
	}
}

func TestAggregateCondition_AllSame(t *testing.T) {
	i := instanceWithConditions(Running, Running, Running)
	assert.Equal(t, Running, aggregateCondition(i.Tasks))
}

func TestAggregateCondition_PriorityOrder(t *testing.T) {
	cases := []struct {
		conditions []Condition
		expected   Condition
	}{
		{[]Condition{Running, Failed}, Failed},
		{[]Condition{Running, Error, Failed}, Error},
		{[]Condition{Running, Staging}, Staging},
		{[]Condition{Running, Starting, Staging}, Starting},
		{[]Condition{Running, Unreachable}, Unreachable},
		{[]Condition{Running, Killing}, Killing},
		{[]Condition{Running, Gone, Dropped}, Gone},
		{[]Condition{Created, Running}, Created},
		{[]Condition{Reserved, Running}, Reserved},
		{[]Condition{Running, Finished}, Running},
		{[]Condition{Finished, Killed}, Finished},
	}
	for _, c := range cases {
		i := instanceWithConditions(c.conditions...)
		assert.Equal(t, c.expected, aggregateCondition(i.Tasks), "conditions %v", c.conditions)
	}
}

func TestAggregateCondition_IsStable(t *testing.T) {
	i := instanceWithConditions(Running, Staging, Failed)
	first := aggregateCondition(i.Tasks)
	for n := 0; n < 10; n++ {
		assert.Equal(t, first, aggregateCondition(i.Tasks))
	}
}

func TestAggregateHealth(t *testing.T) {
	yes, no := true, false

	i := instanceWithConditions(Running, Running)
	var ids []TaskID
	for id := range i.Tasks {
		ids = append(ids, id)
	}

	// No task reported: unset.
	assert.Nil(t, aggregateHealth(i.Tasks))

	// One unhealthy: false.
	i.Tasks[ids[0]].Status.Healthy = &no
	health := aggregateHealth(i.Tasks)
	require.NotNil(t, health)
	assert.False(t, *health)

	// All healthy: true.
	i.Tasks[ids[0]].Status.Healthy = &yes
	i.Tasks[ids[1]].Status.Healthy = &yes
	health = aggregateHealth(i.Tasks)
	require.NotNil(t, health)
	assert.True(t, *health)

	// Mixed reported/unreported: unset.
	i.Tasks[ids[1]].Status.Healthy = nil
	assert.Nil(t, aggregateHealth(i.Tasks))
}

func TestComputeState_PreservesSinceWhenUnchanged(t *testing.T) {
	i := instanceWithConditions(Running, Running)
	previous := State{Condition: Running, Since: ts(1)}

	next := computeState(previous, i.Tasks, ts(5))
	assert.Equal(t, previous, next)
	assert.Equal(t, ts(1), next.Since)

	// A condition change stamps a new since.
	for _, task := range i.Tasks {
		task.Status.Condition = Staging
		break
	}
	next = computeState(previous, i.Tasks, ts(5))
	assert.Equal(t, Staging, next.Condition)
	assert.Equal(t, ts(5), next.Since)
}

func TestInstanceIDRoundTrip(t *testing.T) {
	id := NewInstanceID(state.MustParsePathId("/prod/db/postgres"))
	parsed, err := ParseInstanceID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	taskID := TaskID{InstanceID: id, UUID: "some-uuid"}
	parsedTask, err := ParseTaskID(taskID.String())
	require.NoError(t, err)
	assert.Equal(t, taskID, parsedTask)
}
