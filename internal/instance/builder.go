package instance

import (
	"github.com/google/uuid"

	"github.com/wu8685/marathon/internal/state"
)

// NewEphemeralInstance builds a freshly created instance with one task per
// requested process, ready for a LaunchEphemeral operation.
func NewEphemeralInstance(runSpec *state.AppDefinition, agent AgentInfo, now state.Timestamp, taskCount int) *Instance {
	id := NewInstanceID(runSpec.ID)
	tasks := make(map[TaskID]*Task, taskCount)
	for i := 0; i < taskCount; i++ {
		taskID := TaskID{InstanceID: id, UUID: uuid.New().String()}
		tasks[taskID] = &Task{
			ID:        taskID,
			RunSpecID: runSpec.ID,
			AgentInfo: agent,
			Status: TaskStatus{
				Condition: Created,
				StagedAt:  now,
			},
			Version: runSpec.Version(),
		}
	}
	return &Instance{
		ID:        id,
		AgentInfo: agent,
		State: State{
			Condition: Created,
			Since:     now,
			Version:   runSpec.Version(),
		},
		Tasks: tasks,
	}
}
