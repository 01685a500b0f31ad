package instance

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/wu8685/marathon/internal/state"
)

// InstanceID identifies a scheduled unit of one or more tasks. String form:
// <runSpecId>.instance-<uuid> with "/" in the run spec id replaced by "_".
type InstanceID struct {
	RunSpecID state.PathId `json:"runSpecId"`
	UUID      string       `json:"uuid"`
}

func NewInstanceID(runSpecID state.PathId) InstanceID {
	return InstanceID{RunSpecID: runSpecID, UUID: uuid.New().String()}
}

func (i InstanceID) String() string {
	safe := strings.ReplaceAll(strings.TrimPrefix(i.RunSpecID.String(), "/"), "/", "_")
	return fmt.Sprintf("%s.instance-%s", safe, i.UUID)
}

func ParseInstanceID(s string) (InstanceID, error) {
	idx := strings.LastIndex(s, ".instance-")
	if idx < 0 {
		return InstanceID{}, errors.Errorf("malformed instance id %q", s)
	}
	runSpecID, err := state.ParsePathId(strings.ReplaceAll(s[:idx], "_", "/"))
	if err != nil {
		return InstanceID{}, err
	}
	return InstanceID{RunSpecID: runSpecID, UUID: s[idx+len(".instance-"):]}, nil
}

// State is the aggregate state of an instance, recomputed from its tasks on
// every update.
type State struct {
	Condition Condition       `json:"condition"`
	Since     state.Timestamp `json:"since"`
	Version   state.Timestamp `json:"version"`
	Healthy   *bool           `json:"healthy,omitempty"`
}

// Instance is a scheduled unit comprising one or more tasks sharing
// lifecycle and placement.
type Instance struct {
	ID        InstanceID       `json:"id"`
	AgentInfo AgentInfo        `json:"agentInfo"`
	State     State            `json:"state"`
	Tasks     map[TaskID]*Task `json:"tasks"`
}

func (i *Instance) RunSpecID() state.PathId {
	return i.ID.RunSpecID
}

func (i *Instance) RunSpecVersion() state.Timestamp {
	return i.State.Version
}

// IsLaunched reports whether every task of the instance has been launched.
func (i *Instance) IsLaunched() bool {
	for _, task := range i.Tasks {
		if !task.IsLaunched() {
			return false
		}
	}
	return len(i.Tasks) > 0
}

func (i *Instance) IsReserved() bool {
	return i.State.Condition == Reserved
}

// TaskForStatus resolves the task a broker status refers to.
func (i *Instance) TaskForStatus(status *MesosStatus) (*Task, error) {
	taskID, err := ParseTaskID(status.TaskID)
	if err != nil {
		return nil, err
	}
	task, ok := i.Tasks[taskID]
	if !ok {
		return nil, errors.Errorf("instance %s has no task %s", i.ID, status.TaskID)
	}
	return task, nil
}

func (i *Instance) copyWithTask(task *Task) *Instance {
	tasks := make(map[TaskID]*Task, len(i.Tasks))
	for id, t := range i.Tasks {
		tasks[id] = t
	}
	tasks[task.ID] = task
	updated := *i
	updated.Tasks = tasks
	return &updated
}

// computeState derives the aggregate state from the given tasks. If neither
// the condition nor the health aggregate changed, the previous state is kept
// verbatim so Since stays stable.
func computeState(previous State, tasks map[TaskID]*Task, now state.Timestamp) State {
	condition := aggregateCondition(tasks)
	healthy := aggregateHealth(tasks)
	if condition == previous.Condition && boolPtrEqual(healthy, previous.Healthy) {
		return previous
	}
	return State{
		Condition: condition,
		Since:     now,
		Version:   previous.Version,
		Healthy:   healthy,
	}
}

func aggregateCondition(tasks map[TaskID]*Task) Condition {
	if len(tasks) == 0 {
		return Unknown
	}
	conditions := make(map[Condition]bool, len(tasks))
	first := Condition("")
	uniform := true
	for _, task := range tasks {
		conditions[task.Status.Condition] = true
		if first == "" {
			first = task.Status.Condition
		} else if task.Status.Condition != first {
			uniform = false
		}
	}
	if uniform {
		return first
	}
	for _, candidate := range conditionPreference {
		if conditions[candidate] {
			return candidate
		}
	}
	for _, candidate := range conditionFallback {
		if conditions[candidate] {
			return candidate
		}
	}
	log.Warnf("could not aggregate conditions %v, falling back to %s", conditions, Unknown)
	return Unknown
}

// aggregateHealth is false as soon as any task is unhealthy, true only when
// every task reports healthy, and unset otherwise.
func aggregateHealth(tasks map[TaskID]*Task) *bool {
	allHealthy := len(tasks) > 0
	anyReported := false
	for _, task := range tasks {
		if task.Status.Healthy == nil {
			allHealthy = false
			continue
		}
		anyReported = true
		if !*task.Status.Healthy {
			result := false
			return &result
		}
	}
	if allHealthy && anyReported {
		result := true
		return &result
	}
	return nil
}
