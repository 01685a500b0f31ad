package instance

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/wu8685/marathon/internal/state"
)

// TaskID identifies a single broker-tracked process. Its string form embeds
// the owning instance id: <instanceId>.<taskUuid>, where the instance id
// renders as <runSpecId>.instance-<instanceUuid>.
type TaskID struct {
	InstanceID InstanceID `json:"instanceId"`
	UUID       string     `json:"uuid"`
}

func (t TaskID) String() string {
	return fmt.Sprintf("%s.%s", t.InstanceID, t.UUID)
}

func ParseTaskID(s string) (TaskID, error) {
	idx := strings.LastIndex(s, ".")
	if idx < 0 {
		return TaskID{}, errors.Errorf("malformed task id %q", s)
	}
	instanceID, err := ParseInstanceID(s[:idx])
	if err != nil {
		return TaskID{}, err
	}
	return TaskID{InstanceID: instanceID, UUID: s[idx+1:]}, nil
}

func (t TaskID) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TaskID) UnmarshalText(text []byte) error {
	parsed, err := ParseTaskID(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MesosTaskState is the broker-side state carried on a status update.
type MesosTaskState string

const (
	MesosTaskStaging     MesosTaskState = "TASK_STAGING"
	MesosTaskStarting    MesosTaskState = "TASK_STARTING"
	MesosTaskRunning     MesosTaskState = "TASK_RUNNING"
	MesosTaskKilling     MesosTaskState = "TASK_KILLING"
	MesosTaskKilled      MesosTaskState = "TASK_KILLED"
	MesosTaskFinished    MesosTaskState = "TASK_FINISHED"
	MesosTaskFailed      MesosTaskState = "TASK_FAILED"
	MesosTaskError       MesosTaskState = "TASK_ERROR"
	MesosTaskGone        MesosTaskState = "TASK_GONE"
	MesosTaskDropped     MesosTaskState = "TASK_DROPPED"
	MesosTaskUnreachable MesosTaskState = "TASK_UNREACHABLE"
	MesosTaskUnknown     MesosTaskState = "TASK_UNKNOWN"
)

// MesosStatus is the opaque broker status attached to a task. It is kept
// verbatim so reconciliation can hand it back to the broker.
type MesosStatus struct {
	TaskID  string         `json:"taskId"`
	State   MesosTaskState `json:"state"`
	Healthy *bool          `json:"healthy,omitempty"`
	AgentID string         `json:"agentId,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Condition maps the broker task state onto the internal condition.
func (s MesosTaskState) Condition() Condition {
	switch s {
	case MesosTaskStaging:
		return Staging
	case MesosTaskStarting:
		return Starting
	case MesosTaskRunning:
		return Running
	case MesosTaskKilling:
		return Killing
	case MesosTaskKilled:
		return Killed
	case MesosTaskFinished:
		return Finished
	case MesosTaskFailed:
		return Failed
	case MesosTaskError:
		return Error
	case MesosTaskGone:
		return Gone
	case MesosTaskDropped:
		return Dropped
	case MesosTaskUnreachable:
		return Unreachable
	}
	return Unknown
}

type AgentInfo struct {
	Host    string            `json:"host"`
	AgentID string            `json:"agentId"`
	Labels  map[string]string `json:"labels,omitempty"`
}

// TaskStatus is the tracked state of a single task.
type TaskStatus struct {
	Condition   Condition       `json:"condition"`
	StagedAt    state.Timestamp `json:"stagedAt"`
	StartedAt   state.Timestamp `json:"startedAt,omitempty"`
	MesosStatus *MesosStatus    `json:"mesosStatus,omitempty"`
	Healthy     *bool           `json:"healthy,omitempty"`
	HostPorts   []int           `json:"hostPorts,omitempty"`
}

// Task is a single process on a specific agent. It is mutated only through
// broker status updates applied by the instance state machine.
type Task struct {
	ID        TaskID          `json:"id"`
	RunSpecID state.PathId    `json:"runSpecId"`
	AgentInfo AgentInfo       `json:"agentInfo"`
	Status    TaskStatus      `json:"status"`
	Version   state.Timestamp `json:"version"`
}

// IsLaunched reports whether the task has been handed to the broker, as
// opposed to merely reserving resources.
func (t *Task) IsLaunched() bool {
	return t.Status.Condition != Reserved
}

type taskUpdateEffect int

const (
	taskUpdateNoop taskUpdateEffect = iota
	taskUpdateChange
	taskUpdateExpunge
	taskUpdateFailure
)

// update applies a broker status to the task, returning the updated copy and
// what the caller should do with it. Terminal states expunge the task.
func (t *Task) update(status *MesosStatus, now state.Timestamp) (*Task, taskUpdateEffect) {
	condition := status.State.Condition()

	sameHealth := boolPtrEqual(t.Status.Healthy, status.Healthy)
	if condition == t.Status.Condition && sameHealth {
		updated := *t
		updated.Status.MesosStatus = status
		return &updated, taskUpdateNoop
	}

	updated := *t
	updated.Status.Condition = condition
	updated.Status.MesosStatus = status
	updated.Status.Healthy = status.Healthy
	if condition == Running && t.Status.Condition != Running {
		updated.Status.StartedAt = now
	}
	if condition.IsTerminal() {
		return &updated, taskUpdateExpunge
	}
	return &updated, taskUpdateChange
}

func boolPtrEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
