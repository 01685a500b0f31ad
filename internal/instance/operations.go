package instance

import (
	"github.com/pkg/errors"

	"github.com/wu8685/marathon/internal/state"
)

// UpdateOperation is a requested change to a single instance. Operations are
// applied by the tracker through ApplyOperation.
type UpdateOperation interface {
	InstanceID() InstanceID
	// Name identifies the operation kind in logs.
	Name() string
}

// LaunchEphemeral creates a fresh, non-resident instance.
type LaunchEphemeral struct {
	Instance *Instance
}

func (op LaunchEphemeral) InstanceID() InstanceID { return op.Instance.ID }
func (op LaunchEphemeral) Name() string           { return "LaunchEphemeral" }

// MesosUpdate applies a broker task status update.
type MesosUpdate struct {
	ID     InstanceID
	Status *MesosStatus
	Now    state.Timestamp
}

func (op MesosUpdate) InstanceID() InstanceID { return op.ID }
func (op MesosUpdate) Name() string           { return "MesosUpdate" }

// LaunchOnReservation launches tasks on a previously reserved instance.
type LaunchOnReservation struct {
	ID    InstanceID
	Tasks map[TaskID]*Task
	Now   state.Timestamp
}

func (op LaunchOnReservation) InstanceID() InstanceID { return op.ID }
func (op LaunchOnReservation) Name() string           { return "LaunchOnReservation" }

// ReservationTimeout expunges a reserved instance whose launch never came.
type ReservationTimeout struct {
	ID InstanceID
}

func (op ReservationTimeout) InstanceID() InstanceID { return op.ID }
func (op ReservationTimeout) Name() string           { return "ReservationTimeout" }

// ForceExpunge removes an instance regardless of state.
type ForceExpunge struct {
	ID InstanceID
}

func (op ForceExpunge) InstanceID() InstanceID { return op.ID }
func (op ForceExpunge) Name() string           { return "ForceExpunge" }

// Reserve creates a resource reservation for a resident instance.
type Reserve struct {
	Instance *Instance
}

func (op Reserve) InstanceID() InstanceID { return op.Instance.ID }
func (op Reserve) Name() string           { return "Reserve" }

// Revert restores a previously captured instance state.
type Revert struct {
	Instance *Instance
}

func (op Revert) InstanceID() InstanceID { return op.Instance.ID }
func (op Revert) Name() string           { return "Revert" }

// UpdateEffect is the outcome of applying an UpdateOperation. Effects carry
// old and new state for persistence and event emission downstream.
type UpdateEffect interface {
	isUpdateEffect()
}

// EffectUpdate reports a changed instance. Old is nil for a fresh launch.
type EffectUpdate struct {
	New *Instance
	Old *Instance
}

// EffectExpunge removes the instance from the tracker.
type EffectExpunge struct {
	Instance *Instance
}

// EffectNoop reports that the operation changed nothing.
type EffectNoop struct {
	ID InstanceID
}

// EffectFailure reports that the state machine refused the transition.
type EffectFailure struct {
	Cause error
}

func (EffectUpdate) isUpdateEffect()  {}
func (EffectExpunge) isUpdateEffect() {}
func (EffectNoop) isUpdateEffect()    {}
func (EffectFailure) isUpdateEffect() {}

// ApplyOperation runs op against the current instance (nil if unknown) and
// returns the resulting effect. It never mutates current.
func ApplyOperation(current *Instance, op UpdateOperation) UpdateEffect {
	switch op := op.(type) {
	case LaunchEphemeral:
		if current != nil {
			return failuref("cannot launch %s: already exists", op.Instance.ID)
		}
		return EffectUpdate{New: op.Instance}

	case MesosUpdate:
		if current == nil {
			return failuref("cannot update %s: not found", op.ID)
		}
		return applyMesosUpdate(current, op)

	case LaunchOnReservation:
		if current == nil {
			return failuref("cannot launch on reservation %s: not found", op.ID)
		}
		if !current.IsReserved() {
			return failuref("cannot launch on reservation %s: instance is %s, not %s",
				op.ID, current.State.Condition, Reserved)
		}
		updated := *current
		updated.Tasks = op.Tasks
		updated.State = State{
			Condition: Created,
			Since:     op.Now,
			Version:   current.State.Version,
		}
		return EffectUpdate{New: &updated, Old: current}

	case ReservationTimeout:
		if current == nil {
			return failuref("reservation timeout for %s: not found", op.ID)
		}
		if !current.IsReserved() {
			return failuref("reservation timeout for %s: instance is %s, not %s",
				op.ID, current.State.Condition, Reserved)
		}
		return EffectExpunge{Instance: current}

	case ForceExpunge:
		if current == nil {
			return EffectNoop{ID: op.ID}
		}
		return EffectExpunge{Instance: current}

	case Reserve:
		if current != nil {
			return failuref("cannot reserve %s: already exists", op.Instance.ID)
		}
		return failuref("reserve of %s is not permitted on the tracker", op.Instance.ID)

	case Revert:
		return failuref("revert of %s is not permitted on the tracker", op.Instance.ID)
	}
	return failuref("unknown operation %T", op)
}

func applyMesosUpdate(current *Instance, op MesosUpdate) UpdateEffect {
	task, err := current.TaskForStatus(op.Status)
	if err != nil {
		return EffectFailure{Cause: err}
	}
	updatedTask, effect := task.update(op.Status, op.Now)
	switch effect {
	case taskUpdateNoop:
		// Report no state change; the stored task, including its last
		// broker status, is left as it was.
		return EffectNoop{ID: op.ID}
	case taskUpdateFailure:
		return failuref("task %s refused status %s", task.ID, op.Status.State)
	}

	updated := current.copyWithTask(updatedTask)
	updated.State = computeState(current.State, updated.Tasks, op.Now)
	if effect == taskUpdateExpunge {
		return EffectExpunge{Instance: updated}
	}
	return EffectUpdate{New: updated, Old: current}
}

func failuref(format string, args ...interface{}) EffectFailure {
	return EffectFailure{Cause: errors.Errorf(format, args...)}
}
