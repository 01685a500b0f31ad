package events

import (
	"github.com/wu8685/marathon/internal/instance"
	"github.com/wu8685/marathon/internal/state"
)

// Event is anything published on the in-process bus. Kind doubles as the
// event name on the wire.
type Event interface {
	Kind() string
}

type SchedulerRegistered struct {
	FrameworkID string
	Master      string
}

type SchedulerReregistered struct {
	Master string
}

type SchedulerDisconnected struct{}

type DeploymentStarted struct {
	PlanID  string
	Version state.Timestamp
}

type DeploymentSuccess struct {
	PlanID  string
	Version state.Timestamp
}

type DeploymentFailed struct {
	PlanID  string
	Version state.Timestamp
	Reason  string
}

type AppTerminated struct {
	AppID state.PathId
}

type AppScaled struct {
	AppID state.PathId
}

type InstanceChanged struct {
	ID        instance.InstanceID
	Condition instance.Condition
	RunSpecID state.PathId
	Version   state.Timestamp
}

type HealthCheckAdded struct {
	AppID   state.PathId
	Version state.Timestamp
}

type HealthCheckRemoved struct {
	AppID   state.PathId
	Version state.Timestamp
}

type InstanceHealthChanged struct {
	ID        instance.InstanceID
	RunSpecID state.PathId
	Healthy   bool
}

func (SchedulerRegistered) Kind() string   { return "scheduler_registered_event" }
func (SchedulerReregistered) Kind() string { return "scheduler_reregistered_event" }
func (SchedulerDisconnected) Kind() string { return "scheduler_disconnected_event" }
func (DeploymentStarted) Kind() string     { return "deployment_started" }
func (DeploymentSuccess) Kind() string     { return "deployment_success" }
func (DeploymentFailed) Kind() string      { return "deployment_failed" }
func (AppTerminated) Kind() string         { return "app_terminated_event" }
func (AppScaled) Kind() string             { return "app_scaled_event" }
func (InstanceChanged) Kind() string       { return "instance_changed_event" }
func (HealthCheckAdded) Kind() string      { return "add_health_check_event" }
func (HealthCheckRemoved) Kind() string    { return "remove_health_check_event" }
func (InstanceHealthChanged) Kind() string { return "instance_health_changed_event" }
