package broker

import (
	"github.com/wu8685/marathon/internal/instance"
)

// StatusHandler consumes task status updates arriving via broker
// callbacks. The core routes every update through it and acks afterwards.
type StatusHandler interface {
	Process(status *instance.MesosStatus)
}

// Driver is the narrow surface of the resource broker consumed by the core.
// The wire protocol behind it is out of scope; status updates and offers
// arrive via broker callbacks.
type Driver interface {
	// ReconcileTasks asks the broker for the authoritative state of the
	// given tasks. An empty list requests an implicit reconciliation: the
	// broker reports every task it knows about.
	ReconcileTasks(statuses []*instance.MesosStatus) error
	// AcknowledgeStatusUpdate confirms receipt of a status update. The core
	// acks every update after routing it, including refused ones.
	AcknowledgeStatusUpdate(status *instance.MesosStatus) error
	// KillTask asks the broker to kill a single task.
	KillTask(taskID string) error
	// Stop shuts the driver down. With failover the framework stays
	// registered so a new leader can take over.
	Stop(failover bool) error
}

// globalHandler is where the wire layer delivers status updates. The core
// registers its processor once at startup.
var globalHandler StatusHandler

// ServeCallbacks registers the handler that receives broker callbacks.
func ServeCallbacks(handler StatusHandler) {
	globalHandler = handler
}

// DeliverStatusUpdate hands one status update to the registered handler.
// Updates arriving before registration are dropped with no ack, which makes
// the broker resend them.
func DeliverStatusUpdate(status *instance.MesosStatus) {
	if globalHandler == nil {
		return
	}
	globalHandler.Process(status)
}
