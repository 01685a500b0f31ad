package scheduler

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// AppLockedError rejects a command that needs apps already locked by other
// deployments or commands. ConflictIDs names the lock holders: deployment
// plan ids, or "scale" / "kill" for a running scale or kill command.
type AppLockedError struct {
	ConflictIDs []string
}

func (e *AppLockedError) Error() string {
	return fmt.Sprintf("app is locked by deployments [%s]", strings.Join(e.ConflictIDs, ", "))
}

// ErrCancellationTimeout is returned when a forced deployment gave up
// waiting for conflicting deployments to cancel.
var ErrCancellationTimeout = errors.New("conflicting deployments did not cancel in time")

// ErrStopped is returned for commands still queued when the actor shuts
// down for good, and to a forced deployment still waiting for cancellations
// when the actor goes to standby.
var ErrStopped = errors.New("scheduler is shut down")
