package scheduler

// LeadershipEvent signals a change of the process-wide leader flag.
type LeadershipEvent int

const (
	// ElectedAsLeader means this process now coordinates the cluster.
	ElectedAsLeader LeadershipEvent = iota
	// Standby means another process leads; all commands are buffered.
	Standby
)

// LeaderController is implemented by whatever election mechanism the
// process runs under. Only the scheduler actor observes it; every other
// component stays passive until activated.
type LeaderController interface {
	// Events emits one event per leadership change. The current state is
	// delivered on subscription.
	Events() <-chan LeadershipEvent
}

// StandaloneLeaderController is always leader. It serves single-node
// clusters and tests.
type StandaloneLeaderController struct {
	events chan LeadershipEvent
}

func NewStandaloneLeaderController() *StandaloneLeaderController {
	events := make(chan LeadershipEvent, 1)
	events <- ElectedAsLeader
	return &StandaloneLeaderController{events: events}
}

func (c *StandaloneLeaderController) Events() <-chan LeadershipEvent {
	return c.events
}
