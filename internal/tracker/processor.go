package tracker

import (
	log "github.com/sirupsen/logrus"

	"github.com/wu8685/marathon/internal/broker"
	"github.com/wu8685/marathon/internal/common/util"
	"github.com/wu8685/marathon/internal/events"
	"github.com/wu8685/marathon/internal/instance"
	"github.com/wu8685/marathon/internal/state"
)

// HealthListener receives the health flag carried on task statuses, for
// agent-executed command checks.
type HealthListener interface {
	Update(status *instance.MesosStatus, version state.Timestamp)
}

// StatusUpdateProcessor routes broker task status updates into the tracker
// and acknowledges every one of them, whether or not it changed state.
type StatusUpdateProcessor struct {
	tracker *InstanceTracker
	driver  broker.Driver
	bus     *events.Bus
	clock   util.Clock
	health  HealthListener
}

func NewStatusUpdateProcessor(tracker *InstanceTracker, driver broker.Driver, bus *events.Bus, clock util.Clock) *StatusUpdateProcessor {
	return &StatusUpdateProcessor{
		tracker: tracker,
		driver:  driver,
		bus:     bus,
		clock:   clock,
	}
}

// SetHealthListener forwards status-carried health flags to the listener.
func (p *StatusUpdateProcessor) SetHealthListener(health HealthListener) {
	p.health = health
}

// Process applies one status update. Refused transitions are logged and
// acknowledged without a state change; the broker may reissue updates at any
// time and the tracker is idempotent across them.
func (p *StatusUpdateProcessor) Process(status *instance.MesosStatus) {
	defer func() {
		if err := p.driver.AcknowledgeStatusUpdate(status); err != nil {
			log.WithError(err).Warnf("could not acknowledge status update for task %s", status.TaskID)
		}
	}()

	taskID, err := instance.ParseTaskID(status.TaskID)
	if err != nil {
		log.WithError(err).Warnf("ignoring status update with malformed task id %q", status.TaskID)
		return
	}

	effect := p.tracker.Process(instance.MesosUpdate{
		ID:     taskID.InstanceID,
		Status: status,
		Now:    state.NewTimestamp(p.clock.Now()),
	})
	if p.health != nil && status.Healthy != nil {
		if updated, ok := effect.(instance.EffectUpdate); ok {
			p.health.Update(status, updated.New.RunSpecVersion())
		}
	}
	p.PublishEffect(effect)
}

// PublishEffect emits InstanceChanged for every effect that altered state.
func (p *StatusUpdateProcessor) PublishEffect(effect instance.UpdateEffect) {
	switch effect := effect.(type) {
	case instance.EffectUpdate:
		p.bus.Publish(events.InstanceChanged{
			ID:        effect.New.ID,
			Condition: effect.New.State.Condition,
			RunSpecID: effect.New.RunSpecID(),
			Version:   effect.New.RunSpecVersion(),
		})
	case instance.EffectExpunge:
		p.bus.Publish(events.InstanceChanged{
			ID:        effect.Instance.ID,
			Condition: effect.Instance.State.Condition,
			RunSpecID: effect.Instance.RunSpecID(),
			Version:   effect.Instance.RunSpecVersion(),
		})
	case instance.EffectFailure:
		log.WithError(effect.Cause).Warn("instance update refused")
	}
}
