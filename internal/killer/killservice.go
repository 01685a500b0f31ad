package killer

import (
	"github.com/avast/retry-go"
	log "github.com/sirupsen/logrus"

	"github.com/wu8685/marathon/internal/broker"
	"github.com/wu8685/marathon/internal/instance"
	"github.com/wu8685/marathon/internal/metrics"
)

// KillReason states why an instance is being killed. It is carried into logs
// and events.
type KillReason string

const (
	ScalingApp         KillReason = "ScalingApp"
	DeletingApp        KillReason = "DeletingApp"
	Orphaned           KillReason = "Orphaned"
	KillingTasksViaApi KillReason = "KillingTasksViaApi"
	FailedHealthChecks KillReason = "FailedHealthChecks"
	Overcapacity       KillReason = "Overcapacity"
)

// KillService issues broker kills. Kills carry no wall-clock timeout: each
// task kill is retried against the driver up to the configured number of
// attempts, and the error is returned when none of them succeeds.
type KillService interface {
	KillInstances(instances []*instance.Instance, reason KillReason) error
	KillInstance(i *instance.Instance, reason KillReason) error
	KillTask(taskID string, reason KillReason) error
}

// Expunger is the tracker surface the kill service needs to drop instances
// that were never handed to the broker.
type Expunger interface {
	Process(op instance.UpdateOperation) instance.UpdateEffect
}

type killService struct {
	driver   broker.Driver
	expunger Expunger
	retries  int
}

func NewKillService(driver broker.Driver, expunger Expunger, retries int) KillService {
	return &killService{driver: driver, expunger: expunger, retries: retries}
}

func (s *killService) KillInstances(instances []*instance.Instance, reason KillReason) error {
	for _, i := range instances {
		if err := s.KillInstance(i, reason); err != nil {
			return err
		}
	}
	return nil
}

func (s *killService) KillInstance(i *instance.Instance, reason KillReason) error {
	metrics.KillsIssued.WithLabelValues(string(reason)).Inc()
	if !i.IsLaunched() {
		// Nothing at the broker yet, remove it directly.
		log.Infof("expunging unlaunched instance %s, reason: %s", i.ID, reason)
		effect := s.expunger.Process(instance.ForceExpunge{ID: i.ID})
		if failure, ok := effect.(instance.EffectFailure); ok {
			return failure.Cause
		}
		return nil
	}
	log.Infof("killing instance %s, reason: %s", i.ID, reason)
	for _, task := range i.Tasks {
		if err := s.KillTask(task.ID.String(), reason); err != nil {
			return err
		}
	}
	return nil
}

func (s *killService) KillTask(taskID string, reason KillReason) error {
	return retry.Do(
		func() error {
			return s.driver.KillTask(taskID)
		},
		retry.Attempts(uint(s.retries)),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("kill of task %s failed, attempt %d", taskID, n+1)
		}),
	)
}
