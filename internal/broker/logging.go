package broker

import (
	log "github.com/sirupsen/logrus"

	"github.com/wu8685/marathon/internal/instance"
)

// LoggingDriver stands in when no broker connection is configured: every
// call is logged and succeeds. Useful for local runs and tests.
type LoggingDriver struct{}

func NewLoggingDriver() *LoggingDriver {
	return &LoggingDriver{}
}

func (d *LoggingDriver) ReconcileTasks(statuses []*instance.MesosStatus) error {
	log.Infof("driver: reconcile %d task statuses", len(statuses))
	return nil
}

func (d *LoggingDriver) AcknowledgeStatusUpdate(status *instance.MesosStatus) error {
	log.Debugf("driver: ack status for task %s", status.TaskID)
	return nil
}

func (d *LoggingDriver) KillTask(taskID string) error {
	log.Infof("driver: kill task %s", taskID)
	return nil
}

func (d *LoggingDriver) Stop(failover bool) error {
	log.Infof("driver: stop, failover=%v", failover)
	return nil
}
