package state

import (
	"fmt"
)

// ValidationError reports a run spec or group that violates a business rule.
// It is returned to the caller and never starts a deployment.
type ValidationError struct {
	ID   PathId
	Rule string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation of %s failed: %s", e.ID, e.Rule)
}

func validationError(id PathId, format string, args ...interface{}) error {
	return &ValidationError{ID: id, Rule: fmt.Sprintf(format, args...)}
}

// ValidateApp checks the standalone invariants of a run spec.
func ValidateApp(app *AppDefinition, gpusAllowed bool) error {
	if app.Instances < 0 {
		return validationError(app.ID, "instance count must not be negative")
	}
	if app.IPAddress != nil && len(app.PortDefinitions) > 0 {
		return validationError(app.ID, "ipAddress and portDefinitions are mutually exclusive")
	}
	if app.IsResident() != (len(app.PersistentVolumes) > 0) {
		return validationError(app.ID, "residency must be set exactly when persistent volumes are declared")
	}
	if app.SingleInstance && app.Instances > 1 {
		return validationError(app.ID, "single-instance app may not have more than one instance")
	}
	if app.Resources.GPUs > 0 && !gpusAllowed {
		return validationError(app.ID, "gpu resources are disabled")
	}
	for _, check := range app.HealthChecks {
		if check.Protocol != HealthCheckCommand && len(app.PortDefinitions) <= check.PortIndex {
			return validationError(app.ID, "health check references port index %d but only %d ports are defined",
				check.PortIndex, len(app.PortDefinitions))
		}
	}
	return nil
}

// ValidateAppUpdate checks the rules that constrain updates to an existing
// run spec: resident specs keep their resources and volumes.
func ValidateAppUpdate(prior, updated *AppDefinition) error {
	if prior == nil || !prior.IsResident() {
		return nil
	}
	if prior.Resources != updated.Resources {
		return validationError(updated.ID, "resident run spec may not change resources")
	}
	if len(prior.PersistentVolumes) != len(updated.PersistentVolumes) {
		return validationError(updated.ID, "resident run spec may not change persistent volumes")
	}
	for i, volume := range prior.PersistentVolumes {
		if updated.PersistentVolumes[i] != volume {
			return validationError(updated.ID, "resident run spec may not change persistent volumes")
		}
	}
	return nil
}

// ValidateGroup checks the structural invariants of a group tree.
func ValidateGroup(group *Group, gpusAllowed bool) error {
	for id, app := range group.TransitiveApps() {
		if !id.IsDescendantOf(group.ID) {
			return validationError(id, "app is not below its group %s", group.ID)
		}
		if app.ID != id {
			return validationError(id, "app id %s does not match its key", app.ID)
		}
		if err := ValidateApp(app, gpusAllowed); err != nil {
			return err
		}
	}
	for id := range group.TransitiveGroups() {
		if !id.IsDescendantOf(group.ID) {
			return validationError(id, "group is not below its parent %s", group.ID)
		}
	}
	if group.HasCyclicDependencies() {
		return validationError(group.ID, "dependency graph has cycles")
	}
	return nil
}
