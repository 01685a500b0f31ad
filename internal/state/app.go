package state

import (
	"reflect"
	"time"
)

// Resources are the per-instance resource demands of a run spec.
type Resources struct {
	CPUs float64 `json:"cpus"`
	Mem  float64 `json:"mem"`
	Disk float64 `json:"disk"`
	GPUs int     `json:"gpus"`
}

type PortDefinition struct {
	Port     int               `json:"port"`
	Name     string            `json:"name,omitempty"`
	Protocol string            `json:"protocol,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// IPAddress requests a per-instance IP instead of host port mappings.
// An app declares either this or port definitions, never both.
type IPAddress struct {
	NetworkName string            `json:"networkName,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

type HealthCheckProtocol string

const (
	HealthCheckHTTP    HealthCheckProtocol = "HTTP"
	HealthCheckTCP     HealthCheckProtocol = "TCP"
	HealthCheckCommand HealthCheckProtocol = "COMMAND"
)

type HealthCheck struct {
	Protocol               HealthCheckProtocol `json:"protocol"`
	Path                   string              `json:"path,omitempty"`
	PortIndex              int                 `json:"portIndex"`
	GracePeriod            time.Duration       `json:"gracePeriod"`
	Interval               time.Duration       `json:"interval"`
	Timeout                time.Duration       `json:"timeout"`
	MaxConsecutiveFailures int                 `json:"maxConsecutiveFailures"`
}

// UpgradeStrategy bounds how far a deployment may deviate from the target
// instance count while replacing instances.
type UpgradeStrategy struct {
	MinimumHealthCapacity float64 `json:"minimumHealthCapacity"`
	MaximumOverCapacity   float64 `json:"maximumOverCapacity"`
}

type PersistentVolume struct {
	ContainerPath string `json:"containerPath"`
	SizeMB        int    `json:"sizeMB"`
}

// Residency pins instances of a run spec to their agent via reservations.
// Set exactly when the spec declares persistent volumes.
type Residency struct {
	RelaunchEscalationTimeout time.Duration `json:"relaunchEscalationTimeout"`
}

type Secret struct {
	Source string `json:"source"`
}

// AppDefinition is a run spec: the declarative description of a long-running
// process group.
type AppDefinition struct {
	ID                PathId             `json:"id"`
	Cmd               string             `json:"cmd,omitempty"`
	Args              []string           `json:"args,omitempty"`
	Resources         Resources          `json:"resources"`
	Instances         int                `json:"instances"`
	PortDefinitions   []PortDefinition   `json:"portDefinitions,omitempty"`
	IPAddress         *IPAddress         `json:"ipAddress,omitempty"`
	HealthChecks      []HealthCheck      `json:"healthChecks,omitempty"`
	UpgradeStrategy   UpgradeStrategy    `json:"upgradeStrategy"`
	Dependencies      []PathId           `json:"dependencies,omitempty"`
	PersistentVolumes []PersistentVolume `json:"persistentVolumes,omitempty"`
	Residency         *Residency         `json:"residency,omitempty"`
	Secrets           map[string]Secret  `json:"secrets,omitempty"`
	SingleInstance    bool               `json:"singleInstance,omitempty"`
	VersionInfo       VersionInfo        `json:"versionInfo"`
}

func (app *AppDefinition) Version() Timestamp {
	return app.VersionInfo.Version
}

func (app *AppDefinition) IsResident() bool {
	return app.Residency != nil
}

// NeedsRestart reports whether the change from app to other is a config
// change, i.e. anything beyond the instance count and version stamps.
func (app *AppDefinition) NeedsRestart(other *AppDefinition) bool {
	a := *app
	b := *other
	a.Instances = 0
	b.Instances = 0
	a.VersionInfo = VersionInfo{}
	b.VersionInfo = VersionInfo{}
	return !appConfigEqual(&a, &b)
}

// IsScaleOnlyChange reports whether other differs from app solely in instance
// count.
func (app *AppDefinition) IsScaleOnlyChange(other *AppDefinition) bool {
	return !app.NeedsRestart(other) && app.Instances != other.Instances
}

// WithVersionFrom carries the version bookkeeping forward: a pure scale
// change keeps lastConfigChangeAt, a config change resets everything.
func (app *AppDefinition) WithVersionFrom(prior *AppDefinition, version Timestamp) *AppDefinition {
	updated := *app
	if prior != nil && !prior.NeedsRestart(app) {
		updated.VersionInfo = prior.VersionInfo.WithScaleChange(version)
	} else {
		updated.VersionInfo = NewVersionInfo(version)
	}
	return &updated
}

func appConfigEqual(a, b *AppDefinition) bool {
	return reflect.DeepEqual(a, b)
}
