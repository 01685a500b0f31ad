package configuration

import (
	"time"
)

type SchedulerConfig struct {
	Store       StoreConfig
	Scheduling  SchedulingConfig
	LaunchQueue LaunchQueueConfig
	Health      HealthConfig
	MetricsPort uint16
	GPUsAllowed bool
}

type StoreConfig struct {
	// InMemory switches the persistent store to the in-process
	// implementation, for tests and local runs.
	InMemory    bool
	Redis       RedisConfig
	MaxVersions int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type SchedulingConfig struct {
	// ScaleAppsInterval is how often every known app is checked against its
	// target instance count.
	ScaleAppsInterval time.Duration
	// ReconcileInterval is how often broker-side task reconciliation runs.
	ReconcileInterval time.Duration
	// CancellationTimeout bounds how long a forced deployment waits for
	// conflicting deployments to cancel.
	CancellationTimeout time.Duration
	// KillRetries bounds kill attempts per task within one kill request;
	// when every attempt fails, the request returns the error.
	KillRetries int
}

type LaunchQueueConfig struct {
	// InitialBackoff delays relaunch after a failure.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

type HealthConfig struct {
	// DefaultGracePeriod applies when a health check declares none.
	DefaultGracePeriod time.Duration
	DefaultInterval    time.Duration
	DefaultTimeout     time.Duration
}
