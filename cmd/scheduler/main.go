package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/wu8685/marathon/internal/broker"
	"github.com/wu8685/marathon/internal/common"
	"github.com/wu8685/marathon/internal/common/util"
	"github.com/wu8685/marathon/internal/configuration"
	"github.com/wu8685/marathon/internal/deployment"
	"github.com/wu8685/marathon/internal/events"
	"github.com/wu8685/marathon/internal/health"
	"github.com/wu8685/marathon/internal/killer"
	"github.com/wu8685/marathon/internal/launchqueue"
	"github.com/wu8685/marathon/internal/repository"
	"github.com/wu8685/marathon/internal/scheduler"
	"github.com/wu8685/marathon/internal/state"
	"github.com/wu8685/marathon/internal/store"
	"github.com/wu8685/marathon/internal/tracker"
)

const CustomConfigLocation string = "config"

func init() {
	pflag.String(CustomConfigLocation, "", "Fully qualified path to application configuration file")
	pflag.Parse()
}

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()

	var config configuration.SchedulerConfig
	userSpecifiedConfig := viper.GetString(CustomConfigLocation)
	common.LoadConfig(&config, "./config/scheduler", userSpecifiedConfig)

	log.Info("Starting...")

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)

	shutdownMetricServer := common.ServeMetrics(config.MetricsPort)
	defer shutdownMetricServer()

	var kv store.KVStore
	if config.Store.InMemory {
		kv = store.NewInMemoryStore()
	} else {
		db := redis.NewClient(&redis.Options{
			Addr:     config.Store.Redis.Addr,
			Password: config.Store.Redis.Password,
			DB:       config.Store.Redis.DB,
		})
		defer db.Close()
		kv = store.NewRedisStore(db, config.Store.MaxVersions)
	}

	clock := &util.DefaultClock{}
	bus := events.NewBus()
	defer bus.Close()

	apps := repository.NewAppRepository(kv)
	groups := repository.NewGroupRepository(kv, apps)
	groups.SetPreStoreHook(func(ctx context.Context, group *state.Group) error {
		return state.ValidateGroup(group, config.GPUsAllowed)
	})
	plans := deployment.NewRepository(kv)

	instanceTracker, err := tracker.NewInstanceTracker()
	if err != nil {
		log.WithError(err).Fatal("could not create the instance tracker")
	}

	driver := broker.NewLoggingDriver()
	kills := killer.NewKillService(driver, instanceTracker, config.Scheduling.KillRetries)
	queue := launchqueue.NewInMemoryLaunchQueue(
		clock,
		config.LaunchQueue.InitialBackoff,
		config.LaunchQueue.MaxBackoff,
		config.LaunchQueue.BackoffFactor,
	)
	healthManager := health.NewManager(instanceTracker, kills, bus, clock)
	healthManager.SetDefaults(
		config.Health.DefaultGracePeriod,
		config.Health.DefaultInterval,
		config.Health.DefaultTimeout,
	)

	// The broker callback layer feeds task statuses through this processor;
	// wiring it here keeps the ack discipline in one place.
	statusProcessor := tracker.NewStatusUpdateProcessor(instanceTracker, driver, bus, clock)
	statusProcessor.SetHealthListener(healthManager)
	broker.ServeCallbacks(statusProcessor)

	actions := scheduler.NewActions(groups, apps, instanceTracker, queue, kills, healthManager, bus, driver)
	manager := deployment.NewManager(actions, instanceTracker, queue, kills, plans, bus)
	leader := scheduler.NewStandaloneLeaderController()
	actor := scheduler.NewSchedulerActor(
		actions, manager, plans, groups, apps, kills, healthManager,
		leader, bus, driver, config.Scheduling.CancellationTimeout,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go actor.Run(ctx)

	go runPeriodic(ctx, config.Scheduling.ScaleAppsInterval, actor.ScaleApps)
	go runPeriodic(ctx, config.Scheduling.ReconcileInterval, func() {
		if err := actor.ReconcileTasks(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("periodic reconciliation failed")
		}
	})

	<-stopSignal
	log.Info("Shutting down...")
	cancel()
	if err := manager.StopAllDeployments(); err != nil {
		log.WithError(err).Warn("deployments did not stop cleanly")
	}
	if err := driver.Stop(true); err != nil {
		log.WithError(err).Warn("driver did not stop cleanly")
	}
}

func runPeriodic(ctx context.Context, interval time.Duration, task func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task()
		}
	}
}
