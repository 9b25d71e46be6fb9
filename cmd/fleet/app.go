package main

import (
	"context"
	"fmt"
	"io"

	postgresConfig "github.com/crabzie/fog-fleet/config/storage/postgresql"
	redisConfig "github.com/crabzie/fog-fleet/config/storage/redis"
	config "github.com/crabzie/fog-fleet/config/utils"
	"github.com/crabzie/fog-fleet/internal/adapter/container/compose"
	"github.com/crabzie/fog-fleet/internal/adapter/container/docker"
	"github.com/crabzie/fog-fleet/internal/adapter/hypervisor/libvirt"
	"github.com/crabzie/fog-fleet/internal/adapter/image"
	managementAPI "github.com/crabzie/fog-fleet/internal/adapter/monitoring/rabbitmq"
	"github.com/crabzie/fog-fleet/internal/adapter/netprobe"
	amqpInspector "github.com/crabzie/fog-fleet/internal/adapter/queue/rabbitmq"
	"github.com/crabzie/fog-fleet/internal/adapter/remote/ssh"
	"github.com/crabzie/fog-fleet/internal/adapter/shell"
	"github.com/crabzie/fog-fleet/internal/adapter/storage/inventory"
	"github.com/crabzie/fog-fleet/internal/adapter/storage/postgres"
	redisAdapter "github.com/crabzie/fog-fleet/internal/adapter/storage/redis"
	"github.com/crabzie/fog-fleet/internal/core/domain"
	"github.com/crabzie/fog-fleet/internal/core/port"
	"github.com/crabzie/fog-fleet/internal/core/service"
	"go.uber.org/zap"
)

// app builds adapters on demand and closes whatever it opened
type app struct {
	cfg    *config.AppConfig
	log    *zap.Logger
	strict bool
	out    io.Writer

	runner  shell.Runner
	shell   port.RemoteShell
	db      *postgresConfig.DB
	dbErr   error
	closers []func() error
}

func newApp(cfg *config.AppConfig, log *zap.Logger, strict bool, out io.Writer) *app {
	return &app{cfg: cfg, log: log, strict: strict, out: out}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Debug("Close failed", zap.Error(err))
		}
	}
}

func (a *app) onClose(v any) {
	if c, ok := v.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
}

func (a *app) inventory() port.InventoryRepository {
	return inventory.NewFileStore(a.cfg.Inventory.Path, a.log.Named("inventory"))
}

func (a *app) localRunner() shell.Runner {
	if a.runner == nil {
		a.runner = shell.NewExecRunner(a.log.Named("exec"))
	}
	return a.runner
}

func (a *app) remote() (port.RemoteShell, error) {
	if a.shell != nil {
		return a.shell, nil
	}
	remote, err := ssh.New(a.cfg.SSH, a.localRunner(), a.log.Named("ssh"))
	if err != nil {
		return nil, err
	}
	a.shell = remote
	return remote, nil
}

func (a *app) hypervisor() port.Hypervisor {
	return libvirt.New(a.cfg.Fleet, a.localRunner(), a.log.Named("libvirt"))
}

// database connects and migrates the history store once; the error is kept so
// callers after the first see the same outcome.
func (a *app) database(ctx context.Context) (*postgresConfig.DB, error) {
	if a.db != nil || a.dbErr != nil {
		return a.db, a.dbErr
	}
	if !a.cfg.DB.Enabled {
		a.dbErr = fmt.Errorf("%w: history database disabled (db.enabled)", domain.ErrMissingPrerequisite)
		return nil, a.dbErr
	}

	db, err := postgresConfig.New(ctx, a.cfg.DB, a.log.Named("DB"))
	if err != nil {
		a.dbErr = fmt.Errorf("%w: connect history database: %v", domain.ErrExternalServiceUnavailable, err)
		return nil, a.dbErr
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		a.dbErr = fmt.Errorf("migrate history database: %w", err)
		return nil, a.dbErr
	}
	zap.L().Debug("Successfully connected to the database", zap.String("db", a.cfg.DB.Connection))

	a.db = db
	a.closers = append(a.closers, func() error { db.Close(); return nil })
	return db, nil
}

// recorder returns the deployment history store, or nil when it is disabled or down.
// Reports are still printed without it.
func (a *app) recorder(ctx context.Context) port.DeploymentRecorder {
	if !a.cfg.DB.Enabled {
		return nil
	}
	db, err := a.database(ctx)
	if err != nil {
		a.log.Warn("Deployment history unavailable", zap.Error(err))
		return nil
	}
	return postgres.NewDeploymentRepository(db.Pool, db.QueryBuilder, a.log.Named("history"))
}

func (a *app) provisioner(ctx context.Context, remote port.RemoteShell) (*service.Provisioner, error) {
	res, err := domain.ParseResources(a.cfg.Fleet.CPUs, a.cfg.Fleet.Memory, a.cfg.Fleet.Disk)
	if err != nil {
		return nil, err
	}
	p := a.cfg.Provision
	cfg := service.ProvisionerConfig{
		BaseImageURL:        a.cfg.Fleet.BaseImageURL,
		BaseImage:           a.cfg.Fleet.BaseImage,
		Resources:           res,
		MasterIP:            a.cfg.Fleet.MasterIP,
		Parallelism:         p.Parallelism,
		FailFast:            p.FailFast,
		AddressTimeout:      p.AddressTimeout,
		AddressPollInterval: p.AddressPollInterval,
		SSHReadyTimeout:     p.SSHReadyTimeout,
		InstallTimeout:      p.InstallTimeout,
		InstallCommands:     p.InstallCommands,
	}
	fetcher := image.NewHTTPFetcher(p.DownloadTimeout, a.log.Named("image"))
	return service.NewProvisioner(cfg, a.hypervisor(), fetcher, remote, a.inventory(), a.recorder(ctx), a.log.Named("provision")), nil
}

// containerProbe prefers the engine API when nodes expose it and falls back to
// docker ps over SSH.
func (a *app) containerProbe(remote port.RemoteShell) port.ContainerProbe {
	if a.cfg.Monitor.DockerAPIPort > 0 {
		probe := docker.NewEngineProbe(a.cfg.Monitor.DockerAPIPort, a.log.Named("docker"))
		a.onClose(probe)
		return probe
	}
	return compose.NewShellProbe(remote)
}

func (a *app) deployer(ctx context.Context, remote port.RemoteShell) *service.Deployer {
	d := a.cfg.Deploy
	cfg := service.DeployerConfig{
		Parallelism:   d.Parallelism,
		SyncTimeout:   d.SyncTimeout,
		SettleDelay:   d.SettleDelay,
		StatusTimeout: a.cfg.Monitor.StatusTimeout,
	}
	workload := compose.NewWorkload(remote, d.BuildTimeout, a.log.Named("compose"))
	return service.NewDeployer(cfg, a.inventory(), remote, workload, a.containerProbe(remote), a.recorder(ctx), a.log.Named("deploy"))
}

func (a *app) queueInspector() port.QueueInspector {
	if a.cfg.Broker.Mode == "amqp" {
		q := amqpInspector.NewQueueInspector(a.cfg.Broker, a.cfg.Monitor.QueueTimeout, a.log.Named("amqp"))
		a.onClose(q)
		return q
	}
	return managementAPI.NewManagementClient(a.cfg.Broker, a.cfg.Monitor.QueueTimeout, a.log.Named("management"))
}

// services returns the control node checks that are enabled in config
func (a *app) services(ctx context.Context) []port.ServiceChecker {
	var checks []port.ServiceChecker
	if a.cfg.Redis.Enabled {
		cache := redisConfig.New(a.cfg.Redis)
		a.onClose(cache)
		checks = append(checks, redisAdapter.NewCacheChecker(cache.Client, a.log.Named("cache")))
	}
	if a.cfg.DB.Enabled {
		if db, err := a.database(ctx); err == nil {
			checks = append(checks, postgres.NewDatabaseChecker(db.Pool, a.log.Named("DB")))
		} else {
			a.log.Warn("Database check disabled", zap.Error(err))
		}
	}
	return checks
}

func (a *app) monitor(ctx context.Context) (*service.Monitor, error) {
	var remote port.RemoteShell
	if a.cfg.Monitor.DockerAPIPort == 0 {
		var err error
		if remote, err = a.remote(); err != nil {
			return nil, err
		}
	}
	m := a.cfg.Monitor
	cfg := service.MonitorConfig{
		Interval:      m.Interval,
		ReachTimeout:  m.ReachTimeout,
		StatusTimeout: m.StatusTimeout,
		QueueTimeout:  m.QueueTimeout,
		QueueName:     a.cfg.Broker.Queue,
		ContainerName: a.cfg.Deploy.ContainerName,
	}
	prober := netprobe.NewTCPProber(m.ProbePort, m.ReachTimeout, a.log.Named("probe"))
	return service.NewMonitor(cfg, a.inventory(), prober, a.containerProbe(remote), a.queueInspector(), a.services(ctx), a.log.Named("monitor")), nil
}
