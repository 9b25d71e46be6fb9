package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/crabzie/fog-fleet/internal/core/domain"
	"github.com/crabzie/fog-fleet/internal/core/port"
	"go.uber.org/zap"
)

// MonitorConfig holds the polling interval and the per probe bounds
type MonitorConfig struct {
	Interval      time.Duration
	ReachTimeout  time.Duration
	StatusTimeout time.Duration
	// QueueTimeout bounds the broker query and each service check
	QueueTimeout  time.Duration
	QueueName     string
	ContainerName string
}

// Monitor polls every inventory node, the broker queue and the control node
// services concurrently once per interval.
type Monitor struct {
	repo     port.InventoryRepository
	prober   port.Prober
	probe    port.ContainerProbe
	queue    port.QueueInspector
	services []port.ServiceChecker
	cfg      MonitorConfig
	log      *zap.Logger

	// last successfully loaded inventory, reused when a reload fails
	inv *domain.Inventory
}

// NewMonitor wires the monitor; queue may be nil and services empty
func NewMonitor(
	cfg MonitorConfig,
	repo port.InventoryRepository,
	prober port.Prober,
	probe port.ContainerProbe,
	queue port.QueueInspector,
	services []port.ServiceChecker,
	log *zap.Logger,
) *Monitor {
	return &Monitor{
		repo:     repo,
		prober:   prober,
		probe:    probe,
		queue:    queue,
		services: services,
		cfg:      cfg,
		log:      log,
	}
}

// bounded runs fn under a timeout and gives up waiting when it expires, even if
// fn ignores its context.
func bounded[T any](ctx context.Context, timeout time.Duration, fallback T, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return fallback, ctx.Err()
	}
}

// probeContainer asks for the container status within timeout; any failure is Unknown
func probeContainer(ctx context.Context, probe port.ContainerProbe, address, container string, timeout time.Duration) (domain.ContainerStatus, error) {
	unknown := domain.ContainerStatus{State: domain.ContainerUnknown}
	status, err := bounded(ctx, timeout, unknown, func(ctx context.Context) (domain.ContainerStatus, error) {
		return probe.Status(ctx, address, container)
	})
	if err != nil {
		return unknown, err
	}
	return status, nil
}

// sampleNode classifies one node: Offline when the reachability probe fails or
// times out, otherwise Online with the container status (Unknown on timeout).
func (m *Monitor) sampleNode(ctx context.Context, node domain.Node) (sample domain.HealthSample) {
	sample = domain.HealthSample{
		Node:         node.Name,
		Address:      node.Address,
		Reachability: domain.ReachabilityUnknown,
		Container:    domain.ContainerStatus{State: domain.ContainerUnknown},
	}
	defer func() { sample.At = time.Now() }()

	if node.Address == "" {
		sample.Reachability = domain.ReachabilityOffline
		return sample
	}

	reachable, _ := bounded(ctx, m.cfg.ReachTimeout, false, func(ctx context.Context) (bool, error) {
		return m.prober.Reachable(ctx, node.Address), nil
	})
	if !reachable {
		sample.Reachability = domain.ReachabilityOffline
		return sample
	}
	sample.Reachability = domain.ReachabilityOnline

	status, err := probeContainer(ctx, m.probe, node.Address, m.cfg.ContainerName, m.cfg.StatusTimeout)
	if err != nil {
		m.log.Debug("Container probe failed", zap.String("node", node.Name), zap.Error(err))
	}
	sample.Container = status
	return sample
}

func (m *Monitor) inventory(ctx context.Context) *domain.Inventory {
	inv, err := m.repo.Load(ctx)
	if err != nil {
		if m.inv == nil {
			m.log.Warn("Inventory unavailable", zap.Error(err))
			return domain.NewInventory()
		}
		m.log.Warn("Inventory reload failed, using previous one", zap.Error(err))
		return m.inv
	}
	m.inv = inv
	return inv
}

// Cycle runs one round of probes and returns whatever arrived within the bounds
func (m *Monitor) Cycle(ctx context.Context) domain.FleetView {
	start := time.Now()
	nodes := m.inventory(ctx).All()

	view := domain.FleetView{
		Samples:  make([]domain.HealthSample, len(nodes)),
		Services: make([]domain.ServiceStatus, len(m.services)),
	}
	view.Queue.Queue = m.cfg.QueueName

	var wg sync.WaitGroup
	for i, node := range nodes {
		i, node := i, node
		wg.Add(1)
		go func() {
			defer wg.Done()
			view.Samples[i] = m.sampleNode(ctx, node)
		}()
	}

	if m.queue != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := bounded(ctx, m.cfg.QueueTimeout, domain.QueueSnapshot{}, m.queue.Inspect)
			if err != nil {
				if snap.Err == nil {
					snap.Err = err
				}
				m.log.Debug("Queue snapshot unavailable", zap.Error(err))
			}
			if snap.Queue == "" {
				snap.Queue = m.cfg.QueueName
			}
			view.Queue = snap
		}()
	}

	for i, svc := range m.services {
		i, svc := i, svc
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := domain.ServiceStatus{Name: svc.Name(), Healthy: true}
			_, err := bounded(ctx, m.cfg.QueueTimeout, struct{}{}, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, svc.Check(ctx)
			})
			if err != nil {
				status.Healthy = false
				status.Detail = err.Error()
				if errors.Is(err, context.DeadlineExceeded) {
					status.Detail = "timeout"
				}
			}
			view.Services[i] = status
		}()
	}

	wg.Wait()
	view.At = time.Now()
	view.Took = time.Since(start)
	return view
}

// Run renders a fresh view every interval until ctx is cancelled. Probe failures
// only show up in the view; they never stop the loop.
func (m *Monitor) Run(ctx context.Context, render func(domain.FleetView)) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	count := 0
	for {
		view := m.Cycle(ctx)
		if ctx.Err() != nil {
			m.log.Info("Stopping monitor loop")
			return nil
		}
		render(view)

		count++
		if count%12 == 0 {
			m.log.Debug("Monitor heartbeat",
				zap.Int("cycles", count),
				zap.Int("nodes", len(view.Samples)),
				zap.Duration("interval", m.cfg.Interval))
		}

		select {
		case <-ctx.Done():
			m.log.Info("Stopping monitor loop")
			return nil
		case <-ticker.C:
		}
	}
}
