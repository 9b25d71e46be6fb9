package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/crabzie/fog-fleet/internal/core/domain"
	"github.com/crabzie/fog-fleet/internal/core/port"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ProvisionerConfig holds the declared fleet shape and provisioning timing
type ProvisionerConfig struct {
	BaseImageURL        string
	BaseImage           string
	Resources           domain.Resources
	MasterIP            string
	Parallelism         int
	FailFast            bool
	AddressTimeout      time.Duration
	AddressPollInterval time.Duration
	SSHReadyTimeout     time.Duration
	SSHPollInterval     time.Duration
	InstallTimeout      time.Duration
	InstallCommands     []string
}

// Provisioner brings declared worker nodes from absent to running with a container engine
type Provisioner struct {
	hv       port.Hypervisor
	fetcher  port.ImageFetcher
	remote   port.RemoteShell
	repo     port.InventoryRepository
	recorder port.DeploymentRecorder
	cfg      ProvisionerConfig
	log      *zap.Logger

	// serialises inventory updates from concurrent node units
	mu sync.Mutex
}

// NewProvisioner wires the provisioner; recorder may be nil
func NewProvisioner(
	cfg ProvisionerConfig,
	hv port.Hypervisor,
	fetcher port.ImageFetcher,
	remote port.RemoteShell,
	repo port.InventoryRepository,
	recorder port.DeploymentRecorder,
	log *zap.Logger,
) *Provisioner {
	if cfg.SSHPollInterval <= 0 {
		cfg.SSHPollInterval = 5 * time.Second
	}
	if cfg.AddressPollInterval <= 0 {
		cfg.AddressPollInterval = 30 * time.Second
	}
	return &Provisioner{
		hv:       hv,
		fetcher:  fetcher,
		remote:   remote,
		repo:     repo,
		recorder: recorder,
		cfg:      cfg,
		log:      log,
	}
}

// EnsureBaseImage downloads the base image unless a file already exists at destPath.
// An existing file is trusted as is.
func (p *Provisioner) EnsureBaseImage(ctx context.Context, sourceURL, destPath string) error {
	if _, err := os.Stat(destPath); err == nil {
		p.log.Info("Base image present, skipping download", zap.String("path", destPath))
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: base image %s: %v", domain.ErrMissingPrerequisite, destPath, err)
	}

	p.log.Info("Downloading base image", zap.String("url", sourceURL), zap.String("path", destPath))
	if err := p.fetcher.Fetch(ctx, sourceURL, destPath); err != nil {
		return fmt.Errorf("%w: base image: %v", domain.ErrMissingPrerequisite, err)
	}
	return nil
}

// CreateNode allocates the node's overlay disk; an existing disk is kept
func (p *Provisioner) CreateNode(ctx context.Context, name string, res domain.Resources, baseImage string) (domain.Node, error) {
	node := domain.NewWorker(name, res)
	node.MarkProvisioning()

	exists, err := p.hv.DiskExists(ctx, name)
	if err != nil {
		return node, fmt.Errorf("check disk: %w", err)
	}
	if exists {
		p.log.Info("Disk already exists, skipping creation", zap.String("node", name), zap.String("path", p.hv.DiskPath(name)))
		return node, nil
	}
	if err := p.hv.CreateDisk(ctx, name, baseImage, res.Disk); err != nil {
		return node, err
	}
	p.log.Info("Disk created", zap.String("node", name), zap.String("path", p.hv.DiskPath(name)))
	return node, nil
}

// BootNode defines and starts the VM; a running VM is left alone and a stopped one is started
func (p *Provisioner) BootNode(ctx context.Context, node domain.Node) error {
	state, err := p.hv.DomainState(ctx, node.Name)
	if err != nil {
		return err
	}
	switch state {
	case port.DomainRunning:
		p.log.Info("VM already running", zap.String("node", node.Name))
		return nil
	case port.DomainStopped:
		p.log.Info("Starting defined VM", zap.String("node", node.Name))
		return p.hv.Start(ctx, node.Name)
	}

	p.log.Info("Defining VM",
		zap.String("node", node.Name),
		zap.Int("cpus", node.Resources.CPUs),
		zap.Int64("memory_mib", node.Resources.MemoryMiB()))
	return p.hv.DefineAndStart(ctx, port.VMSpec{
		Name:      node.Name,
		Resources: node.Resources,
		DiskPath:  p.hv.DiskPath(node.Name),
	})
}

// AwaitAddress polls the hypervisor for the node's leased address until timeout
func (p *Provisioner) AwaitAddress(ctx context.Context, node domain.Node, timeout time.Duration) (string, error) {
	var address string
	var lastErr error
	err := pollUntil(ctx, p.cfg.AddressPollInterval, timeout, func(ctx context.Context) (bool, error) {
		addr, err := p.hv.LeasedAddress(ctx, node.Name)
		if err != nil {
			lastErr = err
			p.log.Debug("Lease query failed", zap.String("node", node.Name), zap.Error(err))
			return false, nil
		}
		if addr == "" {
			p.log.Debug("Waiting for address", zap.String("node", node.Name))
			return false, nil
		}
		address = addr
		return true, nil
	})
	switch {
	case err == nil:
		return address, nil
	case errors.Is(err, errPollTimeout):
		reason := fmt.Errorf("no lease after %s", timeout)
		if lastErr != nil {
			reason = fmt.Errorf("no lease after %s: %w", timeout, lastErr)
		}
		return "", domain.NewNodeError(node.Name, domain.ErrAddressTimeout, reason)
	}
	return "", err
}

// InstallRuntime waits for SSH and runs the install commands, which must be idempotent
func (p *Provisioner) InstallRuntime(ctx context.Context, node domain.Node) error {
	var lastErr error
	err := pollUntil(ctx, p.cfg.SSHPollInterval, p.cfg.SSHReadyTimeout, func(ctx context.Context) (bool, error) {
		if _, err := p.remote.Run(ctx, node.Address, "true"); err != nil {
			lastErr = err
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return domain.NewNodeError(node.Name, domain.ErrTransport, fmt.Errorf("ssh not ready: %w", lastErr))
	}

	if p.cfg.InstallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.InstallTimeout)
		defer cancel()
	}
	for _, cmd := range p.cfg.InstallCommands {
		if _, err := p.remote.Run(ctx, node.Address, cmd); err != nil {
			return err
		}
	}
	p.log.Info("Container runtime installed", zap.String("node", node.Name))
	return nil
}

// provisionNode runs every step for one node and returns it in its final state
func (p *Provisioner) provisionNode(ctx context.Context, name string) (domain.Node, error) {
	node, err := p.CreateNode(ctx, name, p.cfg.Resources, p.cfg.BaseImage)
	if err != nil {
		return node, err
	}
	if err := p.BootNode(ctx, node); err != nil {
		return node, err
	}
	addr, err := p.AwaitAddress(ctx, node, p.cfg.AddressTimeout)
	if err != nil {
		return node, err
	}

	// install needs the address; keep the node provisioning until it succeeds
	installing := node
	installing.Address = addr
	if err := p.InstallRuntime(ctx, installing); err != nil {
		return node, err
	}
	node.MarkRunning(addr)
	return node, nil
}

// Provision brings worker1..count to Running. Every finished node is saved right
// away so an interrupted run leaves an inspectable inventory. Node failures are
// reported per node unless FailFast is set, in which case the first one aborts the run.
func (p *Provisioner) Provision(ctx context.Context, count int) (*domain.Report, error) {
	if count < 1 {
		return nil, fmt.Errorf("fleet size must be at least 1, got %d", count)
	}

	inv, err := p.repo.Load(ctx)
	if errors.Is(err, domain.ErrInventoryNotFound) {
		p.log.Info("No inventory yet, starting a new one")
		inv = domain.NewInventory()
	} else if err != nil {
		return nil, err
	}

	if err := p.resolveMasterIP(ctx, inv); err != nil {
		return nil, err
	}
	if err := p.EnsureBaseImage(ctx, p.cfg.BaseImageURL, p.cfg.BaseImage); err != nil {
		return nil, err
	}

	report := &domain.Report{ID: uuid.NewString(), Operation: "provision", StartedAt: time.Now()}
	names := make([]string, count)
	nodes := make([]domain.Node, count)
	for i := range nodes {
		names[i] = domain.WorkerName(i + 1)
		nodes[i] = domain.NewWorker(names[i], p.cfg.Resources)
		// reserve the declared position; units finish in any order
		if _, ok := inv.Get(names[i]); !ok {
			if err := inv.Upsert(nodes[i]); err != nil {
				return nil, err
			}
		}
	}

	var saveErr error
	runErr := forEachNode(ctx, nodes, p.cfg.Parallelism, p.cfg.FailFast,
		func(ctx context.Context, _ int, node domain.Node) error {
			start := time.Now()
			p.log.Info("Provisioning node", zap.String("node", node.Name))
			final, err := p.provisionNode(ctx, node.Name)

			p.mu.Lock()
			defer p.mu.Unlock()
			if err != nil {
				p.log.Error("Node provisioning failed", zap.String("node", node.Name), zap.Error(err))
				report.Add(domain.Failed(final, err, time.Since(start)))
			} else {
				p.log.Info("Node running", zap.String("node", node.Name), zap.String("address", final.Address))
				report.Add(domain.Succeeded(final, time.Since(start)))
			}
			if uerr := inv.Upsert(final); uerr != nil {
				return uerr
			}
			if serr := p.repo.Save(ctx, inv); serr != nil {
				saveErr = serr
				p.log.Error("Failed to save inventory", zap.Error(serr))
			}
			return err
		},
		func(_ int, node domain.Node, err error) {
			if errors.Is(err, errNotScheduled) {
				p.mu.Lock()
				report.Add(skippedOutcome(node, "run stopped before this node"))
				p.mu.Unlock()
			}
		})

	report.Sort(names)
	report.FinishedAt = time.Now()
	p.record(ctx, report)

	if saveErr != nil {
		return report, fmt.Errorf("save inventory: %w", saveErr)
	}
	if runErr != nil {
		return report, fmt.Errorf("provisioning aborted: %w", runErr)
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// resolveMasterIP fills the control node address from config or the VM network gateway
func (p *Provisioner) resolveMasterIP(ctx context.Context, inv *domain.Inventory) error {
	if p.cfg.MasterIP != "" {
		inv.MasterIP = p.cfg.MasterIP
		return nil
	}
	gw, err := p.hv.NetworkGateway(ctx)
	if err != nil {
		if inv.MasterIP != "" {
			p.log.Warn("Network gateway lookup failed, keeping stored master address",
				zap.String("master_ip", inv.MasterIP), zap.Error(err))
			return nil
		}
		return fmt.Errorf("%w: control node address: %v", domain.ErrMissingPrerequisite, err)
	}
	inv.MasterIP = gw
	return nil
}

// Teardown destroys a node's VM and disk and removes it from the inventory
func (p *Provisioner) Teardown(ctx context.Context, name string) error {
	inv, err := p.repo.Load(ctx)
	if err != nil {
		return err
	}
	if _, ok := inv.Get(name); !ok {
		p.log.Warn("Node not in inventory, removing hypervisor resources only", zap.String("node", name))
	}

	state, err := p.hv.DomainState(ctx, name)
	if err != nil {
		return err
	}
	if state != port.DomainAbsent {
		if err := p.hv.Destroy(ctx, name); err != nil {
			return err
		}
		if err := p.hv.Undefine(ctx, name); err != nil {
			return err
		}
	}
	if err := p.hv.DeleteDisk(ctx, name); err != nil {
		return err
	}

	if _, ok := inv.Get(name); ok {
		if err := inv.Remove(name); err != nil {
			return err
		}
		if err := p.repo.Save(ctx, inv); err != nil {
			return err
		}
	}
	p.log.Info("Node torn down", zap.String("node", name))
	return nil
}

func (p *Provisioner) record(ctx context.Context, report *domain.Report) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder.Record(context.WithoutCancel(ctx), report); err != nil {
		p.log.Warn("Failed to record report in history", zap.String("id", report.ID), zap.Error(err))
	}
}
