package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/crabzie/fog-fleet/internal/core/domain"
	"github.com/crabzie/fog-fleet/internal/core/port"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeployerConfig holds deployment timing
type DeployerConfig struct {
	Parallelism   int
	SyncTimeout   time.Duration
	SettleDelay   time.Duration
	StatusTimeout time.Duration
}

// Deployer pushes a bundle to every running node and restarts its workload
type Deployer struct {
	repo     port.InventoryRepository
	remote   port.RemoteShell
	workload port.Workload
	probe    port.ContainerProbe
	recorder port.DeploymentRecorder
	cfg      DeployerConfig
	log      *zap.Logger
}

// NewDeployer wires the deployer; recorder may be nil
func NewDeployer(
	cfg DeployerConfig,
	repo port.InventoryRepository,
	remote port.RemoteShell,
	workload port.Workload,
	probe port.ContainerProbe,
	recorder port.DeploymentRecorder,
	log *zap.Logger,
) *Deployer {
	return &Deployer{
		repo:     repo,
		remote:   remote,
		workload: workload,
		probe:    probe,
		recorder: recorder,
		cfg:      cfg,
		log:      log,
	}
}

// NewVersion returns a fresh bundle version identifier
func NewVersion() string {
	return uuid.NewString()
}

// SyncCode mirrors the code tree and the asset directories onto the node
func (d *Deployer) SyncCode(ctx context.Context, node domain.Node, b *domain.Bundle) error {
	if d.cfg.SyncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.SyncTimeout)
		defer cancel()
	}

	// rsync --delete must not remove what is synced or generated separately
	excludes := append([]string{}, b.Excludes...)
	for _, dir := range b.AssetDirs {
		excludes = append(excludes, "/"+path.Base(strings.TrimSuffix(dir, "/")))
	}
	for _, f := range b.Generated {
		excludes = append(excludes, "/"+f)
	}

	if err := d.remote.Sync(ctx, node.Address, b.SourceDir, b.RemoteDir, excludes); err != nil {
		return err
	}
	for _, dir := range b.AssetDirs {
		dest := path.Join(b.RemoteDir, path.Base(strings.TrimSuffix(dir, "/")))
		if err := d.remote.Sync(ctx, node.Address, dir, dest, b.Excludes); err != nil {
			return err
		}
	}
	return nil
}

// RenderEnv expands ${MASTER_IP}, ${NODE_NAME} and ${NODE_INDEX} in the bundle
// environment and points every endpoint key at the control node.
func RenderEnv(b *domain.Bundle, masterIP string, node domain.Node, index int) []byte {
	vars := map[string]string{
		"MASTER_IP":  masterIP,
		"NODE_NAME":  node.Name,
		"NODE_INDEX": strconv.Itoa(index),
	}
	expand := func(key string) string {
		if v, ok := vars[key]; ok {
			return v
		}
		return "${" + key + "}"
	}

	endpoints := make(map[string]bool, len(b.EndpointKeys))
	for _, k := range b.EndpointKeys {
		endpoints[k] = true
	}

	var sb strings.Builder
	seen := make(map[string]bool, len(b.Env))
	for _, kv := range b.Env {
		value := os.Expand(kv.Value, expand)
		if endpoints[kv.Key] {
			value = masterIP
		}
		seen[kv.Key] = true
		fmt.Fprintf(&sb, "%s=%s\n", kv.Key, value)
	}
	for _, k := range b.EndpointKeys {
		if !seen[k] {
			fmt.Fprintf(&sb, "%s=%s\n", k, masterIP)
		}
	}
	return []byte(sb.String())
}

// WriteConfig replaces the node's environment file with a freshly rendered one
func (d *Deployer) WriteConfig(ctx context.Context, node domain.Node, b *domain.Bundle, masterIP string, index int) error {
	data := RenderEnv(b, masterIP, node, index)
	return d.remote.WriteFile(ctx, node.Address, path.Join(b.RemoteDir, b.EnvFile), data, 0o600)
}

// writeCredential copies the node's credential file from the pool
func (d *Deployer) writeCredential(ctx context.Context, node domain.Node, b *domain.Bundle, index int) error {
	src := SelectCredential(index, b.CredentialPool, b.DefaultCredential, d.log)
	if src == "" {
		d.log.Warn("No credential file configured, skipping", zap.String("node", node.Name))
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("%w: read credential: %v", domain.ErrMissingPrerequisite, err)
	}
	d.log.Debug("Credential selected", zap.String("node", node.Name), zap.String("file", src))
	return d.remote.WriteFile(ctx, node.Address, path.Join(b.RemoteDir, b.CredentialTarget), data, 0o600)
}

// BuildAndStart builds the workload image on the node and (re)starts the container
func (d *Deployer) BuildAndStart(ctx context.Context, node domain.Node, b *domain.Bundle) error {
	return d.workload.BuildAndStart(ctx, node, b)
}

// Verify waits for the container to settle and reports its status. No answer
// within the status timeout is Unknown.
func (d *Deployer) Verify(ctx context.Context, node domain.Node, b *domain.Bundle) domain.ContainerStatus {
	if d.cfg.SettleDelay > 0 {
		select {
		case <-ctx.Done():
			return domain.ContainerStatus{State: domain.ContainerUnknown}
		case <-time.After(d.cfg.SettleDelay):
		}
	}
	status, err := probeContainer(ctx, d.probe, node.Address, b.Run.ContainerName, d.cfg.StatusTimeout)
	if err != nil {
		d.log.Warn("Container status unavailable", zap.String("node", node.Name), zap.Error(err))
	}
	return status
}

// deployNode runs every deploy step for one node
func (d *Deployer) deployNode(ctx context.Context, node domain.Node, b *domain.Bundle, masterIP string, index int) error {
	if err := d.SyncCode(ctx, node, b); err != nil {
		return err
	}
	if err := d.WriteConfig(ctx, node, b, masterIP, index); err != nil {
		return err
	}
	if err := d.writeCredential(ctx, node, b, index); err != nil {
		return err
	}
	if err := d.BuildAndStart(ctx, node, b); err != nil {
		return err
	}

	status := d.Verify(ctx, node, b)
	switch status.State {
	case domain.ContainerUp:
		return nil
	case domain.ContainerUnknown:
		return domain.NewNodeError(node.Name, domain.ErrTransport, errors.New("no container status response"))
	}
	return domain.NewNodeError(node.Name, domain.ErrRemoteCommand, fmt.Errorf("container %s", status))
}

// Deploy pushes b to every Running node. Each node succeeds or fails on its own;
// the report lists every outcome. Only a missing inventory aborts the run.
func (d *Deployer) Deploy(ctx context.Context, b *domain.Bundle) (*domain.Report, error) {
	inv, err := d.repo.Load(ctx)
	if err != nil {
		return nil, err
	}
	if inv.MasterIP == "" {
		return nil, fmt.Errorf("%w: inventory has no MASTER_IP, run provision first", domain.ErrMissingPrerequisite)
	}

	report := &domain.Report{ID: uuid.NewString(), Operation: "deploy", Version: b.Version, StartedAt: time.Now()}
	names := make([]string, 0, inv.Len())
	index := make(map[string]int, inv.Len())
	for i, n := range inv.All() {
		names = append(names, n.Name)
		index[n.Name] = i
	}
	targets := deployTargets(inv)
	for _, n := range inv.All() {
		if !deployable(n) {
			d.log.Info("Skipping node that is not running", zap.String("node", n.Name), zap.String("state", string(n.State)))
			report.Add(skippedOutcome(n, "state "+string(n.State)))
		}
	}
	if len(targets) == 0 {
		d.log.Warn("No running nodes to deploy to")
	}
	d.log.Info("Deploying bundle", zap.String("version", b.Version), zap.Int("nodes", len(targets)))

	var mu sync.Mutex
	runErr := forEachNode(ctx, targets, d.cfg.Parallelism, false,
		func(ctx context.Context, _ int, node domain.Node) error {
			start := time.Now()
			err := d.deployNode(ctx, node, b, inv.MasterIP, index[node.Name])

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				d.log.Error("Node deployment failed", zap.String("node", node.Name), zap.Error(err))
				report.Add(domain.Failed(node, err, time.Since(start)))
				if errors.Is(err, domain.ErrTransport) {
					node.State = domain.NodeStateUnreachable
					d.markNode(inv, node)
				}
				return err
			}
			node.State = domain.NodeStateRunning
			d.markNode(inv, node)
			d.log.Info("Node deployed", zap.String("node", node.Name), zap.Duration("took", time.Since(start)))
			report.Add(domain.Succeeded(node, time.Since(start)))
			return nil
		},
		func(_ int, node domain.Node, err error) {
			if errors.Is(err, errNotScheduled) {
				mu.Lock()
				report.Add(skippedOutcome(node, "run stopped before this node"))
				mu.Unlock()
			}
		})

	if runErr != nil {
		d.log.Error("Deploy fan-out failed", zap.Error(runErr))
	}
	report.Sort(names)
	report.FinishedAt = time.Now()

	if err := d.repo.Save(context.WithoutCancel(ctx), inv); err != nil {
		return report, fmt.Errorf("save inventory: %w", err)
	}
	if d.recorder != nil {
		if err := d.recorder.Record(context.WithoutCancel(ctx), report); err != nil {
			d.log.Warn("Failed to record deployment", zap.String("id", report.ID), zap.Error(err))
		}
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

// markNode records a node's new state; a rejected update keeps the previous entry
func (d *Deployer) markNode(inv *domain.Inventory, node domain.Node) {
	if err := inv.Upsert(node); err != nil {
		d.log.Error("Failed to update inventory entry",
			zap.String("node", node.Name), zap.String("state", string(node.State)), zap.Error(err))
	}
}

// deployable reports whether a node has an address a deploy can reach. Nodes a
// previous deploy marked unreachable are retried.
func deployable(n domain.Node) bool {
	return n.Address != "" && (n.State == domain.NodeStateRunning || n.State == domain.NodeStateUnreachable)
}

func deployTargets(inv *domain.Inventory) []domain.Node {
	var out []domain.Node
	for _, n := range inv.All() {
		if deployable(n) {
			out = append(out, n)
		}
	}
	return out
}
