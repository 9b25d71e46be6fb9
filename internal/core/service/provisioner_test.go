package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crabzie/fog-fleet/internal/core/domain"
	"github.com/crabzie/fog-fleet/internal/core/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type provisionFixture struct {
	hv       *fakeHypervisor
	fetcher  *fakeFetcher
	remote   *fakeRemote
	repo     *memRepo
	recorder *fakeRecorder
	p        *Provisioner
}

func newProvisionFixture(t *testing.T, mutate func(*ProvisionerConfig)) *provisionFixture {
	t.Helper()
	dir := t.TempDir()
	f := &provisionFixture{
		hv:       newFakeHypervisor(dir),
		fetcher:  &fakeFetcher{},
		remote:   newFakeRemote(),
		repo:     &memRepo{},
		recorder: &fakeRecorder{},
	}
	res, err := domain.ParseResources(2, "4GiB", "20GiB")
	require.NoError(t, err)

	cfg := ProvisionerConfig{
		BaseImageURL:        "http://images.local/base.img",
		BaseImage:           filepath.Join(dir, "base.qcow2"),
		Resources:           res,
		Parallelism:         3,
		AddressTimeout:      200 * time.Millisecond,
		AddressPollInterval: 10 * time.Millisecond,
		SSHReadyTimeout:     200 * time.Millisecond,
		SSHPollInterval:     10 * time.Millisecond,
		InstallTimeout:      time.Second,
		InstallCommands:     []string{"command -v docker || sudo apt-get install -y docker.io"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.p = NewProvisioner(cfg, f.hv, f.fetcher, f.remote, f.repo, f.recorder, zaptest.NewLogger(t))
	return f
}

func TestProvisionFleetOfThree(t *testing.T) {
	f := newProvisionFixture(t, nil)

	report, err := f.p.Provision(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Count(domain.OutcomeSucceeded))
	assert.False(t, report.PartialFailure())

	inv := f.repo.current()
	require.Equal(t, 3, inv.Len())
	assert.Equal(t, "192.168.122.1", inv.MasterIP)
	for i, n := range inv.All() {
		assert.Equal(t, domain.WorkerName(i+1), n.Name)
		assert.Equal(t, domain.NodeStateRunning, n.State)
		assert.NotEmpty(t, n.Address)
		assert.Equal(t, 2, n.Resources.CPUs)
	}
	assert.Equal(t, 1, f.fetcher.calls)
	assert.Len(t, f.recorder.reports, 1)
	assert.Equal(t, []string{"true", "command -v docker || sudo apt-get install -y docker.io"}, f.remote.cmds["10.0.0.1"])
}

func TestProvisionKeepsDeclaredOrder(t *testing.T) {
	f := newProvisionFixture(t, nil)
	f.hv.leaseDelay["worker1"] = 5

	report, err := f.p.Provision(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Count(domain.OutcomeSucceeded))

	inv := f.repo.current()
	var order []string
	for _, n := range inv.All() {
		order = append(order, n.Name)
	}
	assert.Equal(t, []string{"worker1", "worker2", "worker3"}, order)
	assert.Equal(t, 0, inv.IndexOf("worker1"))
	assert.Equal(t, 2, inv.IndexOf("worker3"))
}

func TestProvisionIsIdempotent(t *testing.T) {
	f := newProvisionFixture(t, nil)
	ctx := context.Background()

	_, err := f.p.Provision(ctx, 3)
	require.NoError(t, err)
	first := f.repo.current()

	_, err = f.p.Provision(ctx, 3)
	require.NoError(t, err)
	second := f.repo.current()

	assert.Equal(t, first.All(), second.All())
	assert.Equal(t, first.MasterIP, second.MasterIP)
	assert.Equal(t, 3, f.hv.creates, "disks are created once")
	assert.Equal(t, 3, f.hv.defines, "VMs are defined once")
	assert.Equal(t, 1, f.fetcher.calls, "base image is downloaded once")
}

func TestProvisionStartsStoppedVM(t *testing.T) {
	f := newProvisionFixture(t, nil)
	f.hv.disks["worker1"] = true
	f.hv.domains["worker1"] = port.DomainStopped

	_, err := f.p.Provision(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, f.hv.creates)
	assert.Equal(t, 0, f.hv.defines)
	assert.Equal(t, 1, f.hv.starts)
}

func TestProvisionPartialSuccess(t *testing.T) {
	f := newProvisionFixture(t, nil)
	f.hv.noLease["worker2"] = true

	report, err := f.p.Provision(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count(domain.OutcomeSucceeded))
	require.Equal(t, 1, report.Count(domain.OutcomeFailed))
	assert.Equal(t, "worker2", report.Outcomes[1].Node)
	assert.Equal(t, domain.KindAddressTimeout, report.Outcomes[1].Kind)

	inv := f.repo.current()
	n, ok := inv.Get("worker2")
	require.True(t, ok)
	assert.Equal(t, domain.NodeStateProvisioning, n.State)
	assert.Empty(t, n.Address)
}

func TestProvisionFailFast(t *testing.T) {
	f := newProvisionFixture(t, func(c *ProvisionerConfig) {
		c.FailFast = true
		c.Parallelism = 1
	})
	f.hv.failDisk["worker1"] = true

	report, err := f.p.Provision(context.Background(), 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provisioning aborted")
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Count(domain.OutcomeFailed))
	assert.Equal(t, 2, report.Count(domain.OutcomeSkipped))
	assert.Equal(t, 0, f.hv.creates)

	inv := f.repo.current()
	require.Equal(t, 3, inv.Len())
	n, ok := inv.Get("worker3")
	require.True(t, ok)
	assert.Equal(t, domain.NodeStateUndefined, n.State)
	assert.Equal(t, 2, inv.IndexOf("worker3"))
}

func TestAwaitAddressTimeout(t *testing.T) {
	f := newProvisionFixture(t, nil)
	f.hv.domains["worker1"] = port.DomainRunning
	f.hv.noLease["worker1"] = true

	start := time.Now()
	_, err := f.p.AwaitAddress(context.Background(), domain.NewWorker("worker1", domain.Resources{}), 100*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrAddressTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAwaitAddressImmediate(t *testing.T) {
	f := newProvisionFixture(t, func(c *ProvisionerConfig) {
		c.AddressPollInterval = time.Hour
	})
	f.hv.domains["worker1"] = port.DomainRunning

	addr, err := f.p.AwaitAddress(context.Background(), domain.NewWorker("worker1", domain.Resources{}), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", addr)
}

func TestInstallRuntimeSSHNeverReady(t *testing.T) {
	f := newProvisionFixture(t, nil)
	f.remote.down["10.0.0.1"] = true

	node := domain.NewWorker("worker1", domain.Resources{})
	node.Address = "10.0.0.1"
	err := f.p.InstallRuntime(context.Background(), node)
	assert.ErrorIs(t, err, domain.ErrTransport)
}

func TestEnsureBaseImageKeepsExistingFile(t *testing.T) {
	f := newProvisionFixture(t, nil)
	dest := filepath.Join(t.TempDir(), "base.qcow2")
	require.NoError(t, os.WriteFile(dest, []byte("old"), 0o644))

	require.NoError(t, f.p.EnsureBaseImage(context.Background(), "http://x", dest))
	assert.Equal(t, 0, f.fetcher.calls)
}

func TestTeardown(t *testing.T) {
	f := newProvisionFixture(t, nil)
	ctx := context.Background()
	_, err := f.p.Provision(ctx, 2)
	require.NoError(t, err)

	require.NoError(t, f.p.Teardown(ctx, "worker2"))

	inv := f.repo.current()
	assert.Equal(t, 1, inv.Len())
	_, ok := inv.Get("worker2")
	assert.False(t, ok)
	assert.False(t, f.hv.disks["worker2"])
	_, defined := f.hv.domains["worker2"]
	assert.False(t, defined)
}

func TestTeardownWithoutInventory(t *testing.T) {
	f := newProvisionFixture(t, nil)
	err := f.p.Teardown(context.Background(), "worker1")
	assert.ErrorIs(t, err, domain.ErrInventoryNotFound)
}
