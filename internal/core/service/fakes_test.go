package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/crabzie/fog-fleet/internal/core/domain"
	"github.com/crabzie/fog-fleet/internal/core/port"
)

// memRepo keeps a copy of the saved inventory so callers cannot mutate it in place
type memRepo struct {
	mu    sync.Mutex
	inv   *domain.Inventory
	saves int
}

func cloneInventory(inv *domain.Inventory) *domain.Inventory {
	out := domain.NewInventory()
	out.MasterIP = inv.MasterIP
	for _, n := range inv.All() {
		out.Upsert(n)
	}
	return out
}

func (r *memRepo) Load(ctx context.Context) (*domain.Inventory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inv == nil {
		return nil, domain.ErrInventoryNotFound
	}
	return cloneInventory(r.inv), nil
}

func (r *memRepo) Save(ctx context.Context, inv *domain.Inventory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inv = cloneInventory(inv)
	r.saves++
	return nil
}

func (r *memRepo) current() *domain.Inventory {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneInventory(r.inv)
}

type fakeHypervisor struct {
	mu      sync.Mutex
	poolDir string
	disks   map[string]bool
	domains map[string]port.DomainState
	leases  map[string]string
	noLease map[string]bool
	// leaseDelay withholds a lease for that many polls
	leaseDelay map[string]int
	creates    int
	defines    int
	starts     int
	failDisk   map[string]bool
	gateway    string
}

func newFakeHypervisor(poolDir string) *fakeHypervisor {
	return &fakeHypervisor{
		poolDir:    poolDir,
		disks:      map[string]bool{},
		domains:    map[string]port.DomainState{},
		leases:     map[string]string{},
		noLease:    map[string]bool{},
		leaseDelay: map[string]int{},
		failDisk:   map[string]bool{},
		gateway:    "192.168.122.1",
	}
}

func (h *fakeHypervisor) DiskPath(name string) string {
	return filepath.Join(h.poolDir, name+".qcow2")
}

func (h *fakeHypervisor) DiskExists(ctx context.Context, name string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disks[name], nil
}

func (h *fakeHypervisor) CreateDisk(ctx context.Context, name, baseImage string, size int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failDisk[name] {
		return fmt.Errorf("create disk for %s: qemu-img: exit status 1", name)
	}
	h.creates++
	h.disks[name] = true
	return nil
}

func (h *fakeHypervisor) DeleteDisk(ctx context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.disks, name)
	return nil
}

func (h *fakeHypervisor) DomainState(ctx context.Context, name string) (port.DomainState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.domains[name]; ok {
		return st, nil
	}
	return port.DomainAbsent, nil
}

func (h *fakeHypervisor) DefineAndStart(ctx context.Context, spec port.VMSpec) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.defines++
	h.domains[spec.Name] = port.DomainRunning
	return nil
}

func (h *fakeHypervisor) Start(ctx context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts++
	h.domains[name] = port.DomainRunning
	return nil
}

func (h *fakeHypervisor) Destroy(ctx context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.domains[name] = port.DomainStopped
	return nil
}

func (h *fakeHypervisor) Undefine(ctx context.Context, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.domains, name)
	return nil
}

// LeasedAddress hands out 10.0.0.<n> for worker<n> once the domain runs
func (h *fakeHypervisor) LeasedAddress(ctx context.Context, name string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.domains[name] != port.DomainRunning || h.noLease[name] {
		return "", nil
	}
	if h.leaseDelay[name] > 0 {
		h.leaseDelay[name]--
		return "", nil
	}
	if addr, ok := h.leases[name]; ok {
		return addr, nil
	}
	addr := "10.0.0." + strings.TrimPrefix(name, "worker")
	h.leases[name] = addr
	return addr, nil
}

func (h *fakeHypervisor) NetworkGateway(ctx context.Context) (string, error) {
	return h.gateway, nil
}

type fakeFetcher struct {
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context, sourceURL, destPath string) error {
	f.calls++
	return os.WriteFile(destPath, []byte("image"), 0o644)
}

// fakeRemote fails every operation against the addresses in down
type fakeRemote struct {
	mu     sync.Mutex
	down   map[string]bool
	cmds   map[string][]string
	files  map[string]string
	syncs  map[string][]string
	stream map[string]string
}

func newFakeRemote(down ...string) *fakeRemote {
	r := &fakeRemote{
		down:   map[string]bool{},
		cmds:   map[string][]string{},
		files:  map[string]string{},
		syncs:  map[string][]string{},
		stream: map[string]string{},
	}
	for _, d := range down {
		r.down[d] = true
	}
	return r
}

func (r *fakeRemote) unreachable(address string) error {
	if r.down[address] {
		return fmt.Errorf("%w: dial %s:22: connection refused", domain.ErrTransport, address)
	}
	return nil
}

func (r *fakeRemote) Run(ctx context.Context, address, cmd string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.unreachable(address); err != nil {
		return nil, err
	}
	r.cmds[address] = append(r.cmds[address], cmd)
	return nil, nil
}

func (r *fakeRemote) WriteFile(ctx context.Context, address, path string, data []byte, mode uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.unreachable(address); err != nil {
		return err
	}
	r.files[address+":"+path] = string(data)
	return nil
}

func (r *fakeRemote) Sync(ctx context.Context, address, src, dest string, excludes []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.unreachable(address); err != nil {
		return err
	}
	r.syncs[address] = append(r.syncs[address], src+"->"+dest+" excl="+strings.Join(excludes, ","))
	return nil
}

func (r *fakeRemote) Stream(ctx context.Context, address, cmd string, w io.Writer) error {
	r.mu.Lock()
	if err := r.unreachable(address); err != nil {
		r.mu.Unlock()
		return err
	}
	out := r.stream[address]
	r.mu.Unlock()
	_, err := io.WriteString(w, out)
	return err
}

func (r *fakeRemote) file(address, path string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.files[address+":"+path]
	return data, ok
}

type fakeWorkload struct {
	mu      sync.Mutex
	started []string
	fail    map[string]error
}

func (w *fakeWorkload) BuildAndStart(ctx context.Context, node domain.Node, b *domain.Bundle) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.fail[node.Name]; err != nil {
		return err
	}
	w.started = append(w.started, node.Name)
	return nil
}

// fakeProbe returns status per address; addresses in hang block until release is closed
type fakeProbe struct {
	status  map[string]domain.ContainerStatus
	hang    map[string]bool
	release chan struct{}
}

func (p *fakeProbe) Status(ctx context.Context, address, container string) (domain.ContainerStatus, error) {
	if p.hang[address] {
		<-p.release
		return domain.ContainerStatus{State: domain.ContainerUp}, nil
	}
	if st, ok := p.status[address]; ok {
		return st, nil
	}
	return domain.ContainerStatus{State: domain.ContainerUp, Detail: "Up 1 minute"}, nil
}

// fakeProber ignores its context for addresses in hang
type fakeProber struct {
	down    map[string]bool
	hang    map[string]bool
	release chan struct{}
}

func (p *fakeProber) Reachable(ctx context.Context, address string) bool {
	if p.hang[address] {
		<-p.release
		return true
	}
	return !p.down[address]
}

type fakeQueue struct {
	mu    sync.Mutex
	calls int
	snap  domain.QueueSnapshot
	err   error
}

func (q *fakeQueue) Inspect(ctx context.Context) (domain.QueueSnapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	return q.snap, q.err
}

type fakeChecker struct {
	name string
	err  error
}

func (c fakeChecker) Name() string                    { return c.name }
func (c fakeChecker) Check(ctx context.Context) error { return c.err }

type fakeRecorder struct {
	mu      sync.Mutex
	reports []*domain.Report
}

func (r *fakeRecorder) Record(ctx context.Context, report *domain.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return nil
}

func (r *fakeRecorder) Recent(ctx context.Context, limit int) ([]*domain.Report, error) {
	return r.reports, nil
}
