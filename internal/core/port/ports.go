// Package port provides behavior interfaces that connect the fleet services to hypervisor, remote transport, broker and storage adapters.
package port

import (
	"context"
	"io"

	"github.com/crabzie/fog-fleet/internal/core/domain"
)

// InventoryRepository defines how the fleet inventory is persisted
type InventoryRepository interface {
	// Load returns domain.ErrInventoryNotFound when nothing was saved yet
	Load(ctx context.Context) (*domain.Inventory, error)
	// Save atomically replaces the stored inventory
	Save(ctx context.Context, inv *domain.Inventory) error
}

// DomainState is the hypervisor's view of a VM
type DomainState string

const (
	DomainAbsent  DomainState = "absent"
	DomainRunning DomainState = "running"
	DomainStopped DomainState = "stopped"
)

// VMSpec is what the hypervisor needs to define and boot a VM
type VMSpec struct {
	Name      string
	Resources domain.Resources
	DiskPath  string
}

// Hypervisor defines the VM and disk lifecycle commands we consume
type Hypervisor interface {
	DiskPath(name string) string
	DiskExists(ctx context.Context, name string) (bool, error)
	CreateDisk(ctx context.Context, name, baseImage string, size int64) error
	DeleteDisk(ctx context.Context, name string) error
	DomainState(ctx context.Context, name string) (DomainState, error)
	DefineAndStart(ctx context.Context, spec VMSpec) error
	Start(ctx context.Context, name string) error
	Destroy(ctx context.Context, name string) error
	Undefine(ctx context.Context, name string) error
	// LeasedAddress returns "" with a nil error while no lease exists yet
	LeasedAddress(ctx context.Context, name string) (string, error)
	// NetworkGateway returns the host address on the VM network
	NetworkGateway(ctx context.Context) (string, error)
}

// ImageFetcher downloads the base disk image
type ImageFetcher interface {
	Fetch(ctx context.Context, sourceURL, destPath string) error
}

// RemoteShell defines how we execute commands and move files on a node
type RemoteShell interface {
	// Run executes cmd and returns its combined output; a non-zero exit wraps domain.ErrRemoteCommand,
	// a connection problem wraps domain.ErrTransport.
	Run(ctx context.Context, address, cmd string) ([]byte, error)
	// WriteFile replaces path on the node with data
	WriteFile(ctx context.Context, address, path string, data []byte, mode uint32) error
	// Sync mirrors the local directory src into dest on the node
	Sync(ctx context.Context, address, src, dest string, excludes []string) error
	// Stream runs cmd and copies its stdout to w until ctx is done or cmd exits
	Stream(ctx context.Context, address, cmd string, w io.Writer) error
}

// Prober checks whether a node answers on the network
type Prober interface {
	Reachable(ctx context.Context, address string) bool
}

// ContainerProbe queries the workload container status on a node
type ContainerProbe interface {
	Status(ctx context.Context, address, container string) (domain.ContainerStatus, error)
}

// Workload builds and starts the containerized workload on a node
type Workload interface {
	BuildAndStart(ctx context.Context, node domain.Node, bundle *domain.Bundle) error
}

// QueueInspector fetches depth and consumer count of a broker queue
type QueueInspector interface {
	Inspect(ctx context.Context) (domain.QueueSnapshot, error)
}

// ServiceChecker checks one control node service (cache, database)
type ServiceChecker interface {
	Name() string
	Check(ctx context.Context) error
}

// DeploymentRecorder keeps a history of deploy reports
type DeploymentRecorder interface {
	Record(ctx context.Context, report *domain.Report) error
	Recent(ctx context.Context, limit int) ([]*domain.Report, error)
}
