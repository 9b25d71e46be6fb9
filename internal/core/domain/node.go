package domain

import (
	"fmt"
	"strconv"
	"strings"

	units "github.com/docker/go-units"
)

type NodeState string

const (
	NodeStateUndefined    NodeState = "undefined"
	NodeStateProvisioning NodeState = "provisioning"
	NodeStateRunning      NodeState = "running"
	NodeStateUnreachable  NodeState = "unreachable"
	NodeStateStopped      NodeState = "stopped"
)

// ParseNodeState maps the textual form used in the inventory file back to a NodeState
func ParseNodeState(s string) (NodeState, error) {
	switch st := NodeState(strings.ToLower(s)); st {
	case NodeStateUndefined, NodeStateProvisioning, NodeStateRunning, NodeStateUnreachable, NodeStateStopped:
		return st, nil
	}
	return "", fmt.Errorf("unknown node state %q", s)
}

// RoleWorker is the only role the provisioner creates
const RoleWorker = "worker"

// Resources are provisioning targets declared for a node, not runtime measurements
type Resources struct {
	CPUs   int   `json:"cpus"`
	Memory int64 `json:"memory"` // bytes
	Disk   int64 `json:"disk"`   // bytes
}

// IsZero reports whether no sizing was declared
func (r Resources) IsZero() bool {
	return r.CPUs == 0 && r.Memory == 0 && r.Disk == 0
}

// MemoryMiB returns the memory target in MiB, the unit the hypervisor expects
func (r Resources) MemoryMiB() int64 {
	return r.Memory / units.MiB
}

// ParseResources builds Resources from human sizes such as "4G" or "20GiB"
func ParseResources(cpus int, memory, disk string) (Resources, error) {
	if cpus <= 0 {
		return Resources{}, fmt.Errorf("cpu count must be positive, got %d", cpus)
	}
	mem, err := units.RAMInBytes(memory)
	if err != nil {
		return Resources{}, fmt.Errorf("parse memory %q: %w", memory, err)
	}
	dsk, err := units.RAMInBytes(disk)
	if err != nil {
		return Resources{}, fmt.Errorf("parse disk %q: %w", disk, err)
	}
	return Resources{CPUs: cpus, Memory: mem, Disk: dsk}, nil
}

// Node represents one worker VM of the fleet
type Node struct {
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	Role      string    `json:"role"`
	Resources Resources `json:"resources"`
	State     NodeState `json:"state"`
}

// NewWorker returns a node that has been declared but not yet provisioned
func NewWorker(name string, res Resources) Node {
	return Node{
		Name:      name,
		Role:      RoleWorker,
		Resources: res,
		State:     NodeStateUndefined,
	}
}

// WorkerName returns the logical name of the i-th worker (1-based)
func WorkerName(i int) string {
	return "worker" + strconv.Itoa(i)
}

// MarkProvisioning resets the node for a fresh provisioning pass; the address
// is dropped until a new lease is observed.
func (n *Node) MarkProvisioning() {
	n.State = NodeStateProvisioning
	n.Address = ""
}

// MarkRunning records the leased address
func (n *Node) MarkRunning(address string) {
	n.State = NodeStateRunning
	n.Address = address
}

// Validate checks the address/state invariant
func (n Node) Validate() error {
	if n.Name == "" {
		return fmt.Errorf("node name is empty")
	}
	if strings.ContainsAny(n.Name, "= \t#") {
		return fmt.Errorf("node name %q contains a reserved character", n.Name)
	}
	if n.Address != "" && (n.State == NodeStateUndefined || n.State == NodeStateProvisioning) {
		return fmt.Errorf("node %s has address %s but state %s", n.Name, n.Address, n.State)
	}
	return nil
}
