package domain

import "fmt"

// Inventory is the ordered name -> Node registry of the fleet plus the control node address
type Inventory struct {
	MasterIP string
	order    []string
	nodes    map[string]Node
}

// NewInventory returns an empty inventory
func NewInventory() *Inventory {
	return &Inventory{nodes: make(map[string]Node)}
}

// Upsert inserts node or replaces the node with the same name, keeping its position
func (inv *Inventory) Upsert(node Node) error {
	if err := node.Validate(); err != nil {
		return err
	}
	if inv.nodes == nil {
		inv.nodes = make(map[string]Node)
	}
	if _, ok := inv.nodes[node.Name]; !ok {
		inv.order = append(inv.order, node.Name)
	}
	inv.nodes[node.Name] = node
	return nil
}

// Get returns the node named name
func (inv *Inventory) Get(name string) (Node, bool) {
	n, ok := inv.nodes[name]
	return n, ok
}

// Remove drops a node. Only called on an explicit operator action.
func (inv *Inventory) Remove(name string) error {
	if _, ok := inv.nodes[name]; !ok {
		return fmt.Errorf("node %s not in inventory", name)
	}
	delete(inv.nodes, name)
	for i, n := range inv.order {
		if n == name {
			inv.order = append(inv.order[:i], inv.order[i+1:]...)
			break
		}
	}
	return nil
}

// All returns the nodes in insertion order
func (inv *Inventory) All() []Node {
	out := make([]Node, 0, len(inv.order))
	for _, name := range inv.order {
		out = append(out, inv.nodes[name])
	}
	return out
}

// InState returns the nodes currently in state, in inventory order
func (inv *Inventory) InState(state NodeState) []Node {
	var out []Node
	for _, n := range inv.All() {
		if n.State == state {
			out = append(out, n)
		}
	}
	return out
}

// IndexOf returns the 0-based position of name, or -1
func (inv *Inventory) IndexOf(name string) int {
	for i, n := range inv.order {
		if n == name {
			return i
		}
	}
	return -1
}

// Len returns the number of nodes
func (inv *Inventory) Len() int {
	return len(inv.order)
}
