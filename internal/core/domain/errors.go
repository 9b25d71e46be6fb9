// Package domain provides the fleet entities, the error taxonomy and the parsers that
// turn raw external output into typed values.
package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingPrerequisite aborts a whole operation (inventory absent, base image missing)
	ErrMissingPrerequisite = errors.New("missing prerequisite")
	// ErrTransport is a per-node SSH or file transfer failure
	ErrTransport = errors.New("transport failure")
	// ErrAddressTimeout means no network lease appeared within the bound
	ErrAddressTimeout = errors.New("address timeout")
	// ErrRemoteCommand is a non-zero exit of a command executed on a node
	ErrRemoteCommand = errors.New("remote command failure")
	// ErrExternalServiceUnavailable covers broker/cache/db endpoints that are down or malformed
	ErrExternalServiceUnavailable = errors.New("external service unavailable")

	// ErrInventoryNotFound is returned by the inventory store before the first provision run
	ErrInventoryNotFound = fmt.Errorf("%w: inventory not found, run provision first", ErrMissingPrerequisite)
)

// Kind names used in reports
const (
	KindMissingPrerequisite = "MissingPrerequisite"
	KindTransport           = "TransportFailure"
	KindAddressTimeout      = "AddressTimeout"
	KindRemoteCommand       = "RemoteCommandFailure"
	KindExternalService     = "ExternalServiceUnavailable"
	KindUnknown             = "Error"
)

// NodeError ties a failure to the node it happened on
type NodeError struct {
	Node string
	Kind error
	Err  error
}

// NewNodeError classifies err under kind for node
func NewNodeError(node string, kind, err error) *NodeError {
	return &NodeError{Node: node, Kind: kind, Err: err}
}

func (e *NodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Node, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Node, e.Kind, e.Err)
}

func (e *NodeError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// KindOf returns the report name of the first taxonomy error found in err's chain
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingPrerequisite):
		return KindMissingPrerequisite
	case errors.Is(err, ErrTransport):
		return KindTransport
	case errors.Is(err, ErrAddressTimeout):
		return KindAddressTimeout
	case errors.Is(err, ErrRemoteCommand):
		return KindRemoteCommand
	case errors.Is(err, ErrExternalServiceUnavailable):
		return KindExternalService
	}
	return KindUnknown
}
