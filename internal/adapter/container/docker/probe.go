// Package docker reads the workload container status from the Docker Engine API
// exposed by each node.
package docker

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/crabzie/fog-fleet/internal/core/domain"
	"github.com/crabzie/fog-fleet/internal/core/port"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

type engineProbe struct {
	port int
	log  *zap.Logger

	mu      sync.Mutex
	clients map[string]*client.Client
}

// NewEngineProbe returns a ContainerProbe that talks to tcp://<address>:<apiPort>
func NewEngineProbe(apiPort int, log *zap.Logger) port.ContainerProbe {
	return &engineProbe{
		port:    apiPort,
		log:     log,
		clients: make(map[string]*client.Client),
	}
}

func (p *engineProbe) client(address string) (*client.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cli, ok := p.clients[address]; ok {
		return cli, nil
	}
	host := "tcp://" + net.JoinHostPort(address, strconv.Itoa(p.port))
	cli, err := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	p.clients[address] = cli
	return cli, nil
}

func (p *engineProbe) Status(ctx context.Context, address, container string) (domain.ContainerStatus, error) {
	unknown := domain.ContainerStatus{State: domain.ContainerUnknown}
	cli, err := p.client(address)
	if err != nil {
		return unknown, fmt.Errorf("%w: docker client for %s: %v", domain.ErrTransport, address, err)
	}

	list, err := cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", "^"+container+"$")),
	})
	if err != nil {
		return unknown, fmt.Errorf("%w: list containers on %s: %v", domain.ErrTransport, address, err)
	}

	// the name filter is a regex; keep only the exact match
	for _, c := range list {
		for _, n := range c.Names {
			if n == "/"+container || n == container {
				return domain.ContainerStatusFromEngineState(c.State, c.Status), nil
			}
		}
	}
	return domain.ContainerStatus{State: domain.ContainerNotRunning}, nil
}

// Close releases the cached API clients
func (p *engineProbe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, cli := range p.clients {
		if err := cli.Close(); err != nil {
			p.log.Debug("Closing docker client failed", zap.String("address", addr), zap.Error(err))
		}
		delete(p.clients, addr)
	}
	return nil
}
