// Package netprobe decides whether a node answers on the network.
package netprobe

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/crabzie/fog-fleet/internal/core/port"
	"go.uber.org/zap"
)

type tcpProber struct {
	port    int
	timeout time.Duration
	log     *zap.Logger
}

// NewTCPProber returns a Prober that opens a TCP connection to the given port.
// A node is reachable when the handshake completes within timeout.
func NewTCPProber(port int, timeout time.Duration, log *zap.Logger) port.Prober {
	return &tcpProber{port: port, timeout: timeout, log: log}
}

func (p *tcpProber) Reachable(ctx context.Context, address string) bool {
	if address == "" {
		return false
	}
	d := net.Dialer{Timeout: p.timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(p.port)))
	if err != nil {
		p.log.Debug("Node unreachable", zap.String("address", address), zap.Error(err))
		return false
	}
	conn.Close()
	return true
}
