// Package libvirt drives the local libvirt toolstack (virsh, virt-install, qemu-img).
package libvirt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	config "github.com/crabzie/fog-fleet/config/utils"
	"github.com/crabzie/fog-fleet/internal/adapter/shell"
	"github.com/crabzie/fog-fleet/internal/core/port"
	"go.uber.org/zap"
)

type hypervisor struct {
	run       shell.Runner
	connect   string
	poolDir   string
	network   string
	osVariant string
	cloudInit string
	log       *zap.Logger
}

// New returns a port.Hypervisor using the fleet settings
func New(cfg *config.Fleet, run shell.Runner, log *zap.Logger) port.Hypervisor {
	return &hypervisor{
		run:       run,
		connect:   cfg.Connect,
		poolDir:   cfg.PoolDir,
		network:   cfg.Network,
		osVariant: cfg.OSVariant,
		cloudInit: cfg.CloudInit,
		log:       log,
	}
}

func (h *hypervisor) virsh(ctx context.Context, args ...string) ([]byte, error) {
	if h.connect != "" {
		args = append([]string{"-c", h.connect}, args...)
	}
	return h.run.Run(ctx, "virsh", args...)
}

func (h *hypervisor) DiskPath(name string) string {
	return filepath.Join(h.poolDir, name+".qcow2")
}

func (h *hypervisor) DiskExists(ctx context.Context, name string) (bool, error) {
	_, err := os.Stat(h.DiskPath(name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// CreateDisk allocates a copy-on-write overlay on top of the base image
func (h *hypervisor) CreateDisk(ctx context.Context, name, baseImage string, size int64) error {
	_, err := h.run.Run(ctx, "qemu-img", "create",
		"-f", "qcow2",
		"-F", "qcow2",
		"-b", baseImage,
		h.DiskPath(name),
		strconv.FormatInt(size, 10),
	)
	if err != nil {
		return fmt.Errorf("create disk for %s: %w", name, err)
	}
	return nil
}

func (h *hypervisor) DeleteDisk(ctx context.Context, name string) error {
	if err := os.Remove(h.DiskPath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete disk of %s: %w", name, err)
	}
	return nil
}

func (h *hypervisor) DomainState(ctx context.Context, name string) (port.DomainState, error) {
	out, err := h.virsh(ctx, "list", "--all", "--name")
	if err != nil {
		return "", fmt.Errorf("list domains: %w", err)
	}
	found := false
	for _, line := range strings.Split(string(out), "\n") {
		if strings.TrimSpace(line) == name {
			found = true
			break
		}
	}
	if !found {
		return port.DomainAbsent, nil
	}

	out, err = h.virsh(ctx, "domstate", name)
	if err != nil {
		return "", fmt.Errorf("domstate %s: %w", name, err)
	}
	if strings.TrimSpace(string(out)) == "running" {
		return port.DomainRunning, nil
	}
	return port.DomainStopped, nil
}

func (h *hypervisor) DefineAndStart(ctx context.Context, spec port.VMSpec) error {
	args := []string{
		"--name", spec.Name,
		"--vcpus", strconv.Itoa(spec.Resources.CPUs),
		"--memory", strconv.FormatInt(spec.Resources.MemoryMiB(), 10),
		"--disk", fmt.Sprintf("path=%s,format=qcow2,bus=virtio", spec.DiskPath),
		"--import",
		"--os-variant", h.osVariant,
		"--network", fmt.Sprintf("network=%s,model=virtio", h.network),
		"--graphics", "none",
		"--noautoconsole",
	}
	if h.connect != "" {
		args = append([]string{"--connect", h.connect}, args...)
	}
	if h.cloudInit != "" {
		args = append(args, "--cloud-init", "user-data="+h.cloudInit)
	}
	if _, err := h.run.Run(ctx, "virt-install", args...); err != nil {
		return fmt.Errorf("virt-install %s: %w", spec.Name, err)
	}
	return nil
}

func (h *hypervisor) Start(ctx context.Context, name string) error {
	if _, err := h.virsh(ctx, "start", name); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	return nil
}

func (h *hypervisor) Destroy(ctx context.Context, name string) error {
	_, err := h.virsh(ctx, "destroy", name)
	var exitErr *shell.ExitError
	if errors.As(err, &exitErr) && strings.Contains(exitErr.Stderr, "not running") {
		return nil
	}
	if err != nil {
		return fmt.Errorf("destroy %s: %w", name, err)
	}
	return nil
}

func (h *hypervisor) Undefine(ctx context.Context, name string) error {
	if _, err := h.virsh(ctx, "undefine", name); err != nil {
		return fmt.Errorf("undefine %s: %w", name, err)
	}
	return nil
}

func (h *hypervisor) LeasedAddress(ctx context.Context, name string) (string, error) {
	out, err := h.virsh(ctx, "domifaddr", name, "--source", "lease")
	if err != nil {
		return "", fmt.Errorf("domifaddr %s: %w", name, err)
	}
	return parseDomIfAddr(out), nil
}

// parseDomIfAddr returns the first IPv4 address of a `virsh domifaddr` table
func parseDomIfAddr(out []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 || fields[2] != "ipv4" {
			continue
		}
		prefix, err := netip.ParsePrefix(fields[3])
		if err == nil {
			return prefix.Addr().String()
		}
		if addr, err := netip.ParseAddr(fields[3]); err == nil {
			return addr.String()
		}
	}
	return ""
}

type networkXML struct {
	IPs []struct {
		Address string `xml:"address,attr"`
		Family  string `xml:"family,attr"`
	} `xml:"ip"`
}

func (h *hypervisor) NetworkGateway(ctx context.Context) (string, error) {
	out, err := h.virsh(ctx, "net-dumpxml", h.network)
	if err != nil {
		return "", fmt.Errorf("net-dumpxml %s: %w", h.network, err)
	}
	return parseNetworkGateway(out)
}

func parseNetworkGateway(out []byte) (string, error) {
	var nw networkXML
	if err := xml.Unmarshal(out, &nw); err != nil {
		return "", fmt.Errorf("parse network xml: %w", err)
	}
	for _, ip := range nw.IPs {
		if ip.Family == "" || ip.Family == "ipv4" {
			return ip.Address, nil
		}
	}
	return "", fmt.Errorf("network has no ipv4 address")
}
