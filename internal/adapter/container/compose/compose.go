// Package compose builds and starts the worker container on a node with docker compose
// and reads its status back through docker ps.
package compose

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/crabzie/fog-fleet/internal/adapter/shell"
	"github.com/crabzie/fog-fleet/internal/core/domain"
	"github.com/crabzie/fog-fleet/internal/core/port"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// FileName is the compose file written next to the synced code
const FileName = "compose.fleet.yml"

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
	Volumes  map[string]struct{}       `yaml:"volumes,omitempty"`
}

type composeBuild struct {
	Context    string `yaml:"context"`
	Dockerfile string `yaml:"dockerfile,omitempty"`
}

type composeService struct {
	Build         *composeBuild `yaml:"build,omitempty"`
	Image         string        `yaml:"image,omitempty"`
	ContainerName string        `yaml:"container_name,omitempty"`
	EnvFile       []string      `yaml:"env_file,omitempty"`
	Restart       string        `yaml:"restart,omitempty"`
	MemLimit      string        `yaml:"mem_limit,omitempty"`
	Volumes       []string      `yaml:"volumes,omitempty"`
}

// Render produces the compose file for the bundle's run spec
func Render(b *domain.Bundle) ([]byte, error) {
	if b.Run.Service == "" {
		return nil, fmt.Errorf("run spec has no service name")
	}
	svc := composeService{
		Image:         b.Run.Image,
		ContainerName: b.Run.ContainerName,
		Restart:       b.Run.Restart,
		MemLimit:      b.Run.MemoryLimit,
		Volumes:       b.Run.Volumes,
	}
	if b.Build.Dockerfile != "" {
		ctxDir := b.Build.Context
		if ctxDir == "" {
			ctxDir = "."
		}
		svc.Build = &composeBuild{Context: ctxDir, Dockerfile: b.Build.Dockerfile}
	}
	if b.EnvFile != "" {
		svc.EnvFile = []string{b.EnvFile}
	}

	cf := composeFile{Services: map[string]composeService{b.Run.Service: svc}}
	for _, name := range namedVolumes(b.Run.Volumes) {
		if cf.Volumes == nil {
			cf.Volumes = map[string]struct{}{}
		}
		cf.Volumes[name] = struct{}{}
	}
	return yaml.Marshal(cf)
}

// namedVolumes returns the sources of "source:target" mounts that are not host paths
func namedVolumes(mounts []string) []string {
	var out []string
	for _, m := range mounts {
		src, _, ok := strings.Cut(m, ":")
		if !ok || src == "" || strings.HasPrefix(src, "/") || strings.HasPrefix(src, ".") || strings.HasPrefix(src, "~") {
			continue
		}
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}

type workload struct {
	remote       port.RemoteShell
	buildTimeout time.Duration
	log          *zap.Logger
}

// NewWorkload returns a port.Workload that drives docker compose over the remote shell
func NewWorkload(remote port.RemoteShell, buildTimeout time.Duration, log *zap.Logger) port.Workload {
	return &workload{remote: remote, buildTimeout: buildTimeout, log: log}
}

func (w *workload) BuildAndStart(ctx context.Context, node domain.Node, b *domain.Bundle) error {
	data, err := Render(b)
	if err != nil {
		return err
	}
	file := path.Join(b.RemoteDir, FileName)
	if err := w.remote.WriteFile(ctx, node.Address, file, data, 0o644); err != nil {
		return err
	}

	if w.buildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.buildTimeout)
		defer cancel()
	}

	compose := "docker compose -p " + shell.Quote(b.Run.Service) + " -f " + shell.Quote(FileName)
	cmd := fmt.Sprintf("cd %s && %s build && %s up -d --remove-orphans", shell.Quote(b.RemoteDir), compose, compose)
	if b.Build.Dockerfile == "" {
		cmd = fmt.Sprintf("cd %s && %s pull && %s up -d --remove-orphans", shell.Quote(b.RemoteDir), compose, compose)
	}

	start := time.Now()
	if _, err := w.remote.Run(ctx, node.Address, cmd); err != nil {
		return err
	}
	w.log.Info("Workload started",
		zap.String("node", node.Name),
		zap.String("service", b.Run.Service),
		zap.String("version", b.Version),
		zap.Duration("took", time.Since(start)))
	return nil
}

type shellProbe struct {
	remote port.RemoteShell
}

// NewShellProbe returns a ContainerProbe that runs docker ps on the node
func NewShellProbe(remote port.RemoteShell) port.ContainerProbe {
	return &shellProbe{remote: remote}
}

func (p *shellProbe) Status(ctx context.Context, address, container string) (domain.ContainerStatus, error) {
	cmd := "docker ps -a --filter " + shell.Quote("name=^"+container+"$") + " --format " + shell.Quote("{{.Status}}")
	out, err := p.remote.Run(ctx, address, cmd)
	if err != nil {
		return domain.ContainerStatus{State: domain.ContainerUnknown}, err
	}
	return domain.ParseContainerStatus(string(out)), nil
}
