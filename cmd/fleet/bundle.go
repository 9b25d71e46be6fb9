package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	config "github.com/crabzie/fog-fleet/config/utils"
	"github.com/crabzie/fog-fleet/internal/adapter/container/compose"
	"github.com/crabzie/fog-fleet/internal/core/domain"
)

// buildBundle assembles the immutable artifact set of one deploy run
func buildBundle(cfg *config.Deploy, version string) (*domain.Bundle, error) {
	source, err := filepath.Abs(cfg.SourceDir)
	if err != nil {
		return nil, fmt.Errorf("resolve source dir: %w", err)
	}

	assets := make([]string, 0, len(cfg.AssetDirs))
	for _, dir := range cfg.AssetDirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("resolve asset dir %s: %w", dir, err)
		}
		assets = append(assets, abs)
	}

	var pool []string
	if cfg.CredentialDir != "" {
		pool, err = filepath.Glob(filepath.Join(cfg.CredentialDir, cfg.CredentialGlob))
		if err != nil {
			return nil, fmt.Errorf("credential glob: %w", err)
		}
		sort.Strings(pool)
	}

	env := make([]domain.EnvVar, 0, len(cfg.Env))
	for _, line := range cfg.Env {
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("deploy.env entry %q is not KEY=value", line)
		}
		env = append(env, domain.EnvVar{Key: key, Value: value})
	}

	generated := []string{compose.FileName}
	if cfg.EnvFile != "" {
		generated = append(generated, cfg.EnvFile)
	}
	if cfg.CredentialTarget != "" {
		generated = append(generated, cfg.CredentialTarget)
	}

	return &domain.Bundle{
		Version:           version,
		SourceDir:         source,
		AssetDirs:         assets,
		Excludes:          cfg.Excludes,
		RemoteDir:         cfg.RemoteDir,
		Env:               env,
		EnvFile:           cfg.EnvFile,
		EndpointKeys:      cfg.EndpointKeys,
		CredentialPool:    pool,
		DefaultCredential: cfg.DefaultCredential,
		CredentialTarget:  cfg.CredentialTarget,
		Generated:         generated,
		Build:             domain.BuildSpec{Context: ".", Dockerfile: cfg.Dockerfile},
		Run: domain.RunSpec{
			Service:       cfg.Service,
			ContainerName: cfg.ContainerName,
			Image:         cfg.Image,
			MemoryLimit:   cfg.MemoryLimit,
			Restart:       cfg.Restart,
			Volumes:       cfg.Volumes,
		},
	}, nil
}
