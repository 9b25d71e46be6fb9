package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	config "github.com/crabzie/fog-fleet/config/utils"
	"github.com/crabzie/fog-fleet/internal/adapter/container/compose"
	"github.com/crabzie/fog-fleet/internal/core/domain"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRunUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer

	assert.Equal(t, exitUsage, run(context.Background(), nil, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "provision")
	assert.Contains(t, stderr.String(), "--strict")

	stderr.Reset()
	assert.Equal(t, exitUsage, run(context.Background(), []string{"launch"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), `unknown command "launch"`)

	assert.Equal(t, exitUsage, run(context.Background(), []string{"--bogus"}, &stdout, &stderr))
	assert.Equal(t, exitOK, run(context.Background(), []string{"--help"}, &stdout, &stderr))
}

func TestExitCode(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, exitOK, exitCode(nil, &stderr))
	assert.Equal(t, exitPartial, exitCode(fmt.Errorf("%w: 1 of 3", errPartial), &stderr))
	assert.Equal(t, exitUsage, exitCode(fmt.Errorf("%w: bad flag", errUsage), &stderr))
	assert.Equal(t, exitFailure, exitCode(domain.ErrInventoryNotFound, &stderr))
	assert.Contains(t, stderr.String(), "run provision first")

	stderr.Reset()
	fs := pflag.NewFlagSet("deploy", pflag.ContinueOnError)
	fs.String("version", "", "bundle version")
	assert.Equal(t, exitOK, exitCode(parseFlags(fs, []string{"--help"}), &stderr))
	assert.Contains(t, stderr.String(), "--version")
}

func TestParseFlagsUsageError(t *testing.T) {
	fs := pflag.NewFlagSet("provision", pflag.ContinueOnError)
	fs.Int("count", 3, "")
	err := parseFlags(fs, []string{"--count", "many"})
	assert.True(t, errors.Is(err, errUsage))
}

func TestFinishStrict(t *testing.T) {
	report := &domain.Report{Operation: "deploy"}
	report.Add(domain.Succeeded(domain.Node{Name: "worker1"}, 0))
	report.Add(domain.Failed(domain.Node{Name: "worker2"}, domain.ErrTransport, 0))

	var out bytes.Buffer
	lenient := &app{out: &out}
	assert.NoError(t, lenient.finish(report, nil))
	assert.Contains(t, out.String(), "1 succeeded, 1 failed")

	strict := &app{out: &out, strict: true}
	assert.ErrorIs(t, strict.finish(report, nil), errPartial)

	aborted := errors.New("provisioning aborted")
	assert.Equal(t, aborted, lenient.finish(report, aborted))
}

func TestBuildBundle(t *testing.T) {
	dir := t.TempDir()
	creds := filepath.Join(dir, "creds")
	require.NoError(t, os.Mkdir(creds, 0o755))
	for _, name := range []string{"b.json", "a.json", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(creds, name), []byte("{}"), 0o600))
	}

	cfg := &config.Deploy{
		SourceDir:        dir,
		AssetDirs:        []string{filepath.Join(dir, "models")},
		RemoteDir:        "/home/ubuntu/worker",
		EnvFile:          ".env",
		Env:              []string{"WORKER_ID=${NODE_NAME}", "API_URL=http://${MASTER_IP}", "EMPTY="},
		CredentialDir:    creds,
		CredentialGlob:   "*.json",
		CredentialTarget: "credentials.json",
		Dockerfile:       "Dockerfile",
		Service:          "worker",
		ContainerName:    "worker",
	}

	b, err := buildBundle(cfg, "v1")
	require.NoError(t, err)
	assert.Equal(t, "v1", b.Version)
	assert.Equal(t, []string{filepath.Join(creds, "a.json"), filepath.Join(creds, "b.json")}, b.CredentialPool)
	assert.Equal(t, []domain.EnvVar{
		{Key: "WORKER_ID", Value: "${NODE_NAME}"},
		{Key: "API_URL", Value: "http://${MASTER_IP}"},
		{Key: "EMPTY", Value: ""},
	}, b.Env)
	assert.Equal(t, []string{compose.FileName, ".env", "credentials.json"}, b.Generated)
	assert.Equal(t, "Dockerfile", b.Build.Dockerfile)
	assert.Equal(t, "worker", b.Run.Service)
}

func TestBuildBundleWithoutCredentialDir(t *testing.T) {
	b, err := buildBundle(&config.Deploy{SourceDir: ".", CredentialGlob: "*.json"}, "v2")
	require.NoError(t, err)
	assert.Empty(t, b.CredentialPool)
	assert.True(t, filepath.IsAbs(b.SourceDir))
}

func TestBuildBundleRejectsMalformedEnv(t *testing.T) {
	_, err := buildBundle(&config.Deploy{SourceDir: ".", Env: []string{"NO_EQUALS"}}, "v3")
	assert.ErrorContains(t, err, "NO_EQUALS")
}

func TestSelectNodes(t *testing.T) {
	inv := domain.NewInventory()
	running := domain.NewWorker("worker1", domain.Resources{})
	running.MarkRunning("10.0.0.1")
	require.NoError(t, inv.Upsert(running))
	require.NoError(t, inv.Upsert(domain.NewWorker("worker2", domain.Resources{})))

	all, err := selectNodes(inv, nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "worker1", all[0].Name)

	_, err = selectNodes(inv, []string{"worker1", "worker2"})
	assert.ErrorIs(t, err, errUsage)
	assert.Contains(t, err.Error(), "worker2")
}

func TestRunChecks(t *testing.T) {
	results := checkTools(func(name string) (string, error) {
		if name == "virt-install" {
			return "", errors.New("executable file not found in $PATH")
		}
		return "/usr/bin/" + name, nil
	})
	results = append(results, checkResult{name: "base image", err: errors.New("absent"), remark: true})

	var out bytes.Buffer
	failed := runChecks(&out, results)
	assert.Equal(t, 1, failed)
	assert.Contains(t, out.String(), "tool virt-install: executable file not found")
	assert.Contains(t, out.String(), "tool rsync (/usr/bin/rsync)")
	assert.Contains(t, out.String(), "base image: absent")
}

func TestCheckCapacity(t *testing.T) {
	fleet := &config.Fleet{Size: 3, CPUs: 2, Memory: "4GiB", Disk: "20GiB"}

	ok := checkCapacity(fleet, 8, 32<<30)
	assert.NoError(t, ok.err)
	assert.Equal(t, "6/8 cpus, 12GiB/32GiB memory", ok.note)

	over := checkCapacity(fleet, 4, 32<<30)
	assert.Error(t, over.err)
	assert.True(t, over.remark)

	bad := checkCapacity(&config.Fleet{Size: 1, CPUs: 1, Memory: "lots", Disk: "1G"}, 4, 1<<30)
	assert.Error(t, bad.err)
	assert.False(t, bad.remark)
}

func TestDeployWithoutInventoryAsksForProvision(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.AppConfig{
		Inventory: &config.Inventory{Path: filepath.Join(dir, "cluster_ips.txt")},
		SSH:       &config.SSH{User: "ubuntu", KeyFile: filepath.Join(dir, "missing_key")},
		Deploy:    &config.Deploy{SourceDir: filepath.Join(dir, "worker"), Env: []string{"NO_EQUALS"}},
	}
	var out bytes.Buffer
	a := newApp(cfg, zaptest.NewLogger(t), false, &out)

	err := cmdDeploy(context.Background(), a, nil)
	assert.ErrorIs(t, err, domain.ErrInventoryNotFound)
	assert.Contains(t, err.Error(), "run provision first")
}
