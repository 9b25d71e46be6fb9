package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/charmbracelet/lipgloss"
	config "github.com/crabzie/fog-fleet/config/utils"
	"github.com/crabzie/fog-fleet/internal/core/domain"
	"github.com/crabzie/fog-fleet/internal/core/port"
	units "github.com/docker/go-units"
	"github.com/pbnjay/memory"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// localTools are the executables provisioning and deploying shell out to
var localTools = []string{"virsh", "virt-install", "qemu-img", "rsync", "ssh"}

var (
	passStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	noteStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

type checkResult struct {
	name   string
	err    error
	note   string
	remark bool // a failure that does not block provisioning
}

// runChecks evaluates every check in order and writes one line per result.
// It returns how many blocking checks failed.
func runChecks(w io.Writer, results []checkResult) int {
	failed := 0
	for _, r := range results {
		switch {
		case r.err == nil:
			line := passStyle.Render("OK  ") + " " + r.name
			if r.note != "" {
				line += " (" + r.note + ")"
			}
			fmt.Fprintln(w, line)
		case r.remark:
			fmt.Fprintln(w, noteStyle.Render("WARN")+" "+r.name+": "+r.err.Error())
		default:
			failed++
			fmt.Fprintln(w, failStyle.Render("FAIL")+" "+r.name+": "+r.err.Error())
		}
	}
	return failed
}

func checkTools(lookPath func(string) (string, error)) []checkResult {
	out := make([]checkResult, 0, len(localTools))
	for _, tool := range localTools {
		p, err := lookPath(tool)
		out = append(out, checkResult{name: "tool " + tool, err: err, note: p})
	}
	return out
}

// checkCapacity compares the declared fleet against the host. Oversubscription
// works with KVM, so a shortfall is only a warning.
func checkCapacity(fleet *config.Fleet, hostCPUs int, hostMemory uint64) checkResult {
	res, err := domain.ParseResources(fleet.CPUs, fleet.Memory, fleet.Disk)
	if err != nil {
		return checkResult{name: "host capacity", err: err}
	}
	wantCPUs := res.CPUs * fleet.Size
	wantMemory := res.Memory * int64(fleet.Size)
	note := fmt.Sprintf("%d/%d cpus, %s/%s memory", wantCPUs, hostCPUs,
		units.BytesSize(float64(wantMemory)), units.BytesSize(float64(hostMemory)))

	if wantCPUs > hostCPUs || (hostMemory > 0 && uint64(wantMemory) > hostMemory) {
		return checkResult{name: "host capacity", err: fmt.Errorf("fleet of %d oversubscribes the host: %s", fleet.Size, note), remark: true}
	}
	return checkResult{name: "host capacity", note: note}
}

func checkService(ctx context.Context, c port.ServiceChecker, timeout time.Duration) checkResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return checkResult{name: "service " + c.Name(), err: c.Check(ctx)}
}

func cmdCheck(ctx context.Context, a *app, args []string) error {
	fs := pflag.NewFlagSet("check", pflag.ContinueOnError)
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	results := checkTools(exec.LookPath)
	results = append(results, checkCapacity(a.cfg.Fleet, runtime.NumCPU(), memory.TotalMemory()))

	if _, err := os.Stat(a.cfg.Fleet.BaseImage); err != nil {
		results = append(results, checkResult{
			name:   "base image",
			err:    fmt.Errorf("%s not present, provision downloads it from %s", a.cfg.Fleet.BaseImage, a.cfg.Fleet.BaseImageURL),
			remark: true,
		})
	} else {
		results = append(results, checkResult{name: "base image", note: a.cfg.Fleet.BaseImage})
	}

	_, err := a.remote()
	results = append(results, checkResult{name: "ssh key", err: err, note: a.cfg.SSH.KeyFile})

	inv, err := a.inventory().Load(ctx)
	switch {
	case errors.Is(err, domain.ErrInventoryNotFound):
		results = append(results, checkResult{name: "inventory", err: err, remark: true})
	case err != nil:
		results = append(results, checkResult{name: "inventory", err: err})
	default:
		results = append(results, checkResult{name: "inventory", note: fmt.Sprintf("%d nodes, master %s", inv.Len(), inv.MasterIP)})
	}

	timeout := a.cfg.Monitor.QueueTimeout
	qctx, cancel := context.WithTimeout(ctx, timeout)
	snap, err := a.queueInspector().Inspect(qctx)
	cancel()
	results = append(results, checkResult{name: "broker queue " + a.cfg.Broker.Queue, err: err, note: queueNote(snap)})

	for _, svc := range a.services(ctx) {
		results = append(results, checkService(ctx, svc, timeout))
	}

	if failed := runChecks(a.out, results); failed > 0 {
		a.log.Debug("Preflight failed", zap.Int("failed", failed))
		return fmt.Errorf("%d checks failed", failed)
	}
	return nil
}

func queueNote(q domain.QueueSnapshot) string {
	if q.Messages == nil || q.Consumers == nil {
		return ""
	}
	return fmt.Sprintf("%d messages, %d consumers", *q.Messages, *q.Consumers)
}
