package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/crabzie/fog-fleet/internal/core/domain"
	"github.com/crabzie/fog-fleet/internal/core/service"
	"github.com/muesli/termenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// parseFlags parses a subcommand's flags; --help is reported as errHelp
func parseFlags(fs *pflag.FlagSet, args []string) error {
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return errHelp{fs}
		}
		return fmt.Errorf("%w: %s: %v", errUsage, fs.Name(), err)
	}
	return nil
}

// errHelp carries the flag set whose usage was requested
type errHelp struct{ fs *pflag.FlagSet }

func (e errHelp) Error() string {
	return "usage of " + e.fs.Name() + ":\n" + e.fs.FlagUsages()
}

// finish prints the report and turns a partial failure into errPartial under --strict
func (a *app) finish(report *domain.Report, err error) error {
	if report != nil {
		if rerr := service.RenderReport(a.out, report); rerr != nil {
			return rerr
		}
	}
	if err != nil {
		return err
	}
	if a.strict && report.PartialFailure() {
		return fmt.Errorf("%w: %d of %d", errPartial, report.Count(domain.OutcomeFailed), len(report.Outcomes))
	}
	return nil
}

func cmdProvision(ctx context.Context, a *app, args []string) error {
	fs := pflag.NewFlagSet("provision", pflag.ContinueOnError)
	count := fs.IntP("count", "n", a.cfg.Fleet.Size, "number of worker nodes")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *count < 1 {
		return fmt.Errorf("%w: --count must be at least 1", errUsage)
	}

	remote, err := a.remote()
	if err != nil {
		return err
	}
	p, err := a.provisioner(ctx, remote)
	if err != nil {
		return err
	}
	a.log.Info("Provisioning fleet", zap.Int("count", *count))
	return a.finish(p.Provision(ctx, *count))
}

func cmdDeploy(ctx context.Context, a *app, args []string) error {
	fs := pflag.NewFlagSet("deploy", pflag.ContinueOnError)
	version := fs.String("version", "", "bundle version (default random)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *version == "" {
		*version = service.NewVersion()
	}

	// a missing inventory outranks bundle and key problems
	if _, err := a.inventory().Load(ctx); err != nil {
		return err
	}
	bundle, err := buildBundle(a.cfg.Deploy, *version)
	if err != nil {
		return err
	}
	remote, err := a.remote()
	if err != nil {
		return err
	}
	a.log.Info("Deploying bundle",
		zap.String("version", bundle.Version),
		zap.String("source", bundle.SourceDir),
		zap.Int("credentials", len(bundle.CredentialPool)))
	return a.finish(a.deployer(ctx, remote).Deploy(ctx, bundle))
}

func cmdMonitor(ctx context.Context, a *app, args []string) error {
	fs := pflag.NewFlagSet("monitor", pflag.ContinueOnError)
	once := fs.Bool("once", false, "print one snapshot and exit")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	m, err := a.monitor(ctx)
	if err != nil {
		return err
	}
	if *once {
		return service.RenderDashboard(a.out, m.Cycle(ctx))
	}

	clear := a.cfg.Monitor.ClearScreen && isTerminal(a.out)
	screen := termenv.NewOutput(a.out)

	a.log.Info("Starting monitor", zap.Duration("interval", a.cfg.Monitor.Interval))
	return m.Run(ctx, func(view domain.FleetView) {
		if clear {
			screen.ClearScreen()
		}
		if err := service.RenderDashboard(a.out, view); err != nil {
			a.log.Warn("Render failed", zap.Error(err))
		}
	})
}

// isTerminal reports whether w is an interactive terminal; redirected output is never cleared
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func cmdTeardown(ctx context.Context, a *app, args []string) error {
	fs := pflag.NewFlagSet("teardown", pflag.ContinueOnError)
	yes := fs.BoolP("yes", "y", false, "confirm that the VM and its disk are destroyed")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: teardown takes exactly one node name", errUsage)
	}
	name := fs.Arg(0)
	if !*yes {
		return fmt.Errorf("%w: teardown destroys %s and deletes its disk; pass --yes", errUsage, name)
	}

	p, err := a.provisioner(ctx, nil)
	if err != nil {
		return err
	}
	if err := p.Teardown(ctx, name); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s removed\n", name)
	return nil
}

func cmdInventory(ctx context.Context, a *app, args []string) error {
	fs := pflag.NewFlagSet("inventory", pflag.ContinueOnError)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	inv, err := a.inventory().Load(ctx)
	if err != nil {
		return err
	}
	return service.RenderInventory(a.out, inv)
}

func cmdHistory(ctx context.Context, a *app, args []string) error {
	fs := pflag.NewFlagSet("history", pflag.ContinueOnError)
	limit := fs.Int("limit", 5, "number of runs to show")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	if _, err := a.database(ctx); err != nil {
		return err
	}
	reports, err := a.recorder(ctx).Recent(ctx, *limit)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		fmt.Fprintln(a.out, "no recorded runs")
		return nil
	}
	for i, r := range reports {
		if i > 0 {
			fmt.Fprintln(a.out)
		}
		if err := service.RenderReport(a.out, r); err != nil {
			return err
		}
	}
	return nil
}

func cmdLogs(ctx context.Context, a *app, args []string) error {
	fs := pflag.NewFlagSet("logs", pflag.ContinueOnError)
	tail := fs.Int("tail", 50, "lines of history per node before following")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	inv, err := a.inventory().Load(ctx)
	if err != nil {
		return err
	}
	nodes, err := selectNodes(inv, fs.Args())
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return fmt.Errorf("%w: no node has an address", domain.ErrMissingPrerequisite)
	}

	remote, err := a.remote()
	if err != nil {
		return err
	}
	return service.NewLogFollower(remote, a.log.Named("logs")).Follow(ctx, nodes, a.cfg.Deploy.ContainerName, *tail, a.out)
}

// selectNodes returns the addressed nodes named in names, or all of them
func selectNodes(inv *domain.Inventory, names []string) ([]domain.Node, error) {
	if len(names) == 0 {
		var out []domain.Node
		for _, n := range inv.All() {
			if n.Address != "" {
				out = append(out, n)
			}
		}
		return out, nil
	}

	out := make([]domain.Node, 0, len(names))
	var missing []string
	for _, name := range names {
		n, ok := inv.Get(name)
		if !ok || n.Address == "" {
			missing = append(missing, name)
			continue
		}
		out = append(out, n)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: no address recorded for %s", errUsage, strings.Join(missing, ", "))
	}
	return out, nil
}
