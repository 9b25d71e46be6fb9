// Command fleet provisions worker VMs on the local hypervisor, deploys the
// workload to them and watches their health.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/crabzie/fog-fleet/config/logger"
	config "github.com/crabzie/fog-fleet/config/utils"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

// exit codes
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
	exitPartial = 3
)

var (
	errUsage   = errors.New("usage")
	errPartial = errors.New("one or more nodes failed")
)

type command struct {
	summary string
	// logsToStderr keeps stdout for the command's own output
	logsToStderr bool
	run          func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"provision": {summary: "create, boot and prepare worker VMs", run: cmdProvision},
	"deploy":    {summary: "push the workload bundle to every running node", run: cmdDeploy},
	"monitor":   {summary: "live fleet health dashboard", logsToStderr: true, run: cmdMonitor},
	"teardown":  {summary: "destroy one worker VM and drop it from the inventory", run: cmdTeardown},
	"inventory": {summary: "print the recorded nodes", run: cmdInventory},
	"history":   {summary: "print recent provision and deploy reports", run: cmdHistory},
	"logs":      {summary: "follow the workload logs of every node", logsToStderr: true, run: cmdLogs},
	"check":     {summary: "verify local tools and control node services", run: cmdCheck},
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}

func usage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintf(w, "Usage: fleet [global flags] <command> [flags]\n\nCommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-10s %s\n", name, commands[name].summary)
	}
	fmt.Fprintf(w, "\nGlobal flags:\n%s", fs.FlagUsages())
}

// run parses the global flags, builds config and logger and dispatches the
// command. The return value is the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("fleet", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetInterspersed(false)
	configPath := fs.StringP("config", "c", "", "config file (default ./config.yaml or /etc/fleet/config.yaml)")
	strict := fs.Bool("strict", false, "exit with status 3 when any node failed")
	logLevel := fs.String("log-level", "", "override logger.level")
	fs.Usage = func() { usage(stderr, fs) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if fs.NArg() == 0 {
		usage(stderr, fs)
		return exitUsage
	}
	name := fs.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", name)
		usage(stderr, fs)
		return exitUsage
	}

	appConfig, err := config.New(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "fleet: %v\n", err)
		return exitFailure
	}
	if *logLevel != "" {
		appConfig.Logger.Level = *logLevel
	}
	if cmd.logsToStderr {
		appConfig.Logger.ToStderr = true
	}
	baseLogger, err := logger.Build(appConfig.Logger)
	if err != nil {
		fmt.Fprintf(stderr, "fleet: %v\n", err)
		return exitFailure
	}
	defer baseLogger.Sync()

	zap.L().Debug("Starting command",
		zap.String("command", name),
		zap.String("app", appConfig.App.Name),
		zap.String("env", appConfig.App.Env))

	a := newApp(appConfig, baseLogger, *strict, stdout)
	defer a.close()

	return exitCode(cmd.run(ctx, a, fs.Args()[1:]), stderr)
}

// exitCode maps a command error to the process status and reports it
func exitCode(err error, stderr io.Writer) int {
	var help errHelp
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &help):
		fmt.Fprint(stderr, help.Error())
		return exitOK
	case errors.Is(err, errPartial):
		fmt.Fprintf(stderr, "fleet: %v\n", err)
		return exitPartial
	case errors.Is(err, errUsage):
		fmt.Fprintf(stderr, "fleet: %v\n", err)
		return exitUsage
	}
	fmt.Fprintf(stderr, "fleet: %v\n", err)
	return exitFailure
}
