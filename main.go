package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/netconverge/cmd"
	"grimm.is/netconverge/internal/brand"
)

var printer = cmd.Printer

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(cmd.ExitInvalidArgument)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "show":
		fs, o := commonFlags("show")
		fs.Parse(os.Args[2:])
		err = cmd.RunShow(ctx, *o)

	case "apply":
		fs, o := commonFlags("apply")
		fs.BoolVar(&o.NoVerify, "no-verify", false, "Skip verification of the result")
		fs.BoolVar(&o.NoCommit, "no-commit", false, "Leave the checkpoint open; it rolls back when the timeout expires")
		fs.DurationVar(&o.Timeout, "timeout", 0, "Checkpoint rollback timeout (default from config)")
		fs.DurationVar(&o.ApplyTimeout, "apply-timeout", 0, "Abort and roll back an apply running longer than this (default from config)")
		fs.BoolVar(&o.DryRun, "dry-run", false, "Print kernel operations without applying them")
		fs.BoolVar(&o.DryRun, "n", false, "Dry run (short)")
		fs.Parse(os.Args[2:])
		if fs.NArg() != 1 {
			usageError("apply [options] <state.yml>")
		}
		err = cmd.RunApply(ctx, *o, fs.Arg(0))

	case "plan":
		fs, o := commonFlags("plan")
		fs.Parse(os.Args[2:])
		if fs.NArg() != 1 {
			usageError("plan [options] <state.yml>")
		}
		err = cmd.RunPlan(ctx, *o, fs.Arg(0))

	case "diff":
		fs, o := commonFlags("diff")
		fs.Parse(os.Args[2:])
		if fs.NArg() != 1 {
			usageError("diff [options] <state.yml>")
		}
		err = cmd.RunDiff(ctx, *o, fs.Arg(0))
		if err == cmd.ErrDiffers {
			os.Exit(cmd.ExitFailure)
		}

	case "history":
		fs, o := commonFlags("history")
		limit := fs.Int("limit", 20, "Number of entries to list")
		fs.IntVar(limit, "l", 20, "Number of entries (short)")
		fs.Parse(os.Args[2:])
		err = cmd.RunHistory(ctx, *o, *limit, fs.Arg(0))

	case "config":
		fs, o := commonFlags("config")
		fs.Parse(os.Args[2:])
		err = cmd.RunConfig(*o)

	case "version", "--version":
		cmd.RunVersion()

	case "help", "-h", "--help":
		printUsage()

	default:
		printer.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(cmd.ExitInvalidArgument)
	}

	if err != nil {
		printer.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(cmd.ExitCode(err))
	}
}

func commonFlags(name string) (*flag.FlagSet, *cmd.Options) {
	o := &cmd.Options{}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&o.ConfigFile, "config", brand.ConfigPath(), "Configuration file")
	fs.StringVar(&o.ConfigFile, "c", brand.ConfigPath(), "Configuration file (short)")
	fs.BoolVar(&o.KernelOnly, "kernel", false, "Kernel-only mode: do not use NetworkManager")
	fs.BoolVar(&o.Debug, "debug", false, "Debug logging")
	return fs, o
}

func usageError(usage string) {
	printer.Fprintf(os.Stderr, "Usage: %s %s\n", brand.BinaryName, usage)
	os.Exit(cmd.ExitInvalidArgument)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `%s - %s

Usage:
  %s <command> [options]

Commands:
  show      Print the current network state as YAML
  apply     Converge the host to a desired state file
            Options: --no-verify, --no-commit, --timeout <dur>,
                     --apply-timeout <dur>, --dry-run (-n)
  plan      Show what apply would change
  diff      Unified diff of current state against the planned result
  history   List recent applies, or show one: history [--limit N] [id]
  config    Validate the configuration file and print it with defaults
  version   Print version information

Common options:
  --config (-c) <file>   Configuration file (default %s)
  --kernel               Kernel-only mode: netlink with in-memory checkpoints
  --debug                Debug logging

Exit status:
  0 success, 1 failure or diff found, 2 invalid argument, 3 verification
  failed, 4 not supported, 5 missing dependency, 6 backend failure,
  7 permission denied, 8 timeout

Examples:
  %s apply /etc/netconverge/state.yml
  %s apply --no-commit --timeout 2m state.yml
  %s plan --kernel state.yml
`,
		brand.Name, brand.Description,
		brand.BinaryName,
		brand.ConfigPath(),
		brand.BinaryName, brand.BinaryName, brand.BinaryName)
}
