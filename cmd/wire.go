// Package cmd implements the netconverge subcommands. Each RunXxx function
// loads the configuration, wires the backends it needs and returns an
// error whose kind selects the process exit code.
package cmd

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"grimm.is/netconverge/internal/clock"
	"grimm.is/netconverge/internal/config"
	"grimm.is/netconverge/internal/history"
	"grimm.is/netconverge/internal/i18n"
	"grimm.is/netconverge/internal/logging"
	"grimm.is/netconverge/internal/metrics"
	"grimm.is/netconverge/internal/neterr"
	"grimm.is/netconverge/internal/network"
	"grimm.is/netconverge/internal/nm"
	"grimm.is/netconverge/internal/ovsdb"
	"grimm.is/netconverge/internal/reconcile"
	"grimm.is/netconverge/internal/txn"
)

// Printer writes command output in the user's locale.
var Printer = i18n.NewCLIPrinter()

// ErrDiffers is returned by diff when the desired state is not reached.
var ErrDiffers = errors.New("current state differs from desired state")

// Exit codes by error kind.
const (
	ExitOK              = 0
	ExitFailure         = 1
	ExitInvalidArgument = 2
	ExitVerification    = 3
	ExitNotSupported    = 4
	ExitDependency      = 5
	ExitPluginFailure   = 6
	ExitPermission      = 7
	ExitTimeout         = 8
)

// ExitCode maps err to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch neterr.KindOf(err) {
	case neterr.KindInvalidArgument, neterr.KindKernelIntegerRounded:
		return ExitInvalidArgument
	case neterr.KindVerificationError:
		return ExitVerification
	case neterr.KindNotSupported, neterr.KindNotImplemented:
		return ExitNotSupported
	case neterr.KindDependencyError:
		return ExitDependency
	case neterr.KindPluginFailure:
		return ExitPluginFailure
	case neterr.KindPermissionError:
		return ExitPermission
	case neterr.KindTimeout:
		return ExitTimeout
	}
	return ExitFailure
}

// Options are the command-line overrides shared by the subcommands.
type Options struct {
	ConfigFile string
	KernelOnly bool
	DryRun     bool
	NoVerify   bool
	NoCommit   bool
	// Timeout is the checkpoint rollback timeout.
	Timeout time.Duration
	// ApplyTimeout bounds the whole apply.
	ApplyTimeout time.Duration
	Debug        bool
}

// applyContext bounds ctx by the apply timeout from o or cfg, if any.
// An apply that runs out of time is rolled back.
func applyContext(ctx context.Context, cfg *config.Config, o Options) (context.Context, context.CancelFunc) {
	d := cfg.ApplyTimeout()
	if o.ApplyTimeout > 0 {
		d = o.ApplyTimeout
	}
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// setup loads the configuration and installs the default logger.
func setup(o Options) (*config.Config, func(), error) {
	cfg, err := config.Load(o.ConfigFile)
	if err != nil {
		return nil, nil, err
	}

	level, _ := logging.ParseLevel(cfg.Log.Level)
	if o.Debug {
		level = logging.LevelDebug
	}
	logCfg := logging.Config{Level: level, Output: os.Stderr, JSON: cfg.Log.JSON}
	cleanup := func() {}
	if cfg.Log.Syslog != "" {
		w, err := logging.NewSyslogWriter(cfg.Log.Syslog)
		if err != nil {
			logging.Warn("syslog forwarding disabled", "error", err)
		} else {
			logCfg.Output = io.MultiWriter(os.Stderr, w)
			cleanup = func() { w.Close() }
		}
	}
	logging.SetDefault(logging.New(logCfg))
	return cfg, cleanup, nil
}

// flushMetrics writes the metrics textfile when one is configured.
func flushMetrics(cfg *config.Config) {
	if cfg == nil || cfg.Metrics.Textfile == "" {
		return
	}
	if err := metrics.WriteTextfile(cfg.Metrics.Textfile); err != nil {
		logging.Warn("failed to write metrics", "path", cfg.Metrics.Textfile, "error", err)
	}
}

// backends holds the wired backends for one command.
type backends struct {
	rec     *reconcile.Reconciler
	journal *history.Journal
	dryRun  *network.DryRunNetlinker
	dryEth  *network.DryRunEthtool
	drySys  *network.DryRunSystemController
	closers []func()
}

func (r *backends) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// kernelOnly reports whether NetworkManager is left out. It cannot manage
// a foreign namespace, and a dry run must not reach it.
func kernelOnly(cfg *config.Config, o Options) bool {
	return o.KernelOnly || o.DryRun || cfg.Backend.KernelOnly || cfg.Backend.Netns != ""
}

// wire builds the backends for cfg and o. withJournal opens the apply
// history; read-only commands skip it.
func wire(ctx context.Context, cfg *config.Config, o Options, withJournal bool) (*backends, error) {
	log := logging.WithComponent("cmd")
	rt := &backends{}

	realNL, err := network.NewNetlinker(cfg.Backend.Netns)
	if err != nil {
		return nil, neterr.Wrap(neterr.KindDependencyError, err, "failed to open netlink")
	}
	var (
		nl  network.Netlinker        = realNL
		sys network.SystemController = &network.RealSystemController{}
		eth network.Ethtooler
	)
	if e, err := network.NewEthtool(); err != nil {
		log.Debug("ethtool unavailable, offload features ignored", "error", err)
	} else {
		eth = e
	}
	if o.DryRun {
		rt.dryRun = &network.DryRunNetlinker{Base: realNL}
		rt.drySys = &network.DryRunSystemController{Base: sys}
		rt.dryEth = &network.DryRunEthtool{}
		if eth != nil {
			eth.Close()
		}
		nl, sys, eth = rt.dryRun, rt.drySys, rt.dryEth
	}
	provider := network.NewProvider(nl, eth, sys)
	rt.closers = append(rt.closers, provider.Close)

	deps := reconcile.Deps{Kernel: provider}

	if kernelOnly(cfg, o) {
		deps.Checkpointer = network.NewSnapshotCheckpointer(provider, clock.Real)
	} else {
		bus, err := nm.NewSystemBus()
		if err != nil {
			rt.Close()
			return nil, neterr.Wrap(neterr.KindDependencyError, err, "NetworkManager is not reachable; use --kernel for kernel-only mode")
		}
		client := nm.New(bus, cfg.CallTimeout())
		rt.closers = append(rt.closers, func() { client.Close() })
		deps.Config = client
		// Links, addresses, routes and rules written over netlink are
		// outside the NetworkManager checkpoint.
		deps.Checkpointer = txn.Compose(client, network.NewSnapshotCheckpointer(provider, clock.Real))
	}

	if cfg.OvsDB.Socket != "" && !o.DryRun {
		dctx, cancel := context.WithTimeout(ctx, cfg.CallTimeout())
		conn, err := ovsdb.Dial(dctx, cfg.OvsDB.Socket)
		cancel()
		if err != nil {
			log.Debug("OVSDB unavailable", "socket", cfg.OvsDB.Socket, "error", err)
		} else {
			client := ovsdb.New(conn, cfg.CallTimeout())
			rt.closers = append(rt.closers, client.Close)
			deps.OvsDB = client
		}
	}

	if withJournal && !o.DryRun && cfg.HistoryEnabled() {
		j, err := openJournal(cfg)
		if err != nil {
			log.Warn("apply history disabled", "path", cfg.History.Path, "error", err)
		} else {
			rt.journal = j
			rt.closers = append(rt.closers, func() { j.Close() })
			deps.Journal = j
		}
	}

	timeout := cfg.CheckpointTimeout()
	if o.Timeout > 0 {
		timeout = o.Timeout
	}
	rec, err := reconcile.New(deps, reconcile.Options{
		NoVerify:            o.NoVerify || o.DryRun,
		NoCommit:            o.NoCommit,
		Timeout:             timeout,
		ExtendBy:            cfg.ExtendBy(),
		PhaseEstimate:       cfg.PhaseEstimate(),
		VerifyRetries:       cfg.Verify.Retries,
		VerifyInterval:      cfg.VerifyInterval(),
		AllowKernelRounding: cfg.Verify.AllowKernelRounding,
	})
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.rec = rec
	return rt, nil
}

func openJournal(cfg *config.Config) (*history.Journal, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.History.Path), 0o750); err != nil {
		return nil, err
	}
	opts := history.DefaultOptions(cfg.History.Path)
	opts.Retain = cfg.History.Retain
	return history.Open(opts)
}
