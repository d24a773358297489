// Package reconcile drives one apply from desired state to verified
// convergence.
//
// An Apply queries the backends, builds a plan, opens a checkpoint and
// runs the delete, add and change phases. Within a phase every backend
// works concurrently; the phase ends when all of them have. The result
// is then re-queried and verified before the checkpoint is destroyed.
// Any failure rolls the checkpoint back.
//
// Backends:
//
//   - StateProvider: netlink. Always present.
//   - ConfigService: NetworkManager. Absent in kernel-only mode, where a
//     kernel snapshot stands in for its checkpoints.
//   - OvsDBService: the OVS database. Only needed when OVSDB columns are
//     part of the desired state.
package reconcile

import (
	"context"
	"time"

	"grimm.is/netconverge/internal/clock"
	"grimm.is/netconverge/internal/history"
	"grimm.is/netconverge/internal/logging"
	"grimm.is/netconverge/internal/metrics"
	"grimm.is/netconverge/internal/neterr"
	"grimm.is/netconverge/internal/network"
	"grimm.is/netconverge/internal/netstate"
	"grimm.is/netconverge/internal/ovsdb"
	"grimm.is/netconverge/internal/plan"
	"grimm.is/netconverge/internal/txn"
	"grimm.is/netconverge/internal/verify"
)

// StateProvider reads and writes kernel network state.
type StateProvider interface {
	Retrieve(ctx context.Context) (*netstate.NetworkState, error)
	Apply(ctx context.Context, conf *network.NetConf) error
}

// ConfigService is the configuration daemon. It owns checkpoints.
type ConfigService interface {
	txn.Checkpointer
	Retrieve(ctx context.Context) (*netstate.NetworkState, error)
	ApplyInterfaces(ctx context.Context, ifaces []*netstate.Interface) error
	SetDNS(ctx context.Context, cfg *netstate.DNSClientState) error
	SetHostName(ctx context.Context, name string) error
}

// OvsDBService reads and writes OVS database columns.
type OvsDBService interface {
	Retrieve(ctx context.Context) (*ovsdb.State, error)
	ApplyGlobal(ctx context.Context, cfg *netstate.OvsDBGlobalConfig) error
	ApplyInterfaces(ctx context.Context, ifaces []*netstate.Interface) error
}

// Journal records apply attempts.
type Journal interface {
	Record(ctx context.Context, e history.Entry) error
}

// Options tune the reconciler.
type Options struct {
	// NoVerify skips verification; the checkpoint is still destroyed.
	NoVerify bool
	// NoCommit leaves the checkpoint open after verification; the
	// configuration service rolls it back once it expires.
	NoCommit bool
	// Timeout is the checkpoint rollback timeout.
	Timeout  time.Duration
	ExtendBy time.Duration
	// PhaseEstimate is the budget each phase is expected to need; the
	// checkpoint is extended when less remains.
	PhaseEstimate time.Duration

	VerifyRetries       int
	VerifyInterval      time.Duration
	AllowKernelRounding bool

	Clock clock.Clock
}

const (
	DefaultVerifyRetries  = 5
	DefaultVerifyInterval = time.Second
	DefaultPhaseEstimate  = 10 * time.Second
)

// Deps are the collaborators of a Reconciler. Kernel is required; Config
// and OvsDB are optional. Checkpointer defaults to Config. Kernel-only
// setups pass a snapshot checkpointer; full setups compose Config with
// one so netlink writes are rolled back too (see txn.Compose).
type Deps struct {
	Kernel       StateProvider
	Config       ConfigService
	OvsDB        OvsDBService
	Checkpointer txn.Checkpointer
	Journal      Journal
}

// Reconciler applies desired states. It holds no per-apply state and may
// serve several Apply calls, one at a time per host.
type Reconciler struct {
	deps     Deps
	opts     Options
	clock    clock.Clock
	verifier *verify.Verifier
	log      *logging.Logger
}

// New creates a Reconciler.
func New(deps Deps, opts Options) (*Reconciler, error) {
	if deps.Kernel == nil {
		return nil, neterr.Bug("reconciler needs a kernel state provider")
	}
	if deps.Checkpointer == nil {
		if deps.Config == nil {
			return nil, neterr.Bug("reconciler needs a checkpointer in kernel-only mode")
		}
		deps.Checkpointer = deps.Config
	}
	if opts.Timeout <= 0 {
		opts.Timeout = txn.DefaultTimeout
	}
	if opts.VerifyRetries <= 0 {
		opts.VerifyRetries = DefaultVerifyRetries
	}
	if opts.VerifyInterval <= 0 {
		opts.VerifyInterval = DefaultVerifyInterval
	}
	if opts.PhaseEstimate <= 0 {
		opts.PhaseEstimate = DefaultPhaseEstimate
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real
	}
	return &Reconciler{
		deps:     deps,
		opts:     opts,
		clock:    opts.Clock,
		verifier: verify.New(verify.Options{AllowKernelRounding: opts.AllowKernelRounding}),
		log:      logging.WithComponent("reconcile"),
	}, nil
}

// KernelOnly reports whether the configuration service is absent.
func (r *Reconciler) KernelOnly() bool {
	return r.deps.Config == nil
}

// Result describes a finished apply.
type Result struct {
	ID   string
	Plan *plan.Plan
	// Checkpoint is the handle the apply ran under; with NoCommit it is
	// still open.
	Checkpoint txn.Checkpoint
	State      txn.State
	Duration   time.Duration
}

// Show returns the current state as seen through every backend.
func (r *Reconciler) Show(ctx context.Context) (*netstate.NetworkState, error) {
	return r.query(ctx)
}

// Plan builds the plan for desired without touching the system. Work no
// configured backend can carry fails here as it would in Apply.
func (r *Reconciler) Plan(ctx context.Context, desired *netstate.NetworkState) (*plan.Plan, error) {
	current, err := r.query(ctx)
	if err != nil {
		return nil, err
	}
	p, err := plan.Build(desired, current)
	if err != nil {
		return nil, err
	}
	if _, err := r.dispatch(p); err != nil {
		return nil, err
	}
	return p, nil
}

// Apply converges the system to desired. It returns the result together
// with the single error that ended the attempt, if any.
func (r *Reconciler) Apply(ctx context.Context, desired *netstate.NetworkState) (*Result, error) {
	start := r.clock.Now()
	res := &Result{ID: history.NewID()}

	err := r.apply(ctx, desired, res)
	res.Duration = r.clock.Since(start)
	metrics.Get().RecordApply(err, start)
	r.record(ctx, res, start, err)

	if err != nil {
		r.log.Error("apply failed", "id", res.ID, "kind", neterr.KindOf(err).String(), "error", err)
		return res, err
	}
	r.log.Info("apply finished", "id", res.ID, "state", res.State.String(), "duration", res.Duration)
	return res, nil
}

func (r *Reconciler) apply(ctx context.Context, desired *netstate.NetworkState, res *Result) error {
	if r.opts.NoCommit && r.KernelOnly() {
		return neterr.NotSupported("no-commit needs a checkpoint that outlives the process; not available in kernel-only mode")
	}

	current, err := r.query(ctx)
	if err != nil {
		return err
	}
	p, err := plan.Build(desired, current)
	if err != nil {
		return err
	}
	res.Plan = p
	metrics.Get().RecordPlan(len(p.Delete), len(p.Add), len(p.Change))

	work, err := r.dispatch(p)
	if err != nil {
		return err
	}
	if p.Empty() {
		r.log.Info("nothing to do", "id", res.ID)
		res.State = txn.Idle
		return nil
	}
	r.log.Info("applying", "id", res.ID, "plan", p.Summary())

	mgr := txn.NewManager(r.deps.Checkpointer, txn.Options{
		Timeout:        r.opts.Timeout,
		ExtendBy:       r.opts.ExtendBy,
		VerifyEstimate: time.Duration(r.opts.VerifyRetries) * r.opts.VerifyInterval,
		NoCommit:       r.opts.NoCommit,
		Clock:          r.clock,
	})

	var verifyFn func(ctx context.Context) error
	if !r.opts.NoVerify {
		verifyFn = func(ctx context.Context) error { return r.verify(ctx, p.Desired) }
	}
	err = mgr.Run(ctx, r.phases(work), verifyFn)
	res.Checkpoint, _ = mgr.Checkpoint()
	res.State = mgr.State()
	return err
}

// verify re-queries until the backends report the desired state or the
// retries run out. Only verification mismatches are retried.
func (r *Reconciler) verify(ctx context.Context, desired *netstate.NetworkState) error {
	var last error
	for attempt := 1; attempt <= r.opts.VerifyRetries; attempt++ {
		current, err := r.query(ctx)
		if err != nil {
			return err
		}
		last = r.verifier.Verify(desired, current)
		if last == nil {
			return nil
		}
		if !neterr.IsKind(last, neterr.KindVerificationError) {
			return last
		}
		if attempt == r.opts.VerifyRetries {
			break
		}
		r.log.Debug("not converged yet", "attempt", attempt, "error", last)
		if err := r.clock.Sleep(ctx, r.opts.VerifyInterval); err != nil {
			return neterr.Wrap(neterr.KindTimeout, err, "verification interrupted")
		}
	}
	return last
}

func (r *Reconciler) record(ctx context.Context, res *Result, start time.Time, err error) {
	if r.deps.Journal == nil {
		return
	}
	e := history.Entry{
		ID:         res.ID,
		Started:    start,
		Finished:   r.clock.Now(),
		Result:     history.ResultSuccess,
		Checkpoint: res.Checkpoint.ID,
	}
	if res.Plan != nil {
		e.Plan = res.Plan.Summary()
		if err == nil && res.Plan.Empty() {
			e.Result = history.ResultNoop
		}
	}
	if err != nil {
		e.Result = neterr.KindOf(err).String()
		e.Message = err.Error()
	}
	if jerr := r.deps.Journal.Record(context.WithoutCancel(ctx), e); jerr != nil {
		r.log.Warn("failed to record apply", "id", res.ID, "error", jerr)
	}
}
