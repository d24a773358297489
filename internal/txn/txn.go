// Package txn runs an apply inside a backend checkpoint: every phase that
// fails, and a failed verification, rolls the system back to the state
// captured when the checkpoint was created.
package txn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"grimm.is/netconverge/internal/clock"
	"grimm.is/netconverge/internal/logging"
	"grimm.is/netconverge/internal/metrics"
	"grimm.is/netconverge/internal/neterr"
)

// State is the lifecycle position of a transaction.
type State int

const (
	Idle State = iota
	CheckpointOpen
	Committing
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CheckpointOpen:
		return "checkpoint-open"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled-back"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Checkpoint is a backend handle for a saved system state.
type Checkpoint struct {
	ID      string
	Created time.Time
	Timeout time.Duration
}

// Checkpointer is implemented by backends that can snapshot and restore
// the network configuration. A checkpoint that is neither destroyed nor
// extended is rolled back by the backend once its timeout expires.
type Checkpointer interface {
	Create(ctx context.Context, timeout time.Duration) (Checkpoint, error)
	Rollback(ctx context.Context, cp Checkpoint) error
	Destroy(ctx context.Context, cp Checkpoint) error
	// Extend resets the rollback timer to expire add from now.
	Extend(ctx context.Context, cp Checkpoint, add time.Duration) error
}

// Phase is one barrier-separated step of an apply.
type Phase struct {
	Name string
	// Estimate is the expected duration; the checkpoint is extended when
	// less than this remains.
	Estimate time.Duration
	Run      func(ctx context.Context) error
}

// Options tune a Manager.
type Options struct {
	// Timeout is the checkpoint rollback timeout.
	Timeout time.Duration
	// ExtendBy is the minimum extension granted when a phase would
	// outlive the checkpoint.
	ExtendBy time.Duration
	// VerifyEstimate is the budget reserved for verification.
	VerifyEstimate time.Duration
	// NoCommit leaves the checkpoint open after a successful verify.
	NoCommit bool
	Clock    clock.Clock
	Logger   *logging.Logger
}

const (
	DefaultTimeout  = 60 * time.Second
	DefaultExtendBy = 30 * time.Second
)

// Manager drives one transaction. It is not reusable: a second Run fails
// with Bug.
type Manager struct {
	cp    Checkpointer
	opts  Options
	clock clock.Clock
	log   *logging.Logger

	mu       sync.Mutex
	state    State
	handle   Checkpoint
	deadline time.Time
}

// NewManager creates a Manager backed by cp.
func NewManager(cp Checkpointer, opts Options) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ExtendBy <= 0 {
		opts.ExtendBy = DefaultExtendBy
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("txn")
	}
	return &Manager{cp: cp, opts: opts, clock: opts.Clock, log: opts.Logger}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Checkpoint returns the handle of the open or last checkpoint.
func (m *Manager) Checkpoint() (Checkpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle, m.state != Idle
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log.Debug("transaction state", "from", m.state.String(), "to", s.String())
	m.state = s
}

// Run creates a checkpoint, runs the phases in order, verifies and
// commits. A failing phase or verification is rolled back exactly once and
// its error returned; a rollback failure is logged but never replaces it.
// Phases are not interrupted once started: ctx is only checked between
// phases.
func (m *Manager) Run(ctx context.Context, phases []Phase, verify func(ctx context.Context) error) error {
	if s := m.State(); s != Idle {
		return neterr.Bug("transaction already used (state %s)", s)
	}

	cp, err := m.cp.Create(ctx, m.opts.Timeout)
	if err != nil {
		return neterr.Wrap(neterr.KindPluginFailure, err, "failed to create checkpoint")
	}
	m.mu.Lock()
	m.handle = cp
	m.deadline = m.clock.Now().Add(m.opts.Timeout)
	m.mu.Unlock()
	m.setState(CheckpointOpen)
	m.log.Audit("checkpoint_create", cp.ID, map[string]any{"timeout": m.opts.Timeout.String()})

	for _, ph := range phases {
		if err := ctx.Err(); err != nil {
			m.rollback(ctx, "timeout")
			return neterr.Wrap(neterr.KindTimeout, err, "apply interrupted before phase %s", ph.Name)
		}
		m.ensureBudget(ctx, ph.Name, ph.Estimate)

		start := m.clock.Now()
		err := ph.Run(context.WithoutCancel(ctx))
		metrics.Get().ObservePhase(ph.Name, m.clock.Since(start))
		if err != nil {
			m.log.Error("phase failed", "phase", ph.Name, "error", err)
			m.rollback(ctx, "phase")
			return err
		}
		m.log.Debug("phase done", "phase", ph.Name)
	}

	if verify != nil {
		m.ensureBudget(ctx, "verify", m.opts.VerifyEstimate)
		if err := verify(ctx); err != nil {
			m.log.Warn("verification failed", "error", err)
			m.rollback(ctx, "verify")
			return err
		}
	}

	if m.opts.NoCommit {
		m.log.Info("leaving checkpoint open", "checkpoint", cp.ID, "expires", m.deadline)
		return nil
	}

	m.setState(Committing)
	if err := m.cp.Destroy(ctx, cp); err != nil {
		// No rollback is issued: the backend still holds the checkpoint
		// and rolls back once it expires.
		m.mu.Lock()
		deadline := m.deadline
		m.mu.Unlock()
		m.setState(RolledBack)
		m.log.Error("failed to destroy checkpoint", "checkpoint", cp.ID, "expires", deadline, "error", err)
		return neterr.Wrap(neterr.KindPluginFailure, err,
			"failed to commit checkpoint %s; the backend rolls it back when it expires at %s",
			cp.ID, deadline.Format(time.RFC3339))
	}
	m.setState(Committed)
	m.log.Audit("checkpoint_commit", cp.ID, nil)
	return nil
}

// ensureBudget extends the checkpoint when less than need remains before
// the backend rolls back on its own. Failure is logged and ignored.
func (m *Manager) ensureBudget(ctx context.Context, name string, need time.Duration) {
	if need <= 0 {
		return
	}
	m.mu.Lock()
	cp, deadline := m.handle, m.deadline
	m.mu.Unlock()

	remaining := m.clock.Until(deadline)
	if remaining >= need {
		return
	}
	add := m.opts.ExtendBy
	if need > add {
		add = need
	}
	err := m.cp.Extend(ctx, cp, add)
	metrics.Get().RecordExtension(err)
	if err != nil {
		m.log.Warn("failed to extend checkpoint", "checkpoint", cp.ID, "phase", name, "error", err)
		return
	}
	m.mu.Lock()
	m.deadline = m.clock.Now().Add(add)
	m.mu.Unlock()
	m.log.Debug("checkpoint extended", "checkpoint", cp.ID, "phase", name, "by", add)
}

// rollback restores the checkpoint with a context detached from the
// caller's, bounded by the checkpoint timeout, so that an expired caller
// deadline still gets its rollback.
func (m *Manager) rollback(ctx context.Context, trigger string) {
	m.mu.Lock()
	cp := m.handle
	m.mu.Unlock()

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.Timeout)
	defer cancel()

	err := m.cp.Rollback(rctx, cp)
	metrics.Get().RecordRollback(trigger, err)
	m.setState(RolledBack)
	if err != nil {
		m.log.Error("rollback failed", "checkpoint", cp.ID, "trigger", trigger, "error", err)
	} else {
		m.log.Info("rolled back", "checkpoint", cp.ID, "trigger", trigger)
	}
	m.log.Audit("checkpoint_rollback", cp.ID, map[string]any{"trigger": trigger, "ok": err == nil})
}
