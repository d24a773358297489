package network

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/netconverge/internal/clock"
	"grimm.is/netconverge/internal/neterr"
	"grimm.is/netconverge/internal/netstate"
	"grimm.is/netconverge/internal/plan"
	"grimm.is/netconverge/internal/txn"
)

// SnapshotCheckpointer implements txn.Checkpointer for kernel-only mode.
// A checkpoint is an in-memory copy of the kernel state and rollback plans
// the way back to it. Unlike a service-held checkpoint it does not outlive
// the process, so nothing rolls back on its own after a timeout.
type SnapshotCheckpointer struct {
	p     *Provider
	clock clock.Clock

	mu    sync.Mutex
	snaps map[string]*netstate.NetworkState
}

// NewSnapshotCheckpointer creates a checkpointer over p.
func NewSnapshotCheckpointer(p *Provider, clk clock.Clock) *SnapshotCheckpointer {
	if clk == nil {
		clk = clock.Real
	}
	return &SnapshotCheckpointer{p: p, clock: clk, snaps: make(map[string]*netstate.NetworkState)}
}

// Create snapshots the current kernel state.
func (s *SnapshotCheckpointer) Create(ctx context.Context, timeout time.Duration) (txn.Checkpoint, error) {
	state, err := s.p.Retrieve(ctx)
	if err != nil {
		return txn.Checkpoint{}, err
	}
	cp := txn.Checkpoint{ID: "kernel/" + uuid.NewString(), Created: s.clock.Now(), Timeout: timeout}

	s.mu.Lock()
	s.snaps[cp.ID] = state
	s.mu.Unlock()
	s.p.log.Debug("kernel snapshot taken", "checkpoint", cp.ID, "interfaces", len(state.Interfaces))
	return cp, nil
}

func (s *SnapshotCheckpointer) take(cp txn.Checkpoint) (*netstate.NetworkState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[cp.ID]
	if !ok {
		return nil, neterr.PluginFailure("unknown kernel checkpoint %s", cp.ID)
	}
	delete(s.snaps, cp.ID)
	return snap, nil
}

// Rollback restores the snapshot and forgets it.
func (s *SnapshotCheckpointer) Rollback(ctx context.Context, cp txn.Checkpoint) error {
	snap, err := s.take(cp)
	if err != nil {
		return err
	}
	current, err := s.p.Retrieve(ctx)
	if err != nil {
		return err
	}
	pl, err := plan.Build(restoreTarget(snap, current), current)
	if err != nil {
		return neterr.Wrap(neterr.KindPluginFailure, err, "failed to plan restore of %s", cp.ID)
	}
	s.p.log.Info("restoring kernel snapshot", "checkpoint", cp.ID, "plan", pl.Summary())
	return s.p.Apply(ctx, ConfFromPlan(pl))
}

// Destroy forgets the snapshot.
func (s *SnapshotCheckpointer) Destroy(ctx context.Context, cp txn.Checkpoint) error {
	_, err := s.take(cp)
	return err
}

// Extend only checks that the snapshot exists.
func (s *SnapshotCheckpointer) Extend(ctx context.Context, cp txn.Checkpoint, add time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snaps[cp.ID]; !ok {
		return neterr.PluginFailure("unknown kernel checkpoint %s", cp.ID)
	}
	return nil
}

// restoreTarget turns a snapshot into a desired state: interfaces created
// since are marked absent, routes and rules added since are removed.
// Interfaces the kernel backend cannot manage are left out, as are
// ethtool features and leased addresses.
func restoreTarget(snap, current *netstate.NetworkState) *netstate.NetworkState {
	snap = snap.Clone()
	desired := &netstate.NetworkState{}
	known := map[string]bool{}
	for _, iface := range snap.Interfaces {
		known[iface.Name] = true
		switch iface.Type {
		case netstate.TypeLoopback, netstate.TypeUnknown:
			continue
		}
		if !Handles(iface) {
			continue
		}
		iface.Ethtool = nil
		for _, ip := range []*netstate.InterfaceIP{iface.IPv4, iface.IPv6} {
			if ip != nil {
				ip.Address = staticAddrs(ip.Address)
			}
		}
		desired.Interfaces = append(desired.Interfaces, iface)
	}
	for _, iface := range current.Interfaces {
		if known[iface.Name] || !iface.IsVirtual() || !Handles(iface) {
			continue
		}
		gone := &netstate.Interface{}
		gone.Name = iface.Name
		gone.Type = iface.Type
		gone.State = netstate.StateAbsent
		desired.Interfaces = append(desired.Interfaces, gone)
	}

	desired.Routes = &netstate.Routes{}
	var snapRoutes, curRoutes []netstate.RouteEntry
	if snap.Routes != nil {
		snapRoutes = snap.Routes.Config
	}
	if current.Routes != nil {
		curRoutes = current.Routes.Config
	}
	desired.Routes.Config = append(desired.Routes.Config, snapRoutes...)
	for _, r := range curRoutes {
		if !containsRoute(snapRoutes, r) {
			r.State = netstate.EntryAbsent
			desired.Routes.Config = append(desired.Routes.Config, r)
		}
	}

	desired.RouteRules = &netstate.RouteRules{}
	var snapRules, curRules []netstate.RouteRuleEntry
	if snap.RouteRules != nil {
		snapRules = snap.RouteRules.Config
	}
	if current.RouteRules != nil {
		curRules = current.RouteRules.Config
	}
	desired.RouteRules.Config = append(desired.RouteRules.Config, snapRules...)
	for _, r := range curRules {
		if !containsRule(snapRules, r) {
			r.State = netstate.EntryAbsent
			desired.RouteRules.Config = append(desired.RouteRules.Config, r)
		}
	}
	return desired
}

func staticAddrs(addrs []netstate.InterfaceIPAddr) []netstate.InterfaceIPAddr {
	out := make([]netstate.InterfaceIPAddr, 0, len(addrs))
	for _, a := range addrs {
		if a.ValidLifeTime == "" {
			out = append(out, a)
		}
	}
	return out
}

func containsRoute(set []netstate.RouteEntry, r netstate.RouteEntry) bool {
	for _, s := range set {
		if s.Matches(r) && r.Matches(s) {
			return true
		}
	}
	return false
}

func containsRule(set []netstate.RouteRuleEntry, r netstate.RouteRuleEntry) bool {
	for _, s := range set {
		if s.Matches(r) && r.Matches(s) {
			return true
		}
	}
	return false
}
