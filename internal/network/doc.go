// Package network is the kernel backend: it reads links, addresses, routes
// and policy rules over netlink and applies the changes that need nothing
// but the kernel.
//
// # Key Components
//
//   - [Provider]: Retrieve and Apply against a [Netlinker]
//   - [RealNetlinker]: netlink handle, optionally bound to a named netns
//   - [SnapshotCheckpointer]: in-memory checkpoint for kernel-only mode
//   - [DryRunNetlinker]: logs the equivalent ip commands instead of applying
//
// Bridge timers, bridge port and bonding options are written through sysfs
// via a [SystemController]; offload features go through ethtool. Both are
// namespace-unaware, so they act on the process namespace even when the
// netlink handle is bound to another one.
//
// Kernel error numbers are mapped into the neterr taxonomy.
//
// # Example
//
//	nl, err := network.NewNetlinker("")
//	if err != nil {
//	    return err
//	}
//	p := network.NewProvider(nl, nil, nil)
//	defer p.Close()
//
//	state, err := p.Retrieve(ctx)
package network
