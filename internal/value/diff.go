package value

import "fmt"

// RedactionSentinel stands in for a secret that is never compared in clear
// text. A desired string equal to it matches any current value.
const RedactionSentinel = "<_password_hid_by_nmstate>"

// noisyPaths are reported by backends with values that never round-trip
// (lifetimes, runtime timers, neighbour tables). A mismatch under one of
// them is dropped and the comparison continues.
var noisyPaths = []Path{
	ParsePath("interfaces.*.ipv4.address.*.valid-life-time"),
	ParsePath("interfaces.*.ipv4.address.*.preferred-life-time"),
	ParsePath("interfaces.*.ipv6.address.*.valid-life-time"),
	ParsePath("interfaces.*.ipv6.address.*.preferred-life-time"),
	ParsePath("interfaces.*.permanent-mac-address"),
	ParsePath("interfaces.*.lldp.neighbors.**"),
	ParsePath("interfaces.*.bridge.options.gc-timer"),
	ParsePath("interfaces.*.bridge.options.hello-timer"),
	ParsePath("interfaces.*.bridge.options.tcn-timer"),
	ParsePath("interfaces.*.bridge.options.topology-change-timer"),
	ParsePath("interfaces.*.ethtool.feature.**"),
}

// NoisyPaths returns a copy of the built-in ignore list.
func NoisyPaths() []Path {
	out := make([]Path, len(noisyPaths))
	copy(out, noisyPaths)
	return out
}

// IsNoisy reports whether p matches a built-in ignore pattern.
func IsNoisy(p Path) bool {
	for _, pattern := range noisyPaths {
		if p.Match(pattern) {
			return true
		}
	}
	return false
}

// Mismatch describes the first divergence found by Diff.
type Mismatch struct {
	Path    Path
	Desired Value
	Current Value
}

func (m *Mismatch) String() string {
	return fmt.Sprintf("%s: desired %s, current %s", m.Path, m.Desired, m.Current)
}

// Options tune a comparison.
type Options struct {
	// Ignore drops mismatches at matching paths in addition to the
	// built-in noisy paths.
	Ignore func(Path) bool
}

// Diff compares desired against current starting at path and returns the
// first pre-order mismatch, or nil when current satisfies desired.
func Diff(path Path, desired, current Value) *Mismatch {
	return DiffWith(path, desired, current, Options{})
}

// DiffWith is Diff with caller-supplied options.
func DiffWith(path Path, desired, current Value, opts Options) *Mismatch {
	d := differ{opts: opts}
	return d.diff(path, desired, current)
}

type differ struct {
	opts Options
}

func (d *differ) report(path Path, desired, current Value) *Mismatch {
	if IsNoisy(path) {
		return nil
	}
	if d.opts.Ignore != nil && d.opts.Ignore(path) {
		return nil
	}
	return &Mismatch{Path: path, Desired: desired, Current: current}
}

func (d *differ) diff(path Path, desired, current Value) *Mismatch {
	if desired.IsNull() {
		return nil
	}
	if desired.kind == KindString && desired.s == RedactionSentinel {
		return nil
	}
	if desired.kind != current.kind {
		return d.report(path, desired, current)
	}

	switch desired.kind {
	case KindList:
		if len(desired.list) != len(current.list) {
			return d.report(path, desired, current)
		}
		for i := range desired.list {
			if m := d.diff(path.Index(i), desired.list[i], current.list[i]); m != nil {
				return m
			}
		}
		return nil
	case KindMap:
		for _, key := range desired.Keys() {
			dv := desired.m[key]
			cv, ok := current.m[key]
			if !ok {
				if dv.IsNull() {
					continue
				}
				if dv.kind == KindString && dv.s == RedactionSentinel {
					continue
				}
				if m := d.report(path.Append(key), dv, Null()); m != nil {
					return m
				}
				continue
			}
			if m := d.diff(path.Append(key), dv, cv); m != nil {
				return m
			}
		}
		return nil
	default:
		if Equal(desired, current) {
			return nil
		}
		return d.report(path, desired, current)
	}
}
