package value

import (
	"strconv"
	"strings"
)

// Path addresses a node inside a Value tree. List elements are addressed by
// their decimal index.
type Path []string

// ParsePath splits a dotted path. "*" segments act as single-segment
// wildcards when the path is used as a pattern.
func ParsePath(s string) Path {
	if s == "" {
		return nil
	}
	return Path(strings.Split(s, "."))
}

// Append returns a new path with seg appended; p is never modified.
func (p Path) Append(seg string) Path {
	out := make(Path, len(p)+1)
	copy(out, p)
	out[len(p)] = seg
	return out
}

// Index returns a new path with a list index appended.
func (p Path) Index(i int) Path {
	return p.Append(strconv.Itoa(i))
}

func (p Path) String() string {
	return strings.Join(p, ".")
}

// Match reports whether p matches pattern segment by segment. A "*" in the
// pattern matches any single segment. A pattern ending in "**" matches any
// remaining suffix.
func (p Path) Match(pattern Path) bool {
	for i, seg := range pattern {
		if seg == "**" {
			return true
		}
		if i >= len(p) {
			return false
		}
		if seg != "*" && seg != p[i] {
			return false
		}
	}
	return len(p) == len(pattern)
}

// Last returns the final segment, or "".
func (p Path) Last() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}
