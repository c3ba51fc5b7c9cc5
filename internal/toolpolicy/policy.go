// Package toolpolicy evaluates allow/deny tool lists with glob patterns.
// Deny always wins over allow, and an empty allow list means everything is
// permitted.
package toolpolicy

import (
	"path"
	"sort"
)

// Policy is a resolved allow/deny tool list.
type Policy struct {
	Allowed []string
	Denied  []string
}

// Allows reports whether the named tool passes the policy. Patterns use
// path.Match globbing; a literal name matches itself.
func (p Policy) Allows(toolName string) bool {
	if matchesAny(p.Denied, toolName) {
		return false
	}
	if len(p.Allowed) == 0 {
		return true
	}
	return matchesAny(p.Allowed, toolName)
}

// FilterAllowed returns the subset of names that pass the policy, sorted.
func (p Policy) FilterAllowed(names []string) []string {
	var out []string
	for _, name := range names {
		if p.Allows(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Restrict narrows the policy for a child scope: the child may allow at
// most what the parent effectively allows, and inherits every parent
// denial on top of its own.
//
// The child's allow list becomes the override entries that survive the
// parent's policy. If the override is empty the parent's allow list is
// inherited as-is.
func Restrict(parent Policy, override Policy) Policy {
	out := Policy{}

	if len(override.Allowed) == 0 {
		out.Allowed = append(out.Allowed, parent.Allowed...)
	} else {
		for _, name := range override.Allowed {
			if parent.Allows(name) {
				out.Allowed = append(out.Allowed, name)
			}
		}
		if len(out.Allowed) == 0 {
			// Everything the child asked for is parent-denied. An empty
			// allow list would mean "allow all", so pin it closed.
			out.Denied = append(out.Denied, "*")
		}
	}

	out.Denied = append(out.Denied, parent.Denied...)
	out.Denied = append(out.Denied, override.Denied...)
	out.Denied = dedupe(out.Denied)
	out.Allowed = dedupe(out.Allowed)
	return out
}

// WithDenied returns a copy of the policy with extra denied entries.
func (p Policy) WithDenied(names ...string) Policy {
	out := Policy{
		Allowed: append([]string(nil), p.Allowed...),
		Denied:  append([]string(nil), p.Denied...),
	}
	out.Denied = dedupe(append(out.Denied, names...))
	return out
}

func matchesAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if pattern == name {
			return true
		}
		if ok, err := path.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

func dedupe(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(names))
	var out []string
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}
