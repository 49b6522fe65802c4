// Package types contains UID constants and lookup tables shared by the
// upper layer packages.
package types

import "fmt"

// Names maps syntax UIDs to human readable names. It is an ordinary value
// that callers build and hand to the components that log UIDs; there is no
// process-wide table.
type Names map[string]string

// DefaultNames returns a fresh table with the well-known abstract and
// transfer syntaxes. Callers may add private UIDs to the returned value.
func DefaultNames() Names {
	n := make(Names, len(sopClassNames)+len(transferSyntaxNames))
	for _, e := range sopClassNames {
		n[e[0]] = e[1]
	}
	for _, e := range transferSyntaxNames {
		n[e[0]] = e[1]
	}
	return n
}

// Name returns the registered name for uid, or uid itself when unknown.
func (n Names) Name(uid string) string {
	if name, ok := n[uid]; ok {
		return name
	}
	return uid
}

// Describe returns "name (uid)" for known UIDs and the bare uid otherwise.
func (n Names) Describe(uid string) string {
	if name, ok := n[uid]; ok {
		return fmt.Sprintf("%s (%s)", name, uid)
	}
	return uid
}

// With returns a copy of n with uid registered under name.
func (n Names) With(uid, name string) Names {
	out := make(Names, len(n)+1)
	for k, v := range n {
		out[k] = v
	}
	out[uid] = name
	return out
}
