// Package node defines the Node aggregate: a device definition inside a lab,
// and the Link canonicalization helpers shared across the orchestration
// layer.
package node

import (
	"fmt"
	"strings"
)

// Node is a device definition inside a lab. It has no runtime state; see
// package nodestate for the desired-vs-actual record.
type Node struct {
	ID          string
	LabID       string
	Name        string // display name
	ContainerName string // deterministic container/domain name
	Kind        string // vendor tag, e.g. "linux", "arista_ceos"
	Image       string
	HostPin     string // optional explicit host assignment
}

// Pinned reports whether the node has an explicit host pin.
func (n Node) Pinned() bool {
	return n.HostPin != ""
}

// NormalizeInterface converts a vendor-form interface name into its
// canonical comparison form. Per spec §9's open question, if two distinct
// raw names normalize to the same canonical form, callers must treat the
// later arrival as authoritative; this function itself is pure and
// deterministic.
func NormalizeInterface(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, " ", "")

	// Common vendor long-forms collapse to their short form.
	replacements := []struct{ from, to string }{
		{"ethernet", "eth"},
		{"gigabitethernet", "eth"},
		{"tengigabitethernet", "eth"},
		{"fastethernet", "eth"},
		{"gigabit", "eth"},
	}
	for _, r := range replacements {
		if strings.HasPrefix(s, r.from) {
			s = r.to + strings.TrimPrefix(s, r.from)
			break
		}
	}
	return s
}

// Endpoint identifies one side of a link: a node and one of its interfaces.
type Endpoint struct {
	NodeName  string
	Interface string
}

// Canonical returns the normalized "node:iface" form used in link names.
func (e Endpoint) Canonical() string {
	return fmt.Sprintf("%s:%s", e.NodeName, NormalizeInterface(e.Interface))
}

// CanonicalLinkName builds the canonical `nodeA:ifA-nodeB:ifB` name for an
// undirected link, ordering endpoints so the name is unique regardless of
// which side is "source".
func CanonicalLinkName(a, b Endpoint) string {
	ca, cb := a.Canonical(), b.Canonical()
	if ca <= cb {
		return ca + "-" + cb
	}
	return cb + "-" + ca
}
