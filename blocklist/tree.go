package blocklist

import (
	"strings"

	"github.com/semihalev/blockdns/dnswire"
)

type node struct {
	children map[string]*node
	blocked  bool
	allowed  bool
}

// Tree is a trie of domain labels walked from the top level label down.
// A blocked node blocks its whole subtree unless a node at least as deep on
// the query path is marked allowed. Tree is not safe for concurrent use.
type Tree struct {
	root    node
	blocked int
	allowed int
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{}
}

// InsertBlocked marks name and everything below it as blocked. It reports
// false when name is not a valid domain name or is the root.
func (t *Tree) InsertBlocked(name string) bool {
	n := t.insert(name)
	if n == nil {
		return false
	}
	if !n.blocked {
		n.blocked = true
		t.blocked++
	}
	return true
}

// InsertAllowed marks name and everything below it as allowed.
func (t *Tree) InsertAllowed(name string) bool {
	n := t.insert(name)
	if n == nil {
		return false
	}
	if !n.allowed {
		n.allowed = true
		t.allowed++
	}
	return true
}

func (t *Tree) insert(name string) *node {
	labels := splitName(name)
	if len(labels) == 0 {
		return nil
	}

	n := &t.root
	for i := len(labels) - 1; i >= 0; i-- {
		child, ok := n.children[labels[i]]
		if !ok {
			if n.children == nil {
				n.children = make(map[string]*node)
			}
			child = &node{}
			n.children[labels[i]] = child
		}
		n = child
	}
	return n
}

// Blocked reports whether name is blocked.
func (t *Tree) Blocked(name string) bool {
	_, blocked := t.Match(name)
	return blocked
}

// Match returns the blocked suffix responsible for blocking name. The
// deepest blocked and deepest allowed nodes on the path are compared and
// the allowed one wins when it is at least as deep.
func (t *Tree) Match(name string) (rule string, blocked bool) {
	labels := splitName(name)

	var (
		n            = &t.root
		blockedDepth = -1
		allowedDepth = -1
	)

	for depth, i := 1, len(labels)-1; i >= 0; depth, i = depth+1, i-1 {
		child, ok := n.children[labels[i]]
		if !ok {
			break
		}
		n = child
		if n.blocked {
			blockedDepth = depth
		}
		if n.allowed {
			allowedDepth = depth
		}
	}

	if blockedDepth < 0 || allowedDepth >= blockedDepth {
		return "", false
	}

	return strings.Join(labels[len(labels)-blockedDepth:], ".") + ".", true
}

// Exists reports whether name itself carries a blocked marker.
func (t *Tree) Exists(name string) bool {
	n := t.lookup(name)
	return n != nil && n.blocked
}

// RemoveBlocked clears the blocked marker of name. Rules on its parents
// still apply. It reports whether name was a blocked rule.
func (t *Tree) RemoveBlocked(name string) bool {
	n := t.lookup(name)
	if n == nil || !n.blocked {
		return false
	}
	n.blocked = false
	t.blocked--
	return true
}

func (t *Tree) lookup(name string) *node {
	labels := splitName(name)
	if len(labels) == 0 {
		return nil
	}

	n := &t.root
	for i := len(labels) - 1; i >= 0; i-- {
		if n = n.children[labels[i]]; n == nil {
			return nil
		}
	}
	return n
}

// Len returns the number of blocked rules.
func (t *Tree) Len() int { return t.blocked }

// splitName returns the lowercased labels of name in presentation form,
// leftmost first, or nil when name does not parse.
func splitName(name string) []string {
	wire, err := dnswire.SplitLabels(dnswire.CanonicalName(name))
	if err != nil {
		return nil
	}

	labels := make([]string, len(wire))
	for i, l := range wire {
		labels[i] = string(l)
	}
	return labels
}
