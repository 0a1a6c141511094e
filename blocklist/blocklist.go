package blocklist

import (
	"fmt"
	"slices"
	"sync"

	"github.com/miekg/dns"
	"github.com/semihalev/blockdns/config"
	"github.com/semihalev/blockdns/dnswire"
	"github.com/semihalev/zlog/v2"
)

// BlockList type
type BlockList struct {
	mu   sync.RWMutex
	tree *Tree

	// reloadMu serializes Reload so a tree built from an older directory
	// state never replaces a newer one.
	reloadMu sync.Mutex

	// allowed keeps config and runtime allow entries and blocked the
	// runtime block rules, so reloads can re-apply them.
	allowed []string
	blocked []string

	statsMu sync.Mutex
	hits    map[string]uint64
	total   uint64

	cfg *config.Config
}

// Statistics is a point in time copy of the block counters.
type Statistics struct {
	Rules   int               `json:"rules"`
	Allowed int               `json:"allowed"`
	Blocked uint64            `json:"blocked"`
	Hits    map[string]uint64 `json:"hits"`
}

// New returns a new BlockList holding the manual config entries. Files and
// remote lists are loaded by Reload and Update.
func New(cfg *config.Config) *BlockList {
	b := &BlockList{
		tree: NewTree(),
		hits: make(map[string]uint64),
		cfg:  cfg,
	}

	for _, entry := range cfg.Whitelist {
		if dnswire.ValidName(entry) {
			b.allowed = appendUnique(b.allowed, dns.CanonicalName(entry))
		}
	}

	b.tree = b.build(nil)

	return b
}

// Blocked reports whether name is blocked and counts the hit against the
// rule that matched.
func (b *BlockList) Blocked(name string) bool {
	b.mu.RLock()
	rule, blocked := b.tree.Match(name)
	b.mu.RUnlock()

	if blocked {
		b.statsMu.Lock()
		b.hits[rule]++
		b.total++
		b.statsMu.Unlock()
	}

	return blocked
}

// Set adds a blocked rule for name and its subdomains. The rule is kept
// across reloads.
func (b *BlockList) Set(name string) error {
	if !dnswire.ValidName(name) || dnswire.CanonicalName(name) == "." {
		return fmt.Errorf("%w: %q", dnswire.ErrInvalidName, name)
	}
	name = dns.CanonicalName(name)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.tree.InsertBlocked(name)
	b.blocked = appendUnique(b.blocked, name)

	zlog.Info("Domain blocked", "name", name)

	return nil
}

// Remove drops the blocked rule for name. A rule read from a list file
// comes back with the next reload. It reports whether the rule existed.
func (b *BlockList) Remove(name string) bool {
	name = dns.CanonicalName(name)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.blocked = slices.DeleteFunc(b.blocked, func(s string) bool { return s == name })

	return b.tree.RemoveBlocked(name)
}

// Exists reports whether name is itself a blocked rule.
func (b *BlockList) Exists(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.tree.Exists(name)
}

// Length returns the number of blocked rules.
func (b *BlockList) Length() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.tree.Len()
}

// AddAllowed marks name and its subdomains as allowed. The entry is kept
// across reloads.
func (b *BlockList) AddAllowed(name string) error {
	if !dnswire.ValidName(name) || dnswire.CanonicalName(name) == "." {
		return fmt.Errorf("%w: %q", dnswire.ErrInvalidName, name)
	}
	name = dns.CanonicalName(name)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.tree.InsertAllowed(name)
	b.allowed = appendUnique(b.allowed, name)

	zlog.Info("Domain allowed", "name", name)

	return nil
}

// Allowed returns the allow entries in the order they were added.
func (b *BlockList) Allowed() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return slices.Clone(b.allowed)
}

// Statistics returns a copy of the block counters.
func (b *BlockList) Statistics() Statistics {
	b.mu.RLock()
	st := Statistics{
		Rules:   b.tree.Len(),
		Allowed: len(b.allowed),
	}
	b.mu.RUnlock()

	b.statsMu.Lock()
	st.Blocked = b.total
	st.Hits = make(map[string]uint64, len(b.hits))
	for rule, n := range b.hits {
		st.Hits[rule] = n
	}
	b.statsMu.Unlock()

	return st
}

// build returns a fresh tree with the manual entries, the given list
// entries and the current allow entries. Runtime block rules are added by
// swap.
func (b *BlockList) build(entries []string) *Tree {
	t := NewTree()

	for _, entry := range b.cfg.Blocklist {
		t.InsertBlocked(entry)
	}
	for _, entry := range entries {
		t.InsertBlocked(entry)
	}

	b.mu.RLock()
	allowed := slices.Clone(b.allowed)
	b.mu.RUnlock()

	for _, entry := range allowed {
		t.InsertAllowed(entry)
	}

	return t
}

// swap installs t, re-applying runtime entries added while t was built.
func (b *BlockList) swap(t *Tree) {
	b.mu.Lock()
	for _, entry := range b.blocked {
		t.InsertBlocked(entry)
	}
	for _, entry := range b.allowed {
		t.InsertAllowed(entry)
	}
	b.tree = t
	b.mu.Unlock()
}

func appendUnique(list []string, name string) []string {
	if slices.Contains(list, name) {
		return list
	}
	return append(list, name)
}
