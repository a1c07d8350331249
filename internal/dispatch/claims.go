package dispatch

import (
	"errors"
	"path"
	"sort"
	"sync"
)

// ErrIndependenceMisclassification means two units the analyzer treated as
// independent touched the same resource.
var ErrIndependenceMisclassification = errors.New("independence misclassification")

// conflict describes a claim that found a resource owned by another unit.
type conflict struct {
	resource string
	owner    string
	deadlock bool
}

// claimTable tracks which live unit owns which workspace resource and which
// unit waits for which.
type claimTable struct {
	mu      sync.Mutex
	owner   map[string]string
	waits   map[string]string
	changed chan struct{}
}

func newClaimTable() *claimTable {
	return &claimTable{
		owner:   make(map[string]string),
		waits:   make(map[string]string),
		changed: make(chan struct{}),
	}
}

func cleanResources(resources []string) []string {
	out := make([]string, 0, len(resources))
	seen := make(map[string]bool, len(resources))
	for _, r := range resources {
		if r == "" {
			continue
		}
		r = path.Clean(r)
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	sort.Strings(out)
	return out
}

// tryClaim takes every resource for unit or none. On a conflict it records
// that unit waits for the owner and returns a channel closed on the next
// release.
func (c *claimTable) tryClaim(unit string, resources []string) (*conflict, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range resources {
		owner, ok := c.owner[r]
		if !ok || owner == unit {
			continue
		}
		cf := &conflict{resource: r, owner: owner, deadlock: c.waitsFor(owner, unit)}
		if !cf.deadlock {
			c.waits[unit] = owner
		}
		return cf, c.changed
	}
	for _, r := range resources {
		c.owner[r] = unit
	}
	delete(c.waits, unit)
	return nil, nil
}

// waitsFor reports whether from transitively waits for to.
func (c *claimTable) waitsFor(from, to string) bool {
	seen := map[string]bool{}
	for cur := from; cur != "" && !seen[cur]; cur = c.waits[cur] {
		if cur == to {
			return true
		}
		seen[cur] = true
	}
	return false
}

func (c *claimTable) stopWaiting(unit string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waits, unit)
}

// release drops every claim of unit and wakes all waiters.
func (c *claimTable) release(unit string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for r, owner := range c.owner {
		if owner == unit {
			delete(c.owner, r)
		}
	}
	delete(c.waits, unit)
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *claimTable) owned(unit string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for r, owner := range c.owner {
		if owner == unit {
			out = append(out, r)
		}
	}
	sort.Strings(out)
	return out
}
