// Package selector chooses which (type, tenant) queue a runner slot should
// dispatch to, applying loop filters and the loop's current priority.
package selector

import (
	"math/rand"
	"sort"

	"github.com/weirdgloop/mediawiki-jobrunner/pkg/queue"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/ready"
	"github.com/weirdgloop/mediawiki-jobrunner/pkg/topology"
)

// Priority is a loop's current priority class.
type Priority int

// Priority classes.
const (
	High Priority = iota
	Low
)

// String implements fmt.Stringer.
func (p Priority) String() string {
	if p == High {
		return "high"
	}
	return "low"
}

// Pick selects one candidate queue for a loop, weighting every eligible
// (type, tenant) tuple equally so tenants with few types are not starved.
// Returns false when no eligible queue is ready.
//
// At high priority the loop's low-priority types are excluded; at low
// priority they extend the include set. A "*" include expands to every type
// present in the ready map.
func Pick(rng *rand.Rand, loop *topology.Loop, prio Priority, m ready.Map) (queue.Queue, bool) {
	include := append([]string{}, loop.Include...)
	exclude := append([]string{}, loop.Exclude...)
	if prio == High {
		exclude = append(exclude, loop.LowPriority...)
	} else {
		include = append(include, loop.LowPriority...)
	}
	if contains(include, topology.Wildcard) {
		for typ := range m {
			include = append(include, typ)
		}
	}

	seen := make(map[string]bool, len(include))
	var candidates []queue.Queue
	for _, typ := range include {
		if typ == topology.Wildcard || seen[typ] || contains(exclude, typ) {
			continue
		}
		seen[typ] = true
		for tenant := range m[typ] {
			candidates = append(candidates, queue.Queue{Type: typ, Tenant: tenant})
		}
	}
	if len(candidates) == 0 {
		return queue.Queue{}, false
	}
	// Deterministic order under a fixed seed: map iteration is not.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Tenant < b.Tenant
	})
	return candidates[rng.Intn(len(candidates))], true
}

func contains(set []string, s string) bool {
	for _, member := range set {
		if member == s {
			return true
		}
	}
	return false
}
