// Package router matches work to workers and backends. Worker routing walks
// the capability tag forest from the most specific tag toward its root;
// backend routing runs ordered fallback chains behind per-backend circuit
// breakers.
package router

import (
	"sort"

	"github.com/basket/go-conductor/internal/config"
	"github.com/basket/go-conductor/internal/persistence"
)

// Router resolves capability tags against the configured catalog.
type Router struct {
	parent map[string]string
}

func New(catalog []config.CapabilityConfig) *Router {
	parent := make(map[string]string, len(catalog))
	for _, cap := range catalog {
		parent[cap.Tag] = cap.Parent
	}
	return &Router{parent: parent}
}

// TagChain returns the tag followed by its ancestors up to the forest root.
// Unknown tags yield a single-element chain so callers still get exact-match
// behavior.
func (r *Router) TagChain(tag string) []string {
	chain := []string{tag}
	seen := map[string]bool{tag: true}
	for {
		next, ok := r.parent[chain[len(chain)-1]]
		if !ok || next == "" || seen[next] {
			return chain
		}
		chain = append(chain, next)
		seen[next] = true
	}
}

// MatchWorker picks the worker for a capability tag. Specific tags win over
// general ones: an exact-tag idle worker is always preferred over a
// parent-tag one. Within a tier ranking is deterministic, idle workers first
// and then lexical worker id, so identical inputs always route identically.
func (r *Router) MatchWorker(tag string, workers []persistence.Worker) (persistence.Worker, bool) {
	for _, level := range r.TagChain(tag) {
		var tier []persistence.Worker
		for _, w := range workers {
			if w.Availability != persistence.WorkerIdle {
				continue
			}
			if hasCapability(w, level) {
				tier = append(tier, w)
			}
		}
		if len(tier) == 0 {
			continue
		}
		sort.Slice(tier, func(i, j int) bool { return tier[i].ID < tier[j].ID })
		return tier[0], true
	}
	return persistence.Worker{}, false
}

func hasCapability(w persistence.Worker, tag string) bool {
	for _, c := range w.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}
