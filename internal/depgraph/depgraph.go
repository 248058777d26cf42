// Package depgraph builds a deterministic load order from depends_on edges.
// Cycles and references outside the candidate set exclude the affected
// plugins only; independent subgraphs always order the same way.
package depgraph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/memexd/memex/internal/manifest"
)

// Node is one candidate plugin and its declared dependencies.
type Node struct {
	ID        string
	DependsOn []string
}

// Exclusion records a plugin the resolver refused to order.
type Exclusion struct {
	PluginID string
	Reason   string // manifest.ReasonDependencyCycle or ReasonUnresolvedDependency
	Detail   string
}

// Result is the resolver output: a load order plus per-plugin exclusions.
type Result struct {
	Order    []string
	Excluded []Exclusion
}

// Sort topologically orders the candidate set. The graph is held as an
// arena: plugin_id maps to an index, adjacency is index lists. Order is
// deterministic: at every step the lexically smallest ready plugin loads
// next.
func Sort(nodes []Node) Result {
	n := len(nodes)
	idx := make(map[string]int, n)
	for i, node := range nodes {
		idx[node.ID] = i
	}

	deps := make([][]int, n) // deps[i] = indices i depends on
	excluded := make([]*Exclusion, n)

	for i, node := range nodes {
		for _, dep := range node.DependsOn {
			j, ok := idx[dep]
			if !ok {
				excluded[i] = &Exclusion{
					PluginID: node.ID,
					Reason:   manifest.ReasonUnresolvedDependency,
					Detail:   fmt.Sprintf("depends on %s, which is not in the candidate set", dep),
				}
				break
			}
			deps[i] = append(deps[i], j)
		}
	}

	// Cascade: a plugin depending on an excluded plugin cannot load either.
	for changed := true; changed; {
		changed = false
		for i := range nodes {
			if excluded[i] != nil {
				continue
			}
			for _, j := range deps[i] {
				if excluded[j] != nil {
					excluded[i] = &Exclusion{
						PluginID: nodes[i].ID,
						Reason:   manifest.ReasonUnresolvedDependency,
						Detail:   fmt.Sprintf("depends on excluded plugin %s", nodes[j].ID),
					}
					changed = true
					break
				}
			}
		}
	}

	// Kahn's algorithm over the surviving nodes, picking the lexically
	// smallest ready node each round. Quadratic, but candidate sets are
	// tens of plugins, not thousands.
	placed := make([]bool, n)
	var order []string
	for {
		next := -1
		for i := range nodes {
			if placed[i] || excluded[i] != nil {
				continue
			}
			ready := true
			for _, j := range deps[i] {
				if !placed[j] {
					ready = false
					break
				}
			}
			if ready && (next == -1 || nodes[i].ID < nodes[next].ID) {
				next = i
			}
		}
		if next == -1 {
			break
		}
		placed[next] = true
		order = append(order, nodes[next].ID)
	}

	// Anything left is on or behind a cycle.
	for i := range nodes {
		if placed[i] || excluded[i] != nil {
			continue
		}
		if cycle := findCycle(i, deps, placed); cycle != "" {
			excluded[i] = &Exclusion{
				PluginID: nodes[i].ID,
				Reason:   manifest.ReasonDependencyCycle,
				Detail:   "dependency cycle: " + cycle,
			}
		} else {
			excluded[i] = &Exclusion{
				PluginID: nodes[i].ID,
				Reason:   manifest.ReasonUnresolvedDependency,
				Detail:   "depends on a plugin excluded by a dependency cycle",
			}
		}
	}

	var exclusions []Exclusion
	for _, e := range excluded {
		if e != nil {
			exclusions = append(exclusions, *e)
		}
	}
	sort.Slice(exclusions, func(i, j int) bool { return exclusions[i].PluginID < exclusions[j].PluginID })

	// findCycle rewrites against node ids after the fact, so resolve names.
	for i := range exclusions {
		exclusions[i].Detail = resolveNames(exclusions[i].Detail, nodes)
	}

	return Result{Order: order, Excluded: exclusions}
}

// findCycle runs a DFS from start and returns the cycle path ("a -> b -> a")
// as index placeholders if start can reach itself, empty otherwise. Placed
// nodes are already ordered and cannot be part of a cycle.
func findCycle(start int, deps [][]int, placed []bool) string {
	var path []int
	var visit func(i int) bool
	seen := make(map[int]bool)

	visit = func(i int) bool {
		for _, j := range deps[i] {
			if placed[j] {
				continue
			}
			if j == start {
				path = append(path, i)
				return true
			}
			if seen[j] {
				continue
			}
			seen[j] = true
			if visit(j) {
				path = append(path, i)
				return true
			}
		}
		return false
	}

	if !visit(start) {
		return ""
	}

	// Every frame that found the cycle appended itself, so the reversed
	// path starts at start and walks the cycle forward.
	var parts []string
	for i := len(path) - 1; i >= 0; i-- {
		parts = append(parts, placeholder(path[i]))
	}
	parts = append(parts, placeholder(start))
	return strings.Join(parts, " -> ")
}

func placeholder(i int) string { return fmt.Sprintf("#%d#", i) }

func resolveNames(detail string, nodes []Node) string {
	for i, n := range nodes {
		detail = strings.ReplaceAll(detail, placeholder(i), n.ID)
	}
	return detail
}
