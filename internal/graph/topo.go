package graph

import (
	"fmt"
	"sort"
)

// CyclicNodes returns the ids of nodes that sit on (or depend only on) a
// cycle, computed with Kahn's algorithm: whatever cannot be topologically
// ordered is cyclic. The result is sorted for stable error messages.
func CyclicNodes(g Graph) []string {
	indegree := make(map[string]int, len(g.Nodes))
	succ := make(map[string][]string, len(g.Nodes))
	for _, n := range g.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range g.Edges {
		succ[e.Source] = append(succ[e.Source], e.Target)
		indegree[e.Target]++
	}

	var queue []string
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range succ[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited == len(g.Nodes) {
		return nil
	}
	var cyclic []string
	for id, d := range indegree {
		if d > 0 {
			cyclic = append(cyclic, id)
		}
	}
	sort.Strings(cyclic)
	return cyclic
}

// CheckAcyclicFrom rejects running nodeID when it sits on a cycle or any of
// its ancestors does. Cyclic subgraphs that cannot feed nodeID do not block it.
func (s *State) CheckAcyclicFrom(nodeID string) error {
	g := s.Snapshot()
	cyclic := CyclicNodes(g)
	if len(cyclic) == 0 {
		return nil
	}

	bad := make(map[string]struct{}, len(cyclic))
	for _, id := range cyclic {
		bad[id] = struct{}{}
	}

	pred := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		pred[e.Target] = append(pred[e.Target], e.Source)
	}

	// Walk ancestors of nodeID; any hit in the cyclic set is fatal.
	seen := map[string]struct{}{nodeID: {}}
	stack := []string{nodeID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, onCycle := bad[id]; onCycle {
			return fmt.Errorf("node %q depends on a cycle involving %v; break the cycle before running", nodeID, cyclic)
		}
		for _, p := range pred[id] {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				stack = append(stack, p)
			}
		}
	}
	return nil
}
