package graph

import (
	"encoding/json"
	"fmt"
	"sync"
)

// State is the mutable nodes/edges store shared by the resolver and the task
// runner. It is an explicit value passed into both, so multiple independent
// graph instances can coexist and tests stay deterministic.
type State struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	order []string // insertion order, kept for stable serialization
	edges []Edge
}

// NewState builds a State from one graph revision.
// The graph must pass Validate.
func NewState(g Graph) (*State, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	s := &State{nodes: make(map[string]*Node, len(g.Nodes))}
	for i := range g.Nodes {
		n := copyNode(&g.Nodes[i])
		s.nodes[n.ID] = &n
		s.order = append(s.order, n.ID)
	}
	s.edges = append(s.edges, g.Edges...)
	return s, nil
}

// Node returns a copy of the node with the given id.
func (s *State) Node(id string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return Node{}, false
	}
	return copyNode(n), true
}

// copyNode returns a deep copy so callers never share payload pointers with
// the live state.
func copyNode(n *Node) Node {
	c := *n
	if c.Data != nil {
		c.Data = c.Data.clone()
	}
	return c
}

// Edges returns a copy of the edge set.
func (s *State) Edges() []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Edge, len(s.edges))
	copy(out, s.edges)
	return out
}

// Apply runs fn against the live node under the state lock.
// Used by the task runner to commit status and output updates.
func (s *State) Apply(id string, fn func(n *Node) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return fmt.Errorf("node %q not found", id)
	}
	return fn(n)
}

// AddNode inserts a node. Duplicate ids are rejected.
func (s *State) AddNode(n Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.nodes[n.ID]; exists {
		return fmt.Errorf("node %q already exists", n.ID)
	}
	stored := copyNode(&n)
	s.nodes[n.ID] = &stored
	s.order = append(s.order, n.ID)
	return nil
}

// AddEdge inserts an edge after checking both endpoints exist.
func (s *State) AddEdge(e Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[e.Source]; !ok {
		return fmt.Errorf("edge %q references unknown source node %q", e.ID, e.Source)
	}
	if _, ok := s.nodes[e.Target]; !ok {
		return fmt.Errorf("edge %q references unknown target node %q", e.ID, e.Target)
	}
	s.edges = append(s.edges, e)
	return nil
}

// removeNode deletes a node and every edge touching it. Node deletion
// reaches the server only as a document replacement, so nothing outside the
// package mutates a live state this way.
func (s *State) removeNode(id string) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("node %q not found", id)
	}
	delete(s.nodes, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	kept := s.edges[:0]
	for _, e := range s.edges {
		if e.Source != id && e.Target != id {
			kept = append(kept, e)
		}
	}
	s.edges = kept
	return copyNode(n), nil
}

// Snapshot returns the current revision as an immutable Graph value.
func (s *State) Snapshot() Graph {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g := Graph{
		Nodes: make([]Node, 0, len(s.nodes)),
		Edges: make([]Edge, len(s.edges)),
	}
	for _, id := range s.order {
		g.Nodes = append(g.Nodes, copyNode(s.nodes[id]))
	}
	copy(g.Edges, s.edges)
	return g
}

// MarshalJSON serializes the current snapshot.
func (s *State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}
