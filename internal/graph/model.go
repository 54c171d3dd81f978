// Package graph defines the workflow graph model: typed nodes, handle-scoped
// edges, and input resolution across them.
package graph

import (
	"encoding/json"
	"fmt"
)

// NodeType tags the closed set of node payload variants.
type NodeType string

const (
	TypePrompt      NodeType = "prompt"
	TypeImageImport NodeType = "image-import"
	TypeImageGen    NodeType = "image-gen"
	TypeVideoGen    NodeType = "video-gen"
	TypeGridSplit   NodeType = "grid-split"
	TypeGridCompose NodeType = "grid-compose"
)

// NodeStatus is the task lifecycle state of a runnable node.
type NodeStatus string

const (
	StatusIdle       NodeStatus = "idle"
	StatusProcessing NodeStatus = "processing"
	StatusCompleted  NodeStatus = "completed"
	StatusError      NodeStatus = "error"
)

// Node is a typed unit of the workflow graph.
type Node struct {
	ID   string
	Type NodeType
	Data Data
}

// Edge is a directed, optionally handle-scoped connection between two nodes.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	Target       string `json:"target"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// Graph is one immutable revision of a node/edge set.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Validate checks that every edge endpoint references an existing node id.
func (g *Graph) Validate() error {
	ids := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return fmt.Errorf("node with empty id")
		}
		if _, dup := ids[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		ids[n.ID] = struct{}{}
	}
	for _, e := range g.Edges {
		if _, ok := ids[e.Source]; !ok {
			return fmt.Errorf("edge %q references unknown source node %q", e.ID, e.Source)
		}
		if _, ok := ids[e.Target]; !ok {
			return fmt.Errorf("edge %q references unknown target node %q", e.ID, e.Target)
		}
	}
	return nil
}

// nodeEnvelope is the wire form of a Node: the data payload is decoded into
// the concrete variant selected by the type tag.
type nodeEnvelope struct {
	ID   string          `json:"id"`
	Type NodeType        `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (n Node) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return nil, fmt.Errorf("marshaling data for node %s: %w", n.ID, err)
	}
	return json.Marshal(nodeEnvelope{ID: n.ID, Type: n.Type, Data: data})
}

func (n *Node) UnmarshalJSON(b []byte) error {
	var env nodeEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}

	data, err := newData(env.Type)
	if err != nil {
		return fmt.Errorf("node %s: %w", env.ID, err)
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, data); err != nil {
			return fmt.Errorf("decoding %s data for node %s: %w", env.Type, env.ID, err)
		}
	}

	n.ID = env.ID
	n.Type = env.Type
	n.Data = data
	return nil
}

func newData(t NodeType) (Data, error) {
	switch t {
	case TypePrompt:
		return &PromptData{}, nil
	case TypeImageImport:
		return &ImageImportData{}, nil
	case TypeImageGen:
		return &ImageGenData{}, nil
	case TypeVideoGen:
		return &VideoGenData{}, nil
	case TypeGridSplit:
		return &GridSplitData{}, nil
	case TypeGridCompose:
		return &GridComposeData{}, nil
	default:
		return nil, fmt.Errorf("unknown node type %q", t)
	}
}
