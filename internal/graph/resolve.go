package graph

import "fmt"

// Input is one resolved inbound connection: the predecessor node and the
// source handle the edge originates from.
type Input struct {
	Node   Node
	Handle string
}

// Resolve returns the predecessors connected into nodeID. When handle is
// non-empty only edges targeting that handle are considered.
func (s *State) Resolve(nodeID, handle string) []Input {
	var inputs []Input
	for _, e := range s.Edges() {
		if e.Target != nodeID {
			continue
		}
		if handle != "" && e.TargetHandle != handle {
			continue
		}
		if src, ok := s.Node(e.Source); ok {
			inputs = append(inputs, Input{Node: src, Handle: e.SourceHandle})
		}
	}
	return inputs
}

// HandlePrompt is the named input port for single prompt connections.
const HandlePrompt = "prompt"

// HandleImage is the named input port for a reference image connection.
const HandleImage = "image"

// EffectivePrompt resolves the prompt a runnable node should use: a non-empty
// manually entered prompt wins; otherwise the value is inherited from the
// connected predecessor's equivalent output field. Returns "" when neither
// source yields text.
func (s *State) EffectivePrompt(nodeID string) string {
	n, ok := s.Node(nodeID)
	if !ok {
		return ""
	}

	var manual string
	switch d := n.Data.(type) {
	case *ImageGenData:
		manual = d.Prompt
	case *VideoGenData:
		manual = d.Prompt
	case *PromptData:
		return d.Text
	}
	if manual != "" {
		return manual
	}

	for _, in := range s.Resolve(nodeID, HandlePrompt) {
		if text := promptOutput(in.Node); text != "" {
			return text
		}
	}
	// Some editors connect prompt nodes without naming the port.
	for _, in := range s.Resolve(nodeID, "") {
		if in.Node.Type == TypePrompt {
			if text := promptOutput(in.Node); text != "" {
				return text
			}
		}
	}
	return ""
}

// promptOutput extracts the prompt-equivalent output field of a node.
func promptOutput(n Node) string {
	switch d := n.Data.(type) {
	case *PromptData:
		return d.Text
	case *ImageGenData:
		return d.Prompt
	case *VideoGenData:
		return d.Prompt
	}
	return ""
}

// EffectiveImage resolves the reference image token feeding nodeID, walking
// the "image" port to the predecessor's media output. Returns "" when no
// image is connected.
func (s *State) EffectiveImage(nodeID string) string {
	for _, in := range s.Resolve(nodeID, HandleImage) {
		if ref := mediaOutput(in.Node, in.Handle); ref != "" {
			return ref
		}
	}
	return ""
}

// mediaOutput extracts the media reference a node exposes on sourceHandle.
// Grid-split nodes expose one handle per slot.
func mediaOutput(n Node, sourceHandle string) string {
	switch d := n.Data.(type) {
	case *ImageImportData:
		return d.Media
	case *ImageGenData:
		return d.Output
	case *VideoGenData:
		return d.Output
	case *GridSplitData:
		if sourceHandle != "" {
			return d.Cells[sourceHandle]
		}
	case *GridComposeData:
		return d.Output
	}
	return ""
}

// SlotInputs resolves the per-slot fan-in of a grid-compose node: each
// declared slot id maps 1:1 to a target handle. Slots with no connected edge
// resolve to ""; partial connectivity is a valid state, never an error.
func (s *State) SlotInputs(nodeID string) (map[string]string, error) {
	n, ok := s.Node(nodeID)
	if !ok {
		return nil, fmt.Errorf("node %q not found", nodeID)
	}
	d, ok := n.Data.(*GridComposeData)
	if !ok {
		return nil, fmt.Errorf("node %q is not a grid-compose node", nodeID)
	}

	slots := make(map[string]string, d.Rows*d.Cols)
	for i := 0; i < d.Rows*d.Cols; i++ {
		slot := SlotID(i)
		slots[slot] = ""
		for _, in := range s.Resolve(nodeID, slot) {
			if ref := mediaOutput(in.Node, in.Handle); ref != "" {
				slots[slot] = ref
				break
			}
		}
		// An explicit per-slot assignment on the node wins over edges.
		if v := d.Inputs[slot]; v != "" {
			slots[slot] = v
		}
	}
	return slots, nil
}
