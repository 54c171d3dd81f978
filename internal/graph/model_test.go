package graph

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNodeJSONRoundTrip(t *testing.T) {
	cases := []Node{
		{ID: "p1", Type: TypePrompt, Data: &PromptData{Text: "a red fox"}},
		{ID: "i1", Type: TypeImageImport, Data: &ImageImportData{Media: "local:abc", MIME: "image/png"}},
		{ID: "g1", Type: TypeImageGen, Data: &ImageGenData{Prompt: "override", AspectRatio: "16:9", Output: "local:out"}},
		{ID: "v1", Type: TypeVideoGen, Data: &VideoGenData{Mode: "proxy", Duration: 5}},
		{ID: "s1", Type: TypeGridSplit, Data: &GridSplitData{Rows: 2, Cols: 3, Cells: map[string]string{"cell-0": "local:c0"}}},
		{ID: "c1", Type: TypeGridCompose, Data: &GridComposeData{Rows: 2, Cols: 2, Options: GridOptions{ShowBorder: true, BorderWidth: 2}}},
	}

	for _, want := range cases {
		b, err := json.Marshal(want)
		if err != nil {
			t.Fatalf("marshal %s: %v", want.ID, err)
		}
		var got Node
		if err := json.Unmarshal(b, &got); err != nil {
			t.Fatalf("unmarshal %s: %v", want.ID, err)
		}
		b2, err := json.Marshal(got)
		if err != nil {
			t.Fatalf("re-marshal %s: %v", want.ID, err)
		}
		if string(b) != string(b2) {
			t.Errorf("%s: round trip changed payload:\n%s\n%s", want.ID, b, b2)
		}
	}
}

func TestNodeUnmarshalUnknownType(t *testing.T) {
	var n Node
	err := json.Unmarshal([]byte(`{"id":"x","type":"teleport","data":{}}`), &n)
	if err == nil || !strings.Contains(err.Error(), "unknown node type") {
		t.Errorf("got %v, want unknown node type error", err)
	}
}

func TestValidate(t *testing.T) {
	g := Graph{
		Nodes: []Node{
			{ID: "a", Type: TypePrompt, Data: &PromptData{}},
			{ID: "b", Type: TypeImageGen, Data: &ImageGenData{}},
		},
		Edges: []Edge{{ID: "e1", Source: "a", Target: "b", TargetHandle: HandlePrompt}},
	}
	if err := g.Validate(); err != nil {
		t.Errorf("valid graph rejected: %v", err)
	}

	g.Edges = append(g.Edges, Edge{ID: "e2", Source: "a", Target: "ghost"})
	if err := g.Validate(); err == nil {
		t.Error("edge to missing node accepted")
	}

	dup := Graph{Nodes: []Node{
		{ID: "a", Type: TypePrompt, Data: &PromptData{}},
		{ID: "a", Type: TypePrompt, Data: &PromptData{}},
	}}
	if err := dup.Validate(); err == nil {
		t.Error("duplicate node id accepted")
	}
}

func TestStateSnapshotIsolation(t *testing.T) {
	s, err := NewState(Graph{Nodes: []Node{
		{ID: "g", Type: TypeImageGen, Data: &ImageGenData{Prompt: "before"}},
	}})
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}

	snap := s.Snapshot()
	snap.Nodes[0].Data.(*ImageGenData).Prompt = "mutated"

	n, _ := s.Node("g")
	if got := n.Data.(*ImageGenData).Prompt; got != "before" {
		t.Errorf("snapshot mutation leaked into state: %q", got)
	}
}

func TestRemoveNodeDropsEdges(t *testing.T) {
	s, err := NewState(Graph{
		Nodes: []Node{
			{ID: "a", Type: TypePrompt, Data: &PromptData{}},
			{ID: "b", Type: TypeImageGen, Data: &ImageGenData{}},
		},
		Edges: []Edge{{ID: "e1", Source: "a", Target: "b"}},
	})
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}

	removed, err := s.removeNode("a")
	if err != nil {
		t.Fatalf("removeNode: %v", err)
	}
	if removed.ID != "a" {
		t.Errorf("removed id = %q, want a", removed.ID)
	}
	if edges := s.Edges(); len(edges) != 0 {
		t.Errorf("edges remain after node removal: %+v", edges)
	}
	if _, ok := s.Node("a"); ok {
		t.Error("node still present after removal")
	}
}
