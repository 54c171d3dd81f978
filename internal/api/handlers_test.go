package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/mediagraph/internal/graph"
	"github.com/kalambet/mediagraph/internal/media"
	"github.com/kalambet/mediagraph/internal/provider"
	"github.com/kalambet/mediagraph/internal/storage"
)

type genFunc func(ctx context.Context, req provider.Request) (*provider.Result, error)

func (f genFunc) Generate(ctx context.Context, req provider.Request) (*provider.Result, error) {
	return f(ctx, req)
}

func newTestServer(t *testing.T, gens Generators) *Server {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := NewServer(db, media.NewStore(db, nil), gens, NewMetrics(), nil)
	t.Cleanup(s.Close)
	return s
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("encoding png: %v", err)
	}
	return buf.Bytes()
}

func testGraph() graph.Graph {
	return graph.Graph{
		Nodes: []graph.Node{
			{ID: "p1", Type: graph.TypePrompt, Data: &graph.PromptData{Text: "a lighthouse at dusk"}},
			{ID: "g1", Type: graph.TypeImageGen, Data: &graph.ImageGenData{}},
		},
		Edges: []graph.Edge{
			{ID: "e1", Source: "p1", Target: "g1", TargetHandle: graph.HandlePrompt},
		},
	}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling request: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createGraph(t *testing.T, h http.Handler, name string, g graph.Graph) string {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/v1/graphs", graphRequest{Name: name, Graph: g})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create graph: status %d, body %s", rec.Code, rec.Body)
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding create response: %v", err)
	}
	return resp.ID
}

func TestHealthOpenWithoutAuth(t *testing.T) {
	s := newTestServer(t, Generators{})
	h := s.Handler("secret")

	rec := doJSON(t, h, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: status %d", rec.Code)
	}
	if rec2 := doJSON(t, h, http.MethodGet, "/metrics", nil); rec2.Code != http.StatusOK {
		t.Fatalf("metrics: status %d", rec2.Code)
	}
}

func TestBearerAuthGuardsV1(t *testing.T) {
	s := newTestServer(t, Generators{})
	h := s.Handler("secret")

	rec := doJSON(t, h, http.MethodGet, "/v1/graphs", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated request: status %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/graphs", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Fatalf("authenticated request: status %d", rec2.Code)
	}
}

func TestGraphCRUD(t *testing.T) {
	s := newTestServer(t, Generators{})
	h := s.Handler("")

	id := createGraph(t, h, "storyboard", testGraph())

	rec := doJSON(t, h, http.MethodGet, "/v1/graphs", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "storyboard") {
		t.Fatalf("list: status %d, body %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/graphs/"+id, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status %d, body %s", rec.Code, rec.Body)
	}
	var got struct {
		Name  string      `json:"name"`
		Graph graph.Graph `json:"graph"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding graph: %v", err)
	}
	if got.Name != "storyboard" || len(got.Graph.Nodes) != 2 {
		t.Fatalf("unexpected graph payload: %+v", got)
	}

	update := testGraph()
	update.Nodes = append(update.Nodes, graph.Node{
		ID: "v1", Type: graph.TypeVideoGen, Data: &graph.VideoGenData{Prompt: "pan left"},
	})
	rec = doJSON(t, h, http.MethodPut, "/v1/graphs/"+id, graphRequest{Name: "storyboard v2", Graph: update})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status %d, body %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, http.MethodDelete, "/v1/graphs/"+id, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/v1/graphs/"+id, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: status %d", rec.Code)
	}
}

func TestCreateGraphRejectsDanglingEdge(t *testing.T) {
	s := newTestServer(t, Generators{})
	h := s.Handler("")

	bad := graph.Graph{
		Nodes: []graph.Node{{ID: "p1", Type: graph.TypePrompt, Data: &graph.PromptData{Text: "x"}}},
		Edges: []graph.Edge{{ID: "e1", Source: "p1", Target: "ghost"}},
	}
	rec := doJSON(t, h, http.MethodPost, "/v1/graphs", graphRequest{Name: "bad", Graph: bad})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func waitForStatus(t *testing.T, h http.Handler, graphID, nodeID string, want graph.NodeStatus) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	path := fmt.Sprintf("/v1/graphs/%s/nodes/%s/status", graphID, nodeID)
	for time.Now().Before(deadline) {
		rec := doJSON(t, h, http.MethodGet, path, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status: code %d, body %s", rec.Code, rec.Body)
		}
		var resp struct {
			Status graph.NodeStatus `json:"status"`
			Error  string           `json:"error"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decoding status: %v", err)
		}
		if resp.Status == want {
			return resp.Error
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("node %s never reached status %q", nodeID, want)
	return ""
}

func TestRunNodeToCompletionHydratesOutput(t *testing.T) {
	payload := pngBytes(t, 6, 6)
	s := newTestServer(t, Generators{
		Images: genFunc(func(context.Context, provider.Request) (*provider.Result, error) {
			return &provider.Result{Data: payload, MIME: "image/png"}, nil
		}),
	})
	h := s.Handler("")

	id := createGraph(t, h, "run me", testGraph())

	rec := doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/graphs/%s/nodes/g1/run", id), nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("run: status %d, body %s", rec.Code, rec.Body)
	}
	waitForStatus(t, h, id, "g1", graph.StatusCompleted)

	// The hydrated document now carries the generated image inline.
	rec = doJSON(t, h, http.MethodGet, "/v1/graphs/"+id, nil)
	var got struct {
		Graph graph.Graph `json:"graph"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding graph: %v", err)
	}
	var output string
	for _, n := range got.Graph.Nodes {
		if d, ok := n.Data.(*graph.ImageGenData); ok {
			output = d.Output
		}
	}
	if !strings.HasPrefix(output, "data:image/png;base64,") {
		t.Fatalf("output not hydrated to a data URL: %.40s", output)
	}
}

func TestRunNodeErrorStatusMapping(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	s := newTestServer(t, Generators{
		Images: genFunc(func(ctx context.Context, _ provider.Request) (*provider.Result, error) {
			<-release
			return nil, ctx.Err()
		}),
	})
	h := s.Handler("")
	id := createGraph(t, h, "g", testGraph())

	// Addressing a node id the graph does not have is a 404, like status.
	rec := doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/graphs/%s/nodes/ghost/run", id), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown node: status %d, want 404", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, "/v1/graphs/missing/nodes/g1/run", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown graph: status %d, want 404", rec.Code)
	}

	// A second run on a busy node is a conflict, not a missing resource.
	if rec := doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/graphs/%s/nodes/g1/run", id), nil); rec.Code != http.StatusAccepted {
		t.Fatalf("first run: status %d", rec.Code)
	}
	rec = doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/graphs/%s/nodes/g1/run", id), nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("busy node: status %d, want 409", rec.Code)
	}
}

func TestUpdateGraphReleasesDroppedNodeMedia(t *testing.T) {
	s := newTestServer(t, Generators{})
	h := s.Handler("")

	withImport := testGraph()
	withImport.Nodes = append(withImport.Nodes, graph.Node{
		ID: "imp", Type: graph.TypeImageImport, Data: &graph.ImageImportData{},
	})
	id := createGraph(t, h, "g", withImport)

	ctx := context.Background()
	if _, err := s.media.Put(ctx, "asset-1", []byte("imported"), "image/png", "imp", media.PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Replacing the document with a revision lacking "imp" deletes the node,
	// so its assets go with it.
	rec := doJSON(t, h, http.MethodPut, "/v1/graphs/"+id, graphRequest{Name: "g", Graph: testGraph()})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status %d, body %s", rec.Code, rec.Body)
	}

	if _, _, err := s.media.Resolve(ctx, media.LocalRef("asset-1")); !errors.Is(err, media.ErrNotFound) {
		t.Fatalf("resolve after update: err = %v, want ErrNotFound", err)
	}

	// Assets of surviving nodes stay.
	if _, err := s.media.Put(ctx, "asset-2", []byte("kept"), "image/png", "g1", media.PutOptions{}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rec = doJSON(t, h, http.MethodPut, "/v1/graphs/"+id, graphRequest{Name: "g", Graph: testGraph()})
	if rec.Code != http.StatusOK {
		t.Fatalf("second update: status %d", rec.Code)
	}
	if _, _, err := s.media.Resolve(ctx, media.LocalRef("asset-2")); err != nil {
		t.Fatalf("surviving node's asset gone: %v", err)
	}
}

func TestMediaEndpointNotFound(t *testing.T) {
	s := newTestServer(t, Generators{})
	h := s.Handler("")

	rec := doJSON(t, h, http.MethodGet, "/v1/media/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rec.Code)
	}
}

func TestMediaGCEndpoint(t *testing.T) {
	s := newTestServer(t, Generators{})
	h := s.Handler("")

	rec := doJSON(t, h, http.MethodPost, "/v1/media/gc", map[string]int{"maxAgeHours": 1})
	if rec.Code != http.StatusOK {
		t.Fatalf("gc: status %d, body %s", rec.Code, rec.Body)
	}
	var resp struct {
		Removed int `json:"removed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding gc response: %v", err)
	}
	if resp.Removed != 0 {
		t.Fatalf("fresh store removed %d assets", resp.Removed)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/media/gc", map[string]int{"maxAgeHours": 0})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("gc with zero age: status %d, want 400", rec.Code)
	}
}

func TestCancelNodeEndpoint(t *testing.T) {
	started := make(chan struct{})
	s := newTestServer(t, Generators{
		Images: genFunc(func(ctx context.Context, _ provider.Request) (*provider.Result, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})
	h := s.Handler("")
	id := createGraph(t, h, "g", testGraph())

	if rec := doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/graphs/%s/nodes/g1/run", id), nil); rec.Code != http.StatusAccepted {
		t.Fatalf("run: status %d", rec.Code)
	}
	<-started
	if rec := doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/graphs/%s/nodes/g1/cancel", id), nil); rec.Code != http.StatusOK {
		t.Fatalf("cancel: status %d", rec.Code)
	}
	waitForStatus(t, h, id, "g1", graph.StatusIdle)
}
