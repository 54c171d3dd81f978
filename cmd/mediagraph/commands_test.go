package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/mediagraph/internal/config"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"invalid_request_error"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestGraphListDecoding(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /v1/graphs": `{"graphs":[{"id":"g-1","name":"storyboard","updatedAt":"2025-06-01T12:00:00Z"}]}`,
	})

	client := ts.client()
	resp, err := client.get(ctx, "/v1/graphs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Graphs []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"graphs"`
	}
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}

	if len(result.Graphs) != 1 {
		t.Fatalf("expected 1 graph, got %d", len(result.Graphs))
	}
	if result.Graphs[0].Name != "storyboard" {
		t.Errorf("name = %q, want storyboard", result.Graphs[0].Name)
	}
	if ts.requests[0].Auth != "Bearer test-token" {
		t.Errorf("auth = %q, want Bearer test-token", ts.requests[0].Auth)
	}
}

func TestGraphCreateSendsBody(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/graphs": `{"id":"g-new"}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/v1/graphs", map[string]any{
		"name":  "demo",
		"graph": map[string]any{"nodes": []any{}, "edges": []any{}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["id"] != "g-new" {
		t.Errorf("id = %q, want g-new", result["id"])
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["name"] != "demo" {
		t.Errorf("body.name = %v, want demo", body["name"])
	}
	if _, ok := body["graph"]; !ok {
		t.Error("body missing graph field")
	}
}

func TestRunNodeThenStatus(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/graphs/g-1/nodes/n-1/run":   `{"status":"processing"}`,
		"GET /v1/graphs/g-1/nodes/n-1/status": `{"status":"completed"}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/v1/graphs/g-1/nodes/n-1/run", map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var run map[string]string
	if err := decodeJSON(resp, &run); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if run["status"] != "processing" {
		t.Errorf("run status = %q, want processing", run["status"])
	}

	resp, err = client.get(ctx, "/v1/graphs/g-1/nodes/n-1/status")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var st map[string]string
	if err := decodeJSON(resp, &st); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if st["status"] != "completed" {
		t.Errorf("status = %q, want completed", st["status"])
	}
}

func TestMediaGCSendsAgeThreshold(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /v1/media/gc": `{"removed":3}`,
	})

	client := ts.client()
	resp, err := client.post(ctx, "/v1/media/gc", map[string]any{"maxAgeHours": 48})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]int
	if err := decodeJSON(resp, &result); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if result["removed"] != 3 {
		t.Errorf("removed = %d, want 3", result["removed"])
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["maxAgeHours"] != float64(48) {
		t.Errorf("body.maxAgeHours = %v, want 48", body["maxAgeHours"])
	}
}

func TestStatusCommand_Stopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	client := ts.client()
	_, err := client.get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	result := colorize(colorGreen, "test message")
	if strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=true should not contain ANSI codes, got %q", result)
	}
	if result != "test message" {
		t.Errorf("result = %q, want %q", result, "test message")
	}

	noColor = false
	result = colorize(colorGreen, "test message")
	if !strings.Contains(result, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", result)
	}
}

func TestDecodeJSON_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"unauthorized","type":"auth_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{
		baseURL:    ts.URL,
		token:      "bad-token",
		httpClient: ts.Client(),
	}

	resp, err := client.get(ctx, "/v1/graphs")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("error = %q, want it to contain '401'", err.Error())
	}
}

func TestUnauthenticatedClientOmitsHeader(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = ""

	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if ts.requests[0].Auth != "" {
		t.Errorf("auth = %q, want empty", ts.requests[0].Auth)
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4400
	cfg.Image.Model = "gemini-2.5-flash-image"

	keys := config.ShowAll(cfg)
	if len(keys) == 0 {
		t.Fatal("expected non-empty keys from ShowAll")
	}

	found := false
	for _, k := range keys {
		if k.Key == "server.port" && k.Value == "4400" {
			found = true
		}
		if strings.Contains(k.Key, "api_key") {
			t.Errorf("secret key %q exposed by ShowAll", k.Key)
		}
	}
	if !found {
		t.Error("expected to find server.port=4400 in ShowAll output")
	}
}
