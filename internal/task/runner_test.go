package task

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"strings"
	"testing"

	"github.com/kalambet/mediagraph/internal/graph"
	"github.com/kalambet/mediagraph/internal/media"
	"github.com/kalambet/mediagraph/internal/provider"
	"github.com/kalambet/mediagraph/internal/storage"
)

type genFunc func(ctx context.Context, req provider.Request) (*provider.Result, error)

func (f genFunc) Generate(ctx context.Context, req provider.Request) (*provider.Result, error) {
	return f(ctx, req)
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("encoding png: %v", err)
	}
	return buf.Bytes()
}

func newTestMedia(t *testing.T) *media.Store {
	t.Helper()
	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return media.NewStore(db, nil)
}

func mustState(t *testing.T, g graph.Graph) *graph.State {
	t.Helper()
	s, err := graph.NewState(g)
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	return s
}

func promptedImageGen(t *testing.T) *graph.State {
	t.Helper()
	return mustState(t, graph.Graph{
		Nodes: []graph.Node{
			{ID: "p1", Type: graph.TypePrompt, Data: &graph.PromptData{Text: "a red fox"}},
			{ID: "g1", Type: graph.TypeImageGen, Data: &graph.ImageGenData{}},
		},
		Edges: []graph.Edge{
			{ID: "e1", Source: "p1", Target: "g1", TargetHandle: graph.HandlePrompt},
		},
	})
}

func TestImageGenWritesOutput(t *testing.T) {
	state := promptedImageGen(t)
	store := newTestMedia(t)
	payload := pngBytes(t, 8, 8)

	var gotPrompt string
	r := NewRunner(Config{
		State: state,
		Media: store,
		Images: genFunc(func(_ context.Context, req provider.Request) (*provider.Result, error) {
			gotPrompt = req.Prompt
			return &provider.Result{Data: payload, MIME: "image/png"}, nil
		}),
	})

	if err := r.Run(context.Background(), "g1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	r.Wait("g1")

	if gotPrompt != "a red fox" {
		t.Fatalf("prompt not inherited, got %q", gotPrompt)
	}
	n, _ := state.Node("g1")
	d := n.Data.(*graph.ImageGenData)
	if d.TaskStatus() != graph.StatusCompleted {
		t.Fatalf("status %q, want completed", d.TaskStatus())
	}
	if !strings.HasPrefix(d.Output, "local:") {
		t.Fatalf("output %q is not a local reference", d.Output)
	}
	ref, err := media.ParseRef(d.Output)
	if err != nil {
		t.Fatalf("parsing output ref: %v", err)
	}
	data, _, err := store.Resolve(context.Background(), ref)
	if err != nil {
		t.Fatalf("resolving output: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatal("cached bytes differ from generated bytes")
	}
}

func TestSecondRunOnBusyNodeRejected(t *testing.T) {
	state := promptedImageGen(t)
	release := make(chan struct{})

	r := NewRunner(Config{
		State: state,
		Media: newTestMedia(t),
		Images: genFunc(func(ctx context.Context, _ provider.Request) (*provider.Result, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return &provider.Result{Data: pngBytes(t, 4, 4), MIME: "image/png"}, nil
		}),
	})

	if err := r.Run(context.Background(), "g1"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := r.Run(context.Background(), "g1"); err == nil {
		t.Fatal("second run on a busy node must be rejected")
	}
	close(release)
	r.Wait("g1")

	if st, _, _ := r.Status("g1"); st != graph.StatusCompleted {
		t.Fatalf("status %q after release, want completed", st)
	}
}

func TestCancelReturnsNodeToIdle(t *testing.T) {
	state := promptedImageGen(t)
	started := make(chan struct{})

	r := NewRunner(Config{
		State: state,
		Media: newTestMedia(t),
		Images: genFunc(func(ctx context.Context, _ provider.Request) (*provider.Result, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	})

	if err := r.Run(context.Background(), "g1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	<-started
	if st, _, _ := r.Status("g1"); st != graph.StatusProcessing {
		t.Fatalf("status %q while running, want processing", st)
	}

	r.Cancel("g1")
	r.Wait("g1")

	n, _ := state.Node("g1")
	d := n.Data.(*graph.ImageGenData)
	if d.TaskStatus() != graph.StatusIdle {
		t.Fatalf("status %q after cancel, want idle", d.TaskStatus())
	}
	if d.Output != "" {
		t.Fatalf("cancelled task must not commit output, got %q", d.Output)
	}
	if d.Error != "" {
		t.Fatalf("cancelled task must not record an error, got %q", d.Error)
	}
}

func TestFailureRecordsClassifiedError(t *testing.T) {
	state := promptedImageGen(t)
	calls := 0

	r := NewRunner(Config{
		State: state,
		Media: newTestMedia(t),
		Images: genFunc(func(context.Context, provider.Request) (*provider.Result, error) {
			calls++
			return nil, &provider.Error{
				Kind:   provider.KindProviderRejected,
				Status: 400,
				Msg:    "provider returned status 400: quota exceeded for project",
			}
		}),
	})

	if err := r.Run(context.Background(), "g1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	r.Wait("g1")

	if calls != 1 {
		t.Fatalf("non-rate-limit failure retried %d times, want 1 call", calls)
	}
	st, msg, err := r.Status("g1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st != graph.StatusError {
		t.Fatalf("status %q, want error", st)
	}
	if !strings.HasPrefix(msg, "quota:") {
		t.Fatalf("quota failure not flagged for display: %q", msg)
	}
}

func TestMissingPromptFailsWithoutProviderCall(t *testing.T) {
	state := mustState(t, graph.Graph{
		Nodes: []graph.Node{{ID: "g1", Type: graph.TypeImageGen, Data: &graph.ImageGenData{}}},
	})
	r := NewRunner(Config{
		State: state,
		Media: newTestMedia(t),
		Images: genFunc(func(context.Context, provider.Request) (*provider.Result, error) {
			t.Fatal("provider must not be called without a prompt")
			return nil, nil
		}),
	})

	if err := r.Run(context.Background(), "g1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	r.Wait("g1")

	if st, _, _ := r.Status("g1"); st != graph.StatusError {
		t.Fatalf("status %q, want error", st)
	}
}

func TestVideoGenModeSelectsGenerator(t *testing.T) {
	state := mustState(t, graph.Graph{
		Nodes: []graph.Node{
			{ID: "v1", Type: graph.TypeVideoGen, Data: &graph.VideoGenData{Prompt: "waves", Mode: "proxy", Duration: 5}},
		},
	})
	var directCalled, proxyCalled bool
	r := NewRunner(Config{
		State: state,
		Media: newTestMedia(t),
		VideoDirect: genFunc(func(context.Context, provider.Request) (*provider.Result, error) {
			directCalled = true
			return &provider.Result{Data: []byte("mp4"), MIME: "video/mp4"}, nil
		}),
		VideoProxy: genFunc(func(_ context.Context, req provider.Request) (*provider.Result, error) {
			proxyCalled = true
			if req.Duration != 5 {
				t.Errorf("duration %d, want 5", req.Duration)
			}
			return &provider.Result{Data: []byte("mp4"), MIME: "video/mp4"}, nil
		}),
	})

	if err := r.Run(context.Background(), "v1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	r.Wait("v1")

	if directCalled || !proxyCalled {
		t.Fatalf("proxy mode routed wrong: direct=%v proxy=%v", directCalled, proxyCalled)
	}
	n, _ := state.Node("v1")
	if out := n.Data.(*graph.VideoGenData).Output; !strings.HasPrefix(out, "local:") {
		t.Fatalf("output %q is not a local reference", out)
	}
}

func TestVideoGenWithoutGeneratorFailsAsMissingCredentials(t *testing.T) {
	state := mustState(t, graph.Graph{
		Nodes: []graph.Node{
			{ID: "v1", Type: graph.TypeVideoGen, Data: &graph.VideoGenData{Prompt: "waves"}},
		},
	})
	r := NewRunner(Config{State: state, Media: newTestMedia(t)})

	if err := r.Run(context.Background(), "v1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	r.Wait("v1")

	st, msg, _ := r.Status("v1")
	if st != graph.StatusError {
		t.Fatalf("status %q, want error", st)
	}
	if !strings.Contains(msg, "not configured") {
		t.Fatalf("unexpected error message %q", msg)
	}
}

func TestGridSplitThenCompose(t *testing.T) {
	source := media.EncodeDataURL("image/png", pngBytes(t, 20, 20))
	state := mustState(t, graph.Graph{
		Nodes: []graph.Node{
			{ID: "split", Type: graph.TypeGridSplit, Data: &graph.GridSplitData{Rows: 2, Cols: 2, Source: source}},
			{ID: "compose", Type: graph.TypeGridCompose, Data: &graph.GridComposeData{Rows: 2, Cols: 2}},
		},
	})
	store := newTestMedia(t)
	r := NewRunner(Config{State: state, Media: store})
	ctx := context.Background()

	if err := r.Run(ctx, "split"); err != nil {
		t.Fatalf("run split: %v", err)
	}
	r.Wait("split")

	n, _ := state.Node("split")
	cells := n.Data.(*graph.GridSplitData).Cells
	if len(cells) != 4 {
		t.Fatalf("split produced %d cells, want 4", len(cells))
	}
	for i := 0; i < 4; i++ {
		if cells[graph.SlotID(i)] == "" {
			t.Fatalf("slot %d has no token", i)
		}
	}

	// Feed the split outputs straight into the compose node's slots.
	if err := state.Apply("compose", func(n *graph.Node) error {
		n.Data.(*graph.GridComposeData).Inputs = cells
		return nil
	}); err != nil {
		t.Fatalf("wiring compose inputs: %v", err)
	}

	if err := r.Run(ctx, "compose"); err != nil {
		t.Fatalf("run compose: %v", err)
	}
	r.Wait("compose")

	n, _ = state.Node("compose")
	d := n.Data.(*graph.GridComposeData)
	if d.TaskStatus() != graph.StatusCompleted {
		t.Fatalf("compose status %q, error %q", d.TaskStatus(), d.Error)
	}
	ref, err := media.ParseRef(d.Output)
	if err != nil {
		t.Fatalf("parsing compose output: %v", err)
	}
	data, _, err := store.Resolve(ctx, ref)
	if err != nil {
		t.Fatalf("resolving compose output: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decoding compose output: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 20 || b.Dy() != 20 {
		t.Fatalf("recomposed canvas %dx%d, want 20x20", b.Dx(), b.Dy())
	}
}

func TestRunRejectsNonRunnableNode(t *testing.T) {
	state := mustState(t, graph.Graph{
		Nodes: []graph.Node{{ID: "p1", Type: graph.TypePrompt, Data: &graph.PromptData{Text: "x"}}},
	})
	r := NewRunner(Config{State: state, Media: newTestMedia(t)})

	if err := r.Run(context.Background(), "p1"); err == nil {
		t.Fatal("running a prompt node must fail")
	}
	if err := r.Run(context.Background(), "missing"); err == nil {
		t.Fatal("running an unknown node must fail")
	}
}

func TestRunRejectsNodeInsideCycle(t *testing.T) {
	state := mustState(t, graph.Graph{
		Nodes: []graph.Node{
			{ID: "a", Type: graph.TypeImageGen, Data: &graph.ImageGenData{Prompt: "x"}},
			{ID: "b", Type: graph.TypeImageGen, Data: &graph.ImageGenData{Prompt: "y"}},
		},
		Edges: []graph.Edge{
			{ID: "e1", Source: "a", Target: "b", TargetHandle: graph.HandleImage},
			{ID: "e2", Source: "b", Target: "a", TargetHandle: graph.HandleImage},
		},
	})
	r := NewRunner(Config{
		State: state,
		Media: newTestMedia(t),
		Images: genFunc(func(context.Context, provider.Request) (*provider.Result, error) {
			t.Fatal("provider must not be called for a node inside a cycle")
			return nil, nil
		}),
	})

	if err := r.Run(context.Background(), "a"); err == nil {
		t.Fatal("expected cycle rejection")
	}
}

func TestHooksFire(t *testing.T) {
	state := promptedImageGen(t)
	var started, completed, failed int
	r := NewRunner(Config{
		State: state,
		Media: newTestMedia(t),
		Images: genFunc(func(context.Context, provider.Request) (*provider.Result, error) {
			return &provider.Result{Data: pngBytes(t, 4, 4), MIME: "image/png"}, nil
		}),
		Hooks: Hooks{
			Started:   func(string) { started++ },
			Completed: func(string) { completed++ },
			Failed:    func(string) { failed++ },
		},
	})

	if err := r.Run(context.Background(), "g1"); err != nil {
		t.Fatalf("run: %v", err)
	}
	r.Wait("g1")

	if started != 1 || completed != 1 || failed != 0 {
		t.Fatalf("hooks: started=%d completed=%d failed=%d", started, completed, failed)
	}
}
