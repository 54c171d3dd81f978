// Package task drives the per-node generation lifecycle: status transitions,
// single-task-per-node admission, cancellation, and output commits.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kalambet/mediagraph/internal/graph"
	"github.com/kalambet/mediagraph/internal/media"
	"github.com/kalambet/mediagraph/internal/provider"
)

// ErrUnknownNode marks operations addressing a node id absent from the graph,
// as opposed to admission rejections on nodes that do exist.
var ErrUnknownNode = errors.New("unknown node")

// Hooks receive task lifecycle notifications. All fields are optional.
type Hooks struct {
	Started   func(nodeType string)
	Completed func(nodeType string)
	Failed    func(nodeType string)
}

func (h Hooks) started(t string) {
	if h.Started != nil {
		h.Started(t)
	}
}

func (h Hooks) completed(t string) {
	if h.Completed != nil {
		h.Completed(t)
	}
}

func (h Hooks) failed(t string) {
	if h.Failed != nil {
		h.Failed(t)
	}
}

// Runner executes node tasks against one graph state. A node holds at most
// one in-flight task; a second Run on the same node is rejected, not queued.
type Runner struct {
	state  *graph.State
	media  *media.Store
	logger *slog.Logger
	hooks  Hooks

	images      provider.Generator
	videoDirect provider.Generator
	videoProxy  provider.Generator

	mu    sync.Mutex
	tasks map[string]*inflight
}

type inflight struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Config wires a Runner. Generators may be nil; running a node whose
// generator is missing fails with a missing-credentials error.
type Config struct {
	State       *graph.State
	Media       *media.Store
	Images      provider.Generator
	VideoDirect provider.Generator
	VideoProxy  provider.Generator
	Logger      *slog.Logger
	Hooks       Hooks
}

func NewRunner(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		state:       cfg.State,
		media:       cfg.Media,
		logger:      logger,
		hooks:       cfg.Hooks,
		images:      cfg.Images,
		videoDirect: cfg.VideoDirect,
		videoProxy:  cfg.VideoProxy,
		tasks:       make(map[string]*inflight),
	}
}

// Run starts the task for nodeID and returns as soon as it is admitted. The
// execution itself proceeds on its own goroutine with its own lifetime, so a
// disconnecting caller never aborts a running generation.
func (r *Runner) Run(ctx context.Context, nodeID string) error {
	node, ok := r.state.Node(nodeID)
	if !ok {
		return fmt.Errorf("node %q: %w", nodeID, ErrUnknownNode)
	}
	if _, runnable := node.Data.(graph.Stateful); !runnable {
		return fmt.Errorf("node %q (%s) is not runnable", nodeID, node.Type)
	}
	if err := r.state.CheckAcyclicFrom(nodeID); err != nil {
		return err
	}

	r.mu.Lock()
	if _, busy := r.tasks[nodeID]; busy {
		r.mu.Unlock()
		return fmt.Errorf("node %q already has a task in flight", nodeID)
	}
	taskCtx, cancel := context.WithCancel(context.Background())
	fl := &inflight{cancel: cancel, done: make(chan struct{})}
	r.tasks[nodeID] = fl
	r.mu.Unlock()

	if err := r.setStatus(nodeID, graph.StatusProcessing); err != nil {
		r.finish(nodeID, fl)
		cancel()
		return err
	}
	r.hooks.started(string(node.Type))
	r.logger.Info("task started", "node", nodeID, "type", node.Type)

	go r.execute(taskCtx, nodeID, node.Type, fl)
	return nil
}

// Cancel aborts the in-flight task of nodeID. The node returns to idle and
// any partial output is discarded. Cancelling an idle node is a no-op.
func (r *Runner) Cancel(nodeID string) {
	r.mu.Lock()
	fl, ok := r.tasks[nodeID]
	r.mu.Unlock()
	if ok {
		fl.cancel()
	}
}

// Wait blocks until the in-flight task of nodeID finishes. Returns
// immediately when no task is running.
func (r *Runner) Wait(nodeID string) {
	r.mu.Lock()
	fl, ok := r.tasks[nodeID]
	r.mu.Unlock()
	if ok {
		<-fl.done
	}
}

// Close cancels every in-flight task and waits for them to settle.
func (r *Runner) Close() {
	r.mu.Lock()
	flights := make([]*inflight, 0, len(r.tasks))
	for _, fl := range r.tasks {
		fl.cancel()
		flights = append(flights, fl)
	}
	r.mu.Unlock()
	for _, fl := range flights {
		<-fl.done
	}
}

func (r *Runner) execute(ctx context.Context, nodeID string, nodeType graph.NodeType, fl *inflight) {
	defer r.finish(nodeID, fl)

	commit, err := r.dispatch(ctx, nodeID, nodeType)

	if ctx.Err() != nil || provider.KindOf(err) == provider.KindCancelled {
		// Cancellation is not a failure: back to idle, output discarded.
		if serr := r.setStatus(nodeID, graph.StatusIdle); serr != nil {
			r.logger.Error("resetting cancelled node", "node", nodeID, "error", serr)
		}
		r.logger.Info("task cancelled", "node", nodeID)
		return
	}

	if err != nil {
		msg := err.Error()
		if provider.IsQuota(err) {
			msg = "quota: " + msg
		}
		if aerr := r.state.Apply(nodeID, func(n *graph.Node) error {
			n.Data.(graph.Stateful).SetTaskError(msg)
			return nil
		}); aerr != nil {
			r.logger.Error("recording task failure", "node", nodeID, "error", aerr)
		}
		r.hooks.failed(string(nodeType))
		r.logger.Error("task failed", "node", nodeID, "type", nodeType, "kind", provider.KindOf(err), "error", err)
		return
	}

	if aerr := r.state.Apply(nodeID, func(n *graph.Node) error {
		if commit != nil {
			if err := commit(n); err != nil {
				return err
			}
		}
		n.Data.(graph.Stateful).SetTaskStatus(graph.StatusCompleted)
		return nil
	}); aerr != nil {
		r.logger.Error("committing task output", "node", nodeID, "error", aerr)
		return
	}
	r.hooks.completed(string(nodeType))
	r.logger.Info("task completed", "node", nodeID, "type", nodeType)
}

// commitFn writes task output onto the live node payload under the state lock.
type commitFn func(n *graph.Node) error

func (r *Runner) dispatch(ctx context.Context, nodeID string, nodeType graph.NodeType) (commitFn, error) {
	switch nodeType {
	case graph.TypeImageGen:
		return r.runImageGen(ctx, nodeID)
	case graph.TypeVideoGen:
		return r.runVideoGen(ctx, nodeID)
	case graph.TypeGridSplit:
		return r.runGridSplit(ctx, nodeID)
	case graph.TypeGridCompose:
		return r.runGridCompose(ctx, nodeID)
	default:
		return nil, fmt.Errorf("no executor for node type %q", nodeType)
	}
}

func (r *Runner) setStatus(nodeID string, status graph.NodeStatus) error {
	return r.state.Apply(nodeID, func(n *graph.Node) error {
		n.Data.(graph.Stateful).SetTaskStatus(status)
		return nil
	})
}

func (r *Runner) finish(nodeID string, fl *inflight) {
	r.mu.Lock()
	delete(r.tasks, nodeID)
	r.mu.Unlock()
	close(fl.done)
}

// Status reports the lifecycle state of a runnable node.
func (r *Runner) Status(nodeID string) (graph.NodeStatus, string, error) {
	node, ok := r.state.Node(nodeID)
	if !ok {
		return "", "", fmt.Errorf("node %q: %w", nodeID, ErrUnknownNode)
	}
	st, runnable := node.Data.(graph.Stateful)
	if !runnable {
		return "", "", fmt.Errorf("node %q (%s) is not runnable", nodeID, node.Type)
	}
	var errMsg string
	switch d := node.Data.(type) {
	case *graph.ImageGenData:
		errMsg = d.Error
	case *graph.VideoGenData:
		errMsg = d.Error
	case *graph.GridSplitData:
		errMsg = d.Error
	case *graph.GridComposeData:
		errMsg = d.Error
	}
	return st.TaskStatus(), errMsg, nil
}
