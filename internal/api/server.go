// Package api exposes the graph service over the local REST API and MCP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/mediagraph/internal/graph"
	"github.com/kalambet/mediagraph/internal/media"
	"github.com/kalambet/mediagraph/internal/provider"
	"github.com/kalambet/mediagraph/internal/storage"
	"github.com/kalambet/mediagraph/internal/task"
)

// Generators bundles the configured provider adapters. Nil entries mean the
// corresponding credential is absent; running such a node fails per-node
// instead of failing the server.
type Generators struct {
	Images      provider.Generator
	VideoDirect provider.Generator
	VideoProxy  provider.Generator
}

// Server owns the persisted graphs and one live session per opened graph.
type Server struct {
	db      *storage.Store
	media   *media.Store
	gens    Generators
	logger  *slog.Logger
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
}

// session is the live form of one graph: its mutable state, the task runner
// bound to it, and the debounced inline-media migrator.
type session struct {
	state    *graph.State
	runner   *task.Runner
	migrator *media.Migrator
}

func NewServer(db *storage.Store, mediaStore *media.Store, gens Generators, metrics *Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		db:       db,
		media:    mediaStore,
		gens:     gens,
		logger:   logger,
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
}

// Close cancels in-flight tasks and background migrators of every session.
func (s *Server) Close() {
	s.cancel()
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.runner.Close()
	}
}

// GraphSummary is the list form of a persisted graph.
type GraphSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (s *Server) ListGraphs() ([]GraphSummary, error) {
	records, err := s.db.ListGraphs()
	if err != nil {
		return nil, err
	}
	out := make([]GraphSummary, len(records))
	for i, r := range records {
		out[i] = GraphSummary{ID: r.ID, Name: r.Name, UpdatedAt: r.UpdatedAt}
	}
	return out, nil
}

// CreateGraph validates and persists a new graph document, returning its id.
func (s *Server) CreateGraph(name string, g graph.Graph) (string, error) {
	if err := g.Validate(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := s.saveGraph(id, name, g); err != nil {
		return "", err
	}
	return id, nil
}

// GetGraph returns the persisted graph with media references hydrated back
// into inline data URLs, the form editors consume.
func (s *Server) GetGraph(ctx context.Context, id string) (string, graph.Graph, error) {
	sess, record, err := s.open(id)
	if err != nil {
		return "", graph.Graph{}, err
	}
	return record.Name, s.media.Hydrate(ctx, sess.state.Snapshot()), nil
}

// UpdateGraph replaces the document of an existing graph. The previous
// session is shut down; in-flight tasks of the old revision are cancelled,
// and media owned by nodes absent from the new revision is released.
func (s *Server) UpdateGraph(ctx context.Context, id, name string, g graph.Graph) error {
	if err := g.Validate(); err != nil {
		return err
	}
	record, err := s.db.GetGraph(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if old != nil {
		old.runner.Close()
	}

	if err := s.saveGraph(id, name, g); err != nil {
		return err
	}
	s.releaseDroppedNodes(ctx, id, record.DataJSON, g)
	return nil
}

// releaseDroppedNodes deletes media owned by nodes present in the previous
// revision but absent from the new one. A node deleted in the editor only
// reaches the server as a document replacement, so this is where its assets
// get released.
func (s *Server) releaseDroppedNodes(ctx context.Context, id, prevJSON string, next graph.Graph) {
	var prev graph.Graph
	if err := json.Unmarshal([]byte(prevJSON), &prev); err != nil {
		return
	}
	kept := make(map[string]bool, len(next.Nodes))
	for _, n := range next.Nodes {
		kept[n.ID] = true
	}
	for _, n := range prev.Nodes {
		if kept[n.ID] {
			continue
		}
		if removed, err := s.media.DeleteByOwner(ctx, n.ID); err != nil {
			s.logger.Warn("releasing node media", "graph", id, "node", n.ID, "error", err)
		} else if removed > 0 {
			s.logger.Info("released node media", "graph", id, "node", n.ID, "removed", removed)
		}
	}
}

// DeleteGraph removes a graph and the media owned by its nodes.
func (s *Server) DeleteGraph(ctx context.Context, id string) error {
	record, err := s.db.GetGraph(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if old != nil {
		old.runner.Close()
	}

	var g graph.Graph
	if err := json.Unmarshal([]byte(record.DataJSON), &g); err == nil {
		for _, n := range g.Nodes {
			if removed, err := s.media.DeleteByOwner(ctx, n.ID); err != nil {
				s.logger.Warn("releasing node media", "graph", id, "node", n.ID, "error", err)
			} else if removed > 0 {
				s.logger.Info("released node media", "graph", id, "node", n.ID, "removed", removed)
			}
		}
	}
	return s.db.DeleteGraph(id)
}

// RunNode admits the task for one node and persists the graph once the task
// settles.
func (s *Server) RunNode(ctx context.Context, graphID, nodeID string) error {
	sess, record, err := s.open(graphID)
	if err != nil {
		return err
	}
	if err := sess.runner.Run(ctx, nodeID); err != nil {
		return err
	}
	go func() {
		sess.runner.Wait(nodeID)
		sess.migrator.Notify()
		if err := s.persist(graphID, record.Name, sess.state); err != nil {
			s.logger.Error("persisting graph after task", "graph", graphID, "node", nodeID, "error", err)
		}
	}()
	return nil
}

func (s *Server) CancelNode(graphID, nodeID string) error {
	sess, _, err := s.open(graphID)
	if err != nil {
		return err
	}
	sess.runner.Cancel(nodeID)
	return nil
}

// NodeStatus reports the lifecycle state and last error of a runnable node.
func (s *Server) NodeStatus(graphID, nodeID string) (graph.NodeStatus, string, error) {
	sess, _, err := s.open(graphID)
	if err != nil {
		return "", "", err
	}
	return sess.runner.Status(nodeID)
}

// ResolveMedia serves the bytes behind a local media id.
func (s *Server) ResolveMedia(ctx context.Context, id string) ([]byte, string, error) {
	data, mime, err := s.media.Resolve(ctx, media.LocalRef(id))
	if err != nil {
		return nil, "", err
	}
	if s.metrics != nil {
		s.metrics.MediaResolves.Inc()
	}
	return data, mime, nil
}

func (s *Server) GCMedia(ctx context.Context, maxAge time.Duration) (int, error) {
	return s.media.GC(ctx, maxAge)
}

// open returns the live session for a graph, loading and starting it on
// first use.
func (s *Server) open(id string) (*session, storage.GraphRecord, error) {
	record, err := s.db.GetGraph(id)
	if err != nil {
		return nil, storage.GraphRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		return sess, record, nil
	}

	var g graph.Graph
	if err := json.Unmarshal([]byte(record.DataJSON), &g); err != nil {
		return nil, storage.GraphRecord{}, fmt.Errorf("decoding graph %s: %w", id, err)
	}
	state, err := graph.NewState(g)
	if err != nil {
		return nil, storage.GraphRecord{}, fmt.Errorf("loading graph %s: %w", id, err)
	}

	hooks := task.Hooks{}
	if s.metrics != nil {
		hooks = s.metrics.TaskHooks()
	}
	sess := &session{
		state: state,
		runner: task.NewRunner(task.Config{
			State:       state,
			Media:       s.media,
			Images:      s.gens.Images,
			VideoDirect: s.gens.VideoDirect,
			VideoProxy:  s.gens.VideoProxy,
			Logger:      s.logger,
			Hooks:       hooks,
		}),
		migrator: media.NewMigrator(s.media, state, 0),
	}
	s.sessions[id] = sess
	go sess.migrator.Run(s.ctx)
	return sess, record, nil
}

// saveGraph migrates inline media out of the document and persists it.
func (s *Server) saveGraph(id, name string, g graph.Graph) error {
	state, err := graph.NewState(g)
	if err != nil {
		return err
	}
	return s.persist(id, name, state)
}

func (s *Server) persist(id, name string, state *graph.State) error {
	if moved, err := s.media.MigrateInline(s.ctx, state); err != nil {
		s.logger.Warn("inline media migration incomplete", "graph", id, "error", err)
	} else if moved > 0 {
		s.logger.Info("migrated inline media", "graph", id, "assets", moved)
		if s.metrics != nil {
			s.metrics.MediaPuts.Add(float64(moved))
		}
	}

	data, err := json.Marshal(state.Snapshot())
	if err != nil {
		return err
	}
	return s.db.SaveGraph(storage.GraphRecord{ID: id, Name: name, DataJSON: string(data)})
}
