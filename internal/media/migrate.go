package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/mediagraph/internal/graph"
)

// EncodeDataURL wraps bytes into a data URL directly usable by a renderer.
func EncodeDataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURL splits a data URL back into MIME type and bytes.
func DecodeDataURL(v string) (mime string, data []byte, ok bool) {
	if !strings.HasPrefix(v, "data:") {
		return "", nil, false
	}
	rest := strings.TrimPrefix(v, "data:")
	semi := strings.Index(rest, ";base64,")
	if semi < 0 {
		return "", nil, false
	}
	mime = rest[:semi]
	decoded, err := base64.StdEncoding.DecodeString(rest[semi+len(";base64,"):])
	if err != nil {
		return "", nil, false
	}
	return mime, decoded, true
}

// isInline detects inline raw payloads by value shape, not by any flag.
func isInline(v string) bool {
	return strings.HasPrefix(v, "data:")
}

// mediaField is one node data field that can hold a media value: an inline
// data URL, a reference token, or "". The accessors work on any node of the
// same type, so a value read from a snapshot can be committed to live state.
type mediaField struct {
	get func(n *graph.Node) string
	set func(n *graph.Node, v string)
}

func scalarField(get func(n *graph.Node) *string) mediaField {
	return mediaField{
		get: func(n *graph.Node) string { return *get(n) },
		set: func(n *graph.Node, v string) { *get(n) = v },
	}
}

func mapField(m func(n *graph.Node) map[string]string, key string) mediaField {
	return mediaField{
		get: func(n *graph.Node) string { return m(n)[key] },
		set: func(n *graph.Node, v string) { m(n)[key] = v },
	}
}

// mediaFields enumerates the media-bearing fields of one node.
func mediaFields(n *graph.Node) []mediaField {
	switch d := n.Data.(type) {
	case *graph.ImageImportData:
		return []mediaField{scalarField(func(n *graph.Node) *string { return &n.Data.(*graph.ImageImportData).Media })}
	case *graph.ImageGenData:
		return []mediaField{scalarField(func(n *graph.Node) *string { return &n.Data.(*graph.ImageGenData).Output })}
	case *graph.VideoGenData:
		return []mediaField{
			scalarField(func(n *graph.Node) *string { return &n.Data.(*graph.VideoGenData).InputImage }),
			scalarField(func(n *graph.Node) *string { return &n.Data.(*graph.VideoGenData).Output }),
		}
	case *graph.GridSplitData:
		fields := []mediaField{scalarField(func(n *graph.Node) *string { return &n.Data.(*graph.GridSplitData).Source })}
		for key := range d.Cells {
			fields = append(fields, mapField(func(n *graph.Node) map[string]string { return n.Data.(*graph.GridSplitData).Cells }, key))
		}
		return fields
	case *graph.GridComposeData:
		var fields []mediaField
		for key := range d.Inputs {
			fields = append(fields, mapField(func(n *graph.Node) map[string]string { return n.Data.(*graph.GridComposeData).Inputs }, key))
		}
		return append(fields, scalarField(func(n *graph.Node) *string { return &n.Data.(*graph.GridComposeData).Output }))
	}
	return nil
}

// MigrateInline is the outbound pass: it scans all node data fields for
// inline payloads and replaces them with reference tokens via Put. Running
// it on already-migrated data is a no-op.
//
// Uploads run against a snapshot so the state lock is never held across a
// Put; each token is then committed only if the field still holds the exact
// payload that was uploaded.
func (s *Store) MigrateInline(ctx context.Context, state *graph.State) (int, error) {
	migrated := 0
	for _, n := range state.Snapshot().Nodes {
		n := n
		for _, f := range mediaFields(&n) {
			value := f.get(&n)
			if !isInline(value) {
				continue
			}
			mime, data, ok := DecodeDataURL(value)
			if !ok {
				continue // malformed inline value, leave in place
			}
			id := uuid.New().String()
			ref, err := s.Put(ctx, id, data, mime, n.ID, PutOptions{Compress: strings.HasPrefix(mime, "image/")})
			if err != nil {
				return migrated, fmt.Errorf("migrating node %s: %w", n.ID, err)
			}
			token := ref.String()
			f := f
			committed := false
			err = state.Apply(n.ID, func(node *graph.Node) error {
				if f.get(node) == value {
					f.set(node, token)
					committed = true
				}
				return nil
			})
			if err != nil || !committed {
				// Node removed or field rewritten since the snapshot; the
				// uploaded asset has no referent.
				if delErr := s.Delete(ctx, id); delErr != nil {
					s.logger.Warn("discarding unreferenced migration asset", "id", id, "error", delErr)
				}
				continue
			}
			migrated++
		}
	}
	return migrated, nil
}

// Hydrate is the inbound pass run on graph load: every reference token is
// resolved back to a data URL before the graph is considered ready. Values
// that are already data URLs, empty, or unresolvable are left untouched, so
// re-running on hydrated data is a no-op.
func (s *Store) Hydrate(ctx context.Context, g graph.Graph) graph.Graph {
	for i := range g.Nodes {
		node := &g.Nodes[i]
		for _, f := range mediaFields(node) {
			value := f.get(node)
			if value == "" || !IsRef(value) {
				continue
			}
			ref, err := ParseRef(value)
			if err != nil {
				continue
			}
			data, mime, err := s.Resolve(ctx, ref)
			if err != nil {
				s.logger.Warn("hydrate: unresolvable reference", "node", node.ID, "ref", value)
				continue
			}
			f.set(node, EncodeDataURL(mime, data))
		}
	}
	return g
}

// Migrator runs the outbound pass in the background, debounced so bursts of
// graph mutations collapse into one scan.
type Migrator struct {
	store    *Store
	state    *graph.State
	debounce time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	dirty bool
	last  time.Time
}

// NewMigrator creates a Migrator for one graph state. If debounce <= 0 it
// defaults to 2s.
func NewMigrator(store *Store, state *graph.State, debounce time.Duration) *Migrator {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &Migrator{store: store, state: state, debounce: debounce, logger: slog.Default()}
}

// Notify marks the graph dirty after a mutation.
func (m *Migrator) Notify() {
	m.mu.Lock()
	m.dirty = true
	m.last = time.Now()
	m.mu.Unlock()
}

// Run scans for inline payloads until ctx is cancelled.
func (m *Migrator) Run(ctx context.Context) {
	tick := time.NewTicker(m.debounce / 4)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		m.mu.Lock()
		due := m.dirty && time.Since(m.last) >= m.debounce
		if due {
			m.dirty = false
		}
		m.mu.Unlock()
		if !due {
			continue
		}

		n, err := m.store.MigrateInline(ctx, m.state)
		if err != nil {
			m.logger.Error("inline media migration failed", "error", err)
			continue
		}
		if n > 0 {
			m.logger.Info("migrated inline media payloads", "count", n)
		}
	}
}
