package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/mediagraph/internal/storage"
)

// ErrNotFound is returned when a reference resolves to nothing, locally or
// remotely.
var ErrNotFound = storage.ErrNotFound

// Store is the hybrid media cache. The local embedded cache is always the
// authoritative read path; the remote mirror is best effort.
type Store struct {
	db     *storage.Store
	remote *RemoteStore // nil when no remote credentials are configured
	logger *slog.Logger
}

// NewStore creates a media store over the embedded cache. remote may be nil.
func NewStore(db *storage.Store, remote *RemoteStore) *Store {
	return &Store{db: db, remote: remote, logger: slog.Default()}
}

// PutOptions control a single Put.
type PutOptions struct {
	// Compress downscales raster content before caching. Video and other
	// opaque payloads are never touched.
	Compress bool
}

// Put persists an asset and returns its reference token. The token is
// returned only after the local write succeeds; a failed remote upload is
// logged and never propagated.
func (s *Store) Put(ctx context.Context, id string, data []byte, mime, ownerID string, opts PutOptions) (Ref, error) {
	if id == "" {
		return Ref{}, fmt.Errorf("media id is empty")
	}
	if len(data) == 0 {
		return Ref{}, fmt.Errorf("refusing to cache empty payload for %s", id)
	}

	if opts.Compress {
		var err error
		data, mime, err = compressImage(data, mime)
		if err != nil {
			return Ref{}, err
		}
	}

	kind := "image"
	if strings.HasPrefix(mime, "video/") {
		kind = "video"
	}

	var remoteURL string
	if s.remote != nil {
		url, err := s.remote.Upload(ctx, id, data, mime, map[string]string{"owner": ownerID})
		if err != nil {
			s.logger.Warn("remote mirror upload failed, keeping asset local", "id", id, "error", err)
		} else {
			remoteURL = url
		}
	}

	meta := storage.MediaMeta{
		ID:        id,
		Kind:      kind,
		MIME:      mime,
		OwnerID:   ownerID,
		RemoteURL: remoteURL,
	}
	if err := s.db.SaveBlob(meta, data); err != nil {
		return Ref{}, fmt.Errorf("caching %s locally: %w", id, err)
	}

	if remoteURL != "" {
		return RemoteRef(remoteURL), nil
	}
	return LocalRef(id), nil
}

// Resolve returns the bytes and MIME type behind a reference. The local
// cache is checked first regardless of backend tag; only a miss on a
// remote-tagged reference triggers a signed-read-URL fetch.
func (s *Store) Resolve(ctx context.Context, ref Ref) ([]byte, string, error) {
	var id string
	if ref.Backend() == BackendRemote {
		// Exact mapping first; the trailing URL segment only when none exists.
		if m, err := s.db.FindMetaByRemoteURL(ref.URL()); err == nil {
			id = m.ID
		}
	}
	if id == "" {
		id = ref.LocalID()
	}

	if id != "" {
		data, err := s.db.GetBlob(id)
		if err == nil {
			mime := "application/octet-stream"
			if m, metaErr := s.db.GetMeta(id); metaErr == nil {
				mime = m.MIME
			}
			return data, mime, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, "", err
		}
	}

	if ref.Backend() != BackendRemote {
		return nil, "", ErrNotFound
	}

	signed, err := s.remoteReadURL(ctx, ref)
	if err != nil {
		s.logger.Warn("signed read url unavailable", "url", ref.URL(), "error", err)
		return nil, "", ErrNotFound
	}
	data, err := s.remote.Fetch(ctx, signed)
	if err != nil {
		s.logger.Warn("remote fetch failed", "url", ref.URL(), "error", err)
		return nil, "", ErrNotFound
	}
	return data, "application/octet-stream", nil
}

func (s *Store) remoteReadURL(ctx context.Context, ref Ref) (string, error) {
	if s.remote == nil {
		return "", fmt.Errorf("no remote store configured")
	}
	return s.remote.SignedReadURL(ctx, ref.LocalID())
}

// Delete removes an asset from the local cache and, best effort, from the
// remote mirror.
func (s *Store) Delete(ctx context.Context, id string) error {
	meta, err := s.db.GetMeta(id)
	if err != nil {
		return err
	}
	if meta.RemoteURL != "" && s.remote != nil {
		if err := s.remote.Delete(ctx, id); err != nil {
			s.logger.Warn("remote delete failed", "id", id, "error", err)
		}
	}
	return s.db.DeleteBlob(id)
}

// DeleteByOwner removes every asset owned by a node. Used when the owning
// node is deleted.
func (s *Store) DeleteByOwner(ctx context.Context, ownerID string) (int, error) {
	metas, err := s.db.ListMetaByOwner(ownerID)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, m := range metas {
		if err := s.Delete(ctx, m.ID); err != nil {
			return deleted, fmt.Errorf("deleting %s: %w", m.ID, err)
		}
		deleted++
	}
	return deleted, nil
}

// GC removes assets older than maxAge. Age-based collection and owner
// deletion are the only paths that may remove an asset.
func (s *Store) GC(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	metas, err := s.db.ListMetaOlderThan(cutoff)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range metas {
		if err := s.Delete(ctx, m.ID); err != nil {
			s.logger.Warn("gc delete failed", "id", m.ID, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("media gc complete", "removed", removed, "max_age", maxAge)
	}
	return removed, nil
}

// List returns metadata for cached assets, newest first.
func (s *Store) List(limit int) ([]storage.MediaMeta, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.db.ListMeta(limit)
}
