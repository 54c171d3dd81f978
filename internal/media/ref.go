// Package media implements the hybrid persistence layer: a local embedded
// blob cache, an optional remote object store mirror, and opaque reference
// tokens standing in for persisted assets.
package media

import (
	"fmt"
	"path"
	"strings"
)

// Backend tags the two reference shapes.
type Backend int

const (
	BackendLocal Backend = iota
	BackendRemote
)

// Ref is an opaque reference token: either locally-cached-only or
// cached-and-mirrored-to-remote. Refs are immutable; regeneration always
// produces a new token. Token parsing lives in this file and nowhere else.
type Ref struct {
	backend Backend
	id      string // local cache key
	url     string // remote object URL, remote refs only
}

// LocalRef builds a reference to a locally cached asset.
func LocalRef(id string) Ref {
	return Ref{backend: BackendLocal, id: id}
}

// RemoteRef builds a reference to an asset mirrored at url.
func RemoteRef(url string) Ref {
	return Ref{backend: BackendRemote, url: url}
}

// Backend returns the reference's backend tag.
func (r Ref) Backend() Backend { return r.backend }

// IsZero reports whether the reference is empty.
func (r Ref) IsZero() bool { return r.id == "" && r.url == "" }

// LocalID derives the local cache key. For remote references without a
// direct mapping this is the trailing path segment of the URL, extension
// stripped.
func (r Ref) LocalID() string {
	if r.backend == BackendLocal {
		return r.id
	}
	base := path.Base(strings.TrimSuffix(r.url, "/"))
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base = base[:i]
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

// URL returns the remote object URL; empty for local references.
func (r Ref) URL() string { return r.url }

const (
	localPrefix  = "local:"
	remotePrefix = "remote:"
)

// String encodes the reference as an opaque token suitable for node data.
func (r Ref) String() string {
	switch r.backend {
	case BackendRemote:
		return remotePrefix + r.url
	default:
		return localPrefix + r.id
	}
}

// ParseRef decodes a token produced by String.
func ParseRef(token string) (Ref, error) {
	switch {
	case strings.HasPrefix(token, localPrefix):
		id := strings.TrimPrefix(token, localPrefix)
		if id == "" {
			return Ref{}, fmt.Errorf("empty local reference")
		}
		return LocalRef(id), nil
	case strings.HasPrefix(token, remotePrefix):
		url := strings.TrimPrefix(token, remotePrefix)
		if url == "" {
			return Ref{}, fmt.Errorf("empty remote reference")
		}
		return RemoteRef(url), nil
	default:
		return Ref{}, fmt.Errorf("unrecognized reference token %q", truncate(token, 40))
	}
}

// IsRef reports whether a node data value is a reference token.
func IsRef(value string) bool {
	return strings.HasPrefix(value, localPrefix) || strings.HasPrefix(value, remotePrefix)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
