package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// MediaMeta describes a cached media blob. The blob bytes themselves live in
// a separate table keyed by the same id.
type MediaMeta struct {
	ID        string
	Kind      string // "image" or "video"
	MIME      string
	Size      int64
	CreatedAt time.Time
	OwnerID   string // node id that produced the asset
	RemoteURL string // empty when the asset was never mirrored
}

// GraphRecord is a persisted workflow graph. DataJSON holds the serialized
// node/edge set; the storage layer never interprets it.
type GraphRecord struct {
	ID        string
	Name      string
	DataJSON  string
	CreatedAt time.Time
	UpdatedAt time.Time
}
