package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding media blobs, their metadata index,
// and persisted graphs.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "mediagraph.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Media blobs ---

// SaveBlob writes blob bytes and their metadata in one transaction.
// An existing row with the same id is replaced.
func (s *Store) SaveBlob(meta MediaMeta, data []byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning save transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO media_blobs (id, data) VALUES (?, ?)`, meta.ID, data); err != nil {
		return fmt.Errorf("writing blob %s: %w", meta.ID, err)
	}

	createdAt := meta.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO media_meta (id, kind, mime, size, created_at, owner_id, remote_url)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		meta.ID, meta.Kind, meta.MIME, int64(len(data)),
		createdAt.Format(time.RFC3339), meta.OwnerID, meta.RemoteURL,
	); err != nil {
		return fmt.Errorf("writing metadata %s: %w", meta.ID, err)
	}

	return tx.Commit()
}

// GetBlob returns the raw bytes stored under id.
func (s *Store) GetBlob(id string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM media_blobs WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return data, err
}

// GetMeta returns the metadata record for id.
func (s *Store) GetMeta(id string) (MediaMeta, error) {
	var m MediaMeta
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, kind, mime, size, created_at, owner_id, remote_url
		FROM media_meta WHERE id = ?`, id,
	).Scan(&m.ID, &m.Kind, &m.MIME, &m.Size, &createdAt, &m.OwnerID, &m.RemoteURL)
	if err == sql.ErrNoRows {
		return MediaMeta{}, ErrNotFound
	}
	if err != nil {
		return MediaMeta{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return MediaMeta{}, fmt.Errorf("parsing created_at: %w", err)
	}
	m.CreatedAt = t
	return m, nil
}

// DeleteBlob removes both the blob and its metadata row.
func (s *Store) DeleteBlob(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM media_meta WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(`DELETE FROM media_blobs WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// ListMetaByOwner returns metadata for all blobs owned by ownerID.
func (s *Store) ListMetaByOwner(ownerID string) ([]MediaMeta, error) {
	return s.listMeta(`SELECT id, kind, mime, size, created_at, owner_id, remote_url
		FROM media_meta WHERE owner_id = ? ORDER BY created_at ASC`, ownerID)
}

// ListMetaOlderThan returns metadata for all blobs created before cutoff.
func (s *Store) ListMetaOlderThan(cutoff time.Time) ([]MediaMeta, error) {
	return s.listMeta(`SELECT id, kind, mime, size, created_at, owner_id, remote_url
		FROM media_meta WHERE created_at < ? ORDER BY created_at ASC`,
		cutoff.UTC().Format(time.RFC3339))
}

// ListMeta returns metadata for all cached blobs, newest first.
func (s *Store) ListMeta(limit int) ([]MediaMeta, error) {
	return s.listMeta(`SELECT id, kind, mime, size, created_at, owner_id, remote_url
		FROM media_meta ORDER BY created_at DESC LIMIT ?`, limit)
}

func (s *Store) listMeta(query string, args ...any) ([]MediaMeta, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []MediaMeta
	for rows.Next() {
		var m MediaMeta
		var createdAt string
		if err := rows.Scan(&m.ID, &m.Kind, &m.MIME, &m.Size, &createdAt, &m.OwnerID, &m.RemoteURL); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		m.CreatedAt = t
		results = append(results, m)
	}
	return results, rows.Err()
}

// FindMetaByRemoteURL returns the metadata row whose remote_url matches exactly.
func (s *Store) FindMetaByRemoteURL(url string) (MediaMeta, error) {
	var m MediaMeta
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, kind, mime, size, created_at, owner_id, remote_url
		FROM media_meta WHERE remote_url = ?`, url,
	).Scan(&m.ID, &m.Kind, &m.MIME, &m.Size, &createdAt, &m.OwnerID, &m.RemoteURL)
	if err == sql.ErrNoRows {
		return MediaMeta{}, ErrNotFound
	}
	if err != nil {
		return MediaMeta{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return MediaMeta{}, fmt.Errorf("parsing created_at: %w", err)
	}
	m.CreatedAt = t
	return m, nil
}

// --- Graphs ---

// SaveGraph inserts or updates a graph record. CreatedAt is preserved on update.
func (s *Store) SaveGraph(g GraphRecord) error {
	now := time.Now().UTC().Format(time.RFC3339)
	createdAt := now
	if !g.CreatedAt.IsZero() {
		createdAt = g.CreatedAt.UTC().Format(time.RFC3339)
	}
	_, err := s.db.Exec(`
		INSERT INTO graphs (id, name, data_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, data_json = excluded.data_json, updated_at = excluded.updated_at`,
		g.ID, g.Name, g.DataJSON, createdAt, now,
	)
	return err
}

// GetGraph returns the graph record with the given id.
func (s *Store) GetGraph(id string) (GraphRecord, error) {
	var g GraphRecord
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, name, data_json, created_at, updated_at FROM graphs WHERE id = ?`, id,
	).Scan(&g.ID, &g.Name, &g.DataJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return GraphRecord{}, ErrNotFound
	}
	if err != nil {
		return GraphRecord{}, err
	}
	if g.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return GraphRecord{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if g.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return GraphRecord{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return g, nil
}

// ListGraphs returns all graph records, most recently updated first.
func (s *Store) ListGraphs() ([]GraphRecord, error) {
	rows, err := s.db.Query(`SELECT id, name, data_json, created_at, updated_at FROM graphs ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []GraphRecord
	for rows.Next() {
		var g GraphRecord
		var createdAt, updatedAt string
		if err := rows.Scan(&g.ID, &g.Name, &g.DataJSON, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if g.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if g.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		results = append(results, g)
	}
	return results, rows.Err()
}

// DeleteGraph removes a graph record.
func (s *Store) DeleteGraph(id string) error {
	res, err := s.db.Exec(`DELETE FROM graphs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
