// Package continuity persists the association between external agent
// session ids and the engine's internal ids, so conversations survive
// process restarts. Lookups try the sqlite store first and fall back to
// scanning the agent's on-disk transcript tree.
package continuity

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// Source records how a mapping came to exist. A system-created mapping is
// never downgraded to discovered.
type Source string

const (
	SourceSystem     Source = "system-created"
	SourceDiscovered Source = "discovered"
)

// Mapping is one persisted external-to-internal session association.
type Mapping struct {
	ExternalID  string
	InternalID  string
	ProjectPath string
	WorktreeID  string
	Source      Source
	CreatedAt   time.Time
}

// Config holds store configuration.
type Config struct {
	// DBPath is the sqlite database file. ":memory:" is accepted for tests.
	DBPath string
	// TranscriptDir is the root of the external agent's transcript tree,
	// one subdirectory per project, one <externalId>.jsonl file per session.
	TranscriptDir string
	Logger        zerolog.Logger
}

// Store is the continuity store. Safe for concurrent use.
type Store struct {
	db            *sql.DB
	transcriptDir string
	logger        zerolog.Logger
	mu            sync.Mutex
}

// batchChunkSize keeps IN(...) queries under sqlite's parameter ceiling.
const batchChunkSize = 500

const schema = `
CREATE TABLE IF NOT EXISTS session_mappings (
	external_id  TEXT PRIMARY KEY,
	internal_id  TEXT NOT NULL,
	project_path TEXT NOT NULL DEFAULT '',
	worktree_id  TEXT NOT NULL DEFAULT '',
	source       TEXT NOT NULL DEFAULT 'system-created',
	created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_session_mappings_internal
	ON session_mappings(internal_id);
`

// NewStore opens (creating if needed) the continuity database.
func NewStore(cfg Config) (*Store, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("continuity db path is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open continuity db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize continuity schema: %w", err)
	}

	return &Store{
		db:            db,
		transcriptDir: cfg.TranscriptDir,
		logger:        cfg.Logger,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert records a mapping for externalID and returns the derived internal
// id. Idempotent per external id: re-upserting refreshes project, worktree
// and timestamp, but the source only strengthens discovered -> system-created
// and never regresses.
func (s *Store) Upsert(ctx context.Context, externalID, projectPath, worktreeID string, source Source) (string, error) {
	if externalID == "" {
		return "", fmt.Errorf("external id cannot be empty")
	}
	if source == "" {
		source = SourceSystem
	}

	internalID := DeriveInternalID(externalID)

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_mappings (external_id, internal_id, project_path, worktree_id, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			project_path = excluded.project_path,
			worktree_id  = excluded.worktree_id,
			created_at   = excluded.created_at,
			source       = CASE
				WHEN session_mappings.source = 'system-created' THEN session_mappings.source
				ELSE excluded.source
			END`,
		externalID, internalID, projectPath, worktreeID, string(source), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to upsert session mapping: %w", err)
	}

	s.logger.Debug().
		Str("external_id", externalID).
		Str("internal_id", internalID).
		Str("source", string(source)).
		Msg("Session mapping upserted")

	return internalID, nil
}

// Get returns the mapping for an external id, or nil if none exists.
func (s *Store) Get(ctx context.Context, externalID string) (*Mapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT external_id, internal_id, project_path, worktree_id, source, created_at
		FROM session_mappings WHERE external_id = ?`, externalID)

	m, err := scanMapping(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session mapping: %w", err)
	}
	return m, nil
}

// FindExternalID resolves an internal id back to its most recent external
// session id. The persistent store is tried first; on a miss the external
// agent's transcript tree is scanned, and any match is persisted as a
// discovered mapping so future lookups hit the fast path. A missing or
// unreadable transcript tree is "not found", never an error.
func (s *Store) FindExternalID(ctx context.Context, internalID string) (string, bool) {
	row := s.db.QueryRowContext(ctx, `
		SELECT external_id FROM session_mappings
		WHERE internal_id = ?
		ORDER BY created_at DESC LIMIT 1`, internalID)

	var externalID string
	err := row.Scan(&externalID)
	if err == nil {
		return externalID, true
	}
	if err != sql.ErrNoRows {
		s.logger.Warn().Err(err).Str("internal_id", internalID).Msg("Continuity lookup failed")
		return "", false
	}

	found, ok := s.scanTranscripts(internalID)
	if !ok {
		return "", false
	}

	// Best effort: the discovery is still valid even if persisting it fails.
	if _, err := s.Upsert(ctx, found.externalID, found.projectPath, WorktreeIDFromPath(found.projectPath), SourceDiscovered); err != nil {
		s.logger.Warn().Err(err).Str("external_id", found.externalID).Msg("Failed to persist discovered mapping")
	}

	return found.externalID, true
}

// BatchLookup resolves many external ids in one pass against the persistent
// store only (no transcript scan). The result maps each found external id to
// its internal id; missing ids are simply absent.
func (s *Store) BatchLookup(ctx context.Context, externalIDs []string) (map[string]string, error) {
	result := make(map[string]string, len(externalIDs))

	for start := 0; start < len(externalIDs); start += batchChunkSize {
		end := start + batchChunkSize
		if end > len(externalIDs) {
			end = len(externalIDs)
		}
		chunk := externalIDs[start:end]

		placeholders := make([]byte, 0, 2*len(chunk))
		args := make([]interface{}, 0, len(chunk))
		for i, id := range chunk {
			if i > 0 {
				placeholders = append(placeholders, ',')
			}
			placeholders = append(placeholders, '?')
			args = append(args, id)
		}

		rows, err := s.db.QueryContext(ctx,
			`SELECT external_id, internal_id FROM session_mappings WHERE external_id IN (`+string(placeholders)+`)`,
			args...)
		if err != nil {
			return nil, fmt.Errorf("failed to batch-lookup session mappings: %w", err)
		}

		for rows.Next() {
			var ext, internal string
			if err := rows.Scan(&ext, &internal); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan session mapping: %w", err)
			}
			result[ext] = internal
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to read session mappings: %w", err)
		}
		rows.Close()
	}

	return result, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMapping(row rowScanner) (*Mapping, error) {
	var m Mapping
	var source string
	if err := row.Scan(&m.ExternalID, &m.InternalID, &m.ProjectPath, &m.WorktreeID, &source, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Source = Source(source)
	return &m, nil
}
