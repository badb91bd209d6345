// Package sqlite persists stage state to a SQLite database using JSON payload
// rows, one per entity, keyed by stage, variant, and id.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"stagecore/pkg/domain"
)

var _ domain.PersistenceStore = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS stage_activities (
	stage TEXT NOT NULL,
	variant TEXT NOT NULL,
	id TEXT NOT NULL,
	payload BLOB NOT NULL,
	PRIMARY KEY (stage, variant, id)
);
CREATE TABLE IF NOT EXISTS stage_resources (
	stage TEXT NOT NULL,
	variant TEXT NOT NULL,
	id TEXT NOT NULL,
	payload BLOB NOT NULL,
	PRIMARY KEY (stage, variant, id)
);
CREATE TABLE IF NOT EXISTS stage_meta (
	stage TEXT NOT NULL,
	variant TEXT NOT NULL,
	timeline BLOB NOT NULL,
	version TEXT NOT NULL,
	PRIMARY KEY (stage, variant)
);`

// Store is the SQLite-backed persistence collaborator.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (and creates if needed) the database at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "stagecore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// LoadStageData implements domain.PersistenceStore.
func (s *Store) LoadStageData(ctx context.Context, stage domain.StageID, variant string) (domain.StageSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := domain.StageSnapshot{Stage: stage, Variant: variant}
	var timeline []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT timeline, version FROM stage_meta WHERE stage=? AND variant=?`,
		string(stage), variant).Scan(&timeline, &snap.Version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.StageSnapshot{}, false, nil
	case err != nil:
		return domain.StageSnapshot{}, false, fmt.Errorf("select stage meta: %w", err)
	}
	if err := json.Unmarshal(timeline, &snap.Timeline); err != nil {
		return domain.StageSnapshot{}, false, fmt.Errorf("decode timeline: %w", err)
	}

	if err := queryPayloads(ctx, s.db,
		`SELECT payload FROM stage_activities WHERE stage=? AND variant=?`,
		string(stage), variant, func(payload []byte) error {
			var a domain.Activity
			if err := json.Unmarshal(payload, &a); err != nil {
				return fmt.Errorf("decode activity: %w", err)
			}
			snap.Activities = append(snap.Activities, a)
			return nil
		}); err != nil {
		return domain.StageSnapshot{}, false, err
	}
	if err := queryPayloads(ctx, s.db,
		`SELECT payload FROM stage_resources WHERE stage=? AND variant=?`,
		string(stage), variant, func(payload []byte) error {
			var r domain.Resource
			if err := json.Unmarshal(payload, &r); err != nil {
				return fmt.Errorf("decode resource: %w", err)
			}
			snap.Resources = append(snap.Resources, r)
			return nil
		}); err != nil {
		return domain.StageSnapshot{}, false, err
	}
	return snap, true, nil
}

func queryPayloads(ctx context.Context, db *sql.DB, query, stage, variant string, each func([]byte) error) error {
	rows, err := db.QueryContext(ctx, query, stage, variant)
	if err != nil {
		return fmt.Errorf("select payloads: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("scan payload: %w", err)
		}
		if err := each(payload); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ApplyActivityMutations implements domain.PersistenceStore.
func (s *Store) ApplyActivityMutations(ctx context.Context, stage domain.StageID, variant string, changed []domain.Activity, deletedIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, a := range changed {
			payload, err := json.Marshal(a)
			if err != nil {
				return fmt.Errorf("encode activity %s: %w", a.ID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO stage_activities(stage,variant,id,payload) VALUES(?,?,?,?)
				 ON CONFLICT(stage,variant,id) DO UPDATE SET payload=excluded.payload`,
				string(stage), variant, a.ID, payload); err != nil {
				return fmt.Errorf("upsert activity %s: %w", a.ID, err)
			}
		}
		for _, id := range deletedIDs {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM stage_activities WHERE stage=? AND variant=? AND id=?`,
				string(stage), variant, id); err != nil {
				return fmt.Errorf("delete activity %s: %w", id, err)
			}
		}
		return nil
	})
}

// ApplyResourceMutations implements domain.PersistenceStore.
func (s *Store) ApplyResourceMutations(ctx context.Context, stage domain.StageID, variant string, changed []domain.Resource, deletedIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range changed {
			payload, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("encode resource %s: %w", r.ID, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO stage_resources(stage,variant,id,payload) VALUES(?,?,?,?)
				 ON CONFLICT(stage,variant,id) DO UPDATE SET payload=excluded.payload`,
				string(stage), variant, r.ID, payload); err != nil {
				return fmt.Errorf("upsert resource %s: %w", r.ID, err)
			}
		}
		for _, id := range deletedIDs {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM stage_resources WHERE stage=? AND variant=? AND id=?`,
				string(stage), variant, id); err != nil {
				return fmt.Errorf("delete resource %s: %w", id, err)
			}
		}
		return nil
	})
}

// UpdateStageMetadata implements domain.PersistenceStore.
func (s *Store) UpdateStageMetadata(ctx context.Context, stage domain.StageID, variant string, timeline domain.TimeRange, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, err := json.Marshal(timeline)
	if err != nil {
		return fmt.Errorf("encode timeline: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_meta(stage,variant,timeline,version) VALUES(?,?,?,?)
		 ON CONFLICT(stage,variant) DO UPDATE SET timeline=excluded.timeline, version=excluded.version`,
		string(stage), variant, payload, version); err != nil {
		return fmt.Errorf("upsert stage meta: %w", err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}
