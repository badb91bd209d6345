package core

import (
	"context"
	"fmt"
	"sync"

	"stagecore/pkg/domain"
)

// StageStore owns the keyed map of authoritative stage states. Entries are
// created lazily; on first access a stage/variant is hydrated from the
// persistence collaborator or initialized empty with the configured default
// timeline range.
type StageStore struct {
	mu           sync.Mutex
	entries      map[domain.StageKey]*stageEntry
	defaultRange domain.TimeRange
	persistence  domain.PersistenceStore
}

// NewStageStore constructs a store hydrating from the given collaborator.
func NewStageStore(persistence domain.PersistenceStore, defaultRange domain.TimeRange) *StageStore {
	return &StageStore{
		entries:      make(map[domain.StageKey]*stageEntry),
		defaultRange: defaultRange,
		persistence:  persistence,
	}
}

// entry returns the stage entry for the key, creating it when absent. The
// entry is returned unhydrated; callers hydrate under the entry lock so two
// concurrent first accesses cannot race the load.
func (s *StageStore) entry(stage domain.StageID, variant string) (*stageEntry, error) {
	if !stage.Valid() {
		return nil, domain.NotFoundError{Stage: stage, Variant: variant}
	}
	if variant == "" {
		variant = domain.DefaultVariant
	}
	key := domain.StageKey{Stage: stage, Variant: variant}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &stageEntry{state: newStageState(s.defaultRange)}
		s.entries[key] = e
	}
	return e, nil
}

// hydrate loads persisted stage data into the entry. Must be called with the
// entry's write lock held.
func (s *StageStore) hydrate(ctx context.Context, stage domain.StageID, variant string, e *stageEntry) error {
	if e.hydrated {
		return nil
	}
	snapshot, found, err := s.persistence.LoadStageData(ctx, stage, variant)
	if err != nil {
		return fmt.Errorf("hydrate stage %s/%s: %w", stage, variant, err)
	}
	if found {
		state := newStageState(s.defaultRange)
		for _, r := range snapshot.Resources {
			state.resources[r.ID] = r.Clone()
		}
		for _, a := range snapshot.Activities {
			state.activities[a.ID] = a.Clone()
		}
		if !snapshot.Timeline.IsZero() {
			state.timeline = snapshot.Timeline
		}
		state.version = snapshot.Version
		state.recomputeTimeline()
		e.state = state
	}
	e.hydrated = true
	return nil
}
