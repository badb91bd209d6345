// Package memory provides an in-process persistence collaborator. It backs
// tests and deployments that accept losing state on restart while keeping the
// engine's write-through path exercised.
package memory

import (
	"context"
	"sync"

	"stagecore/pkg/domain"
)

var _ domain.PersistenceStore = (*Store)(nil)

type stageRecord struct {
	resources  map[string]domain.Resource
	activities map[string]domain.Activity
	timeline   domain.TimeRange
	version    string
	present    bool
}

// Store keeps one record per stage/variant behind a mutex.
type Store struct {
	mu     sync.Mutex
	stages map[domain.StageKey]*stageRecord
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{stages: make(map[domain.StageKey]*stageRecord)}
}

func (s *Store) record(stage domain.StageID, variant string) *stageRecord {
	key := domain.StageKey{Stage: stage, Variant: variant}
	rec, ok := s.stages[key]
	if !ok {
		rec = &stageRecord{
			resources:  make(map[string]domain.Resource),
			activities: make(map[string]domain.Activity),
		}
		s.stages[key] = rec
	}
	return rec
}

// Seed installs a full snapshot, making the stage/variant present for
// hydration.
func (s *Store) Seed(snapshot domain.StageSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(snapshot.Stage, snapshot.Variant)
	rec.present = true
	rec.timeline = snapshot.Timeline
	rec.version = snapshot.Version
	for _, r := range snapshot.Resources {
		rec.resources[r.ID] = r.Clone()
	}
	for _, a := range snapshot.Activities {
		rec.activities[a.ID] = a.Clone()
	}
}

// LoadStageData implements domain.PersistenceStore.
func (s *Store) LoadStageData(_ context.Context, stage domain.StageID, variant string) (domain.StageSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.stages[domain.StageKey{Stage: stage, Variant: variant}]
	if !ok || !rec.present {
		return domain.StageSnapshot{}, false, nil
	}
	snap := domain.StageSnapshot{
		Stage:    stage,
		Variant:  variant,
		Timeline: rec.timeline,
		Version:  rec.version,
	}
	for _, r := range rec.resources {
		snap.Resources = append(snap.Resources, r.Clone())
	}
	for _, a := range rec.activities {
		snap.Activities = append(snap.Activities, a.Clone())
	}
	return snap, true, nil
}

// ApplyActivityMutations implements domain.PersistenceStore.
func (s *Store) ApplyActivityMutations(_ context.Context, stage domain.StageID, variant string, changed []domain.Activity, deletedIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(stage, variant)
	rec.present = true
	for _, a := range changed {
		rec.activities[a.ID] = a.Clone()
	}
	for _, id := range deletedIDs {
		delete(rec.activities, id)
	}
	return nil
}

// ApplyResourceMutations implements domain.PersistenceStore.
func (s *Store) ApplyResourceMutations(_ context.Context, stage domain.StageID, variant string, changed []domain.Resource, deletedIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(stage, variant)
	rec.present = true
	for _, r := range changed {
		rec.resources[r.ID] = r.Clone()
	}
	for _, id := range deletedIDs {
		delete(rec.resources, id)
	}
	return nil
}

// UpdateStageMetadata implements domain.PersistenceStore.
func (s *Store) UpdateStageMetadata(_ context.Context, stage domain.StageID, variant string, timeline domain.TimeRange, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(stage, variant)
	rec.present = true
	rec.timeline = timeline
	rec.version = version
	return nil
}
