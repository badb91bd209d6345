package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"stagecore/pkg/domain"
)

// Snapshot returns the full committed state of a stage/variant: resources,
// activities, timeline range, and the current version token.
func (s *Service) Snapshot(ctx context.Context, stage domain.StageID, variant string) (domain.StageSnapshot, error) {
	ctx, finish := s.instrument(ctx, "snapshot")
	snap, err := readStage(ctx, s, stage, variant, func(st *stageState) domain.StageSnapshot {
		return domain.StageSnapshot{
			Stage:      stage,
			Variant:    variantOrDefault(variant),
			Resources:  st.resourceList(),
			Activities: st.activityList(),
			Timeline:   st.timeline,
			Version:    st.version,
		}
	})
	finish(err)
	return snap, err
}

// ListActivities returns the committed activities matching a viewport. The
// same filter governs event fan-out, so a client's query result and its
// stream converge on the same visible set.
func (s *Service) ListActivities(ctx context.Context, stage domain.StageID, variant string, viewport domain.Viewport) ([]domain.Activity, error) {
	ctx, finish := s.instrument(ctx, "list_activities")
	out, err := readStage(ctx, s, stage, variant, func(st *stageState) []domain.Activity {
		all := st.activityList()
		matched := make([]domain.Activity, 0, len(all))
		for _, a := range all {
			if viewport.Matches(a) {
				matched = append(matched, a)
			}
		}
		return matched
	})
	finish(err)
	return out, err
}

// ListResources returns every resource bound to the stage/variant.
func (s *Service) ListResources(ctx context.Context, stage domain.StageID, variant string) ([]domain.Resource, error) {
	ctx, finish := s.instrument(ctx, "list_resources")
	out, err := readStage(ctx, s, stage, variant, func(st *stageState) []domain.Resource {
		return st.resourceList()
	})
	finish(err)
	return out, err
}

// Timeline returns the committed bounding range and version for a
// stage/variant.
func (s *Service) Timeline(ctx context.Context, stage domain.StageID, variant string) (domain.TimeRange, string, error) {
	ctx, finish := s.instrument(ctx, "timeline")
	type lineVersion struct {
		line    domain.TimeRange
		version string
	}
	lv, err := readStage(ctx, s, stage, variant, func(st *stageState) lineVersion {
		return lineVersion{line: st.timeline, version: st.version}
	})
	finish(err)
	return lv.line, lv.version, err
}

// ValidateActivities runs the invariant rules over the committed state as if
// the given upserts and deletes were applied, without committing anything.
// The aggregated violations are returned even when blocking.
func (s *Service) ValidateActivities(ctx context.Context, stage domain.StageID, variant string, upserts []domain.Activity, deletes []string) (domain.Result, error) {
	ctx, finish := s.instrument(ctx, "validate_activities")
	var result domain.Result
	err := s.withStage(ctx, stage, variant, func(tx *stageTx) error {
		for _, incoming := range upserts {
			a := incoming.Clone()
			if a.ID == "" {
				a.ID = uuid.NewString()
			}
			tx.upsert(a)
		}
		for _, id := range deletes {
			tx.delete(id)
		}
		view := stageView{stage: tx.stage, variant: tx.variant, state: tx.working, types: tx.types}
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return fmt.Errorf("rule evaluation: %w", err)
		}
		result = res
		// The working clone is discarded; nothing commits.
		return nil
	})
	finish(err)
	return result, err
}

// ExportSnapshot serializes the committed stage state and stores it in the
// configured snapshot archive under a version-addressed key.
func (s *Service) ExportSnapshot(ctx context.Context, stage domain.StageID, variant string) (string, error) {
	ctx, finish := s.instrument(ctx, "export_snapshot")
	key, err := s.exportSnapshot(ctx, stage, variant)
	finish(err)
	return key, err
}

func (s *Service) exportSnapshot(ctx context.Context, stage domain.StageID, variant string) (string, error) {
	if s.archive == nil {
		return "", fmt.Errorf("no snapshot archive configured")
	}
	snap, err := s.Snapshot(ctx, stage, variant)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	key := fmt.Sprintf("snapshots/%s/%s/%s.json", snap.Stage, snap.Variant, snap.Version)
	if err := s.archive.Put(ctx, key, data, "application/json"); err != nil {
		return "", fmt.Errorf("store snapshot %s: %w", key, err)
	}
	s.logger.Info("stage snapshot exported", "stage", snap.Stage, "variant", snap.Variant, "key", key)
	return key, nil
}

// readStage hydrates the stage if needed and runs fn under the read lock.
func readStage[T any](ctx context.Context, s *Service, stage domain.StageID, variant string, fn func(*stageState) T) (T, error) {
	var zero T
	entry, err := s.store.entry(stage, variant)
	if err != nil {
		return zero, err
	}
	entry.mu.Lock()
	err = s.store.hydrate(ctx, stage, variant, entry)
	entry.mu.Unlock()
	if err != nil {
		return zero, err
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return fn(entry.state), nil
}

func variantOrDefault(variant string) string {
	if variant == "" {
		return domain.DefaultVariant
	}
	return variant
}
