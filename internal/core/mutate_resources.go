package core

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"stagecore/pkg/domain"
)

// ResourceMutation is one logical transaction against a stage's resources.
type ResourceMutation struct {
	Upserts         []domain.Resource
	Deletes         []string
	ClientRequestID domain.ClientRequestID
}

// ResourceMutationResult reports a committed resource mutation.
type ResourceMutationResult struct {
	AppliedIDs []string
	DeletedIDs []string
	// CascadeDeletedActivityIDs lists activities removed because every one
	// of their participants referenced only deleted resources.
	CascadeDeletedActivityIDs []string
	Version                   string
}

// MutateResources applies resource upserts and deletes directly (no
// normalization pass). Activities orphaned by the deletes are cascade-removed
// and reported as a separate activities-scope event.
func (s *Service) MutateResources(ctx context.Context, stage domain.StageID, variant string, req ResourceMutation) (ResourceMutationResult, error) {
	ctx, finish := s.instrument(ctx, "mutate_resources")
	var result ResourceMutationResult
	err := s.withStage(ctx, stage, variant, func(tx *stageTx) error {
		var err error
		result, err = s.applyResourceMutation(ctx, tx, req)
		return err
	})
	finish(err)
	return result, err
}

func (s *Service) applyResourceMutation(ctx context.Context, tx *stageTx, req ResourceMutation) (ResourceMutationResult, error) {
	appliedIDs := make([]string, 0, len(req.Upserts))
	changedResources := make([]domain.Resource, 0, len(req.Upserts))
	for _, incoming := range req.Upserts {
		r := incoming.Clone()
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		tx.working.resources[r.ID] = r
		appliedIDs = append(appliedIDs, r.ID)
		changedResources = append(changedResources, r.Clone())
	}

	deletedResources := make(map[string]struct{}, len(req.Deletes))
	var deletedIDs []string
	for _, id := range req.Deletes {
		if _, ok := tx.working.resources[id]; !ok {
			continue
		}
		delete(tx.working.resources, id)
		deletedResources[id] = struct{}{}
		deletedIDs = append(deletedIDs, id)
	}

	cascadeIDs := cascadeOrphanedActivities(tx, deletedResources)

	version := s.commit(tx)

	s.persistResources(ctx, tx, changedResources, deletedIDs, cascadeIDs, version)
	s.publishResourceEvents(tx, changedResources, deletedIDs, cascadeIDs, version, req.ClientRequestID)

	return ResourceMutationResult{
		AppliedIDs:                appliedIDs,
		DeletedIDs:                deletedIDs,
		CascadeDeletedActivityIDs: cascadeIDs,
		Version:                   version,
	}, nil
}

// cascadeOrphanedActivities removes activities whose participants all
// reference resources deleted in this mutation.
func cascadeOrphanedActivities(tx *stageTx, deletedResources map[string]struct{}) []string {
	if len(deletedResources) == 0 {
		return nil
	}
	var cascade []string
	for id, a := range tx.working.activities {
		if len(a.Participants) == 0 {
			continue
		}
		orphaned := true
		for _, p := range a.Participants {
			if _, gone := deletedResources[p.ResourceID]; !gone {
				orphaned = false
				break
			}
		}
		if orphaned {
			cascade = append(cascade, id)
		}
	}
	sort.Strings(cascade)
	for _, id := range cascade {
		tx.delete(id)
	}
	return cascade
}

func (s *Service) persistResources(ctx context.Context, tx *stageTx, changed []domain.Resource, deletedIDs, cascadeIDs []string, version string) {
	if err := s.persistence.ApplyResourceMutations(ctx, tx.stage, tx.variant, changed, deletedIDs); err != nil {
		s.logger.Error("resource write-through failed; in-memory commit stands",
			"stage", tx.stage, "variant", tx.variant, "version", version, "error", err)
		return
	}
	if len(cascadeIDs) > 0 {
		if err := s.persistence.ApplyActivityMutations(ctx, tx.stage, tx.variant, nil, cascadeIDs); err != nil {
			s.logger.Error("cascade activity write-through failed",
				"stage", tx.stage, "variant", tx.variant, "version", version, "error", err)
		}
	}
	if err := s.persistence.UpdateStageMetadata(ctx, tx.stage, tx.variant, tx.working.timeline, version); err != nil {
		s.logger.Error("stage metadata write-through failed",
			"stage", tx.stage, "variant", tx.variant, "version", version, "error", err)
	}
}

func (s *Service) publishResourceEvents(tx *stageTx, changed []domain.Resource, deletedIDs, cascadeIDs []string, version string, clientID domain.ClientRequestID) {
	userID, connectionID := clientID.Parse()
	if len(changed) > 0 || len(deletedIDs) > 0 {
		s.hub.Publish(domain.StageEvent{
			Stage:        tx.stage,
			Variant:      tx.variant,
			Scope:        domain.ScopeResources,
			Version:      version,
			Resources:    changed,
			DeletedIDs:   deletedIDs,
			UserID:       userID,
			ConnectionID: connectionID,
		})
	}
	if len(cascadeIDs) > 0 {
		s.hub.Publish(domain.StageEvent{
			Stage:        tx.stage,
			Variant:      tx.variant,
			Scope:        domain.ScopeActivities,
			Version:      version,
			DeletedIDs:   cascadeIDs,
			UserID:       userID,
			ConnectionID: connectionID,
		})
	}
	if tx.working.timeline != tx.prevLine {
		timeline := tx.working.timeline
		s.hub.Publish(domain.StageEvent{
			Stage:        tx.stage,
			Variant:      tx.variant,
			Scope:        domain.ScopeTimeline,
			Version:      version,
			Timeline:     &timeline,
			UserID:       userID,
			ConnectionID: connectionID,
		})
	}
}
