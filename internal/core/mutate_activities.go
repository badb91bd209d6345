package core

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"stagecore/pkg/domain"
)

// ActivityMutation is one logical transaction against a stage's activities.
type ActivityMutation struct {
	Upserts []domain.Activity
	Deletes []string
	// ClientRequestID identifies the originating user/connection so the
	// client can recognize its own echo on the event stream.
	ClientRequestID domain.ClientRequestID
}

// ActivityMutationResult reports a committed activity mutation.
type ActivityMutationResult struct {
	// AppliedIDs lists the user-requested upserts, in request order.
	AppliedIDs []string
	// DeletedIDs lists every removal, including autopilot cleanups.
	DeletedIDs []string
	// Activities holds fresh snapshots of everything that changed: user
	// upserts, regenerated managed activities, and compliance-only updates.
	Activities []domain.Activity
	Version    string
}

// MutateActivities runs the transactional activity pipeline: conflict check,
// managed-id protection, apply, autopilot normalization and compliance,
// scoped re-validation, then commit, write-through persistence, and event
// publication. Any validation failure discards the working state so the
// committed stage is untouched.
func (s *Service) MutateActivities(ctx context.Context, stage domain.StageID, variant string, req ActivityMutation) (ActivityMutationResult, error) {
	ctx, finish := s.instrument(ctx, "mutate_activities")
	var result ActivityMutationResult
	err := s.withStage(ctx, stage, variant, func(tx *stageTx) error {
		var err error
		result, err = s.applyActivityMutation(ctx, tx, req)
		return err
	})
	finish(err)
	return result, err
}

// stageTx carries the per-mutation working state. The committed state is
// only replaced wholesale on success; rollback is discarding the clone.
type stageTx struct {
	stage    domain.StageID
	variant  string
	entry    *stageEntry
	working  *stageState
	types    map[string]domain.ActivityType
	changes  []domain.Change
	changed  map[string]struct{}
	deleted  map[string]struct{}
	prevLine domain.TimeRange
}

// withStage runs fn holding the stage's exclusive mutation lock, hydrating
// the entry first if needed. On success the working state is committed.
func (s *Service) withStage(ctx context.Context, stage domain.StageID, variant string, fn func(*stageTx) error) error {
	if variant == "" {
		variant = domain.DefaultVariant
	}
	entry, err := s.store.entry(stage, variant)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err := s.store.hydrate(ctx, stage, variant, entry); err != nil {
		return err
	}
	types, err := s.catalog.load(ctx)
	if err != nil {
		return err
	}
	tx := &stageTx{
		stage:    stage,
		variant:  variant,
		entry:    entry,
		working:  entry.state.clone(),
		types:    types,
		changed:  make(map[string]struct{}),
		deleted:  make(map[string]struct{}),
		prevLine: entry.state.timeline,
	}
	return fn(tx)
}

func (s *Service) applyActivityMutation(ctx context.Context, tx *stageTx, req ActivityMutation) (ActivityMutationResult, error) {
	if err := checkRowVersionConflicts(tx, req.Upserts); err != nil {
		return ActivityMutationResult{}, err
	}
	if err := checkManagedDeletes(tx, req.Deletes); err != nil {
		return ActivityMutationResult{}, err
	}

	appliedIDs := make([]string, 0, len(req.Upserts))
	for _, incoming := range req.Upserts {
		a := incoming.Clone()
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		tx.upsert(a)
		appliedIDs = append(appliedIDs, a.ID)
	}
	for _, id := range req.Deletes {
		tx.delete(id)
	}

	complianceOnly, err := s.runAutopilot(ctx, tx)
	if err != nil {
		return ActivityMutationResult{}, err
	}

	if err := s.revalidate(ctx, tx); err != nil {
		return ActivityMutationResult{}, err
	}

	version := s.commit(tx)

	changedActs := tx.changedSnapshots()
	deletedIDs := tx.deletedIDs()
	s.persistActivities(ctx, tx, changedActs, deletedIDs, version)
	s.publishActivityEvents(tx, changedActs, deletedIDs, version, req.ClientRequestID)

	return ActivityMutationResult{
		AppliedIDs: appliedIDs,
		DeletedIDs: deletedIDs,
		Activities: append(changedActs, tx.relatedManagedSnapshots(appliedIDs, complianceOnly)...),
		Version:    version,
	}, nil
}

// checkRowVersionConflicts compares each incoming upsert against the stored
// activity. A stored non-empty row version that differs from the incoming one
// is a conflict; all offending ids are reported and nothing is applied.
func checkRowVersionConflicts(tx *stageTx, upserts []domain.Activity) error {
	var conflicts []string
	for _, incoming := range upserts {
		stored, ok := tx.working.activities[incoming.ID]
		if !ok {
			continue
		}
		if stored.RowVersion != "" && stored.RowVersion != incoming.RowVersion {
			conflicts = append(conflicts, incoming.ID)
		}
	}
	if len(conflicts) > 0 {
		return domain.ConflictError{Stage: tx.stage, Variant: tx.variant, IDs: conflicts}
	}
	return nil
}

// checkManagedDeletes rejects the whole mutation when any requested delete
// targets an autopilot-owned activity.
func checkManagedDeletes(tx *stageTx, deletes []string) error {
	var violations []domain.Violation
	for _, id := range deletes {
		kind := domain.ManagedNone
		if stored, ok := tx.working.activities[id]; ok {
			kind = stored.ManagedKind
		}
		if kind == domain.ManagedNone {
			kind = domain.ManagedKindForID(id)
		}
		if kind != domain.ManagedNone {
			violations = append(violations, domain.Violation{
				Rule:       "managed_activity_protection",
				Code:       domain.CodeManagedDelete,
				Severity:   domain.SeverityBlock,
				Message:    fmt.Sprintf("activity %s is managed by the duty autopilot and cannot be deleted directly", id),
				ActivityID: id,
			})
		}
	}
	if len(violations) > 0 {
		return domain.ValidationError{Stage: tx.stage, Variant: tx.variant, Violations: violations}
	}
	return nil
}

// runAutopilot executes the external normalization and compliance passes,
// merging returned upserts and deletes into the working set. The returned
// set lists activities changed only by the compliance pass.
func (s *Service) runAutopilot(ctx context.Context, tx *stageTx) (map[string]struct{}, error) {
	complianceOnly := make(map[string]struct{})
	if s.autopilot == nil {
		return complianceOnly, nil
	}

	cleanup, err := s.autopilot.CleanupServiceBoundaries(ctx, tx.stage, tx.variant, tx.working.activityList())
	if err != nil {
		return nil, fmt.Errorf("autopilot boundary cleanup: %w", err)
	}
	for _, id := range cleanup.DeletedIDs {
		tx.delete(id)
	}
	for _, entry := range cleanup.Entries {
		s.logger.Debug("autopilot cleanup", "stage", tx.stage, "variant", tx.variant, "entry", entry)
	}

	normalized, err := s.autopilot.NormalizeManagedServiceActivities(ctx, tx.stage, tx.variant, tx.working.activityList())
	if err != nil {
		return nil, fmt.Errorf("autopilot normalization: %w", err)
	}
	for _, a := range normalized.Upserts {
		tx.upsert(a.Clone())
	}
	for _, id := range normalized.DeletedIDs {
		tx.delete(id)
	}
	for _, entry := range normalized.Entries {
		s.logger.Debug("autopilot normalize", "stage", tx.stage, "variant", tx.variant, "entry", entry)
	}

	compliance, err := s.autopilot.ApplyWorktimeCompliance(ctx, tx.stage, tx.variant, tx.working.activityList())
	if err != nil {
		return nil, fmt.Errorf("autopilot worktime compliance: %w", err)
	}
	for _, a := range compliance {
		if _, alreadyChanged := tx.changed[a.ID]; !alreadyChanged {
			complianceOnly[a.ID] = struct{}{}
		}
		tx.upsert(a.Clone())
	}
	return complianceOnly, nil
}

// revalidate runs the invariant rules against the working state, scoped to
// the accumulated change set.
func (s *Service) revalidate(ctx context.Context, tx *stageTx) error {
	view := stageView{stage: tx.stage, variant: tx.variant, state: tx.working, types: tx.types}
	res, err := s.engine.Evaluate(ctx, view, tx.changes)
	if err != nil {
		return fmt.Errorf("rule evaluation: %w", err)
	}
	if res.HasBlocking() {
		return domain.ValidationError{Stage: tx.stage, Variant: tx.variant, Violations: res.Violations}
	}
	return nil
}

// commit stamps the new stage version onto every changed activity, swaps the
// working state in as the committed state, and recomputes the timeline.
func (s *Service) commit(tx *stageTx) string {
	version := s.versions.Next()
	for id := range tx.changed {
		if a, ok := tx.working.activities[id]; ok {
			a.RowVersion = version
			tx.working.activities[id] = a
		}
	}
	tx.working.version = version
	tx.working.recomputeTimeline()
	tx.entry.state = tx.working
	return version
}

func (s *Service) persistActivities(ctx context.Context, tx *stageTx, changed []domain.Activity, deletedIDs []string, version string) {
	if err := s.persistence.ApplyActivityMutations(ctx, tx.stage, tx.variant, changed, deletedIDs); err != nil {
		s.logger.Error("activity write-through failed; in-memory commit stands",
			"stage", tx.stage, "variant", tx.variant, "version", version, "error", err)
		return
	}
	if err := s.persistence.UpdateStageMetadata(ctx, tx.stage, tx.variant, tx.working.timeline, version); err != nil {
		s.logger.Error("stage metadata write-through failed",
			"stage", tx.stage, "variant", tx.variant, "version", version, "error", err)
	}
}

func (s *Service) publishActivityEvents(tx *stageTx, changed []domain.Activity, deletedIDs []string, version string, clientID domain.ClientRequestID) {
	userID, connectionID := clientID.Parse()
	if len(changed) > 0 || len(deletedIDs) > 0 {
		s.hub.Publish(domain.StageEvent{
			Stage:        tx.stage,
			Variant:      tx.variant,
			Scope:        domain.ScopeActivities,
			Version:      version,
			Activities:   changed,
			DeletedIDs:   deletedIDs,
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

// upsert replaces-or-inserts an activity in the working state, recording the
// change for scoped validation.
func (tx *stageTx) upsert(a domain.Activity) {
	action := domain.ActionCreate
	var change domain.Change
	if before, ok := tx.working.activities[a.ID]; ok {
		action = domain.ActionUpdate
		change = domain.Change{Entity: domain.EntityActivity, Action: action, Before: before.Clone(), After: a.Clone()}
	} else {
		change = domain.Change{Entity: domain.EntityActivity, Action: action, After: a.Clone()}
	}
	tx.working.activities[a.ID] = a
	tx.changes = append(tx.changes, change)
	tx.changed[a.ID] = struct{}{}
	delete(tx.deleted, a.ID)
}

// delete removes an activity by id; unknown ids are ignored.
func (tx *stageTx) delete(id string) {
	before, ok := tx.working.activities[id]
	if !ok {
		return
	}
	delete(tx.working.activities, id)
	tx.changes = append(tx.changes, domain.Change{Entity: domain.EntityActivity, Action: domain.ActionDelete, Before: before.Clone()})
	tx.deleted[id] = struct{}{}
	delete(tx.changed, id)
}

// changedSnapshots returns fresh clones of every activity changed in this
// transaction and still present after it.
func (tx *stageTx) changedSnapshots() []domain.Activity {
	out := make([]domain.Activity, 0, len(tx.changed))
	for _, a := range tx.working.activityList() {
		if _, ok := tx.changed[a.ID]; ok {
			out = append(out, a)
		}
	}
	return out
}

func (tx *stageTx) deletedIDs() []string {
	return sortedIDs(tx.deleted)
}

// relatedManagedSnapshots adds managed activities sharing a service with the
// user-applied upserts, so clients see the full duty context even when the
// autopilot left those boundaries untouched.
func (tx *stageTx) relatedManagedSnapshots(appliedIDs []string, exclude map[string]struct{}) []domain.Activity {
	services := make(map[string]struct{})
	for _, id := range appliedIDs {
		a, ok := tx.working.activities[id]
		if !ok {
			continue
		}
		for _, owner := range a.ServiceOwners() {
			if svc := a.ResolveServiceID(owner.ResourceID); svc != "" {
				services[owner.ResourceID+"\x1f"+svc] = struct{}{}
			}
		}
	}
	if len(services) == 0 {
		return nil
	}
	var out []domain.Activity
	for _, a := range tx.working.activityList() {
		if a.ManagedKind == domain.ManagedNone {
			continue
		}
		if _, changed := tx.changed[a.ID]; changed {
			continue
		}
		if _, skip := exclude[a.ID]; skip {
			continue
		}
		for _, owner := range a.ServiceOwners() {
			if _, ok := services[owner.ResourceID+"\x1f"+a.ResolveServiceID(owner.ResourceID)]; ok {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

func sortedIDs(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
