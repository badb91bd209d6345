package core_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"stagecore/internal/core"
	blobmemory "stagecore/internal/infra/blob/memory"
	persistmemory "stagecore/internal/infra/persistence/memory"
	"stagecore/internal/stream"
	"stagecore/pkg/domain"
)

func at(t *testing.T, value string) *time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse %s: %v", value, err)
	}
	return &parsed
}

func fixedTimeline(t *testing.T) domain.TimeRange {
	t.Helper()
	return domain.TimeRange{Start: *at(t, "2026-03-14T00:00:00Z"), End: *at(t, "2026-03-15T00:00:00Z")}
}

func newTestService(t *testing.T, opts ...core.Option) *core.Service {
	t.Helper()
	opts = append([]core.Option{core.WithDefaultTimeline(fixedTimeline(t))}, opts...)
	svc := core.NewService(opts...)
	t.Cleanup(svc.Close)
	return svc
}

func waitEvent(t *testing.T, sub *stream.Subscription) domain.StageEvent {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for stage event")
		return domain.StageEvent{}
	}
}

func TestMutateActivitiesCommitsAndVersions(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	res, err := svc.MutateActivities(ctx, domain.StageOperations, "", core.ActivityMutation{
		Upserts: []domain.Activity{{
			ID:    "a1",
			Start: at(t, "2026-03-14T08:00:00Z"),
			End:   at(t, "2026-03-14T09:00:00Z"),
			Type:  "standby",
		}},
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if len(res.AppliedIDs) != 1 || res.AppliedIDs[0] != "a1" {
		t.Fatalf("unexpected applied ids: %v", res.AppliedIDs)
	}
	if res.Version == "" {
		t.Fatalf("expected a version token")
	}
	if len(res.Activities) != 1 || res.Activities[0].RowVersion != res.Version {
		t.Fatalf("committed activity must carry the stage version, got %+v", res.Activities)
	}

	snap, err := svc.Snapshot(ctx, domain.StageOperations, "")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Version != res.Version {
		t.Fatalf("snapshot version %q != mutation version %q", snap.Version, res.Version)
	}
	if len(snap.Activities) != 1 {
		t.Fatalf("expected one committed activity, got %d", len(snap.Activities))
	}
	if !snap.Timeline.Start.Equal(*at(t, "2026-03-14T08:00:00Z")) || !snap.Timeline.End.Equal(*at(t, "2026-03-14T09:00:00Z")) {
		t.Fatalf("timeline not recomputed: %+v", snap.Timeline)
	}

	// Versions are strictly increasing across commits.
	res2, err := svc.MutateActivities(ctx, domain.StageOperations, "", core.ActivityMutation{
		Upserts: []domain.Activity{{
			ID:         "a1",
			Start:      at(t, "2026-03-14T08:30:00Z"),
			End:        at(t, "2026-03-14T09:30:00Z"),
			Type:       "standby",
			RowVersion: res.Version,
		}},
	})
	if err != nil {
		t.Fatalf("second mutate: %v", err)
	}
	if res2.Version <= res.Version {
		t.Fatalf("version must increase: %q then %q", res.Version, res2.Version)
	}
}

func TestUnknownStageIsNotFound(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.MutateActivities(context.Background(), "nope", "", core.ActivityMutation{})
	var nf domain.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestBlockedMutationLeavesStateUntouched(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	before, err := svc.Snapshot(ctx, domain.StageOperations, "")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	_, err = svc.MutateActivities(ctx, domain.StageOperations, "", core.ActivityMutation{
		Upserts: []domain.Activity{{
			ID:           "t1",
			Start:        at(t, "2026-03-14T08:00:00Z"),
			Type:         "travel",
			Participants: []domain.Participant{{ResourceID: "p1", Kind: domain.ResourcePersonnel}},
		}},
	})
	var ve domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(ve.Violations) != 1 || ve.Violations[0].Code != domain.CodeMissingVehicle {
		t.Fatalf("unexpected violations: %+v", ve.Violations)
	}

	after, err := svc.Snapshot(ctx, domain.StageOperations, "")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(after.Activities) != 0 {
		t.Fatalf("blocked mutation must not commit activities")
	}
	if after.Version != before.Version {
		t.Fatalf("blocked mutation must not bump the version: %q -> %q", before.Version, after.Version)
	}
}

func TestRowVersionConflictRejectsWholeMutation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	res, err := svc.MutateActivities(ctx, domain.StageOperations, "", core.ActivityMutation{
		Upserts: []domain.Activity{{ID: "a1", Start: at(t, "2026-03-14T08:00:00Z"), Type: "standby"}},
	})
	if err != nil {
		t.Fatalf("seed mutate: %v", err)
	}

	_, err = svc.MutateActivities(ctx, domain.StageOperations, "", core.ActivityMutation{
		Upserts: []domain.Activity{
			{ID: "a1", Start: at(t, "2026-03-14T10:00:00Z"), Type: "standby", RowVersion: "stale"},
			{ID: "a2", Start: at(t, "2026-03-14T11:00:00Z"), Type: "standby"},
		},
	})
	var conflict domain.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if len(conflict.IDs) != 1 || conflict.IDs[0] != "a1" {
		t.Fatalf("unexpected conflict ids: %v", conflict.IDs)
	}

	snap, err := svc.Snapshot(ctx, domain.StageOperations, "")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Activities) != 1 {
		t.Fatalf("conflicting mutation must not apply any upsert")
	}
	if snap.Activities[0].RowVersion != res.Version {
		t.Fatalf("stored activity must keep its committed version")
	}
}

func TestManagedActivityDeleteIsRejected(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.MutateActivities(context.Background(), domain.StageOperations, "", core.ActivityMutation{
		Deletes: []string{"svcstart:owner-1:2026-03-14"},
	})
	var ve domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(ve.Violations) != 1 || ve.Violations[0].Code != domain.CodeManagedDelete {
		t.Fatalf("unexpected violations: %+v", ve.Violations)
	}
}

func TestSingleServiceOwnerEnforcedOutsideBase(t *testing.T) {
	ctx := context.Background()
	breakActivity := func(owners ...string) domain.Activity {
		a := domain.Activity{
			ID:    "b1",
			Start: at(t, "2026-03-14T12:00:00Z"),
			Type:  "break",
		}
		for _, owner := range owners {
			a.Participants = append(a.Participants, domain.Participant{
				ResourceID: owner,
				Kind:       domain.ResourcePersonnelService,
			})
		}
		return a
	}

	svc := newTestService(t)
	_, err := svc.MutateActivities(ctx, domain.StageOperations, "", core.ActivityMutation{
		Upserts: []domain.Activity{breakActivity()},
	})
	var ve domain.ValidationError
	if !errors.As(err, &ve) || ve.Violations[0].Code != domain.CodeMissingServiceOwner {
		t.Fatalf("expected missing owner violation, got %v", err)
	}

	_, err = svc.MutateActivities(ctx, domain.StageOperations, "", core.ActivityMutation{
		Upserts: []domain.Activity{breakActivity("o1", "o2")},
	})
	if !errors.As(err, &ve) || ve.Violations[0].Code != domain.CodeMultipleServiceOwners {
		t.Fatalf("expected multiple owner violation, got %v", err)
	}

	if _, err := svc.MutateActivities(ctx, domain.StageOperations, "", core.ActivityMutation{
		Upserts: []domain.Activity{breakActivity("o1")},
	}); err != nil {
		t.Fatalf("single owner must commit: %v", err)
	}

	// The base stage is a template; binding is optional there.
	if _, err := svc.MutateActivities(ctx, domain.StageBase, "", core.ActivityMutation{
		Upserts: []domain.Activity{breakActivity()},
	}); err != nil {
		t.Fatalf("base stage must skip the owner rule: %v", err)
	}
}

func TestVehicleBoundaryOrdering(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	owner := domain.Participant{ResourceID: "veh-svc-1", Kind: domain.ResourceVehicleService}

	_, err := svc.MutateActivities(ctx, domain.StageOperations, "", core.ActivityMutation{
		Upserts: []domain.Activity{
			{ID: "drive", Start: at(t, "2026-03-14T08:00:00Z"), End: at(t, "2026-03-14T09:00:00Z"),
				Type: "travel", ServiceID: "svc1", Participants: []domain.Participant{owner}},
			{ID: "on", Start: at(t, "2026-03-14T10:00:00Z"),
				Type: "vehicle-on", ServiceID: "svc1", Participants: []domain.Participant{owner}},
		},
	})
	var ve domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	found := false
	for _, v := range ve.Violations {
		if v.Code == domain.CodeVehicleOnNotFirst {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected ON-not-first violation, got %+v", ve.Violations)
	}

	// Correct ordering commits: ON first, OFF last.
	if _, err := svc.MutateActivities(ctx, domain.StageOperations, "", core.ActivityMutation{
		Upserts: []domain.Activity{
			{ID: "on", Start: at(t, "2026-03-14T07:00:00Z"),
				Type: "vehicle-on", ServiceID: "svc1", Participants: []domain.Participant{owner}},
			{ID: "drive", Start: at(t, "2026-03-14T08:00:00Z"), End: at(t, "2026-03-14T09:00:00Z"),
				Type: "travel", ServiceID: "svc1", Participants: []domain.Participant{owner}},
			{ID: "off", Start: at(t, "2026-03-14T10:00:00Z"),
				Type: "vehicle-off", ServiceID: "svc1", Participants: []domain.Participant{owner}},
		},
	}); err != nil {
		t.Fatalf("ordered boundaries must commit: %v", err)
	}

	// An ON without a matching OFF is not itself a violation.
	if _, err := svc.MutateActivities(ctx, domain.StageOperations, "what-if", core.ActivityMutation{
		Upserts: []domain.Activity{
			{ID: "lone-on", Start: at(t, "2026-03-14T07:00:00Z"),
				Type: "vehicle-on", ServiceID: "svc1", Participants: []domain.Participant{owner}},
		},
	}); err != nil {
		t.Fatalf("lone vehicle-on must commit: %v", err)
	}
}

func TestResourceDeleteCascadesOrphanedActivities(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.MutateResources(ctx, domain.StageOperations, "", core.ResourceMutation{
		Upserts: []domain.Resource{
			{ID: "per-1", Kind: domain.ResourcePersonnel},
			{ID: "veh-1", Kind: domain.ResourceVehicle},
		},
	}); err != nil {
		t.Fatalf("seed resources: %v", err)
	}
	if _, err := svc.MutateActivities(ctx, domain.StageOperations, "", core.ActivityMutation{
		Upserts: []domain.Activity{
			{ID: "solo", Start: at(t, "2026-03-14T08:00:00Z"), Type: "standby",
				Participants: []domain.Participant{{ResourceID: "per-1", Kind: domain.ResourcePersonnel}}},
			{ID: "paired", Start: at(t, "2026-03-14T09:00:00Z"), Type: "standby",
				Participants: []domain.Participant{
					{ResourceID: "per-1", Kind: domain.ResourcePersonnel},
					{ResourceID: "veh-1", Kind: domain.ResourceVehicle},
				}},
		},
	}); err != nil {
		t.Fatalf("seed activities: %v", err)
	}

	res, err := svc.MutateResources(ctx, domain.StageOperations, "", core.ResourceMutation{
		Deletes: []string{"per-1"},
	})
	if err != nil {
		t.Fatalf("delete resource: %v", err)
	}
	if len(res.DeletedIDs) != 1 || res.DeletedIDs[0] != "per-1" {
		t.Fatalf("unexpected deleted resources: %v", res.DeletedIDs)
	}
	if len(res.CascadeDeletedActivityIDs) != 1 || res.CascadeDeletedActivityIDs[0] != "solo" {
		t.Fatalf("expected solo to cascade, got %v", res.CascadeDeletedActivityIDs)
	}

	snap, err := svc.Snapshot(ctx, domain.StageOperations, "")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Activities) != 1 || snap.Activities[0].ID != "paired" {
		t.Fatalf("paired activity must survive, got %+v", snap.Activities)
	}
}

func TestSubscribeDeliversSnapshotThenCommits(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sub, err := svc.Subscribe(ctx, domain.StageOperations, "", domain.Viewport{UserID: "alice", ConnectionID: "c1"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	first := waitEvent(t, sub)
	if first.Scope != domain.ScopeTimeline {
		t.Fatalf("expected initial timeline event, got %s", first.Scope)
	}

	res, err := svc.MutateActivities(ctx, domain.StageOperations, "", core.ActivityMutation{
		Upserts: []domain.Activity{{ID: "a1", Start: at(t, "2026-03-14T08:00:00Z"), Type: "standby"}},
		ClientRequestID: "bob|c9",
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}

	ev := waitEvent(t, sub)
	if ev.Scope != domain.ScopeActivities {
		t.Fatalf("expected activities event, got %s", ev.Scope)
	}
	if ev.Version != res.Version {
		t.Fatalf("event version %q != commit version %q", ev.Version, res.Version)
	}
	if len(ev.Activities) != 1 || ev.Activities[0].ID != "a1" {
		t.Fatalf("unexpected event payload: %+v", ev.Activities)
	}
	if ev.UserID != "bob" || ev.ConnectionID != "c9" {
		t.Fatalf("event must carry the originating identity, got %q/%q", ev.UserID, ev.ConnectionID)
	}

	// The activity narrowed the timeline, so a timeline event follows.
	line := waitEvent(t, sub)
	if line.Scope != domain.ScopeTimeline {
		t.Fatalf("expected timeline event, got %s", line.Scope)
	}
}

func TestViewportConvertsInvisibleUpsertsToDeletes(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	sub, err := svc.Subscribe(ctx, domain.StageOperations, "", domain.Viewport{
		UserID:       "alice",
		ConnectionID: "c1",
		From:         *at(t, "2026-03-14T08:00:00Z"),
		To:           *at(t, "2026-03-14T10:00:00Z"),
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()
	waitEvent(t, sub) // initial timeline

	if _, err := svc.MutateActivities(ctx, domain.StageOperations, "", core.ActivityMutation{
		Upserts: []domain.Activity{{ID: "far", Start: at(t, "2026-03-14T12:00:00Z"), Type: "standby"}},
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}

	ev := waitEvent(t, sub)
	if ev.Scope != domain.ScopeActivities {
		t.Fatalf("expected activities event, got %s", ev.Scope)
	}
	if len(ev.Activities) != 0 {
		t.Fatalf("out-of-window upsert must not surface as an upsert")
	}
	if len(ev.DeletedIDs) != 1 || ev.DeletedIDs[0] != "far" {
		t.Fatalf("out-of-window upsert must surface as a delete, got %v", ev.DeletedIDs)
	}
}

func TestHydrationFromPersistence(t *testing.T) {
	store := persistmemory.NewStore()
	store.Seed(domain.StageSnapshot{
		Stage:   domain.StageOperations,
		Variant: "default",
		Resources: []domain.Resource{
			{ID: "per-1", Kind: domain.ResourcePersonnel, Name: "Crew"},
		},
		Activities: []domain.Activity{
			{ID: "a1", Start: at(t, "2026-03-14T08:00:00Z"), End: at(t, "2026-03-14T09:00:00Z"),
				Type: "standby", RowVersion: "2026-03-13T00:00:00.000000Z"},
		},
		Version: "2026-03-13T00:00:00.000000Z",
	})

	svc := newTestService(t, core.WithPersistence(store))
	snap, err := svc.Snapshot(context.Background(), domain.StageOperations, "")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Activities) != 1 || snap.Activities[0].ID != "a1" {
		t.Fatalf("hydration missed activities: %+v", snap.Activities)
	}
	if len(snap.Resources) != 1 || snap.Resources[0].ID != "per-1" {
		t.Fatalf("hydration missed resources: %+v", snap.Resources)
	}
	if snap.Version != "2026-03-13T00:00:00.000000Z" {
		t.Fatalf("hydration must keep the persisted version, got %q", snap.Version)
	}
}

func TestWriteThroughPersistsCommits(t *testing.T) {
	store := persistmemory.NewStore()
	svc := newTestService(t, core.WithPersistence(store))
	ctx := context.Background()

	res, err := svc.MutateActivities(ctx, domain.StageOperations, "", core.ActivityMutation{
		Upserts: []domain.Activity{{ID: "a1", Start: at(t, "2026-03-14T08:00:00Z"), Type: "standby"}},
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}

	snap, found, err := store.LoadStageData(ctx, domain.StageOperations, "default")
	if err != nil || !found {
		t.Fatalf("expected persisted stage data, found=%v err=%v", found, err)
	}
	if len(snap.Activities) != 1 || snap.Activities[0].RowVersion != res.Version {
		t.Fatalf("persisted activity out of sync: %+v", snap.Activities)
	}
	if snap.Version != res.Version {
		t.Fatalf("persisted version %q != commit version %q", snap.Version, res.Version)
	}
}

type failingPersistence struct{}

func (failingPersistence) LoadStageData(context.Context, domain.StageID, string) (domain.StageSnapshot, bool, error) {
	return domain.StageSnapshot{}, false, nil
}

func (failingPersistence) ApplyActivityMutations(context.Context, domain.StageID, string, []domain.Activity, []string) error {
	return errors.New("backend down")
}

func (failingPersistence) ApplyResourceMutations(context.Context, domain.StageID, string, []domain.Resource, []string) error {
	return errors.New("backend down")
}

func (failingPersistence) UpdateStageMetadata(context.Context, domain.StageID, string, domain.TimeRange, string) error {
	return errors.New("backend down")
}

func TestWriteThroughFailureDoesNotRollBack(t *testing.T) {
	svc := newTestService(t, core.WithPersistence(failingPersistence{}))
	ctx := context.Background()

	res, err := svc.MutateActivities(ctx, domain.StageOperations, "", core.ActivityMutation{
		Upserts: []domain.Activity{{ID: "a1", Start: at(t, "2026-03-14T08:00:00Z"), Type: "standby"}},
	})
	if err != nil {
		t.Fatalf("write-through failure must not fail the mutation: %v", err)
	}
	snap, err := svc.Snapshot(ctx, domain.StageOperations, "")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Activities) != 1 || snap.Version != res.Version {
		t.Fatalf("in-memory commit must stand, got %+v", snap)
	}
}

func TestValidateActivitiesDoesNotCommit(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	report, err := svc.ValidateActivities(ctx, domain.StageOperations, "", []domain.Activity{{
		ID:           "t1",
		Start:        at(t, "2026-03-14T08:00:00Z"),
		Type:         "travel",
		Participants: []domain.Participant{{ResourceID: "p1", Kind: domain.ResourcePersonnel}},
	}}, nil)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !report.HasBlocking() {
		t.Fatalf("expected blocking violations in the report")
	}

	snap, err := svc.Snapshot(ctx, domain.StageOperations, "")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Activities) != 0 {
		t.Fatalf("validation must not commit anything")
	}
}

func TestExportSnapshotWritesArchive(t *testing.T) {
	archive := blobmemory.NewStore()
	svc := newTestService(t, core.WithSnapshotArchive(archive))
	ctx := context.Background()

	res, err := svc.MutateActivities(ctx, domain.StageOperations, "", core.ActivityMutation{
		Upserts: []domain.Activity{{ID: "a1", Start: at(t, "2026-03-14T08:00:00Z"), Type: "standby"}},
	})
	if err != nil {
		t.Fatalf("mutate: %v", err)
	}

	key, err := svc.ExportSnapshot(ctx, domain.StageOperations, "")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	want := "snapshots/operations/default/" + res.Version + ".json"
	if key != want {
		t.Fatalf("key %q, want %q", key, want)
	}
	data, info, err := archive.Get(ctx, key)
	if err != nil {
		t.Fatalf("archive get: %v", err)
	}
	if info.ContentType != "application/json" {
		t.Fatalf("content type %q", info.ContentType)
	}
	if len(data) == 0 {
		t.Fatalf("empty snapshot payload")
	}
}

func TestVariantsAreIsolated(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.MutateActivities(ctx, domain.StageOperations, "what-if", core.ActivityMutation{
		Upserts: []domain.Activity{{ID: "a1", Start: at(t, "2026-03-14T08:00:00Z"), Type: "standby"}},
	}); err != nil {
		t.Fatalf("mutate variant: %v", err)
	}

	base, err := svc.Snapshot(ctx, domain.StageOperations, "")
	if err != nil {
		t.Fatalf("snapshot default: %v", err)
	}
	if len(base.Activities) != 0 {
		t.Fatalf("default variant must not see what-if activity")
	}
	whatIf, err := svc.Snapshot(ctx, domain.StageOperations, "what-if")
	if err != nil {
		t.Fatalf("snapshot what-if: %v", err)
	}
	if len(whatIf.Activities) != 1 {
		t.Fatalf("what-if variant lost its activity")
	}
}

func TestListActivitiesAppliesViewport(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.MutateActivities(ctx, domain.StageOperations, "", core.ActivityMutation{
		Upserts: []domain.Activity{
			{ID: "in", Start: at(t, "2026-03-14T09:00:00Z"), Type: "standby"},
			{ID: "out", Start: at(t, "2026-03-14T15:00:00Z"), Type: "standby"},
		},
	}); err != nil {
		t.Fatalf("mutate: %v", err)
	}

	got, err := svc.ListActivities(ctx, domain.StageOperations, "", domain.Viewport{
		From: *at(t, "2026-03-14T08:00:00Z"),
		To:   *at(t, "2026-03-14T10:00:00Z"),
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "in" {
		t.Fatalf("viewport filter failed: %+v", got)
	}
}
