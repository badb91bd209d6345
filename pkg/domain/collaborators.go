package domain

import "context"

// PersistenceStore is the durable write-through collaborator. The engine
// calls it after the in-memory commit; failures are logged by the caller and
// do not roll back the already-acknowledged commit.
type PersistenceStore interface {
	// LoadStageData hydrates a stage/variant. The boolean is false when the
	// backend has no record for the key.
	LoadStageData(ctx context.Context, stage StageID, variant string) (StageSnapshot, bool, error)
	// ApplyActivityMutations persists the changed activities and deletions of
	// one committed mutation.
	ApplyActivityMutations(ctx context.Context, stage StageID, variant string, changed []Activity, deletedIDs []string) error
	// ApplyResourceMutations persists the changed resources and deletions of
	// one committed mutation.
	ApplyResourceMutations(ctx context.Context, stage StageID, variant string, changed []Resource, deletedIDs []string) error
	// UpdateStageMetadata persists the derived timeline range and version.
	UpdateStageMetadata(ctx context.Context, stage StageID, variant string, timeline TimeRange, version string) error
}

// CleanupResult reports managed activities removed by the autopilot's
// boundary-cleanup step.
type CleanupResult struct {
	DeletedIDs []string
	Entries    []string
}

// NormalizeResult reports managed activities regenerated by the autopilot's
// normalization step.
type NormalizeResult struct {
	Upserts    []Activity
	DeletedIDs []string
	Entries    []string
}

// Autopilot is the duty rules-engine collaborator. Implementations must treat
// the activity slice as read-only input and communicate changes only via
// return values; in-place mutation would break the engine's rollback
// guarantee.
type Autopilot interface {
	// CleanupServiceBoundaries removes managed boundary/break activities whose
	// owning service no longer has any non-managed activity.
	CleanupServiceBoundaries(ctx context.Context, stage StageID, variant string, activities []Activity) (CleanupResult, error)
	// NormalizeManagedServiceActivities regenerates managed boundary and break
	// activities to match the current non-managed activity set.
	NormalizeManagedServiceActivities(ctx context.Context, stage StageID, variant string, activities []Activity) (NormalizeResult, error)
	// ApplyWorktimeCompliance recomputes the engine-computed conflict fields
	// and returns only the activities whose fields changed.
	ApplyWorktimeCompliance(ctx context.Context, stage StageID, variant string, activities []Activity) ([]Activity, error)
}

// Catalog is the activity-type metadata collaborator. The engine caches the
// first successful load for the process lifetime.
type Catalog interface {
	ListActivityTypes(ctx context.Context) ([]ActivityType, error)
}
