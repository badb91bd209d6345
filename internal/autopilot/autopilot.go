// Package autopilot implements the built-in duty rules engine: it maintains
// the managed service-boundary activities around each duty and recomputes the
// worktime-compliance conflict fields after every mutation.
package autopilot

import (
	"context"
	"fmt"
	"sort"
	"time"

	"stagecore/pkg/domain"
)

// Activity type ids emitted for generated boundaries. They must exist in the
// wired catalog.
const (
	TypeServiceStart = "service-start"
	TypeServiceEnd   = "service-end"
)

// Default compliance thresholds.
const (
	DefaultBreakWarnAfter = 4*time.Hour + 30*time.Minute
	DefaultWorktimeLimit  = 6 * time.Hour
)

// Config tunes the compliance thresholds.
type Config struct {
	// BreakWarnAfter is the longest continuous stretch without a break
	// before a warning is raised.
	BreakWarnAfter time.Duration
	// WorktimeLimit is the maximum duty span before an error is raised.
	WorktimeLimit time.Duration
}

// Engine is the default domain.Autopilot implementation.
type Engine struct {
	cfg Config
}

// New constructs an engine; zero thresholds fall back to the defaults.
func New(cfg Config) *Engine {
	if cfg.BreakWarnAfter <= 0 {
		cfg.BreakWarnAfter = DefaultBreakWarnAfter
	}
	if cfg.WorktimeLimit <= 0 {
		cfg.WorktimeLimit = DefaultWorktimeLimit
	}
	return &Engine{cfg: cfg}
}

// dutyKey addresses one duty: an owning service resource on one service id.
type dutyKey struct {
	OwnerID   string
	ServiceID string
}

// duty collects the activities of one (owner, service) group.
type duty struct {
	key     dutyKey
	owner   domain.Participant
	members []domain.Activity
}

// managed reports the managed members, sorted by start.
func (d *duty) managedMembers() []domain.Activity {
	var out []domain.Activity
	for _, a := range d.members {
		if a.ManagedKind != domain.ManagedNone {
			out = append(out, a)
		}
	}
	return out
}

// hasUserActivity reports whether any member is not autopilot-owned.
func (d *duty) hasUserActivity() bool {
	for _, a := range d.members {
		if a.ManagedKind == domain.ManagedNone {
			return true
		}
	}
	return false
}

// span returns the duty's bounding interval over members with a start.
func (d *duty) span() (start, end time.Time, ok bool) {
	for _, a := range d.members {
		if a.Start == nil {
			continue
		}
		effEnd, _ := a.EffectiveEnd()
		if !ok {
			start, end, ok = *a.Start, effEnd, true
			continue
		}
		if a.Start.Before(start) {
			start = *a.Start
		}
		if effEnd.After(end) {
			end = effEnd
		}
	}
	return start, end, ok
}

// groupDuties buckets activities by (service owner, resolved service id).
// Activities without a service owner participant are ignored; an activity with
// several owners joins every owner's duty.
func groupDuties(activities []domain.Activity) []*duty {
	byKey := make(map[dutyKey]*duty)
	for _, a := range activities {
		for _, owner := range a.ServiceOwners() {
			svc := a.ResolveServiceID(owner.ResourceID)
			if svc == "" {
				continue
			}
			key := dutyKey{OwnerID: owner.ResourceID, ServiceID: svc}
			d, ok := byKey[key]
			if !ok {
				d = &duty{key: key, owner: owner}
				byKey[key] = d
			}
			d.members = append(d.members, a)
		}
	}
	out := make([]*duty, 0, len(byKey))
	for _, d := range byKey {
		sort.Slice(d.members, func(i, j int) bool {
			mi, mj := d.members[i], d.members[j]
			if mi.Start == nil || mj.Start == nil {
				return mi.Start != nil
			}
			if !mi.Start.Equal(*mj.Start) {
				return mi.Start.Before(*mj.Start)
			}
			return mi.ID < mj.ID
		})
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].key.OwnerID != out[j].key.OwnerID {
			return out[i].key.OwnerID < out[j].key.OwnerID
		}
		return out[i].key.ServiceID < out[j].key.ServiceID
	})
	return out
}

// CleanupServiceBoundaries removes managed activities belonging to duties that
// no longer contain any user activity.
func (e *Engine) CleanupServiceBoundaries(_ context.Context, stage domain.StageID, variant string, activities []domain.Activity) (domain.CleanupResult, error) {
	var result domain.CleanupResult
	for _, d := range groupDuties(activities) {
		if d.hasUserActivity() {
			continue
		}
		for _, a := range d.managedMembers() {
			result.DeletedIDs = append(result.DeletedIDs, a.ID)
			result.Entries = append(result.Entries,
				fmt.Sprintf("removed orphaned managed activity %s (duty %s/%s on %s/%s)",
					a.ID, d.key.OwnerID, d.key.ServiceID, stage, variant))
		}
	}
	sort.Strings(result.DeletedIDs)
	return result, nil
}

// NormalizeManagedServiceActivities regenerates the service-start and
// service-end boundaries of every duty that has user activities, placing them
// at the duty's bounding instants. Boundaries flagged as manually positioned
// are left untouched.
func (e *Engine) NormalizeManagedServiceActivities(_ context.Context, _ domain.StageID, _ string, activities []domain.Activity) (domain.NormalizeResult, error) {
	var result domain.NormalizeResult
	for _, d := range groupDuties(activities) {
		if !d.hasUserActivity() {
			continue
		}
		start, end, ok := d.span()
		if !ok {
			continue
		}
		if up, entry, changed := e.normalizeBoundary(d, domain.ManagedServiceStart, start); changed {
			result.Upserts = append(result.Upserts, up)
			result.Entries = append(result.Entries, entry)
		}
		if up, entry, changed := e.normalizeBoundary(d, domain.ManagedServiceEnd, end); changed {
			result.Upserts = append(result.Upserts, up)
			result.Entries = append(result.Entries, entry)
		}
	}
	return result, nil
}

// normalizeBoundary returns the regenerated boundary activity when it is
// missing or out of place.
func (e *Engine) normalizeBoundary(d *duty, kind domain.ManagedKind, at time.Time) (domain.Activity, string, bool) {
	id := boundaryID(kind, d.key)
	existing, found := findMember(d, id)
	if found {
		if existing.Attributes.Computed.ManualServiceBoundary {
			return domain.Activity{}, "", false
		}
		if existing.Start != nil && existing.Start.Equal(at) {
			return domain.Activity{}, "", false
		}
	}
	up := domain.Activity{
		ID:          id,
		Start:       &at,
		Type:        boundaryType(kind),
		ManagedKind: kind,
		ServiceID:   d.key.ServiceID,
		Participants: []domain.Participant{{
			ResourceID: d.key.OwnerID,
			Kind:       d.owner.Kind,
			Role:       domain.RoleServiceOwner,
		}},
	}
	if found {
		up.RowVersion = existing.RowVersion
		up.Attributes = existing.Attributes
	}
	verb := "created"
	if found {
		verb = "moved"
	}
	entry := fmt.Sprintf("%s %s boundary %s at %s", verb, kind, id, at.UTC().Format(time.RFC3339))
	return up, entry, true
}

func boundaryID(kind domain.ManagedKind, key dutyKey) string {
	prefix := "svcstart:"
	if kind == domain.ManagedServiceEnd {
		prefix = "svcend:"
	}
	return prefix + key.OwnerID + ":" + key.ServiceID
}

func boundaryType(kind domain.ManagedKind) string {
	if kind == domain.ManagedServiceEnd {
		return TypeServiceEnd
	}
	return TypeServiceStart
}

func findMember(d *duty, id string) (domain.Activity, bool) {
	for _, a := range d.members {
		if a.ID == id {
			return a, true
		}
	}
	return domain.Activity{}, false
}
