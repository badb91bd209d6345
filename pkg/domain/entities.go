// Package domain defines the core entities, value types, rule evaluation
// primitives, and collaborator contracts used by stagecore.
package domain

import (
	"sort"
	"strings"
	"time"
)

// StageID identifies an isolated planning context.
type StageID string

// Known planning stages. A stage outside this set is rejected as NotFound.
const (
	// StageBase is the template stage; resource binding is optional there.
	StageBase StageID = "base"
	// StageOperations is the live schedule stage.
	StageOperations StageID = "operations"
	// StageDispatch is the short-term dispatch stage.
	StageDispatch StageID = "dispatch"
)

// DefaultVariant names the primary variant of every stage.
const DefaultVariant = "default"

// Valid reports whether the stage id is one of the known planning stages.
func (s StageID) Valid() bool {
	switch s {
	case StageBase, StageOperations, StageDispatch:
		return true
	}
	return false
}

// StageKey addresses one authoritative stage state.
type StageKey struct {
	Stage   StageID
	Variant string
}

// ResourceKind classifies schedulable entities.
type ResourceKind string

// Supported resource kinds.
const (
	ResourcePersonnel        ResourceKind = "personnel"
	ResourceVehicle          ResourceKind = "vehicle"
	ResourcePersonnelService ResourceKind = "personnel_service"
	ResourceVehicleService   ResourceKind = "vehicle_service"
)

// IsService reports whether the kind is a duty-owning service resource.
func (k ResourceKind) IsService() bool {
	return k == ResourcePersonnelService || k == ResourceVehicleService
}

// IsVehicleLike reports whether the kind satisfies a vehicle requirement.
func (k ResourceKind) IsVehicleLike() bool {
	return k == ResourceVehicle || k == ResourceVehicleService
}

// Resource is a schedulable entity referenced by activity participants.
type Resource struct {
	ID         string            `json:"id"`
	Kind       ResourceKind      `json:"kind"`
	Name       string            `json:"name,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Clone returns a deep copy of a resource.
func (r Resource) Clone() Resource {
	cp := r
	if r.Attributes != nil {
		cp.Attributes = make(map[string]string, len(r.Attributes))
		for k, v := range r.Attributes {
			cp.Attributes[k] = v
		}
	}
	return cp
}

// ParticipantKind mirrors ResourceKind for bindings recorded on an activity.
// The kind on the participant is authoritative; the resource record is only
// consulted when a participant carries no kind.
type ParticipantKind = ResourceKind

// RoleServiceOwner marks the participant responsible for a duty.
const RoleServiceOwner = "service_owner"

// Participant binds an activity to a resource.
type Participant struct {
	ResourceID string          `json:"resource_id"`
	Kind       ParticipantKind `json:"kind,omitempty"`
	Role       string          `json:"role,omitempty"`
}

// ManagedKind discriminates boundary/break activities owned by the duty
// autopilot. It is assigned once at creation and never re-derived from the
// activity id.
type ManagedKind string

// Managed activity kinds.
const (
	ManagedNone         ManagedKind = ""
	ManagedServiceStart ManagedKind = "service_start"
	ManagedServiceEnd   ManagedKind = "service_end"
	ManagedBreak        ManagedKind = "break"
	ManagedShortBreak   ManagedKind = "short_break"
	ManagedCommute      ManagedKind = "commute"
)

// Managed id prefixes used by the autopilot when naming the activities it
// owns. Incoming deletes for ids matching a prefix are rejected even when the
// id is not present in the stage, so a client cannot race the autopilot into
// removing a managed activity.
var managedIDPrefixes = map[string]ManagedKind{
	"svcstart:":      ManagedServiceStart,
	"svcend:":        ManagedServiceEnd,
	"svcbreak:":      ManagedBreak,
	"svcshortbreak:": ManagedShortBreak,
	"svccommute:":    ManagedCommute,
}

// ManagedKindForID maps a managed id prefix to its kind, or ManagedNone.
func ManagedKindForID(id string) ManagedKind {
	for prefix, kind := range managedIDPrefixes {
		if strings.HasPrefix(id, prefix) {
			return kind
		}
	}
	return ManagedNone
}

// EngineComputed holds the fields written exclusively by the duty autopilot's
// worktime-compliance pass. Keeping them typed (instead of loose attribute
// strings) lets invariant checks and clients consume them without parsing.
type EngineComputed struct {
	ServiceConflictLevel  string   `json:"service_conflict_level,omitempty"`
	ServiceConflictCodes  []string `json:"service_conflict_codes,omitempty"`
	ManualServiceBoundary bool     `json:"manual_service_boundary,omitempty"`
}

// Equal compares the computed fields including code order.
func (c EngineComputed) Equal(other EngineComputed) bool {
	if c.ServiceConflictLevel != other.ServiceConflictLevel ||
		c.ManualServiceBoundary != other.ManualServiceBoundary ||
		len(c.ServiceConflictCodes) != len(other.ServiceConflictCodes) {
		return false
	}
	for i, code := range c.ServiceConflictCodes {
		if other.ServiceConflictCodes[i] != code {
			return false
		}
	}
	return true
}

// AttributeBag combines the reserved engine-computed structure with an open
// string map for user data.
type AttributeBag struct {
	Computed EngineComputed    `json:"computed"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Activity is a time-bounded task bound to resources. Upserts replace the
// whole value; there is no partial field mutation.
type Activity struct {
	ID             string            `json:"id"`
	Start          *time.Time        `json:"start,omitempty"`
	End            *time.Time        `json:"end,omitempty"`
	Type           string            `json:"type"`
	Participants   []Participant     `json:"participants,omitempty"`
	ServiceID      string            `json:"service_id,omitempty"`
	ServiceByOwner map[string]string `json:"service_by_owner,omitempty"`
	ManagedKind    ManagedKind       `json:"managed_kind,omitempty"`
	Attributes     AttributeBag      `json:"attributes"`
	RowVersion     string            `json:"row_version,omitempty"`
}

// Clone returns a deep copy safe to hand across the engine boundary.
func (a Activity) Clone() Activity {
	cp := a
	if a.Start != nil {
		start := *a.Start
		cp.Start = &start
	}
	if a.End != nil {
		end := *a.End
		cp.End = &end
	}
	if a.Participants != nil {
		cp.Participants = append([]Participant(nil), a.Participants...)
	}
	if a.ServiceByOwner != nil {
		cp.ServiceByOwner = make(map[string]string, len(a.ServiceByOwner))
		for k, v := range a.ServiceByOwner {
			cp.ServiceByOwner[k] = v
		}
	}
	if a.Attributes.Computed.ServiceConflictCodes != nil {
		cp.Attributes.Computed.ServiceConflictCodes = append([]string(nil), a.Attributes.Computed.ServiceConflictCodes...)
	}
	if a.Attributes.Extra != nil {
		cp.Attributes.Extra = make(map[string]string, len(a.Attributes.Extra))
		for k, v := range a.Attributes.Extra {
			cp.Attributes.Extra[k] = v
		}
	}
	return cp
}

// EffectiveEnd returns the activity end, falling back to the start for open
// markers. The second return is false when the activity has neither.
func (a Activity) EffectiveEnd() (time.Time, bool) {
	if a.End != nil {
		return *a.End, true
	}
	if a.Start != nil {
		return *a.Start, true
	}
	return time.Time{}, false
}

// ServiceOwners returns the participants whose kind marks them as duty-owning
// service resources.
func (a Activity) ServiceOwners() []Participant {
	var owners []Participant
	for _, p := range a.Participants {
		if p.Kind.IsService() {
			owners = append(owners, p)
		}
	}
	return owners
}

// ResolveServiceID determines the service an activity serves for the given
// owning resource: the explicit service id wins, then the per-owner map, then
// the calendar day of the start instant.
func (a Activity) ResolveServiceID(ownerID string) string {
	if a.ServiceID != "" {
		return a.ServiceID
	}
	if svc, ok := a.ServiceByOwner[ownerID]; ok && svc != "" {
		return svc
	}
	if a.Start != nil {
		return a.Start.UTC().Format("2006-01-02")
	}
	return ""
}

// ParticipantFingerprint returns a normalized, order-independent encoding of
// the participant list. Two versions of an activity with equal fingerprints do
// not need participant re-validation.
func (a Activity) ParticipantFingerprint() string {
	if len(a.Participants) == 0 {
		return ""
	}
	parts := make([]string, 0, len(a.Participants))
	for _, p := range a.Participants {
		parts = append(parts, string(p.Kind)+"\x1f"+p.ResourceID+"\x1f"+p.Role)
	}
	sort.Strings(parts)
	return strings.Join(parts, "\x1e")
}

// TimeRange is a closed interval over wall-clock instants.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// IsZero reports whether neither bound is set.
func (r TimeRange) IsZero() bool { return r.Start.IsZero() && r.End.IsZero() }

// ActivityType is the catalog metadata record driving requirement flags.
type ActivityType struct {
	ID              string `json:"id"`
	RequiresVehicle bool   `json:"requires_vehicle,omitempty"`
	IsVehicleOn     bool   `json:"is_vehicle_on,omitempty"`
	IsVehicleOff    bool   `json:"is_vehicle_off,omitempty"`
	IsServiceStart  bool   `json:"is_service_start,omitempty"`
	IsServiceEnd    bool   `json:"is_service_end,omitempty"`
	IsBreak         bool   `json:"is_break,omitempty"`
	IsShortBreak    bool   `json:"is_short_break,omitempty"`
}

// IsBoundaryOrBreak reports whether the type marks a duty boundary or break.
func (t ActivityType) IsBoundaryOrBreak() bool {
	return t.IsServiceStart || t.IsServiceEnd || t.IsBreak || t.IsShortBreak
}

// StageSnapshot is the full read-only projection of one stage/variant handed
// to persistence collaborators, snapshot exports, and query callers.
type StageSnapshot struct {
	Stage      StageID    `json:"stage"`
	Variant    string     `json:"variant"`
	Resources  []Resource `json:"resources"`
	Activities []Activity `json:"activities"`
	Timeline   TimeRange  `json:"timeline"`
	Version    string     `json:"version"`
}
