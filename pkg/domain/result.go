package domain

import (
	"fmt"
	"sort"
	"strings"
)

// EntityType identifies the kind of record affected by a change.
type EntityType string

// Entity types captured in change records and events.
const (
	EntityActivity EntityType = "activity"
	EntityResource EntityType = "resource"
)

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate the supported mutations.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Change records a single entity mutation within a transaction. Before and
// After hold Activity or Resource values depending on Entity.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// ViolationCode enumerates the structured invariant violation identifiers.
type ViolationCode string

// Violation codes surfaced to clients.
const (
	CodeMissingVehicle        ViolationCode = "MISSING_VEHICLE"
	CodeMissingServiceOwner   ViolationCode = "MISSING_SERVICE_OWNER"
	CodeMultipleServiceOwners ViolationCode = "MULTIPLE_SERVICE_OWNERS"
	CodeVehicleOnNotFirst     ViolationCode = "VEHICLE_ON_NOT_FIRST"
	CodeVehicleOffNotLast     ViolationCode = "VEHICLE_OFF_NOT_LAST"
	CodeVehicleOnAfterOff     ViolationCode = "VEHICLE_ON_AFTER_OFF"
	CodeManagedDelete         ViolationCode = "MANAGED_ACTIVITY_DELETE"
)

// Worktime-compliance conflict codes written by the autopilot into
// EngineComputed.ServiceConflictCodes. They annotate activities rather than
// block commits.
const (
	ConflictWorktimeBreakOverdue  = "WORKTIME_BREAK_OVERDUE"
	ConflictWorktimeLimitExceeded = "WORKTIME_LIMIT_EXCEEDED"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
)

// Violation reports a failed invariant evaluation.
type Violation struct {
	Rule       string        `json:"rule"`
	Code       ViolationCode `json:"code"`
	Severity   Severity      `json:"severity"`
	Message    string        `json:"message"`
	ActivityID string        `json:"activity_id,omitempty"`
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation `json:"violations"`
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// NotFoundError reports an unknown stage id.
type NotFoundError struct {
	Stage   StageID
	Variant string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("stage %q (variant %q) not found", e.Stage, e.Variant)
}

// ConflictError reports row-version mismatches detected during a mutation.
// Every offending activity id is listed so the client can re-fetch all of
// them in one round trip.
type ConflictError struct {
	Stage   StageID
	Variant string
	IDs     []string
}

func (e ConflictError) Error() string {
	ids := append([]string(nil), e.IDs...)
	sort.Strings(ids)
	return fmt.Sprintf("stage %s/%s: row version conflict on %s", e.Stage, e.Variant, strings.Join(ids, ", "))
}

// ValidationError reports invariant violations that aborted a mutation. The
// complete violation list is carried, not just the first.
type ValidationError struct {
	Stage      StageID
	Variant    string
	Violations []Violation
}

func (e ValidationError) Error() string {
	codes := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		codes = append(codes, string(v.Code))
	}
	return fmt.Sprintf("stage %s/%s: mutation blocked by %s", e.Stage, e.Variant, strings.Join(codes, ", "))
}
