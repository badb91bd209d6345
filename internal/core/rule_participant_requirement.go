package core

import (
	"context"
	"fmt"

	"stagecore/pkg/domain"
)

// NewParticipantRequirementRule enforces mandatory resource bindings: a
// non-managed activity whose type requires a vehicle must bind at least one
// vehicle or vehicle-service participant.
func NewParticipantRequirementRule() domain.Rule {
	return participantRequirementRule{}
}

type participantRequirementRule struct{}

func (participantRequirementRule) Name() string { return "participant_requirement" }

func (participantRequirementRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	var res domain.Result
	for _, a := range changedActivities(changes) {
		if a.ManagedKind != domain.ManagedNone {
			continue
		}
		// Unchanged participant lists were validated by the commit that
		// introduced them.
		if prev, ok := previousActivity(changes, a.ID); ok &&
			prev.ParticipantFingerprint() == a.ParticipantFingerprint() {
			continue
		}
		typ, ok := view.ActivityType(a.Type)
		if !ok || !typ.RequiresVehicle {
			continue
		}
		if !hasVehicleParticipant(view, a) {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:       "participant_requirement",
				Code:       domain.CodeMissingVehicle,
				Severity:   domain.SeverityBlock,
				Message:    fmt.Sprintf("activity %s (%s) requires a vehicle participant", a.ID, a.Type),
				ActivityID: a.ID,
			})
		}
	}
	return res, nil
}

// hasVehicleParticipant resolves each participant to a resource kind, using
// the participant's own kind when present and the resource record otherwise.
func hasVehicleParticipant(view domain.RuleView, a domain.Activity) bool {
	for _, p := range a.Participants {
		kind := p.Kind
		if kind == "" {
			if r, ok := view.FindResource(p.ResourceID); ok {
				kind = r.Kind
			}
		}
		if kind.IsVehicleLike() {
			return true
		}
	}
	return false
}
