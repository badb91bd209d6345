package core

import (
	"context"
	"fmt"

	"stagecore/pkg/domain"
)

// NewServiceOwnerRule enforces that every boundary or break activity has
// exactly one duty-owning service participant. The rule is skipped on the
// base (template) stage, where resource binding is optional.
func NewServiceOwnerRule() domain.Rule {
	return serviceOwnerRule{}
}

type serviceOwnerRule struct{}

func (serviceOwnerRule) Name() string { return "single_service_owner" }

func (serviceOwnerRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	if view.Stage() == domain.StageBase {
		return domain.Result{}, nil
	}
	var res domain.Result
	for _, a := range changedActivities(changes) {
		if !isBoundaryOrBreak(view, a) {
			continue
		}
		owners := a.ServiceOwners()
		switch {
		case len(owners) == 0:
			res.Violations = append(res.Violations, domain.Violation{
				Rule:       "single_service_owner",
				Code:       domain.CodeMissingServiceOwner,
				Severity:   domain.SeverityBlock,
				Message:    fmt.Sprintf("boundary activity %s has no service-owning participant", a.ID),
				ActivityID: a.ID,
			})
		case len(owners) > 1:
			res.Violations = append(res.Violations, domain.Violation{
				Rule:       "single_service_owner",
				Code:       domain.CodeMultipleServiceOwners,
				Severity:   domain.SeverityBlock,
				Message:    fmt.Sprintf("boundary activity %s has %d service-owning participants", a.ID, len(owners)),
				ActivityID: a.ID,
			})
		}
	}
	return res, nil
}

// isBoundaryOrBreak matches an activity by its managed kind, its type flags,
// or an explicit service-owner role on a participant.
func isBoundaryOrBreak(view domain.RuleView, a domain.Activity) bool {
	if a.ManagedKind != domain.ManagedNone && a.ManagedKind != domain.ManagedCommute {
		return true
	}
	if typ, ok := view.ActivityType(a.Type); ok && typ.IsBoundaryOrBreak() {
		return true
	}
	for _, p := range a.Participants {
		if p.Role == domain.RoleServiceOwner {
			return true
		}
	}
	return false
}
