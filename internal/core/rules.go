package core

import "stagecore/pkg/domain"

// NewDefaultRulesEngine builds a rules engine with the built-in invariant
// set: participant requirements, single service owner, and vehicle boundary
// ordering.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewParticipantRequirementRule())
	engine.Register(NewServiceOwnerRule())
	engine.Register(NewVehicleBoundaryRule())
	return engine
}

// changedActivities extracts the post-apply activity values from a change
// set, skipping deletions.
func changedActivities(changes []domain.Change) []domain.Activity {
	var out []domain.Activity
	for _, ch := range changes {
		if ch.Entity != domain.EntityActivity || ch.Action == domain.ActionDelete {
			continue
		}
		if after, ok := ch.After.(domain.Activity); ok {
			out = append(out, after)
		}
	}
	return out
}

// previousActivity returns the pre-apply value recorded for an activity id,
// if the change set carries one.
func previousActivity(changes []domain.Change, id string) (domain.Activity, bool) {
	for _, ch := range changes {
		if ch.Entity != domain.EntityActivity {
			continue
		}
		before, ok := ch.Before.(domain.Activity)
		if ok && before.ID == id {
			return before, true
		}
	}
	return domain.Activity{}, false
}
