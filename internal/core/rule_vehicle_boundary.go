package core

import (
	"context"
	"fmt"
	"sort"

	"stagecore/pkg/domain"
)

// NewVehicleBoundaryRule enforces ON/OFF ordering for vehicle duties: within
// a (vehicle-service owner, service) group, an ON marker must be the earliest
// activity, an OFF marker the latest, and ON must not start after OFF. Only
// groups touched by the current mutation are evaluated, keeping cost
// proportional to the change.
func NewVehicleBoundaryRule() domain.Rule {
	return vehicleBoundaryRule{}
}

type vehicleBoundaryRule struct{}

func (vehicleBoundaryRule) Name() string { return "vehicle_boundary_ordering" }

type boundaryGroupKey struct {
	ownerID   string
	serviceID string
}

func (vehicleBoundaryRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	touched := touchedBoundaryGroups(changes)
	if len(touched) == 0 {
		return domain.Result{}, nil
	}

	groups := make(map[boundaryGroupKey][]domain.Activity)
	for _, a := range view.ListActivities() {
		if a.Start == nil {
			continue
		}
		for _, owner := range a.ServiceOwners() {
			if owner.Kind != domain.ResourceVehicleService {
				continue
			}
			key := boundaryGroupKey{ownerID: owner.ResourceID, serviceID: a.ResolveServiceID(owner.ResourceID)}
			if _, ok := touched[key]; ok {
				groups[key] = append(groups[key], a)
			}
		}
	}

	var res domain.Result
	for key, members := range groups {
		sort.Slice(members, func(i, j int) bool {
			if members[i].Start.Equal(*members[j].Start) {
				return members[i].ID < members[j].ID
			}
			return members[i].Start.Before(*members[j].Start)
		})
		res.Merge(checkBoundaryGroup(view, key, members))
	}
	return res, nil
}

// touchedBoundaryGroups collects the (vehicle-service owner, service) keys
// referenced by the mutation's before or after activity values.
func touchedBoundaryGroups(changes []domain.Change) map[boundaryGroupKey]struct{} {
	touched := make(map[boundaryGroupKey]struct{})
	collect := func(value any) {
		a, ok := value.(domain.Activity)
		if !ok {
			return
		}
		for _, owner := range a.ServiceOwners() {
			if owner.Kind != domain.ResourceVehicleService {
				continue
			}
			touched[boundaryGroupKey{ownerID: owner.ResourceID, serviceID: a.ResolveServiceID(owner.ResourceID)}] = struct{}{}
		}
	}
	for _, ch := range changes {
		if ch.Entity != domain.EntityActivity {
			continue
		}
		collect(ch.Before)
		collect(ch.After)
	}
	return touched
}

func checkBoundaryGroup(view domain.RuleView, key boundaryGroupKey, members []domain.Activity) domain.Result {
	var res domain.Result
	var earliestOn, latestOff *domain.Activity
	for i := range members {
		typ, ok := view.ActivityType(members[i].Type)
		if !ok {
			continue
		}
		if typ.IsVehicleOn && earliestOn == nil {
			earliestOn = &members[i]
		}
		if typ.IsVehicleOff {
			latestOff = &members[i]
		}
	}
	if earliestOn == nil && latestOff == nil {
		return res
	}

	if earliestOn != nil {
		first := members[0]
		if typ, ok := view.ActivityType(first.Type); !ok || !typ.IsVehicleOn {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:       "vehicle_boundary_ordering",
				Code:       domain.CodeVehicleOnNotFirst,
				Severity:   domain.SeverityBlock,
				Message:    fmt.Sprintf("vehicle ON %s is not the earliest activity of service %s/%s", earliestOn.ID, key.ownerID, key.serviceID),
				ActivityID: earliestOn.ID,
			})
		}
	}
	if latestOff != nil {
		last := members[len(members)-1]
		if typ, ok := view.ActivityType(last.Type); !ok || !typ.IsVehicleOff {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:       "vehicle_boundary_ordering",
				Code:       domain.CodeVehicleOffNotLast,
				Severity:   domain.SeverityBlock,
				Message:    fmt.Sprintf("vehicle OFF %s is not the latest activity of service %s/%s", latestOff.ID, key.ownerID, key.serviceID),
				ActivityID: latestOff.ID,
			})
		}
	}
	if earliestOn != nil && latestOff != nil && earliestOn.Start.After(*latestOff.Start) {
		res.Violations = append(res.Violations, domain.Violation{
			Rule:       "vehicle_boundary_ordering",
			Code:       domain.CodeVehicleOnAfterOff,
			Severity:   domain.SeverityBlock,
			Message:    fmt.Sprintf("vehicle ON %s starts after OFF %s in service %s/%s", earliestOn.ID, latestOff.ID, key.ownerID, key.serviceID),
			ActivityID: earliestOn.ID,
		})
	}
	return res
}
