package core

import (
	"sort"
	"sync"
	"time"

	"stagecore/pkg/domain"
)

// stageState is the authoritative in-memory record for one stage/variant. It
// is owned exclusively by the engine: mutations build a clone and swap it in
// on commit, so a failed mutation never leaves partial edits behind.
type stageState struct {
	resources  map[string]domain.Resource
	activities map[string]domain.Activity
	timeline   domain.TimeRange
	version    string
}

func newStageState(fallback domain.TimeRange) *stageState {
	return &stageState{
		resources:  make(map[string]domain.Resource),
		activities: make(map[string]domain.Activity),
		timeline:   fallback,
	}
}

func (s *stageState) clone() *stageState {
	cp := &stageState{
		resources:  make(map[string]domain.Resource, len(s.resources)),
		activities: make(map[string]domain.Activity, len(s.activities)),
		timeline:   s.timeline,
		version:    s.version,
	}
	for id, r := range s.resources {
		cp.resources[id] = r.Clone()
	}
	for id, a := range s.activities {
		cp.activities[id] = a.Clone()
	}
	return cp
}

// recomputeTimeline derives the bounding interval over all activities. The
// prior range is kept when the activity set is empty so the timeline is never
// null.
func (s *stageState) recomputeTimeline() {
	var start, end time.Time
	var seen bool
	for _, a := range s.activities {
		if a.Start == nil {
			continue
		}
		effEnd, _ := a.EffectiveEnd()
		if !seen {
			start, end, seen = *a.Start, effEnd, true
			continue
		}
		if a.Start.Before(start) {
			start = *a.Start
		}
		if effEnd.After(end) {
			end = effEnd
		}
	}
	if seen {
		s.timeline = domain.TimeRange{Start: start, End: end}
	}
}

func (s *stageState) activityList() []domain.Activity {
	out := make([]domain.Activity, 0, len(s.activities))
	for _, a := range s.activities {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *stageState) resourceList() []domain.Resource {
	out := make([]domain.Resource, 0, len(s.resources))
	for _, r := range s.resources {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// stageEntry pairs a stage state with its mutation lock. The lock is held for
// the full mutation pipeline including autopilot and persistence calls, so
// two mutations against the same stage/variant never interleave. Reads take
// the lock only long enough to copy the current state pointer.
type stageEntry struct {
	mu       sync.RWMutex
	state    *stageState
	hydrated bool
}

// stageView adapts a stageState (plus the catalog) to domain.RuleView.
type stageView struct {
	stage   domain.StageID
	variant string
	state   *stageState
	types   map[string]domain.ActivityType
}

func (v stageView) Stage() domain.StageID { return v.stage }
func (v stageView) Variant() string       { return v.variant }

func (v stageView) ListActivities() []domain.Activity {
	return v.state.activityList()
}

func (v stageView) FindActivity(id string) (domain.Activity, bool) {
	a, ok := v.state.activities[id]
	if !ok {
		return domain.Activity{}, false
	}
	return a.Clone(), true
}

func (v stageView) FindResource(id string) (domain.Resource, bool) {
	r, ok := v.state.resources[id]
	if !ok {
		return domain.Resource{}, false
	}
	return r.Clone(), true
}

func (v stageView) ActivityType(id string) (domain.ActivityType, bool) {
	t, ok := v.types[id]
	return t, ok
}
