package autopilot

import (
	"context"
	"sort"
	"time"

	"stagecore/pkg/domain"
)

// Conflict levels written to EngineComputed.ServiceConflictLevel.
const (
	ConflictLevelWarning = "warning"
	ConflictLevelError   = "error"
)

// ApplyWorktimeCompliance recomputes the conflict annotations of every duty
// owned by a personnel service: a warning when the longest continuous stretch
// without a break exceeds the configured threshold, an error when the whole
// duty span exceeds the worktime limit. Only activities whose computed fields
// actually changed are returned.
func (e *Engine) ApplyWorktimeCompliance(_ context.Context, _ domain.StageID, _ string, activities []domain.Activity) ([]domain.Activity, error) {
	// Every activity starts from a clean slate; codes accumulate across the
	// duties it belongs to.
	codesByActivity := make(map[string]map[string]struct{})
	for _, d := range groupDuties(activities) {
		if d.owner.Kind != domain.ResourcePersonnelService {
			continue
		}
		codes := e.dutyConflicts(d)
		if len(codes) == 0 {
			continue
		}
		for _, a := range d.members {
			if a.ManagedKind != domain.ManagedNone {
				continue
			}
			set, ok := codesByActivity[a.ID]
			if !ok {
				set = make(map[string]struct{})
				codesByActivity[a.ID] = set
			}
			for _, code := range codes {
				set[code] = struct{}{}
			}
		}
	}

	var changed []domain.Activity
	for _, a := range activities {
		if a.ManagedKind != domain.ManagedNone {
			continue
		}
		next := computedFor(codesByActivity[a.ID], a.Attributes.Computed.ManualServiceBoundary)
		if a.Attributes.Computed.Equal(next) {
			continue
		}
		cp := a.Clone()
		cp.Attributes.Computed = next
		changed = append(changed, cp)
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].ID < changed[j].ID })
	return changed, nil
}

// dutyConflicts evaluates one duty against the thresholds.
func (e *Engine) dutyConflicts(d *duty) []string {
	start, end, ok := d.span()
	if !ok {
		return nil
	}
	var codes []string
	if longestStretchWithoutBreak(d, start, end) >= e.cfg.BreakWarnAfter {
		codes = append(codes, domain.ConflictWorktimeBreakOverdue)
	}
	if end.Sub(start) >= e.cfg.WorktimeLimit {
		codes = append(codes, domain.ConflictWorktimeLimitExceeded)
	}
	return codes
}

// longestStretchWithoutBreak measures the widest gap between break activities
// inside the duty span. Members are already sorted by start.
func longestStretchWithoutBreak(d *duty, start, end time.Time) time.Duration {
	cursor := start
	var longest time.Duration
	for _, a := range d.members {
		if !isBreak(a) || a.Start == nil {
			continue
		}
		if stretch := a.Start.Sub(cursor); stretch > longest {
			longest = stretch
		}
		if breakEnd, ok := a.EffectiveEnd(); ok && breakEnd.After(cursor) {
			cursor = breakEnd
		}
	}
	if stretch := end.Sub(cursor); stretch > longest {
		longest = stretch
	}
	return longest
}

func isBreak(a domain.Activity) bool {
	switch a.ManagedKind {
	case domain.ManagedBreak, domain.ManagedShortBreak:
		return true
	}
	switch a.Type {
	case "break", "short-break":
		return true
	}
	return false
}

// computedFor assembles the computed fields from an accumulated code set,
// preserving the manual-boundary flag which the compliance pass never owns.
func computedFor(codes map[string]struct{}, manual bool) domain.EngineComputed {
	out := domain.EngineComputed{ManualServiceBoundary: manual}
	if len(codes) == 0 {
		return out
	}
	out.ServiceConflictCodes = make([]string, 0, len(codes))
	for code := range codes {
		out.ServiceConflictCodes = append(out.ServiceConflictCodes, code)
	}
	sort.Strings(out.ServiceConflictCodes)
	out.ServiceConflictLevel = ConflictLevelWarning
	if _, limit := codes[domain.ConflictWorktimeLimitExceeded]; limit {
		out.ServiceConflictLevel = ConflictLevelError
	}
	return out
}
