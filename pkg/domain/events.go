package domain

import (
	"strings"
	"time"
)

// EventScope identifies which slice of stage state an event carries.
type EventScope string

// Event scopes published on every committed mutation.
const (
	ScopeResources  EventScope = "resources"
	ScopeActivities EventScope = "activities"
	ScopeTimeline   EventScope = "timeline"
)

// StageEvent is one committed change broadcast to subscribers. Activity
// events are viewport-filtered per subscriber; resource and timeline events
// are delivered unfiltered.
type StageEvent struct {
	Stage        StageID    `json:"stage"`
	Variant      string     `json:"variant"`
	Scope        EventScope `json:"scope"`
	Version      string     `json:"version"`
	Activities   []Activity `json:"activities,omitempty"`
	Resources    []Resource `json:"resources,omitempty"`
	DeletedIDs   []string   `json:"deleted_ids,omitempty"`
	Timeline     *TimeRange `json:"timeline,omitempty"`
	UserID       string     `json:"user_id,omitempty"`
	ConnectionID string     `json:"connection_id,omitempty"`
}

// Key returns the stage/variant address of the event.
func (e StageEvent) Key() StageKey {
	return StageKey{Stage: e.Stage, Variant: e.Variant}
}

// ClientRequestID encodes the originating identity of a mutation as
// "userId|connectionId". Outgoing events carry the decoded pair so clients
// can suppress their own echo.
type ClientRequestID string

// Parse splits the opaque id into its user and connection parts.
func (c ClientRequestID) Parse() (userID, connectionID string) {
	user, conn, ok := strings.Cut(string(c), "|")
	if !ok {
		return string(c), ""
	}
	return user, conn
}

// Viewport is a subscriber-declared visible window. Activity upserts outside
// the window are converted to delete-notifications for that subscriber.
type Viewport struct {
	UserID       string    `json:"user_id"`
	ConnectionID string    `json:"connection_id"`
	From         time.Time `json:"from"`
	To           time.Time `json:"to"`
	ResourceIDs  []string  `json:"resource_ids,omitempty"`
}

// Matches reports whether an activity intersects the viewport's time window
// and, when a resource filter is declared, references at least one of the
// filtered resources. An activity with no start instant is always visible:
// it cannot be placed on the timeline, so hiding it would strand it.
func (v Viewport) Matches(a Activity) bool {
	if a.Start != nil && !v.From.IsZero() && !v.To.IsZero() {
		end, _ := a.EffectiveEnd()
		if end.Before(v.From) || a.Start.After(v.To) {
			return false
		}
	}
	if len(v.ResourceIDs) == 0 {
		return true
	}
	for _, p := range a.Participants {
		for _, id := range v.ResourceIDs {
			if p.ResourceID == id {
				return true
			}
		}
	}
	return false
}
