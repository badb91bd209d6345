// Package stream implements the per-stage broadcast hub: committed mutations
// fan out to subscribed connections, filtered by each subscriber's declared
// viewport, with periodic timeline heartbeats keeping long-lived streams
// alive.
package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"stagecore/pkg/domain"
)

// ErrHubClosed is returned when subscribing to a closed hub.
var ErrHubClosed = errors.New("stream hub is closed")

// Logger is the subset of structured logging the hub needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// SnapshotFunc produces the current synthetic timeline event for a key. It
// backs both the stream-open event and the heartbeat re-emission.
type SnapshotFunc func(key domain.StageKey) (domain.StageEvent, bool)

// Config tunes the hub.
type Config struct {
	// BufferSize is the per-subscription channel depth (default 16).
	BufferSize int
	// HeartbeatInterval is the timeline re-emission period (default 30s).
	HeartbeatInterval time.Duration
	Logger            Logger
	Snapshot          SnapshotFunc
}

func normalizeConfig(cfg Config) Config {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 16
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	return cfg
}

// Hub multicasts committed stage events to subscribers. One topic exists per
// (stage, variant) key; events for a key are delivered in publish order.
type Hub struct {
	cfg    Config
	mu     sync.RWMutex
	topics map[domain.StageKey]map[string]*Subscription
	closed bool
}

// NewHub constructs a hub.
func NewHub(cfg Config) *Hub {
	return &Hub{
		cfg:    normalizeConfig(cfg),
		topics: make(map[domain.StageKey]map[string]*Subscription),
	}
}

// Subscription is one connection's registration on a stage/variant topic.
type Subscription struct {
	id  string
	key domain.StageKey
	hub *Hub

	events chan domain.StageEvent
	done   chan struct{}
	once   sync.Once

	mu       sync.Mutex
	viewport domain.Viewport

	dropped atomic.Uint64
}

// ID returns the hub-assigned subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Events is the delivery channel. It is never closed; consumers select on
// Done to detect teardown.
func (s *Subscription) Events() <-chan domain.StageEvent { return s.events }

// Done is closed when the subscription is torn down.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Viewport returns the currently registered visible window.
func (s *Subscription) Viewport() domain.Viewport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewport
}

// Dropped reports how many events were discarded because the consumer fell
// behind.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close tears the subscription down: the hub registration and viewport are
// removed and the heartbeat stops.
func (s *Subscription) Close() {
	s.hub.remove(s)
	s.once.Do(func() { close(s.done) })
}

// Subscribe registers a connection on a topic. The subscriber immediately
// receives a synthetic timeline event so it never starts blind, and a
// heartbeat goroutine re-emits the current timeline until the subscription
// or the context ends. A prior subscription for the same (user, connection)
// on the topic is replaced.
func (h *Hub) Subscribe(ctx context.Context, key domain.StageKey, viewport domain.Viewport) (*Subscription, error) {
	if viewport.ConnectionID == "" {
		viewport.ConnectionID = uuid.NewString()
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	var replaced *Subscription
	subs, ok := h.topics[key]
	if !ok {
		subs = make(map[string]*Subscription)
		h.topics[key] = subs
	}
	for _, existing := range subs {
		vp := existing.Viewport()
		if vp.UserID == viewport.UserID && vp.ConnectionID == viewport.ConnectionID {
			replaced = existing
			break
		}
	}
	if replaced != nil {
		delete(subs, replaced.id)
	}
	sub := &Subscription{
		id:       uuid.NewString(),
		key:      key,
		hub:      h,
		events:   make(chan domain.StageEvent, h.cfg.BufferSize),
		done:     make(chan struct{}),
		viewport: viewport,
	}
	subs[sub.id] = sub
	h.mu.Unlock()

	if replaced != nil {
		replaced.once.Do(func() { close(replaced.done) })
	}

	if h.cfg.Snapshot != nil {
		if ev, ok := h.cfg.Snapshot(key); ok {
			h.deliver(sub, ev)
		}
	}
	go h.heartbeat(ctx, sub)
	return sub, nil
}

// SetViewport replaces the visible window registered for (user, connection)
// on the topic. It reports whether a matching subscription was found.
func (h *Hub) SetViewport(key domain.StageKey, viewport domain.Viewport) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.topics[key] {
		sub.mu.Lock()
		match := sub.viewport.UserID == viewport.UserID && sub.viewport.ConnectionID == viewport.ConnectionID
		if match {
			sub.viewport = viewport
		}
		sub.mu.Unlock()
		if match {
			return true
		}
	}
	return false
}

// Publish multicasts a committed event to every subscriber of its key.
// Activity events are re-filtered per subscriber: upserts outside the
// viewport become delete-notifications, and the event is suppressed when
// nothing remains to report.
func (h *Hub) Publish(ev domain.StageEvent) {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.topics[ev.Key()]))
	for _, sub := range h.topics[ev.Key()] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		filtered, ok := filterForViewport(ev, sub.Viewport())
		if !ok {
			continue
		}
		h.deliver(sub, filtered)
	}
}

// filterForViewport applies the subscriber's visible window to an activities
// event. Resource and timeline events pass through unfiltered.
func filterForViewport(ev domain.StageEvent, vp domain.Viewport) (domain.StageEvent, bool) {
	if ev.Scope != domain.ScopeActivities {
		return ev, true
	}
	visible := make([]domain.Activity, 0, len(ev.Activities))
	deleted := append([]string(nil), ev.DeletedIDs...)
	for _, a := range ev.Activities {
		if vp.Matches(a) {
			visible = append(visible, a)
		} else {
			// Out-of-window upserts surface as deletes so a client that
			// scrolled away removes them cleanly.
			deleted = append(deleted, a.ID)
		}
	}
	if len(visible) == 0 && len(deleted) == 0 {
		return domain.StageEvent{}, false
	}
	out := ev
	out.Activities = visible
	out.DeletedIDs = deleted
	return out, true
}

func (h *Hub) deliver(sub *Subscription, ev domain.StageEvent) {
	select {
	case sub.events <- ev:
	default:
		sub.dropped.Add(1)
		h.cfg.Logger.Warn("dropping stage event for slow subscriber",
			"stage", ev.Stage, "variant", ev.Variant, "scope", ev.Scope, "subscription", sub.id)
	}
}

// heartbeat re-emits the current timeline snapshot at a fixed interval for
// as long as the subscription is open.
func (h *Hub) heartbeat(ctx context.Context, sub *Subscription) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if h.cfg.Snapshot == nil {
				continue
			}
			if ev, ok := h.cfg.Snapshot(sub.key); ok {
				h.deliver(sub, ev)
			}
		case <-sub.done:
			return
		case <-ctx.Done():
			sub.Close()
			return
		}
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.topics[sub.key]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(h.topics, sub.key)
		}
	}
}

// SubscriberCount reports the number of live subscriptions on a key.
func (h *Hub) SubscriberCount(key domain.StageKey) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[key])
}

// Close tears down every subscription and rejects further subscribes.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*Subscription
	for _, subs := range h.topics {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	h.topics = make(map[domain.StageKey]map[string]*Subscription)
	h.mu.Unlock()
	for _, sub := range all {
		sub.once.Do(func() { close(sub.done) })
	}
}
