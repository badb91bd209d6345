package core

import (
	"context"
	"time"

	"stagecore/internal/stream"
	"stagecore/pkg/domain"
)

// Service is the authoritative stage mutation and synchronization engine. It
// owns the in-memory stage map, runs the transactional mutation pipelines,
// and fans committed deltas out to subscribed connections.
type Service struct {
	store       *StageStore
	engine      *domain.RulesEngine
	autopilot   domain.Autopilot
	persistence domain.PersistenceStore
	catalog     *cachedCatalog
	hub         *stream.Hub
	versions    *versionClock
	logger      Logger
	metrics     MetricsRecorder
	tracer      Tracer
	archive     SnapshotArchive
}

// SnapshotArchive stores exported stage snapshots, typically an object store.
type SnapshotArchive interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Option customizes service construction.
type Option func(*serviceOptions)

type serviceOptions struct {
	persistence       domain.PersistenceStore
	autopilot         domain.Autopilot
	catalog           domain.Catalog
	engine            *domain.RulesEngine
	logger            Logger
	metrics           MetricsRecorder
	tracer            Tracer
	archive           SnapshotArchive
	defaultRange      domain.TimeRange
	heartbeatInterval time.Duration
	streamBuffer      int
}

// WithPersistence wires the durable write-through collaborator.
func WithPersistence(p domain.PersistenceStore) Option {
	return func(o *serviceOptions) { o.persistence = p }
}

// WithAutopilot wires the duty rules-engine collaborator.
func WithAutopilot(a domain.Autopilot) Option {
	return func(o *serviceOptions) { o.autopilot = a }
}

// WithCatalog wires the activity-type catalog collaborator.
func WithCatalog(c domain.Catalog) Option {
	return func(o *serviceOptions) { o.catalog = c }
}

// WithRulesEngine replaces the default invariant set.
func WithRulesEngine(e *domain.RulesEngine) Option {
	return func(o *serviceOptions) { o.engine = e }
}

// WithLogger wires structured logging.
func WithLogger(l Logger) Option {
	return func(o *serviceOptions) { o.logger = l }
}

// WithMetricsRecorder wires operation metrics.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(o *serviceOptions) { o.metrics = m }
}

// WithTracer wires operation tracing.
func WithTracer(t Tracer) Option {
	return func(o *serviceOptions) { o.tracer = t }
}

// WithSnapshotArchive wires the snapshot-export object store.
func WithSnapshotArchive(a SnapshotArchive) Option {
	return func(o *serviceOptions) { o.archive = a }
}

// WithDefaultTimeline sets the timeline range used for stages with no
// activities.
func WithDefaultTimeline(r domain.TimeRange) Option {
	return func(o *serviceOptions) { o.defaultRange = r }
}

// WithHeartbeatInterval sets the stream heartbeat period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *serviceOptions) { o.heartbeatInterval = d }
}

// WithStreamBuffer sets the per-subscription event channel depth.
func WithStreamBuffer(n int) Option {
	return func(o *serviceOptions) { o.streamBuffer = n }
}

// defaultTimelineRange is the current UTC day; used when no activities exist
// and no override is configured.
func defaultTimelineRange(now time.Time) domain.TimeRange {
	day := now.UTC().Truncate(24 * time.Hour)
	return domain.TimeRange{Start: day, End: day.Add(24 * time.Hour)}
}

// NewService constructs the engine. Persistence defaults to a no-op in-memory
// collaborator, the autopilot and catalog to the built-in implementations.
func NewService(opts ...Option) *Service {
	o := &serviceOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if o.persistence == nil {
		o.persistence = nopPersistence{}
	}
	if o.catalog == nil {
		o.catalog = DefaultCatalog()
	}
	if o.engine == nil {
		o.engine = NewDefaultRulesEngine()
	}
	if o.logger == nil {
		o.logger = noopLogger{}
	}
	if o.metrics == nil {
		o.metrics = noopMetrics{}
	}
	if o.tracer == nil {
		o.tracer = noopTracer{}
	}
	if o.defaultRange.IsZero() {
		o.defaultRange = defaultTimelineRange(time.Now())
	}

	s := &Service{
		store:       NewStageStore(o.persistence, o.defaultRange),
		engine:      o.engine,
		autopilot:   o.autopilot,
		persistence: o.persistence,
		catalog:     newCachedCatalog(o.catalog),
		versions:    newVersionClock(),
		logger:      o.logger,
		metrics:     o.metrics,
		tracer:      o.tracer,
		archive:     o.archive,
	}
	s.hub = stream.NewHub(stream.Config{
		BufferSize:        o.streamBuffer,
		HeartbeatInterval: o.heartbeatInterval,
		Logger:            s.logger,
		Snapshot:          s.timelineEvent,
	})
	return s
}

// Hub exposes the broadcast hub for transport adapters.
func (s *Service) Hub() *stream.Hub { return s.hub }

// Subscribe registers a connection on a stage/variant topic with its initial
// viewport.
func (s *Service) Subscribe(ctx context.Context, stage domain.StageID, variant string, viewport domain.Viewport) (*stream.Subscription, error) {
	entry, err := s.store.entry(stage, variant)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	err = s.store.hydrate(ctx, stage, variant, entry)
	entry.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if variant == "" {
		variant = domain.DefaultVariant
	}
	return s.hub.Subscribe(ctx, domain.StageKey{Stage: stage, Variant: variant}, viewport)
}

// SetViewport replaces the visible window for an open subscription.
func (s *Service) SetViewport(stage domain.StageID, variant string, viewport domain.Viewport) bool {
	if variant == "" {
		variant = domain.DefaultVariant
	}
	return s.hub.SetViewport(domain.StageKey{Stage: stage, Variant: variant}, viewport)
}

// Close tears down all stream subscriptions.
func (s *Service) Close() {
	s.hub.Close()
}

// timelineEvent builds the synthetic timeline event for stream-open and
// heartbeat delivery.
func (s *Service) timelineEvent(key domain.StageKey) (domain.StageEvent, bool) {
	entry, err := s.store.entry(key.Stage, key.Variant)
	if err != nil {
		return domain.StageEvent{}, false
	}
	entry.mu.RLock()
	timeline := entry.state.timeline
	version := entry.state.version
	entry.mu.RUnlock()
	return domain.StageEvent{
		Stage:    key.Stage,
		Variant:  key.Variant,
		Scope:    domain.ScopeTimeline,
		Version:  version,
		Timeline: &timeline,
	}, true
}

// nopPersistence satisfies the persistence contract for purely in-memory
// deployments and tests.
type nopPersistence struct{}

func (nopPersistence) LoadStageData(context.Context, domain.StageID, string) (domain.StageSnapshot, bool, error) {
	return domain.StageSnapshot{}, false, nil
}

func (nopPersistence) ApplyActivityMutations(context.Context, domain.StageID, string, []domain.Activity, []string) error {
	return nil
}

func (nopPersistence) ApplyResourceMutations(context.Context, domain.StageID, string, []domain.Resource, []string) error {
	return nil
}

func (nopPersistence) UpdateStageMetadata(context.Context, domain.StageID, string, domain.TimeRange, string) error {
	return nil
}
