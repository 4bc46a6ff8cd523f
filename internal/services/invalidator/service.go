// Package invalidator turns invalidation events into cache removals. Rules
// expand events into work items, a dependency graph widens key deletes
// transitively, and a batcher coalesces the resulting work into grouped
// dispatches against the cache fabric.
package invalidator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/metrics"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/arbor"
)

const (
	defaultBatchMaxEvents = 100
	defaultBatchLinger    = 100 * time.Millisecond

	// dispatchTimeout bounds one batch dispatch against the fabric. Dispatch
	// runs on its own context so the shutdown drain still flushes.
	dispatchTimeout = 30 * time.Second

	// dispatchConcurrency caps parallel key deletes within one batch.
	dispatchConcurrency = 16

	queueCapacity = 1024
)

// ErrStopped is returned by Submit after the batch processor shut down.
var ErrStopped = errors.New("invalidator stopped")

// queued is one routed unit of work. A zero dueAt means due immediately;
// delayed and scheduled strategies set it in the future.
type queued struct {
	event models.InvalidationEvent
	dueAt time.Time
}

// dispatchSet is the deduplicated work of one batch: keys already widened
// through the dependency graph, plus tags and patterns.
type dispatchSet struct {
	keys     map[string]struct{}
	tags     map[string]struct{}
	patterns map[string]struct{}
}

func newDispatchSet() *dispatchSet {
	return &dispatchSet{
		keys:     make(map[string]struct{}),
		tags:     make(map[string]struct{}),
		patterns: make(map[string]struct{}),
	}
}

func (d *dispatchSet) empty() bool {
	return len(d.keys) == 0 && len(d.tags) == 0 && len(d.patterns) == 0
}

func (d *dispatchSet) merge(other *dispatchSet) {
	if other == nil {
		return
	}
	for k := range other.keys {
		d.keys[k] = struct{}{}
	}
	for t := range other.tags {
		d.tags[t] = struct{}{}
	}
	for p := range other.patterns {
		d.patterns[p] = struct{}{}
	}
}

// Service implements the Invalidator interface.
type Service struct {
	maxEvents int
	linger    time.Duration

	manager interfaces.CacheManager
	layers  []interfaces.CacheLayer

	mu      sync.RWMutex
	rules   []models.InvalidationRule
	forward map[string]map[string]struct{} // key -> keys it depends on
	reverse map[string]map[string]struct{} // key -> keys depending on it

	queue    chan queued
	stopOnce sync.Once
	stopC    chan struct{}
	done     chan struct{}
	started  bool

	metrics *metrics.Metrics
	logger  arbor.ILogger
}

var _ interfaces.Invalidator = (*Service)(nil)

// NewService creates the invalidator over the cache manager (key deletes)
// and the raw layers (tag and pattern dispatch).
func NewService(config *common.InvalidatorConfig, manager interfaces.CacheManager, layers []interfaces.CacheLayer, m *metrics.Metrics, logger arbor.ILogger) (*Service, error) {
	maxEvents := config.BatchMaxEvents
	if maxEvents <= 0 {
		maxEvents = defaultBatchMaxEvents
	}
	linger := defaultBatchLinger
	if config.BatchLinger != "" {
		parsed, err := time.ParseDuration(config.BatchLinger)
		if err != nil {
			return nil, fmt.Errorf("invalid batch_linger: %w", err)
		}
		if parsed > 0 {
			linger = parsed
		}
	}

	return &Service{
		maxEvents: maxEvents,
		linger:    linger,
		manager:   manager,
		layers:    layers,
		forward:   make(map[string]map[string]struct{}),
		reverse:   make(map[string]map[string]struct{}),
		queue:     make(chan queued, queueCapacity),
		stopC:     make(chan struct{}),
		done:      make(chan struct{}),
		metrics:   m,
		logger:    logger,
	}, nil
}

// AddRule registers a rule evaluated against every submitted event. A rule
// without its own keys, tags, or pattern applies its strategy to the
// triggering event's payload.
func (s *Service) AddRule(rule models.InvalidationRule) error {
	if rule.Name == "" {
		return errors.New("rule name is required")
	}
	if rule.EventType == "" {
		return errors.New("rule event type is required")
	}
	switch rule.Strategy {
	case "", models.InvalidateImmediate, models.InvalidateDelayed, models.InvalidateScheduled,
		models.InvalidateCascade, models.InvalidatePattern, models.InvalidateTag,
		models.InvalidateTTL, models.InvalidateEvent:
	default:
		return fmt.Errorf("unknown invalidation strategy %q", rule.Strategy)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.rules {
		if existing.Name == rule.Name {
			return fmt.Errorf("rule %q already registered", rule.Name)
		}
	}
	s.rules = append(s.rules, rule)

	s.logger.Info().
		Str("rule", rule.Name).
		Str("event_type", rule.EventType).
		Str("strategy", string(rule.Strategy)).
		Msg("Invalidation rule registered")
	return nil
}

// AddDependency declares that key depends on each entry of dependsOn:
// invalidating a dependency cascades to key. Edges are kept in both
// directions; cascade walks the reverse edges.
func (s *Service) AddDependency(key string, dependsOn []string) error {
	if key == "" {
		return errors.New("dependency key is required")
	}
	if len(dependsOn) == 0 {
		return errors.New("dependency targets are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forward[key] == nil {
		s.forward[key] = make(map[string]struct{})
	}
	for _, dep := range dependsOn {
		if dep == "" || dep == key {
			continue
		}
		s.forward[key][dep] = struct{}{}
		if s.reverse[dep] == nil {
			s.reverse[dep] = make(map[string]struct{})
		}
		s.reverse[dep][key] = struct{}{}
	}
	return nil
}

// Submit routes an event and its rule expansions to the batch processor.
// Delayed and scheduled work is held until due. The call blocks rather than
// drop when the queue is full.
func (s *Service) Submit(ctx context.Context, event models.InvalidationEvent) error {
	for _, q := range s.route(event) {
		select {
		case s.queue <- q:
		case <-s.done:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// route expands an event into queued work: the event's own payload plus one
// derived item per matching rule. TTL-strategy work relies on natural expiry
// and routes nowhere.
func (s *Service) route(event models.InvalidationEvent) []queued {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	items := make([]queued, 0, 2)
	if q, ok := routeOne(event); ok {
		items = append(items, q)
	} else if event.Strategy == models.InvalidateTTL {
		s.logger.Debug().Str("type", event.Type).Msg("Invalidation left to TTL expiry")
	}

	s.mu.RLock()
	rules := s.rules
	s.mu.RUnlock()
	for _, rule := range rules {
		if rule.EventType != "*" && rule.EventType != event.Type {
			continue
		}
		derived := models.InvalidationEvent{
			Type:      event.Type,
			Source:    "rule:" + rule.Name,
			Timestamp: event.Timestamp,
			Keys:      rule.Keys,
			Tags:      rule.Tags,
			Pattern:   rule.Pattern,
			Cascade:   rule.Cascade,
			Strategy:  rule.Strategy,
			Delay:     rule.Delay,
		}
		if len(derived.Keys) == 0 && len(derived.Tags) == 0 && derived.Pattern == "" {
			derived.Keys = event.Keys
			derived.Tags = event.Tags
			derived.Pattern = event.Pattern
		}
		if q, ok := routeOne(derived); ok {
			items = append(items, q)
		}
	}
	return items
}

// routeOne assigns a due time by strategy. ok is false for work that needs
// no dispatch.
func routeOne(event models.InvalidationEvent) (queued, bool) {
	if len(event.Keys) == 0 && len(event.Tags) == 0 && event.Pattern == "" {
		return queued{}, false
	}
	switch event.Strategy {
	case models.InvalidateTTL:
		return queued{}, false
	case models.InvalidateDelayed:
		due := time.Now()
		if event.Delay > 0 {
			due = due.Add(event.Delay)
		}
		return queued{event: event, dueAt: due}, true
	case models.InvalidateScheduled:
		return queued{event: event, dueAt: event.RunAt}, true
	default:
		return queued{event: event}, true
	}
}

// Invalidate applies an event immediately, bypassing the batcher. Delay and
// schedule hints are ignored; the caller owns the returned error.
func (s *Service) Invalidate(ctx context.Context, event models.InvalidationEvent) error {
	set := newDispatchSet()
	for _, q := range s.route(event) {
		s.collect(set, q.event)
	}
	if set.empty() {
		return nil
	}
	failed := s.dispatch(ctx, set, 1)
	if failed != nil && !failed.empty() {
		return fmt.Errorf("invalidation incomplete: %d keys, %d tags, %d patterns failed",
			len(failed.keys), len(failed.tags), len(failed.patterns))
	}
	return nil
}

// Start launches the batch processor.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("invalidator already started")
	}
	s.started = true
	s.mu.Unlock()

	go s.run(ctx)
	s.logger.Info().
		Int("batch_max_events", s.maxEvents).
		Str("batch_linger", s.linger.String()).
		Msg("Invalidator started")
	return nil
}

// Stop drains held and pending work into a final dispatch, then shuts the
// processor down.
func (s *Service) Stop() error {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if !started {
		return nil
	}
	s.stopOnce.Do(func() { close(s.stopC) })
	<-s.done
	return nil
}

// run is the batch processor: one goroutine owns the batch, the held
// delayed work, and the retry carry-over.
func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	var (
		batch   []models.InvalidationEvent
		held    []queued
		retry   *dispatchSet
		lingerT = newStoppedTimer()
		dueT    = newStoppedTimer()
	)

	flush := func() {
		stopTimer(lingerT)
		set := newDispatchSet()
		for _, event := range batch {
			s.collect(set, event)
		}
		set.merge(retry)
		events := len(batch)
		batch = nil
		if set.empty() {
			retry = nil
			return
		}

		dctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		retry = s.dispatch(dctx, set, events)
		cancel()
		if retry != nil && !retry.empty() {
			// Nothing may arrive for a while; rearm the linger so the
			// carry-over is retried without new traffic.
			lingerT.Reset(s.linger)
		}
	}

	admit := func(q queued) {
		if !q.dueAt.After(time.Now()) {
			batch = append(batch, q.event)
			if len(batch) == 1 {
				lingerT.Reset(s.linger)
			}
			if len(batch) >= s.maxEvents {
				flush()
			}
			return
		}
		held = append(held, q)
		rearmDueTimer(dueT, held)
	}

	release := func() {
		now := time.Now()
		remaining := held[:0]
		for _, q := range held {
			if q.dueAt.After(now) {
				remaining = append(remaining, q)
				continue
			}
			batch = append(batch, q.event)
			if len(batch) == 1 {
				lingerT.Reset(s.linger)
			}
		}
		held = remaining
		if len(batch) >= s.maxEvents {
			flush()
		}
		rearmDueTimer(dueT, held)
	}

	drain := func() {
		for {
			select {
			case q := <-s.queue:
				batch = append(batch, q.event)
			default:
				for _, q := range held {
					batch = append(batch, q.event)
				}
				held = nil
				flush()
				if retry != nil && !retry.empty() {
					s.logger.Error().
						Int("keys", len(retry.keys)).
						Int("tags", len(retry.tags)).
						Int("patterns", len(retry.patterns)).
						Msg("Invalidation work undeliverable at shutdown")
				}
				return
			}
		}
	}

	for {
		select {
		case q := <-s.queue:
			admit(q)
		case <-lingerT.C:
			flush()
		case <-dueT.C:
			release()
		case <-s.stopC:
			drain()
			return
		case <-ctx.Done():
			s.stopOnce.Do(func() { close(s.stopC) })
			drain()
			return
		}
	}
}

// collect folds one event into the dispatch set, widening keys through the
// reverse dependency edges when the event cascades.
func (s *Service) collect(set *dispatchSet, event models.InvalidationEvent) {
	cascade := event.Cascade || event.Strategy == models.InvalidateCascade
	for _, key := range event.Keys {
		if key == "" {
			continue
		}
		set.keys[key] = struct{}{}
		if cascade {
			s.cascadeInto(set, key)
		}
	}
	for _, tag := range event.Tags {
		if tag != "" {
			set.tags[tag] = struct{}{}
		}
	}
	if event.Pattern != "" {
		set.patterns[event.Pattern] = struct{}{}
	}
}

// cascadeInto walks reverse dependency edges breadth-first from key.
func (s *Service) cascadeInto(set *dispatchSet, key string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	frontier := []string{key}
	for len(frontier) > 0 {
		var next []string
		for _, k := range frontier {
			for dependent := range s.reverse[k] {
				if _, seen := set.keys[dependent]; seen {
					continue
				}
				set.keys[dependent] = struct{}{}
				next = append(next, dependent)
			}
		}
		frontier = next
	}
}

// dispatch executes one grouped batch: fan-out key deletes through the
// manager, tag invalidation on tag-capable layers, pattern clears on every
// layer. Returns the work that failed, for the next batch to retry.
func (s *Service) dispatch(ctx context.Context, set *dispatchSet, events int) *dispatchSet {
	start := time.Now()
	failed := newDispatchSet()
	var failedMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dispatchConcurrency)
	for key := range set.keys {
		g.Go(func() error {
			if err := s.manager.Delete(gctx, key); err != nil {
				s.logger.Warn().Err(err).Str("key", key).Msg("Invalidation delete failed")
				failedMu.Lock()
				failed.keys[key] = struct{}{}
				failedMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for tag := range set.tags {
		for _, layer := range s.layers {
			tagger, ok := layer.(interfaces.TagInvalidating)
			if !ok {
				continue
			}
			if _, err := tagger.InvalidateTag(ctx, tag); err != nil {
				s.logger.Warn().Err(err).Str("tag", tag).Str("layer", string(layer.Name())).Msg("Tag invalidation failed")
				failed.tags[tag] = struct{}{}
			}
		}
	}

	for pattern := range set.patterns {
		for _, layer := range s.layers {
			if err := layer.Clear(ctx, pattern); err != nil {
				s.logger.Warn().Err(err).Str("pattern", pattern).Str("layer", string(layer.Name())).Msg("Pattern invalidation failed")
				failed.patterns[pattern] = struct{}{}
			}
		}
	}

	outcome := "ok"
	if !failed.empty() {
		outcome = "error"
	}
	if s.metrics != nil {
		s.metrics.InvalidationJobs.WithLabelValues(outcome).Inc()
		if events > 0 {
			s.metrics.BatchSize.Observe(float64(events))
		}
	}

	s.logger.Debug().
		Int("events", events).
		Int("keys", len(set.keys)).
		Int("tags", len(set.tags)).
		Int("patterns", len(set.patterns)).
		Str("outcome", outcome).
		Dur("duration", time.Since(start)).
		Msg("Invalidation batch dispatched")

	if failed.empty() {
		return nil
	}
	return failed
}

// newStoppedTimer returns a timer that will not fire until Reset.
func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	stopTimer(t)
	return t
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// rearmDueTimer points the timer at the earliest held item.
func rearmDueTimer(t *time.Timer, held []queued) {
	stopTimer(t)
	if len(held) == 0 {
		return
	}
	earliest := held[0].dueAt
	for _, q := range held[1:] {
		if q.dueAt.Before(earliest) {
			earliest = q.dueAt
		}
	}
	t.Reset(time.Until(earliest))
}
