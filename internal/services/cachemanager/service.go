// Package cachemanager coordinates the layered cache fabric: top-down gets
// with promotion, concurrent fan-out writes and deletes, and cron-scheduled
// warming. Layers are registered in walk order (widest tier first); the edge
// tier has no readable path and participates through delete callbacks
// instead.
package cachemanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/metrics"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/arbor"
)

// warmerTimeout bounds one warming run's writes.
const warmerTimeout = 30 * time.Second

// Service implements the CacheManager interface.
type Service struct {
	layers []interfaces.CacheLayer

	cron    *cron.Cron
	mu      sync.RWMutex
	warmers map[string]cron.EntryID
	onDel   []func(key string)

	metrics *metrics.Metrics
	logger  arbor.ILogger
}

var _ interfaces.CacheManager = (*Service)(nil)

// NewService wires the fabric over the given layers, ordered top-down. The
// warming scheduler starts immediately; it idles until warmers register.
func NewService(layers []interfaces.CacheLayer, m *metrics.Metrics, logger arbor.ILogger) *Service {
	s := &Service{
		layers:  layers,
		cron:    cron.New(),
		warmers: make(map[string]cron.EntryID),
		metrics: m,
		logger:  logger,
	}
	s.cron.Start()

	names := make([]string, 0, len(layers))
	for _, layer := range layers {
		names = append(names, string(layer.Name()))
	}
	logger.Info().Strs("layers", names).Msg("Cache manager initialized")
	return s
}

// Stop halts the warming scheduler and waits for a running warmer to finish.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

// selected returns the layers to operate on, in registration order. No names
// selects every layer; unknown names are ignored.
func (s *Service) selected(names []models.CacheLayer) []interfaces.CacheLayer {
	if len(names) == 0 {
		return s.layers
	}
	want := make(map[models.CacheLayer]bool, len(names))
	for _, name := range names {
		want[name] = true
	}
	out := make([]interfaces.CacheLayer, 0, len(s.layers))
	for _, layer := range s.layers {
		if want[layer.Name()] {
			out = append(out, layer)
		}
	}
	return out
}

// Get walks the layers top-down. A hit at layer L is promoted to every
// selected layer above L with the remaining TTL, so a promoted copy can
// never outlive its source. Layer errors degrade to misses; the fabric
// never fails a read outright.
func (s *Service) Get(ctx context.Context, key string, layers ...models.CacheLayer) ([]byte, error) {
	selected := s.selected(layers)
	for i, layer := range selected {
		value, remaining, err := layer.Get(ctx, key)
		if err != nil {
			if !errors.Is(err, interfaces.ErrCacheMiss) {
				s.logger.Warn().Err(err).Str("layer", string(layer.Name())).Str("key", key).Msg("Cache layer read failed")
			}
			continue
		}
		s.promote(ctx, key, value, remaining, selected[:i])
		return value, nil
	}
	return nil, interfaces.ErrCacheMiss
}

// promote copies a hit upward. Promotion failures are logged and skipped;
// the read already succeeded.
func (s *Service) promote(ctx context.Context, key string, value []byte, remaining time.Duration, above []interfaces.CacheLayer) {
	for _, layer := range above {
		if err := layer.Set(ctx, key, value, remaining); err != nil {
			s.logger.Warn().Err(err).Str("layer", string(layer.Name())).Str("key", key).Msg("Cache promotion failed")
			continue
		}
		if s.metrics != nil {
			s.metrics.CachePromotions.Inc()
		}
	}
}

// Set writes to all selected layers concurrently.
func (s *Service) Set(ctx context.Context, key string, value []byte, ttl time.Duration, layers ...models.CacheLayer) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, layer := range s.selected(layers) {
		g.Go(func() error {
			if err := layer.Set(gctx, key, value, ttl); err != nil {
				return fmt.Errorf("layer %s: %w", layer.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Delete removes the key from every layer, then fires the registered
// invalidation callbacks. Callbacks fire even when a layer delete failed:
// staleness downstream is worse than a redundant invalidation.
func (s *Service) Delete(ctx context.Context, key string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, layer := range s.layers {
		g.Go(func() error {
			if err := layer.Delete(gctx, key); err != nil {
				return fmt.Errorf("layer %s: %w", layer.Name(), err)
			}
			return nil
		})
	}
	err := g.Wait()

	s.mu.RLock()
	callbacks := append([]func(string){}, s.onDel...)
	s.mu.RUnlock()
	for _, fn := range callbacks {
		fn(key)
	}
	return err
}

// MGet batch-reads through the fabric, querying each layer only for the
// keys still missing. Hits are not promoted: batch reads carry no remaining
// TTL, and promotion without one could outlive the source entry.
func (s *Service) MGet(ctx context.Context, keys []string, layers ...models.CacheLayer) (map[string][]byte, error) {
	found := make(map[string][]byte, len(keys))
	missing := keys
	for _, layer := range s.selected(layers) {
		if len(missing) == 0 {
			break
		}
		hits, err := layer.MGet(ctx, missing)
		if err != nil {
			s.logger.Warn().Err(err).Str("layer", string(layer.Name())).Msg("Cache layer batch read failed")
			continue
		}
		for k, v := range hits {
			found[k] = v
		}

		var next []string
		for _, k := range missing {
			if _, ok := found[k]; !ok {
				next = append(next, k)
			}
		}
		missing = next
	}
	return found, nil
}

// MSet batch-writes to all selected layers concurrently.
func (s *Service) MSet(ctx context.Context, values map[string][]byte, ttl time.Duration, layers ...models.CacheLayer) error {
	if len(values) == 0 {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, layer := range s.selected(layers) {
		g.Go(func() error {
			if err := layer.MSet(gctx, values, ttl); err != nil {
				return fmt.Errorf("layer %s: %w", layer.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// RegisterWarmer schedules a warming function. Supports cron expressions and
// "@every <duration>" intervals.
func (s *Service) RegisterWarmer(name, cronExpr string, fn models.WarmerFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.warmers[name]; exists {
		return fmt.Errorf("warmer %q already registered", name)
	}
	id, err := s.cron.AddFunc(cronExpr, func() { s.runWarmer(name, fn) })
	if err != nil {
		return fmt.Errorf("failed to schedule warmer %q: %w", name, err)
	}
	s.warmers[name] = id

	s.logger.Info().Str("warmer", name).Str("schedule", cronExpr).Msg("Cache warmer registered")
	return nil
}

func (s *Service) runWarmer(name string, fn models.WarmerFunc) {
	start := time.Now()
	values, ttl, err := fn()
	if err != nil {
		s.logger.Warn().Err(err).Str("warmer", name).Msg("Cache warmer failed")
		return
	}
	if len(values) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), warmerTimeout)
	defer cancel()
	if err := s.MSet(ctx, values, ttl); err != nil {
		s.logger.Warn().Err(err).Str("warmer", name).Msg("Cache warmer write failed")
		return
	}

	s.logger.Debug().
		Str("warmer", name).
		Int("entries", len(values)).
		Dur("duration", time.Since(start)).
		Msg("Cache warmed")
}

// OnDelete registers a callback fired after fan-out deletes. Used to bridge
// deletes into edge invalidation and cross-node sync.
func (s *Service) OnDelete(fn func(key string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDel = append(s.onDel, fn)
}

// LayerStats reports per-layer counter snapshots.
func (s *Service) LayerStats() map[models.CacheLayer]models.CacheStats {
	stats := make(map[models.CacheLayer]models.CacheStats, len(s.layers))
	for _, layer := range s.layers {
		stats[layer.Name()] = layer.Stats()
	}
	return stats
}
