package appcache

import (
	"time"

	"github.com/ternarybob/aranea/internal/models"
)

// pickVictimLocked selects the next entry to evict under the configured
// policy. Callers hold s.mu. Returns nil only when the cache is empty.
func (s *Service) pickVictimLocked(now time.Time) *entry {
	switch s.policy {
	case models.EvictLFU:
		return s.leastFrequentLocked()
	case models.EvictAdaptive:
		return s.adaptiveVictimLocked(now)
	default:
		// LRU and FIFO both evict from the back of the order list. LRU
		// moves entries to the front on access; FIFO never does, so the
		// back stays the oldest insert.
		if back := s.order.Back(); back != nil {
			return back.Value.(*entry)
		}
		return nil
	}
}

// leastFrequentLocked scans for the minimum access count, breaking ties by
// older last access.
func (s *Service) leastFrequentLocked() *entry {
	var victim *entry
	for _, e := range s.entries {
		if victim == nil ||
			e.accessCount < victim.accessCount ||
			(e.accessCount == victim.accessCount && e.lastAccessed.Before(victim.lastAccessed)) {
			victim = e
		}
	}
	return victim
}

// Adaptive eviction weights. Recency dominates, frequency and size refine.
const (
	adaptiveRecencyWeight   = 0.5
	adaptiveFrequencyWeight = 0.3
	adaptiveSizeWeight      = 0.2
)

// adaptiveVictimLocked scores every entry by a weighted combination of
// recency, inverse frequency, and size, each normalized over the current
// population, and evicts the highest scorer.
func (s *Service) adaptiveVictimLocked(now time.Time) *entry {
	var maxIdle float64
	var maxSize int64
	for _, e := range s.entries {
		if idle := now.Sub(e.lastAccessed).Seconds(); idle > maxIdle {
			maxIdle = idle
		}
		if e.size > maxSize {
			maxSize = e.size
		}
	}
	if maxIdle <= 0 {
		maxIdle = 1
	}
	if maxSize <= 0 {
		maxSize = 1
	}

	var victim *entry
	var worst float64
	for _, e := range s.entries {
		idle := now.Sub(e.lastAccessed).Seconds() / maxIdle
		inverseFreq := 1 / float64(1+e.accessCount)
		sizeShare := float64(e.size) / float64(maxSize)

		score := adaptiveRecencyWeight*idle +
			adaptiveFrequencyWeight*inverseFreq +
			adaptiveSizeWeight*sizeShare
		if victim == nil || score > worst {
			victim = e
			worst = score
		}
	}
	return victim
}
