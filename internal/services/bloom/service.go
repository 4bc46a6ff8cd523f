// Package bloom implements the probabilistic URL seen-set backing frontier
// enqueue checks. Sizing follows the standard formulas: m = -n*ln(e)/(ln 2)^2
// bits and k = (m/n)*ln 2 hash functions, with the k probes derived from the
// SHA-256 of the URL by double hashing.
package bloom

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/metrics"
	"github.com/ternarybob/arbor"
)

const snapshotName = "bloom:urls"

// snapshotMagic guards against loading a blob that is not a filter snapshot.
var snapshotMagic = [4]byte{'a', 'r', 'b', 'f'}

// Service implements the BloomFilter interface.
type Service struct {
	mu       sync.RWMutex
	bits     []uint64
	m        uint64 // bit count
	k        uint64 // probe count
	capacity uint64
	epsilon  float64
	count    uint64 // adds that set at least one new bit
	warned   bool

	snapshots interfaces.SnapshotStorage
	metrics   *metrics.Metrics
	logger    arbor.ILogger
}

var _ interfaces.BloomFilter = (*Service)(nil)

// NewService sizes the filter for the configured capacity and false-positive
// rate.
func NewService(config *common.BloomConfig, snapshots interfaces.SnapshotStorage, m *metrics.Metrics, logger arbor.ILogger) *Service {
	capacity := uint64(config.Capacity)
	if config.Capacity <= 0 {
		capacity = 1_000_000
	}
	epsilon := config.Epsilon
	if epsilon <= 0 || epsilon >= 1 {
		epsilon = 0.001
	}

	bits := uint64(math.Ceil(-float64(capacity) * math.Log(epsilon) / (math.Ln2 * math.Ln2)))
	if bits == 0 {
		bits = 64
	}
	probes := uint64(math.Round(float64(bits) / float64(capacity) * math.Ln2))
	if probes == 0 {
		probes = 1
	}

	logger.Debug().
		Uint64("capacity", capacity).
		Float64("epsilon", epsilon).
		Uint64("bits", bits).
		Uint64("hashes", probes).
		Msg("Bloom filter sized")

	return &Service{
		bits:      make([]uint64, (bits+63)/64),
		m:         bits,
		k:         probes,
		capacity:  capacity,
		epsilon:   epsilon,
		snapshots: snapshots,
		metrics:   m,
		logger:    logger,
	}
}

// probeBase derives the double-hashing pair from the URL's SHA-256.
func probeBase(url string) (uint64, uint64) {
	sum := sha256.Sum256([]byte(url))
	h1 := binary.LittleEndian.Uint64(sum[0:8])
	h2 := binary.LittleEndian.Uint64(sum[8:16])
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}

// Seen checks membership. May report true for an unseen URL with probability
// at most epsilon; never false for an added URL.
func (s *Service) Seen(url string) bool {
	h1, h2 := probeBase(url)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := uint64(0); i < s.k; i++ {
		pos := (h1 + i*h2) % s.m
		if s.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Add inserts the URL and reports whether any bit was newly set.
func (s *Service) Add(url string) bool {
	h1, h2 := probeBase(url)

	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := false
	for i := uint64(0); i < s.k; i++ {
		pos := (h1 + i*h2) % s.m
		word, mask := pos/64, uint64(1)<<(pos%64)
		if s.bits[word]&mask == 0 {
			s.bits[word] |= mask
			inserted = true
		}
	}

	if inserted {
		s.count++
		if s.metrics != nil {
			s.metrics.BloomFillRatio.Set(float64(s.count) / float64(s.capacity))
		}
		if !s.warned && s.count > s.capacity*9/10 {
			s.warned = true
			s.logger.Warn().
				Uint64("count", s.count).
				Uint64("capacity", s.capacity).
				Msg("Bloom filter fill ratio above 0.9, false-positive rate degrading")
		}
	}
	return inserted
}

// Count returns the number of distinct-looking adds.
func (s *Service) Count() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// FillRatio returns count over capacity.
func (s *Service) FillRatio() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return float64(s.count) / float64(s.capacity)
}

// Persist copies the filter state under the read lock and writes the
// snapshot outside it. The store replaces the previous snapshot atomically,
// so a loader sees either the old or new state, never a torn one.
func (s *Service) Persist(ctx context.Context) error {
	s.mu.RLock()
	header := struct {
		Capacity uint64
		Epsilon  float64
		Count    uint64
		M        uint64
		K        uint64
	}{s.capacity, s.epsilon, s.count, s.m, s.k}
	words := make([]uint64, len(s.bits))
	copy(words, s.bits)
	s.mu.RUnlock()

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(words)*8))
	buf.Write(snapshotMagic[:])
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("failed to encode bloom header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, words); err != nil {
		return fmt.Errorf("failed to encode bloom bitset: %w", err)
	}

	if err := s.snapshots.SaveSnapshot(ctx, snapshotName, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to persist bloom snapshot: %w", err)
	}

	s.logger.Debug().Uint64("count", header.Count).Int("bytes", buf.Len()).Msg("Bloom snapshot persisted")
	return nil
}

// Load replaces the in-memory state from the latest snapshot. A snapshot
// sized for different parameters is ignored so config changes start clean.
func (s *Service) Load(ctx context.Context) error {
	data, err := s.snapshots.LoadSnapshot(ctx, snapshotName)
	if err != nil {
		if err == interfaces.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to load bloom snapshot: %w", err)
	}

	if len(data) < 4 || !bytes.Equal(data[:4], snapshotMagic[:]) {
		return fmt.Errorf("bloom snapshot has unknown format")
	}

	r := bytes.NewReader(data[4:])
	var header struct {
		Capacity uint64
		Epsilon  float64
		Count    uint64
		M        uint64
		K        uint64
	}
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("failed to decode bloom header: %w", err)
	}

	if header.Capacity != s.capacity || header.Epsilon != s.epsilon || header.M != s.m {
		s.logger.Warn().
			Uint64("snapshot_capacity", header.Capacity).
			Uint64("configured_capacity", s.capacity).
			Msg("Bloom snapshot parameters differ from config, starting empty")
		return nil
	}

	words := make([]uint64, (header.M+63)/64)
	if err := binary.Read(r, binary.LittleEndian, &words); err != nil {
		return fmt.Errorf("failed to decode bloom bitset: %w", err)
	}

	s.mu.Lock()
	s.bits = words
	s.count = header.Count
	s.warned = s.count > s.capacity*9/10
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.BloomFillRatio.Set(float64(header.Count) / float64(header.Capacity))
	}
	s.logger.Info().Uint64("count", header.Count).Msg("Bloom snapshot loaded")
	return nil
}

// AutoPersist writes snapshots on the configured interval until the context
// is cancelled, then takes a final snapshot for clean shutdown.
func (s *Service) AutoPersist(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.Persist(persistCtx); err != nil {
				s.logger.Warn().Err(err).Msg("Final bloom persist failed")
			}
			cancel()
			return
		case <-ticker.C:
			if err := s.Persist(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("Periodic bloom persist failed")
			}
		}
	}
}
