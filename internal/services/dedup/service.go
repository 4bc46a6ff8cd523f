// Package dedup classifies crawled content against everything stored so far.
// Checks walk a verdict ladder from cheapest to most expensive probe: exact
// SHA-256 lookup, LSH-candidate scoring, canonical mapping, SimHash sweep.
// Content that survives every rung is stored as the new comparison baseline.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/metrics"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/aranea/internal/services/fingerprint"
	"github.com/ternarybob/arbor"
)

// Near-duplicate scoring weights. MinHash Jaccard dominates because it is
// the signal the LSH candidates were selected on; cosine term frequency and
// the word-count ratio refine borderline pairs.
const (
	weightJaccard    = 0.5
	weightCosine     = 0.3
	weightStructural = 0.2
)

// Service implements the DedupEngine interface.
type Service struct {
	config        *common.DedupConfig
	fingerprinter interfaces.Fingerprinter
	store         interfaces.FingerprintStorage
	idx           *memoryIndex
	flight        singleflight.Group
	metrics       *metrics.Metrics
	logger        arbor.ILogger
}

var _ interfaces.DedupEngine = (*Service)(nil)

// checkOutcome carries the verdict plus the URL it was computed for, so a
// coalesced caller can tell whether the shared result belongs to its own URL.
type checkOutcome struct {
	verdict *models.Verdict
	url     string
}

// NewService wires the engine. Call Rebuild before serving checks so the
// in-memory indexes reflect previously persisted fingerprints.
func NewService(config *common.DedupConfig, fingerprinter interfaces.Fingerprinter, store interfaces.FingerprintStorage, m *metrics.Metrics, logger arbor.ILogger) *Service {
	return &Service{
		config:        config,
		fingerprinter: fingerprinter,
		store:         store,
		idx:           newMemoryIndex(config.LSHBands, config.MinHashPermutation),
		metrics:       m,
		logger:        logger,
	}
}

// Check classifies content for a URL. Policy outcomes (reject, redirect) are
// carried in the verdict; the error return is reserved for storage failures
// and unusable input. Concurrent checks of identical content coalesce on the
// content hash so only one walks the ladder. The computed fingerprint is
// returned alongside the verdict so callers can persist it without hashing
// the content a second time.
func (s *Service) Check(ctx context.Context, content []byte, url string, canonicalHint string) (*models.Verdict, *models.Fingerprint, error) {
	normalized, err := common.NormalizeURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to normalize URL for dedup check: %w", err)
	}

	fp := s.fingerprinter.Fingerprint(content)

	v, err, shared := s.flight.Do(fp.SHA256, func() (interface{}, error) {
		verdict, err := s.check(ctx, fp, content, normalized, canonicalHint)
		if err != nil {
			return nil, err
		}
		return &checkOutcome{verdict: verdict, url: normalized}, nil
	})
	if err != nil {
		return nil, nil, err
	}

	outcome := v.(*checkOutcome)
	verdict := outcome.verdict
	if shared && outcome.url != normalized {
		// The flight stored the content under another URL; re-running the
		// ladder now resolves this caller against that fresh baseline.
		verdict, err = s.check(ctx, fp, content, normalized, canonicalHint)
		if err != nil {
			return nil, nil, err
		}
	}

	if s.metrics != nil {
		s.metrics.DedupVerdicts.WithLabelValues(string(verdict.Kind)).Inc()
	}
	s.logger.Debug().
		Str("url", normalized).
		Str("kind", string(verdict.Kind)).
		Str("action", string(verdict.Action)).
		Float64("score", verdict.Score).
		Msg("Dedup verdict")
	return verdict, fp, nil
}

// check walks the ladder for one URL. fp and normalized are precomputed by
// Check so coalesced re-runs skip the hashing work.
func (s *Service) check(ctx context.Context, fp *models.Fingerprint, content []byte, normalized, canonicalHint string) (*models.Verdict, error) {
	urlHash := common.URLHash(normalized)

	// Rung 1: byte-identical normalized content already stored.
	stored, err := s.store.GetBySHA256(ctx, fp.SHA256)
	if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up exact fingerprint: %w", err)
	}
	if stored != nil && stored.URLHash != urlHash {
		return &models.Verdict{
			Kind:        models.VerdictExact,
			Action:      s.exactAction(),
			Duplicate:   true,
			OriginalURL: stored.URL,
			Score:       1.0,
		}, nil
	}
	refreshing := stored != nil // same URL re-crawled with identical content

	normText := fingerprint.NormalizeText(content)
	tokens := fingerprint.Tokens(normText)

	// Rung 2: LSH candidates scored by weighted similarity.
	if best, score, err := s.bestNearDuplicate(ctx, fp, tokens, urlHash); err != nil {
		return nil, err
	} else if best != nil && score >= s.config.NearDupThreshold {
		return &models.Verdict{
			Kind:        models.VerdictNearDuplicate,
			Action:      s.nearDupAction(),
			Duplicate:   true,
			OriginalURL: best.URL,
			Score:       score,
		}, nil
	}

	// Rung 3: the page names a canonical URL we have already stored.
	canonical := s.normalizeCanonical(canonicalHint, normalized)
	if canonical != "" {
		target, err := s.store.GetByURL(ctx, canonical)
		if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up canonical fingerprint: %w", err)
		}
		if target != nil {
			return &models.Verdict{
				Kind:        models.VerdictCanonicalDuplicate,
				Action:      s.canonicalAction(),
				Duplicate:   true,
				OriginalURL: target.URL,
			}, nil
		}
	}

	// Rung 4: SimHash neighborhood. Similar content is flagged but kept, and
	// is not stored as a baseline; the stored representative stays canonical
	// for its neighborhood.
	if match, score := s.bestSimilar(fp.SimHash, urlHash); match != "" && score >= s.config.SimilarThreshold {
		near, err := s.store.GetFingerprint(ctx, match)
		if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
			return nil, fmt.Errorf("failed to load similar fingerprint: %w", err)
		}
		if near != nil {
			return &models.Verdict{
				Kind:        models.VerdictSimilar,
				Action:      models.ActionAccept,
				Duplicate:   false,
				OriginalURL: near.URL,
				Score:       score,
			}, nil
		}
	}

	// Rung 5: unique. Persist and index as a future comparison baseline.
	record := &models.StoredFingerprint{
		URLHash:      urlHash,
		URL:          normalized,
		SHA256:       fp.SHA256,
		SimHash:      fp.SimHash,
		MinHash:      fp.MinHash,
		CanonicalURL: canonical,
		Sample:       sampleOf(normText, s.config.SampleSize),
		WordCount:    fp.WordCount,
		StoredAt:     time.Now().UnixNano(),
	}
	if err := s.store.SaveFingerprint(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to store fingerprint: %w", err)
	}
	if !refreshing {
		s.idx.add(urlHash, fp.MinHash, fp.SimHash)
	}

	return &models.Verdict{
		Kind:   models.VerdictUnique,
		Action: models.ActionAccept,
	}, nil
}

// bestNearDuplicate loads each LSH candidate and returns the highest-scoring
// one. Candidates whose records were purged since indexing are skipped.
func (s *Service) bestNearDuplicate(ctx context.Context, fp *models.Fingerprint, tokens []string, selfHash string) (*models.StoredFingerprint, float64, error) {
	var (
		best      *models.StoredFingerprint
		bestScore float64
	)
	for _, hash := range s.idx.lshCandidates(fp.MinHash, selfHash) {
		candidate, err := s.store.GetFingerprint(ctx, hash)
		if err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				continue
			}
			return nil, 0, fmt.Errorf("failed to load near-duplicate candidate: %w", err)
		}
		score := s.similarity(fp, tokens, candidate)
		if score > bestScore {
			best, bestScore = candidate, score
		}
	}
	return best, bestScore, nil
}

// similarity combines three signals into one score in [0, 1].
func (s *Service) similarity(fp *models.Fingerprint, tokens []string, candidate *models.StoredFingerprint) float64 {
	jaccard := fingerprint.EstimateJaccard(fp.MinHash, candidate.MinHash)
	cosine := fingerprint.CosineTF(tokens, fingerprint.Tokens(string(candidate.Sample)))

	structural := 0.0
	if fp.WordCount > 0 && candidate.WordCount > 0 {
		structural = float64(min(fp.WordCount, candidate.WordCount)) / float64(max(fp.WordCount, candidate.WordCount))
	}

	return weightJaccard*jaccard + weightCosine*cosine + weightStructural*structural
}

// bestSimilar sweeps the SimHash chunk index and returns the closest stored
// neighbor as (urlHash, 1 - hamming/64).
func (s *Service) bestSimilar(simhash uint64, selfHash string) (string, float64) {
	var (
		match     string
		bestScore float64
	)
	for _, entry := range s.idx.simCandidates(simhash, selfHash) {
		score := 1.0 - float64(fingerprint.HammingDistance(simhash, entry.simhash))/64.0
		if score > bestScore {
			match, bestScore = entry.urlHash, score
		}
	}
	return match, bestScore
}

// normalizeCanonical returns the normalized canonical hint, or "" when the
// hint is empty, unparseable, or just the page pointing at itself.
func (s *Service) normalizeCanonical(hint, self string) string {
	if hint == "" {
		return ""
	}
	canonical, err := common.NormalizeURL(hint)
	if err != nil {
		s.logger.Debug().Str("canonical", hint).Err(err).Msg("Ignoring unparseable canonical hint")
		return ""
	}
	if canonical == self {
		return ""
	}
	return canonical
}

func (s *Service) exactAction() models.VerdictAction {
	if s.config.RejectExact {
		return models.ActionReject
	}
	return models.ActionAccept
}

func (s *Service) nearDupAction() models.VerdictAction {
	if s.config.RejectNearDup {
		return models.ActionReject
	}
	return models.ActionAccept
}

func (s *Service) canonicalAction() models.VerdictAction {
	if s.config.PreferCanonical {
		return models.ActionRedirect
	}
	return models.ActionReject
}

// sampleOf truncates normalized text to the configured sample size. The
// sample feeds cosine scoring against future candidates.
func sampleOf(normText string, size int) []byte {
	if size <= 0 || len(normText) <= size {
		return []byte(normText)
	}
	return []byte(normText[:size])
}

// Rebuild repopulates the in-memory indexes from persisted fingerprints.
// Called at startup and after purges; returns the number indexed.
func (s *Service) Rebuild(ctx context.Context) (int, error) {
	s.idx.reset()
	count := 0
	err := s.store.ForEachFingerprint(ctx, func(fp *models.StoredFingerprint) error {
		s.idx.add(fp.URLHash, fp.MinHash, fp.SimHash)
		count++
		return nil
	})
	if err != nil {
		return count, fmt.Errorf("failed to rebuild dedup index: %w", err)
	}

	s.logger.Info().Int("fingerprints", count).Msg("Dedup index rebuilt")
	return count, nil
}

// Purge drops fingerprints stored before the cutoff and rebuilds the indexes
// so purged entries stop surfacing as candidates.
func (s *Service) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	removed, err := s.store.DeleteOlderThan(ctx, olderThan.UnixNano())
	if err != nil {
		return removed, fmt.Errorf("failed to purge fingerprints: %w", err)
	}
	if removed == 0 {
		return 0, nil
	}

	if _, err := s.Rebuild(ctx); err != nil {
		return removed, err
	}

	s.logger.Info().
		Int("removed", removed).
		Str("older_than", olderThan.UTC().Format(time.RFC3339)).
		Msg("Purged stored fingerprints")
	return removed, nil
}
