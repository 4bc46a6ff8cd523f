package dedup

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/aranea/internal/common"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/aranea/internal/services/fingerprint"
	"github.com/ternarybob/arbor"
)

// stubStore is a map-backed FingerprintStorage.
type stubStore struct {
	mu    sync.Mutex
	fps   map[string]*models.StoredFingerprint
	saves int
}

func newStubStore() *stubStore {
	return &stubStore{fps: make(map[string]*models.StoredFingerprint)}
}

func (st *stubStore) SaveFingerprint(ctx context.Context, fp *models.StoredFingerprint) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	cp := *fp
	st.fps[fp.URLHash] = &cp
	st.saves++
	return nil
}

func (st *stubStore) GetFingerprint(ctx context.Context, urlHash string) (*models.StoredFingerprint, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	fp, ok := st.fps[urlHash]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	cp := *fp
	return &cp, nil
}

func (st *stubStore) GetBySHA256(ctx context.Context, sha string) (*models.StoredFingerprint, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var earliest *models.StoredFingerprint
	for _, fp := range st.fps {
		if fp.SHA256 != sha {
			continue
		}
		if earliest == nil || fp.StoredAt < earliest.StoredAt {
			earliest = fp
		}
	}
	if earliest == nil {
		return nil, interfaces.ErrNotFound
	}
	cp := *earliest
	return &cp, nil
}

func (st *stubStore) GetByURL(ctx context.Context, url string) (*models.StoredFingerprint, error) {
	return st.GetFingerprint(ctx, common.URLHash(url))
}

func (st *stubStore) DeleteOlderThan(ctx context.Context, cutoff int64) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	deleted := 0
	for hash, fp := range st.fps {
		if fp.StoredAt < cutoff {
			delete(st.fps, hash)
			deleted++
		}
	}
	return deleted, nil
}

func (st *stubStore) CountFingerprints(ctx context.Context) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.fps), nil
}

func (st *stubStore) ForEachFingerprint(ctx context.Context, fn func(*models.StoredFingerprint) error) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, fp := range st.fps {
		cp := *fp
		if err := fn(&cp); err != nil {
			return err
		}
	}
	return nil
}

func (st *stubStore) setStoredAt(urlHash string, at time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if fp, ok := st.fps[urlHash]; ok {
		fp.StoredAt = at.UnixNano()
	}
}

func newTestService(t *testing.T, mutate func(*common.DedupConfig)) (*Service, *stubStore) {
	t.Helper()
	cfg := common.NewDefaultConfig().Dedup
	if mutate != nil {
		mutate(&cfg)
	}
	store := newStubStore()
	fpr := fingerprint.NewService(cfg.MinHashPermutation, cfg.ShingleSize, arbor.NewLogger())
	return NewService(&cfg, fpr, store, nil, arbor.NewLogger()), store
}

var (
	wordRoots = []string{"amber", "basalt", "cedar", "delta", "ember", "fjord", "garnet", "harbor", "indigo", "juniper", "kelp", "lagoon"}
	wordTails = []string{"anchor", "bridge", "candle", "drum", "easel", "flute", "grove", "hollow", "island", "jetty", "kiln", "lantern"}
)

// corpus builds n distinct alphabetic words; digits would be rewritten by
// text normalization and collapse the vocabulary.
func corpus(n int) []string {
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, wordRoots[i%len(wordRoots)]+wordTails[(i/len(wordRoots))%len(wordTails)])
	}
	return out
}

func TestCheckUniqueStoresFingerprint(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()

	content := []byte(strings.Join(corpus(50), " "))
	verdict, _, _, err := svc.Check(ctx, content, "https://site.test/a", "")
	require.NoError(t, err)

	assert.Equal(t, models.VerdictUnique, verdict.Kind)
	assert.Equal(t, models.ActionAccept, verdict.Action)
	assert.False(t, verdict.Duplicate)

	stored, err := store.GetByURL(ctx, "https://site.test/a")
	require.NoError(t, err)
	assert.NotEmpty(t, stored.SHA256)
	assert.NotEmpty(t, stored.Sample)
	assert.Equal(t, 50, stored.WordCount)
	assert.NotZero(t, stored.SimHash)
	assert.Len(t, stored.MinHash, 128)
}

func TestCheckExactDuplicate(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	content := []byte(strings.Join(corpus(50), " "))

	_, _, err := svc.Check(ctx, content, "https://site.test/a", "")
	require.NoError(t, err)

	verdict, _, _, err := svc.Check(ctx, content, "https://site.test/b", "")
	require.NoError(t, err)

	assert.Equal(t, models.VerdictExact, verdict.Kind)
	assert.Equal(t, models.ActionReject, verdict.Action)
	assert.True(t, verdict.Duplicate)
	assert.Equal(t, "https://site.test/a", verdict.OriginalURL)
	assert.Equal(t, 1.0, verdict.Score)

	count, err := store.CountFingerprints(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "exact duplicates are not stored")
}

func TestCheckExactAcceptedWhenPolicyAllows(t *testing.T) {
	svc, _ := newTestService(t, func(cfg *common.DedupConfig) {
		cfg.RejectExact = false
	})
	ctx := context.Background()
	content := []byte(strings.Join(corpus(40), " "))

	_, _, err := svc.Check(ctx, content, "https://site.test/a", "")
	require.NoError(t, err)

	verdict, _, _, err := svc.Check(ctx, content, "https://site.test/b", "")
	require.NoError(t, err)
	assert.Equal(t, models.VerdictExact, verdict.Kind)
	assert.Equal(t, models.ActionAccept, verdict.Action)
	assert.True(t, verdict.Duplicate)
}

func TestCheckSameURLRecrawlStaysUnique(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	content := []byte(strings.Join(corpus(50), " "))

	first, _, err := svc.Check(ctx, content, "https://site.test/page", "")
	require.NoError(t, err)
	second, _, err := svc.Check(ctx, content, "https://site.test/page", "")
	require.NoError(t, err)

	assert.Equal(t, models.VerdictUnique, first.Kind)
	assert.Equal(t, models.VerdictUnique, second.Kind, "a page is not a duplicate of itself")

	count, err := store.CountFingerprints(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCheckNearDuplicate(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	words := corpus(120)
	orig := strings.Join(words, " ")
	changed := make([]string, len(words))
	copy(changed, words)
	changed[60] = "zephyrmoss"
	nearCopy := strings.Join(changed, " ")

	_, _, err := svc.Check(ctx, []byte(orig), "https://site.test/orig", "")
	require.NoError(t, err)

	verdict, _, _, err := svc.Check(ctx, []byte(nearCopy), "https://site.test/copy", "")
	require.NoError(t, err)

	assert.Equal(t, models.VerdictNearDuplicate, verdict.Kind)
	assert.Equal(t, models.ActionReject, verdict.Action)
	assert.True(t, verdict.Duplicate)
	assert.Equal(t, "https://site.test/orig", verdict.OriginalURL)
	assert.GreaterOrEqual(t, verdict.Score, 0.85)
}

func TestCheckDistinctContentUnique(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()

	all := corpus(120)
	_, _, err := svc.Check(ctx, []byte(strings.Join(all[:60], " ")), "https://site.test/a", "")
	require.NoError(t, err)

	verdict, _, _, err := svc.Check(ctx, []byte(strings.Join(all[60:], " ")), "https://site.test/b", "")
	require.NoError(t, err)
	assert.Equal(t, models.VerdictUnique, verdict.Kind)

	count, err := store.CountFingerprints(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestCheckCanonicalDuplicateRedirects(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	all := corpus(120)
	_, _, err := svc.Check(ctx, []byte(strings.Join(all[:60], " ")), "https://site.test/story", "")
	require.NoError(t, err)

	// Tracking-URL variant with different content naming the stored page as
	// canonical.
	verdict, _, _, err := svc.Check(ctx, []byte(strings.Join(all[60:], " ")),
		"https://site.test/story?utm_source=mail", "https://site.test/story")
	require.NoError(t, err)

	assert.Equal(t, models.VerdictCanonicalDuplicate, verdict.Kind)
	assert.Equal(t, models.ActionRedirect, verdict.Action)
	assert.True(t, verdict.Duplicate)
	assert.Equal(t, "https://site.test/story", verdict.OriginalURL)
}

func TestCheckCanonicalRejectWhenNotPreferred(t *testing.T) {
	svc, _ := newTestService(t, func(cfg *common.DedupConfig) {
		cfg.PreferCanonical = false
	})
	ctx := context.Background()

	all := corpus(120)
	_, _, err := svc.Check(ctx, []byte(strings.Join(all[:60], " ")), "https://site.test/story", "")
	require.NoError(t, err)

	verdict, _, _, err := svc.Check(ctx, []byte(strings.Join(all[60:], " ")),
		"https://site.test/story?ref=feed", "https://site.test/story")
	require.NoError(t, err)
	assert.Equal(t, models.VerdictCanonicalDuplicate, verdict.Kind)
	assert.Equal(t, models.ActionReject, verdict.Action)
}

func TestCheckCanonicalSelfHintIgnored(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()

	content := []byte(strings.Join(corpus(40), " "))
	verdict, _, _, err := svc.Check(ctx, content, "https://site.test/page", "https://site.test/page#top")
	require.NoError(t, err)
	assert.Equal(t, models.VerdictUnique, verdict.Kind)

	stored, err := store.GetByURL(ctx, "https://site.test/page")
	require.NoError(t, err)
	assert.Empty(t, stored.CanonicalURL)
}

func TestCheckCanonicalMappingStoredForUnknownTarget(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()

	content := []byte(strings.Join(corpus(40), " "))
	verdict, _, _, err := svc.Check(ctx, content, "https://site.test/mirror", "https://origin.test/article")
	require.NoError(t, err)
	assert.Equal(t, models.VerdictUnique, verdict.Kind, "unstored canonical target does not make a duplicate")

	stored, err := store.GetByURL(ctx, "https://site.test/mirror")
	require.NoError(t, err)
	assert.Equal(t, "https://origin.test/article", stored.CanonicalURL)
}

func TestCheckSimilarSharedVocabulary(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()

	words := corpus(120)
	orig := strings.Join(words, " ")
	rev := make([]string, len(words))
	for i, w := range words {
		rev[len(words)-1-i] = w
	}
	// Same vocabulary in reverse order: SimHash is order-blind and matches,
	// while the word shingles share nothing.
	reversed := strings.Join(rev, " ")

	_, _, err := svc.Check(ctx, []byte(orig), "https://site.test/orig", "")
	require.NoError(t, err)

	verdict, _, _, err := svc.Check(ctx, []byte(reversed), "https://site.test/shuffled", "")
	require.NoError(t, err)

	assert.Equal(t, models.VerdictSimilar, verdict.Kind)
	assert.Equal(t, models.ActionAccept, verdict.Action)
	assert.False(t, verdict.Duplicate)
	assert.Equal(t, "https://site.test/orig", verdict.OriginalURL)
	assert.Equal(t, 1.0, verdict.Score)

	count, err := store.CountFingerprints(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "similar content is not stored as a baseline")
}

func TestCheckCoalescesConcurrentIdenticalContent(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()
	content := []byte(strings.Join(corpus(80), " "))
	urls := []string{"https://site.test/one", "https://site.test/two"}

	verdicts := make([]*models.Verdict, len(urls))
	errs := make([]error, len(urls))
	var wg sync.WaitGroup
	for i := range urls {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			verdicts[i], _, errs[i] = svc.Check(ctx, content, urls[i], "")
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// Whatever the interleaving, exactly one caller wins the store and the
	// other resolves as an exact duplicate of it.
	kinds := map[models.VerdictKind]int{}
	for _, v := range verdicts {
		kinds[v.Kind]++
	}
	assert.Equal(t, 1, kinds[models.VerdictUnique])
	assert.Equal(t, 1, kinds[models.VerdictExact])

	for i, v := range verdicts {
		if v.Kind == models.VerdictExact {
			assert.Equal(t, urls[1-i], v.OriginalURL)
		}
	}

	count, err := store.CountFingerprints(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRebuildRestoresIndexes(t *testing.T) {
	cfg := common.NewDefaultConfig().Dedup
	store := newStubStore()
	fpr := fingerprint.NewService(cfg.MinHashPermutation, cfg.ShingleSize, arbor.NewLogger())
	ctx := context.Background()

	words := corpus(120)
	orig := strings.Join(words, " ")
	rev := make([]string, len(words))
	for i, w := range words {
		rev[len(words)-1-i] = w
	}

	first := NewService(&cfg, fpr, store, nil, arbor.NewLogger())
	_, _, err := first.Check(ctx, []byte(orig), "https://site.test/orig", "")
	require.NoError(t, err)

	// A fresh engine over the same store starts with empty indexes; Rebuild
	// restores the similarity candidates from persisted fingerprints.
	second := NewService(&cfg, fpr, store, nil, arbor.NewLogger())
	n, err := second.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	verdict, _, err := second.Check(ctx, []byte(strings.Join(rev, " ")), "https://site.test/shuffled", "")
	require.NoError(t, err)
	assert.Equal(t, models.VerdictSimilar, verdict.Kind)
}

func TestPurgeDropsOldFingerprints(t *testing.T) {
	svc, store := newTestService(t, nil)
	ctx := context.Background()

	words := corpus(120)
	orig := strings.Join(words, " ")
	rev := make([]string, len(words))
	for i, w := range words {
		rev[len(words)-1-i] = w
	}

	_, _, err := svc.Check(ctx, []byte(orig), "https://site.test/orig", "")
	require.NoError(t, err)

	removed, err := svc.Purge(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, removed, "fresh fingerprints survive the cutoff")

	store.setStoredAt(common.URLHash("https://site.test/orig"), time.Now().Add(-48*time.Hour))

	removed, err = svc.Purge(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	count, err := store.CountFingerprints(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// The rebuilt index no longer offers the purged page as a candidate.
	verdict, _, _, err := svc.Check(ctx, []byte(strings.Join(rev, " ")), "https://site.test/shuffled", "")
	require.NoError(t, err)
	assert.Equal(t, models.VerdictUnique, verdict.Kind)
}

func TestCheckRejectsUnparseableURL(t *testing.T) {
	svc, _ := newTestService(t, nil)
	_, _, err := svc.Check(context.Background(), []byte("body"), "not a url", "")
	assert.Error(t, err)
}

func TestSampleTruncatedToConfiguredSize(t *testing.T) {
	svc, store := newTestService(t, func(cfg *common.DedupConfig) {
		cfg.SampleSize = 64
	})
	ctx := context.Background()

	_, _, err := svc.Check(ctx, []byte(strings.Join(corpus(120), " ")), "https://site.test/long", "")
	require.NoError(t, err)

	stored, err := store.GetByURL(ctx, "https://site.test/long")
	require.NoError(t, err)
	assert.Len(t, stored.Sample, 64)
}
