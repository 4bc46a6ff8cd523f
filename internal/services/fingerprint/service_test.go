package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func newTestService() *Service {
	return NewService(128, 3, arbor.NewLogger())
}

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "lowercases and collapses whitespace",
			input:    "Hello   WORLD\n\tfoo",
			expected: "hello world foo",
		},
		{
			name:     "urls become placeholder",
			input:    "see https://example.com/page?x=1 for details",
			expected: "see URL for details",
		},
		{
			name:     "iso dates before digits",
			input:    "published 2024-03-15 edition 42",
			expected: "published DATE edition NUM",
		},
		{
			name:     "slash dates",
			input:    "on 3/15/2024 we shipped",
			expected: "on DATE we shipped",
		},
		{
			name:     "bare digits",
			input:    "version 2 build 1234",
			expected: "version NUM build NUM",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeText([]byte(tt.input)))
		})
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	svc := newTestService()
	content := []byte("The quick brown fox jumps over the lazy dog on 2024-01-01.")

	first := svc.Fingerprint(content)
	second := svc.Fingerprint(content)

	assert.Equal(t, first.SHA256, second.SHA256)
	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.Equal(t, first.SimHash, second.SimHash)
	assert.Equal(t, first.MinHash, second.MinHash)

	// A fresh service instance produces the same permutations.
	other := newTestService()
	third := other.Fingerprint(content)
	assert.Equal(t, first.MinHash, third.MinHash)
}

func TestEquivalentAfterNormalization(t *testing.T) {
	svc := newTestService()

	a := svc.Fingerprint([]byte("Price is 100 dollars, see https://a.test/x"))
	b := svc.Fingerprint([]byte("price   is 250 DOLLARS, see https://b.test/y"))

	// Same normalized text, same exact hash, different raw bytes.
	assert.Equal(t, a.SHA256, b.SHA256)
	assert.NotEqual(t, a.ContentHash, b.ContentHash)
}

func TestSimHashLocality(t *testing.T) {
	svc := newTestService()

	base := "the weather today is sunny with a light breeze and mild temperatures across the region"
	similar := "the weather today is sunny with a light breeze and warm temperatures across the region"
	different := "quarterly earnings exceeded expectations driven by subscription revenue growth in emerging markets"

	fpBase := svc.Fingerprint([]byte(base))
	fpSimilar := svc.Fingerprint([]byte(similar))
	fpDifferent := svc.Fingerprint([]byte(different))

	near := HammingDistance(fpBase.SimHash, fpSimilar.SimHash)
	far := HammingDistance(fpBase.SimHash, fpDifferent.SimHash)
	assert.Less(t, near, far, "one-word change should be closer than unrelated text (near=%d far=%d)", near, far)
}

func TestMinHashEstimatesJaccard(t *testing.T) {
	svc := NewService(256, 3, arbor.NewLogger())

	a := "alpha beta gamma delta epsilon zeta eta theta iota kappa lambda mu"
	b := "alpha beta gamma delta epsilon zeta eta theta iota kappa nu xi"

	tokensA := Tokens(NormalizeText([]byte(a)))
	tokensB := Tokens(NormalizeText([]byte(b)))
	exact := ExactJaccard(Shingles(tokensA, 3), Shingles(tokensB, 3))

	fpA := svc.Fingerprint([]byte(a))
	fpB := svc.Fingerprint([]byte(b))
	estimate := EstimateJaccard(fpA.MinHash, fpB.MinHash)

	assert.InDelta(t, exact, estimate, 0.15, "estimate %f too far from exact %f", estimate, exact)
}

func TestShinglesShortText(t *testing.T) {
	require.Nil(t, Shingles(nil, 3))

	single := Shingles([]string{"only", "two"}, 3)
	require.Len(t, single, 1)
	assert.Equal(t, "only two", single[0])

	full := Shingles([]string{"a", "b", "c", "d"}, 3)
	assert.Equal(t, []string{"a b c", "b c d"}, full)
}

func TestWordCounts(t *testing.T) {
	svc := newTestService()
	fp := svc.Fingerprint([]byte("one two two three three three"))

	assert.Equal(t, 6, fp.WordCount)
	assert.Equal(t, 3, fp.UniqueWords)
	assert.Equal(t, len([]byte("one two two three three three")), fp.ByteLength)
}

func TestSimilarityHelpers(t *testing.T) {
	assert.Equal(t, 0, HammingDistance(0xff, 0xff))
	assert.Equal(t, 8, HammingDistance(0xff, 0x00))

	assert.Equal(t, 1.0, ExactJaccard([]string{"x"}, []string{"x"}))
	assert.Equal(t, 0.0, ExactJaccard([]string{"x"}, []string{"y"}))

	assert.InDelta(t, 1.0, CosineTF([]string{"a", "b"}, []string{"a", "b"}), 1e-9)
	assert.Equal(t, 0.0, CosineTF([]string{"a"}, []string{"b"}))
}

func TestEmptyContent(t *testing.T) {
	svc := newTestService()
	fp := svc.Fingerprint(nil)

	assert.Equal(t, 0, fp.WordCount)
	assert.Equal(t, uint64(0), fp.SimHash)
	assert.Len(t, fp.MinHash, 128)
}
