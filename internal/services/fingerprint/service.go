// Package fingerprint derives content identity signatures: an exact SHA-256
// over normalized text, a SimHash-64 for Hamming-distance similarity, and a
// MinHash signature over word shingles for Jaccard estimation. All three are
// deterministic for identical content.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"math/bits"
	"math/rand"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/ternarybob/aranea/internal/interfaces"
	"github.com/ternarybob/aranea/internal/models"
	"github.com/ternarybob/arbor"
)

// permSeed fixes the MinHash permutations across processes and restarts.
// Changing it invalidates every stored signature.
const permSeed = 0x61726e65

// mersennePrime is 2^61-1, the modulus for the permutation hash family.
const mersennePrime = (uint64(1) << 61) - 1

var (
	urlPattern  = regexp.MustCompile(`https?://\S+`)
	datePattern = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4})\b`)
	numPattern  = regexp.MustCompile(`\d+`)
	spacing     = regexp.MustCompile(`\s+`)
)

// Service implements the Fingerprinter interface.
type Service struct {
	shingleSize int
	permsA      []uint64
	permsB      []uint64
	logger      arbor.ILogger
}

var _ interfaces.Fingerprinter = (*Service)(nil)

// NewService builds the permutation family for the configured signature
// length.
func NewService(permutations, shingleSize int, logger arbor.ILogger) *Service {
	if permutations <= 0 {
		permutations = 128
	}
	if shingleSize <= 0 {
		shingleSize = 3
	}

	rng := rand.New(rand.NewSource(permSeed))
	permsA := make([]uint64, permutations)
	permsB := make([]uint64, permutations)
	for i := 0; i < permutations; i++ {
		permsA[i] = uint64(rng.Int63n(int64(mersennePrime-1))) + 1 // a != 0
		permsB[i] = uint64(rng.Int63n(int64(mersennePrime)))
	}

	return &Service{
		shingleSize: shingleSize,
		permsA:      permsA,
		permsB:      permsB,
		logger:      logger,
	}
}

// NormalizeText canonicalizes content for hashing: lowercase, URLs to "URL",
// dates to "DATE", remaining digit runs to "NUM", whitespace collapsed.
// Dates are replaced before bare digits so their digits don't get rewritten
// first.
func NormalizeText(content []byte) string {
	text := strings.ToLower(string(content))
	text = urlPattern.ReplaceAllString(text, "URL")
	text = datePattern.ReplaceAllString(text, "DATE")
	text = numPattern.ReplaceAllString(text, "NUM")
	text = spacing.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Tokens splits normalized text into words.
func Tokens(normalized string) []string {
	if normalized == "" {
		return nil
	}
	return strings.Fields(normalized)
}

// Shingles produces overlapping k-word shingles. Texts shorter than k words
// yield a single shingle of the whole text.
func Shingles(tokens []string, k int) []string {
	if len(tokens) == 0 {
		return nil
	}
	if len(tokens) < k {
		return []string{strings.Join(tokens, " ")}
	}
	shingles := make([]string, 0, len(tokens)-k+1)
	for i := 0; i+k <= len(tokens); i++ {
		shingles = append(shingles, strings.Join(tokens[i:i+k], " "))
	}
	return shingles
}

// Fingerprint computes all signatures for the content.
func (s *Service) Fingerprint(content []byte) *models.Fingerprint {
	normalized := NormalizeText(content)
	tokens := Tokens(normalized)

	sum := sha256.Sum256([]byte(normalized))

	unique := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		unique[tok]++
	}

	return &models.Fingerprint{
		SHA256:      hex.EncodeToString(sum[:]),
		ContentHash: xxhash.Sum64(content),
		SimHash:     simHash(unique),
		MinHash:     s.minHash(Shingles(tokens, s.shingleSize)),
		ByteLength:  len(content),
		WordCount:   len(tokens),
		UniqueWords: len(unique),
	}
}

// simHash votes each of the 64 signature bits with token frequency weights.
func simHash(freq map[string]int) uint64 {
	var votes [64]int
	for tok, weight := range freq {
		h := xxhash.Sum64String(tok)
		for bit := 0; bit < 64; bit++ {
			if h&(1<<uint(bit)) != 0 {
				votes[bit] += weight
			} else {
				votes[bit] -= weight
			}
		}
	}

	var sig uint64
	for bit := 0; bit < 64; bit++ {
		if votes[bit] > 0 {
			sig |= 1 << uint(bit)
		}
	}
	return sig
}

// minHash takes, per permutation, the minimum permuted hash over all
// shingles.
func (s *Service) minHash(shingles []string) []uint64 {
	sig := make([]uint64, len(s.permsA))
	for i := range sig {
		sig[i] = mersennePrime
	}
	if len(shingles) == 0 {
		return sig
	}

	for _, shingle := range shingles {
		h := xxhash.Sum64String(shingle) % mersennePrime
		for i := range sig {
			permuted := (s.permsA[i]*h + s.permsB[i]) % mersennePrime
			if permuted < sig[i] {
				sig[i] = permuted
			}
		}
	}
	return sig
}

// HammingDistance counts differing bits between two SimHash signatures.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// EstimateJaccard returns the fraction of matching MinHash slots, an
// unbiased estimate of shingle-set Jaccard similarity.
func EstimateJaccard(a, b []uint64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	matches := 0
	for i := range a {
		if a[i] == b[i] {
			matches++
		}
	}
	return float64(matches) / float64(len(a))
}

// ExactJaccard computes true Jaccard similarity between two shingle sets.
// The dedup engine uses it for candidate scoring where stored samples allow.
func ExactJaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, s := range a {
		setA[s] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, s := range b {
		setB[s] = struct{}{}
	}

	intersection := 0
	for s := range setA {
		if _, ok := setB[s]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// CosineTF computes cosine similarity over term-frequency vectors.
func CosineTF(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	freqA := make(map[string]float64, len(a))
	for _, tok := range a {
		freqA[tok]++
	}
	freqB := make(map[string]float64, len(b))
	for _, tok := range b {
		freqB[tok]++
	}

	var dot, normA, normB float64
	for tok, fa := range freqA {
		normA += fa * fa
		if fb, ok := freqB[tok]; ok {
			dot += fa * fb
		}
	}
	for _, fb := range freqB {
		normB += fb * fb
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
