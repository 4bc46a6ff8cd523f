package models

// Fingerprint summarizes content identity at three granularities: exact
// (SHA-256), similar (SimHash Hamming distance), and near-duplicate
// (MinHash Jaccard estimate via the LSH index).
type Fingerprint struct {
	SHA256      string   `json:"sha256"`
	ContentHash uint64   `json:"content_hash"` // 64-bit non-cryptographic hash of raw bytes
	SimHash     uint64   `json:"simhash"`
	MinHash     []uint64 `json:"minhash,omitempty"`
	ByteLength  int      `json:"byte_length"`
	WordCount   int      `json:"word_count"`
	UniqueWords int      `json:"unique_words"`
}

// VerdictKind classifies a duplicate-detection outcome.
type VerdictKind string

const (
	VerdictUnique             VerdictKind = "unique"
	VerdictExact              VerdictKind = "exact"
	VerdictNearDuplicate      VerdictKind = "near_duplicate"
	VerdictCanonicalDuplicate VerdictKind = "canonical_duplicate"
	VerdictSimilar            VerdictKind = "similar"
)

// VerdictAction is what the policy decided to do with the content.
type VerdictAction string

const (
	ActionAccept   VerdictAction = "accept"
	ActionReject   VerdictAction = "reject"
	ActionRedirect VerdictAction = "redirect"
	ActionMerge    VerdictAction = "merge"
)

// Verdict is the structured outcome of a dedup check. Policy outcomes are
// values, never errors.
type Verdict struct {
	Kind        VerdictKind   `json:"kind"`
	Action      VerdictAction `json:"action"`
	Duplicate   bool          `json:"duplicate"`
	OriginalURL string        `json:"original_url,omitempty"` // The stored URL this content duplicates
	Score       float64       `json:"score,omitempty"`        // Weighted similarity when applicable
}

// StoredFingerprint is the badger record keyed by URL hash that backs the
// dedup engine's exact and canonical lookups.
type StoredFingerprint struct {
	URLHash      string      `json:"url_hash" badgerhold:"key"`
	URL          string      `json:"url"`
	SHA256       string      `json:"sha256" badgerhold:"index"`
	SimHash      uint64      `json:"simhash"`
	MinHash      []uint64    `json:"minhash,omitempty"`
	CanonicalURL string      `json:"canonical_url,omitempty"`
	Sample       []byte      `json:"sample,omitempty"` // Leading bytes kept for similarity scoring
	WordCount    int         `json:"word_count"`
	StoredAt     int64       `json:"stored_at"` // Unix nanos
}
