package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// MemoryCategory is the closed set of memory kinds the agent forms.
type MemoryCategory string

const (
	CategoryObservation      MemoryCategory = "OBSERVATION"
	CategoryPattern          MemoryCategory = "PATTERN"
	CategoryStrategy         MemoryCategory = "STRATEGY"
	CategoryOutcome          MemoryCategory = "OUTCOME"
	CategorySurvivalCritical MemoryCategory = "SURVIVAL_CRITICAL"
	CategoryPoolBehavior     MemoryCategory = "POOL_BEHAVIOR"
	CategoryGasTiming        MemoryCategory = "GAS_TIMING"
	CategoryRebalanceOutcome MemoryCategory = "REBALANCE_OUTCOME"
	CategoryError            MemoryCategory = "ERROR"
)

// IsValid reports whether c is a known category.
func (c MemoryCategory) IsValid() bool {
	switch c {
	case CategoryObservation, CategoryPattern, CategoryStrategy, CategoryOutcome,
		CategorySurvivalCritical, CategoryPoolBehavior, CategoryGasTiming,
		CategoryRebalanceOutcome, CategoryError:
		return true
	}
	return false
}

// TTLPolicy controls how long a memory survives before compaction may evict it.
type TTLPolicy string

const (
	TTLPermanent TTLPolicy = "PERMANENT"
	TTLLong90D   TTLPolicy = "LONG_90D"
	TTLMedium30D TTLPolicy = "MEDIUM_30D"
	TTLShort7D   TTLPolicy = "SHORT_7D"
)

// Duration returns the policy's lifetime. Permanent memories return 0 and are
// never eligible for eviction.
func (p TTLPolicy) Duration() time.Duration {
	switch p {
	case TTLLong90D:
		return 90 * 24 * time.Hour
	case TTLMedium30D:
		return 30 * 24 * time.Hour
	case TTLShort7D:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// TTLForCategory maps a category to its retention policy.
func TTLForCategory(c MemoryCategory) TTLPolicy {
	switch c {
	case CategorySurvivalCritical:
		return TTLPermanent
	case CategoryPattern, CategoryStrategy, CategoryOutcome,
		CategoryPoolBehavior, CategoryRebalanceOutcome, CategoryGasTiming:
		return TTLLong90D
	case CategoryObservation:
		return TTLMedium30D
	case CategoryError:
		return TTLShort7D
	default:
		return TTLMedium30D
	}
}

// Metadata bounds. Oversized maps are clamped rather than rejected so a noisy
// caller cannot block memory formation.
const (
	MaxMetadataKeys     = 32
	MaxMetadataValueLen = 256
)

// Memory is the full episodic record. The embedding itself lives in the
// vector store; EmbeddingRef is the handle.
type Memory struct {
	ID             string            `json:"id"`
	Content        string            `json:"content"`
	Category       MemoryCategory    `json:"category"`
	Importance     float64           `json:"importance"`
	Confidence     float64           `json:"confidence"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAccessedAt time.Time         `json:"last_accessed_at"`
	AccessCount    int64             `json:"access_count"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	EmbeddingRef   string            `json:"embedding_ref,omitempty"`
	TTLPolicy      TTLPolicy         `json:"ttl_policy"`
}

// Permanent reports whether the memory may never be evicted.
func (m Memory) Permanent() bool {
	return m.Category == CategorySurvivalCritical || m.Importance >= 1.0 || m.TTLPolicy == TTLPermanent
}

// Expired reports whether the TTL has elapsed at the given instant.
func (m Memory) Expired(now time.Time) bool {
	if m.Permanent() {
		return false
	}
	d := m.TTLPolicy.Duration()
	if d == 0 {
		return false
	}
	return now.Sub(m.CreatedAt) > d
}

// Ref produces the lightweight working-memory handle.
func (m Memory) Ref() MemoryRef {
	summary := m.Content
	if len(summary) > 120 {
		summary = summary[:120]
	}
	return MemoryRef{
		ID:             m.ID,
		Category:       m.Category,
		Importance:     m.Importance,
		Summary:        summary,
		LastAccessedAt: m.LastAccessedAt,
	}
}

// NewMemoryID derives the content-addressed id. The creation time is floored
// to the minute, so repeating the same content within a minute is idempotent.
func NewMemoryID(content string, category MemoryCategory, createdAt time.Time) string {
	minute := createdAt.UTC().Truncate(time.Minute)
	h := sha256.New()
	h.Write([]byte(content))
	h.Write([]byte{0x1f})
	h.Write([]byte(category))
	h.Write([]byte{0x1f})
	h.Write([]byte(minute.Format(time.RFC3339)))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// ClampMetadata copies m enforcing the key count and value size bounds.
func ClampMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if len(out) >= MaxMetadataKeys {
			break
		}
		if len(v) > MaxMetadataValueLen {
			v = v[:MaxMetadataValueLen]
		}
		out[k] = v
	}
	return out
}
