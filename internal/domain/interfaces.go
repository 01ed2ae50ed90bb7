package domain

import (
	"context"
	"encoding/json"
	"math"
	"time"
)

// ChainGateway abstracts the liquidity protocol: pool metrics, gas, wallet
// balances, swap simulation and execution. Concrete RPC clients, signers and
// ABI decoders live behind this interface so the engine never sees them.
// In observation mode the execution methods are never called.
type ChainGateway interface {
	// Read side. Safe in every mode.
	GetWalletBalanceUSD(ctx context.Context) (float64, error)
	GetGasPriceGwei(ctx context.Context) (float64, error)
	EstimateGasUSD(ctx context.Context, op string) (float64, error)
	ListPositions(ctx context.Context) ([]Position, error)
	ListPools(ctx context.Context, filter PoolFilter) ([]PoolObservation, error)
	GetPoolInfo(ctx context.Context, poolID string) (PoolObservation, error)
	SimulateSwap(ctx context.Context, fromPool, toPool string, amountUSD float64) (SwapQuote, error)

	// Execution side. Gated behind the observation-mode flag.
	ExecuteRebalance(ctx context.Context, fromPool, toPool string, amountUSD float64) (ExecutionReceipt, error)
	ExecuteCompound(ctx context.Context, poolID string) (ExecutionReceipt, error)
}

// VectorHit is one semantic search result.
type VectorHit struct {
	ID    string            `json:"id"`
	Score float64           `json:"score"`
	Meta  map[string]string `json:"meta,omitempty"`
}

// VectorStore is the semantic memory index. Implementations range from the
// embedded SQLite scan shipped here to managed vector databases.
type VectorStore interface {
	Upsert(ctx context.Context, id string, embedding []float32, meta map[string]string) error
	Search(ctx context.Context, embedding []float32, k int, filters map[string]string) ([]VectorHit, error)
	Delete(ctx context.Context, id string) error
}

// DocQuery filters a DocStore collection. Equals keys are JSON paths relative
// to the document root ("category", "metadata.pool_id"). TimeField names an
// RFC 3339 field compared against Before/After when set.
type DocQuery struct {
	Equals    map[string]string
	TimeField string
	Before    time.Time
	After     time.Time
	OrderDesc bool
	Limit     int
}

// DocStore is the durable JSON document store. Get returns ErrNotFound for
// missing documents; PutIfRevision returns ErrRevisionMismatch when the
// stored revision differs (expected 0 means "create only").
type DocStore interface {
	Put(ctx context.Context, collection, id string, doc any) error
	PutIfRevision(ctx context.Context, collection, id string, doc any, expectedRev int64) error
	Get(ctx context.Context, collection, id string, out any) error
	Query(ctx context.Context, collection string, q DocQuery) ([]json.RawMessage, error)
	Delete(ctx context.Context, collection, id string) error
}

// KV is the shared integer counter store. Missing keys read as zero, so the
// first CompareAndSetInt for a key passes expected=0.
type KV interface {
	GetInt(ctx context.Context, key string) (int64, error)
	CompareAndSetInt(ctx context.Context, key string, expected, value int64) (bool, error)
}

// Analytics is the append-only event feed read by dashboards and reports.
type Analytics interface {
	Append(ctx context.Context, table string, record map[string]any) error
}

// SecretStore resolves named credentials. The shipped implementation reads
// the process environment.
type SecretStore interface {
	Get(name string) (string, error)
}

// LLMProvider produces completions for a model tier and reports measured
// cost. Implementations must honor ctx cancellation.
type LLMProvider interface {
	Complete(ctx context.Context, tier ModelTier, prompt string, maxTokens int) (Completion, error)
}

// Embedder turns text into the vectors the semantic store indexes.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Clock abstracts time so schedulers and stores are testable. Sleep returns
// early with the context error on cancellation.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Observer is the fire-and-forget alert/event sink. Implementations must
// never fail the caller.
type Observer interface {
	Event(level, code string, fields map[string]any)
}

// CosineSimilarity computes the cosine of the angle between two embeddings.
// Returns 0 for mismatched or zero-length vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
