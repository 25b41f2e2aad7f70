// Package gateway provides deterministic, typed access to the two external
// embedding families (node-space and relation-space) and to an LLM for
// structured assessments.
//
// Vectors are L2-normalized on the way out, so callers can use dot product
// for cosine similarity. Embeddings are cached by exact text hash in Redis
// when a cache client is configured; duplicate concurrent requests for the
// same text collapse to a single upstream call. The cache can be bypassed
// per call for debugging via WithCacheBypass.
//
// Structured is never used where deterministic behavior is required; every
// consumer in the engine has a fallback path for LLM failure.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	lexgraph "github.com/lexgraph/lexgraph"
	"github.com/lexgraph/lexgraph/vector"
)

// Embedder produces embedding vectors for the two embedding families.
// Implementations wrap a remote model endpoint.
type Embedder interface {
	// EmbedNode embeds text into the node space (dimension D_node).
	EmbedNode(ctx context.Context, text string) ([]float64, error)

	// EmbedRelation embeds text into the relation space (dimension D_rel).
	EmbedRelation(ctx context.Context, text string) ([]float64, error)
}

// LLM is a minimal chat/completion client.
type LLM interface {
	// Complete sends a prompt and returns the raw completion text.
	Complete(ctx context.Context, prompt string) (string, error)
}

// Validator is implemented by structured-output targets that carry their own
// schema constraints beyond what JSON decoding enforces.
type Validator interface {
	Validate() error
}

// Options configures a Gateway.
type Options struct {
	// Cache is an optional Redis client for embedding caching.
	Cache *redis.Client

	// CacheTTL bounds how long cached embeddings live. Zero means 24h.
	CacheTTL time.Duration

	// StructuredRetries bounds re-asks when the LLM response fails to parse
	// against the expected schema. Zero means 2.
	StructuredRetries int

	// LLMTimeout is the per-call timeout for LLM requests, shorter than the
	// request deadline so a slow model degrades instead of stalling. Zero
	// means 20s.
	LLMTimeout time.Duration

	Logger *zap.Logger
}

// Gateway fronts the embedding models and the LLM.
type Gateway struct {
	embedder Embedder
	llm      LLM
	cache    *redis.Client
	cacheTTL time.Duration
	retries  int
	timeout  time.Duration
	log      *zap.Logger
	group    singleflight.Group
}

// New creates a Gateway. embedder is required; llm may be nil, in which case
// every Structured call reports KindLLM and consumers take their fallbacks.
func New(embedder Embedder, llm LLM, opts Options) *Gateway {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	retries := opts.StructuredRetries
	if retries <= 0 {
		retries = 2
	}
	timeout := opts.LLMTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Gateway{
		embedder: embedder,
		llm:      llm,
		cache:    opts.Cache,
		cacheTTL: ttl,
		retries:  retries,
		timeout:  timeout,
		log:      log,
	}
}

type bypassKey struct{}

// WithCacheBypass returns a context that makes the gateway skip the
// embedding cache for calls carrying it.
func WithCacheBypass(ctx context.Context) context.Context {
	return context.WithValue(ctx, bypassKey{}, true)
}

func cacheBypassed(ctx context.Context) bool {
	v, _ := ctx.Value(bypassKey{}).(bool)
	return v
}

// EmbedNode returns the L2-normalized node-space embedding of text.
func (g *Gateway) EmbedNode(ctx context.Context, text string) ([]float64, error) {
	return g.embed(ctx, "node", text, g.embedder.EmbedNode)
}

// EmbedRelation returns the L2-normalized relation-space embedding of text.
func (g *Gateway) EmbedRelation(ctx context.Context, text string) ([]float64, error) {
	return g.embed(ctx, "rel", text, g.embedder.EmbedRelation)
}

func (g *Gateway) embed(ctx context.Context, family, text string, fn func(context.Context, string) ([]float64, error)) ([]float64, error) {
	key := cacheKey(family, text)

	if g.cache != nil && !cacheBypassed(ctx) {
		if vec, ok := g.cacheGet(ctx, key); ok {
			return vec, nil
		}
	}

	// Duplicate concurrent requests for the same text collapse here.
	v, err, _ := g.group.Do(key, func() (any, error) {
		raw, err := fn(ctx, text)
		if err != nil {
			return nil, lexgraph.E("Gateway.Embed", lexgraph.KindEmbedding, err)
		}
		vec := vector.Normalize(raw)
		if g.cache != nil && !cacheBypassed(ctx) {
			g.cacheSet(ctx, key, vec)
		}
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float64), nil
}

func cacheKey(family, text string) string {
	sum := sha256.Sum256([]byte(text))
	return "lexgraph:emb:" + family + ":" + hex.EncodeToString(sum[:])
}

func (g *Gateway) cacheGet(ctx context.Context, key string) ([]float64, bool) {
	data, err := g.cache.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			g.log.Debug("embedding cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var vec []float64
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, false
	}
	return vec, true
}

func (g *Gateway) cacheSet(ctx context.Context, key string, vec []float64) {
	data, err := json.Marshal(vec)
	if err != nil {
		return
	}
	if err := g.cache.Set(ctx, key, data, g.cacheTTL).Err(); err != nil {
		g.log.Debug("embedding cache write failed", zap.Error(err))
	}
}

// Structured sends prompt to the LLM and decodes the response into out,
// which must be a pointer to a JSON-decodable value. The raw response is
// returned verbatim alongside the parsed view. On parse failure the prompt
// is re-asked up to the configured retry bound with the decode error
// appended, then the call fails with KindLLM.
func (g *Gateway) Structured(ctx context.Context, prompt string, out any) (string, error) {
	if g.llm == nil {
		return "", lexgraph.E("Gateway.Structured", lexgraph.KindLLM, lexgraph.ErrLLMUnavailable)
	}

	ask := prompt
	var lastErr error
	for attempt := 0; attempt <= g.retries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, g.timeout)
		raw, err := g.llm.Complete(callCtx, ask)
		cancel()
		if err != nil {
			return "", lexgraph.E("Gateway.Structured", lexgraph.KindLLM, err)
		}

		if err := decodeStructured(raw, out); err != nil {
			lastErr = err
			g.log.Debug("structured response failed to parse, re-asking",
				zap.Int("attempt", attempt), zap.Error(err))
			ask = prompt + "\n\nYour previous response was not valid JSON for the required schema (" +
				err.Error() + "). Respond with only the JSON object."
			continue
		}
		return raw, nil
	}
	return "", lexgraph.E("Gateway.Structured", lexgraph.KindLLM,
		fmt.Errorf("response never matched schema: %w", lastErr))
}

// decodeStructured extracts the first JSON object from raw (models often
// wrap JSON in code fences or prose) and decodes it into out.
func decodeStructured(raw string, out any) error {
	payload := extractJSON(raw)
	if payload == "" {
		return fmt.Errorf("no JSON object in response")
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return err
	}
	if v, ok := out.(Validator); ok {
		return v.Validate()
	}
	return nil
}

func extractJSON(raw string) string {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return raw[start : i+1]
			}
		}
	}
	return ""
}
