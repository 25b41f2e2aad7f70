// Package provider implements the gateway's Embedder and LLM interfaces
// against Google's Gemini API. Node-space queries embed with the retrieval
// task type; relation-space text embeds with semantic similarity, matching
// how the corpus relationship embeddings were produced.
package provider

import (
	"context"
	"errors"

	"google.golang.org/genai"

	lexgraph "github.com/lexgraph/lexgraph"
)

// Config configures the Gemini provider.
type Config struct {
	// APIKey authenticates against the Gemini API. Required.
	APIKey string `yaml:"api_key"`

	// EmbedModel names the embedding model. Empty means
	// "gemini-embedding-001".
	EmbedModel string `yaml:"embed_model"`

	// LLMModel names the completion model. Empty means "gemini-2.5-flash".
	LLMModel string `yaml:"llm_model"`
}

func (c Config) withDefaults() Config {
	if c.EmbedModel == "" {
		c.EmbedModel = "gemini-embedding-001"
	}
	if c.LLMModel == "" {
		c.LLMModel = "gemini-2.5-flash"
	}
	return c
}

// Gemini talks to the Gemini API for both embedding families and for
// structured completions.
type Gemini struct {
	client     *genai.Client
	embedModel string
	llmModel   string
}

// NewGemini creates a client and verifies the configuration.
func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	const op = "provider.NewGemini"
	if cfg.APIKey == "" {
		return nil, lexgraph.E(op, lexgraph.KindBadRequest, errors.New("api key is required"))
	}
	cfg = cfg.withDefaults()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, lexgraph.E(op, lexgraph.KindInternal, err)
	}
	return &Gemini{
		client:     client,
		embedModel: cfg.EmbedModel,
		llmModel:   cfg.LLMModel,
	}, nil
}

// EmbedNode embeds query text into the node space.
func (g *Gemini) EmbedNode(ctx context.Context, text string) ([]float64, error) {
	return g.embed(ctx, "Embedder.EmbedNode", text, "RETRIEVAL_QUERY")
}

// EmbedRelation embeds text into the relation space.
func (g *Gemini) EmbedRelation(ctx context.Context, text string) ([]float64, error) {
	return g.embed(ctx, "Embedder.EmbedRelation", text, "SEMANTIC_SIMILARITY")
}

func (g *Gemini) embed(ctx context.Context, op, text string, task string) ([]float64, error) {
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	result, err := g.client.Models.EmbedContent(ctx, g.embedModel, contents,
		&genai.EmbedContentConfig{TaskType: task})
	if err != nil {
		return nil, lexgraph.E(op, lexgraph.KindEmbedding, err)
	}
	if len(result.Embeddings) == 0 {
		return nil, lexgraph.E(op, lexgraph.KindEmbedding, lexgraph.ErrEmbeddingUnavailable)
	}
	values := result.Embeddings[0].Values
	vec := make([]float64, len(values))
	for i, v := range values {
		vec[i] = float64(v)
	}
	return vec, nil
}

// Complete sends a prompt and returns the raw completion text.
func (g *Gemini) Complete(ctx context.Context, prompt string) (string, error) {
	const op = "LLM.Complete"
	result, err := g.client.Models.GenerateContent(ctx, g.llmModel,
		genai.Text(prompt), &genai.GenerateContentConfig{
			Temperature: genai.Ptr[float32](0),
		})
	if err != nil {
		return "", lexgraph.E(op, lexgraph.KindLLM, err)
	}
	text := result.Text()
	if text == "" {
		return "", lexgraph.E(op, lexgraph.KindLLM, lexgraph.ErrLLMUnavailable)
	}
	return text, nil
}

// Close releases the underlying client. The genai HTTP client holds no
// resources that need explicit release, so this is a no-op.
func (g *Gemini) Close() error {
	return nil
}
