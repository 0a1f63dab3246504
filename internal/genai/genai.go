// Package genai adapts Genkit's Google AI integration to the collaborator
// interfaces the retrieval and answer pipelines consume.
package genai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	gemini "google.golang.org/genai"

	"github.com/zerag/zerag/internal/llm"
)

// Init initializes Genkit with the Google AI plugin. The API key is read
// from GEMINI_API_KEY by the plugin itself.
func Init(ctx context.Context) (*genkit.Genkit, error) {
	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return nil, errors.New("initializing genkit")
	}
	return g, nil
}

// Embedder produces fixed-dimension embeddings via a Genkit embedder.
type Embedder struct {
	embedder ai.Embedder
	dim      int32
}

// NewEmbedder wraps the named Google AI embedding model, truncating output
// to dimension (the model supports Matryoshka truncation).
func NewEmbedder(g *genkit.Genkit, model string, dimension int) *Embedder {
	return &Embedder{
		embedder: googlegenai.GoogleAIEmbedder(g, model),
		dim:      int32(dimension),
	}
}

// Dimension returns the configured output dimension.
func (e *Embedder) Dimension() int {
	return int(e.dim)
}

// EmbedBatch embeds texts in one request, preserving order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	docs := make([]*ai.Document, len(texts))
	for i, t := range texts {
		docs[i] = ai.DocumentFromText(t, nil)
	}

	dim := e.dim
	resp, err := e.embedder.Embed(ctx, &ai.EmbedRequest{
		Input:   docs,
		Options: &gemini.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding %d texts: %w", len(texts), err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: sent %d, got %d",
			len(texts), len(resp.Embeddings))
	}

	vectors := make([][]float32, len(texts))
	for i, emb := range resp.Embeddings {
		if len(emb.Embedding) != int(e.dim) {
			return nil, fmt.Errorf("embedding %d has dimension %d, want %d",
				i, len(emb.Embedding), e.dim)
		}
		vectors[i] = emb.Embedding
	}
	return vectors, nil
}

// Generator implements llm.Generator over genkit.Generate.
type Generator struct {
	g         *genkit.Genkit
	modelName string
}

// NewGenerator wraps the named model. Unqualified names get the googleai
// provider prefix.
func NewGenerator(g *genkit.Genkit, modelName string) *Generator {
	if modelName != "" && !strings.Contains(modelName, "/") {
		modelName = "googleai/" + modelName
	}
	return &Generator{g: g, modelName: modelName}
}

// Complete returns the full response text for the given messages.
func (gen *Generator) Complete(ctx context.Context, msgs []llm.Message) (string, error) {
	resp, err := genkit.Generate(ctx, gen.g, gen.options(msgs)...)
	if err != nil {
		return "", fmt.Errorf("generating: %w", err)
	}
	return strings.TrimSpace(resp.Text()), nil
}

// CompleteStream streams response fragments through cb and returns the full
// text. A cb error stops generation.
func (gen *Generator) CompleteStream(ctx context.Context, msgs []llm.Message, cb func(text string) error) (string, error) {
	opts := gen.options(msgs)
	opts = append(opts, ai.WithStreaming(func(_ context.Context, chunk *ai.ModelResponseChunk) error {
		return cb(chunk.Text())
	}))

	resp, err := genkit.Generate(ctx, gen.g, opts...)
	if err != nil {
		return "", fmt.Errorf("generating stream: %w", err)
	}
	return strings.TrimSpace(resp.Text()), nil
}

func (gen *Generator) options(msgs []llm.Message) []ai.GenerateOption {
	converted := make([]*ai.Message, 0, len(msgs))
	for _, m := range msgs {
		part := ai.NewTextPart(m.Text)
		switch m.Role {
		case llm.RoleSystem:
			converted = append(converted, ai.NewSystemMessage(part))
		case llm.RoleModel:
			converted = append(converted, ai.NewModelMessage(part))
		default:
			converted = append(converted, ai.NewUserMessage(part))
		}
	}

	opts := []ai.GenerateOption{ai.WithMessages(converted...)}
	if gen.modelName != "" {
		opts = append(opts, ai.WithModelName(gen.modelName))
	}
	return opts
}
