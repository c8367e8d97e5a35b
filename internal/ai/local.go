package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// LocalClient talks to an OpenAI-compatible server (Ollama, vLLM, LM Studio)
// through langchaingo.
type LocalClient struct {
	config   *ClientConfig
	llm      llms.Model
	embedder embeddings.Embedder
}

// NewLocalClient creates a client for config.BaseURL. An empty API key is
// sent as "none", which local servers accept.
func NewLocalClient(config *ClientConfig) (*LocalClient, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}
	if strings.TrimSpace(config.BaseURL) == "" {
		return nil, errors.New("local provider requires a base URL")
	}
	if config.EmbedModel == "" {
		config.EmbedModel = "nomic-embed-text"
	}
	if config.CompletionModel == "" {
		config.CompletionModel = "llama3.1"
	}
	if config.Dim == 0 {
		config.Dim = 768
	}
	token := config.APIKey
	if token == "" {
		token = "none"
	}

	llm, err := openai.New(
		openai.WithBaseURL(config.BaseURL),
		openai.WithToken(token),
		openai.WithModel(config.CompletionModel),
		openai.WithEmbeddingModel(config.EmbedModel),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create local client: %w", err)
	}
	emb, err := embeddings.NewEmbedder(llm, embeddings.WithStripNewLines(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create local embedder: %w", err)
	}

	return &LocalClient{config: config, llm: llm, embedder: emb}, nil
}

func (c *LocalClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	vecs, err := c.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("local embeddings: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("local embeddings: got %d vectors for %d inputs", len(vecs), len(texts))
	}
	return vecs, nil
}

func (c *LocalClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	var content []llms.MessageContent
	if req.System != "" {
		content = append(content, llms.MessageContent{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(req.System)},
		})
	}
	content = append(content, llms.MessageContent{
		Role:  llms.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextPart(req.User)},
	})

	opts := []llms.CallOption{llms.WithTemperature(float64(req.Temperature))}
	if req.Model != "" {
		opts = append(opts, llms.WithModel(req.Model))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.JSON {
		opts = append(opts, llms.WithJSONMode())
	}

	resp, err := c.llm.GenerateContent(ctx, content, opts...)
	if err != nil {
		return "", fmt.Errorf("local completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("local completion: no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}

func (c *LocalClient) Dim() int {
	return c.config.Dim
}
