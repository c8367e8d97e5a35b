package ai

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// Embedder turns a batch of texts into vectors, one per text, in order.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}

// CompletionRequest is a single system+user exchange with a generative model.
type CompletionRequest struct {
	System      string
	User        string
	Model       string // empty selects the client's configured completion model
	Temperature float32
	MaxTokens   int
	JSON        bool // ask the model for a JSON object
}

// Completer runs generative completions.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// Client provides both embedding and completion capabilities
type Client interface {
	Embedder
	Completer
}

// Provider is enumeration of supported AI providers
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderVertexAI Provider = "vertexai"
	ProviderLocal    Provider = "local"
	ProviderStub     Provider = "stub"
)

// ClientConfig holds configuration for AI clients
type ClientConfig struct {
	APIKey          string
	BaseURL         string
	EmbedModel      string
	CompletionModel string
	Dim             int
	ProjectID       string
	Provider        Provider
	Location        string
}

// NewClient creates a new AI client based on configuration
func NewClient(ctx context.Context, config *ClientConfig) (Client, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}

	switch config.Provider {
	case ProviderOpenAI:
		return NewOpenAIClient(config), nil
	case ProviderVertexAI:
		return NewVertexAIClient(ctx, config)
	case ProviderLocal:
		return NewLocalClient(config)
	case ProviderStub:
		return NewStubClient(config.Dim), nil
	default:
		return nil, errors.New("unsupported provider: " + string(config.Provider))
	}
}

// StubClient is an offline Client. Embeddings are feature-hashed token counts,
// so texts sharing words are similar. Completions return "{}" in JSON mode and
// an empty string otherwise.
type StubClient struct {
	dim int
}

const defaultStubDim = 256

// NewStubClient creates a new StubClient
func NewStubClient(dim int) *StubClient {
	if dim <= 0 {
		dim = defaultStubDim
	}
	return &StubClient{dim: dim}
}

var tokenRE = regexp.MustCompile(`[A-Za-z0-9]+`)

// EmbedBatch implements the embedding functionality
func (s *StubClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec := make([]float32, s.dim)
		for _, tok := range tokenRE.FindAllString(strings.ToLower(text), -1) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(tok))
			vec[h.Sum32()%uint32(s.dim)]++
		}
		out[i] = normalize(vec)
	}
	return out, nil
}

// Complete implements the completion functionality
func (s *StubClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.JSON {
		return "{}", nil
	}
	return "", nil
}

// Dim returns the embedding dimension
func (s *StubClient) Dim() int {
	return s.dim
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	n := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= n
	}
	return v
}
