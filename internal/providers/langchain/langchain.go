// Package langchain adapts langchaingo embedders and chat models.
//
// Embeddings go through an embeddings.Embedder. Chat output is pushed by
// langchaingo's streaming callback; a pooled producer hands each chunk to the
// consumer over an unbuffered channel, so generation advances only as fast as
// the consumer reads.
package langchain

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/panjf2000/ants/v2"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"embedstream/config"
	"embedstream/internal/core"
	"embedstream/internal/providers"
	"embedstream/internal/stream"
)

// Registration provides factory registration for langchaingo's OpenAI client.
var Registration = providers.Registration{
	Type: "langchain-openai",
	New:  newFromConfig,
}

// DefaultMaxPerCall matches langchaingo's default embedder batch size.
const DefaultMaxPerCall = 512

// Provider embeds with a langchaingo embedder and streams with a langchaingo model
type Provider struct {
	name       string
	model      string
	maxPerCall int
	embedder   embeddings.Embedder
	llm        llms.Model
	pool       *ants.Pool
	logger     *slog.Logger
}

// Options configures a Provider
type Options struct {
	Name string
	// Model is reported as the embedding model ID
	Model      string
	MaxPerCall int
	// Pool runs stream producers; nil starts a goroutine per stream
	Pool   *ants.Pool
	Logger *slog.Logger
}

// New wraps an existing embedder and chat model. Either may be nil if the
// corresponding capability is not used.
func New(embedder embeddings.Embedder, llm llms.Model, opts Options) *Provider {
	if opts.MaxPerCall <= 0 {
		opts.MaxPerCall = DefaultMaxPerCall
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Provider{
		name:       opts.Name,
		model:      opts.Model,
		maxPerCall: opts.MaxPerCall,
		embedder:   embedder,
		llm:        llm,
		pool:       opts.Pool,
		logger:     opts.Logger.With("provider", opts.Name),
	}
}

func newFromConfig(name string, cfg config.ProviderConfig, deps providers.Deps) (providers.Provider, error) {
	token := cfg.APIKey
	if token == "" {
		// Local OpenAI-compatible servers accept any token.
		token = "none"
	}
	clientOpts := []openai.Option{openai.WithToken(token)}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model != "" {
		clientOpts = append(clientOpts, openai.WithEmbeddingModel(cfg.Model))
	}
	if cfg.ChatModel != "" {
		clientOpts = append(clientOpts, openai.WithModel(cfg.ChatModel))
	}
	if deps.HTTPClient != nil {
		clientOpts = append(clientOpts, openai.WithHTTPClient(deps.HTTPClient))
	}
	llm, err := openai.New(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create langchaingo client: %w", err)
	}

	maxPerCall := cfg.MaxPerCall
	if maxPerCall <= 0 {
		maxPerCall = DefaultMaxPerCall
	}
	embedder, err := embeddings.NewEmbedder(llm,
		embeddings.WithBatchSize(maxPerCall),
		embeddings.WithStripNewLines(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create langchaingo embedder: %w", err)
	}

	return New(embedder, llm, Options{
		Name:       name,
		Model:      cfg.Model,
		MaxPerCall: maxPerCall,
		Pool:       deps.Pool,
		Logger:     deps.Logger,
	}), nil
}

// ModelID implements core.EmbeddingModel
func (p *Provider) ModelID() string { return p.model }

// MaxEmbeddingsPerCall implements core.EmbeddingModel
func (p *Provider) MaxEmbeddingsPerCall() int { return p.maxPerCall }

// DoEmbed implements core.EmbeddingModel. langchaingo does not expose token
// counts, so usage is always unknown. Call headers are not forwarded.
func (p *Provider) DoEmbed(ctx context.Context, call core.EmbedCall[string]) (*core.EmbedResponse, error) {
	if p.embedder == nil {
		return nil, core.NewInvalidRequestError("provider "+p.name+" has no embedder", nil)
	}
	vecs, err := p.embedder.EmbedDocuments(ctx, call.Values)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, core.NewCancelledError(ctxErr)
		}
		return nil, core.NewProviderError(p.name, http.StatusBadGateway, "embedding failed: "+err.Error(), err)
	}

	out := make([]core.Embedding, len(vecs))
	for i, v := range vecs {
		out[i] = v
	}
	return &core.EmbedResponse{Embeddings: out}, nil
}

// StreamChat starts generating a reply to prompt and returns its chunks as text units.
// Closing the source stops generation.
func (p *Provider) StreamChat(ctx context.Context, prompt string) (stream.Source, error) {
	if p.llm == nil {
		return nil, core.NewInvalidRequestError("provider "+p.name+" has no chat model", nil)
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan stream.Item)

	produce := func() {
		defer close(ch)

		messages := []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)}
		_, err := p.llm.GenerateContent(ctx, messages,
			llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
				select {
				case ch <- stream.Item{Unit: stream.TextUnit(string(chunk))}:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}),
		)
		if err == nil || ctx.Err() != nil {
			return
		}
		p.logger.Warn("chat generation failed", "error", err)
		select {
		case ch <- stream.Item{Err: core.NewStreamError("chat generation failed", err)}:
		case <-ctx.Done():
		}
	}

	if p.pool == nil {
		go produce()
	} else if err := p.pool.Submit(produce); err != nil {
		cancel()
		return nil, core.NewProviderError(p.name, http.StatusServiceUnavailable, "stream producers exhausted", err)
	}
	return stream.NewChanSource(ch, cancel), nil
}
