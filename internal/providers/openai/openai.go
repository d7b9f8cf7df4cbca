// Package openai adapts OpenAI-compatible /embeddings and /chat/completions endpoints.
package openai

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"

	"embedstream/config"
	"embedstream/internal/core"
	"embedstream/internal/pkg/llmclient"
	"embedstream/internal/providers"
	"embedstream/internal/stream"
)

// Registration provides factory registration for the OpenAI provider.
var Registration = providers.Registration{
	Type: "openai",
	New:  newFromConfig,
}

const (
	defaultBaseURL        = "https://api.openai.com/v1"
	defaultEmbeddingModel = "text-embedding-3-small"
	defaultChatModel      = "gpt-4o-mini"

	// DefaultMaxPerCall is the documented input limit of the embeddings endpoint.
	DefaultMaxPerCall = 2048
)

// Options configures a Provider. Zero fields take defaults.
type Options struct {
	Name       string
	BaseURL    string
	Model      string
	ChatModel  string
	MaxPerCall int
	HTTPClient *http.Client
}

// Provider embeds and streams through one OpenAI-compatible endpoint
type Provider struct {
	name       string
	client     *llmclient.Client
	apiKey     string
	model      string
	chatModel  string
	maxPerCall int
}

// New creates a provider authenticating with apiKey
func New(apiKey string, opts Options) *Provider {
	if opts.Name == "" {
		opts.Name = "openai"
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.Model == "" {
		opts.Model = defaultEmbeddingModel
	}
	if opts.ChatModel == "" {
		opts.ChatModel = defaultChatModel
	}
	if opts.MaxPerCall <= 0 {
		opts.MaxPerCall = DefaultMaxPerCall
	}

	p := &Provider{
		name:       opts.Name,
		apiKey:     apiKey,
		model:      opts.Model,
		chatModel:  opts.ChatModel,
		maxPerCall: opts.MaxPerCall,
	}
	cfg := llmclient.DefaultConfig(opts.Name, opts.BaseURL)
	if opts.HTTPClient != nil {
		p.client = llmclient.NewWithHTTPClient(opts.HTTPClient, cfg, p.setHeaders)
	} else {
		p.client = llmclient.New(cfg, p.setHeaders)
	}
	return p
}

func newFromConfig(name string, cfg config.ProviderConfig, deps providers.Deps) (providers.Provider, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("api_key is required for the public OpenAI endpoint")
	}
	return New(cfg.APIKey, Options{
		Name:       name,
		BaseURL:    cfg.BaseURL,
		Model:      cfg.Model,
		ChatModel:  cfg.ChatModel,
		MaxPerCall: cfg.MaxPerCall,
		HTTPClient: deps.HTTPClient,
	}), nil
}

// setHeaders sets auth and forwards the request ID
func (p *Provider) setHeaders(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	if requestID := core.GetRequestID(req.Context()); requestID != "" && isValidClientRequestID(requestID) {
		req.Header.Set("X-Client-Request-Id", requestID)
	}
}

// isValidClientRequestID checks OpenAI's limits: ASCII only, at most 512 bytes.
func isValidClientRequestID(id string) bool {
	if len(id) > 512 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] > 127 {
			return false
		}
	}
	return true
}

// ModelID implements core.EmbeddingModel
func (p *Provider) ModelID() string { return p.model }

// MaxEmbeddingsPerCall implements core.EmbeddingModel
func (p *Provider) MaxEmbeddingsPerCall() int { return p.maxPerCall }

type embeddingRequest struct {
	Model          string   `json:"model"`
	Input          []string `json:"input"`
	EncodingFormat string   `json:"encoding_format"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage *struct {
		PromptTokens int `json:"prompt_tokens"`
	} `json:"usage"`
}

// DoEmbed implements core.EmbeddingModel with a single request
func (p *Provider) DoEmbed(ctx context.Context, call core.EmbedCall[string]) (*core.EmbedResponse, error) {
	if len(call.Values) == 0 {
		return &core.EmbedResponse{Embeddings: []core.Embedding{}, Usage: core.ReportedUsage(0)}, nil
	}

	var resp embeddingResponse
	err := p.client.Do(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/embeddings",
		Body: embeddingRequest{
			Model:          p.model,
			Input:          call.Values,
			EncodingFormat: "float",
		},
		Headers: call.Headers,
	}, &resp)
	if err != nil {
		return nil, err
	}

	if len(resp.Data) != len(call.Values) {
		return nil, core.NewProviderError(p.name, http.StatusBadGateway,
			fmt.Sprintf("expected %d embeddings, got %d", len(call.Values), len(resp.Data)), nil)
	}
	out := make([]core.Embedding, len(call.Values))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) || out[d.Index] != nil {
			return nil, core.NewProviderError(p.name, http.StatusBadGateway,
				fmt.Sprintf("invalid or duplicate embedding index %d", d.Index), nil)
		}
		out[d.Index] = d.Embedding
	}

	var usage *core.EmbeddingUsage
	if resp.Usage != nil {
		usage = core.ReportedUsage(resp.Usage.PromptTokens)
	}
	return &core.EmbedResponse{Embeddings: out, Usage: usage}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// StreamChat opens a streamed chat completion for a single user prompt.
// Each choices[0].delta.content becomes a message-delta unit.
func (p *Provider) StreamChat(ctx context.Context, prompt string) (stream.Source, error) {
	body, err := p.client.DoStream(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/chat/completions",
		Body: chatRequest{
			Model:    p.chatModel,
			Messages: []chatMessage{{Role: "user", Content: prompt}},
			Stream:   true,
		},
	})
	if err != nil {
		return nil, err
	}
	return stream.NewLineSourceWith(body, decodeChatChunk), nil
}

// decodeChatChunk skips role-only and finish chunks, which carry no content.
func decodeChatChunk(line []byte) (stream.Unit, bool, error) {
	if !gjson.ValidBytes(line) {
		return stream.Unit{}, false, fmt.Errorf("%w: invalid chat chunk", stream.ErrMalformedUnit)
	}
	if e := gjson.GetBytes(line, "error"); e.Exists() {
		msg := e.Get("message").String()
		if msg == "" {
			msg = e.Raw
		}
		return stream.Unit{}, false, core.NewStreamError("upstream stream error: "+msg, nil)
	}
	content := gjson.GetBytes(line, "choices.0.delta.content")
	if content.Type != gjson.String {
		return stream.Unit{}, false, nil
	}
	return stream.DeltaUnit(stream.StringDelta(content.String())), true, nil
}
