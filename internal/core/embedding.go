package core

import (
	"context"
	"math"
)

// Embedding is the vector produced for exactly one input value.
type Embedding []float32

// EmbeddingUsage reports token consumption for one or more embedding calls.
// Tokens is NaN when the provider did not report usage.
type EmbeddingUsage struct {
	Tokens float64 `json:"tokens"`
}

// KnownUsage returns a usage with a reported token count.
func KnownUsage(tokens int) EmbeddingUsage {
	return EmbeddingUsage{Tokens: float64(tokens)}
}

// ReportedUsage returns a known usage ready for EmbedResponse.Usage.
func ReportedUsage(tokens int) *EmbeddingUsage {
	u := KnownUsage(tokens)
	return &u
}

// UnknownUsage returns the usage of a call whose provider reported nothing.
func UnknownUsage() EmbeddingUsage {
	return EmbeddingUsage{Tokens: math.NaN()}
}

// Known reports whether the token count is defined.
func (u EmbeddingUsage) Known() bool {
	return !math.IsNaN(u.Tokens)
}

// Add sums two usages. NaN is contagious: an unknown count on either side
// makes the total unknown rather than being treated as zero.
func (u EmbeddingUsage) Add(other EmbeddingUsage) EmbeddingUsage {
	return EmbeddingUsage{Tokens: u.Tokens + other.Tokens}
}

// EmbedCall is the input of a single model invocation.
type EmbedCall[V any] struct {
	Values []V
	// Headers are forwarded verbatim to the provider.
	Headers map[string]string
}

// EmbedResponse is what a model returns for one call.
// A nil Usage means the provider did not report usage.
type EmbedResponse struct {
	Embeddings []Embedding
	Usage      *EmbeddingUsage
}

// EmbeddingModel is the contract the batch orchestrator consumes.
type EmbeddingModel[V any] interface {
	// ModelID identifies the model for logs and metrics.
	ModelID() string

	// MaxEmbeddingsPerCall returns the per-call capacity; 0 means unbounded.
	MaxEmbeddingsPerCall() int

	// DoEmbed embeds call.Values in order. It must honor ctx cancellation.
	DoEmbed(ctx context.Context, call EmbedCall[V]) (*EmbedResponse, error)
}

// EmbeddingModelFunc adapts a function into an EmbeddingModel.
type EmbeddingModelFunc[V any] struct {
	ID         string
	MaxPerCall int
	Fn         func(ctx context.Context, call EmbedCall[V]) (*EmbedResponse, error)
}

// ModelID implements EmbeddingModel.
func (f EmbeddingModelFunc[V]) ModelID() string { return f.ID }

// MaxEmbeddingsPerCall implements EmbeddingModel.
func (f EmbeddingModelFunc[V]) MaxEmbeddingsPerCall() int { return f.MaxPerCall }

// DoEmbed implements EmbeddingModel.
func (f EmbeddingModelFunc[V]) DoEmbed(ctx context.Context, call EmbedCall[V]) (*EmbedResponse, error) {
	return f.Fn(ctx, call)
}
