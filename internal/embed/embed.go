// Package embed turns an arbitrary list of values into a bounded, strictly
// sequential series of retried model calls and merges the results in order.
package embed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"embedstream/internal/core"
	"embedstream/internal/retry"
)

// Observer is notified around each chunk call. Implementations must be cheap;
// they run on the caller's goroutine.
type Observer interface {
	ChunkStarted(index, size int)
	ChunkCompleted(index, size int, usage core.EmbeddingUsage)
	ChunkFailed(index, size int, err error)
}

type options struct {
	maxRetries   int
	headers      map[string]string
	retryOptions []retry.Option
	observer     Observer
	logger       *slog.Logger
}

// Option configures a single EmbedMany or Embed call.
type Option func(*options)

// WithMaxRetries sets the retry bound per model call. Default: 2. Zero disables retries.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithHeaders sets headers forwarded verbatim to every model call.
func WithHeaders(h map[string]string) Option {
	return func(o *options) { o.headers = h }
}

// WithRetryOptions tunes the backoff curve of the per-call retrier.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(o *options) { o.retryOptions = append(o.retryOptions, opts...) }
}

// WithObserver installs a chunk observer (metrics, progress).
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithLogger sets the logger used for debug output. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) (*options, error) {
	o := &options{maxRetries: retry.DefaultMaxRetries}
	for _, opt := range opts {
		opt(o)
	}
	if o.maxRetries < 0 {
		return nil, core.NewInvalidRequestError(fmt.Sprintf("max retries must be non-negative, got %d", o.maxRetries), nil)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o, nil
}

// ManyResult is the aggregate of an EmbedMany call.
// Embeddings[i] belongs to Values[i].
type ManyResult[V any] struct {
	Values     []V
	Embeddings []core.Embedding
	Usage      core.EmbeddingUsage
}

// Result is the outcome of embedding a single value.
type Result[V any] struct {
	Value     V
	Embedding core.Embedding
	Usage     core.EmbeddingUsage
}

// ChunkError reports the chunk whose call failed terminally.
type ChunkError struct {
	Index  int // chunk index, 0-based
	Offset int // index of the chunk's first value in the input
	Size   int
	Err    error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("embedding chunk %d (values %d-%d) failed: %v", e.Index, e.Offset, e.Offset+e.Size-1, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// EmbedMany embeds values with model, splitting them into chunks no larger than
// the model's per-call capacity. Chunks are processed one at a time, in order;
// the first chunk that fails terminally aborts the whole call and no partial
// result is returned. Cancelling ctx stops the in-flight chunk and any pending ones.
func EmbedMany[V any](ctx context.Context, model core.EmbeddingModel[V], values []V, opts ...Option) (*ManyResult[V], error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	r := retry.New(o.maxRetries, o.retryOptions...)

	maxPerCall := model.MaxEmbeddingsPerCall()
	if maxPerCall <= 0 {
		if o.observer != nil {
			o.observer.ChunkStarted(0, len(values))
		}
		resp, err := embedChunk(ctx, r, model, values, o)
		if err != nil {
			if o.observer != nil {
				o.observer.ChunkFailed(0, len(values), err)
			}
			return nil, wrapChunkErr(err, 0, 0, len(values))
		}
		usage := core.UnknownUsage()
		if resp.Usage != nil {
			usage = *resp.Usage
		}
		if o.observer != nil {
			o.observer.ChunkCompleted(0, len(values), usage)
		}
		return &ManyResult[V]{Values: values, Embeddings: resp.Embeddings, Usage: usage}, nil
	}

	chunks := SplitSlice(values, maxPerCall)
	o.logger.Debug("embedding in chunks",
		"model", model.ModelID(),
		"values", len(values),
		"chunks", len(chunks),
		"max_per_call", maxPerCall,
	)

	embeddings := make([]core.Embedding, 0, len(values))
	usage := core.KnownUsage(0)
	offset := 0

	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, core.NewCancelledError(err)
		}
		if o.observer != nil {
			o.observer.ChunkStarted(i, len(chunk))
		}

		resp, err := embedChunk(ctx, r, model, chunk, o)
		if err != nil {
			if o.observer != nil {
				o.observer.ChunkFailed(i, len(chunk), err)
			}
			return nil, wrapChunkErr(err, i, offset, len(chunk))
		}

		// Missing usage is NaN and makes the total NaN.
		chunkUsage := core.UnknownUsage()
		if resp.Usage != nil {
			chunkUsage = *resp.Usage
		}
		usage = usage.Add(chunkUsage)
		embeddings = append(embeddings, resp.Embeddings...)
		offset += len(chunk)

		if o.observer != nil {
			o.observer.ChunkCompleted(i, len(chunk), chunkUsage)
		}
	}

	return &ManyResult[V]{Values: values, Embeddings: embeddings, Usage: usage}, nil
}

// Embed embeds a single value with one retried model call.
func Embed[V any](ctx context.Context, model core.EmbeddingModel[V], value V, opts ...Option) (*Result[V], error) {
	o, err := buildOptions(opts)
	if err != nil {
		return nil, err
	}
	r := retry.New(o.maxRetries, o.retryOptions...)

	resp, err := embedChunk(ctx, r, model, []V{value}, o)
	if err != nil {
		return nil, err
	}
	usage := core.UnknownUsage()
	if resp.Usage != nil {
		usage = *resp.Usage
	}
	return &Result[V]{Value: value, Embedding: resp.Embeddings[0], Usage: usage}, nil
}

// embedChunk performs one retried model call and checks index alignment.
func embedChunk[V any](ctx context.Context, r *retry.Retrier, model core.EmbeddingModel[V], chunk []V, o *options) (*core.EmbedResponse, error) {
	resp, err := retry.Do(ctx, r, func(ctx context.Context) (*core.EmbedResponse, error) {
		return model.DoEmbed(ctx, core.EmbedCall[V]{Values: chunk, Headers: o.headers})
	})
	if err != nil {
		if core.IsCancelled(err) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, core.NewCancelledError(ctxErr)
			}
		}
		return nil, err
	}
	if resp == nil || len(resp.Embeddings) != len(chunk) {
		got := 0
		if resp != nil {
			got = len(resp.Embeddings)
		}
		return nil, core.NewProviderError(model.ModelID(), http.StatusBadGateway,
			fmt.Sprintf("model returned %d embeddings for %d values", got, len(chunk)), nil)
	}
	return resp, nil
}

// wrapChunkErr attaches the chunk position to a failure. Cancellation passes
// through unchanged so callers can test it with core.IsCancelled.
func wrapChunkErr(err error, index, offset, size int) error {
	if core.IsCancelled(err) {
		return err
	}
	return &ChunkError{Index: index, Offset: offset, Size: size, Err: err}
}
