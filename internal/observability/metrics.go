// Package observability exposes Prometheus collectors for the embedding and
// streaming pipelines and adapters that feed them.
package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"embedstream/internal/core"
	"embedstream/internal/embed"
	"embedstream/internal/retry"
	"embedstream/internal/stream"
)

// Chunk outcomes used as the status label.
const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Metrics holds every collector. Create one per registry.
type Metrics struct {
	chunks       *prometheus.CounterVec
	chunkValues  *prometheus.HistogramVec
	retries      *prometheus.CounterVec
	embedTokens  *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec
	streamTokens *prometheus.CounterVec
	streamErrors *prometheus.CounterVec
	streamTime   *prometheus.HistogramVec
}

// New registers the collectors on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		chunks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "embedstream_embed_chunks_total",
			Help: "Embedding chunk calls by model and outcome",
		}, []string{"model", "status"}),
		chunkValues: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "embedstream_embed_chunk_values",
			Help:    "Number of values per embedding chunk",
			Buckets: prometheus.ExponentialBuckets(1, 4, 7),
		}, []string{"model"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "embedstream_retry_attempts_total",
			Help: "Retried embedding calls by model",
		}, []string{"model"}),
		embedTokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "embedstream_embed_tokens_total",
			Help: "Tokens reported by providers for embedding calls",
		}, []string{"model"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "embedstream_cache_lookups_total",
			Help: "Embedding cache lookups by model and result",
		}, []string{"model", "result"}),
		streamTokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "embedstream_stream_tokens_total",
			Help: "Text tokens emitted on stream routes",
		}, []string{"route"}),
		streamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "embedstream_stream_errors_total",
			Help: "Streams that ended with an error",
		}, []string{"route"}),
		streamTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "embedstream_stream_duration_seconds",
			Help:    "Time from stream start to completion or error",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// EmbedObserver returns an embed.Observer counting chunks and tokens for model.
func (m *Metrics) EmbedObserver(model string) embed.Observer {
	return &embedObserver{m: m, model: model}
}

type embedObserver struct {
	m     *Metrics
	model string
}

func (o *embedObserver) ChunkStarted(_, size int) {
	o.m.chunkValues.WithLabelValues(o.model).Observe(float64(size))
}

func (o *embedObserver) ChunkCompleted(_, _ int, usage core.EmbeddingUsage) {
	o.m.chunks.WithLabelValues(o.model, StatusOK).Inc()
	if usage.Known() {
		o.m.embedTokens.WithLabelValues(o.model).Add(usage.Tokens)
	}
}

func (o *embedObserver) ChunkFailed(_, _ int, err error) {
	status := StatusError
	if core.IsCancelled(err) {
		status = StatusCancelled
	}
	o.m.chunks.WithLabelValues(o.model, status).Inc()
}

// RetryHooks counts retries for model.
func (m *Metrics) RetryHooks(model string) retry.Hooks {
	c := m.retries.WithLabelValues(model)
	return retry.Hooks{
		OnRetry: func(int, time.Duration, error) { c.Inc() },
	}
}

// CacheLookup matches cache.LookupHook.
func (m *Metrics) CacheLookup(model string, hits, misses int) {
	m.cacheLookups.WithLabelValues(model, "hit").Add(float64(hits))
	m.cacheLookups.WithLabelValues(model, "miss").Add(float64(misses))
}

// StreamCallbacks wraps base so that tokens, errors and duration are recorded
// for route. base may be nil. Errors returned by base hooks propagate.
func (m *Metrics) StreamCallbacks(route string, base *stream.Callbacks) *stream.Callbacks {
	if base == nil {
		base = &stream.Callbacks{}
	}
	tokens := m.streamTokens.WithLabelValues(route)
	errs := m.streamErrors.WithLabelValues(route)
	duration := m.streamTime.WithLabelValues(route)
	var started time.Time

	return &stream.Callbacks{
		OnStart: func(ctx context.Context) error {
			started = time.Now()
			if base.OnStart != nil {
				return base.OnStart(ctx)
			}
			return nil
		},
		OnToken: func(ctx context.Context, token string) error {
			tokens.Inc()
			if base.OnToken != nil {
				return base.OnToken(ctx, token)
			}
			return nil
		},
		OnCompletion: func(ctx context.Context, text string) error {
			duration.Observe(time.Since(started).Seconds())
			if base.OnCompletion != nil {
				return base.OnCompletion(ctx, text)
			}
			return nil
		},
		OnError: func(ctx context.Context, err error) {
			if !core.IsCancelled(err) {
				errs.Inc()
			}
			if !started.IsZero() {
				duration.Observe(time.Since(started).Seconds())
			}
			if base.OnError != nil {
				base.OnError(ctx, err)
			}
		},
	}
}
