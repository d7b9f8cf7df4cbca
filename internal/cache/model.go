package cache

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"embedstream/internal/core"
)

// Stats counts cache lookups for one request.
type Stats struct {
	Hits   atomic.Int64
	Misses atomic.Int64
}

type statsKey struct{}

// WithStats attaches a fresh Stats to ctx. CachedModel calls made with the
// returned context record their lookups in it.
func WithStats(ctx context.Context) (context.Context, *Stats) {
	s := &Stats{}
	return context.WithValue(ctx, statsKey{}, s), s
}

func statsFrom(ctx context.Context) *Stats {
	s, _ := ctx.Value(statsKey{}).(*Stats)
	return s
}

// LookupHook observes the outcome of each cache lookup.
type LookupHook func(model string, hits, misses int)

// CachedModel serves repeated values from a Cache and forwards only the
// misses to the wrapped model.
type CachedModel struct {
	inner     core.EmbeddingModel[string]
	cache     Cache
	namespace string
	ttl       time.Duration
	hook      LookupHook
	logger    *slog.Logger
}

// ModelOption configures a CachedModel.
type ModelOption func(*CachedModel)

// WithTTL sets the TTL of stored embeddings.
func WithTTL(ttl time.Duration) ModelOption {
	return func(m *CachedModel) { m.ttl = ttl }
}

// WithNamespace scopes keys to one configured upstream. Upstreams sharing a
// cache must use distinct namespaces, since their model ids may collide.
func WithNamespace(ns string) ModelOption {
	return func(m *CachedModel) { m.namespace = ns }
}

// WithLookupHook installs a lookup observer.
func WithLookupHook(h LookupHook) ModelOption {
	return func(m *CachedModel) { m.hook = h }
}

// WithLogger sets the logger for cache backend failures.
func WithLogger(l *slog.Logger) ModelOption {
	return func(m *CachedModel) { m.logger = l }
}

// NewCachedModel decorates inner with c.
func NewCachedModel(inner core.EmbeddingModel[string], c Cache, opts ...ModelOption) *CachedModel {
	m := &CachedModel{inner: inner, cache: c, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ModelID implements core.EmbeddingModel.
func (m *CachedModel) ModelID() string { return m.inner.ModelID() }

// MaxEmbeddingsPerCall implements core.EmbeddingModel.
func (m *CachedModel) MaxEmbeddingsPerCall() int { return m.inner.MaxEmbeddingsPerCall() }

// DoEmbed implements core.EmbeddingModel. Cache backend errors are logged and
// treated as misses. When every value hits, usage is zero tokens.
func (m *CachedModel) DoEmbed(ctx context.Context, call core.EmbedCall[string]) (*core.EmbedResponse, error) {
	model := m.inner.ModelID()
	scope := model
	if m.namespace != "" {
		scope = m.namespace + "/" + model
	}
	keys := make([]string, len(call.Values))
	for i, v := range call.Values {
		keys[i] = Key(scope, v)
	}

	found, err := m.cache.GetMany(ctx, keys)
	if err != nil {
		if core.IsCancelled(err) || ctx.Err() != nil {
			return nil, core.NewCancelledError(ctx.Err())
		}
		m.logger.Warn("embedding cache read failed", "model", model, "error", err)
		found = nil
	}

	out := make([]core.Embedding, len(call.Values))
	// Unique missing keys in first-seen order, so duplicates are embedded once.
	var missKeys []string
	var missValues []string
	pending := make(map[string]bool)
	for i, k := range keys {
		if e, ok := found[k]; ok {
			out[i] = e
			continue
		}
		if !pending[k] {
			pending[k] = true
			missKeys = append(missKeys, k)
			missValues = append(missValues, call.Values[i])
		}
	}

	hits := len(keys) - countMisses(out)
	m.record(ctx, model, hits, len(keys)-hits)

	if len(missValues) == 0 {
		return &core.EmbedResponse{Embeddings: out, Usage: core.ReportedUsage(0)}, nil
	}

	resp, err := m.inner.DoEmbed(ctx, core.EmbedCall[string]{Values: missValues, Headers: call.Headers})
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(missValues) {
		return nil, core.NewProviderError(model, http.StatusBadGateway,
			fmt.Sprintf("model returned %d embeddings for %d values", len(resp.Embeddings), len(missValues)), nil)
	}

	fresh := make(map[string]core.Embedding, len(missKeys))
	for i, k := range missKeys {
		fresh[k] = resp.Embeddings[i]
	}
	for i, k := range keys {
		if out[i] == nil {
			out[i] = fresh[k]
		}
	}

	if err := m.cache.SetMany(ctx, fresh, m.ttl); err != nil {
		m.logger.Warn("embedding cache write failed", "model", model, "error", err)
	}
	return &core.EmbedResponse{Embeddings: out, Usage: resp.Usage}, nil
}

func (m *CachedModel) record(ctx context.Context, model string, hits, misses int) {
	if s := statsFrom(ctx); s != nil {
		s.Hits.Add(int64(hits))
		s.Misses.Add(int64(misses))
	}
	if m.hook != nil {
		m.hook(model, hits, misses)
	}
}

func countMisses(out []core.Embedding) int {
	n := 0
	for _, e := range out {
		if e == nil {
			n++
		}
	}
	return n
}
