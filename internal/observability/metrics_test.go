package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"embedstream/internal/core"
	"embedstream/internal/embed"
	"embedstream/internal/stream"
)

func TestEmbedObserver_CountsChunksAndTokens(t *testing.T) {
	m := New(prometheus.NewRegistry())
	model := core.EmbeddingModelFunc[string]{
		ID:         "m",
		MaxPerCall: 2,
		Fn: func(_ context.Context, call core.EmbedCall[string]) (*core.EmbedResponse, error) {
			out := make([]core.Embedding, len(call.Values))
			for i := range out {
				out[i] = core.Embedding{1}
			}
			return &core.EmbedResponse{Embeddings: out, Usage: core.ReportedUsage(len(call.Values))}, nil
		},
	}

	_, err := embed.EmbedMany[string](context.Background(), model, []string{"a", "b", "c"}, embed.WithObserver(m.EmbedObserver("m")))
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.chunks.WithLabelValues("m", StatusOK)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.embedTokens.WithLabelValues("m")))
}

func TestEmbedObserver_FailureStatus(t *testing.T) {
	m := New(prometheus.NewRegistry())
	obs := m.EmbedObserver("m")
	obs.ChunkFailed(0, 1, errors.New("boom"))
	obs.ChunkFailed(1, 1, core.NewCancelledError(context.Canceled))
	obs.ChunkCompleted(2, 1, core.UnknownUsage())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.chunks.WithLabelValues("m", StatusError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.chunks.WithLabelValues("m", StatusCancelled)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.embedTokens.WithLabelValues("m")))
}

func TestRetryHooksAndCacheLookup(t *testing.T) {
	m := New(prometheus.NewRegistry())
	h := m.RetryHooks("m")
	h.OnRetry(1, time.Millisecond, errors.New("x"))
	h.OnRetry(2, time.Millisecond, errors.New("x"))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.retries.WithLabelValues("m")))

	m.CacheLookup("m", 3, 1)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("m", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("m", "miss")))
}

func TestStreamCallbacks(t *testing.T) {
	m := New(prometheus.NewRegistry())
	var completion string
	cb := m.StreamCallbacks("/v1/stream", &stream.Callbacks{
		OnCompletion: func(_ context.Context, text string) error {
			completion = text
			return nil
		},
	})

	src := stream.NewSliceSource(stream.TextUnit("Hel"), stream.TextUnit("lo"))
	rc := stream.ToTextStream(context.Background(), src, cb)
	defer rc.Close()
	var out []byte
	buf := make([]byte, 64)
	for {
		n, err := rc.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			break
		}
	}

	assert.Equal(t, "0:\"Hel\"\n0:\"lo\"\n", string(out))
	assert.Equal(t, "Hello", completion)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.streamTokens.WithLabelValues("/v1/stream")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.streamErrors.WithLabelValues("/v1/stream")))
}

func TestStreamCallbacks_CountsErrors(t *testing.T) {
	m := New(prometheus.NewRegistry())
	var seen error
	cb := m.StreamCallbacks("chat", &stream.Callbacks{
		OnError: func(_ context.Context, err error) { seen = err },
	})

	src := stream.NewSliceSource(stream.TextUnit("a"), stream.Unit{})
	r := stream.WithCallbacks(stream.Normalize(src), cb)
	_, err := r.Next(context.Background())
	require.NoError(t, err)
	_, err = r.Next(context.Background())
	require.Error(t, err)

	assert.Equal(t, err, seen)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.streamErrors.WithLabelValues("chat")))
}

func TestStreamCallbacks_CancellationIsNotAnError(t *testing.T) {
	m := New(prometheus.NewRegistry())
	var seen error
	cb := m.StreamCallbacks("chat", &stream.Callbacks{
		OnError: func(_ context.Context, err error) { seen = err },
	})

	src := stream.NewSliceSource(stream.TextUnit("a"), stream.TextUnit("b"))
	r := stream.WithCallbacks(stream.Normalize(src), cb)
	_, err := r.Next(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Next(ctx)
	require.Error(t, err)
	assert.True(t, core.IsCancelled(err))

	assert.True(t, core.IsCancelled(seen))
	assert.Zero(t, testutil.ToFloat64(m.streamErrors.WithLabelValues("chat")))
}

func TestStreamCallbacks_NilBase(t *testing.T) {
	m := New(prometheus.NewRegistry())
	cb := m.StreamCallbacks("r", nil)
	require.NotNil(t, cb)
	require.NoError(t, cb.OnStart(context.Background()))
	require.NoError(t, cb.OnToken(context.Background(), "x"))
	require.NoError(t, cb.OnCompletion(context.Background(), "x"))
	cb.OnError(context.Background(), errors.New("e"))
}
