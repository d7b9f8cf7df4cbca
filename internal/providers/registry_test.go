package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"embedstream/config"
	"embedstream/internal/core"
	"embedstream/internal/stream"
)

type fakeProvider struct {
	core.EmbeddingModelFunc[string]
}

func (f *fakeProvider) StreamChat(context.Context, string) (stream.Source, error) {
	return stream.NewSliceSource(stream.TextUnit(f.ID)), nil
}

func newFake(name string, cfg config.ProviderConfig, _ Deps) (Provider, error) {
	if cfg.Model == "broken" {
		return nil, errors.New("cannot build")
	}
	return &fakeProvider{core.EmbeddingModelFunc[string]{
		ID:         cfg.Model,
		MaxPerCall: cfg.MaxPerCall,
		Fn: func(_ context.Context, call core.EmbedCall[string]) (*core.EmbedResponse, error) {
			out := make([]core.Embedding, len(call.Values))
			for i := range out {
				out[i] = core.Embedding{float32(i)}
			}
			return &core.EmbedResponse{Embeddings: out}, nil
		},
	}}, nil
}

func testFactory() *Factory {
	return NewFactory(Registration{Type: "fake", New: newFake})
}

func TestBuild_SingleProviderBecomesDefault(t *testing.T) {
	reg, err := Build(map[string]config.ProviderConfig{
		"only": {Type: "fake", Model: "m1", MaxPerCall: 3},
	}, "", testFactory(), Deps{})
	require.NoError(t, err)

	m, err := reg.Embedder("")
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ModelID())
	assert.Equal(t, 3, m.MaxEmbeddingsPerCall())
}

func TestBuild_Errors(t *testing.T) {
	_, err := Build(map[string]config.ProviderConfig{"a": {Type: "nope"}}, "", testFactory(), Deps{})
	assert.ErrorContains(t, err, "unknown type")

	_, err = Build(map[string]config.ProviderConfig{"a": {Type: "fake", Model: "broken"}}, "", testFactory(), Deps{})
	assert.ErrorContains(t, err, "cannot build")

	_, err = Build(map[string]config.ProviderConfig{"a": {Type: "fake"}}, "b", testFactory(), Deps{})
	assert.ErrorContains(t, err, "not registered")
}

func TestRegistry_Lookup(t *testing.T) {
	reg, err := Build(map[string]config.ProviderConfig{
		"a": {Type: "fake", Model: "ma"},
		"b": {Type: "fake", Model: "mb"},
	}, "", testFactory(), Deps{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, reg.Names())
	assert.Equal(t, 2, reg.Len())

	_, err = reg.Embedder("")
	var gwErr *core.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, core.ErrorTypeInvalidRequest, gwErr.Type)

	_, err = reg.Streamer("zzz")
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, core.ErrorTypeNotFound, gwErr.Type)

	s, err := reg.Streamer("b")
	require.NoError(t, err)
	src, err := s.StreamChat(context.Background(), "hi")
	require.NoError(t, err)
	u, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "mb", u.Text)
}

func TestRegistry_WrapEmbedders(t *testing.T) {
	reg, err := Build(map[string]config.ProviderConfig{"a": {Type: "fake", Model: "ma"}}, "a", testFactory(), Deps{})
	require.NoError(t, err)

	reg.WrapEmbedders(func(name string, m core.EmbeddingModel[string]) core.EmbeddingModel[string] {
		return &core.EmbeddingModelFunc[string]{ID: name + "-wrapped:" + m.ModelID(), Fn: nil}
	})

	m, err := reg.Embedder("a")
	require.NoError(t, err)
	assert.Equal(t, "a-wrapped:ma", m.ModelID())
}

func TestFactory_Types(t *testing.T) {
	f := testFactory()
	f.Register(Registration{Type: "another", New: newFake})
	assert.Equal(t, []string{"another", "fake"}, f.Types())
}
