package stream

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	events []string
	errs   []error
}

func (r *recorder) callbacks() *Callbacks {
	return &Callbacks{
		OnStart: func(context.Context) error {
			r.events = append(r.events, "start")
			return nil
		},
		OnToken: func(_ context.Context, tok string) error {
			r.events = append(r.events, "token:"+tok)
			return nil
		},
		OnCompletion: func(_ context.Context, completion string) error {
			r.events = append(r.events, "completion:"+completion)
			return nil
		},
		OnError: func(_ context.Context, err error) {
			r.errs = append(r.errs, err)
		},
	}
}

func TestWithCallbacks_Order(t *testing.T) {
	rec := &recorder{}
	r := WithCallbacks(Normalize(NewSliceSource(TextUnit("a"), TextUnit("b"))), rec.callbacks())

	toks, err := drain(t, r)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, toks)
	assert.Equal(t, []string{"start", "token:a", "token:b", "completion:ab"}, rec.events)
	assert.Empty(t, rec.errs)

	// Reading past the end does not fire completion again.
	_, err = r.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.Len(t, rec.events, 4)
}

func TestWithCallbacks_EmptyStream(t *testing.T) {
	rec := &recorder{}
	toks, err := drain(t, WithCallbacks(Normalize(NewSliceSource()), rec.callbacks()))
	require.NoError(t, err)
	assert.Empty(t, toks)
	assert.Equal(t, []string{"start", "completion:"}, rec.events)
}

func TestWithCallbacks_NilCallbacksPassThrough(t *testing.T) {
	inner := Normalize(NewSliceSource(TextUnit("x")))
	assert.Same(t, inner, WithCallbacks(inner, nil))

	toks, err := drain(t, WithCallbacks(Normalize(NewSliceSource(TextUnit("x"))), &Callbacks{}))
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, toks)
}

func TestWithCallbacks_UpstreamFailure(t *testing.T) {
	boom := errors.New("boom")
	ch := make(chan Item, 2)
	ch <- Item{Unit: TextUnit("a")}
	ch <- Item{Err: boom}
	close(ch)

	rec := &recorder{}
	r := WithCallbacks(Normalize(NewChanSource(ch, nil)), rec.callbacks())
	toks, err := drain(t, r)
	assert.Equal(t, []string{"a"}, toks)
	require.ErrorIs(t, err, boom)

	_, err = r.Next(context.Background())
	require.ErrorIs(t, err, boom)

	assert.Equal(t, []string{"start", "token:a"}, rec.events)
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], boom)
}

func TestWithCallbacks_HandlerFailure(t *testing.T) {
	denied := errors.New("denied")
	tests := []struct {
		name     string
		hook     string
		cb       func(rec *recorder) *Callbacks
		wantToks []string
	}{
		{
			name: "start",
			hook: "start",
			cb: func(rec *recorder) *Callbacks {
				cb := rec.callbacks()
				cb.OnStart = func(context.Context) error { return denied }
				return cb
			},
		},
		{
			name: "second token",
			hook: "token",
			cb: func(rec *recorder) *Callbacks {
				cb := rec.callbacks()
				cb.OnToken = func(_ context.Context, tok string) error {
					if tok == "b" {
						return denied
					}
					return nil
				}
				return cb
			},
			wantToks: []string{"a"},
		},
		{
			name: "completion",
			hook: "completion",
			cb: func(rec *recorder) *Callbacks {
				cb := rec.callbacks()
				cb.OnCompletion = func(context.Context, string) error { return denied }
				return cb
			},
			wantToks: []string{"a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			r := WithCallbacks(Normalize(NewSliceSource(TextUnit("a"), TextUnit("b"))), tt.cb(rec))
			toks, err := drain(t, r)
			assert.Equal(t, tt.wantToks, toks)

			var cbErr *CallbackError
			require.ErrorAs(t, err, &cbErr)
			assert.Equal(t, tt.hook, cbErr.Hook)
			assert.ErrorIs(t, err, denied)
			require.Len(t, rec.errs, 1)

			_, again := r.Next(context.Background())
			assert.Equal(t, err, again)
			assert.Len(t, rec.errs, 1)
		})
	}
}
