package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Callbacks are optional lifecycle hooks observed while tokens pass through.
// A non-nil error from OnStart, OnToken or OnCompletion aborts the stream.
type Callbacks struct {
	OnStart      func(ctx context.Context) error
	OnToken      func(ctx context.Context, token string) error
	OnCompletion func(ctx context.Context, completion string) error
	OnError      func(ctx context.Context, err error)
}

// CallbackError reports a failing hook.
type CallbackError struct {
	Hook string
	Err  error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("stream callback %s failed: %v", e.Hook, e.Err)
}

func (e *CallbackError) Unwrap() error { return e.Err }

type callbackReader struct {
	r       TokenReader
	cb      Callbacks
	started bool
	acc     strings.Builder
	err     error
}

// WithCallbacks returns a reader that forwards r's tokens unchanged while
// invoking cb. A nil cb returns r as is.
func WithCallbacks(r TokenReader, cb *Callbacks) TokenReader {
	if cb == nil {
		return r
	}
	return &callbackReader{r: r, cb: *cb}
}

func (c *callbackReader) Next(ctx context.Context) (string, error) {
	if c.err != nil {
		return "", c.err
	}

	if !c.started {
		c.started = true
		if c.cb.OnStart != nil {
			if err := c.cb.OnStart(ctx); err != nil {
				return "", c.fail(ctx, &CallbackError{Hook: "start", Err: err})
			}
		}
	}

	tok, err := c.r.Next(ctx)
	if errors.Is(err, io.EOF) {
		c.err = io.EOF
		if c.cb.OnCompletion != nil {
			if err := c.cb.OnCompletion(ctx, c.acc.String()); err != nil {
				return "", c.fail(ctx, &CallbackError{Hook: "completion", Err: err})
			}
		}
		return "", io.EOF
	}
	if err != nil {
		return "", c.fail(ctx, err)
	}

	if c.cb.OnToken != nil {
		if err := c.cb.OnToken(ctx, tok); err != nil {
			return "", c.fail(ctx, &CallbackError{Hook: "token", Err: err})
		}
	}
	if c.cb.OnCompletion != nil {
		c.acc.WriteString(tok)
	}
	return tok, nil
}

// fail makes err terminal and reports it to OnError exactly once.
func (c *callbackReader) fail(ctx context.Context, err error) error {
	c.err = err
	if c.cb.OnError != nil {
		c.cb.OnError(ctx, err)
	}
	return err
}

func (c *callbackReader) Close() error {
	return c.r.Close()
}
