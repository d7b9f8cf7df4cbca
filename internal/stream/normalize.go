package stream

import (
	"context"
	"fmt"
)

// TokenReader yields canonical text tokens. Next returns io.EOF at the end.
type TokenReader interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// Tokens maps one upstream unit to the text tokens it carries.
// Most units yield zero or one token; a delta with several text parts yields
// one token per part, in order.
func Tokens(u Unit) ([]string, error) {
	switch u.Kind {
	case KindText:
		return []string{u.Text}, nil
	case KindDelta:
		if u.Delta == nil {
			return nil, fmt.Errorf("%w: delta unit without delta", ErrMalformedUnit)
		}
		return deltaTokens(*u.Delta), nil
	case KindEvent:
		if u.Event != ModelStreamEvent {
			return nil, nil
		}
		if u.Payload == nil {
			return nil, fmt.Errorf("%w: %s event without a message chunk", ErrMalformedUnit, ModelStreamEvent)
		}
		return deltaTokens(*u.Payload), nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformedUnit, int(u.Kind))
	}
}

func deltaTokens(d MessageDelta) []string {
	if d.Content != nil {
		return []string{*d.Content}
	}
	var out []string
	for _, part := range d.Parts {
		if part.Type == PartTypeText {
			out = append(out, part.Text)
		}
	}
	return out
}

type normalizer struct {
	src     Source
	pending []string
	err     error
}

// Normalize turns a source of mixed units into a reader of text tokens.
// The source is pulled only once the tokens of the previous unit are consumed.
func Normalize(src Source) TokenReader {
	return &normalizer{src: src}
}

func (n *normalizer) Next(ctx context.Context) (string, error) {
	for len(n.pending) == 0 {
		if n.err != nil {
			return "", n.err
		}
		u, err := n.src.Next(ctx)
		if err != nil {
			n.err = err
			return "", err
		}
		toks, err := Tokens(u)
		if err != nil {
			n.err = err
			return "", err
		}
		n.pending = toks
	}
	tok := n.pending[0]
	n.pending = n.pending[1:]
	return tok, nil
}

func (n *normalizer) Close() error {
	return n.src.Close()
}
