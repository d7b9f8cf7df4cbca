package stream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"embedstream/internal/core"
)

// maxLineSize bounds a single NDJSON or SSE line.
const maxLineSize = 1 << 20

// Source is a pull-based producer of upstream units.
// Next returns io.EOF once the source is exhausted.
type Source interface {
	Next(ctx context.Context) (Unit, error)
	Close() error
}

// SliceSource serves a fixed list of units.
type SliceSource struct {
	units []Unit
	pos   int
}

// NewSliceSource returns a source that yields units in order.
func NewSliceSource(units ...Unit) *SliceSource {
	return &SliceSource{units: units}
}

// Next returns the next unit.
func (s *SliceSource) Next(ctx context.Context) (Unit, error) {
	if err := ctx.Err(); err != nil {
		return Unit{}, core.NewCancelledError(err)
	}
	if s.pos >= len(s.units) {
		return Unit{}, io.EOF
	}
	u := s.units[s.pos]
	s.pos++
	return u, nil
}

// Close is a no-op.
func (s *SliceSource) Close() error { return nil }

// Item is a unit or a terminal error sent over a channel.
type Item struct {
	Unit Unit
	Err  error
}

// ChanSource adapts a channel fed by a producer goroutine. With an unbuffered
// channel the producer blocks until the consumer pulls.
type ChanSource struct {
	ch       <-chan Item
	stop     func()
	stopOnce sync.Once
	err      error
}

// NewChanSource wraps ch. stop, if non-nil, is called once on Close and
// must make the producer give up and close ch.
func NewChanSource(ch <-chan Item, stop func()) *ChanSource {
	return &ChanSource{ch: ch, stop: stop}
}

// Next blocks until the producer sends an item, closes the channel, or ctx ends.
func (s *ChanSource) Next(ctx context.Context) (Unit, error) {
	if s.err != nil {
		return Unit{}, s.err
	}
	select {
	case <-ctx.Done():
		return Unit{}, core.NewCancelledError(ctx.Err())
	case item, ok := <-s.ch:
		if !ok {
			// A producer that stopped because ctx ended did not finish the stream.
			if err := ctx.Err(); err != nil {
				return Unit{}, core.NewCancelledError(err)
			}
			s.err = io.EOF
			return Unit{}, io.EOF
		}
		if item.Err != nil {
			s.err = item.Err
			return Unit{}, item.Err
		}
		return item.Unit, nil
	}
}

// Close stops the producer.
func (s *ChanSource) Close() error {
	s.stopOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
	return nil
}

// LineDecoder turns one payload line into a unit. ok=false skips the line.
type LineDecoder func(line []byte) (u Unit, ok bool, err error)

// LineSource decodes one unit per line from NDJSON or SSE input.
type LineSource struct {
	rc      io.ReadCloser
	scanner *bufio.Scanner
	decode  LineDecoder
	line    int
}

// NewLineSource reads units from rc. Blank lines, SSE comments, event/id/retry
// fields and the "[DONE]" sentinel are skipped; "data:" prefixes are stripped.
func NewLineSource(rc io.ReadCloser) *LineSource {
	return NewLineSourceWith(rc, decodeLine)
}

// NewLineSourceWith is NewLineSource with a custom payload decoder.
func NewLineSourceWith(rc io.ReadCloser, decode LineDecoder) *LineSource {
	sc := bufio.NewScanner(rc)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &LineSource{rc: rc, scanner: sc, decode: decode}
}

func decodeLine(line []byte) (Unit, bool, error) {
	u, err := DecodeUnit(line)
	return u, err == nil, err
}

var (
	dataPrefix  = []byte("data:")
	doneMarker  = []byte("[DONE]")
	sseSkipList = [][]byte{[]byte("event:"), []byte("id:"), []byte("retry:"), []byte(":")}
)

// Next returns the next decoded unit.
func (s *LineSource) Next(ctx context.Context) (Unit, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Unit{}, core.NewCancelledError(err)
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return Unit{}, core.NewCancelledError(ctxErr)
				}
				return Unit{}, core.NewStreamError("failed to read upstream stream", err)
			}
			return Unit{}, io.EOF
		}
		s.line++

		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 || skipSSEField(line) {
			continue
		}
		if bytes.HasPrefix(line, dataPrefix) {
			line = bytes.TrimSpace(line[len(dataPrefix):])
		}
		if len(line) == 0 || bytes.Equal(line, doneMarker) {
			continue
		}

		u, ok, err := s.decode(line)
		if err != nil {
			return Unit{}, fmt.Errorf("line %d: %w", s.line, err)
		}
		if ok {
			return u, nil
		}
	}
}

// Close closes the underlying reader.
func (s *LineSource) Close() error {
	return s.rc.Close()
}

func skipSSEField(line []byte) bool {
	for _, prefix := range sseSkipList {
		if bytes.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}
