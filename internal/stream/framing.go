package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"embedstream/internal/core"
)

// Record type codes of the stream-data protocol.
const (
	CodeText  byte = '0'
	CodeError byte = '3'
)

// EncodeTextRecord frames a text token as `0:<json string>\n`.
func EncodeTextRecord(token string) []byte {
	return encodeRecord(CodeText, token)
}

// EncodeErrorRecord frames an error message as `3:<json string>\n`.
func EncodeErrorRecord(msg string) []byte {
	return encodeRecord(CodeError, msg)
}

func encodeRecord(code byte, s string) []byte {
	var buf bytes.Buffer
	buf.Grow(len(s) + 8)
	buf.WriteByte(code)
	buf.WriteByte(':')
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Encoding a string cannot fail; Encode terminates the record with '\n'.
	_ = enc.Encode(s)
	return buf.Bytes()
}

type frameReader struct {
	ctx context.Context
	r   TokenReader
	buf []byte
	err error
}

// NewFrameReader exposes r as a byte stream of text records. Tokens are pulled
// only when the previous record has been fully read.
func NewFrameReader(ctx context.Context, r TokenReader) io.ReadCloser {
	return &frameReader{ctx: ctx, r: r}
}

func (f *frameReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for len(f.buf) == 0 {
		if f.err != nil {
			return 0, f.err
		}
		tok, err := f.r.Next(f.ctx)
		if err != nil {
			f.err = err
			return 0, err
		}
		f.buf = EncodeTextRecord(tok)
	}
	n := copy(p, f.buf)
	f.buf = f.buf[n:]
	return n, nil
}

func (f *frameReader) Close() error {
	return f.r.Close()
}

// WriteFrames copies r to w one record at a time, flushing after each record
// when w supports it. A non-cancellation failure is also written to w as an
// error record before being returned.
func WriteFrames(ctx context.Context, w io.Writer, r TokenReader) error {
	flusher, _ := w.(http.Flusher)
	for {
		tok, err := r.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if !core.IsCancelled(err) {
				if _, werr := w.Write(EncodeErrorRecord(clientMessage(err))); werr == nil && flusher != nil {
					flusher.Flush()
				}
			}
			return err
		}
		if _, err := w.Write(EncodeTextRecord(tok)); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// clientMessage hides wrapped internals behind a GatewayError's message.
func clientMessage(err error) string {
	var gwErr *core.GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Message
	}
	return err.Error()
}

// Record is one parsed stream-data record.
type Record struct {
	Code byte
	Text string
}

// RecordScanner reads records from a framed byte stream.
type RecordScanner struct {
	sc  *bufio.Scanner
	rec Record
	err error
}

// NewRecordScanner returns a scanner over r.
func NewRecordScanner(r io.Reader) *RecordScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &RecordScanner{sc: sc}
}

// Scan advances to the next record. It returns false at the end of input or
// on the first malformed record; Err distinguishes the two.
func (s *RecordScanner) Scan() bool {
	if s.err != nil {
		return false
	}
	for s.sc.Scan() {
		line := s.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if len(line) < 3 || line[1] != ':' {
			s.err = fmt.Errorf("malformed record %q", line)
			return false
		}
		var text string
		if err := json.Unmarshal(line[2:], &text); err != nil {
			s.err = fmt.Errorf("malformed record payload %q: %w", line, err)
			return false
		}
		s.rec = Record{Code: line[0], Text: text}
		return true
	}
	s.err = s.sc.Err()
	return false
}

// Record returns the most recent record.
func (s *RecordScanner) Record() Record { return s.rec }

// Err returns the first non-EOF error.
func (s *RecordScanner) Err() error { return s.err }
