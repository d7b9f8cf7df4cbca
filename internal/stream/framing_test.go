package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"embedstream/internal/core"
)

func TestEncodeRecords(t *testing.T) {
	assert.Equal(t, "0:\"hello\"\n", string(EncodeTextRecord("hello")))
	assert.Equal(t, "0:\"\"\n", string(EncodeTextRecord("")))
	assert.Equal(t, "0:\"a\\\"b\\nc\"\n", string(EncodeTextRecord("a\"b\nc")))
	assert.Equal(t, "0:\"<b>&</b>\"\n", string(EncodeTextRecord("<b>&</b>")))
	assert.Equal(t, "3:\"bad\"\n", string(EncodeErrorRecord("bad")))
}

func TestFrameReader(t *testing.T) {
	src := NewSliceSource(TextUnit("Hel"), TextUnit("lo"))
	body, err := io.ReadAll(NewFrameReader(context.Background(), Normalize(src)))
	require.NoError(t, err)
	assert.Equal(t, "0:\"Hel\"\n0:\"lo\"\n", string(body))
}

func TestFrameReader_SmallReads(t *testing.T) {
	fr := NewFrameReader(context.Background(), Normalize(NewSliceSource(TextUnit("abcdef"))))
	var out bytes.Buffer
	p := make([]byte, 3)
	for {
		n, err := fr.Read(p)
		out.Write(p[:n])
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, "0:\"abcdef\"\n", out.String())
}

func TestFrameReader_ErrorAfterRecords(t *testing.T) {
	boom := errors.New("boom")
	ch := make(chan Item, 2)
	ch <- Item{Unit: TextUnit("a")}
	ch <- Item{Err: boom}
	close(ch)

	body, err := io.ReadAll(NewFrameReader(context.Background(), Normalize(NewChanSource(ch, nil))))
	assert.Equal(t, "0:\"a\"\n", string(body))
	assert.ErrorIs(t, err, boom)
}

func TestFrameReader_CloseClosesSource(t *testing.T) {
	closed := false
	src := NewChanSource(make(chan Item), func() { closed = true })
	require.NoError(t, NewFrameReader(context.Background(), Normalize(src)).Close())
	assert.True(t, closed)
}

func TestWriteFrames(t *testing.T) {
	rec := httptest.NewRecorder()
	err := WriteFrames(context.Background(), rec, Normalize(NewSliceSource(TextUnit("a"), TextUnit("b"))))
	require.NoError(t, err)
	assert.Equal(t, "0:\"a\"\n0:\"b\"\n", rec.Body.String())
	assert.True(t, rec.Flushed)
}

func TestWriteFrames_ErrorRecord(t *testing.T) {
	ch := make(chan Item, 2)
	ch <- Item{Unit: TextUnit("a")}
	ch <- Item{Err: core.NewStreamError("upstream broke", errors.New("secret detail"))}
	close(ch)

	var buf bytes.Buffer
	err := WriteFrames(context.Background(), &buf, Normalize(NewChanSource(ch, nil)))
	require.Error(t, err)
	assert.Equal(t, "0:\"a\"\n3:\"upstream broke\"\n", buf.String())
}

func TestWriteFrames_CancelWritesNoErrorRecord(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	err := WriteFrames(ctx, &buf, Normalize(NewChanSource(make(chan Item), nil)))
	assert.True(t, core.IsCancelled(err))
	assert.Empty(t, buf.String())
}

func TestRecordScanner_RoundTrip(t *testing.T) {
	tokens := []string{"Hel", "lo", "", "quote\"d", "line\nbreak", "ünï"}
	units := make([]Unit, len(tokens))
	for i, tok := range tokens {
		units[i] = TextUnit(tok)
	}

	sc := NewRecordScanner(NewFrameReader(context.Background(), Normalize(NewSliceSource(units...))))
	var got []string
	for sc.Scan() {
		assert.Equal(t, CodeText, sc.Record().Code)
		got = append(got, sc.Record().Text)
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, tokens, got)
}

func TestRecordScanner_Malformed(t *testing.T) {
	sc := NewRecordScanner(strings.NewReader("0:\"ok\"\nnonsense\n"))
	require.True(t, sc.Scan())
	assert.Equal(t, "ok", sc.Record().Text)
	assert.False(t, sc.Scan())
	assert.Error(t, sc.Err())
}

func TestToTextStream(t *testing.T) {
	hey := StringDelta("Hey")
	rec := &recorder{}
	src := NewSliceSource(EventUnit("on_chain_start", nil), EventUnit(ModelStreamEvent, &hey), TextUnit("!"))

	body, err := io.ReadAll(ToTextStream(context.Background(), src, rec.callbacks()))
	require.NoError(t, err)
	assert.Equal(t, "0:\"Hey\"\n0:\"!\"\n", string(body))
	assert.Equal(t, []string{"start", "token:Hey", "token:!", "completion:Hey!"}, rec.events)
}

func TestPipeTextStream(t *testing.T) {
	var buf bytes.Buffer
	closed := false
	ch := make(chan Item, 1)
	ch <- Item{Unit: TextUnit("z")}
	close(ch)

	err := PipeTextStream(context.Background(), &buf, NewChanSource(ch, func() { closed = true }), nil)
	require.NoError(t, err)
	assert.Equal(t, "0:\"z\"\n", buf.String())
	assert.True(t, closed)
}
