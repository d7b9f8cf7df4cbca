package stream

import (
	"context"
	"io"
)

// ToTextStream chains Normalize, WithCallbacks and NewFrameReader over src.
// Closing the returned reader closes src.
func ToTextStream(ctx context.Context, src Source, cb *Callbacks) io.ReadCloser {
	return NewFrameReader(ctx, WithCallbacks(Normalize(src), cb))
}

// PipeTextStream is the push counterpart of ToTextStream: it writes framed
// records to w until src ends, then closes src.
func PipeTextStream(ctx context.Context, w io.Writer, src Source, cb *Callbacks) error {
	r := WithCallbacks(Normalize(src), cb)
	defer r.Close()
	return WriteFrames(ctx, w, r)
}
