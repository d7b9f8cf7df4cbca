// Package cache stores computed embeddings so repeated values skip the model.
// Backends are an in-process LRU and Redis for multi-instance deployments.
package cache

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"

	"embedstream/internal/core"
)

// Cache stores embeddings by key. Implementations must be safe for concurrent use.
type Cache interface {
	// GetMany returns the entries found among keys. Missing keys are absent
	// from the map; a miss is not an error.
	GetMany(ctx context.Context, keys []string) (map[string]core.Embedding, error)

	// SetMany stores entries. A ttl <= 0 means the backend default.
	SetMany(ctx context.Context, entries map[string]core.Embedding, ttl time.Duration) error

	// Close releases any resources held by the cache.
	Close() error
}

// Key derives the cache key for value embedded by model.
func Key(model, value string) string {
	d := xxhash.New()
	_, _ = d.WriteString(model)
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(value)
	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], d.Sum64())
	return model + ":" + hex.EncodeToString(sum[:])
}

// encodeEmbedding packs e as little-endian float32s.
func encodeEmbedding(e core.Embedding) []byte {
	buf := make([]byte, 4*len(e))
	for i, f := range e {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(b []byte) (core.Embedding, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("corrupt cached embedding: %d bytes", len(b))
	}
	e := make(core.Embedding, len(b)/4)
	for i := range e {
		e[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return e, nil
}
