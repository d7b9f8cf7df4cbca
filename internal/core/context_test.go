package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestID(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetRequestID(ctx))

	ctx = WithRequestID(ctx, "req-1")
	assert.Equal(t, "req-1", GetRequestID(ctx))

	same, id := EnsureRequestID(ctx)
	assert.Equal(t, "req-1", id)
	assert.Equal(t, ctx, same)
}

func TestEnsureRequestID_Generates(t *testing.T) {
	ctx, id := EnsureRequestID(context.Background())
	assert.Len(t, id, 36)
	assert.Equal(t, id, GetRequestID(ctx))

	_, other := EnsureRequestID(context.Background())
	assert.NotEqual(t, id, other)
}
