package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/raphaelgruber/kbchat/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbeddings struct {
	dim   int
	extra bool
	err   error
}

func (f *fakeEmbeddings) vector() []float32 {
	return make([]float32, f.dim)
}

func (f *fakeEmbeddings) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, 0, len(texts)+1)
	for range texts {
		out = append(out, f.vector())
	}
	if f.extra {
		out = append(out, f.vector())
	}
	return out, nil
}

func (f *fakeEmbeddings) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vector(), nil
}

func TestEmbedQuery(t *testing.T) {
	ctx := context.Background()

	e := NewEmbedderFrom(&fakeEmbeddings{dim: 4}, "mini", 4)
	v, err := e.EmbedQuery(ctx, "hello")
	require.NoError(t, err)
	assert.Len(t, v, 4)
	assert.Equal(t, "mini", e.Model())
	assert.Equal(t, 4, e.Dimension())

	_, err = NewEmbedderFrom(&fakeEmbeddings{dim: 3}, "mini", 4).EmbedQuery(ctx, "hello")
	assert.ErrorContains(t, err, "dimension mismatch")

	boom := errors.New("boom")
	_, err = NewEmbedderFrom(&fakeEmbeddings{dim: 4, err: boom}, "mini", 4).EmbedQuery(ctx, "hello")
	assert.ErrorIs(t, err, boom)
}

func TestEmbedBatch(t *testing.T) {
	ctx := context.Background()

	e := NewEmbedderFrom(&fakeEmbeddings{dim: 2}, "mini", 2)
	empty, err := e.EmbedBatch(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	vs, err := e.EmbedBatch(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vs, 2)

	_, err = NewEmbedderFrom(&fakeEmbeddings{dim: 2, extra: true}, "mini", 2).EmbedBatch(ctx, []string{"a"})
	assert.ErrorContains(t, err, "count mismatch")

	_, err = NewEmbedderFrom(&fakeEmbeddings{dim: 3}, "mini", 2).EmbedBatch(ctx, []string{"a"})
	assert.ErrorContains(t, err, "dimension mismatch")
}

func TestNewEmbedderRejectsUnknownProvider(t *testing.T) {
	_, err := NewEmbedder(config.Config{EmbedProvider: "carrier-pigeon"})
	assert.ErrorContains(t, err, "unsupported embedding provider")

	_, err = NewEmbedder(config.Config{EmbedProvider: config.ProviderOpenAI})
	assert.ErrorContains(t, err, "API key required")
}
