package train

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/314dev/fulgur/core"
)

func TestFetcherFlagsLastBatch(t *testing.T) {
	f := newFetcher(core.NewSliceLoader(1, 2, 3))

	batch, isLast, err := f.Next()
	require.NoError(t, err)
	assert.Equal(t, 1, batch)
	assert.False(t, isLast)

	batch, isLast, err = f.Next()
	require.NoError(t, err)
	assert.Equal(t, 2, batch)
	assert.False(t, isLast)

	batch, isLast, err = f.Next()
	require.NoError(t, err)
	assert.Equal(t, 3, batch)
	assert.True(t, isLast, "the final batch must announce itself")

	_, _, err = f.Next()
	assert.Equal(t, io.EOF, err)
}

func TestFetcherEmptyLoader(t *testing.T) {
	f := newFetcher(core.NewSliceLoader())
	_, _, err := f.Next()
	assert.Equal(t, io.EOF, err)
}

func TestFetcherSingleBatch(t *testing.T) {
	f := newFetcher(core.NewSliceLoader("only"))
	batch, isLast, err := f.Next()
	require.NoError(t, err)
	assert.Equal(t, "only", batch)
	assert.True(t, isLast)
}
