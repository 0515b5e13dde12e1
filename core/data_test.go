package core

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, dl DataLoader) []Batch {
	t.Helper()
	var out []Batch
	for {
		b, err := dl.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, b)
	}
}

func TestSliceLoader(t *testing.T) {
	dl := NewSliceLoader("a", "b", "c")
	assert.Equal(t, 3, LoaderLen(dl))
	assert.Equal(t, []Batch{"a", "b", "c"}, drain(t, dl))

	// Exhausted until reset.
	_, err := dl.Next()
	assert.Equal(t, io.EOF, err)
	require.NoError(t, dl.Reset())
	assert.Equal(t, []Batch{"a", "b", "c"}, drain(t, dl))
}

func TestSliceLoaderStateRoundTrip(t *testing.T) {
	dl := NewSliceLoader(10, 20, 30)
	_, err := dl.Next()
	require.NoError(t, err)
	state := dl.StateDict()

	restored := NewSliceLoader(10, 20, 30)
	require.NoError(t, restored.LoadStateDict(state))
	assert.Equal(t, []Batch{20, 30}, drain(t, restored))

	// Positions decoded from JSON arrive as float64.
	fromJSON := NewSliceLoader(10, 20, 30)
	require.NoError(t, fromJSON.LoadStateDict(map[string]any{"next": 2.0}))
	assert.Equal(t, []Batch{30}, drain(t, fromJSON))
}

type unsizedLoader struct{}

func (unsizedLoader) Next() (Batch, error) { return nil, io.EOF }
func (unsizedLoader) Reset() error         { return nil }

func TestLoaderLenUnsized(t *testing.T) {
	assert.Equal(t, -1, LoaderLen(unsizedLoader{}))
}

func TestCombinedLoaderMinSize(t *testing.T) {
	combined := NewCombinedLoader(map[string]DataLoader{
		"short": NewSliceLoader(1, 2),
		"long":  NewSliceLoader(10, 20, 30, 40),
	})
	assert.Equal(t, 2, combined.Len(), "the shortest member bounds the epoch")

	batches := drain(t, combined)
	require.Len(t, batches, 2)
	first := batches[0].(map[string]Batch)
	assert.Equal(t, 1, first["short"])
	assert.Equal(t, 10, first["long"])

	require.NoError(t, combined.Reset())
	assert.Len(t, drain(t, combined), 2)
}

func TestCombinedLoaderUnsizedMember(t *testing.T) {
	combined := NewCombinedLoader(map[string]DataLoader{
		"sized":   NewSliceLoader(1),
		"unsized": unsizedLoader{},
	})
	assert.Equal(t, -1, combined.Len())
}

type epochScheduler struct{ perEpoch bool }

func (s epochScheduler) Step()                              {}
func (s epochScheduler) StateDict() map[string]any          { return nil }
func (s epochScheduler) LoadStateDict(map[string]any) error { return nil }
func (s epochScheduler) PerEpoch() bool                     { return s.perEpoch }

type stepScheduler struct{}

func (stepScheduler) Step()                              {}
func (stepScheduler) StateDict() map[string]any          { return nil }
func (stepScheduler) LoadStateDict(map[string]any) error { return nil }

func TestSchedulerCadenceIsEpoch(t *testing.T) {
	assert.True(t, SchedulerCadenceIsEpoch(epochScheduler{perEpoch: true}))
	assert.False(t, SchedulerCadenceIsEpoch(epochScheduler{perEpoch: false}))
	assert.False(t, SchedulerCadenceIsEpoch(stepScheduler{}),
		"schedulers without an explicit cadence step per optimizer step")
}
