package train

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/314dev/fulgur/core"
	"github.com/314dev/fulgur/strategies"
)

// freshTrainData hands out a new loader per call so goroutine ranks never
// share iteration state.
type freshTrainData struct {
	n int
}

func (d freshTrainData) TrainDataloader() core.DataLoader { return batches(d.n) }

func TestFitWithGoroutineSpawn(t *testing.T) {
	dir := t.TempDir()

	strategy := strategies.NewDDPSpawn(nil, 2)
	strategy.ModuleFactory = func() core.Module {
		m := newTestModule(&recorder{})
		m.weights = []float64{42}
		return m
	}

	parent := newTestModule(&recorder{})
	trainer := NewTrainer(Config{MaxEpochs: 1, DefaultRootDir: dir}, WithStrategy(strategy))
	require.NoError(t, trainer.Fit(parent, freshTrainData{n: 2}, ""))

	assert.Equal(t, []float64{42}, parent.weights, "rank 0's weights flow back to the caller")
	assert.Equal(t, 2, trainer.GlobalStep())
	assert.Equal(t, 1, trainer.CurrentEpoch())

	leftovers, err := filepath.Glob(filepath.Join(dir, ".temp-*.ckpt"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "the weight hand-off file is removed after recovery")
}

func TestFitWithGoroutineSpawnSharedModule(t *testing.T) {
	dir := t.TempDir()

	// Without a factory every rank drives the same module instance; a
	// single-rank world keeps that safe for an unsynchronized module.
	strategy := strategies.NewDDPSpawn(nil, 1)
	rec := &recorder{}
	module := newTestModule(rec)
	trainer := NewTrainer(Config{MaxEpochs: 2, DefaultRootDir: dir}, WithStrategy(strategy))
	require.NoError(t, trainer.Fit(module, freshTrainData{n: 3}, ""))

	assert.Equal(t, 6, trainer.GlobalStep())
	assert.Equal(t, 6, count(rec.calls, "training_step"))
}
