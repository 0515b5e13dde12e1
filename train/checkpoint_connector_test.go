package train

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/314dev/fulgur/checkpoints"
	"github.com/314dev/fulgur/core"
	"github.com/314dev/fulgur/fault"
	"github.com/314dev/fulgur/train/progress"
)

func TestFitResumeContinuesExactly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "epoch2.ckpt")

	first := NewTrainer(Config{MaxEpochs: 2, DefaultRootDir: dir})
	require.NoError(t, first.Fit(newTestModule(&recorder{}), &testData{train: batches(3)}, ""))
	require.Equal(t, 6, first.GlobalStep())
	require.NoError(t, first.SaveCheckpoint(path, false))

	rec := &recorder{}
	module := newTestModule(rec)
	resumed := NewTrainer(Config{MaxEpochs: 4, DefaultRootDir: dir})
	require.NoError(t, resumed.Fit(module, &testData{train: batches(3)}, path))

	assert.Equal(t, 12, resumed.GlobalStep(), "epochs 3 and 4 add exactly six steps")
	assert.Equal(t, 4, resumed.CurrentEpoch())
	assert.Equal(t, 6, count(rec.calls, "training_step"),
		"already-completed epochs must not be re-trained")
	assert.Equal(t, 12, module.optimizers[0].steps, "optimizer state carried over")
}

func TestFitResumeMidEpoch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "midepoch.ckpt")

	// MaxSteps 4 over 3-batch epochs stops one batch into the second epoch.
	first := NewTrainer(Config{MaxSteps: 4, DefaultRootDir: dir})
	require.NoError(t, first.Fit(newTestModule(&recorder{}), &testData{train: batches(3)}, ""))
	require.Equal(t, 4, first.GlobalStep())
	require.NoError(t, first.SaveCheckpoint(path, false))

	rec := &recorder{}
	resumed := NewTrainer(Config{MaxSteps: 6, DefaultRootDir: dir})
	require.NoError(t, resumed.Fit(newTestModule(rec), &testData{train: batches(3)}, path))

	assert.Equal(t, 6, resumed.GlobalStep())
	assert.Equal(t, 2, resumed.CurrentEpoch())
	assert.Equal(t, []string{"training_step(1)", "training_step(2)"}, rec.only("training_step"),
		"the second epoch resumes after its completed batch")
}

func TestManualOptimizationCheckpointResumes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manual.ckpt")

	// A manual-optimization run configures no optimizers; its full
	// checkpoint must still restore as a full one, not a weights-only one.
	first := NewTrainer(Config{MaxEpochs: 1, DefaultRootDir: dir})
	require.NoError(t, first.Fit(&manualModule{testModule: newTestModule(&recorder{})},
		&testData{train: batches(3)}, ""))
	require.NoError(t, first.SaveCheckpoint(path, false))

	loaded, err := checkpoints.JSONIO{}.Load(path)
	require.NoError(t, err)
	assert.False(t, loaded.WeightsOnly())

	rec := &recorder{}
	resumed := NewTrainer(Config{MaxEpochs: 2, DefaultRootDir: dir})
	require.NoError(t, resumed.Fit(&manualModule{testModule: newTestModule(rec)},
		&testData{train: batches(3)}, path))
	assert.Equal(t, 6, resumed.GlobalStep())
	assert.Equal(t, 3, count(rec.calls, "manual_step"),
		"only the second epoch is trained after the resume")
}

func TestCheckpointRecordsHyperparameters(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hparams.ckpt")

	module := &hyperparamModule{testModule: newTestModule(&recorder{})}
	trainer := NewTrainer(Config{MaxEpochs: 1, DefaultRootDir: dir})
	require.NoError(t, trainer.Fit(module, &testData{train: batches(1)}, ""))
	require.NoError(t, trainer.SaveCheckpoint(path, false))

	loaded, err := checkpoints.JSONIO{}.Load(path)
	require.NoError(t, err)
	require.NotNil(t, loaded.HParams)
	assert.Equal(t, 0.1, loaded.HParams["lr"])
	assert.Equal(t, 4.0, loaded.HParams["hidden_size"])
}

// hyperparamModule exposes the hyperparameters it was built with.
type hyperparamModule struct {
	*testModule
}

func (m *hyperparamModule) Hyperparameters() map[string]any {
	return map[string]any{"lr": 0.1, "hidden_size": 4.0}
}

func TestHPCSnapshotTakesPriorityOverExplicitPath(t *testing.T) {
	dir := t.TempDir()
	io := checkpoints.JSONIO{}
	full := func(weight float64) *checkpoints.Checkpoint {
		return &checkpoints.Checkpoint{
			Version:         checkpoints.Version,
			StateDict:       map[string][]float64{"weights": {weight}},
			OptimizerStates: []map[string]any{{"steps": 0.0}},
		}
	}
	explicit := filepath.Join(dir, "explicit.ckpt")
	require.NoError(t, io.Save(full(9), explicit))
	require.NoError(t, io.Save(full(7), filepath.Join(dir, "hpc_ckpt_3.ckpt")))

	module := newTestModule(&recorder{})
	trainer := NewTrainer(Config{MaxEpochs: 1, DefaultRootDir: dir})
	require.NoError(t, trainer.Fit(module, &testData{train: batches(1)}, explicit))

	assert.Equal(t, []float64{7}, module.weights,
		"the pre-emption snapshot wins over the requested path")
}

func TestAutoSaveTakesPriorityUnderFaultTolerance(t *testing.T) {
	dir := t.TempDir()
	io := checkpoints.JSONIO{}
	autoSave := &checkpoints.Checkpoint{
		Version:         checkpoints.Version,
		StateDict:       map[string][]float64{"weights": {5}},
		OptimizerStates: []map[string]any{{"steps": 0.0}},
	}
	require.NoError(t, io.Save(autoSave, filepath.Join(dir, checkpoints.AutoSaveName)))

	module := newTestModule(&recorder{})
	trainer := NewTrainer(Config{MaxEpochs: 1, FaultTolerant: true, DefaultRootDir: dir})
	require.NoError(t, trainer.Fit(module, &testData{train: batches(1)}, ""))

	assert.Equal(t, []float64{5}, module.weights)
}

func TestWeightsOnlyCheckpointCannotResumeTraining(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weights.ckpt")

	first := NewTrainer(Config{MaxEpochs: 1, DefaultRootDir: dir})
	require.NoError(t, first.Fit(newTestModule(&recorder{}), &testData{train: batches(2)}, ""))
	require.NoError(t, first.SaveCheckpoint(path, true))

	resumed := NewTrainer(Config{MaxEpochs: 2, DefaultRootDir: dir})
	err := resumed.Fit(newTestModule(&recorder{}), &testData{train: batches(2)}, path)
	require.Error(t, err)
	assert.True(t, fault.IsConfig(err))
	assert.Contains(t, err.Error(), "save_weights_only=true")
}

func TestWeightsOnlyCheckpointStillValidates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "weights.ckpt")

	first := NewTrainer(Config{MaxEpochs: 1, DefaultRootDir: dir})
	require.NoError(t, first.Fit(newTestModule(&recorder{}), &testData{train: batches(2)}, ""))
	require.NoError(t, first.SaveCheckpoint(path, true))

	evaluator := NewTrainer(Config{})
	results, err := evaluator.Validate(newTestModule(&recorder{}),
		&testData{val: []core.DataLoader{batches(2)}}, path)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestRestoredEpochBeyondMaxEpochs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "late.ckpt")
	ck := &checkpoints.Checkpoint{
		Epoch:           5,
		Version:         checkpoints.Version,
		StateDict:       map[string][]float64{"weights": {1}},
		OptimizerStates: []map[string]any{{"steps": 0.0}},
	}
	require.NoError(t, checkpoints.JSONIO{}.Save(ck, path))

	trainer := NewTrainer(Config{MaxEpochs: 2, DefaultRootDir: dir})
	err := trainer.Fit(newTestModule(&recorder{}), &testData{train: batches(1)}, path)
	require.Error(t, err)
	assert.True(t, fault.IsConfig(err))
	assert.Contains(t, err.Error(), "max_epochs=2")
}

func TestDumpPointsAtTheResumePosition(t *testing.T) {
	dir := t.TempDir()
	trainer := NewTrainer(Config{MaxEpochs: 1, DefaultRootDir: dir})
	require.NoError(t, trainer.Fit(newTestModule(&recorder{}), &testData{train: batches(3)}, ""))

	ck, err := trainer.ckpt.dump(false)
	require.NoError(t, err)
	assert.Equal(t, 4, ck.GlobalStep, "one past the last finished step")
	assert.Equal(t, 2, ck.Epoch, "one past the last finished epoch")
	require.NotNil(t, ck.Loops)
	require.NotNil(t, ck.Loops.FitLoop)
	assert.Equal(t, 3, ck.Loops.FitLoop.EpochLoop.GlobalStep, "nested state keeps the raw counter")
	assert.Equal(t, 1, ck.Loops.FitLoop.EpochProgress.Current.Completed)
}

func TestDumpAtStepCapSkipsEpochBump(t *testing.T) {
	dir := t.TempDir()
	trainer := NewTrainer(Config{MaxSteps: 3, DefaultRootDir: dir})
	require.NoError(t, trainer.Fit(newTestModule(&recorder{}), &testData{train: batches(3)}, ""))

	ck, err := trainer.ckpt.dump(false)
	require.NoError(t, err)
	assert.Equal(t, 4, ck.GlobalStep)
	assert.Equal(t, 1, ck.Epoch, "at the step cap the epoch pointer is not advanced")
}

func TestHPCSaveVersions(t *testing.T) {
	dir := t.TempDir()
	trainer := NewTrainer(Config{MaxEpochs: 1, DefaultRootDir: dir})
	require.NoError(t, trainer.Fit(newTestModule(&recorder{}), &testData{train: batches(1)}, ""))

	path, err := trainer.HPCSave()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "hpc_ckpt_1.ckpt"), path)
	assert.FileExists(t, path)

	path, err = trainer.HPCSave()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "hpc_ckpt_2.ckpt"), path)
}

func TestKeepCheckpointsRotation(t *testing.T) {
	dir := t.TempDir()
	trainer := NewTrainer(Config{MaxEpochs: 1, DefaultRootDir: dir, KeepCheckpoints: 2})
	require.NoError(t, trainer.Fit(newTestModule(&recorder{}), &testData{train: batches(1)}, ""))

	for _, name := range []string{"model-1.ckpt", "model-2.ckpt", "model-3.ckpt"} {
		require.NoError(t, trainer.SaveCheckpoint(filepath.Join(dir, name), false))
		time.Sleep(10 * time.Millisecond)
	}

	assert.NoFileExists(t, filepath.Join(dir, "model-1.ckpt"))
	assert.FileExists(t, filepath.Join(dir, "model-2.ckpt"))
	assert.FileExists(t, filepath.Join(dir, "model-3.ckpt"))
}

func TestEvaluationEpochLoopStateCapture(t *testing.T) {
	trainer := NewTrainer(Config{})
	loop := trainer.validateLoop.epochLoop

	// Mid-flight: position captured for fast-forwarding on resume.
	loader := batches(4)
	loop.fetcher = newFetcher(loader)
	loop.dlMaxBatches = 4
	loop.batchProgress.Current = progress.Tracker{Ready: 2, Started: 2, Processed: 2, Completed: 2}
	st := loop.stateDict()
	assert.NotNil(t, st.DataloaderState)

	// Finished: nothing to fast-forward.
	loop.batchProgress.Current = progress.Tracker{Ready: 4, Started: 4, Processed: 4, Completed: 4}
	st = loop.stateDict()
	assert.Nil(t, st.DataloaderState)
}

func TestCombinedLoaderCannotFastForward(t *testing.T) {
	trainer := NewTrainer(Config{})
	loop := trainer.validateLoop.epochLoop
	loop.loadState(checkpoints.EvaluationEpochLoopState{
		BatchProgress: progress.BatchProgress{
			Progress: progress.Progress{Current: progress.Tracker{Ready: 1, Started: 1, Processed: 1, Completed: 1}},
		},
		DataloaderState: map[string]any{"next": 1.0},
	})
	combined := core.NewCombinedLoader(map[string]core.DataLoader{"a": batches(2)})

	_, err := loop.run(newFetcher(combined), 2, 0)
	require.Error(t, err)
	assert.True(t, fault.IsConfig(err))
	assert.Contains(t, err.Error(), "combined dataloaders")
}
