package train

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/314dev/fulgur/fault"
)

func TestBatchLimitResolve(t *testing.T) {
	tests := []struct {
		name   string
		limit  BatchLimit
		length int
		want   int
	}{
		{"unset means everything", BatchLimit{}, 10, 10},
		{"count below length", LimitCount(3), 10, 3},
		{"count above length clamps", LimitCount(30), 10, 10},
		{"count zero disables", LimitCount(0), 10, 0},
		{"count on unsized loader", LimitCount(7), -1, 7},
		{"fraction scales", LimitFraction(0.5), 10, 5},
		{"fraction truncates", LimitFraction(0.25), 10, 2},
		{"fraction zero disables", LimitFraction(0), 10, 0},
		{"full fraction on unsized is unbounded", LimitFraction(1.0), -1, -1},
		{"unset on unsized is unbounded", BatchLimit{}, -1, -1},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := test.limit.Resolve("limit_train_batches", test.length)
			require.NoError(t, err)
			assert.Equal(t, test.want, got)
		})
	}
}

func TestBatchLimitResolveErrors(t *testing.T) {
	_, err := LimitFraction(1.5).Resolve("limit_val_batches", 10)
	require.Error(t, err)
	assert.True(t, fault.IsConfig(err))

	_, err = LimitFraction(0.5).Resolve("limit_val_batches", -1)
	require.Error(t, err)
	assert.True(t, fault.IsConfig(err))
	assert.Contains(t, err.Error(), "unsized dataloader")

	_, err = LimitCount(-2).Resolve("limit_val_batches", 10)
	require.Error(t, err)
	assert.True(t, fault.IsConfig(err))
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	assert.Equal(t, 1000, cfg.maxEpochs(), "no caps at all default to 1000 epochs")
	assert.Equal(t, -1, cfg.maxSteps())
	assert.Equal(t, 1, cfg.accumulate())
	assert.Equal(t, 1, cfg.checkValEveryNEpoch())
	assert.Equal(t, ".", cfg.rootDir())
	assert.Equal(t, ".", cfg.weightsDir())

	stepCapped := Config{MaxSteps: 100}
	assert.Equal(t, -1, stepCapped.maxEpochs(), "a step cap removes the epoch default")
	assert.Equal(t, 100, stepCapped.maxSteps())

	unlimited := Config{MaxEpochs: -1}
	assert.Equal(t, -1, unlimited.maxEpochs())

	withDirs := Config{DefaultRootDir: "/runs", WeightsSaveDir: "/weights"}
	assert.Equal(t, "/runs", withDirs.rootDir())
	assert.Equal(t, "/weights", withDirs.weightsDir())

	rootOnly := Config{DefaultRootDir: "/runs"}
	assert.Equal(t, "/runs", rootOnly.weightsDir(), "weights dir falls back to the root dir")
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trainer.toml")
	doc := `
max_epochs = 10
min_epochs = 2
max_steps = 500
accumulate_grad_batches = 4
limit_train_batches = 100
limit_val_batches = 0.25
val_check_interval = 0.5
check_val_every_n_epoch = 2
default_root_dir = "/tmp/run"
fault_tolerant = true
keep_checkpoints = 3
seed = 1234
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o666))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.MaxEpochs)
	assert.Equal(t, 2, cfg.MinEpochs)
	assert.Equal(t, 500, cfg.MaxSteps)
	assert.Equal(t, 4, cfg.AccumulateGradBatches)
	assert.True(t, cfg.LimitTrainBatches.IsCount())
	assert.Equal(t, 100, cfg.LimitTrainBatches.Count())
	assert.False(t, cfg.LimitValBatches.IsCount())
	assert.Equal(t, 0.25, cfg.LimitValBatches.Fraction())
	assert.Equal(t, 0.5, cfg.ValCheckInterval.Fraction())
	assert.Equal(t, 2, cfg.CheckValEveryNEpoch)
	assert.Equal(t, "/tmp/run", cfg.DefaultRootDir)
	assert.True(t, cfg.FaultTolerant)
	assert.Equal(t, 3, cfg.KeepCheckpoints)
	require.NotNil(t, cfg.Seed)
	assert.Equal(t, int64(1234), *cfg.Seed)
	assert.False(t, cfg.LimitTestBatches.IsSet())
}

func TestLoadConfigRejectsBadLimits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trainer.toml")
	require.NoError(t, os.WriteFile(path, []byte("limit_val_batches = 1.7\n"), 0o666))
	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.True(t, fault.IsConfig(err))

	require.NoError(t, os.WriteFile(path, []byte("limit_train_batches = -3\n"), 0o666))
	_, err = LoadConfig(path)
	require.Error(t, err)
	assert.True(t, fault.IsConfig(err))
}
