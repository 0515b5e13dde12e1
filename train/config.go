package train

import (
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/314dev/fulgur/fault"
)

// BatchLimit bounds how many batches of a dataloader are consumed per
// epoch: either an absolute count or a fraction of the dataloader's
// length. The zero value means "everything" (fraction 1.0).
type BatchLimit struct {
	fraction float64
	count    int
	isCount  bool
	set      bool
}

// LimitCount limits to an absolute number of batches.
func LimitCount(n int) BatchLimit {
	return BatchLimit{count: n, isCount: true, set: true}
}

// LimitFraction limits to a fraction of the dataloader length, in
// [0.0, 1.0].
func LimitFraction(f float64) BatchLimit {
	return BatchLimit{fraction: f, set: true}
}

// IsSet reports whether the limit was explicitly configured.
func (l BatchLimit) IsSet() bool { return l.set }

// IsCount reports whether the limit is an absolute count.
func (l BatchLimit) IsCount() bool { return l.isCount }

// Count returns the absolute count (only meaningful when IsCount).
func (l BatchLimit) Count() int { return l.count }

// Fraction returns the fraction (1.0 when unset).
func (l BatchLimit) Fraction() float64 {
	if !l.set {
		return 1.0
	}
	return l.fraction
}

// Resolve turns the limit into a concrete batch count for a dataloader of
// the given length (-1 = unsized). The result is -1 for "unbounded".
// Fractional limits other than 1.0 cannot apply to unsized loaders.
func (l BatchLimit) Resolve(flag string, length int) (int, error) {
	if l.isCount {
		if l.count < 0 {
			return 0, fault.Configf("`%s` must be non-negative, got %d", flag, l.count)
		}
		if length < 0 || l.count < length {
			return l.count, nil
		}
		return length, nil
	}
	frac := l.Fraction()
	if frac < 0 || frac > 1 {
		return 0, fault.Configf("you have passed invalid value %v for `%s`, it has to be in [0.0, 1.0]", frac, flag)
	}
	if length < 0 {
		if frac == 1.0 {
			return -1, nil
		}
		return 0, fault.Configf(
			"when using an unsized dataloader, `%s` must be 1.0 or an absolute count, got %v",
			flag, frac)
	}
	return int(float64(length) * frac), nil
}

// Config holds the run configuration of a Trainer. The zero value is
// usable: one epoch cap of 1000 epochs, no step cap, full dataloaders.
type Config struct {
	// MaxEpochs stops fitting after this many epochs; 0 selects the
	// default of 1000 (when MaxSteps is also unset), -1 removes the cap.
	MaxEpochs int
	// MinEpochs is a floor an early stop request cannot cut below.
	MinEpochs int
	// MaxSteps stops fitting after this many optimizer steps; <=0 removes
	// the cap.
	MaxSteps int
	// MinSteps is a floor an early stop request cannot cut below.
	MinSteps int

	// AccumulateGradBatches folds this many batches into one optimizer
	// step; <=1 disables accumulation.
	AccumulateGradBatches int

	LimitTrainBatches   BatchLimit
	LimitValBatches     BatchLimit
	LimitTestBatches    BatchLimit
	LimitPredictBatches BatchLimit

	// ValCheckInterval controls mid-epoch validation: an absolute count k
	// validates every k training batches (and must not exceed the number
	// of training batches); a fraction f validates every int(n*f) batches.
	ValCheckInterval BatchLimit
	// CheckValEveryNEpoch skips validation on epochs not divisible by n;
	// <=1 validates every epoch.
	CheckValEveryNEpoch int

	// DefaultRootDir anchors run artifacts, notably the fault-tolerance
	// auto-save checkpoint. Empty means the current directory.
	DefaultRootDir string
	// WeightsSaveDir is scanned for pre-emption snapshots; empty means
	// DefaultRootDir.
	WeightsSaveDir string

	// FaultTolerant arms SIGTERM-triggered graceful stops and the
	// auto-save checkpoint written on failures.
	FaultTolerant bool

	// KeepCheckpoints prunes saved checkpoints down to the last n;
	// <=0 keeps everything.
	KeepCheckpoints int

	// Seed, when non-nil, is recorded in checkpoints for reproducibility.
	Seed *int64
}

func (c *Config) maxSteps() int {
	if c.MaxSteps <= 0 {
		return -1
	}
	return c.MaxSteps
}

func (c *Config) maxEpochs() int {
	switch {
	case c.MaxEpochs > 0:
		return c.MaxEpochs
	case c.MaxEpochs < 0:
		return -1
	case c.maxSteps() == -1:
		return 1000
	default:
		return -1
	}
}

func (c *Config) accumulate() int {
	if c.AccumulateGradBatches <= 1 {
		return 1
	}
	return c.AccumulateGradBatches
}

func (c *Config) checkValEveryNEpoch() int {
	if c.CheckValEveryNEpoch <= 1 {
		return 1
	}
	return c.CheckValEveryNEpoch
}

func (c *Config) rootDir() string {
	if c.DefaultRootDir == "" {
		return "."
	}
	return c.DefaultRootDir
}

func (c *Config) weightsDir() string {
	if c.WeightsSaveDir == "" {
		return c.rootDir()
	}
	return c.WeightsSaveDir
}

// tomlConfig mirrors Config for TOML decoding; batch limits arrive as
// either integers (counts) or floats (fractions).
type tomlConfig struct {
	MaxEpochs             int    `toml:"max_epochs"`
	MinEpochs             int    `toml:"min_epochs"`
	MaxSteps              int    `toml:"max_steps"`
	MinSteps              int    `toml:"min_steps"`
	AccumulateGradBatches int    `toml:"accumulate_grad_batches"`
	LimitTrainBatches     any    `toml:"limit_train_batches"`
	LimitValBatches       any    `toml:"limit_val_batches"`
	LimitTestBatches      any    `toml:"limit_test_batches"`
	LimitPredictBatches   any    `toml:"limit_predict_batches"`
	ValCheckInterval      any    `toml:"val_check_interval"`
	CheckValEveryNEpoch   int    `toml:"check_val_every_n_epoch"`
	DefaultRootDir        string `toml:"default_root_dir"`
	WeightsSaveDir        string `toml:"weights_save_dir"`
	FaultTolerant         bool   `toml:"fault_tolerant"`
	KeepCheckpoints       int    `toml:"keep_checkpoints"`
	Seed                  *int64 `toml:"seed"`
}

func limitFromTOML(flag string, v any) (BatchLimit, error) {
	switch value := v.(type) {
	case nil:
		return BatchLimit{}, nil
	case int64:
		if value < 0 {
			return BatchLimit{}, fault.Configf("`%s` must be non-negative, got %d", flag, value)
		}
		return LimitCount(int(value)), nil
	case float64:
		if value < 0 || value > 1 {
			return BatchLimit{}, fault.Configf("you have passed invalid value %v for `%s`, it has to be in [0.0, 1.0]", value, flag)
		}
		return LimitFraction(value), nil
	default:
		return BatchLimit{}, fault.Configf("`%s` must be an integer count or a fraction, got %T", flag, v)
	}
}

// LoadConfig reads a Config from a TOML file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read config %q", path)
	}
	var raw tomlConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return Config{}, errors.Wrapf(err, "failed to parse config %q", path)
	}
	cfg := Config{
		MaxEpochs:             raw.MaxEpochs,
		MinEpochs:             raw.MinEpochs,
		MaxSteps:              raw.MaxSteps,
		MinSteps:              raw.MinSteps,
		AccumulateGradBatches: raw.AccumulateGradBatches,
		CheckValEveryNEpoch:   raw.CheckValEveryNEpoch,
		DefaultRootDir:        raw.DefaultRootDir,
		WeightsSaveDir:        raw.WeightsSaveDir,
		FaultTolerant:         raw.FaultTolerant,
		KeepCheckpoints:       raw.KeepCheckpoints,
		Seed:                  raw.Seed,
	}
	for _, entry := range []struct {
		flag string
		v    any
		dst  *BatchLimit
	}{
		{"limit_train_batches", raw.LimitTrainBatches, &cfg.LimitTrainBatches},
		{"limit_val_batches", raw.LimitValBatches, &cfg.LimitValBatches},
		{"limit_test_batches", raw.LimitTestBatches, &cfg.LimitTestBatches},
		{"limit_predict_batches", raw.LimitPredictBatches, &cfg.LimitPredictBatches},
		{"val_check_interval", raw.ValCheckInterval, &cfg.ValCheckInterval},
	} {
		limit, err := limitFromTOML(entry.flag, entry.v)
		if err != nil {
			return Config{}, err
		}
		*entry.dst = limit
	}
	return cfg, nil
}
