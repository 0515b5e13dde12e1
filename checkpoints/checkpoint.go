// Package checkpoints defines the on-disk checkpoint schema, the IO used to
// read and write it, and helpers for versioned snapshot directories.
package checkpoints

import (
	"encoding/json"

	"github.com/314dev/fulgur/train/progress"
)

// Version is written into every checkpoint so readers can detect files
// produced by incompatible releases.
const Version = "1.6.0"

// Checkpoint is the full serialized training state.
//
// OptimizerStates and LRSchedulers are nil (JSON null) in weights-only
// checkpoints and non-nil in full ones, even when the run configured no
// optimizers. Their tags must not carry omitempty: an empty slice and an
// absent field mean different things on load.
type Checkpoint struct {
	Epoch      int    `json:"epoch"`
	GlobalStep int    `json:"global_step"`
	Version    string `json:"version"`

	StateDict map[string][]float64 `json:"state_dict"`

	Loops *LoopsState `json:"loops,omitempty"`

	// Callbacks maps each stateful callback's state key to its payload.
	Callbacks map[string]json.RawMessage `json:"callbacks,omitempty"`

	OptimizerStates []map[string]any `json:"optimizer_states"`
	LRSchedulers    []map[string]any `json:"lr_schedulers"`

	HParams    map[string]any `json:"hparams,omitempty"`
	DataModule map[string]any `json:"datamodule,omitempty"`

	// Seed records the RNG seed the run was started with, when one was set.
	Seed *int64 `json:"seed,omitempty"`

	// Extra holds module payload added via the checkpoint save hook.
	Extra map[string]json.RawMessage `json:"extra,omitempty"`
}

// LoopsState holds the per-entry-point loop states.
type LoopsState struct {
	FitLoop      *FitLoopState        `json:"fit_loop,omitempty"`
	ValidateLoop *EvaluationLoopState `json:"validate_loop,omitempty"`
	TestLoop     *EvaluationLoopState `json:"test_loop,omitempty"`
	PredictLoop  *PredictionLoopState `json:"predict_loop,omitempty"`
}

// FitLoopState is the fit loop's serialized progress.
type FitLoopState struct {
	EpochProgress progress.Progress      `json:"epoch_progress"`
	EpochLoop     TrainingEpochLoopState `json:"epoch_loop"`
}

// TrainingEpochLoopState is the training epoch loop's serialized progress.
type TrainingEpochLoopState struct {
	GlobalStep        int                        `json:"global_step"`
	BatchProgress     progress.BatchProgress     `json:"batch_progress"`
	SchedulerProgress progress.Progress          `json:"scheduler_progress"`
	OptimizerProgress progress.OptimizerProgress `json:"optimizer_progress"`
	ValLoop           EvaluationLoopState        `json:"val_loop"`
}

// EvaluationLoopState is an evaluation (validate/test) loop's serialized
// progress.
type EvaluationLoopState struct {
	DataloaderProgress progress.Progress       `json:"dataloader_progress"`
	EpochLoop          EvaluationEpochLoopState `json:"epoch_loop"`
}

// EvaluationEpochLoopState is the per-dataloader evaluation epoch loop's
// serialized progress, plus an optional mid-flight dataloader position.
type EvaluationEpochLoopState struct {
	BatchProgress   progress.BatchProgress `json:"batch_progress"`
	DataloaderState map[string]any         `json:"dataloader_state_dict,omitempty"`
}

// PredictionLoopState is the prediction loop's serialized progress.
type PredictionLoopState struct {
	DataloaderProgress progress.Progress      `json:"dataloader_progress"`
	BatchProgress      progress.BatchProgress `json:"batch_progress"`
}

// WeightsOnly reports whether ck carries no optimizer or scheduler state.
func (ck *Checkpoint) WeightsOnly() bool {
	return ck.OptimizerStates == nil && ck.LRSchedulers == nil
}
