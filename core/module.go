// Package core defines the contracts between user code and the trainer: the
// model (Module), its optimizers, the dataloaders that feed it, and the
// optional capabilities a model may implement.
//
// Everything beyond Module's required surface is a capability interface
// probed by type assertion, so models only implement what they use.
package core

import "github.com/314dev/fulgur/checkpoints"

// Batch is whatever a DataLoader yields; the trainer never inspects it.
type Batch = any

// StepOutput is returned by training and evaluation steps. A nil *StepOutput
// means the step produced nothing to collect.
type StepOutput struct {
	// Loss is the scalar the optimizer minimizes.
	Loss float64

	// Metrics are scalar values logged alongside the loss.
	Metrics map[string]float64

	// Data carries any extra payload through to epoch-end hooks.
	Data any
}

// Module is the minimal model contract. TrainingStep computes the loss for
// one batch; under multiple optimizers it is called once per optimizer with
// the optimizer's index, and with -1 under manual optimization. Backward
// accumulates gradients for the given loss. StateDict and LoadStateDict
// move the model weights in and out of checkpoints.
type Module interface {
	TrainingStep(batch Batch, batchIdx, optimizerIdx int) (*StepOutput, error)
	Backward(loss float64) error
	StateDict() map[string][]float64
	LoadStateDict(state map[string][]float64) error
}

// ValidationStepper is implemented by modules that support validation.
type ValidationStepper interface {
	ValidationStep(batch Batch, batchIdx, dataloaderIdx int) (*StepOutput, error)
}

// TestStepper is implemented by modules that support testing.
type TestStepper interface {
	TestStep(batch Batch, batchIdx, dataloaderIdx int) (*StepOutput, error)
}

// PredictStepper is implemented by modules that support prediction.
type PredictStepper interface {
	PredictStep(batch Batch, batchIdx, dataloaderIdx int) (any, error)
}

// TrainingEpochEnder receives the collected training step outputs of one
// epoch. Outputs are only collected when this capability is present.
type TrainingEpochEnder interface {
	TrainingEpochEnd(outputs []*StepOutput) error
}

// ValidationEpochEnder receives the collected validation outputs, one slice
// per dataloader (a single dataloader's outputs are passed flattened as one
// slice). Outputs are only collected when this capability is present.
type ValidationEpochEnder interface {
	ValidationEpochEnd(outputs [][]*StepOutput) error
}

// TestEpochEnder is the test counterpart to ValidationEpochEnder.
type TestEpochEnder interface {
	TestEpochEnd(outputs [][]*StepOutput) error
}

// TrainingStepEnder post-processes a training step output. A module-level
// implementation takes priority over a strategy-level one.
type TrainingStepEnder interface {
	TrainingStepEnd(out *StepOutput) (*StepOutput, error)
}

// ValidationStepEnder post-processes a validation step output.
type ValidationStepEnder interface {
	ValidationStepEnd(out *StepOutput) (*StepOutput, error)
}

// TestStepEnder post-processes a test step output.
type TestStepEnder interface {
	TestStepEnd(out *StepOutput) (*StepOutput, error)
}

// OptimizersConfigurer supplies the optimizers (and optional schedulers,
// which may be empty) driven by the automatic optimization path.
type OptimizersConfigurer interface {
	ConfigureOptimizers() ([]Optimizer, []LRScheduler)
}

// ManualOptimizer opts a module out of automatic optimization: the module
// steps its own optimizers inside TrainingStep.
type ManualOptimizer interface {
	AutomaticOptimization() bool
}

// Replicable is required by the data-parallel strategy: it returns n
// replicas of the module sharing the same logical weights.
type Replicable interface {
	Replicate(n int) []Module
}

// GradientExposer gives distributed strategies access to the module's
// accumulated gradients so they can be averaged across ranks after the
// backward pass.
type GradientExposer interface {
	Gradients() []float64
	SetGradients(grads []float64)
}

// Optional per-batch and per-epoch module hooks. Callback hooks registered
// with the trainer fire as well; module hooks fire first.
type (
	TrainStartHooker      interface{ OnTrainStart() error }
	TrainEndHooker        interface{ OnTrainEnd() error }
	TrainEpochStartHooker interface{ OnTrainEpochStart() error }
	TrainEpochEndHooker   interface{ OnTrainEpochEnd() error }
	TrainBatchStartHooker interface {
		OnTrainBatchStart(batch Batch, batchIdx int) error
	}
	TrainBatchEndHooker interface {
		OnTrainBatchEnd(out *StepOutput, batch Batch, batchIdx int) error
	}
	EvalBatchStartHooker interface {
		OnEvalBatchStart(batch Batch, batchIdx, dataloaderIdx int) error
	}
	EvalBatchEndHooker interface {
		OnEvalBatchEnd(out *StepOutput, batch Batch, batchIdx, dataloaderIdx int) error
	}
)

// HyperparametersProvider exposes the hyperparameters a module was built
// with, so they are recorded alongside its weights in every checkpoint.
type HyperparametersProvider interface {
	Hyperparameters() map[string]any
}

// CheckpointSaveHooker lets a module add custom payload to a checkpoint
// about to be written.
type CheckpointSaveHooker interface {
	OnSaveCheckpoint(ck *checkpoints.Checkpoint) error
}

// CheckpointLoadHooker lets a module react to a checkpoint being restored.
type CheckpointLoadHooker interface {
	OnLoadCheckpoint(ck *checkpoints.Checkpoint) error
}

// Logger receives scalar metrics from the trainer. Experiment tracking
// backends implement this; the trainer ships with none.
type Logger interface {
	LogMetrics(metrics map[string]float64, step int)
}
