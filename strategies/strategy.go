// Package strategies implements the execution strategies a trainer can run
// under: single device, intra-process data parallel, multi-process DDP (and
// its spawned variant), optimizer-state sharding, and device-pod spawning.
// A strategy owns where steps execute, how ranks communicate, and how
// checkpoints reach storage.
package strategies

import (
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/314dev/fulgur/checkpoints"
	"github.com/314dev/fulgur/cluster"
	"github.com/314dev/fulgur/comm"
	"github.com/314dev/fulgur/core"
	"github.com/314dev/fulgur/fault"
	"github.com/314dev/fulgur/strategies/launchers"
)

// Mode is the trainer entry point a strategy is being set up for.
type Mode int

const (
	ModeFit Mode = iota
	ModeValidate
	ModeTest
	ModePredict
)

// String returns the entry point name.
func (m Mode) String() string {
	switch m {
	case ModeFit:
		return "fit"
	case ModeValidate:
		return "validate"
	case ModeTest:
		return "test"
	case ModePredict:
		return "predict"
	}
	return "unknown"
}

// Strategy owns step execution, rank topology, collectives and checkpoint
// IO for one trainer. Exactly one strategy is active per trainer; see
// train.Trainer.
type Strategy interface {
	// Connect attaches the module. Called once before any setup.
	Connect(module core.Module)
	Module() core.Module

	// SetupEnvironment prepares process topology (spawning happens in the
	// launcher, not here). Setup finishes per-rank initialization for the
	// given entry point.
	SetupEnvironment() error
	Setup(mode Mode) error
	Teardown() error

	// BindRank attaches the strategy to the rank it executes as. Called by
	// the trainer inside the launcher's work function.
	BindRank(proc launchers.Proc)

	// Launcher returns the launcher this strategy requires, or nil when it
	// runs in the calling process as a world of one.
	Launcher() launchers.Launcher

	SetupOptimizers(optimizers []core.Optimizer, schedulers []core.LRScheduler) error
	Optimizers() []core.Optimizer
	Schedulers() []core.LRScheduler

	TrainingStep(batch core.Batch, batchIdx, optimizerIdx int) (*core.StepOutput, error)
	Backward(loss float64) error
	ValidationStep(batch core.Batch, batchIdx, dataloaderIdx int) (*core.StepOutput, error)
	TestStep(batch core.Batch, batchIdx, dataloaderIdx int) (*core.StepOutput, error)
	PredictStep(batch core.Batch, batchIdx, dataloaderIdx int) (any, error)

	Reduce(vec []float64, op comm.ReduceOp) ([]float64, error)
	Barrier(name string) error
	BroadcastBytes(data []byte, src int) ([]byte, error)

	GlobalRank() int
	LocalRank() int
	WorldSize() int
	IsGlobalZero() bool

	ModuleStateDict() (map[string][]float64, error)
	LoadModuleStateDict(state map[string][]float64) error
	OptimizerState(index int) (map[string]any, error)

	SaveCheckpoint(ck *checkpoints.Checkpoint, path string) error
	LoadCheckpoint(path string) (*checkpoints.Checkpoint, error)
	RemoveCheckpoint(path string) error

	// ReconciliateProcesses resolves a partial failure across ranks; it
	// returns a fault.DeadlockError when surviving siblings had to be
	// terminated. Non-distributed strategies no-op.
	ReconciliateProcesses(trace string) error
}

// RankScoped is implemented by spawn-style strategies whose per-rank state
// must not be shared between goroutine ranks; the trainer clones them per
// rank through ForRank.
type RankScoped interface {
	ForRank(proc launchers.Proc) Strategy
}

// base carries the state and behavior shared by all strategies.
type base struct {
	module     core.Module
	optimizers []core.Optimizer
	schedulers []core.LRScheduler
	io         checkpoints.IO
	backend    comm.Backend
	ctx        cluster.RunContext
	mode       Mode
	connected  bool
}

func newBase(io checkpoints.IO) base {
	if io == nil {
		io = checkpoints.JSONIO{}
	}
	return base{
		io:      io,
		backend: comm.Single{},
		ctx:     cluster.RunContext{WorldSize: 1},
	}
}

func (b *base) Connect(module core.Module) {
	if b.connected && module != b.module {
		exceptions.Panicf("strategies: a strategy serves exactly one module; reconnecting a different module mid-run is not supported")
	}
	b.module = module
	b.connected = true
}

func (b *base) Module() core.Module { return b.module }

func (b *base) SetupEnvironment() error { return nil }

func (b *base) Setup(mode Mode) error {
	b.mode = mode
	return nil
}

func (b *base) Teardown() error { return nil }

func (b *base) BindRank(proc launchers.Proc) {
	b.ctx = proc.Ctx
	if proc.Backend != nil {
		b.backend = proc.Backend
	}
}

func (b *base) Launcher() launchers.Launcher { return nil }

func (b *base) SetupOptimizers(optimizers []core.Optimizer, schedulers []core.LRScheduler) error {
	b.optimizers = optimizers
	b.schedulers = schedulers
	return nil
}

func (b *base) Optimizers() []core.Optimizer   { return b.optimizers }
func (b *base) Schedulers() []core.LRScheduler { return b.schedulers }

func (b *base) TrainingStep(batch core.Batch, batchIdx, optimizerIdx int) (*core.StepOutput, error) {
	return b.module.TrainingStep(batch, batchIdx, optimizerIdx)
}

func (b *base) Backward(loss float64) error {
	return b.module.Backward(loss)
}

func (b *base) ValidationStep(batch core.Batch, batchIdx, dataloaderIdx int) (*core.StepOutput, error) {
	stepper, ok := b.module.(core.ValidationStepper)
	if !ok {
		return nil, fault.Configf("the module does not implement ValidationStep; it cannot be validated")
	}
	return stepper.ValidationStep(batch, batchIdx, dataloaderIdx)
}

func (b *base) TestStep(batch core.Batch, batchIdx, dataloaderIdx int) (*core.StepOutput, error) {
	stepper, ok := b.module.(core.TestStepper)
	if !ok {
		return nil, fault.Configf("the module does not implement TestStep; it cannot be tested")
	}
	return stepper.TestStep(batch, batchIdx, dataloaderIdx)
}

func (b *base) PredictStep(batch core.Batch, batchIdx, dataloaderIdx int) (any, error) {
	stepper, ok := b.module.(core.PredictStepper)
	if !ok {
		return nil, fault.Configf("the module does not implement PredictStep; it cannot be used for prediction")
	}
	return stepper.PredictStep(batch, batchIdx, dataloaderIdx)
}

func (b *base) Reduce(vec []float64, op comm.ReduceOp) ([]float64, error) {
	return b.backend.AllReduce(vec, op)
}

func (b *base) Barrier(name string) error {
	return errors.WithMessagef(b.backend.Barrier(), "barrier %q", name)
}

func (b *base) BroadcastBytes(data []byte, src int) ([]byte, error) {
	return b.backend.Broadcast(data, src)
}

func (b *base) GlobalRank() int    { return b.ctx.GlobalRank }
func (b *base) LocalRank() int     { return b.ctx.LocalRank }
func (b *base) WorldSize() int     { return b.ctx.WorldSize }
func (b *base) IsGlobalZero() bool { return b.ctx.GlobalRank == 0 }

func (b *base) ModuleStateDict() (map[string][]float64, error) {
	return b.module.StateDict(), nil
}

func (b *base) LoadModuleStateDict(state map[string][]float64) error {
	return b.module.LoadStateDict(state)
}

func (b *base) OptimizerState(index int) (map[string]any, error) {
	if index < 0 || index >= len(b.optimizers) {
		return nil, errors.Errorf("optimizer index %d out of range (have %d optimizers)", index, len(b.optimizers))
	}
	return b.optimizers[index].StateDict(), nil
}

// SaveCheckpoint writes ck at path on global rank 0 only; other ranks
// produce no filesystem artifacts.
func (b *base) SaveCheckpoint(ck *checkpoints.Checkpoint, path string) error {
	if !b.IsGlobalZero() {
		return nil
	}
	return b.io.Save(ck, path)
}

func (b *base) LoadCheckpoint(path string) (*checkpoints.Checkpoint, error) {
	return b.io.Load(path)
}

func (b *base) RemoveCheckpoint(path string) error {
	if !b.IsGlobalZero() {
		return nil
	}
	return b.io.Remove(path)
}

func (b *base) ReconciliateProcesses(string) error { return nil }
