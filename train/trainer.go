package train

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"sync/atomic"
	"syscall"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/314dev/fulgur/core"
	"github.com/314dev/fulgur/fault"
	"github.com/314dev/fulgur/strategies"
	"github.com/314dev/fulgur/strategies/launchers"
	"github.com/314dev/fulgur/train/hooks"
)

// Status is the coarse lifecycle state of a Trainer.
type Status int

const (
	StatusInitializing Status = iota
	StatusRunning
	StatusFinished
	StatusInterrupted
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "initializing"
	case StatusRunning:
		return "running"
	case StatusFinished:
		return "finished"
	case StatusInterrupted:
		return "interrupted"
	}
	return "unknown"
}

// Trainer orchestrates fitting, validation, testing and prediction of one
// module over one strategy. It owns the nested loops, the callback
// registry and the checkpoint connector; the strategy owns execution
// placement and rank topology.
type Trainer struct {
	cfg      Config
	runID    string
	strategy strategies.Strategy
	logger   core.Logger

	module core.Module
	data   core.DataModule

	callbacks []hooks.Callback
	registry  *hooks.Registry

	fit          *fitLoop
	validateLoop *evaluationLoop
	testLoop     *evaluationLoop
	predictLoop  *predictionLoop
	ckpt         *checkpointConnector

	status     Status
	mode       strategies.Mode
	shouldStop bool

	interruptFlag   atomic.Bool
	stopFlag        atomic.Bool
	exceptionNoted  bool

	trainDataloader    core.DataLoader
	valDataloaders     []core.DataLoader
	testDataloaders    []core.DataLoader
	predictDataloaders []core.DataLoader

	numTrainingBatches int
	numValBatches      []int
	numTestBatches     []int
	numPredictBatches  []int
	valCheckBatch      int

	optimizers []core.Optimizer
	schedulers []core.LRScheduler

	metricsSum   map[string]float64
	metricsCount map[string]int
	logged       map[string]float64
	evalMetrics  []map[string]float64
}

// Option customizes a Trainer at construction.
type Option func(*Trainer)

// WithStrategy selects the execution strategy; the default is single
// device.
func WithStrategy(s strategies.Strategy) Option {
	return func(t *Trainer) { t.strategy = s }
}

// WithLogger attaches a metrics logger.
func WithLogger(l core.Logger) Option {
	return func(t *Trainer) { t.logger = l }
}

// WithCallbacks registers callbacks; their handlers fire in priority then
// registration order.
func WithCallbacks(cbs ...hooks.Callback) Option {
	return func(t *Trainer) { t.callbacks = append(t.callbacks, cbs...) }
}

// NewTrainer creates a Trainer for the given configuration.
func NewTrainer(cfg Config, opts ...Option) *Trainer {
	t := &Trainer{
		cfg:    cfg,
		runID:  uuid.NewString(),
		status: StatusInitializing,
		logged: make(map[string]float64),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.strategy == nil {
		t.strategy = strategies.NewSingleDevice(nil)
	}
	t.fit = newFitLoop(t)
	t.validateLoop = newEvaluationLoop(t, strategies.ModeValidate)
	t.testLoop = newEvaluationLoop(t, strategies.ModeTest)
	t.predictLoop = newPredictionLoop(t)
	t.ckpt = &checkpointConnector{trainer: t}
	t.registry = hooks.NewRegistry()
	for _, cb := range t.callbacks {
		cb.Register(t.registry)
	}
	return t
}

// Registry exposes the hook registry so extra handlers can be attached
// after construction (for example by the commandline package).
func (t *Trainer) Registry() *hooks.Registry { return t.registry }

// Status returns the trainer's lifecycle state.
func (t *Trainer) Status() Status { return t.status }

// GlobalStep is the number of optimizer steps taken so far.
func (t *Trainer) GlobalStep() int { return t.fit.epochLoop.globalStep }

// CurrentEpoch is the number of training epochs completed so far.
func (t *Trainer) CurrentEpoch() int { return t.fit.currentEpoch() }

// Strategy returns the active strategy.
func (t *Trainer) Strategy() strategies.Strategy { return t.strategy }

// IsGlobalZero reports whether this process is global rank 0.
func (t *Trainer) IsGlobalZero() bool { return t.strategy.IsGlobalZero() }

// LoggedMetrics returns the latest logged scalar values.
func (t *Trainer) LoggedMetrics() map[string]float64 { return t.logged }

// RequestStop asks the fit loop to stop at the next boundary; the minimum
// epoch and step floors still apply.
func (t *Trainer) RequestStop() { t.shouldStop = true }

// ShouldStop reports whether a stop was requested.
func (t *Trainer) ShouldStop() bool { return t.shouldStop }

// SaveCheckpoint dumps the trainer state to path; weightsOnly omits
// optimizer, scheduler, loop and callback state. Only global rank 0
// writes (strategies may re-gate this).
func (t *Trainer) SaveCheckpoint(path string, weightsOnly bool) error {
	return t.ckpt.save(path, weightsOnly)
}

// HPCSave writes the next pre-emption snapshot into the weights directory
// and returns its path.
func (t *Trainer) HPCSave() (string, error) { return t.ckpt.hpcSave() }

// Fit trains the module. A non-empty ckptPath resumes from it, unless a
// pre-emption snapshot or fault-tolerance auto-save takes priority.
func (t *Trainer) Fit(module core.Module, data core.DataModule, ckptPath string) error {
	return t.callAndHandleInterrupt(strategies.ModeFit, func() error {
		return t.fitImpl(module, data, ckptPath)
	})
}

// Validate runs the validation dataloaders and returns the averaged
// metrics per dataloader. A non-empty ckptPath loads model weights first.
func (t *Trainer) Validate(module core.Module, data core.DataModule, ckptPath string) ([]map[string]float64, error) {
	var results []map[string]float64
	err := t.callAndHandleInterrupt(strategies.ModeValidate, func() error {
		var err error
		results, err = t.evalImpl(t.validateLoop, module, data, ckptPath)
		return err
	})
	return results, err
}

// Test runs the test dataloaders and returns the averaged metrics per
// dataloader.
func (t *Trainer) Test(module core.Module, data core.DataModule, ckptPath string) ([]map[string]float64, error) {
	var results []map[string]float64
	err := t.callAndHandleInterrupt(strategies.ModeTest, func() error {
		var err error
		results, err = t.evalImpl(t.testLoop, module, data, ckptPath)
		return err
	})
	return results, err
}

// Predict runs the prediction dataloaders and returns the collected
// predictions, one slice per dataloader.
func (t *Trainer) Predict(module core.Module, data core.DataModule) ([][]any, error) {
	var predictions [][]any
	err := t.callAndHandleInterrupt(strategies.ModePredict, func() error {
		if err := t.setupRun(module, data, strategies.ModePredict); err != nil {
			return err
		}
		if err := t.resetEvalDataloaders(strategies.ModePredict); err != nil {
			return err
		}
		var err error
		predictions, err = t.predictLoop.run()
		return err
	})
	return predictions, err
}

// callAndHandleInterrupt is the outermost error boundary: panics become
// errors, interrupts are swallowed after notifying exception hooks,
// graceful stops save the auto-resume checkpoint, and real failures run
// distributed reconciliation before propagating.
func (t *Trainer) callAndHandleInterrupt(mode strategies.Mode, body func() error) error {
	t.mode = mode
	t.status = StatusRunning
	// An interrupt latched during an earlier run must not poison this one.
	t.interruptFlag.Store(false)
	t.exceptionNoted = false
	stop := t.installSignalHandlers()
	defer stop()

	err := exceptions.TryCatch[error](func() {
		if bodyErr := body(); bodyErr != nil {
			panic(bodyErr)
		}
	})
	if err == nil {
		t.status = StatusFinished
		return t.strategy.Teardown()
	}
	return t.handleRunError(err)
}

func (t *Trainer) handleRunError(err error) error {
	switch {
	case errors.Is(err, fault.ErrStopRequested):
		klog.Infof("Termination requested; saving the auto-resume checkpoint and stopping")
		t.status = StatusInterrupted
		if t.cfg.FaultTolerant {
			if saveErr := t.ckpt.autoSave(); saveErr != nil {
				klog.Errorf("Failed to write the auto-resume checkpoint: %v", saveErr)
			}
		}
		_ = t.strategy.Teardown()
		return nil

	case errors.Is(err, fault.ErrInterrupted):
		if !t.exceptionNoted {
			t.exceptionNoted = true
			t.status = StatusInterrupted
			klog.Warningf("Detected interrupt, attempting graceful shutdown...")
			_ = t.fire(&hooks.Context{Event: hooks.EventException, Err: err})
		}
		_ = t.strategy.Teardown()
		return nil

	default:
		t.status = StatusInterrupted
		if t.strategy.WorldSize() > 1 {
			if deadlockErr := t.strategy.ReconciliateProcesses(fmt.Sprintf("%+v\n%s", err, debug.Stack())); deadlockErr != nil {
				err = deadlockErr
			}
		}
		if t.cfg.FaultTolerant {
			if saveErr := t.ckpt.autoSave(); saveErr != nil {
				klog.Errorf("Failed to write the auto-resume checkpoint: %v", saveErr)
			}
		}
		if !t.exceptionNoted {
			t.exceptionNoted = true
			_ = t.fire(&hooks.Context{Event: hooks.EventException, Err: err})
		}
		_ = t.strategy.Teardown()
		return err
	}
}

// installSignalHandlers maps SIGINT to the interrupt flag and, under fault
// tolerance, SIGTERM to the graceful-stop flag. The returned function
// detaches the handlers.
func (t *Trainer) installSignalHandlers() func() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range ch {
			switch sig {
			case os.Interrupt:
				t.interruptFlag.Store(true)
			case syscall.SIGTERM:
				if t.cfg.FaultTolerant {
					t.stopFlag.Store(true)
				}
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(ch)
	}
}

func (t *Trainer) interruptRequested() bool { return t.interruptFlag.Load() }
func (t *Trainer) stopRequested() bool      { return t.cfg.FaultTolerant && t.stopFlag.Load() }

func (t *Trainer) automaticOptimization() bool {
	if manual, ok := t.module.(core.ManualOptimizer); ok {
		return manual.AutomaticOptimization()
	}
	return true
}

// setupRun connects module and data to the strategy and prepares the
// environment. Loop-specific setup happens in the per-mode entry points.
func (t *Trainer) setupRun(module core.Module, data core.DataModule, mode strategies.Mode) error {
	t.module = module
	t.data = data
	t.mode = mode
	t.strategy.Connect(module)
	if err := t.strategy.SetupEnvironment(); err != nil {
		return err
	}
	return t.strategy.Setup(mode)
}

func (t *Trainer) fitImpl(module core.Module, data core.DataModule, ckptPath string) error {
	t.module = module
	t.data = data
	t.strategy.Connect(module)
	if err := t.strategy.SetupEnvironment(); err != nil {
		return err
	}

	launcher := t.strategy.Launcher()
	if launcher == nil {
		return t.runFit(ckptPath)
	}
	result, err := launcher.Launch(func(proc launchers.Proc) (any, error) {
		if scoped, ok := t.strategy.(strategies.RankScoped); ok {
			worker := t.cloneForRank(scoped.ForRank(proc))
			return worker.runFitWorker(ckptPath)
		}
		t.strategy.BindRank(proc)
		return nil, t.runFit(ckptPath)
	})
	if err != nil {
		return err
	}
	if sr, ok := result.(*spawnResult); ok && sr != nil {
		return t.recoverSpawnResult(sr)
	}
	return nil
}

// cloneForRank builds the per-rank worker trainer behind a spawn-style
// strategy: fresh loops and connector, shared configuration, data and
// callbacks, and the rank-scoped strategy (whose module may be a per-rank
// clone).
func (t *Trainer) cloneForRank(st strategies.Strategy) *Trainer {
	worker := NewTrainer(t.cfg, WithStrategy(st), WithLogger(t.logger), WithCallbacks(t.callbacks...))
	worker.runID = t.runID
	worker.data = t.data
	module := st.Module()
	if module == nil {
		module = t.module
	}
	worker.module = module
	return worker
}

// spawnResult is what a spawned rank-0 worker hands back to the parent
// process after fitting.
type spawnResult struct {
	weightsPath string
	globalStep  int
	epoch       int
}

// runFitWorker is the fit body of one spawned rank. Rank 0 writes its
// final weights to a temp checkpoint the parent recovers; other ranks
// return nothing.
func (w *Trainer) runFitWorker(ckptPath string) (*spawnResult, error) {
	w.strategy.Connect(w.module)
	if err := w.runFit(ckptPath); err != nil {
		return nil, err
	}
	if !w.strategy.IsGlobalZero() {
		return nil, nil
	}
	weightsPath := filepath.Join(w.cfg.rootDir(), fmt.Sprintf(".temp-%s.ckpt", w.runID))
	if err := w.ckpt.save(weightsPath, true); err != nil {
		return nil, err
	}
	return &spawnResult{
		weightsPath: weightsPath,
		globalStep:  w.GlobalStep(),
		epoch:       w.CurrentEpoch(),
	}, nil
}

// recoverSpawnResult loads rank 0's final weights back into the parent
// trainer's module and removes the hand-off file.
func (t *Trainer) recoverSpawnResult(sr *spawnResult) error {
	ck, err := t.strategy.LoadCheckpoint(sr.weightsPath)
	if err != nil {
		return errors.WithMessage(err, "failed to recover the spawned workers' weights")
	}
	if err := t.module.LoadStateDict(ck.StateDict); err != nil {
		return err
	}
	t.fit.epochLoop.globalStep = sr.globalStep
	t.fit.epochProgress.Current.Completed = sr.epoch
	return os.Remove(sr.weightsPath)
}

// runFit is the per-rank fit body: optimizer and dataloader setup, the
// staged checkpoint restore, then the fit loop.
func (t *Trainer) runFit(ckptPath string) error {
	if err := t.strategy.Setup(strategies.ModeFit); err != nil {
		return err
	}
	if err := t.setupOptimizers(); err != nil {
		return err
	}
	if err := t.resetTrainDataloader(); err != nil {
		return err
	}
	if err := t.resetEvalDataloaders(strategies.ModeValidate); err != nil {
		return err
	}

	if err := t.ckpt.resumeStart(ckptPath); err != nil {
		return err
	}
	if err := t.ckpt.restoreDatamodule(); err != nil {
		return err
	}
	if err := t.ckpt.restoreModel(); err != nil {
		return err
	}
	if err := t.ckpt.restoreCallbacks(); err != nil {
		return err
	}
	if err := t.ckpt.restoreTrainingState(); err != nil {
		return err
	}
	if err := t.ckpt.resumeEnd(); err != nil {
		return err
	}
	return t.fit.run()
}

// evalImpl is the shared body of Validate and Test.
func (t *Trainer) evalImpl(loop *evaluationLoop, module core.Module, data core.DataModule, ckptPath string) ([]map[string]float64, error) {
	if err := t.setupRun(module, data, loop.mode); err != nil {
		return nil, err
	}
	if err := t.resetEvalDataloaders(loop.mode); err != nil {
		return nil, err
	}
	if ckptPath != "" {
		ck, err := t.strategy.LoadCheckpoint(ckptPath)
		if err != nil {
			return nil, err
		}
		if err := t.strategy.LoadModuleStateDict(ck.StateDict); err != nil {
			return nil, err
		}
	}
	t.evalMetrics = nil
	if _, err := loop.run(); err != nil {
		return nil, err
	}
	return t.evalMetrics, nil
}

func (t *Trainer) setupOptimizers() error {
	if !t.automaticOptimization() {
		return nil
	}
	configurer, ok := t.module.(core.OptimizersConfigurer)
	if !ok {
		return fault.Configf("the module neither configures optimizers nor opts into manual optimization; implement ConfigureOptimizers or AutomaticOptimization")
	}
	optimizers, schedulers := configurer.ConfigureOptimizers()
	if err := t.strategy.SetupOptimizers(optimizers, schedulers); err != nil {
		return err
	}
	t.optimizers = t.strategy.Optimizers()
	t.schedulers = t.strategy.Schedulers()
	return nil
}

// resetTrainDataloader binds the training dataloader, applies the batch
// limit and derives the mid-epoch validation cadence.
func (t *Trainer) resetTrainDataloader() error {
	if t.data == nil {
		return fault.Configf("fitting requires a datamodule with a training dataloader")
	}
	t.trainDataloader = t.data.TrainDataloader()
	if t.trainDataloader == nil {
		return fault.Configf("the datamodule returned no training dataloader")
	}
	length := core.LoaderLen(t.trainDataloader)
	n, err := t.cfg.LimitTrainBatches.Resolve("limit_train_batches", length)
	if err != nil {
		return err
	}
	t.numTrainingBatches = n
	return t.computeValCheckBatch()
}

// computeValCheckBatch turns ValCheckInterval into a concrete batch
// cadence: an absolute count is used as-is (and must fit in the epoch); a
// fraction is scaled by the number of training batches.
func (t *Trainer) computeValCheckBatch() error {
	interval := t.cfg.ValCheckInterval
	if interval.IsCount() {
		k := interval.Count()
		if t.numTrainingBatches >= 0 && k > t.numTrainingBatches {
			return fault.Configf(
				"`val_check_interval` (%d) must be less than or equal to the number of the training batches (%d); "+
					"decrease it or use a fraction of the epoch",
				k, t.numTrainingBatches)
		}
		t.valCheckBatch = k
		return nil
	}
	if t.numTrainingBatches < 0 {
		if interval.Fraction() != 1.0 {
			return fault.Configf(
				"when using an unsized training dataloader, `val_check_interval` must be 1.0 or an absolute count, got %v",
				interval.Fraction())
		}
		t.valCheckBatch = -1
		return nil
	}
	t.valCheckBatch = int(float64(t.numTrainingBatches) * interval.Fraction())
	return nil
}

// resetEvalDataloaders binds the dataloaders and per-dataloader batch
// caps for the given evaluation mode.
func (t *Trainer) resetEvalDataloaders(mode strategies.Mode) error {
	if t.data == nil {
		return nil
	}
	switch mode {
	case strategies.ModeValidate:
		provider, ok := t.data.(core.ValDataProvider)
		if !ok {
			t.valDataloaders, t.numValBatches = nil, nil
			return nil
		}
		loaders := provider.ValDataloaders()
		caps, err := t.resolveCaps(loaders, t.cfg.LimitValBatches, "limit_val_batches")
		if err != nil {
			return err
		}
		t.valDataloaders, t.numValBatches = loaders, caps
	case strategies.ModeTest:
		provider, ok := t.data.(core.TestDataProvider)
		if !ok {
			return fault.Configf("testing requires the datamodule to provide test dataloaders")
		}
		loaders := provider.TestDataloaders()
		caps, err := t.resolveCaps(loaders, t.cfg.LimitTestBatches, "limit_test_batches")
		if err != nil {
			return err
		}
		t.testDataloaders, t.numTestBatches = loaders, caps
	case strategies.ModePredict:
		provider, ok := t.data.(core.PredictDataProvider)
		if !ok {
			return fault.Configf("prediction requires the datamodule to provide prediction dataloaders")
		}
		loaders := provider.PredictDataloaders()
		caps, err := t.resolveCaps(loaders, t.cfg.LimitPredictBatches, "limit_predict_batches")
		if err != nil {
			return err
		}
		t.predictDataloaders, t.numPredictBatches = loaders, caps
	}
	return nil
}

func (t *Trainer) resolveCaps(loaders []core.DataLoader, limit BatchLimit, flag string) ([]int, error) {
	caps := make([]int, len(loaders))
	for i, loader := range loaders {
		n, err := limit.Resolve(flag, core.LoaderLen(loader))
		if err != nil {
			return nil, err
		}
		caps[i] = n
	}
	return caps, nil
}
