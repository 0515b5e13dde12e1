package train

import (
	"io"

	"github.com/pkg/errors"

	"github.com/314dev/fulgur/checkpoints"
	"github.com/314dev/fulgur/core"
	"github.com/314dev/fulgur/fault"
	"github.com/314dev/fulgur/strategies"
	"github.com/314dev/fulgur/train/progress"
)

// trainingEpochLoop consumes one epoch of the training dataloader,
// delegating optimization per batch to either the automatic optimizer
// path (optimizer.Step around a loss closure, honoring gradient
// accumulation) or the manual path (the module steps its own optimizers
// inside TrainingStep). It also triggers mid-epoch validation at the
// configured cadence.
type trainingEpochLoop struct {
	baseLoop
	trainer *Trainer

	globalStep        int
	batchProgress     progress.BatchProgress
	schedulerProgress progress.Progress
	optimProgress     progress.OptimizerProgress

	valLoop *evaluationLoop

	outputs      []*core.StepOutput
	trackOutputs bool
	fetcher      *fetcher
}

func newTrainingEpochLoop(t *Trainer) *trainingEpochLoop {
	return &trainingEpochLoop{trainer: t, valLoop: newEvaluationLoop(t, strategies.ModeValidate)}
}

func (l *trainingEpochLoop) Done() bool {
	t := l.trainer
	if isMaxLimitReached(l.globalStep, t.cfg.maxSteps()) {
		return true
	}
	if t.numTrainingBatches >= 0 && l.batchProgress.Current.Ready >= t.numTrainingBatches {
		return true
	}
	return t.shouldStop
}

// finishedEpoch reports whether the last run consumed its whole epoch, as
// opposed to stopping early at the step cap or on a stop request.
func (l *trainingEpochLoop) finishedEpoch() bool {
	if nb := l.trainer.numTrainingBatches; nb >= 0 {
		return l.batchProgress.Current.Completed >= nb
	}
	return l.batchProgress.IsLastBatch || l.batchProgress.Current.Ready == 0
}

func (l *trainingEpochLoop) Reset() {
	l.outputs = nil
	if l.restarting {
		// A restored state whose epoch had already finished means the run
		// resumes at an epoch boundary: the next epoch starts fresh.
		nb := l.trainer.numTrainingBatches
		if nb >= 0 && l.batchProgress.Current.Completed >= nb {
			l.restarting = false
		}
	}
	if l.restarting {
		l.batchProgress.ResetOnRestart()
		l.schedulerProgress.ResetOnRestart()
		l.optimProgress.ResetOnRestart()
	} else {
		l.batchProgress.ResetOnRun()
		l.schedulerProgress.ResetOnRun()
		l.optimProgress.ResetOnRun()
	}
}

func (l *trainingEpochLoop) SetRestarting(restarting bool) {
	l.restarting = restarting
	l.valLoop.SetRestarting(restarting)
}

// run consumes one epoch from f and returns the collected training step
// outputs (nil unless the module overrides TrainingEpochEnd).
func (l *trainingEpochLoop) run(f *fetcher) ([]*core.StepOutput, error) {
	l.fetcher = f
	_, l.trackOutputs = l.trainer.module.(core.TrainingEpochEnder)
	l.Reset()
	if l.restarting {
		// Resume mid-epoch: skip the batches this epoch already completed.
		for skipped := 0; skipped < l.batchProgress.Current.Completed; skipped++ {
			if _, _, err := f.Next(); err == io.EOF {
				break
			} else if err != nil {
				return nil, err
			}
		}
		l.restarting = false
	}
	for !l.Done() {
		sig, err := l.advance()
		if err != nil {
			return nil, err
		}
		if sig == SignalDone {
			break
		}
	}
	outputs := l.outputs
	l.outputs = nil
	return outputs, nil
}

func (l *trainingEpochLoop) advance() (Signal, error) {
	t := l.trainer
	batch, isLast, err := l.fetcher.Next()
	if err == io.EOF {
		return SignalDone, nil
	}
	if err != nil {
		return SignalContinue, err
	}
	l.batchProgress.IsLastBatch = isLast
	batchIdx := l.batchProgress.Current.Ready
	l.batchProgress.IncrementReady()

	if err := t.callTrainBatchStart(batch, batchIdx); err != nil {
		return SignalContinue, err
	}
	l.batchProgress.IncrementStarted()

	var out *core.StepOutput
	var stepped bool
	if t.automaticOptimization() {
		out, stepped, err = l.runAutomaticOptimization(batch, batchIdx, isLast)
	} else {
		out, err = t.strategy.TrainingStep(batch, batchIdx, -1)
		if err == nil {
			l.globalStep++
			stepped = true
		}
	}
	if err != nil {
		return SignalContinue, err
	}
	out, err = l.applyStepEnd(out)
	if err != nil {
		return SignalContinue, err
	}
	l.batchProgress.IncrementProcessed()

	if err := t.callTrainBatchEnd(out, batch, batchIdx); err != nil {
		return SignalContinue, err
	}
	l.batchProgress.IncrementCompleted()

	if l.trackOutputs && out != nil {
		l.outputs = append(l.outputs, out)
	}
	if out != nil {
		t.logStepMetrics(out, l.globalStep)
	}
	if stepped {
		l.stepSchedulers(false)
	}
	if l.shouldCheckVal(isLast) {
		if _, err := l.valLoop.run(); err != nil {
			return SignalContinue, err
		}
	}
	if !isLast && t.stopRequested() {
		return SignalContinue, fault.ErrStopRequested
	}
	if t.interruptRequested() {
		return SignalContinue, fault.ErrInterrupted
	}
	return SignalContinue, nil
}

// runAutomaticOptimization drives every optimizer through one batch. The
// loss closure zero-grads at the start of each accumulation window (right
// before that window's first training step), runs the training step, then
// backward. The optimizer's Step wraps the closure only at accumulation
// boundaries; in between, the closure runs bare so gradients accumulate.
func (l *trainingEpochLoop) runAutomaticOptimization(batch core.Batch, batchIdx int, isLast bool) (*core.StepOutput, bool, error) {
	t := l.trainer
	accumulate := t.cfg.accumulate()
	windowStart := batchIdx%accumulate == 0
	boundary := (batchIdx+1)%accumulate == 0 || isLast

	var lastOut *core.StepOutput
	stepped := false
	for optIdx, opt := range t.optimizers {
		closure := func() (float64, error) {
			if windowStart {
				l.optimProgress.ZeroGrad.IncrementReady()
				l.optimProgress.ZeroGrad.IncrementStarted()
				opt.ZeroGrad()
				l.optimProgress.ZeroGrad.IncrementProcessed()
				l.optimProgress.ZeroGrad.IncrementCompleted()
			}
			out, err := t.strategy.TrainingStep(batch, batchIdx, optIdx)
			if err != nil {
				return 0, err
			}
			if out == nil {
				return 0, nil
			}
			lastOut = out
			if err := t.strategy.Backward(out.Loss); err != nil {
				return 0, err
			}
			return out.Loss, nil
		}
		if boundary {
			l.optimProgress.Step.IncrementReady()
			l.optimProgress.Step.IncrementStarted()
			if err := opt.Step(closure); err != nil {
				return nil, false, errors.WithMessagef(err, "optimizer %d failed to step", optIdx)
			}
			l.optimProgress.Step.IncrementProcessed()
			l.optimProgress.Step.IncrementCompleted()
			l.globalStep++
			stepped = true
		} else if _, err := closure(); err != nil {
			return nil, false, err
		}
	}
	return lastOut, stepped, nil
}

func (l *trainingEpochLoop) applyStepEnd(out *core.StepOutput) (*core.StepOutput, error) {
	if ender, ok := l.trainer.module.(core.TrainingStepEnder); ok {
		return ender.TrainingStepEnd(out)
	}
	if ender, ok := l.trainer.strategy.(core.TrainingStepEnder); ok {
		return ender.TrainingStepEnd(out)
	}
	return out, nil
}

// stepSchedulers advances the schedulers matching the given cadence.
func (l *trainingEpochLoop) stepSchedulers(epochCadence bool) {
	for _, sched := range l.trainer.schedulers {
		if core.SchedulerCadenceIsEpoch(sched) != epochCadence {
			continue
		}
		l.schedulerProgress.IncrementReady()
		l.schedulerProgress.IncrementStarted()
		sched.Step()
		l.schedulerProgress.IncrementProcessed()
		l.schedulerProgress.IncrementCompleted()
	}
}

// shouldCheckVal decides mid-epoch validation: every valCheckBatch
// training batches, on epochs selected by CheckValEveryNEpoch.
func (l *trainingEpochLoop) shouldCheckVal(isLast bool) bool {
	t := l.trainer
	if len(t.valDataloaders) == 0 || t.valCheckBatch == 0 {
		return false
	}
	epoch := t.fit.epochProgress.Current.Completed
	if (epoch+1)%t.cfg.checkValEveryNEpoch() != 0 {
		return false
	}
	if t.valCheckBatch < 0 {
		// Unsized epoch without an absolute interval: validate at epoch end.
		return isLast
	}
	return l.batchProgress.Current.Ready%t.valCheckBatch == 0
}

func (l *trainingEpochLoop) stateDict() checkpoints.TrainingEpochLoopState {
	return checkpoints.TrainingEpochLoopState{
		GlobalStep:        l.globalStep,
		BatchProgress:     l.batchProgress,
		SchedulerProgress: l.schedulerProgress,
		OptimizerProgress: l.optimProgress,
		ValLoop:           l.valLoop.stateDict(),
	}
}

func (l *trainingEpochLoop) loadState(st checkpoints.TrainingEpochLoopState) {
	l.globalStep = st.GlobalStep
	l.batchProgress = st.BatchProgress
	l.schedulerProgress = st.SchedulerProgress
	l.optimProgress = st.OptimizerProgress
	l.valLoop.loadState(st.ValLoop)
	l.restarting = true
}
