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

// evaluationEpochLoop consumes one evaluation dataloader: fetch, hook
// sandwich, evaluation step, output collection. It is owned by an
// evaluationLoop which runs it once per dataloader.
type evaluationEpochLoop struct {
	baseLoop
	trainer *Trainer
	mode    strategies.Mode // ModeValidate or ModeTest

	batchProgress progress.BatchProgress

	fetcher       *fetcher
	dlMaxBatches  int
	dataloaderIdx int
	outputs       []*core.StepOutput
	trackOutputs  bool

	// savedLoaderState is a mid-flight dataloader position restored from a
	// checkpoint, applied to the loader on the next (restarting) run.
	savedLoaderState map[string]any
}

func newEvaluationEpochLoop(t *Trainer, mode strategies.Mode) *evaluationEpochLoop {
	return &evaluationEpochLoop{trainer: t, mode: mode}
}

// doneByCount reports whether the batch cap was reached; dataloader
// exhaustion is reported by advance directly.
func (l *evaluationEpochLoop) doneByCount() bool {
	return l.dlMaxBatches >= 0 && l.batchProgress.Current.Completed >= l.dlMaxBatches
}

func (l *evaluationEpochLoop) Done() bool { return l.doneByCount() }

func (l *evaluationEpochLoop) Reset() {
	l.outputs = nil
	if l.restarting {
		l.batchProgress.ResetOnRestart()
	} else {
		l.batchProgress.ResetOnRun()
	}
	// Running validate/test a second time on the same trainer starts from
	// scratch; only fitting resumes counts across epochs.
	if l.doneByCount() && l.trainer.mode != strategies.ModeFit {
		l.batchProgress.ResetOnRun()
	}
}

// run consumes up to maxBatches from f, returning the collected outputs
// (nil unless the module overrides the matching epoch-end hook).
func (l *evaluationEpochLoop) run(f *fetcher, maxBatches, dataloaderIdx int) ([]*core.StepOutput, error) {
	l.fetcher = f
	l.dlMaxBatches = maxBatches
	l.dataloaderIdx = dataloaderIdx
	l.trackOutputs = l.moduleOverridesEpochEnd()
	l.Reset()
	if l.restarting {
		if err := l.fastForwardLoader(); err != nil {
			return nil, err
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

// fastForwardLoader reapplies a saved mid-flight dataloader position when
// resuming inside an epoch.
func (l *evaluationEpochLoop) fastForwardLoader() error {
	if l.savedLoaderState == nil {
		return nil
	}
	state := l.savedLoaderState
	l.savedLoaderState = nil
	if _, combined := l.fetcher.loader.(*core.CombinedLoader); combined {
		return fault.Configf("mid-epoch resume is not supported for combined dataloaders: their members cannot be fast-forwarded reproducibly")
	}
	stateful, ok := l.fetcher.loader.(core.StatefulLoader)
	if !ok {
		return nil
	}
	return errors.WithMessage(stateful.LoadStateDict(state), "failed to fast-forward the evaluation dataloader")
}

func (l *evaluationEpochLoop) advance() (Signal, error) {
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

	t := l.trainer
	if err := t.callEvalBatchStart(l.mode, batch, batchIdx, l.dataloaderIdx); err != nil {
		return SignalContinue, err
	}
	l.batchProgress.IncrementStarted()

	var out *core.StepOutput
	if l.mode == strategies.ModeTest {
		out, err = t.strategy.TestStep(batch, batchIdx, l.dataloaderIdx)
	} else {
		out, err = t.strategy.ValidationStep(batch, batchIdx, l.dataloaderIdx)
	}
	if err != nil {
		return SignalContinue, err
	}
	out, err = l.applyStepEnd(out)
	if err != nil {
		return SignalContinue, err
	}
	l.batchProgress.IncrementProcessed()

	if err := t.callEvalBatchEnd(l.mode, out, batch, batchIdx, l.dataloaderIdx); err != nil {
		return SignalContinue, err
	}
	l.batchProgress.IncrementCompleted()

	if l.trackOutputs && out != nil {
		l.outputs = append(l.outputs, out)
	}
	if out != nil {
		t.recordMetrics(out.Metrics)
	}
	return SignalContinue, nil
}

// applyStepEnd post-processes the step output; a module-level override
// wins over a strategy-level one.
func (l *evaluationEpochLoop) applyStepEnd(out *core.StepOutput) (*core.StepOutput, error) {
	if l.mode == strategies.ModeTest {
		if ender, ok := l.trainer.module.(core.TestStepEnder); ok {
			return ender.TestStepEnd(out)
		}
		if ender, ok := l.trainer.strategy.(core.TestStepEnder); ok {
			return ender.TestStepEnd(out)
		}
		return out, nil
	}
	if ender, ok := l.trainer.module.(core.ValidationStepEnder); ok {
		return ender.ValidationStepEnd(out)
	}
	if ender, ok := l.trainer.strategy.(core.ValidationStepEnder); ok {
		return ender.ValidationStepEnd(out)
	}
	return out, nil
}

func (l *evaluationEpochLoop) moduleOverridesEpochEnd() bool {
	if l.mode == strategies.ModeTest {
		_, ok := l.trainer.module.(core.TestEpochEnder)
		return ok
	}
	_, ok := l.trainer.module.(core.ValidationEpochEnder)
	return ok
}

// stateDict serializes the loop. A mid-flight dataloader position is
// captured only when the epoch actually started and did not finish.
func (l *evaluationEpochLoop) stateDict() checkpoints.EvaluationEpochLoopState {
	st := checkpoints.EvaluationEpochLoopState{BatchProgress: l.batchProgress}
	current := l.batchProgress.Current
	midFlight := current.Ready > 0 && !l.doneByCount()
	if midFlight && l.fetcher != nil {
		if stateful, ok := l.fetcher.loader.(core.StatefulLoader); ok {
			st.DataloaderState = stateful.StateDict()
		}
	}
	return st
}

func (l *evaluationEpochLoop) loadState(st checkpoints.EvaluationEpochLoopState) {
	l.batchProgress = st.BatchProgress
	l.savedLoaderState = st.DataloaderState
	l.restarting = true
}
