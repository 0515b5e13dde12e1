package train

import (
	"k8s.io/klog/v2"

	"github.com/314dev/fulgur/checkpoints"
	"github.com/314dev/fulgur/core"
	"github.com/314dev/fulgur/strategies"
	"github.com/314dev/fulgur/train/progress"
)

// evaluationLoop drives evaluation over every configured dataloader,
// aggregating outputs per dataloader and firing the surrounding hooks. One
// instance serves validation (also mid-fit) and another serves testing.
type evaluationLoop struct {
	baseLoop
	trainer *Trainer
	mode    strategies.Mode // ModeValidate or ModeTest

	dataloaderProgress progress.Progress
	epochLoop          *evaluationEpochLoop

	outputs [][]*core.StepOutput
}

func newEvaluationLoop(t *Trainer, mode strategies.Mode) *evaluationLoop {
	return &evaluationLoop{
		trainer:   t,
		mode:      mode,
		epochLoop: newEvaluationEpochLoop(t, mode),
	}
}

func (l *evaluationLoop) loaders() []core.DataLoader {
	if l.mode == strategies.ModeTest {
		return l.trainer.testDataloaders
	}
	return l.trainer.valDataloaders
}

func (l *evaluationLoop) maxBatches() []int {
	if l.mode == strategies.ModeTest {
		return l.trainer.numTestBatches
	}
	return l.trainer.numValBatches
}

// skip reports whether evaluation should not run at all: no dataloaders,
// or every per-dataloader cap resolved to zero.
func (l *evaluationLoop) skip() bool {
	loaders := l.loaders()
	if len(loaders) == 0 {
		return true
	}
	for _, max := range l.maxBatches() {
		if max != 0 {
			return false
		}
	}
	return true
}

func (l *evaluationLoop) Done() bool {
	return l.dataloaderProgress.Current.Completed >= len(l.loaders())
}

func (l *evaluationLoop) Reset() {
	l.outputs = nil
	if l.restarting && len(l.loaders()) > 1 {
		l.dataloaderProgress.ResetOnRestart()
	} else {
		l.dataloaderProgress.ResetOnRun()
	}
}

func (l *evaluationLoop) SetRestarting(restarting bool) {
	l.restarting = restarting
	l.epochLoop.SetRestarting(restarting)
}

// run evaluates every dataloader and returns the collected outputs, one
// slice per dataloader (empty when the module does not collect outputs).
func (l *evaluationLoop) run() ([][]*core.StepOutput, error) {
	if l.skip() {
		return nil, nil
	}
	t := l.trainer
	t.evalMetrics = nil
	l.Reset()
	if err := t.callEvalStart(l.mode); err != nil {
		return nil, err
	}
	loaders := l.loaders()
	maxBatches := l.maxBatches()
	for !l.Done() {
		idx := l.dataloaderProgress.Current.Ready
		l.dataloaderProgress.IncrementReady()
		l.dataloaderProgress.IncrementStarted()

		loader := loaders[idx]
		if err := loader.Reset(); err != nil {
			return nil, err
		}
		t.resetMetricsWindow()
		outputs, err := l.epochLoop.run(newFetcher(loader), maxBatches[idx], idx)
		if err != nil {
			return nil, err
		}
		t.closeMetricsWindow()
		l.outputs = append(l.outputs, outputs)

		l.dataloaderProgress.IncrementProcessed()
		l.dataloaderProgress.IncrementCompleted()
	}
	l.restarting = false

	outputs := l.outputs
	l.outputs = nil
	if err := l.callEpochEnd(outputs); err != nil {
		return nil, err
	}
	if err := t.callEvalEnd(l.mode); err != nil {
		return nil, err
	}
	klog.V(1).Infof("Finished %s over %d dataloader(s)", l.mode, len(loaders))
	return outputs, nil
}

// callEpochEnd hands the collected outputs to the module's epoch-end
// capability, when present. A single dataloader's outputs arrive as a
// one-element outer slice.
func (l *evaluationLoop) callEpochEnd(outputs [][]*core.StepOutput) error {
	if l.mode == strategies.ModeTest {
		if ender, ok := l.trainer.module.(core.TestEpochEnder); ok {
			return ender.TestEpochEnd(outputs)
		}
		return nil
	}
	if ender, ok := l.trainer.module.(core.ValidationEpochEnder); ok {
		return ender.ValidationEpochEnd(outputs)
	}
	return nil
}

func (l *evaluationLoop) stateDict() checkpoints.EvaluationLoopState {
	return checkpoints.EvaluationLoopState{
		DataloaderProgress: l.dataloaderProgress,
		EpochLoop:          l.epochLoop.stateDict(),
	}
}

func (l *evaluationLoop) loadState(st checkpoints.EvaluationLoopState) {
	l.dataloaderProgress = st.DataloaderProgress
	l.epochLoop.loadState(st.EpochLoop)
	l.restarting = true
}
