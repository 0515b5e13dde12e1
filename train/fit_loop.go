package train

import (
	"k8s.io/klog/v2"

	"github.com/314dev/fulgur/checkpoints"
	"github.com/314dev/fulgur/core"
	"github.com/314dev/fulgur/train/progress"
)

// fitLoop runs training epochs until a stopping condition holds: the step
// or epoch cap is reached, a stop was requested (and the minimum floors
// are met), or there is nothing to train on.
type fitLoop struct {
	baseLoop
	trainer *Trainer

	epochProgress progress.Progress
	epochLoop     *trainingEpochLoop
}

func newFitLoop(t *Trainer) *fitLoop {
	return &fitLoop{trainer: t, epochLoop: newTrainingEpochLoop(t)}
}

func (l *fitLoop) currentEpoch() int { return l.epochProgress.Current.Completed }

func (l *fitLoop) Done() bool {
	t := l.trainer
	if isMaxLimitReached(l.epochLoop.globalStep, t.cfg.maxSteps()) {
		return true
	}
	if isMaxLimitReached(l.epochProgress.Current.Processed, t.cfg.maxEpochs()) {
		return true
	}
	if t.shouldStop {
		metMinEpochs := t.cfg.MinEpochs <= 0 || l.epochProgress.Current.Processed >= t.cfg.MinEpochs
		metMinSteps := t.cfg.MinSteps <= 0 || l.epochLoop.globalStep >= t.cfg.MinSteps
		if metMinEpochs && metMinSteps {
			return true
		}
		klog.Infof(
			"Trainer was signaled to stop but required minimum epochs (%d) or minimum steps (%d) has not been met. Training will continue...",
			t.cfg.MinEpochs, t.cfg.MinSteps)
		t.shouldStop = false
	}
	return t.numTrainingBatches == 0
}

func (l *fitLoop) Reset() {
	if l.restarting {
		l.epochProgress.ResetOnRestart()
	} else {
		l.epochProgress.ResetOnRun()
	}
}

func (l *fitLoop) SetRestarting(restarting bool) {
	l.restarting = restarting
	l.epochLoop.SetRestarting(restarting)
}

func (l *fitLoop) run() error {
	t := l.trainer
	l.Reset()
	if err := t.callTrainStart(); err != nil {
		return err
	}
	for !l.Done() {
		if err := l.advance(); err != nil {
			return err
		}
	}
	l.restarting = false
	return t.callTrainEnd()
}

// advance runs one full training epoch with its hook sandwich.
func (l *fitLoop) advance() error {
	t := l.trainer
	loader := t.trainDataloader
	if setter, ok := loader.(core.EpochSetter); ok {
		setter.SetEpoch(l.currentEpoch())
	}
	if err := loader.Reset(); err != nil {
		return err
	}

	l.epochProgress.IncrementReady()
	if err := t.callTrainEpochStart(); err != nil {
		return err
	}
	l.epochProgress.IncrementStarted()

	outputs, err := l.epochLoop.run(newFetcher(loader))
	if err != nil {
		return err
	}
	if !l.epochLoop.finishedEpoch() {
		// The step cap or a stop request cut the epoch short. Leave it
		// unfinished so a resume re-enters it instead of counting it twice.
		return nil
	}
	if ender, ok := t.module.(core.TrainingEpochEnder); ok {
		if err := ender.TrainingEpochEnd(outputs); err != nil {
			return err
		}
	}
	l.epochProgress.IncrementProcessed()
	if err := t.callTrainEpochEnd(); err != nil {
		return err
	}
	l.epochLoop.stepSchedulers(true)
	l.epochProgress.IncrementCompleted()
	return nil
}

func (l *fitLoop) stateDict() checkpoints.FitLoopState {
	return checkpoints.FitLoopState{
		EpochProgress: l.epochProgress,
		EpochLoop:     l.epochLoop.stateDict(),
	}
}

func (l *fitLoop) loadState(st checkpoints.FitLoopState) {
	l.epochProgress = st.EpochProgress
	l.epochLoop.loadState(st.EpochLoop)
	l.restarting = true
}
