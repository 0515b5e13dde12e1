package train

import (
	"io"

	"github.com/314dev/fulgur/checkpoints"
	"github.com/314dev/fulgur/core"
	"github.com/314dev/fulgur/train/progress"
)

// predictionLoop collects PredictStep results over every prediction
// dataloader, one result slice per dataloader.
type predictionLoop struct {
	baseLoop
	trainer *Trainer

	dataloaderProgress progress.Progress
	batchProgress      progress.BatchProgress
}

func newPredictionLoop(t *Trainer) *predictionLoop {
	return &predictionLoop{trainer: t}
}

func (l *predictionLoop) Done() bool {
	return l.dataloaderProgress.Current.Completed >= len(l.trainer.predictDataloaders)
}

func (l *predictionLoop) Reset() {
	if l.restarting {
		l.dataloaderProgress.ResetOnRestart()
		l.batchProgress.ResetOnRestart()
	} else {
		l.dataloaderProgress.ResetOnRun()
		l.batchProgress.ResetOnRun()
	}
}

func (l *predictionLoop) run() ([][]any, error) {
	t := l.trainer
	loaders := t.predictDataloaders
	if len(loaders) == 0 {
		return nil, nil
	}
	l.Reset()
	l.restarting = false
	if err := t.firePhase(predictPhaseStart); err != nil {
		return nil, err
	}
	predictions := make([][]any, 0, len(loaders))
	for !l.Done() {
		idx := l.dataloaderProgress.Current.Ready
		l.dataloaderProgress.IncrementReady()
		l.dataloaderProgress.IncrementStarted()

		loader := loaders[idx]
		if err := loader.Reset(); err != nil {
			return nil, err
		}
		collected, err := l.runOneLoader(loader, idx, t.numPredictBatches[idx])
		if err != nil {
			return nil, err
		}
		predictions = append(predictions, collected)

		l.dataloaderProgress.IncrementProcessed()
		l.dataloaderProgress.IncrementCompleted()
	}
	if err := t.firePhase(predictPhaseEnd); err != nil {
		return nil, err
	}
	return predictions, nil
}

func (l *predictionLoop) runOneLoader(loader core.DataLoader, dataloaderIdx, maxBatches int) ([]any, error) {
	t := l.trainer
	f := newFetcher(loader)
	var collected []any
	for batchIdx := 0; maxBatches < 0 || batchIdx < maxBatches; batchIdx++ {
		batch, _, err := f.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		l.batchProgress.IncrementReady()
		if err := t.callPredictBatchStart(batch, batchIdx, dataloaderIdx); err != nil {
			return nil, err
		}
		l.batchProgress.IncrementStarted()
		prediction, err := t.strategy.PredictStep(batch, batchIdx, dataloaderIdx)
		if err != nil {
			return nil, err
		}
		l.batchProgress.IncrementProcessed()
		if err := t.callPredictBatchEnd(prediction, batch, batchIdx, dataloaderIdx); err != nil {
			return nil, err
		}
		l.batchProgress.IncrementCompleted()
		collected = append(collected, prediction)
	}
	return collected, nil
}

func (l *predictionLoop) stateDict() checkpoints.PredictionLoopState {
	return checkpoints.PredictionLoopState{
		DataloaderProgress: l.dataloaderProgress,
		BatchProgress:      l.batchProgress,
	}
}

func (l *predictionLoop) loadState(st checkpoints.PredictionLoopState) {
	l.dataloaderProgress = st.DataloaderProgress
	l.batchProgress = st.BatchProgress
	l.restarting = true
}
