package train

import (
	"github.com/314dev/fulgur/core"
	"github.com/314dev/fulgur/strategies"
	"github.com/314dev/fulgur/train/hooks"
)

// Module hooks fire before callback handlers on the same event, matching
// the order users expect: their model reacts first, observers second.

var (
	predictPhaseStart = hooks.EventPredictStart
	predictPhaseEnd   = hooks.EventPredictEnd
)

// fire dispatches ctx to the callback registry with position fields
// filled in.
func (t *Trainer) fire(ctx *hooks.Context) error {
	ctx.Epoch = t.CurrentEpoch()
	ctx.GlobalStep = t.GlobalStep()
	return t.registry.Call(ctx)
}

func (t *Trainer) firePhase(event hooks.Event) error {
	return t.fire(&hooks.Context{Event: event, Metrics: t.logged})
}

func (t *Trainer) callTrainStart() error {
	if hooker, ok := t.module.(core.TrainStartHooker); ok {
		if err := hooker.OnTrainStart(); err != nil {
			return err
		}
	}
	return t.fire(&hooks.Context{Event: hooks.EventTrainStart})
}

func (t *Trainer) callTrainEnd() error {
	if hooker, ok := t.module.(core.TrainEndHooker); ok {
		if err := hooker.OnTrainEnd(); err != nil {
			return err
		}
	}
	return t.fire(&hooks.Context{Event: hooks.EventTrainEnd})
}

func (t *Trainer) callTrainEpochStart() error {
	if hooker, ok := t.module.(core.TrainEpochStartHooker); ok {
		if err := hooker.OnTrainEpochStart(); err != nil {
			return err
		}
	}
	return t.fire(&hooks.Context{Event: hooks.EventTrainEpochStart})
}

func (t *Trainer) callTrainEpochEnd() error {
	if hooker, ok := t.module.(core.TrainEpochEndHooker); ok {
		if err := hooker.OnTrainEpochEnd(); err != nil {
			return err
		}
	}
	return t.fire(&hooks.Context{Event: hooks.EventTrainEpochEnd, Metrics: t.logged})
}

func (t *Trainer) callTrainBatchStart(batch core.Batch, batchIdx int) error {
	if hooker, ok := t.module.(core.TrainBatchStartHooker); ok {
		if err := hooker.OnTrainBatchStart(batch, batchIdx); err != nil {
			return err
		}
	}
	return t.fire(&hooks.Context{Event: hooks.EventTrainBatchStart, Batch: batch, BatchIdx: batchIdx})
}

func (t *Trainer) callTrainBatchEnd(out *core.StepOutput, batch core.Batch, batchIdx int) error {
	if hooker, ok := t.module.(core.TrainBatchEndHooker); ok {
		if err := hooker.OnTrainBatchEnd(out, batch, batchIdx); err != nil {
			return err
		}
	}
	return t.fire(&hooks.Context{Event: hooks.EventTrainBatchEnd, Batch: batch, BatchIdx: batchIdx, Output: out})
}

func (t *Trainer) callEvalStart(mode strategies.Mode) error {
	event := hooks.EventValidationStart
	if mode == strategies.ModeTest {
		event = hooks.EventTestStart
	}
	return t.fire(&hooks.Context{Event: event})
}

func (t *Trainer) callEvalEnd(mode strategies.Mode) error {
	event := hooks.EventValidationEnd
	if mode == strategies.ModeTest {
		event = hooks.EventTestEnd
	}
	return t.fire(&hooks.Context{Event: event, Metrics: t.logged})
}

func (t *Trainer) callEvalBatchStart(mode strategies.Mode, batch core.Batch, batchIdx, dataloaderIdx int) error {
	if hooker, ok := t.module.(core.EvalBatchStartHooker); ok {
		if err := hooker.OnEvalBatchStart(batch, batchIdx, dataloaderIdx); err != nil {
			return err
		}
	}
	event := hooks.EventValidationBatchStart
	if mode == strategies.ModeTest {
		event = hooks.EventTestBatchStart
	}
	return t.fire(&hooks.Context{Event: event, Batch: batch, BatchIdx: batchIdx, DataloaderIdx: dataloaderIdx})
}

func (t *Trainer) callEvalBatchEnd(mode strategies.Mode, out *core.StepOutput, batch core.Batch, batchIdx, dataloaderIdx int) error {
	if hooker, ok := t.module.(core.EvalBatchEndHooker); ok {
		if err := hooker.OnEvalBatchEnd(out, batch, batchIdx, dataloaderIdx); err != nil {
			return err
		}
	}
	event := hooks.EventValidationBatchEnd
	if mode == strategies.ModeTest {
		event = hooks.EventTestBatchEnd
	}
	return t.fire(&hooks.Context{Event: event, Batch: batch, BatchIdx: batchIdx, DataloaderIdx: dataloaderIdx, Output: out})
}

func (t *Trainer) callPredictBatchStart(batch core.Batch, batchIdx, dataloaderIdx int) error {
	return t.fire(&hooks.Context{Event: hooks.EventPredictBatchStart, Batch: batch, BatchIdx: batchIdx, DataloaderIdx: dataloaderIdx})
}

func (t *Trainer) callPredictBatchEnd(prediction any, batch core.Batch, batchIdx, dataloaderIdx int) error {
	out := &core.StepOutput{Data: prediction}
	return t.fire(&hooks.Context{Event: hooks.EventPredictBatchEnd, Batch: batch, BatchIdx: batchIdx, DataloaderIdx: dataloaderIdx, Output: out})
}

// recordMetrics folds batch metrics into the current evaluation window
// and the latest-value map.
func (t *Trainer) recordMetrics(metrics map[string]float64) {
	for name, v := range metrics {
		t.logged[name] = v
		if t.metricsSum != nil {
			t.metricsSum[name] += v
			t.metricsCount[name]++
		}
	}
}

// resetMetricsWindow opens a fresh per-dataloader aggregation window.
func (t *Trainer) resetMetricsWindow() {
	t.metricsSum = make(map[string]float64)
	t.metricsCount = make(map[string]int)
}

// closeMetricsWindow averages the window and appends it to the
// per-dataloader evaluation results.
func (t *Trainer) closeMetricsWindow() {
	mean := make(map[string]float64, len(t.metricsSum))
	for name, sum := range t.metricsSum {
		mean[name] = sum / float64(t.metricsCount[name])
	}
	t.evalMetrics = append(t.evalMetrics, mean)
	t.metricsSum = nil
	t.metricsCount = nil
}

// logStepMetrics ships a training step's scalars to the logger.
func (t *Trainer) logStepMetrics(out *core.StepOutput, step int) {
	t.logged["loss"] = out.Loss
	for name, v := range out.Metrics {
		t.logged[name] = v
	}
	if t.logger != nil {
		scalars := make(map[string]float64, len(out.Metrics)+1)
		scalars["loss"] = out.Loss
		for name, v := range out.Metrics {
			scalars[name] = v
		}
		t.logger.LogMetrics(scalars, step)
	}
}
