package train

import (
	"fmt"
	"strings"

	"github.com/314dev/fulgur/core"
	"github.com/314dev/fulgur/train/hooks"
)

// recorder collects the ordered call log fit tests assert on. Trainers
// under test run single device, so no locking is needed.
type recorder struct {
	calls []string
}

func (r *recorder) add(format string, args ...any) {
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

// only returns the recorded calls whose name is in names, preserving
// order.
func (r *recorder) only(names ...string) []string {
	keep := make(map[string]bool, len(names))
	for _, name := range names {
		keep[name] = true
	}
	var out []string
	for _, call := range r.calls {
		name := call
		if i := strings.IndexByte(call, '('); i >= 0 {
			name = call[:i]
		}
		if keep[name] {
			out = append(out, call)
		}
	}
	return out
}

func count(calls []string, prefix string) int {
	n := 0
	for _, call := range calls {
		if strings.HasPrefix(call, prefix) {
			n++
		}
	}
	return n
}

// testModule is a trainable module backed by a single weight vector. Every
// hook it implements logs into the shared recorder.
type testModule struct {
	rec     *recorder
	weights []float64

	optimizers []*testOptimizer
	schedulers []core.LRScheduler
}

func newTestModule(rec *recorder) *testModule {
	m := &testModule{rec: rec, weights: []float64{0}}
	m.optimizers = []*testOptimizer{{rec: rec}}
	return m
}

func (m *testModule) TrainingStep(batch core.Batch, batchIdx, optimizerIdx int) (*core.StepOutput, error) {
	m.rec.add("training_step(%d)", batchIdx)
	loss := batch.(float64)
	return &core.StepOutput{Loss: loss, Metrics: map[string]float64{"loss": loss}}, nil
}

func (m *testModule) Backward(loss float64) error {
	m.rec.add("backward(%g)", loss)
	return nil
}

func (m *testModule) StateDict() map[string][]float64 {
	return map[string][]float64{"weights": append([]float64(nil), m.weights...)}
}

func (m *testModule) LoadStateDict(state map[string][]float64) error {
	m.weights = append([]float64(nil), state["weights"]...)
	return nil
}

func (m *testModule) ConfigureOptimizers() ([]core.Optimizer, []core.LRScheduler) {
	out := make([]core.Optimizer, len(m.optimizers))
	for i, opt := range m.optimizers {
		out[i] = opt
	}
	return out, m.schedulers
}

func (m *testModule) ValidationStep(batch core.Batch, batchIdx, dataloaderIdx int) (*core.StepOutput, error) {
	m.rec.add("validation_step(%d/%d)", dataloaderIdx, batchIdx)
	loss := batch.(float64)
	return &core.StepOutput{Loss: loss, Metrics: map[string]float64{"val_loss": loss}}, nil
}

func (m *testModule) TestStep(batch core.Batch, batchIdx, dataloaderIdx int) (*core.StepOutput, error) {
	m.rec.add("test_step(%d/%d)", dataloaderIdx, batchIdx)
	loss := batch.(float64)
	return &core.StepOutput{Loss: loss, Metrics: map[string]float64{"test_loss": loss}}, nil
}

func (m *testModule) PredictStep(batch core.Batch, batchIdx, dataloaderIdx int) (any, error) {
	return batch.(float64) * 10, nil
}

type testOptimizer struct {
	rec   *recorder
	steps int
	state map[string]any
}

func (o *testOptimizer) ZeroGrad() { o.rec.add("zero_grad") }

func (o *testOptimizer) Step(closure func() (float64, error)) error {
	if _, err := closure(); err != nil {
		return err
	}
	o.steps++
	o.rec.add("optimizer_step")
	return nil
}

func (o *testOptimizer) StateDict() map[string]any {
	return map[string]any{"steps": o.steps}
}

func (o *testOptimizer) LoadStateDict(state map[string]any) error {
	switch v := state["steps"].(type) {
	case int:
		o.steps = v
	case float64:
		o.steps = int(v)
	}
	o.state = state
	return nil
}

type testScheduler struct {
	rec      *recorder
	perEpoch bool
	steps    int
}

func (s *testScheduler) Step() {
	s.steps++
	s.rec.add("scheduler_step")
}

func (s *testScheduler) StateDict() map[string]any { return map[string]any{"steps": s.steps} }

func (s *testScheduler) LoadStateDict(state map[string]any) error {
	switch v := state["steps"].(type) {
	case int:
		s.steps = v
	case float64:
		s.steps = int(v)
	}
	return nil
}

func (s *testScheduler) PerEpoch() bool { return s.perEpoch }

// testData bundles the dataloaders for a run; nil slices simply disable
// the matching capability's content.
type testData struct {
	train   core.DataLoader
	val     []core.DataLoader
	test    []core.DataLoader
	predict []core.DataLoader
}

func (d *testData) TrainDataloader() core.DataLoader      { return d.train }
func (d *testData) ValDataloaders() []core.DataLoader     { return d.val }
func (d *testData) TestDataloaders() []core.DataLoader    { return d.test }
func (d *testData) PredictDataloaders() []core.DataLoader { return d.predict }

// batches builds a loader of n scalar batches 1..n.
func batches(n int) *core.SliceLoader {
	out := make([]core.Batch, n)
	for i := range out {
		out[i] = float64(i + 1)
	}
	return core.NewSliceLoader(out...)
}

// callbackFunc adapts a function into a hooks.Callback.
type callbackFunc func(reg *hooks.Registry)

func (f callbackFunc) Register(reg *hooks.Registry) { f(reg) }
