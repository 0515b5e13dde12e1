package strategies

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/314dev/fulgur/checkpoints"
	"github.com/314dev/fulgur/core"
	"github.com/314dev/fulgur/fault"
)

// DataParallel runs one process that fans each batch out over module
// replicas. The module must implement core.Replicable and batches must
// implement Splitter so sub-batches can be carved out; step outputs are
// mean-reduced across replicas.
type DataParallel struct {
	base
	NumReplicas int

	replicas []core.Module
	once     sync.Once
}

// Splitter is implemented by batches that can be carved into n sub-batches
// for data-parallel execution.
type Splitter interface {
	Split(n int) []core.Batch
}

// NewDataParallel creates the strategy with the given replica count.
func NewDataParallel(io checkpoints.IO, numReplicas int) *DataParallel {
	if numReplicas < 1 {
		numReplicas = 1
	}
	return &DataParallel{base: newBase(io), NumReplicas: numReplicas}
}

func (s *DataParallel) Setup(mode Mode) error {
	if err := s.base.Setup(mode); err != nil {
		return err
	}
	replicable, ok := s.module.(core.Replicable)
	if !ok {
		return fault.Configf("the data-parallel strategy requires the module to implement Replicate; use the single-device strategy instead")
	}
	s.once.Do(func() { s.replicas = replicable.Replicate(s.NumReplicas) })
	return nil
}

func (s *DataParallel) TrainingStep(batch core.Batch, batchIdx, optimizerIdx int) (*core.StepOutput, error) {
	return s.parallelStep(batch, func(replica core.Module, sub core.Batch) (*core.StepOutput, error) {
		return replica.TrainingStep(sub, batchIdx, optimizerIdx)
	})
}

func (s *DataParallel) ValidationStep(batch core.Batch, batchIdx, dataloaderIdx int) (*core.StepOutput, error) {
	return s.parallelStep(batch, func(replica core.Module, sub core.Batch) (*core.StepOutput, error) {
		stepper, ok := replica.(core.ValidationStepper)
		if !ok {
			return nil, fault.Configf("the module does not implement ValidationStep; it cannot be validated")
		}
		return stepper.ValidationStep(sub, batchIdx, dataloaderIdx)
	})
}

func (s *DataParallel) TestStep(batch core.Batch, batchIdx, dataloaderIdx int) (*core.StepOutput, error) {
	return s.parallelStep(batch, func(replica core.Module, sub core.Batch) (*core.StepOutput, error) {
		stepper, ok := replica.(core.TestStepper)
		if !ok {
			return nil, fault.Configf("the module does not implement TestStep; it cannot be tested")
		}
		return stepper.TestStep(sub, batchIdx, dataloaderIdx)
	})
}

// parallelStep splits batch across the replicas, runs fn concurrently and
// mean-reduces the outputs.
func (s *DataParallel) parallelStep(batch core.Batch, fn func(core.Module, core.Batch) (*core.StepOutput, error)) (*core.StepOutput, error) {
	splitter, ok := batch.(Splitter)
	if !ok || len(s.replicas) <= 1 {
		return fn(s.module, batch)
	}
	subBatches := splitter.Split(len(s.replicas))
	outputs := make([]*core.StepOutput, len(subBatches))
	var group errgroup.Group
	for i, sub := range subBatches {
		replica := s.replicas[i%len(s.replicas)]
		group.Go(func() error {
			out, err := fn(replica, sub)
			outputs[i] = out
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return meanOutputs(outputs), nil
}

// meanOutputs averages loss and metrics across replica outputs; nil
// outputs are skipped, and all-nil yields nil.
func meanOutputs(outputs []*core.StepOutput) *core.StepOutput {
	var kept []*core.StepOutput
	for _, out := range outputs {
		if out != nil {
			kept = append(kept, out)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	merged := &core.StepOutput{Metrics: make(map[string]float64)}
	counts := make(map[string]int)
	for _, out := range kept {
		merged.Loss += out.Loss
		for name, v := range out.Metrics {
			merged.Metrics[name] += v
			counts[name]++
		}
	}
	merged.Loss /= float64(len(kept))
	for name := range merged.Metrics {
		merged.Metrics[name] /= float64(counts[name])
	}
	if len(merged.Metrics) == 0 {
		merged.Metrics = nil
	}
	merged.Data = kept[0].Data
	return merged
}
