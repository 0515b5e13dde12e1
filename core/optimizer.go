package core

// Optimizer is the contract the automatic optimization path drives. Step
// receives a closure that computes the loss (running the training step,
// gradient zeroing at accumulation-window starts, and backward) and must
// invoke it exactly once before applying the update. StateDict and
// LoadStateDict move optimizer state in and out of checkpoints.
type Optimizer interface {
	Step(closure func() (float64, error)) error
	ZeroGrad()
	StateDict() map[string]any
	LoadStateDict(state map[string]any) error
}

// LRScheduler adjusts learning rates. The trainer calls Step once per
// optimizer step (step cadence) or once per epoch (epoch cadence).
type LRScheduler interface {
	Step()
	StateDict() map[string]any
	LoadStateDict(state map[string]any) error
}

// EpochScheduler marks a scheduler as epoch-cadence; schedulers without it
// are stepped at optimizer-step cadence.
type EpochScheduler interface {
	PerEpoch() bool
}

// SchedulerCadenceIsEpoch reports whether s should step once per epoch.
func SchedulerCadenceIsEpoch(s LRScheduler) bool {
	es, ok := s.(EpochScheduler)
	return ok && es.PerEpoch()
}
