// Package train implements the training orchestration: the Trainer facade,
// the nested loops it drives (fit → epoch → optimizer, evaluation,
// prediction), the checkpoint connector that moves their state in and out
// of storage, and the run configuration.
package train

// Signal is returned by a loop's advance step: SignalContinue means the
// loop has more work, SignalDone ends the current run normally (for
// example when a dataloader is exhausted).
type Signal int

const (
	SignalContinue Signal = iota
	SignalDone
)

// Loop is the surface shared by the trainer's nested loops. Each concrete
// loop adds its own typed run/advance methods; state serialization goes
// through the typed structs in the checkpoints package.
type Loop interface {
	// Reset prepares the loop for a fresh run, honoring the restarting
	// flag: a restarting loop rewinds to its last completed event instead
	// of zeroing its progress.
	Reset()

	// Done reports whether the loop has nothing left to do.
	Done() bool

	Restarting() bool
	SetRestarting(restarting bool)

	// Teardown releases per-run resources.
	Teardown()
}

// baseLoop carries the restarting flag all loops share.
type baseLoop struct {
	restarting bool
}

func (l *baseLoop) Restarting() bool               { return l.restarting }
func (l *baseLoop) SetRestarting(restarting bool)  { l.restarting = restarting }
func (l *baseLoop) Teardown()                      {}

// isMaxLimitReached reports whether current has reached a limit, where -1
// means unlimited.
func isMaxLimitReached(current, max int) bool {
	return max != -1 && current >= max
}
